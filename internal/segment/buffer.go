package segment

// Fragment is an immutable span of text selected for synthesis. Seq starts at
// 1 and increases by one within a turn.
type Fragment struct {
	Seq   int
	Text  string
	Final bool
}

// Buffer accumulates increments and hands out fragments as soon as the
// detector finds a cut. It is owned by a single goroutine.
type Buffer struct {
	detector Detector
	tail     string
	next     int
}

func NewBuffer(detector Detector) *Buffer {
	return &Buffer{detector: detector, next: 1}
}

// Append concatenates an increment onto the tail.
func (b *Buffer) Append(increment string) {
	b.tail += increment
}

// ExtractReady removes every prefix the detector is willing to cut and
// returns them in order. It returns nil when the tail needs more text.
func (b *Buffer) ExtractReady() []Fragment {
	var out []Fragment
	for {
		k, ok := b.detector.Cut(b.tail)
		if !ok || k <= 0 {
			return out
		}
		out = append(out, b.emit(b.tail[:k], false))
		b.tail = b.tail[k:]
	}
}

// Flush emits the whole residual tail as the final fragment, bypassing the
// detector. A second call returns nothing.
func (b *Buffer) Flush() (Fragment, bool) {
	if b.tail == "" {
		return Fragment{}, false
	}
	frag := b.emit(b.tail, true)
	b.tail = ""
	return frag, true
}

func (b *Buffer) Tail() string { return b.tail }

// NextSeq is the sequence number the next fragment will carry.
func (b *Buffer) NextSeq() int { return b.next }

func (b *Buffer) emit(text string, final bool) Fragment {
	frag := Fragment{Seq: b.next, Text: text, Final: final}
	b.next++
	return frag
}
