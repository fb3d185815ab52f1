// Package segment cuts a growing stream of generated text into fragments
// that are ready for speech synthesis.
package segment

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/speakstream/internal/config"
)

// Config tunes where the detector is allowed to cut. Lengths are counted in
// characters, not bytes.
type Config struct {
	MinFragmentLength int
	MaxFragmentLength int
	StrongMarkers     []string
	WeakMarkers       []string
}

// DefaultConfig mirrors the defaults shipped in config.Default.
func DefaultConfig() Config {
	return FromConfig(config.Default().Segmenter)
}

func FromConfig(cfg config.SegmenterConfig) Config {
	return Config{
		MinFragmentLength: cfg.MinFragmentLength,
		MaxFragmentLength: cfg.MaxFragmentLength,
		StrongMarkers:     append([]string(nil), cfg.StrongMarkers...),
		WeakMarkers:       append([]string(nil), cfg.WeakMarkers...),
	}
}

func (c Config) Validate() error {
	if c.MinFragmentLength <= 0 {
		return errors.New("segmenter: min fragment length must be positive")
	}
	if c.MaxFragmentLength <= c.MinFragmentLength {
		return errors.New("segmenter: max fragment length must exceed min fragment length")
	}
	for _, m := range append(append([]string(nil), c.StrongMarkers...), c.WeakMarkers...) {
		if m == "" {
			return errors.New("segmenter: boundary markers must not be empty")
		}
	}
	return nil
}

// Detector decides whether a buffered tail holds a synthesis-ready prefix.
// It keeps no state beyond its configuration and is safe for concurrent use.
type Detector struct {
	cfg Config
}

func NewDetector(cfg Config) (Detector, error) {
	if err := cfg.Validate(); err != nil {
		return Detector{}, err
	}
	return Detector{cfg: cfg}, nil
}

// Cut returns the byte offset k such that tail[:k] should become a fragment
// and tail[k:] stays buffered. ok is false when more text is needed.
//
// Rules, first match wins:
//  1. tails shorter than MinFragmentLength never cut;
//  2. the right-most strong marker starting at or after MinFragmentLength;
//  3. once the tail exceeds twice MinFragmentLength, the right-most weak marker;
//  4. once the tail exceeds MaxFragmentLength, the word boundary closest to
//     the middle of the tail, capped at MaxFragmentLength.
func (d Detector) Cut(tail string) (int, bool) {
	n := utf8.RuneCountInString(tail)
	if n == 0 || n < d.cfg.MinFragmentLength {
		return 0, false
	}
	floor := byteOffset(tail, d.cfg.MinFragmentLength)

	if k, ok := lastMarkerEnd(tail, floor, d.cfg.StrongMarkers); ok {
		return k, true
	}
	if n > 2*d.cfg.MinFragmentLength {
		if k, ok := lastMarkerEnd(tail, floor, d.cfg.WeakMarkers); ok {
			return k, true
		}
	}
	if n > d.cfg.MaxFragmentLength {
		target := n / 2
		if target > d.cfg.MaxFragmentLength {
			target = d.cfg.MaxFragmentLength
		}
		return wordBoundaryNear(tail, d.cfg.MinFragmentLength, target)
	}
	return 0, false
}

// lastMarkerEnd finds the end of the right-most marker occurrence that starts
// at byte offset floor or later. Overlapping markers are not collapsed.
func lastMarkerEnd(tail string, floor int, markers []string) (int, bool) {
	best := -1
	for _, m := range markers {
		idx := strings.LastIndex(tail, m)
		if idx < floor {
			continue
		}
		if end := idx + len(m); end > best {
			best = end
		}
	}
	return best, best > 0
}

// wordBoundaryNear returns the byte offset of the word start closest to the
// rune position target. Only word starts at rune position floor or later
// qualify, so the prefix never falls below the minimum length. Separating
// whitespace stays with the prefix.
func wordBoundaryNear(tail string, floor, target int) (int, bool) {
	bestByte, bestDist := -1, -1
	pos := 0
	prevSpace := false
	for i, r := range tail {
		space := unicode.IsSpace(r)
		if !space && prevSpace && pos >= floor {
			dist := pos - target
			if dist < 0 {
				dist = -dist
			}
			if bestDist < 0 || dist < bestDist {
				bestByte, bestDist = i, dist
			}
		}
		prevSpace = space
		pos++
	}
	return bestByte, bestByte > 0
}

// byteOffset converts a rune position into a byte offset, clamped to len(s).
func byteOffset(s string, runes int) int {
	if runes <= 0 {
		return 0
	}
	count := 0
	for i := range s {
		if count == runes {
			return i
		}
		count++
	}
	return len(s)
}
