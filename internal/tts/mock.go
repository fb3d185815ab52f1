package tts

import (
	"context"
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"
)

const (
	mockToneHz       = 220.0
	mockMsPerRune    = 60
	mockChunkMillis  = 200
	mockAmplitude    = 0.2
	mockInitialDelay = 50 * time.Millisecond
)

// mockSynth streams a quiet sine tone whose duration follows the rune count
// of the text. Output arrives in chunks of about 200ms so the collector sees
// a multi-chunk stream.
type mockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels, delay: mockInitialDelay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(m.delay):
		}

		total := utf8.RuneCountInString(req.Text) * m.sampleRate * mockMsPerRune / 1000
		per := m.sampleRate * mockChunkMillis / 1000
		if per <= 0 {
			per = 1
		}
		seq := 0
		for start := 0; start < total || seq == 0; start += per {
			n := min(per, total-start)
			chunk := SynthChunk{
				TurnID:     req.TurnID,
				Sequence:   seq,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        m.tone(start, max(n, 0)),
				Final:      start+per >= total,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			seq++
		}
	}()
	return chunks, errs
}

// tone renders frames [offset, offset+n) as 16-bit little-endian PCM,
// duplicating each sample across channels.
func (m *mockSynth) tone(offset, n int) []byte {
	out := make([]byte, n*2*m.channels)
	step := 2 * math.Pi * mockToneHz / float64(m.sampleRate)
	for i := 0; i < n; i++ {
		v := int16(mockAmplitude * math.MaxInt16 * math.Sin(step*float64(offset+i)))
		for c := 0; c < m.channels; c++ {
			binary.LittleEndian.PutUint16(out[(i*m.channels+c)*2:], uint16(v))
		}
	}
	return out
}
