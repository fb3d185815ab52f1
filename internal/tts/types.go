package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/speakstream/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	TurnID string
	Seq    int
	Text   string
	Voice  string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	TurnID     string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio. Implementations close
// both channels when done; at most one error is sent.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Audio is a complete waveform of signed 16-bit little-endian samples.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration reports the playback length of the waveform.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 || a.Channels <= 0 {
		return 0
	}
	frames := len(a.PCM) / (2 * a.Channels)
	return time.Duration(frames) * time.Second / time.Duration(a.SampleRate)
}

// Result is the outcome of synthesizing one fragment. Failures are carried
// in Err rather than returned.
type Result struct {
	Seq     int
	Text    string
	Audio   Audio
	Err     error
	Skipped bool
	Latency time.Duration
}

func (r Result) OK() bool { return r.Err == nil && !r.Skipped }

// New selects the backend named by cfg.Mode.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.Voice, cfg.SampleRate, cfg.Channels)
	case "http":
		return NewHTTPSynth(cfg.Endpoint, cfg.Voice, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
