package stream

import (
	"context"

	"github.com/loqalabs/speakstream/internal/tts"
)

// State is the lifecycle position of a turn.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateDraining  State = "draining"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// FailureCode classifies why a turn ended in StateFailed.
type FailureCode string

const (
	CodeMalformedInput FailureCode = "malformed_input"
	CodeSourceFailure  FailureCode = "source_failure"
	CodeCancelled      FailureCode = "cancelled"
	CodeTimeout        FailureCode = "timeout"
)

// Event is one delivery event of a turn. The set of implementations is
// closed; sinks switch over the concrete types.
type Event interface {
	Type() string
	event()
}

// TurnStarted is always the first event of an accepted turn.
type TurnStarted struct {
	TurnID string
}

// TextDelta carries one increment exactly as the generator produced it.
// FragmentSeq is the fragment the first character of Content belongs to.
type TextDelta struct {
	Content     string
	FragmentSeq int
}

// AudioReady carries the synthesized waveform of one fragment.
type AudioReady struct {
	FragmentSeq int
	Text        string
	Audio       tts.Audio
}

// FragmentFailed reports a fragment whose audio could not be produced. The
// turn continues.
type FragmentFailed struct {
	FragmentSeq int
	Reason      string
}

// TurnCompleted ends a successful turn. FullText is the exact concatenation
// of every increment.
type TurnCompleted struct {
	FullText string
}

// TurnFailed ends a failed turn; nothing follows it.
type TurnFailed struct {
	Code   FailureCode
	Reason string
}

func (TurnStarted) Type() string    { return "turn.started" }
func (TextDelta) Type() string      { return "text.delta" }
func (AudioReady) Type() string     { return "audio.ready" }
func (FragmentFailed) Type() string { return "fragment.failed" }
func (TurnCompleted) Type() string  { return "turn.completed" }
func (TurnFailed) Type() string     { return "turn.failed" }

func (TurnStarted) event()    {}
func (TextDelta) event()      {}
func (AudioReady) event()     {}
func (FragmentFailed) event() {}
func (TurnCompleted) event()  {}
func (TurnFailed) event()     {}

// Sink accepts events one at a time and must preserve submission order.
// A returned error aborts the turn.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }
