// Package stream drives one turn from generated text to ordered text and
// audio events.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/speakstream/internal/config"
	"github.com/loqalabs/speakstream/internal/eventstore"
	"github.com/loqalabs/speakstream/internal/llm"
	"github.com/loqalabs/speakstream/internal/segment"
	"github.com/loqalabs/speakstream/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrMalformedInput = errors.New("malformed input")
	ErrSourceFailure  = errors.New("text source failed")
	ErrSinkFailure    = errors.New("sink failed")
	ErrTurnCancelled  = errors.New("turn cancelled")
	ErrTurnTimeout    = errors.New("turn timed out")
)

// Options bundles the collaborators of a Coordinator.
type Options struct {
	Stream    config.StreamConfig
	Segmenter segment.Config
	LLM       config.LLMConfig
	Generator llm.Generator
	Invoker   *tts.Invoker
	Journal   *eventstore.Store
	Logger    *slog.Logger
}

// Request is one inbound user message.
type Request struct {
	TurnID    string
	Message   string
	TraceID   string
	Tier      string
	Transport string
}

// Summary describes how a turn ended.
type Summary struct {
	TurnID          string
	State           State
	FullText        string
	Fragments       int
	AudioDelivered  int
	FailedFragments int
}

// Coordinator runs turns. It holds no per-turn state and is safe for
// concurrent use; each Run owns its own buffer and queues.
type Coordinator struct {
	opts     Options
	detector segment.Detector
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics
}

func New(opts Options) (*Coordinator, error) {
	if opts.Generator == nil {
		return nil, errors.New("stream: generator is required")
	}
	if opts.Invoker == nil {
		return nil, errors.New("stream: invoker is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stream.EventQueueSize <= 0 {
		opts.Stream.EventQueueSize = 1
	}
	if opts.Stream.FragmentQueueSize <= 0 {
		opts.Stream.FragmentQueueSize = 1
	}
	if opts.Stream.TerminalTimeoutMS <= 0 {
		opts.Stream.TerminalTimeoutMS = 5000
	}
	detector, err := segment.NewDetector(opts.Segmenter)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger.With(slog.String("component", "stream"))
	m, err := newMetrics()
	if err != nil {
		logger.Warn("failed to initialize metrics", slogError(err))
	}
	return &Coordinator{
		opts:     opts,
		detector: detector,
		logger:   logger,
		tracer:   otel.Tracer("github.com/loqalabs/speakstream/stream"),
		metrics:  m,
	}, nil
}

// Run drives one turn to completion, delivering every event to sink in
// order. Malformed input is rejected with a single TurnFailed and no turn
// is started. The returned error wraps one of the package sentinels when
// the turn did not complete.
func (c *Coordinator) Run(ctx context.Context, req Request, sink Sink) (Summary, error) {
	if req.TurnID == "" {
		req.TurnID = uuid.NewString()
	}
	if reason := c.validate(req.Message); reason != "" {
		err := fmt.Errorf("%w: %s", ErrMalformedInput, reason)
		c.metrics.turnEnded(ctx, string(CodeMalformedInput))
		summary := Summary{TurnID: req.TurnID, State: StateFailed}
		sendCtx, cancel := c.terminalContext(ctx)
		defer cancel()
		if sendErr := sink.Send(sendCtx, TurnFailed{Code: CodeMalformedInput, Reason: reason}); sendErr != nil {
			return summary, errors.Join(err, fmt.Errorf("%w: %w", ErrSinkFailure, sendErr))
		}
		return summary, err
	}

	t := &turn{
		c:      c,
		req:    req,
		sink:   sink,
		log:    c.logger.With(slog.String("turn_id", req.TurnID)),
		buf:    segment.NewBuffer(c.detector),
		events: make(chan Event, c.opts.Stream.EventQueueSize),
		state:  StateIdle,
		start:  time.Now(),
	}
	return t.run(ctx)
}

// validate returns a user-facing reason when message cannot start a turn.
func (c *Coordinator) validate(message string) string {
	if strings.TrimSpace(message) == "" {
		return "Empty message"
	}
	if !utf8.ValidString(message) {
		return "Message is not valid UTF-8"
	}
	if limit := c.opts.Stream.MaxInputLength; limit > 0 && utf8.RuneCountInString(message) > limit {
		return fmt.Sprintf("Message exceeds %d characters", limit)
	}
	return ""
}

// terminalContext outlives cancellation of ctx so the closing event of a
// turn can still be written.
func (c *Coordinator) terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), time.Duration(c.opts.Stream.TerminalTimeoutMS)*time.Millisecond)
}

type turn struct {
	c     *Coordinator
	req   Request
	sink  Sink
	log   *slog.Logger
	buf   *segment.Buffer
	state State
	start time.Time

	events  chan Event
	sinkErr error // written by deliver only

	full       strings.Builder
	fragments  int
	firstText  bool
	audioCount int // written by forwardAudio only
	failCount  int
	firstAudio bool
}

func (t *turn) run(parent context.Context) (Summary, error) {
	ctx, span := t.c.tracer.Start(parent, "stream.turn", trace.WithAttributes(
		attribute.String("turn.id", t.req.TurnID),
		attribute.String("turn.transport", t.req.Transport),
	))
	defer span.End()

	var (
		turnCtx context.Context
		cancel  context.CancelFunc
	)
	if ms := t.c.opts.Stream.TurnTimeoutMS; ms > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
	} else {
		turnCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	synthCtx, cancelSynth := context.WithCancel(turnCtx)
	defer cancelSynth()

	t.c.metrics.turnStarted(ctx)
	defer t.c.metrics.turnFinished(ctx)
	t.journalBegin(ctx)

	delivered := make(chan struct{})
	go t.deliver(turnCtx, cancel, delivered)

	fragments := make(chan segment.Fragment, t.c.opts.Stream.FragmentQueueSize)
	results := t.c.opts.Invoker.Run(synthCtx, t.req.TurnID, fragments)
	audioDone := make(chan struct{})
	go t.forwardAudio(turnCtx, synthCtx, results, audioDone)

	t.state = StateStreaming
	genErr := t.stream(turnCtx, fragments)
	if genErr == nil && turnCtx.Err() == nil {
		t.state = StateDraining
		if frag, ok := t.buf.Flush(); ok {
			genErr = t.enqueue(turnCtx, fragments, frag)
		}
	}
	close(fragments)
	if genErr != nil || turnCtx.Err() != nil {
		cancelSynth()
	}
	<-audioDone
	close(t.events)
	<-delivered

	return t.finish(ctx, turnCtx, span, genErr)
}

// stream pulls increments from the generator until it is exhausted.
func (t *turn) stream(ctx context.Context, fragments chan<- segment.Fragment) error {
	if !t.emit(ctx, TurnStarted{TurnID: t.req.TurnID}) {
		return ctx.Err()
	}
	genReq := llm.OptionsFromConfig(t.c.opts.LLM, t.req.Tier)
	genReq.TurnID = t.req.TurnID
	genReq.TraceID = t.req.TraceID
	genReq.Prompt = t.req.Message

	return t.c.opts.Generator.Generate(ctx, genReq, func(chunk llm.Chunk) error {
		if chunk.Content == "" {
			return nil
		}
		return t.accept(ctx, fragments, chunk.Content)
	})
}

func (t *turn) accept(ctx context.Context, fragments chan<- segment.Fragment, increment string) error {
	seq := t.buf.NextSeq()
	t.buf.Append(increment)
	t.full.WriteString(increment)
	if !t.emit(ctx, TextDelta{Content: increment, FragmentSeq: seq}) {
		return ctx.Err()
	}
	if !t.firstText {
		t.firstText = true
		t.c.metrics.firstText(ctx, time.Since(t.start))
	}
	for _, frag := range t.buf.ExtractReady() {
		if err := t.enqueue(ctx, fragments, frag); err != nil {
			return err
		}
	}
	return nil
}

func (t *turn) enqueue(ctx context.Context, fragments chan<- segment.Fragment, frag segment.Fragment) error {
	select {
	case fragments <- frag:
		t.fragments++
		t.c.metrics.fragment(ctx)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forwardAudio turns ordered synthesis results into events.
func (t *turn) forwardAudio(ctx, synthCtx context.Context, results <-chan tts.Result, done chan<- struct{}) {
	defer close(done)
	open := true
	for res := range results {
		if !open || res.Skipped {
			continue
		}
		if res.Err != nil {
			if synthCtx.Err() != nil {
				continue
			}
			t.journal(ctx, "fragment.failed", res.Seq, map[string]any{"error": res.Err.Error()})
			if open = t.emit(ctx, FragmentFailed{FragmentSeq: res.Seq, Reason: res.Err.Error()}); open {
				t.failCount++
			}
			continue
		}
		t.journal(ctx, "fragment.synthesized", res.Seq, map[string]any{
			"text":        res.Text,
			"duration_ms": res.Audio.Duration().Milliseconds(),
			"latency_ms":  res.Latency.Milliseconds(),
		})
		if open = t.emit(ctx, AudioReady{FragmentSeq: res.Seq, Text: res.Text, Audio: res.Audio}); open {
			t.audioCount++
			if !t.firstAudio {
				t.firstAudio = true
				t.c.metrics.firstAudio(ctx, time.Since(t.start))
			}
		}
	}
}

// deliver writes queued events to the sink. After a sink error or
// cancellation the remaining events are discarded so producers never block
// on a dead consumer.
func (t *turn) deliver(ctx context.Context, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	for ev := range t.events {
		if t.sinkErr != nil || ctx.Err() != nil {
			continue
		}
		if err := t.sink.Send(ctx, ev); err != nil {
			t.sinkErr = err
			t.log.Warn("sink rejected event", slog.String("event", ev.Type()), slogError(err))
			cancel()
		}
	}
}

func (t *turn) emit(ctx context.Context, ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *turn) finish(ctx, turnCtx context.Context, span trace.Span, genErr error) (Summary, error) {
	var (
		terminal Event
		err      error
		outcome  string
	)
	switch {
	case t.sinkErr != nil:
		err = fmt.Errorf("%w: %w", ErrSinkFailure, t.sinkErr)
		outcome = "sink_failure"
	case turnCtx.Err() != nil:
		if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
			err = ErrTurnTimeout
			terminal = TurnFailed{Code: CodeTimeout, Reason: "turn exceeded its time limit"}
			outcome = string(CodeTimeout)
		} else {
			err = ErrTurnCancelled
			terminal = TurnFailed{Code: CodeCancelled, Reason: "turn cancelled"}
			outcome = string(CodeCancelled)
		}
	case genErr != nil:
		err = fmt.Errorf("%w: %w", ErrSourceFailure, genErr)
		terminal = TurnFailed{Code: CodeSourceFailure, Reason: genErr.Error()}
		outcome = string(CodeSourceFailure)
	default:
		terminal = TurnCompleted{FullText: t.full.String()}
		outcome = string(StateCompleted)
	}

	if terminal != nil {
		sendCtx, cancel := t.c.terminalContext(ctx)
		sendErr := t.sink.Send(sendCtx, terminal)
		cancel()
		if sendErr != nil {
			t.log.Warn("sink rejected terminal event", slogError(sendErr))
			if err == nil {
				err = fmt.Errorf("%w: %w", ErrSinkFailure, sendErr)
				outcome = "sink_failure"
			}
		}
	}

	t.state = StateCompleted
	if err != nil {
		t.state = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.journal(ctx, "turn.failed", 0, map[string]any{"outcome": outcome, "error": err.Error()})
		t.log.Info("turn failed", slog.String("outcome", outcome), slogError(err))
	} else {
		t.journal(ctx, "turn.completed", 0, map[string]any{"fragments": t.fragments, "audio": t.audioCount})
		t.log.Info("turn completed",
			slog.Int("fragments", t.fragments),
			slog.Int("audio", t.audioCount),
			slog.Int("failed_fragments", t.failCount),
			slog.Duration("elapsed", time.Since(t.start)))
	}
	t.journalFinish(ctx)
	t.c.metrics.turnEnded(ctx, outcome)
	span.SetAttributes(
		attribute.Int("turn.fragments", t.fragments),
		attribute.String("turn.outcome", outcome),
	)

	return Summary{
		TurnID:          t.req.TurnID,
		State:           t.state,
		FullText:        t.full.String(),
		Fragments:       t.fragments,
		AudioDelivered:  t.audioCount,
		FailedFragments: t.failCount,
	}, err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
