package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/speakstream/internal/config"
	"github.com/loqalabs/speakstream/internal/eventstore"
	"github.com/loqalabs/speakstream/internal/llm"
	"github.com/loqalabs/speakstream/internal/segment"
	"github.com/loqalabs/speakstream/internal/tts"
)

const testTimeout = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedGenerator yields fixed increments, optionally failing after a
// number of them or blocking until cancelled.
type scriptedGenerator struct {
	increments []string
	failAfter  int
	failErr    error
	block      bool
	delay      time.Duration

	mu     sync.Mutex
	called bool
}

func (g *scriptedGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	g.mu.Lock()
	g.called = true
	g.mu.Unlock()
	for i, inc := range g.increments {
		if g.failErr != nil && i == g.failAfter {
			return g.failErr
		}
		if g.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.delay):
			}
		}
		if err := consumer(llm.Chunk{TurnID: req.TurnID, Content: inc, Partial: true}); err != nil {
			return err
		}
	}
	if g.failErr != nil && g.failAfter >= len(g.increments) {
		return g.failErr
	}
	if g.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (g *scriptedGenerator) wasCalled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.called
}

// scriptedSynth fails for texts containing fail, returns a half frame of
// PCM for texts containing misaligned, hangs on texts containing slow until
// cancelled and otherwise sleeps for delay.
type scriptedSynth struct {
	fail       string
	misaligned string
	slow       string
	delay      time.Duration
}

func (s *scriptedSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	chunks := make(chan tts.SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if s.slow != "" && strings.Contains(req.Text, s.slow) {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		if s.delay > 0 {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(s.delay):
			}
		}
		if s.fail != "" && strings.Contains(req.Text, s.fail) {
			errs <- errors.New("voice model crashed")
			return
		}
		if s.misaligned != "" && strings.Contains(req.Text, s.misaligned) {
			chunks <- tts.SynthChunk{SampleRate: 22050, Channels: 1, PCM: []byte{1, 2, 3}, Final: true}
			return
		}
		chunks <- tts.SynthChunk{SampleRate: 22050, Channels: 1, PCM: make([]byte, 2*len(req.Text)), Final: true}
	}()
	return chunks, errs
}

type recordingSink struct {
	mu      sync.Mutex
	events  []Event
	delay   time.Duration
	failOn  int
	started chan struct{}
	once    sync.Once
}

func newRecordingSink() *recordingSink {
	return &recordingSink{started: make(chan struct{})}
}

func (s *recordingSink) Send(ctx context.Context, ev Event) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn > 0 && len(s.events)+1 == s.failOn {
		return errors.New("connection reset")
	}
	s.events = append(s.events, ev)
	if _, ok := ev.(TurnStarted); ok {
		s.once.Do(func() { close(s.started) })
	}
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func newCoordinator(t *testing.T, gen llm.Generator, synth tts.Synthesizer, mutate func(*Options)) *Coordinator {
	t.Helper()
	cfg := config.Default()
	seg := segment.FromConfig(cfg.Segmenter)
	seg.MinFragmentLength = 5
	opts := Options{
		Stream:    cfg.Stream,
		Segmenter: seg,
		LLM:       cfg.LLM,
		Generator: gen,
		Invoker:   tts.NewInvoker(synth, tts.InvokerOptions{Concurrency: 1}, discardLogger()),
		Logger:    discardLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func runTurn(t *testing.T, c *Coordinator, ctx context.Context, msg string, sink Sink) (Summary, error) {
	t.Helper()
	type out struct {
		sum Summary
		err error
	}
	done := make(chan out, 1)
	go func() {
		sum, err := c.Run(ctx, Request{Message: msg}, sink)
		done <- out{sum, err}
	}()
	select {
	case o := <-done:
		return o.sum, o.err
	case <-time.After(testTimeout):
		t.Fatalf("turn did not finish")
		return Summary{}, nil
	}
}

func audioSeqs(events []Event) []int {
	var seqs []int
	for _, ev := range events {
		if a, ok := ev.(AudioReady); ok {
			seqs = append(seqs, a.FragmentSeq)
		}
	}
	return seqs
}

func textOf(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if d, ok := ev.(TextDelta); ok {
			b.WriteString(d.Content)
		}
	}
	return b.String()
}

func TestFragmentFailureDoesNotAbortTurn(t *testing.T) {
	gen := &scriptedGenerator{increments: []string{"First one. ", "Second two. ", "Third three. "}}
	c := newCoordinator(t, gen, &scriptedSynth{fail: "Second"}, nil)
	sink := newRecordingSink()

	sum, err := runTurn(t, c, context.Background(), "count to three", sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events := sink.snapshot()
	if _, ok := events[0].(TurnStarted); !ok {
		t.Fatalf("first event must be TurnStarted, got %T", events[0])
	}
	if got := audioSeqs(events); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("expected audio for fragments 1 and 3, got %v", got)
	}
	var failed []int
	for _, ev := range events {
		if f, ok := ev.(FragmentFailed); ok {
			failed = append(failed, f.FragmentSeq)
		}
	}
	if len(failed) != 1 || failed[0] != 2 {
		t.Fatalf("expected failure event for fragment 2, got %v", failed)
	}
	last, ok := events[len(events)-1].(TurnCompleted)
	if !ok {
		t.Fatalf("last event must be TurnCompleted, got %T", events[len(events)-1])
	}
	if last.FullText != "First one. Second two. Third three. " {
		t.Fatalf("unexpected full text %q", last.FullText)
	}
	if sum.State != StateCompleted || sum.AudioDelivered != 2 || sum.FailedFragments != 1 || sum.Fragments != 3 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestMalformedAudioFailsOnlyItsFragment(t *testing.T) {
	gen := &scriptedGenerator{increments: []string{"First one. ", "Second bad. ", "Third three. "}}
	c := newCoordinator(t, gen, &scriptedSynth{misaligned: "bad"}, nil)
	inner := newRecordingSink()
	// Encode audio the way the wire sinks do so a bad waveform would
	// surface as a sink failure.
	sink := SinkFunc(func(ctx context.Context, ev Event) error {
		if a, ok := ev.(AudioReady); ok {
			if _, err := tts.EncodeWAV(a.Audio); err != nil {
				return err
			}
		}
		return inner.Send(ctx, ev)
	})

	sum, err := runTurn(t, c, context.Background(), "count to three", sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events := inner.snapshot()
	if got := audioSeqs(events); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("expected audio for fragments 1 and 3, got %v", got)
	}
	var failed []int
	for _, ev := range events {
		if f, ok := ev.(FragmentFailed); ok {
			failed = append(failed, f.FragmentSeq)
		}
	}
	if len(failed) != 1 || failed[0] != 2 {
		t.Fatalf("expected failure event for fragment 2, got %v", failed)
	}
	if _, ok := events[len(events)-1].(TurnCompleted); !ok {
		t.Fatalf("last event must be TurnCompleted, got %T", events[len(events)-1])
	}
	if sum.State != StateCompleted || sum.FailedFragments != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestSourceFailureEndsTurn(t *testing.T) {
	gen := &scriptedGenerator{
		increments: []string{"Hello there, ", "friend. ", "never sent"},
		failAfter:  2,
		failErr:    errors.New("model went away"),
	}
	c := newCoordinator(t, gen, &scriptedSynth{}, nil)
	sink := newRecordingSink()

	sum, err := runTurn(t, c, context.Background(), "hi", sink)
	if !errors.Is(err, ErrSourceFailure) {
		t.Fatalf("expected ErrSourceFailure, got %v", err)
	}
	events := sink.snapshot()
	if _, ok := events[0].(TurnStarted); !ok {
		t.Fatalf("first event must be TurnStarted, got %T", events[0])
	}
	var deltas []string
	for _, ev := range events[1 : len(events)-1] {
		switch e := ev.(type) {
		case TextDelta:
			deltas = append(deltas, e.Content)
		case AudioReady:
		default:
			t.Fatalf("unexpected event %T between start and failure", ev)
		}
	}
	if len(deltas) != 2 || deltas[0] != "Hello there, " || deltas[1] != "friend. " {
		t.Fatalf("unexpected deltas %q", deltas)
	}
	failed, ok := events[len(events)-1].(TurnFailed)
	if !ok || failed.Code != CodeSourceFailure {
		t.Fatalf("expected TurnFailed(source_failure) last, got %#v", events[len(events)-1])
	}
	if sum.State != StateFailed {
		t.Fatalf("expected failed state, got %s", sum.State)
	}
}

func TestSourceFailureKeepsFinishedAudio(t *testing.T) {
	gen := &scriptedGenerator{
		increments: []string{"First one. ", "Second two. ", "never sent"},
		failAfter:  2,
		failErr:    errors.New("model went away"),
		delay:      100 * time.Millisecond,
	}
	c := newCoordinator(t, gen, &scriptedSynth{slow: "Second"}, nil)
	sink := newRecordingSink()

	sum, err := runTurn(t, c, context.Background(), "hi", sink)
	if !errors.Is(err, ErrSourceFailure) {
		t.Fatalf("expected ErrSourceFailure, got %v", err)
	}
	events := sink.snapshot()
	if got := audioSeqs(events); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected the finished audio of fragment 1, got %v", got)
	}
	for _, ev := range events {
		if f, ok := ev.(FragmentFailed); ok {
			t.Fatalf("aborted fragment must not be reported, got %+v", f)
		}
	}
	if _, ok := events[len(events)-1].(TurnFailed); !ok {
		t.Fatalf("expected TurnFailed last, got %T", events[len(events)-1])
	}
	if sum.AudioDelivered != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestMalformedInputRejected(t *testing.T) {
	for _, msg := range []string{"", "   \n\t", strings.Repeat("a", 4001)} {
		gen := &scriptedGenerator{increments: []string{"x"}}
		c := newCoordinator(t, gen, &scriptedSynth{}, nil)
		sink := newRecordingSink()

		_, err := runTurn(t, c, context.Background(), msg, sink)
		if !errors.Is(err, ErrMalformedInput) {
			t.Fatalf("expected ErrMalformedInput, got %v", err)
		}
		events := sink.snapshot()
		if len(events) != 1 {
			t.Fatalf("expected a single rejection event, got %d", len(events))
		}
		if f, ok := events[0].(TurnFailed); !ok || f.Code != CodeMalformedInput {
			t.Fatalf("expected TurnFailed(malformed_input), got %#v", events[0])
		}
		if gen.wasCalled() {
			t.Fatalf("generator must not run for rejected input")
		}
	}
}

func TestCancellationStopsTurn(t *testing.T) {
	gen := &scriptedGenerator{increments: []string{"Working on it. "}, block: true}
	c := newCoordinator(t, gen, &scriptedSynth{delay: time.Minute}, nil)
	sink := newRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sink.started
		cancel()
	}()
	start := time.Now()
	sum, err := runTurn(t, c, ctx, "hi", sink)
	if !errors.Is(err, ErrTurnCancelled) {
		t.Fatalf("expected ErrTurnCancelled, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("cancellation waited on in-flight synthesis")
	}
	events := sink.snapshot()
	failed, ok := events[len(events)-1].(TurnFailed)
	if !ok || failed.Code != CodeCancelled {
		t.Fatalf("expected TurnFailed(cancelled) last, got %#v", events[len(events)-1])
	}
	for _, ev := range events {
		if _, ok := ev.(TurnCompleted); ok {
			t.Fatalf("cancelled turn must not complete")
		}
	}
	if sum.State != StateFailed {
		t.Fatalf("expected failed state, got %s", sum.State)
	}
}

func TestTurnTimeout(t *testing.T) {
	gen := &scriptedGenerator{block: true}
	c := newCoordinator(t, gen, &scriptedSynth{}, func(o *Options) { o.Stream.TurnTimeoutMS = 50 })
	sink := newRecordingSink()

	_, err := runTurn(t, c, context.Background(), "hi", sink)
	if !errors.Is(err, ErrTurnTimeout) {
		t.Fatalf("expected ErrTurnTimeout, got %v", err)
	}
	events := sink.snapshot()
	if f, ok := events[len(events)-1].(TurnFailed); !ok || f.Code != CodeTimeout {
		t.Fatalf("expected TurnFailed(timeout) last, got %#v", events[len(events)-1])
	}
}

func TestSlowSynthesisDoesNotDelayText(t *testing.T) {
	increments := []string{"One sentence here. ", "Two sentence here. ", "Three sentence here. ", "Four."}
	gen := &scriptedGenerator{increments: increments}
	c := newCoordinator(t, gen, &scriptedSynth{delay: 150 * time.Millisecond}, nil)
	sink := newRecordingSink()

	if _, err := runTurn(t, c, context.Background(), "hi", sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events := sink.snapshot()
	lastText, firstAudio := -1, -1
	for i, ev := range events {
		switch ev.(type) {
		case TextDelta:
			lastText = i
		case AudioReady:
			if firstAudio < 0 {
				firstAudio = i
			}
		}
	}
	if firstAudio < 0 || lastText > firstAudio {
		t.Fatalf("text deltas waited on synthesis: last text at %d, first audio at %d", lastText, firstAudio)
	}
	if got := audioSeqs(events); len(got) != 4 {
		t.Fatalf("expected 4 audio fragments, got %v", got)
	}
}

func TestSinkFailureAbortsTurn(t *testing.T) {
	gen := &scriptedGenerator{increments: []string{"a ", "b ", "c ", "d "}, delay: 10 * time.Millisecond}
	c := newCoordinator(t, gen, &scriptedSynth{}, nil)
	sink := newRecordingSink()
	sink.failOn = 2

	_, err := runTurn(t, c, context.Background(), "hi", sink)
	if !errors.Is(err, ErrSinkFailure) {
		t.Fatalf("expected ErrSinkFailure, got %v", err)
	}
	if n := len(sink.snapshot()); n != 1 {
		t.Fatalf("expected only TurnStarted to be delivered, got %d events", n)
	}
}

func TestSlowSinkLosesNothing(t *testing.T) {
	var increments []string
	for i := 0; i < 40; i++ {
		increments = append(increments, "word, ", "another. ")
	}
	gen := &scriptedGenerator{increments: increments}
	c := newCoordinator(t, gen, &scriptedSynth{}, func(o *Options) {
		o.Stream.EventQueueSize = 1
		o.Stream.FragmentQueueSize = 1
	})
	sink := newRecordingSink()
	sink.delay = time.Millisecond

	sum, err := runTurn(t, c, context.Background(), "hi", sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events := sink.snapshot()
	want := strings.Join(increments, "")
	if textOf(events) != want || sum.FullText != want {
		t.Fatalf("text lost under backpressure")
	}
	seqs := audioSeqs(events)
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("audio out of order: %v", seqs)
		}
	}
	var audioText strings.Builder
	for _, ev := range events {
		if a, ok := ev.(AudioReady); ok {
			audioText.WriteString(a.Text)
		}
	}
	if audioText.String() != want {
		t.Fatalf("fragments do not cover the full text")
	}
	if _, ok := events[len(events)-1].(TurnCompleted); !ok {
		t.Fatalf("expected TurnCompleted last")
	}
}

func TestJournalRecordsLifecycle(t *testing.T) {
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "turns.db"),
		RetentionMode: "session",
	}, discardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	gen := &scriptedGenerator{increments: []string{"Fine thanks. ", "And you?"}}
	c := newCoordinator(t, gen, &scriptedSynth{}, func(o *Options) { o.Journal = store })
	sum, err := runTurn(t, c, context.Background(), "how are you", newRecordingSink())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	turn, err := store.GetTurn(context.Background(), sum.TurnID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if turn.State != string(StateCompleted) || turn.Prompt != "how are you" {
		t.Fatalf("unexpected journal header %+v", turn)
	}
	events, err := store.ListTurnEvents(context.Background(), sum.TurnID, 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) < 3 || events[0].Type != "turn.started" || events[len(events)-1].Type != "turn.completed" {
		t.Fatalf("unexpected journal %+v", events)
	}
}
