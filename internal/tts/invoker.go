package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/speakstream/internal/config"
	"github.com/loqalabs/speakstream/internal/segment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	errNoAudio      = errors.New("synthesizer returned no audio")
	errBadAudioForm = errors.New("synthesizer returned malformed audio")
)

type InvokerOptions struct {
	Concurrency   int
	Serialize     bool
	RetryAttempts int
	RetryInterval time.Duration
	Timeout       time.Duration
	Voice         string
	SampleRate    int
	Channels      int
}

func OptionsFromConfig(cfg config.TTSConfig) InvokerOptions {
	return InvokerOptions{
		Concurrency:   cfg.Concurrency,
		Serialize:     cfg.Serialize,
		RetryAttempts: cfg.RetryAttempts,
		RetryInterval: time.Duration(cfg.RetryIntervalMS) * time.Millisecond,
		Timeout:       time.Duration(cfg.TimeoutMS) * time.Millisecond,
		Voice:         cfg.Voice,
		SampleRate:    cfg.SampleRate,
		Channels:      cfg.Channels,
	}
}

// Invoker turns fragments into audio results. One Invoker is shared by all
// turns of a process; when Serialize is set it also guarantees that at most
// one call reaches the synthesizer at a time across those turns.
type Invoker struct {
	synth  Synthesizer
	opts   InvokerOptions
	slot   chan struct{}
	logger *slog.Logger
	tracer trace.Tracer

	calls   metric.Int64Counter
	latency metric.Float64Histogram
}

func NewInvoker(synth Synthesizer, opts InvokerOptions, log *slog.Logger) *Invoker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	inv := &Invoker{
		synth:  synth,
		opts:   opts,
		logger: log.With(slog.String("component", "tts-invoker")),
		tracer: otel.Tracer("github.com/loqalabs/speakstream/tts"),
	}
	if opts.Serialize {
		inv.slot = make(chan struct{}, 1)
	}
	if err := inv.initMetrics(); err != nil {
		inv.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return inv
}

func (i *Invoker) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/speakstream/tts")
	calls, err := meter.Int64Counter("speakstream.tts.calls", metric.WithDescription("Synthesis calls by outcome"))
	if err != nil {
		return err
	}
	latency, err := meter.Float64Histogram("speakstream.tts.latency", metric.WithDescription("Synthesis latency per fragment"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	i.calls = calls
	i.latency = latency
	return nil
}

// Synthesize produces the audio for one fragment. It never returns an error
// directly: failures come back in Result.Err tagged with the fragment's Seq.
func (i *Invoker) Synthesize(ctx context.Context, turnID string, frag segment.Fragment) (res Result) {
	res = Result{Seq: frag.Seq, Text: frag.Text}
	text := strings.TrimSpace(frag.Text)
	if text == "" {
		res.Skipped = true
		i.record(ctx, "skipped", 0)
		return res
	}

	ctx, span := i.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("turn.id", turnID),
		attribute.Int("fragment.seq", frag.Seq),
		attribute.Int("fragment.length", len(text)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("synthesizer panic: %v", r)
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
	}()

	start := time.Now()
	req := SynthRequest{TurnID: turnID, Seq: frag.Seq, Text: text, Voice: i.opts.Voice}
	var (
		audio Audio
		err   error
	)
	if i.opts.RetryAttempts > 0 {
		b := backoff.NewExponentialBackOff()
		if i.opts.RetryInterval > 0 {
			b.InitialInterval = i.opts.RetryInterval
		}
		audio, err = backoff.Retry(ctx, func() (Audio, error) {
			a, err := i.attempt(ctx, req)
			if err != nil && (ctx.Err() != nil || errors.Is(err, errBadAudioForm)) {
				return Audio{}, backoff.Permanent(err)
			}
			return a, err
		}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(i.opts.RetryAttempts+1)))
	} else {
		audio, err = i.attempt(ctx, req)
	}
	res.Latency = time.Since(start)

	if err != nil {
		res.Err = fmt.Errorf("synthesize fragment %d: %w", frag.Seq, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.record(ctx, "failed", res.Latency)
		if ctx.Err() == nil {
			i.logger.Warn("synthesis failed",
				slog.String("turn_id", turnID),
				slog.Int("seq", frag.Seq),
				slogError(err))
		}
		return res
	}
	res.Audio = audio
	i.record(ctx, "ok", res.Latency)
	return res
}

func (i *Invoker) attempt(ctx context.Context, req SynthRequest) (Audio, error) {
	if i.slot != nil {
		select {
		case i.slot <- struct{}{}:
			defer func() { <-i.slot }()
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		}
	}

	callCtx := ctx
	if i.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, i.opts.Timeout)
		defer cancel()
	} else {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	chunks, errs := i.synth.Synthesize(callCtx, req)
	audio, err := collect(callCtx, chunks, errs)
	if err != nil {
		return Audio{}, err
	}
	if len(audio.PCM) == 0 {
		return Audio{}, errNoAudio
	}
	if audio.SampleRate == 0 {
		audio.SampleRate = i.opts.SampleRate
	}
	if audio.Channels == 0 {
		audio.Channels = i.opts.Channels
	}
	if err := checkAudio(audio); err != nil {
		return Audio{}, err
	}
	return audio, nil
}

// checkAudio rejects waveforms the wire encoder cannot wrap: 16-bit PCM
// must hold whole frames and carry a usable format.
func checkAudio(a Audio) error {
	if a.SampleRate <= 0 || a.Channels <= 0 {
		return fmt.Errorf("%w: rate=%d channels=%d", errBadAudioForm, a.SampleRate, a.Channels)
	}
	if frame := 2 * a.Channels; len(a.PCM)%frame != 0 {
		return fmt.Errorf("%w: %d bytes is not a whole number of %d-byte frames", errBadAudioForm, len(a.PCM), frame)
	}
	return nil
}

// collect concatenates the chunk stream into one waveform.
func collect(ctx context.Context, chunks <-chan SynthChunk, errs <-chan error) (Audio, error) {
	var out Audio
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if out.SampleRate == 0 {
				out.SampleRate = chunk.SampleRate
				out.Channels = chunk.Channels
			}
			out.PCM = append(out.PCM, chunk.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return Audio{}, err
			}
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		}
	}
	return out, nil
}

type job struct {
	ord  int
	frag segment.Fragment
}

type done struct {
	ord int
	res Result
}

// Run synthesizes fragments read from in and emits one Result per fragment
// in the order the fragments arrived, whatever order the calls finish in.
// The caller must drain the output until it closes.
//
// Cancelling ctx stops dispatch and aborts calls in flight. Audio that was
// already synthesized is still released in order; results of aborted calls
// are dropped. The output closes once every dispatched call has returned.
func (i *Invoker) Run(ctx context.Context, turnID string, in <-chan segment.Fragment) <-chan Result {
	out := make(chan Result)
	jobs := make(chan job)
	finished := make(chan done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		ord := 0
		for {
			select {
			case frag, ok := <-in:
				if !ok {
					return nil
				}
				select {
				case jobs <- job{ord: ord, frag: frag}:
					ord++
				case <-gctx.Done():
					return gctx.Err()
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	for w := 0; w < i.opts.Concurrency; w++ {
		g.Go(func() error {
			for j := range jobs {
				res := Result{Seq: j.frag.Seq, Text: j.frag.Text, Err: gctx.Err()}
				if res.Err == nil {
					res = i.Synthesize(gctx, turnID, j.frag)
				}
				finished <- done{ord: j.ord, res: res}
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(finished)
	}()

	go func() {
		defer close(out)
		pending := make(map[int]Result)
		next := 0
		for d := range finished {
			pending[d.ord] = d.res
			for {
				res, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				if ctx.Err() != nil && !res.OK() {
					continue
				}
				out <- res
			}
		}
	}()
	return out
}

func (i *Invoker) record(ctx context.Context, outcome string, latency time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if i.calls != nil {
		i.calls.Add(ctx, 1, attrs)
	}
	if i.latency != nil && outcome != "skipped" {
		i.latency.Record(ctx, latency.Seconds(), attrs)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
