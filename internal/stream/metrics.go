package stream

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	turns      metric.Int64Counter
	active     metric.Int64UpDownCounter
	fragments  metric.Int64Counter
	textDelay  metric.Float64Histogram
	audioDelay metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("github.com/loqalabs/speakstream/stream")
	turns, err := meter.Int64Counter("speakstream.turns", metric.WithDescription("Finished turns by outcome"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("speakstream.turns.active", metric.WithDescription("Turns currently streaming"))
	if err != nil {
		return nil, err
	}
	fragments, err := meter.Int64Counter("speakstream.fragments", metric.WithDescription("Fragments queued for synthesis"))
	if err != nil {
		return nil, err
	}
	textDelay, err := meter.Float64Histogram("speakstream.turn.first_text", metric.WithDescription("Time from turn start to first text delta"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	audioDelay, err := meter.Float64Histogram("speakstream.turn.first_audio", metric.WithDescription("Time from turn start to first audio fragment"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &metrics{turns: turns, active: active, fragments: fragments, textDelay: textDelay, audioDelay: audioDelay}, nil
}

func (m *metrics) turnStarted(ctx context.Context) {
	if m != nil {
		m.active.Add(ctx, 1)
	}
}

func (m *metrics) turnFinished(ctx context.Context) {
	if m != nil {
		m.active.Add(ctx, -1)
	}
}

func (m *metrics) turnEnded(ctx context.Context, outcome string) {
	if m != nil {
		m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *metrics) fragment(ctx context.Context) {
	if m != nil {
		m.fragments.Add(ctx, 1)
	}
}

func (m *metrics) firstText(ctx context.Context, d time.Duration) {
	if m != nil {
		m.textDelay.Record(ctx, d.Seconds())
	}
}

func (m *metrics) firstAudio(ctx context.Context, d time.Duration) {
	if m != nil {
		m.audioDelay.Record(ctx, d.Seconds())
	}
}
