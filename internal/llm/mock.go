package llm

import (
	"context"
	"strings"
	"time"
)

// mockGenerator streams a canned reply word by word.
type mockGenerator struct {
	delay time.Duration
}

func NewMockGenerator() Generator { return &mockGenerator{delay: 20 * time.Millisecond} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	reply := "Thanks for asking. You said: " + strings.TrimSpace(req.Prompt) +
		". This is a mock response, streamed one word at a time so the speech pipeline has something to cut."
	words := strings.SplitAfter(reply, " ")
	start := time.Now()
	for i, word := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		if err := consumer(Chunk{
			TurnID:  req.TurnID,
			Content: word,
			Partial: i < len(words)-1,
			Latency: time.Since(start),
			TraceID: req.TraceID,
		}); err != nil {
			return err
		}
	}
	return nil
}
