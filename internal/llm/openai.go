package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// openAIGenerator streams chat completions from any OpenAI-compatible
// endpoint (OpenAI, vLLM, llama.cpp server, LocalAI).
type openAIGenerator struct {
	client        *openai.Client
	modelFast     string
	modelBalanced string
}

func NewOpenAIGenerator(baseURL, apiKey, fastModel, balancedModel string) Generator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = streamingHTTPClient()
	return &openAIGenerator{
		client:        openai.NewClientWithConfig(cfg),
		modelFast:     fastModel,
		modelBalanced: balancedModel,
	}
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       modelForTier(req.Tier, g.modelFast, g.modelBalanced),
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		TopP:        float32(req.TopP),
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("open chat completion stream: %w", err)
	}
	defer stream.Close()

	start := time.Now()
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read chat completion stream: %w", err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := consumer(Chunk{
				TurnID:  req.TurnID,
				Content: choice.Delta.Content,
				Partial: choice.FinishReason == "",
				Latency: time.Since(start),
				TraceID: req.TraceID,
			}); err != nil {
				return err
			}
		}
	}
}
