package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/speakstream/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	TurnID      string
	Prompt      string
	System      string
	Tier        string
	MaxTokens   int
	Temperature float64
	TopP        float64
	TraceID     string
}

// Chunk represents streamed model output. Content is one text increment.
type Chunk struct {
	TurnID           string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// headerTimeout bounds the wait for a backend to start answering, which
// covers model load. The streamed body itself is bounded only by ctx.
const headerTimeout = 90 * time.Second

func streamingHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

// Generator defines a pluggable LLM backend. Generate pushes increments to
// consumer in order; a consumer error stops generation and is returned.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig, reqTier string) Request {
	req := Request{
		System:      cfg.SystemPrompt,
		Tier:        cfg.DefaultTier,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
	}
	if strings.TrimSpace(req.System) == "" {
		req.System = config.DefaultSystemPrompt
	}
	if reqTier != "" {
		req.Tier = reqTier
	}
	return req
}

// New selects the backend named by cfg.Mode.
func New(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.ModelFast, cfg.ModelBalanced), nil
	case "openai":
		return NewOpenAIGenerator(cfg.Endpoint, cfg.APIKey, cfg.ModelFast, cfg.ModelBalanced), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}

// modelForTier picks the configured model for a tier, falling back to
// whichever one is set.
func modelForTier(tier, fast, balanced string) string {
	switch tier {
	case "fast":
		if fast != "" {
			return fast
		}
	case "balanced":
		if balanced != "" {
			return balanced
		}
	}
	if balanced != "" {
		return balanced
	}
	if fast != "" {
		return fast
	}
	return "llama3.2:latest"
}
