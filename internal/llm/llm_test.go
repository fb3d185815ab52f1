package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/speakstream/internal/config"
)

func collect(t *testing.T, g Generator, req Request) []string {
	t.Helper()
	var parts []string
	err := g.Generate(context.Background(), req, func(c Chunk) error {
		parts = append(parts, c.Content)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return parts
}

func TestMockGeneratorStreamsWords(t *testing.T) {
	parts := collect(t, NewMockGenerator(), Request{TurnID: "t1", Prompt: "hello"})
	if len(parts) < 5 {
		t.Fatalf("expected several increments, got %d", len(parts))
	}
	if full := strings.Join(parts, ""); !strings.Contains(full, "You said: hello.") {
		t.Fatalf("unexpected mock reply %q", full)
	}
}

func TestConsumerErrorStopsGeneration(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := NewMockGenerator().Generate(context.Background(), Request{Prompt: "x"}, func(Chunk) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("expected stop after first chunk, got err=%v calls=%d", err, calls)
	}
}

func TestOllamaGeneratorStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !req.Stream || req.Model != "fast-model" || req.Options.TopP != 0.9 {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		for _, part := range []string{"Hello", " there.", " Bye"} {
			fmt.Fprintf(w, `{"response":%q,"done":false}`+"\n", part)
		}
		fmt.Fprintln(w, `{"response":"","done":true,"eval_count":3}`)
	}))
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL, "fast-model", "")
	parts := collect(t, g, Request{Prompt: "hi", Tier: "fast", TopP: 0.9})
	if strings.Join(parts, "") != "Hello there. Bye" || len(parts) != 3 {
		t.Fatalf("unexpected parts %q", parts)
	}
}

func TestOllamaGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewOllamaGenerator(srv.URL, "", "").Generate(context.Background(), Request{Prompt: "hi"}, func(Chunk) error { return nil })
	if err == nil {
		t.Fatalf("expected error for failing backend")
	}
}

func TestOpenAIGeneratorStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Sure", ", here", " it is."} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	g := NewOpenAIGenerator(srv.URL+"/v1", "test-key", "", "balanced-model")
	parts := collect(t, g, Request{Prompt: "hi", System: "be brief"})
	if strings.Join(parts, "") != "Sure, here it is." {
		t.Fatalf("unexpected parts %q", parts)
	}
}

func TestStreamingClientLeavesBodyToContext(t *testing.T) {
	client := streamingHTTPClient()
	if client.Timeout != 0 {
		t.Fatalf("overall client timeout would cut long generations: %s", client.Timeout)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok || transport.ResponseHeaderTimeout != headerTimeout {
		t.Fatalf("expected header timeout %s, got %+v", headerTimeout, client.Transport)
	}
}

func TestOpenAIGeneratorStopsOnContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Sure\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var parts []string
	err := NewOpenAIGenerator(srv.URL+"/v1", "k", "", "m").Generate(ctx, Request{Prompt: "hi"}, func(c Chunk) error {
		parts = append(parts, c.Content)
		return nil
	})
	if err == nil {
		t.Fatalf("expected stream to end with the context")
	}
	if len(parts) != 1 || parts[0] != "Sure" {
		t.Fatalf("expected the first increment before the deadline, got %q", parts)
	}
}

func TestExecGeneratorStreamsLines(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	g, err := NewExecGenerator(`sh -c 'cat >/dev/null; echo "{\"content\":\"One. \"}"; echo "{\"content\":\"Two.\",\"done\":true}"'`)
	if err != nil {
		t.Fatalf("new exec generator: %v", err)
	}
	parts := collect(t, g, Request{Prompt: "count"})
	if strings.Join(parts, "") != "One. Two." {
		t.Fatalf("unexpected parts %q", parts)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := config.Default().LLM
	if _, err := New(cfg); err != nil {
		t.Fatalf("mock backend: %v", err)
	}
	cfg.Mode = "exec"
	cfg.Command = ""
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for empty exec command")
	}
	cfg.Mode = "unknown"
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestOptionsFromConfigDefaults(t *testing.T) {
	cfg := config.Default().LLM
	cfg.SystemPrompt = " "
	req := OptionsFromConfig(cfg, "fast")
	if req.System != config.DefaultSystemPrompt || req.Tier != "fast" || req.MaxTokens != 150 {
		t.Fatalf("unexpected request defaults %+v", req)
	}
}
