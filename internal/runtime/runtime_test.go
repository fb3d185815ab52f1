package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/loqalabs/speakstream/internal/config"
	"github.com/loqalabs/speakstream/internal/stream"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "turns.db")
	r := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.build(ctx); err != nil {
		cancel()
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		r.close(context.Background())
	})
	return r
}

func TestHealthAndReadiness(t *testing.T) {
	r := newTestRuntime(t)
	h := r.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start, got %d", rec.Code)
	}

	r.ready.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
	var status readiness
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode readiness: %v", err)
	}
	if status.LLMMode != "mock" || status.TTSMode != "mock" || status.Bridge != "disabled" {
		t.Fatalf("unexpected readiness %+v", status)
	}
}

func TestTurnEventsReadBack(t *testing.T) {
	r := newTestRuntime(t)
	var delivered int
	sink := stream.SinkFunc(func(context.Context, stream.Event) error {
		delivered++
		return nil
	})
	summary, err := r.coordinator.Run(context.Background(), stream.Request{Message: "hello there", Transport: "test"}, sink)
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}

	rec := httptest.NewRecorder()
	r.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/turns/"+summary.TurnID+"/events", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var record turnRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.State != "completed" || record.Prompt != "hello there" || record.CompletedAt == nil {
		t.Fatalf("unexpected record header %+v", record)
	}
	if len(record.Events) < 2 || record.Events[0].Type != "turn.started" || record.Events[len(record.Events)-1].Type != "turn.completed" {
		t.Fatalf("unexpected events %+v", record.Events)
	}
	if delivered == 0 {
		t.Fatalf("sink received nothing")
	}
}

func TestTurnEventsNotFound(t *testing.T) {
	r := newTestRuntime(t)
	h := r.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/turns/missing/events", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/turns/missing/events?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
