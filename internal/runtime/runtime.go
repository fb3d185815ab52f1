package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/speakstream/internal/bus"
	"github.com/loqalabs/speakstream/internal/config"
	"github.com/loqalabs/speakstream/internal/eventstore"
	"github.com/loqalabs/speakstream/internal/llm"
	"github.com/loqalabs/speakstream/internal/natsserver"
	"github.com/loqalabs/speakstream/internal/router"
	"github.com/loqalabs/speakstream/internal/segment"
	"github.com/loqalabs/speakstream/internal/stream"
	"github.com/loqalabs/speakstream/internal/transport/ws"
	"github.com/loqalabs/speakstream/internal/tts"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	tracerClose   func(context.Context) error
	journal       *eventstore.Store
	coordinator   *stream.Coordinator
	ws            *ws.Handler
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	router        *router.Service
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: http.NotFoundHandler(),
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricHandler

	if err := r.build(ctx); err != nil {
		r.close(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && bind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              bind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("llm_mode", r.cfg.LLM.Mode),
		slog.String("tts_mode", r.cfg.TTS.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.close(shutdownCtx)

	return nil
}

// build wires the turn pipeline and the optional NATS bridge.
func (r *Runtime) build(ctx context.Context) error {
	journal, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.journal = journal

	generator, err := llm.New(r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("create generator: %w", err)
	}
	synth, err := tts.New(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("create synthesizer: %w", err)
	}
	invoker := tts.NewInvoker(synth, tts.OptionsFromConfig(r.cfg.TTS), r.logger)

	r.coordinator, err = stream.New(stream.Options{
		Stream:    r.cfg.Stream,
		Segmenter: segment.FromConfig(r.cfg.Segmenter),
		LLM:       r.cfg.LLM,
		Generator: generator,
		Invoker:   invoker,
		Journal:   journal,
		Logger:    r.logger,
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	if r.cfg.WebSocket.Enabled {
		r.ws = ws.NewHandler(ctx, r.cfg.WebSocket, r.coordinator, r.logger)
	}

	if !r.cfg.Router.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	r.nats, err = natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.router = router.NewService(ctx, r.cfg.Router, r.bus, r.coordinator, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	return nil
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.Handle("GET /metrics", r.metrics)
	mux.HandleFunc("GET /v1/turns/{id}/events", r.handleTurnEvents)
	if r.ws != nil {
		mux.Handle(r.cfg.WebSocket.Path, r.ws)
	}
	return mux
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.journal.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// close releases components in reverse order of construction.
func (r *Runtime) close(ctx context.Context) {
	if r.router != nil {
		r.router.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readiness struct {
	Ready       bool   `json:"ready"`
	LLMMode     string `json:"llm_mode"`
	TTSMode     string `json:"tts_mode"`
	Connections int64  `json:"websocket_connections"`
	Bridge      string `json:"bridge"`
	ActiveTurns int    `json:"bridge_active_turns,omitempty"`
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := readiness{
		Ready:   r.ready.Load(),
		LLMMode: r.cfg.LLM.Mode,
		TTSMode: r.cfg.TTS.Mode,
		Bridge:  "disabled",
	}
	if r.ws != nil {
		status.Connections = r.ws.Connections()
	}
	if r.router != nil {
		status.Bridge = "up"
		status.ActiveTurns = r.router.ActiveTurns()
		if !r.router.Healthy() {
			status.Bridge = "down"
			status.Ready = false
		}
	}
	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

type turnEvent struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	FragmentSeq int             `json:"fragment_seq,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type turnRecord struct {
	TurnID      string      `json:"turn_id"`
	Transport   string      `json:"transport,omitempty"`
	Prompt      string      `json:"prompt"`
	State       string      `json:"state"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Events      []turnEvent `json:"events"`
}

func (r *Runtime) handleTurnEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	limit := 500
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	turn, err := r.journal.GetTurn(req.Context(), id)
	if errors.Is(err, eventstore.ErrTurnNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "turn not found"})
		return
	}
	if err != nil {
		r.logger.Warn("turn lookup failed", slog.String("turn_id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "turn lookup failed"})
		return
	}
	events, err := r.journal.ListTurnEvents(req.Context(), id, limit)
	if err != nil {
		r.logger.Warn("turn events lookup failed", slog.String("turn_id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "turn lookup failed"})
		return
	}

	record := turnRecord{
		TurnID:    turn.ID,
		Transport: turn.Transport,
		Prompt:    turn.Prompt,
		State:     turn.State,
		CreatedAt: turn.CreatedAt,
		Events:    make([]turnEvent, 0, len(events)),
	}
	if !turn.CompletedAt.IsZero() {
		completed := turn.CompletedAt
		record.CompletedAt = &completed
	}
	for _, ev := range events {
		te := turnEvent{ID: ev.ID, Type: ev.Type, FragmentSeq: ev.FragmentSeq, CreatedAt: ev.CreatedAt}
		if len(ev.Payload) > 0 {
			te.Payload = json.RawMessage(ev.Payload)
		}
		record.Events = append(record.Events, te)
	}
	writeJSON(w, http.StatusOK, record)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
