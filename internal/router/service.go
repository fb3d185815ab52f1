// Package router bridges turn requests arriving on NATS to the stream
// coordinator and publishes each turn's messages back onto the bus.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
	"github.com/loqalabs/speakstream/internal/bus"
	"github.com/loqalabs/speakstream/internal/config"
	"github.com/loqalabs/speakstream/internal/protocol"
	"github.com/loqalabs/speakstream/internal/stream"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TurnRunner runs one turn and delivers its events to sink.
type TurnRunner interface {
	Run(ctx context.Context, req stream.Request, sink stream.Sink) (stream.Summary, error)
}

type Service struct {
	cfg       config.RouterConfig
	bus       *bus.Client
	runner    TurnRunner
	logger    *slog.Logger
	subReq    *nats.Subscription
	subCancel *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	slots     chan struct{}
	mu        sync.Mutex
	active    map[string]context.CancelFunc
	// propagator reads the caller's trace context from request headers.
	propagator propagation.TextMapPropagator
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, runner TurnRunner, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	limit := cfg.MaxConcurrentTurns
	if limit <= 0 {
		limit = 1
	}
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		runner: runner,
		logger: logger.With(slog.String("component", "router")),
		ctx:    ctx,
		cancel: cancel,
		slots:  make(chan struct{}, limit),
		active: make(map[string]context.CancelFunc),

		propagator: otel.GetTextMapPropagator(),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(s.cfg.RequestSubject, s.handleRequest)
	if err != nil {
		return err
	}
	s.subReq = sub

	subCancel, err := s.bus.Conn().Subscribe(protocol.EventSubject(s.cfg.CancelSubjectPrefix, "*"), s.handleCancel)
	if err != nil {
		_ = s.subReq.Drain()
		return err
	}
	s.subCancel = subCancel
	s.logger.Info("turn bridge listening", slog.String("subject", s.cfg.RequestSubject))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subReq != nil {
		_ = s.subReq.Drain()
	}
	if s.subCancel != nil {
		_ = s.subCancel.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.subReq != nil && s.subCancel != nil && s.bus.Healthy())
}

// ActiveTurns reports how many bridged turns are in flight.
func (s *Service) ActiveTurns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Service) handleRequest(msg *nats.Msg) {
	in, err := protocol.ParseInbound(msg.Data)
	if err != nil {
		s.logger.Warn("router rejected request", slogError(err))
		s.reply(msg, protocol.Reject(protocol.CodeInvalidRequest, err))
		return
	}
	if in.Type == protocol.TypePing {
		s.reply(msg, protocol.Pong())
		return
	}

	turnID := in.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	} else if err := checkTurnID(turnID); err != nil {
		s.logger.Warn("router rejected request", slog.String("turn_id", turnID), slogError(err))
		s.reply(msg, protocol.Reject(protocol.CodeInvalidRequest, err))
		return
	}
	subject := protocol.EventSubject(s.cfg.EventSubjectPrefix, turnID)

	s.mu.Lock()
	if _, dup := s.active[turnID]; dup {
		s.mu.Unlock()
		s.reply(msg, protocol.Reject(protocol.CodeInvalidRequest, errors.New("Turn already in progress")))
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.active[turnID] = cancel
	s.mu.Unlock()

	ctx = s.propagator.Extract(ctx, propagation.HeaderCarrier(msg.Header))
	traceID := in.TraceID
	if sc := trace.SpanContextFromContext(ctx); traceID == "" && sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	s.reply(msg, protocol.Accepted{TurnID: turnID, Subject: subject})

	req := stream.Request{
		TurnID:    turnID,
		Message:   in.Message,
		TraceID:   traceID,
		Tier:      in.Tier,
		Transport: "nats",
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(turnID, cancel)
		s.runTurn(ctx, req, subject)
	}()
}

func (s *Service) runTurn(ctx context.Context, req stream.Request, subject string) {
	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		// Accepted has already gone out, so the requester is waiting on
		// subject for a terminal message.
		msg, err := protocol.FromEvent(req.TurnID, stream.TurnFailed{Code: stream.CodeCancelled, Reason: "turn cancelled"})
		if err == nil {
			err = s.bus.PublishJSON(context.WithoutCancel(ctx), subject, msg)
		}
		if err != nil {
			s.logger.Warn("failed to publish cancellation", slog.String("turn_id", req.TurnID), slogError(err))
		}
		return
	}

	sink := stream.SinkFunc(func(sendCtx context.Context, ev stream.Event) error {
		msg, err := protocol.FromEvent(req.TurnID, ev)
		if err != nil {
			return err
		}
		return s.bus.PublishJSON(sendCtx, subject, msg)
	})
	summary, err := s.runner.Run(ctx, req, sink)
	if err != nil {
		s.logger.Info("bridged turn did not complete", slog.String("turn_id", req.TurnID), slogError(err))
		return
	}
	s.logger.Debug("bridged turn completed",
		slog.String("turn_id", req.TurnID),
		slog.Int("fragments", summary.Fragments))
}

func (s *Service) release(turnID string, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	delete(s.active, turnID)
	s.mu.Unlock()
}

func (s *Service) handleCancel(msg *nats.Msg) {
	turnID := strings.TrimPrefix(msg.Subject, strings.TrimSuffix(s.cfg.CancelSubjectPrefix, ".")+".")
	s.mu.Lock()
	cancel, ok := s.active[turnID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("cancel for unknown turn", slog.String("turn_id", turnID))
		return
	}
	s.logger.Info("cancelling bridged turn", slog.String("turn_id", turnID))
	cancel()
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	if err := s.bus.PublishJSON(s.ctx, msg.Reply, v); err != nil {
		s.logger.Warn("router failed to reply", slogError(err))
	}
}

const maxTurnIDLength = 128

// checkTurnID rejects ids that cannot stand as a single subject token.
func checkTurnID(id string) error {
	if len(id) > maxTurnIDLength {
		return fmt.Errorf("turn_id longer than %d bytes", maxTurnIDLength)
	}
	if strings.ContainsAny(id, ".*>") || strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return errors.New("turn_id must not contain '.', '*', '>' or whitespace")
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
