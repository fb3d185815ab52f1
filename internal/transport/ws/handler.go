// Package ws serves turns over websocket connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/speakstream/internal/config"
	"github.com/loqalabs/speakstream/internal/protocol"
	"github.com/loqalabs/speakstream/internal/stream"
	"golang.org/x/sync/errgroup"
)

var errConnClosed = errors.New("connection closed")

// TurnRunner runs one turn and delivers its events to sink.
type TurnRunner interface {
	Run(ctx context.Context, req stream.Request, sink stream.Sink) (stream.Summary, error)
}

// Handler upgrades HTTP requests and serves one client per connection.
type Handler struct {
	cfg      config.WebSocketConfig
	parent   context.Context
	runner   TurnRunner
	logger   *slog.Logger
	upgrader websocket.Upgrader
	conns    atomic.Int64
}

func NewHandler(parent context.Context, cfg config.WebSocketConfig, runner TurnRunner, logger *slog.Logger) *Handler {
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 1
	}
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = 1
	}
	if cfg.PingIntervalMS <= 0 {
		cfg.PingIntervalMS = 50000
	}
	if cfg.PongWaitMS <= 0 {
		cfg.PongWaitMS = 60000
	}
	if cfg.WriteTimeoutMS <= 0 {
		cfg.WriteTimeoutMS = 10000
	}
	return &Handler{
		cfg:    cfg,
		parent: parent,
		runner: runner,
		logger: logger.With(slog.String("component", "websocket")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Connections reports the number of open client connections.
func (h *Handler) Connections() int64 { return h.conns.Load() }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	h.conns.Add(1)
	defer h.conns.Add(-1)

	c := &conn{
		h:   h,
		ws:  wsConn,
		log: h.logger.With(slog.String("remote", r.RemoteAddr)),
		out: make(chan []byte, h.cfg.OutboundQueue),
		in:  make(chan protocol.Inbound, h.cfg.InboundQueue),
	}
	c.log.Info("client connected")
	err = c.serve(h.parent)
	if err != nil && h.parent.Err() == nil && !isClosure(err) {
		c.log.Warn("connection ended", slogError(err))
		return
	}
	c.log.Info("client disconnected")
}

type conn struct {
	h   *Handler
	ws  *websocket.Conn
	log *slog.Logger
	out chan []byte
	in  chan protocol.Inbound
	// done closes when the connection is torn down; terminal events are
	// sent on a detached context and must still give up then.
	done <-chan struct{}
}

// serve runs the reader, the writer and the turn loop until any of them
// stops. Closing the connection unblocks the reader.
func (c *conn) serve(parent context.Context) error {
	g, ctx := errgroup.WithContext(parent)
	c.done = ctx.Done()
	g.Go(func() error { return c.readLoop(ctx) })
	g.Go(func() error {
		defer c.ws.Close()
		return c.writeLoop(ctx)
	})
	g.Go(func() error { return c.turnLoop(ctx) })
	return g.Wait()
}

func (c *conn) readLoop(ctx context.Context) error {
	pongWait := time.Duration(c.h.cfg.PongWaitMS) * time.Millisecond
	if c.h.cfg.ReadLimit > 0 {
		c.ws.SetReadLimit(c.h.cfg.ReadLimit)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			if err := c.send(ctx, protocol.Reject(protocol.CodeInvalidRequest, errors.New("Binary frames are not supported"))); err != nil {
				return err
			}
			continue
		}

		in, err := protocol.ParseInbound(data)
		if err != nil {
			if err := c.send(ctx, protocol.Reject(protocol.CodeInvalidRequest, err)); err != nil {
				return err
			}
			continue
		}
		switch in.Type {
		case protocol.TypePing:
			err = c.send(ctx, protocol.Pong())
		case protocol.TypeChat:
			select {
			case c.in <- in:
			default:
				err = c.send(ctx, protocol.Reject(protocol.CodeBusy, errors.New("Too many pending messages")))
			}
		}
		if err != nil {
			return err
		}
	}
}

func (c *conn) writeLoop(ctx context.Context) error {
	writeWait := time.Duration(c.h.cfg.WriteTimeoutMS) * time.Millisecond
	ticker := time.NewTicker(time.Duration(c.h.cfg.PingIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil
		case data := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("write message: %w", err)
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

// turnLoop runs queued chat messages one at a time. Cancelling ctx aborts
// the active turn.
func (c *conn) turnLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-c.in:
			req := stream.Request{
				TurnID:    uuid.NewString(),
				Message:   in.Message,
				TraceID:   in.TraceID,
				Tier:      in.Tier,
				Transport: "websocket",
			}
			sink := stream.SinkFunc(func(ctx context.Context, ev stream.Event) error {
				msg, err := protocol.FromEvent(req.TurnID, ev)
				if err != nil {
					return err
				}
				return c.send(ctx, msg)
			})
			if _, err := c.h.runner.Run(ctx, req, sink); err != nil {
				c.log.Debug("turn ended without completing", slog.String("turn_id", req.TurnID), slogError(err))
			}
		}
	}
}

// send queues msg for the writer, blocking while the queue is full.
func (c *conn) send(ctx context.Context, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errConnClosed
	}
}

func isClosure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure:
			return true
		}
	}
	return false
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
