package stream

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/speakstream/internal/eventstore"
)

// Journal writes are detached from turn cancellation so a cancelled turn
// still leaves a complete record.

func (t *turn) journalBegin(ctx context.Context) {
	store := t.c.opts.Journal
	if store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := store.BeginTurn(ctx, eventstore.Turn{
		ID:        t.req.TurnID,
		Transport: t.req.Transport,
		TraceID:   t.req.TraceID,
		Prompt:    t.req.Message,
	}); err != nil {
		t.log.Warn("failed to journal turn start", slogError(err))
		return
	}
	t.journal(ctx, "turn.started", 0, nil)
}

func (t *turn) journalFinish(ctx context.Context) {
	store := t.c.opts.Journal
	if store == nil {
		return
	}
	if err := store.FinishTurn(context.WithoutCancel(ctx), t.req.TurnID, string(t.state)); err != nil {
		t.log.Warn("failed to journal turn end", slogError(err))
	}
}

func (t *turn) journal(ctx context.Context, typ string, seq int, payload map[string]any) {
	store := t.c.opts.Journal
	if store == nil {
		return
	}
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			t.log.Debug("failed to encode journal payload", slogError(err))
		}
	}
	if err := store.AppendEvent(context.WithoutCancel(ctx), eventstore.Event{
		TurnID:      t.req.TurnID,
		TraceID:     t.req.TraceID,
		Type:        typ,
		FragmentSeq: seq,
		Payload:     data,
	}); err != nil {
		t.log.Warn("failed to journal event", slog.String("type", typ), slogError(err))
	}
}
