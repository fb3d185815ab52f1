package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/speakstream/internal/config"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrTurnNotFound is returned when a turn id has no journal entry.
var ErrTurnNotFound = errors.New("turn not found")

// Turn is the journal header of one turn.
type Turn struct {
	ID          string
	Transport   string
	TraceID     string
	Prompt      string
	State       string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Event is one lifecycle record of a turn.
type Event struct {
	ID          int64
	TurnID      string
	TraceID     string
	Type        string
	FragmentSeq int
	Payload     []byte
	CreatedAt   time.Time
}

// Store wraps a SQLite-backed turn journal.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. The ephemeral
// retention mode yields a store that accepts and discards every write.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS turns (
    turn_id TEXT PRIMARY KEY,
    transport TEXT,
    trace_id TEXT,
    prompt TEXT,
    state TEXT NOT NULL,
    created_at TEXT NOT NULL,
    completed_at TEXT
);
CREATE TABLE IF NOT EXISTS turn_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    turn_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT NOT NULL,
    fragment_seq INTEGER,
    payload BLOB,
    created_at TEXT NOT NULL,
    FOREIGN KEY(turn_id) REFERENCES turns(turn_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turn_events_turn ON turn_events(turn_id, id);
CREATE INDEX IF NOT EXISTS idx_turns_created ON turns(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginTurn records the turn header in the streaming state.
func (s *Store) BeginTurn(ctx context.Context, turn Turn) error {
	if s.disabled() {
		return nil
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.clock()
	}
	if turn.State == "" {
		turn.State = "streaming"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(turn_id, transport, trace_id, prompt, state, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(turn_id) DO UPDATE SET state=excluded.state`,
		turn.ID, turn.Transport, turn.TraceID, turn.Prompt, turn.State, formatTime(turn.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// FinishTurn stores the terminal state of a turn.
func (s *Store) FinishTurn(ctx context.Context, turnID, state string) error {
	if s.disabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE turns SET state = ?, completed_at = ? WHERE turn_id = ?`,
		state, formatTime(s.clock()), turnID)
	if err != nil {
		return fmt.Errorf("update turn: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTurnNotFound
	}
	return nil
}

// AppendEvent writes one lifecycle record.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_events(turn_id, trace_id, event_type, fragment_seq, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.TurnID, evt.TraceID, evt.Type, evt.FragmentSeq, evt.Payload, formatTime(evt.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert turn event: %w", err)
	}
	return nil
}

// GetTurn returns the journal header of a turn.
func (s *Store) GetTurn(ctx context.Context, turnID string) (Turn, error) {
	if s.disabled() {
		return Turn{}, ErrTurnNotFound
	}
	var (
		t                  Turn
		created            string
		completed          sql.NullString
		transport, traceID sql.NullString
		prompt             sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT turn_id, transport, trace_id, prompt, state, created_at, completed_at FROM turns WHERE turn_id = ?`,
		turnID).Scan(&t.ID, &transport, &traceID, &prompt, &t.State, &created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return Turn{}, ErrTurnNotFound
	}
	if err != nil {
		return Turn{}, err
	}
	t.Transport, t.TraceID, t.Prompt = transport.String, traceID.String, prompt.String
	t.CreatedAt = parseTime(created)
	if completed.Valid {
		t.CompletedAt = parseTime(completed.String)
	}
	return t, nil
}

// ListTurnEvents retrieves up to limit records of a turn in append order.
func (s *Store) ListTurnEvents(ctx context.Context, turnID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, turn_id, trace_id, event_type, fragment_seq, payload, created_at
		 FROM turn_events WHERE turn_id = ? ORDER BY id ASC LIMIT ?`, turnID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			traceID sql.NullString
			seq     sql.NullInt64
			created string
		)
		if err := rows.Scan(&e.ID, &e.TurnID, &traceID, &e.Type, &seq, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.TraceID = traceID.String
		e.FragmentSeq = int(seq.Int64)
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := formatTime(s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour))
		if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE turn_id IN (
			SELECT turn_id FROM turns ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}
