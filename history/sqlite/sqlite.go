// Package sqlite implements history.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ensemble "github.com/nevindra/ensemble"
	"github.com/nevindra/ensemble/history"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for writes and queries including
// timing and row counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements history.Store backed by a local SQLite file.
// Event payloads and results are stored as JSON text.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ history.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: history store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			type TEXT NOT NULL,
			data TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_results (
			task_id TEXT PRIMARY KEY,
			success INTEGER NOT NULL,
			result TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_task_results_created ON task_results(created_at)`)

	s.logger.Info("sqlite: history init completed", "duration", time.Since(start))
	return nil
}

// SaveEvent appends one event. The payload is stored as JSON text; a
// payload that fails to marshal is stored as NULL.
func (s *Store) SaveEvent(ctx context.Context, ev ensemble.Event) error {
	var data *string
	if ev.Data != nil {
		if b, err := json.Marshal(ev.Data); err == nil {
			str := string(b)
			data = &str
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_events (task_id, type, data, created_at) VALUES (?, ?, ?, ?)`,
		ev.TaskID, string(ev.Type), data, ev.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

// SaveResult inserts or replaces a task's final result.
func (s *Store) SaveResult(ctx context.Context, res ensemble.Result) error {
	start := time.Now()
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	success := 0
	if res.Success {
		success = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO task_results (task_id, success, result, created_at) VALUES (?, ?, ?, ?)`,
		res.TaskID, success, string(b), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	s.logger.Debug("sqlite: result saved", "task_id", res.TaskID, "success", res.Success, "duration", time.Since(start))
	return nil
}

// Result returns the archived result for a task.
func (s *Store) Result(ctx context.Context, taskID string) (ensemble.Result, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM task_results WHERE task_id = ?`, taskID).Scan(&raw)
	if err == sql.ErrNoRows {
		return ensemble.Result{}, history.ErrNotFound
	}
	if err != nil {
		return ensemble.Result{}, fmt.Errorf("query result: %w", err)
	}
	var res ensemble.Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return ensemble.Result{}, fmt.Errorf("decode result: %w", err)
	}
	return res, nil
}

// Events returns a task's events in arrival order. Payloads decode to
// generic JSON values (map[string]any), not the original payload structs.
func (s *Store) Events(ctx context.Context, taskID string, types ...ensemble.EventType) ([]ensemble.Event, error) {
	query := `SELECT type, data, created_at FROM task_events WHERE task_id = ?`
	args := []any{taskID}
	if len(types) > 0 {
		query += ` AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []ensemble.Event
	for rows.Next() {
		var (
			typ  string
			data sql.NullString
			at   int64
		)
		if err := rows.Scan(&typ, &data, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev := ensemble.Event{
			Type:      ensemble.EventType(typ),
			TaskID:    taskID,
			Timestamp: time.UnixMilli(at).UTC(),
		}
		if data.Valid {
			var payload any
			if err := json.Unmarshal([]byte(data.String), &payload); err == nil {
				ev.Data = payload
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Recent returns the latest results, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]ensemble.Result, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT result FROM task_results ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var results []ensemble.Result
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		var res ensemble.Result
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			continue // tolerate rows written by older schema versions
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
