// Package postgres implements history.Store using PostgreSQL with JSONB
// payload columns.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	ensemble "github.com/nevindra/ensemble"
	"github.com/nevindra/ensemble/history"
)

// Store implements history.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ history.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_events (
			id BIGSERIAL PRIMARY KEY,
			task_id TEXT NOT NULL,
			type TEXT NOT NULL,
			data JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS task_events_task_idx ON task_events(task_id)`,

		`CREATE TABLE IF NOT EXISTS task_results (
			task_id TEXT PRIMARY KEY,
			success BOOLEAN NOT NULL,
			result JSONB NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS task_results_created_idx ON task_results(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// SaveEvent appends one event. A payload that fails to marshal is stored
// as NULL.
func (s *Store) SaveEvent(ctx context.Context, ev ensemble.Event) error {
	var data []byte
	if ev.Data != nil {
		if b, err := json.Marshal(ev.Data); err == nil {
			data = b
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_events (task_id, type, data, created_at) VALUES ($1, $2, $3, $4)`,
		ev.TaskID, string(ev.Type), data, ev.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

// SaveResult upserts a task's final result.
func (s *Store) SaveResult(ctx context.Context, res ensemble.Result) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO task_results (task_id, success, result, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (task_id) DO UPDATE SET
			success = EXCLUDED.success,
			result = EXCLUDED.result,
			created_at = EXCLUDED.created_at`,
		res.TaskID, res.Success, b, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// Result returns the archived result for a task.
func (s *Store) Result(ctx context.Context, taskID string) (ensemble.Result, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM task_results WHERE task_id = $1`, taskID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ensemble.Result{}, history.ErrNotFound
	}
	if err != nil {
		return ensemble.Result{}, fmt.Errorf("query result: %w", err)
	}
	var res ensemble.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return ensemble.Result{}, fmt.Errorf("decode result: %w", err)
	}
	return res, nil
}

// Events returns a task's events in arrival order. Payloads decode to
// generic JSON values (map[string]any), not the original payload structs.
func (s *Store) Events(ctx context.Context, taskID string, types ...ensemble.EventType) ([]ensemble.Event, error) {
	query := `SELECT type, data, created_at FROM task_events WHERE task_id = $1`
	args := []any{taskID}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		query += ` AND type = ANY($2)`
		args = append(args, names)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []ensemble.Event
	for rows.Next() {
		var (
			typ  string
			data []byte
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
		if len(data) > 0 {
			var payload any
			if err := json.Unmarshal(data, &payload); err == nil {
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
	rows, err := s.pool.Query(ctx,
		`SELECT result FROM task_results ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var results []ensemble.Result
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		var res ensemble.Result
		if err := json.Unmarshal(raw, &res); err != nil {
			continue // tolerate rows written by older schema versions
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }
