// Package history persists task runs: final results plus the event
// stream that produced them. Implementations live in history/sqlite
// (local file, pure Go) and history/postgres (pgx pool).
//
// A Recorder bridges a live EventBus into a Store so every run is
// archived as it happens.
package history

import (
	"context"
	"log/slog"
	"time"

	ensemble "github.com/nevindra/ensemble"
)

// Store archives task results and events.
type Store interface {
	// Init creates the schema. Safe to call more than once.
	Init(ctx context.Context) error

	// SaveEvent appends one bus event to the archive.
	SaveEvent(ctx context.Context, ev ensemble.Event) error

	// SaveResult stores the final result of a task run, replacing any
	// earlier result for the same task id.
	SaveResult(ctx context.Context, res ensemble.Result) error

	// Result returns the stored result for a task. ErrNotFound when the
	// task has no archived result.
	Result(ctx context.Context, taskID string) (ensemble.Result, error)

	// Events returns a task's archived events in arrival order,
	// optionally filtered to the given types.
	Events(ctx context.Context, taskID string, types ...ensemble.EventType) ([]ensemble.Event, error)

	// Recent returns the most recent results, newest first.
	Recent(ctx context.Context, limit int) ([]ensemble.Result, error)

	// Close releases the store's resources.
	Close() error
}

// ErrNotFound is returned when a requested task has no archived data.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "history: not found" }

// Recorder subscribes to an event bus and archives traffic to a Store.
// Stream deltas are skipped by default; they are high-volume and fully
// reconstructable from the final output.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	streams bool
	timeout time.Duration
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// RecorderStreams archives agent_stream and output_progress events too.
func RecorderStreams() RecorderOption {
	return func(r *Recorder) { r.streams = true }
}

// RecorderLogger sets the logger for write failures.
func RecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// RecorderTimeout bounds each archive write (default 5s).
func RecorderTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		logger:  slog.New(slog.DiscardHandler),
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach subscribes the recorder to bus. The returned cancel function
// stops archiving.
func (r *Recorder) Attach(bus *ensemble.EventBus) (cancel func()) {
	return bus.Subscribe(r.handle)
}

func (r *Recorder) handle(ev ensemble.Event) {
	if !r.streams {
		switch ev.Type {
		case ensemble.EventAgentStream, ensemble.EventAgentStreamClear, ensemble.EventOutputProgress:
			return
		}
	}
	ctx, cancelCtx := context.WithTimeout(context.Background(), r.timeout)
	defer cancelCtx()

	if err := r.store.SaveEvent(ctx, ev); err != nil {
		r.logger.Warn("history: event write failed", "event", string(ev.Type), "task_id", ev.TaskID, "error", err)
	}
	if ev.Type == ensemble.EventTaskCompleted {
		if res, ok := ev.Data.(ensemble.Result); ok {
			if err := r.store.SaveResult(ctx, res); err != nil {
				r.logger.Warn("history: result write failed", "task_id", ev.TaskID, "error", err)
			}
		}
	}
}
