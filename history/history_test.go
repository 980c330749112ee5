package history

import (
	"context"
	"sync"
	"testing"
	"time"

	ensemble "github.com/nevindra/ensemble"
)

// memStore is an in-memory Store for recorder tests.
type memStore struct {
	mu      sync.Mutex
	events  []ensemble.Event
	results map[string]ensemble.Result
}

func newMemStore() *memStore {
	return &memStore{results: make(map[string]ensemble.Result)}
}

func (m *memStore) Init(context.Context) error { return nil }
func (m *memStore) SaveEvent(_ context.Context, ev ensemble.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}
func (m *memStore) SaveResult(_ context.Context, res ensemble.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[res.TaskID] = res
	return nil
}
func (m *memStore) Result(_ context.Context, taskID string) (ensemble.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.results[taskID]
	if !ok {
		return ensemble.Result{}, ErrNotFound
	}
	return res, nil
}
func (m *memStore) Events(_ context.Context, taskID string, types ...ensemble.EventType) ([]ensemble.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ensemble.Event
	for _, ev := range m.events {
		if ev.TaskID != taskID {
			continue
		}
		if len(types) > 0 {
			match := false
			for _, t := range types {
				if ev.Type == t {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, ev)
	}
	return out, nil
}
func (m *memStore) Recent(context.Context, int) ([]ensemble.Result, error) { return nil, nil }
func (m *memStore) Close() error                                           { return nil }

func (m *memStore) snapshot() ([]ensemble.Event, map[string]ensemble.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := append([]ensemble.Event(nil), m.events...)
	results := make(map[string]ensemble.Result, len(m.results))
	for k, v := range m.results {
		results[k] = v
	}
	return events, results
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRecorderArchivesEventsAndResult(t *testing.T) {
	store := newMemStore()
	bus := ensemble.NewEventBus()
	defer bus.Close()

	rec := NewRecorder(store)
	cancel := rec.Attach(bus)
	defer cancel()

	bus.Publish("t1", ensemble.EventTaskCreated, ensemble.Task{ID: "t1", Content: "do things"})
	bus.Publish("t1", ensemble.EventTaskCompleted, ensemble.Result{TaskID: "t1", Success: true, Output: "done"})

	waitFor(t, func() bool {
		events, results := store.snapshot()
		return len(events) == 2 && len(results) == 1
	})

	res, err := store.Result(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if !res.Success || res.Output != "done" {
		t.Errorf("stored result = %+v", res)
	}
}

func TestRecorderSkipsStreamEvents(t *testing.T) {
	store := newMemStore()
	bus := ensemble.NewEventBus()
	defer bus.Close()

	cancel := NewRecorder(store).Attach(bus)
	defer cancel()

	bus.Publish("t1", ensemble.EventAgentStream, ensemble.StreamPayload{Delta: "chunk"})
	bus.Publish("t1", ensemble.EventAgentStreamClear, nil)
	bus.Publish("t1", ensemble.EventTaskLog, ensemble.LogPayload{Level: "info", Message: "hi"})

	waitFor(t, func() bool {
		events, _ := store.snapshot()
		return len(events) == 1
	})
	events, _ := store.snapshot()
	if events[0].Type != ensemble.EventTaskLog {
		t.Errorf("archived event = %s, want task_log", events[0].Type)
	}
}

func TestRecorderStreamsOption(t *testing.T) {
	store := newMemStore()
	bus := ensemble.NewEventBus()
	defer bus.Close()

	cancel := NewRecorder(store, RecorderStreams()).Attach(bus)
	defer cancel()

	bus.Publish("t1", ensemble.EventAgentStream, ensemble.StreamPayload{Delta: "chunk"})

	waitFor(t, func() bool {
		events, _ := store.snapshot()
		return len(events) == 1
	})
}
