package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	ensemble "github.com/nevindra/ensemble"
	"github.com/nevindra/ensemble/history"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "history.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := testStore(t)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestSaveAndQueryEvents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	events := []ensemble.Event{
		{Type: ensemble.EventTaskCreated, TaskID: "t1", Data: map[string]any{"content": "hello"}, Timestamp: base},
		{Type: ensemble.EventStepStatusChanged, TaskID: "t1", Data: ensemble.StepStatusPayload{StepID: "step_1", To: ensemble.StepRunning}, Timestamp: base.Add(time.Second)},
		{Type: ensemble.EventTaskCreated, TaskID: "t2", Timestamp: base},
	}
	for _, ev := range events {
		if err := s.SaveEvent(ctx, ev); err != nil {
			t.Fatalf("SaveEvent: %v", err)
		}
	}

	got, err := s.Events(ctx, "t1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Events returned %d events, want 2", len(got))
	}
	if got[0].Type != ensemble.EventTaskCreated || got[1].Type != ensemble.EventStepStatusChanged {
		t.Errorf("event order = [%s, %s]", got[0].Type, got[1].Type)
	}
	if !got[0].Timestamp.Equal(base) {
		t.Errorf("Timestamp = %v, want %v", got[0].Timestamp, base)
	}
	payload, ok := got[1].Data.(map[string]any)
	if !ok {
		t.Fatalf("Data type = %T, want map", got[1].Data)
	}
	if payload["step_id"] != "step_1" {
		t.Errorf("payload step_id = %v", payload["step_id"])
	}
}

func TestEventsTypeFilter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, typ := range []ensemble.EventType{
		ensemble.EventTaskCreated,
		ensemble.EventTaskLog,
		ensemble.EventTaskLog,
		ensemble.EventTaskCompleted,
	} {
		if err := s.SaveEvent(ctx, ensemble.Event{Type: typ, TaskID: "t1", Timestamp: now}); err != nil {
			t.Fatalf("SaveEvent: %v", err)
		}
	}

	got, err := s.Events(ctx, "t1", ensemble.EventTaskLog, ensemble.EventTaskCompleted)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("filtered events = %d, want 3", len(got))
	}
}

func TestSaveResultRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	want := ensemble.Result{
		TaskID:  "t1",
		Success: true,
		Output:  "final answer",
	}
	if err := s.SaveResult(ctx, want); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	got, err := s.Result(ctx, "t1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got.TaskID != want.TaskID || got.Success != want.Success || got.Output != want.Output {
		t.Errorf("Result = %+v, want %+v", got, want)
	}

	// Replace on same task id.
	want.Success = false
	want.Output = "retried"
	if err := s.SaveResult(ctx, want); err != nil {
		t.Fatalf("SaveResult replace: %v", err)
	}
	got, err = s.Result(ctx, "t1")
	if err != nil {
		t.Fatalf("Result after replace: %v", err)
	}
	if got.Success || got.Output != "retried" {
		t.Errorf("replaced result = %+v", got)
	}
}

func TestResultNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Result(context.Background(), "nope")
	if !errors.Is(err, history.ErrNotFound) {
		t.Errorf("Result error = %v, want ErrNotFound", err)
	}
}

func TestRecentOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := s.SaveResult(ctx, ensemble.Result{TaskID: id, Success: true}); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
		time.Sleep(5 * time.Millisecond) // distinct created_at
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d, want 2", len(got))
	}
	if got[0].TaskID != "t3" || got[1].TaskID != "t2" {
		t.Errorf("Recent order = [%s, %s], want [t3, t2]", got[0].TaskID, got[1].TaskID)
	}
}
