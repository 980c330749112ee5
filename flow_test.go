package ensemble

import (
	"errors"
	"testing"
)

func mustFlow(t *testing.T, steps []Step) *ExecutionFlow {
	t.Helper()
	f, err := NewExecutionFlow("task-1", steps)
	if err != nil {
		t.Fatalf("NewExecutionFlow: %v", err)
	}
	return f
}

func TestNewExecutionFlowValidation(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		kind  ErrKind
	}{
		{"empty id", []Step{{ID: ""}}, ""},
		{"duplicate id", planSteps([2]string{"a", ""}, [2]string{"a", ""}), ""},
		{"unknown dep", planSteps([2]string{"a", "nope"}), ""},
		{"self dep", planSteps([2]string{"a", "a"}), ErrKindCycleDetected},
		{"cycle", planSteps([2]string{"a", "b"}, [2]string{"b", "a"}), ErrKindCycleDetected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExecutionFlow("t", tt.steps)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.kind != "" && KindOf(err) != tt.kind {
				t.Errorf("KindOf = %s, want %s", KindOf(err), tt.kind)
			}
		})
	}
}

func TestFlowWaveProgression(t *testing.T) {
	// a and b run in parallel; c depends on both.
	f := mustFlow(t, planSteps(
		[2]string{"a", ""},
		[2]string{"b", ""},
		[2]string{"c", "a,b"},
	))

	if ready := f.ReadySteps(); len(ready) != 0 {
		t.Fatalf("ready before Activate = %d steps", len(ready))
	}
	changes := f.Activate()
	if len(changes) != 3 {
		t.Fatalf("Activate changes = %d, want 3", len(changes))
	}

	ready := f.ReadySteps()
	if len(ready) != 2 || ready[0].ID != "a" || ready[1].ID != "b" {
		t.Fatalf("wave 1 = %v", stepIDs(ready))
	}

	for _, id := range []string{"a", "b"} {
		if _, err := f.MarkRunning(id, "agent-"+id); err != nil {
			t.Fatalf("MarkRunning(%s): %v", id, err)
		}
	}
	// c is not ready while a and b run.
	if ready := f.ReadySteps(); len(ready) != 0 {
		t.Fatalf("ready during wave 1 = %v", stepIDs(ready))
	}

	if _, err := f.MarkCompleted("a", "out a"); err != nil {
		t.Fatal(err)
	}
	if ready := f.ReadySteps(); len(ready) != 0 {
		t.Fatal("c ready with only one dependency done")
	}
	if _, err := f.MarkCompleted("b", "out b"); err != nil {
		t.Fatal(err)
	}

	ready = f.ReadySteps()
	if len(ready) != 1 || ready[0].ID != "c" {
		t.Fatalf("wave 2 = %v", stepIDs(ready))
	}
	if _, err := f.MarkRunning("c", "agent-c"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.MarkCompleted("c", "out c"); err != nil {
		t.Fatal(err)
	}

	if !f.AllTerminal() {
		t.Error("flow should be terminal")
	}
	p := f.Progress()
	if p.Completed != 3 || p.Percent != 1.0 {
		t.Errorf("progress = %+v", p)
	}
}

func TestMarkRunningRejectsUnsatisfiedDeps(t *testing.T) {
	f := mustFlow(t, planSteps([2]string{"a", ""}, [2]string{"b", "a"}))
	f.Activate()

	_, err := f.MarkRunning("b", "agent")
	if KindOf(err) != ErrKindDependencyUnsatisfied {
		t.Errorf("KindOf = %s, want dependency_unsatisfied", KindOf(err))
	}
}

func TestResetForRetry(t *testing.T) {
	f := mustFlow(t, planSteps([2]string{"a", ""}))
	f.Activate()
	f.MarkRunning("a", "agent-1")
	f.MarkFailed("a", ErrKindModelTransport, "boom")

	ch, err := f.ResetForRetry("a")
	if err != nil {
		t.Fatalf("ResetForRetry: %v", err)
	}
	if ch.From != StepFailed || ch.To != StepWaiting {
		t.Errorf("change = %+v", ch)
	}

	s, _ := f.Step("a")
	if s.Attempts != 1 || s.Output != "" || s.ErrKind != "" {
		t.Errorf("step after reset = %+v", s)
	}

	// Second attempt increments the counter.
	f.MarkRunning("a", "agent-2")
	s, _ = f.Step("a")
	if s.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", s.Attempts)
	}
}

func TestForceCompleted(t *testing.T) {
	f := mustFlow(t, planSteps([2]string{"a", ""}, [2]string{"b", "a"}))
	f.Activate()
	f.MarkRunning("a", "agent")
	f.MarkFailed("a", ErrKindTimeout, "deadline")

	if _, err := f.ForceCompleted("a", "[step a did not complete: deadline]"); err != nil {
		t.Fatalf("ForceCompleted: %v", err)
	}
	s, _ := f.Step("a")
	if s.Status != StepCompleted || s.ErrKind != ErrKindTimeout {
		t.Errorf("step = status %s, kind %s", s.Status, s.ErrKind)
	}
	// Downstream becomes ready off the placeholder output.
	ready := f.ReadySteps()
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Errorf("ready = %v", stepIDs(ready))
	}
}

func TestSkipDescendants(t *testing.T) {
	f := mustFlow(t, planSteps(
		[2]string{"a", ""},
		[2]string{"b", "a"},
		[2]string{"c", "b"},
		[2]string{"d", ""},
	))
	f.Activate()
	f.MarkRunning("a", "agent")
	f.MarkFailed("a", ErrKindToolHandler, "fatal")

	changes := f.SkipDescendants("a", "upstream step a failed")
	if len(changes) != 2 {
		t.Fatalf("changes = %v", changes)
	}
	for _, id := range []string{"b", "c"} {
		s, _ := f.Step(id)
		if s.Status != StepSkipped {
			t.Errorf("step %s = %s, want skipped", id, s.Status)
		}
	}
	// Independent step untouched.
	s, _ := f.Step("d")
	if s.Status != StepWaiting {
		t.Errorf("step d = %s, want waiting", s.Status)
	}
}

func TestBlockOnFailedDepsCascades(t *testing.T) {
	f := mustFlow(t, planSteps(
		[2]string{"a", ""},
		[2]string{"b", "a"},
		[2]string{"c", "b"},
	))
	f.Activate()
	f.MarkRunning("a", "agent")
	f.MarkFailed("a", ErrKindModelTransport, "down")

	changes := f.BlockOnFailedDeps()
	if len(changes) != 2 {
		t.Fatalf("changes = %d, want 2 (cascade through b to c)", len(changes))
	}
	p := f.Progress()
	if p.Pending != 2 {
		t.Errorf("blocked steps should count as pending, got %+v", p)
	}
}

func TestInsertStepBefore(t *testing.T) {
	f := mustFlow(t, planSteps([2]string{"a", ""}, [2]string{"b", "a"}))
	f.Activate()
	f.MarkRunning("a", "agent")
	f.MarkCompleted("a", "draft")

	fix := Step{ID: "a_fix_1", Name: "revise", Role: RoleWriter, Description: "revise draft", DependsOn: []string{"a"}}
	if err := f.InsertStepBefore(fix, "a", "b"); err != nil {
		t.Fatalf("InsertStepBefore: %v", err)
	}
	f.Activate()

	// b now waits for the fix step.
	ready := f.ReadySteps()
	if len(ready) != 1 || ready[0].ID != "a_fix_1" {
		t.Fatalf("ready = %v", stepIDs(ready))
	}
	s, _ := f.Step("a_fix_1")
	if s.InsertedBy != "a" {
		t.Errorf("InsertedBy = %q", s.InsertedBy)
	}

	snap := f.Snapshot()
	if len(snap.Adjustments) != 1 || snap.Adjustments[0].Action != "add_step" {
		t.Errorf("adjustments = %+v", snap.Adjustments)
	}
}

func TestInsertStepCycleRollsBack(t *testing.T) {
	f := mustFlow(t, planSteps([2]string{"a", ""}, [2]string{"b", "a"}))
	f.Activate()

	// New step depends on b and gates b: a cycle.
	bad := Step{ID: "x", DependsOn: []string{"b"}}
	err := f.InsertStepBefore(bad, "a", "b")
	if KindOf(err) != ErrKindCycleDetected {
		t.Fatalf("err = %v, want cycle_detected", err)
	}
	// Rollback: x absent, b's deps unchanged.
	if _, ok := f.Step("x"); ok {
		t.Error("rejected step was kept")
	}
	s, _ := f.Step("b")
	if len(s.DependsOn) != 1 || s.DependsOn[0] != "a" {
		t.Errorf("b.DependsOn = %v", s.DependsOn)
	}
	if _, err := f.ExecutionOrder(); err != nil {
		t.Errorf("flow left broken after rollback: %v", err)
	}
}

func TestExecutionOrderDeterministic(t *testing.T) {
	f := mustFlow(t, planSteps(
		[2]string{"c", ""},
		[2]string{"a", ""},
		[2]string{"b", "c,a"},
	))
	order, err := f.ExecutionOrder()
	if err != nil {
		t.Fatal(err)
	}
	// Ties break by planning order (step number), not id.
	want := []string{"c", "a", "b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSkipRemainingMakesTerminal(t *testing.T) {
	f := mustFlow(t, planSteps(
		[2]string{"a", ""},
		[2]string{"b", "a"},
	))
	f.Activate()
	f.MarkRunning("a", "agent")
	f.MarkFailed("a", ErrKindCancelled, "cancelled")
	f.BlockOnFailedDeps()
	f.SkipRemaining("execution cancelled")

	if !f.AllTerminal() {
		t.Error("flow should be terminal after SkipRemaining")
	}
	s, _ := f.Step("b")
	if s.Status != StepSkipped {
		t.Errorf("b = %s", s.Status)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	f := mustFlow(t, planSteps([2]string{"a", ""}))
	snap := f.Snapshot()
	snap.Steps[0].Output = "mutated"
	snap.Steps[0].DependsOn = append(snap.Steps[0].DependsOn, "zzz")

	s, _ := f.Step("a")
	if s.Output != "" || len(s.DependsOn) != 0 {
		t.Error("snapshot mutation leaked into flow")
	}
}

func TestAddReviewAndProgressReviewed(t *testing.T) {
	f := mustFlow(t, planSteps([2]string{"a", ""}))
	if err := f.AddReview("a", QualityReport{StepID: "a", Score: 0.9, Decision: DecisionContinue}); err != nil {
		t.Fatal(err)
	}
	if err := f.AddReview("missing", QualityReport{}); err == nil {
		t.Error("AddReview on unknown step should fail")
	}
	if p := f.Progress(); p.Reviewed != 1 {
		t.Errorf("Reviewed = %d", p.Reviewed)
	}
}

func TestRecordWaveIndexes(t *testing.T) {
	f := mustFlow(t, planSteps([2]string{"a", ""}))
	f.RecordWave(WaveStats{StepIDs: []string{"a"}})
	f.RecordWave(WaveStats{StepIDs: []string{"a"}})
	snap := f.Snapshot()
	if len(snap.Waves) != 2 || snap.Waves[0].Index != 1 || snap.Waves[1].Index != 2 {
		t.Errorf("waves = %+v", snap.Waves)
	}
}

func stepIDs(steps []Step) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}

func TestKindOfNilAndPlain(t *testing.T) {
	if KindOf(nil) != "" {
		t.Error("KindOf(nil) should be empty")
	}
	if KindOf(errors.New("x")) != ErrKindModelTransport {
		t.Errorf("plain error kind = %s", KindOf(errors.New("x")))
	}
}
