package ensemble

import (
	"context"
	"strings"
	"testing"
)

func TestSupervisorDirectAnswerFromTriage(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"is_simple": true, "complexity": 1.0, "can_answer_directly": true, "direct_answer": "Paris"}`}},
	}}
	s := NewSupervisor(stub, DefaultCatalog())

	var streamed string
	plan, err := s.Plan(context.Background(), Task{ID: "t1", Content: "Capital of France?"}, SinkFunc(func(delta, _ string) {
		streamed += delta
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !plan.SimpleDirect || plan.DirectAnswer != "Paris" {
		t.Errorf("plan = %+v", plan)
	}
	if streamed != "Paris" {
		t.Errorf("streamed = %q", streamed)
	}
	if stub.callCount() != 1 {
		t.Errorf("calls = %d, triage alone should suffice", stub.callCount())
	}
}

func TestSupervisorSimpleWithoutAnswerStreamsOne(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"is_simple": true, "complexity": 2.0, "can_answer_directly": false}`}},
		{tokens: []string{"the ", "answer"}, resp: ChatResponse{Content: "the answer"}},
	}}
	s := NewSupervisor(stub, DefaultCatalog())

	var streamed string
	plan, err := s.Plan(context.Background(), Task{ID: "t1", Content: "simple q"}, SinkFunc(func(delta, _ string) {
		streamed += delta
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !plan.SimpleDirect || plan.DirectAnswer != "the answer" {
		t.Errorf("plan = %+v", plan)
	}
	if streamed != "the answer" {
		t.Errorf("streamed = %q", streamed)
	}
}

func TestSupervisorPlansComplexTask(t *testing.T) {
	planJSON := `[THINKING]split into research then writing[/THINKING]
{"plan": {"steps": [
  {"id": "research", "name": "Research", "description": "gather material", "role": "researcher"},
  {"id": "write", "name": "Write", "description": "write the report", "role": "writer", "depends_on": ["research"]}
]}}`
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"is_simple": false, "complexity": 7.5, "refined_task": "write a researched report"}`}},
		{resp: ChatResponse{Content: planJSON}},
	}}
	s := NewSupervisor(stub, DefaultCatalog())

	plan, err := s.Plan(context.Background(), Task{ID: "t1", Content: "big task"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if plan.SimpleDirect || plan.Fallback {
		t.Fatalf("plan = %+v", plan)
	}
	if len(plan.Steps) != 2 || plan.Steps[1].DependsOn[0] != "research" {
		t.Errorf("steps = %+v", plan.Steps)
	}
	if plan.RefinedTask != "write a researched report" {
		t.Errorf("refined = %q", plan.RefinedTask)
	}
	if len(plan.ReactTrace) != 1 || plan.ReactTrace[0].Answer == "" {
		t.Errorf("trace = %+v", plan.ReactTrace)
	}
}

func TestSupervisorToolActionDuringPlanning(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(mockTool{})

	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"is_simple": false, "complexity": 8}`}},
		{resp: ChatResponse{Content: `{"action": {"tool": "greet", "args": {}}}`}},
		{resp: ChatResponse{Content: `{"plan": {"steps": [{"id": "s1", "name": "n", "description": "d", "role": "researcher"}]}}`}},
	}}
	s := NewSupervisor(stub, DefaultCatalog(), SupervisorResearch(reg))

	plan, err := s.Plan(context.Background(), Task{ID: "t1", Content: "needs research"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Steps) != 1 {
		t.Fatalf("steps = %+v", plan.Steps)
	}
	if len(plan.ReactTrace) != 2 {
		t.Fatalf("trace = %+v", plan.ReactTrace)
	}
	if plan.ReactTrace[0].Action != "greet" || !strings.Contains(plan.ReactTrace[0].Observation, "hello") {
		t.Errorf("action entry = %+v", plan.ReactTrace[0])
	}
	// The observation must have been fed back to the model.
	stub.mu.Lock()
	last := stub.reqs[len(stub.reqs)-1]
	stub.mu.Unlock()
	found := false
	for _, m := range last.Messages {
		if strings.Contains(m.Content, "OBSERVATION") {
			found = true
		}
	}
	if !found {
		t.Error("observation not in follow-up messages")
	}
}

func TestSupervisorInvalidPlanGetsCorrected(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"is_simple": false, "complexity": 8}`}},
		// depends_on references a later step: invalid.
		{resp: ChatResponse{Content: `{"plan": {"steps": [{"id": "a", "description": "d", "role": "researcher", "depends_on": ["b"]}, {"id": "b", "description": "d", "role": "writer"}]}}`}},
		{resp: ChatResponse{Content: `{"plan": {"steps": [{"id": "a", "description": "d", "role": "researcher"}]}}`}},
	}}
	s := NewSupervisor(stub, DefaultCatalog())

	plan, err := s.Plan(context.Background(), Task{ID: "t1", Content: "task"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Fallback || len(plan.Steps) != 1 {
		t.Errorf("plan = %+v", plan)
	}
	if !strings.Contains(plan.ReactTrace[0].Observation, "invalid plan") {
		t.Errorf("first trace entry = %+v", plan.ReactTrace[0])
	}
}

func TestSupervisorFallsBackAfterBudget(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"is_simple": false, "complexity": 9}`}},
		{resp: ChatResponse{Content: "I cannot produce JSON, sorry."}},
	}}
	s := NewSupervisor(stub, DefaultCatalog(), SupervisorMaxIterations(2))

	plan, err := s.Plan(context.Background(), Task{ID: "t1", Content: "hard task"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Fallback {
		t.Fatal("expected fallback plan")
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Role != RoleResearcher {
		t.Errorf("fallback steps = %+v", plan.Steps)
	}
	if len(plan.ReactTrace) != 2 {
		t.Errorf("trace length = %d, want the full budget", len(plan.ReactTrace))
	}
}

func TestSupervisorUnclassifiableTriagePlansAnyway(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "not json"}},
		{resp: ChatResponse{Content: `{"plan": {"steps": [{"id": "s1", "description": "d", "role": "researcher"}]}}`}},
	}}
	s := NewSupervisor(stub, DefaultCatalog())

	plan, err := s.Plan(context.Background(), Task{ID: "t1", Content: "???"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if plan.SimpleDirect {
		t.Error("unclassifiable task must not short-circuit")
	}
	if plan.Complexity != 10 {
		t.Errorf("complexity = %v, want max", plan.Complexity)
	}
}

func TestValidatePlanNormalizes(t *testing.T) {
	s := NewSupervisor(&stubProvider{}, DefaultCatalog())
	steps, err := s.validatePlan([]PlannedStep{
		{Description: "first", Role: "wizard"}, // no id, unknown role
		{ID: "b", Description: "second", Role: RoleWriter, DependsOn: []string{"step_1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if steps[0].ID != "step_1" || steps[0].Role != RoleResearcher || steps[0].Name != "step_1" {
		t.Errorf("normalized first step = %+v", steps[0])
	}
	if steps[1].DependsOn[0] != "step_1" {
		t.Errorf("second step deps = %v", steps[1].DependsOn)
	}
}

func TestValidatePlanRejects(t *testing.T) {
	s := NewSupervisor(&stubProvider{}, DefaultCatalog())
	cases := []struct {
		name  string
		steps []PlannedStep
	}{
		{"empty", nil},
		{"duplicate id", []PlannedStep{{ID: "a", Description: "d"}, {ID: "a", Description: "d"}}},
		{"no description", []PlannedStep{{ID: "a"}}},
		{"forward dep", []PlannedStep{{ID: "a", Description: "d", DependsOn: []string{"z"}}}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.validatePlan(tt.steps); err == nil {
				t.Error("expected error")
			}
		})
	}
}
