package ensemble

import (
	"context"
	"errors"
	"testing"
	"time"
)

func reviewStep() Step {
	return Step{
		ID: "s1", Name: "research", Role: RoleResearcher,
		Description: "gather facts", Status: StepCompleted,
		Output: "findings", Attempts: 1,
	}
}

func TestReviewerParsesVerdict(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"score": 0.85, "decision": "continue", "rationale": "solid"}`}},
	}}
	r := NewReviewer(stub, DefaultCatalog())

	report := r.Review(context.Background(), Task{Content: "do research"}, reviewStep())
	if report.Decision != DecisionContinue {
		t.Errorf("decision = %s", report.Decision)
	}
	if report.Score != 0.85 {
		t.Errorf("score = %f", report.Score)
	}
	if report.StepID != "s1" || report.Attempt != 1 {
		t.Errorf("report identity = %+v", report)
	}
}

func TestReviewerRetryVerdict(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"score": 0.3, "decision": "retry", "rationale": "missing sources"}`}},
	}}
	r := NewReviewer(stub, DefaultCatalog())
	report := r.Review(context.Background(), Task{Content: "t"}, reviewStep())
	if report.Decision != DecisionRetry {
		t.Errorf("decision = %s, want retry", report.Decision)
	}
}

func TestReviewerAddStepCarriesNewSteps(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{
			"score": 0.5, "decision": "add_step", "rationale": "verify numbers",
			"new_steps": [{"id": "verify", "name": "Verify", "description": "check figures", "role": "fact_checker", "depends_on": ["s1"]}]
		}`}},
	}}
	r := NewReviewer(stub, DefaultCatalog())
	report := r.Review(context.Background(), Task{Content: "t"}, reviewStep())
	if report.Decision != DecisionAddStep {
		t.Fatalf("decision = %s", report.Decision)
	}
	if len(report.NewSteps) != 1 || report.NewSteps[0].Role != RoleFactChecker {
		t.Errorf("new steps = %+v", report.NewSteps)
	}
}

func TestReviewerAddStepWithoutStepsDegrades(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"score": 0.5, "decision": "add_step"}`}},
	}}
	r := NewReviewer(stub, DefaultCatalog())
	report := r.Review(context.Background(), Task{Content: "t"}, reviewStep())
	if report.Decision != DecisionContinue {
		t.Errorf("add_step with no steps should degrade to continue, got %s", report.Decision)
	}
}

func TestReviewerJudgeFailureContinues(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: errors.New("judge down")},
	}}
	r := NewReviewer(stub, DefaultCatalog())
	report := r.Review(context.Background(), Task{Content: "t"}, reviewStep())
	if report.Decision != DecisionContinue || report.Score != 1 {
		t.Errorf("broken judge must not block: %+v", report)
	}
	if report.Rationale == "" {
		t.Error("rationale should record the degradation")
	}
}

func TestReviewerUnparseableVerdictContinues(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "looks fine to me!"}},
	}}
	r := NewReviewer(stub, DefaultCatalog())
	report := r.Review(context.Background(), Task{Content: "t"}, reviewStep())
	if report.Decision != DecisionContinue {
		t.Errorf("decision = %s", report.Decision)
	}
}

func TestReviewerTimeoutOption(t *testing.T) {
	slow := &slowProvider{delay: 200 * time.Millisecond}
	r := NewReviewer(slow, DefaultCatalog(), ReviewerTimeout(20*time.Millisecond))

	start := time.Now()
	report := r.Review(context.Background(), Task{Content: "t"}, reviewStep())
	if report.Decision != DecisionContinue {
		t.Errorf("timed-out review = %s, want continue", report.Decision)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Error("review did not honor its timeout")
	}
}

func TestNormalizeScore(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.7, 0.7},
		{8, 0.8},   // 1-10 scale answer
		{15, 1},    // over even the 10 scale
		{-0.2, 0},  // clamped
		{1.0, 1.0},
	}
	for _, tt := range tests {
		if got := normalizeScore(tt.in); got != tt.want {
			t.Errorf("normalizeScore(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeDecision(t *testing.T) {
	tests := []struct {
		in   string
		want Decision
	}{
		{"continue", DecisionContinue},
		{"RETRY", DecisionRetry},
		{" add_step ", DecisionAddStep},
		{"skip_next", DecisionSkipNext},
		{"looks good", DecisionContinue},
		{"", DecisionContinue},
	}
	for _, tt := range tests {
		if got := normalizeDecision(tt.in); got != tt.want {
			t.Errorf("normalizeDecision(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// slowProvider delays every call, for timeout tests.
type slowProvider struct {
	delay time.Duration
}

func (p *slowProvider) Name() string { return "slow" }

func (p *slowProvider) Chat(ctx context.Context, _ ChatRequest) (ChatResponse, error) {
	select {
	case <-ctx.Done():
		return ChatResponse{}, ctx.Err()
	case <-time.After(p.delay):
		return ChatResponse{Content: "late"}, nil
	}
}

func (p *slowProvider) ChatStream(ctx context.Context, req ChatRequest, _ StreamSink) (ChatResponse, error) {
	return p.Chat(ctx, req)
}
