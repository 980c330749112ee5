package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Decision is a reviewer verdict on a terminal step.
type Decision string

const (
	// DecisionContinue accepts the step result as-is.
	DecisionContinue Decision = "continue"
	// DecisionRetry re-runs the step from scratch.
	DecisionRetry Decision = "retry"
	// DecisionAddStep inserts remedial steps after the reviewed one.
	DecisionAddStep Decision = "add_step"
	// DecisionSkipNext prunes everything downstream of the reviewed step.
	DecisionSkipNext Decision = "skip_next"
)

// QualityReport is one review of one step attempt. Score is normalized to
// [0,1]; NewSteps is populated only for add_step decisions.
type QualityReport struct {
	StepID    string        `json:"step_id"`
	Attempt   int           `json:"attempt"`
	Score     float64       `json:"score"`
	Decision  Decision      `json:"decision"`
	Rationale string        `json:"rationale,omitempty"`
	NewSteps  []PlannedStep `json:"new_steps,omitempty"`
	At        time.Time     `json:"at"`
}

// reviewerTimeout bounds one judge call. A slow or unreachable judge must
// not stall the flow, so expiry yields a continue verdict.
const reviewerTimeout = 30 * time.Second

// judgeOutputLimit caps the step output shown to the judge.
const judgeOutputLimit = 12_000

// Reviewer is the quality gate: it judges a finished step against its
// objective with a model call and returns a decision for the scheduler to
// apply. The Reviewer itself never mutates the flow.
type Reviewer struct {
	provider Provider
	tmpl     RoleTemplate // quality_checker persona
	timeout  time.Duration
	logger   *slog.Logger
	tracer   Tracer
}

// ReviewerOption configures a Reviewer.
type ReviewerOption func(*Reviewer)

// ReviewerTimeout overrides the per-review deadline (default 30s).
func ReviewerTimeout(d time.Duration) ReviewerOption {
	return func(r *Reviewer) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// ReviewerLogger sets the structured logger.
func ReviewerLogger(l *slog.Logger) ReviewerOption {
	return func(r *Reviewer) { r.logger = l }
}

// ReviewerTracer sets the tracer for review spans.
func ReviewerTracer(t Tracer) ReviewerOption {
	return func(r *Reviewer) { r.tracer = t }
}

// NewReviewer builds a quality gate on the given provider, judging with
// the catalog's quality_checker persona.
func NewReviewer(p Provider, catalog *RoleCatalog, opts ...ReviewerOption) *Reviewer {
	r := &Reviewer{
		provider: p,
		tmpl:     catalog.Lookup(RoleQualityChecker),
		timeout:  reviewerTimeout,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Review judges one terminal step. It always returns a usable report: on
// judge timeout, transport failure, or unparseable output the verdict
// degrades to continue with the failure in the rationale, because a broken
// judge must not block a healthy flow.
func (r *Reviewer) Review(ctx context.Context, task Task, step Step) QualityReport {
	report := QualityReport{
		StepID:   step.ID,
		Attempt:  step.Attempts,
		Decision: DecisionContinue,
		Score:    1,
		At:       time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx, span := startSpan(r.tracer, ctx, "ensemble.review",
		StringAttr("step_id", step.ID), IntAttr("attempt", step.Attempts))
	defer span.End()

	resp, err := r.provider.Chat(ctx, ChatRequest{
		Model:       r.tmpl.Model,
		Temperature: r.tmpl.Temperature,
		Messages: []ChatMessage{
			SystemMessage(r.tmpl.SystemPrompt),
			UserMessage(r.prompt(task, step)),
		},
	})
	if err != nil {
		span.Error(err)
		r.logger.Warn("quality gate unavailable, continuing",
			"step_id", step.ID, "error", err)
		report.Rationale = fmt.Sprintf("review unavailable (%s), accepted by default", KindOf(err))
		return report
	}

	var raw struct {
		Score     float64 `json:"score"`
		Decision  string  `json:"decision"`
		Rationale string  `json:"rationale"`
		NewSteps  []struct {
			ID             string   `json:"id"`
			Name           string   `json:"name"`
			Description    string   `json:"description"`
			Role           string   `json:"role"`
			ExpectedOutput string   `json:"expected_output"`
			DependsOn      []string `json:"depends_on"`
		} `json:"new_steps"`
	}
	if !decodeJSON(stripThinking(resp.Content), &raw) {
		r.logger.Warn("quality gate returned unparseable verdict, continuing",
			"step_id", step.ID)
		report.Rationale = "review verdict unparseable, accepted by default"
		return report
	}

	report.Score = normalizeScore(raw.Score)
	report.Rationale = raw.Rationale
	report.Decision = normalizeDecision(raw.Decision)
	span.SetAttr(Float64Attr("score", report.Score), StringAttr("decision", string(report.Decision)))
	for _, ns := range raw.NewSteps {
		report.NewSteps = append(report.NewSteps, PlannedStep{
			ID:             ns.ID,
			Name:           ns.Name,
			Description:    ns.Description,
			Role:           Role(ns.Role),
			ExpectedOutput: ns.ExpectedOutput,
			DependsOn:      ns.DependsOn,
		})
	}
	if report.Decision == DecisionAddStep && len(report.NewSteps) == 0 {
		// Nothing to add; the verdict degenerates to acceptance.
		report.Decision = DecisionContinue
	}
	return report
}

func (r *Reviewer) prompt(task Task, step Step) string {
	var b strings.Builder
	b.WriteString("Review the work of a team member against its objective.\n\n")
	fmt.Fprintf(&b, "Overall task:\n%s\n\n", task.Content)
	fmt.Fprintf(&b, "Step %q (role %s):\n%s\n", step.Name, step.Role, step.Description)
	if step.ExpectedOutput != "" {
		fmt.Fprintf(&b, "Expected output: %s\n", step.ExpectedOutput)
	}
	if step.Status == StepFailed {
		fmt.Fprintf(&b, "\nThe step FAILED (%s): %s\n", step.ErrKind, step.ErrDetail)
	} else {
		fmt.Fprintf(&b, "\nProduced output:\n%s\n", truncateRunes(step.Output, judgeOutputLimit))
	}
	b.WriteString(`
Respond with a single JSON object:
{
  "score": <0.0-1.0, quality against the objective>,
  "decision": "continue" | "retry" | "add_step" | "skip_next",
  "rationale": "<one or two sentences>",
  "new_steps": [{"id": "...", "name": "...", "description": "...", "role": "...", "expected_output": "...", "depends_on": ["..."]}]
}
Use "retry" when a fresh attempt would likely fix the problem, "add_step"
when missing work should be inserted (list it in new_steps), "skip_next"
when downstream steps are pointless after this result, otherwise "continue".`)
	return b.String()
}

// normalizeScore maps judge scores onto [0,1]. Judges sometimes answer on
// a 1-10 scale despite instructions; values above 1 are scaled down.
func normalizeScore(s float64) float64 {
	if s > 1 {
		s = s / 10
	}
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// normalizeDecision maps free-form verdicts onto the closed decision set.
// Anything unrecognized is treated as continue.
func normalizeDecision(s string) Decision {
	switch Decision(strings.ToLower(strings.TrimSpace(s))) {
	case DecisionRetry:
		return DecisionRetry
	case DecisionAddStep:
		return DecisionAddStep
	case DecisionSkipNext:
		return DecisionSkipNext
	default:
		return DecisionContinue
	}
}
