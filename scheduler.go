package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ExecutionMode selects how the scheduler treats the flow while running.
type ExecutionMode string

const (
	// ModeTeam is the canonical mode: waves of ready steps with quality
	// gates that may retry steps, insert new ones, or prune downstream.
	ModeTeam ExecutionMode = "team"
	// ModeScheduler is the fixed-plan variant: the same wave loop, but the
	// flow structure is frozen. Reviews are recorded for observers only.
	ModeScheduler ExecutionMode = "scheduler"
)

// Scheduler defaults.
const (
	defaultMaxConcurrentAgents = 100
	defaultParallelismCap      = 100
	defaultAgentTimeout        = 300 * time.Second
	defaultQualityThreshold    = 0.7
	defaultMaxRetryOnFailure   = 2
)

// SchedulerConfig is the scheduler's policy knobs. Zero values take the
// documented defaults.
type SchedulerConfig struct {
	Mode                ExecutionMode
	MaxConcurrentAgents int           // semaphore for simultaneously running agents
	ParallelismCap      int           // max steps dispatched per wave
	AgentTimeout        time.Duration // per-step deadline
	MaxToolCalls        int           // task-wide tool budget; 0 = unlimited
	EnableQualityGates  bool
	QualityThreshold    float64 // [0,1]; scores at or above it always pass
	MaxRetryOnFailure   int     // attempts beyond the first
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Mode == "" {
		c.Mode = ModeTeam
	}
	if c.MaxConcurrentAgents <= 0 {
		c.MaxConcurrentAgents = defaultMaxConcurrentAgents
	}
	if c.ParallelismCap <= 0 {
		c.ParallelismCap = defaultParallelismCap
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = defaultAgentTimeout
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = defaultQualityThreshold
	}
	if c.MaxRetryOnFailure < 0 {
		c.MaxRetryOnFailure = defaultMaxRetryOnFailure
	}
	return c
}

// WaveScheduler drives an ExecutionFlow to completion in waves: compute
// the ready set, dispatch each ready step to a fresh role agent under a
// concurrency semaphore and per-step deadline, barrier on the wave, then
// apply quality-gate verdicts before the next wave.
type WaveScheduler struct {
	provider Provider
	catalog  *RoleCatalog
	tools    *ToolRegistry
	reviewer *Reviewer
	bus      *EventBus
	logger   *slog.Logger
	tracer   Tracer
	cfg      SchedulerConfig
}

// SchedulerOption configures a WaveScheduler.
type SchedulerOption func(*WaveScheduler)

// SchedulerReviewer wires the quality gate. Without one, gates are off
// regardless of config.
func SchedulerReviewer(r *Reviewer) SchedulerOption {
	return func(ws *WaveScheduler) { ws.reviewer = r }
}

// SchedulerBus publishes step, agent, and flow events to the given bus.
func SchedulerBus(b *EventBus) SchedulerOption {
	return func(ws *WaveScheduler) { ws.bus = b }
}

// SchedulerLogger sets the structured logger.
func SchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(ws *WaveScheduler) { ws.logger = l }
}

// SchedulerTracer sets the tracer for wave and step spans.
func SchedulerTracer(t Tracer) SchedulerOption {
	return func(ws *WaveScheduler) { ws.tracer = t }
}

// NewWaveScheduler builds a scheduler over the given model provider, role
// catalog, tool registry, and policy.
func NewWaveScheduler(p Provider, catalog *RoleCatalog, tools *ToolRegistry, cfg SchedulerConfig, opts ...SchedulerOption) *WaveScheduler {
	ws := &WaveScheduler{
		provider: p,
		catalog:  catalog,
		tools:    tools,
		logger:   nopLogger,
		cfg:      cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(ws)
	}
	return ws
}

// stepOutcome is the result of one dispatched step, collected at the wave
// barrier.
type stepOutcome struct {
	stepID string
	agent  AgentInstance
	err    error
}

// Run executes the flow to completion. On return every step is terminal.
// The returned error is non-nil only for task-level failures: context
// cancellation or deadline, or a scheduler invariant violation. Individual
// step failures are recorded on the flow, not returned.
func (ws *WaveScheduler) Run(ctx context.Context, task Task, flow *ExecutionFlow) error {
	ctx, span := startSpan(ws.tracer, ctx, "ensemble.execute",
		StringAttr("task_id", task.ID), IntAttr("steps", flow.Len()), StringAttr("mode", string(ws.cfg.Mode)))
	defer span.End()

	budget := newToolBudget(ws.cfg.MaxToolCalls)
	sem := make(chan struct{}, ws.cfg.MaxConcurrentAgents)

	ws.emitChanges(task.ID, flow.Activate())
	ws.emitFlow(task.ID, flow)

	wave := 0
	for {
		if err := ctx.Err(); err != nil {
			ws.teardown(task.ID, flow, "task cancelled")
			span.Error(err)
			return NewStepError(KindOf(err), err)
		}
		ready := flow.ReadySteps()
		if len(ready) == 0 {
			break
		}
		if len(ready) > ws.cfg.ParallelismCap {
			ready = ready[:ws.cfg.ParallelismCap]
		}
		wave++
		stats := WaveStats{StartedAt: time.Now().UTC()}
		for _, s := range ready {
			stats.StepIDs = append(stats.StepIDs, s.ID)
		}
		ws.logger.Info("wave starting", "task_id", task.ID, "wave", wave, "steps", len(ready))
		_, waveSpan := startSpan(ws.tracer, ctx, "ensemble.wave",
			IntAttr("wave", wave), IntAttr("steps", len(ready)))

		outcomes := make([]stepOutcome, len(ready))
		var wg sync.WaitGroup
		for i, step := range ready {
			wg.Add(1)
			go func(i int, step Step) {
				defer wg.Done()
				outcomes[i] = ws.dispatch(ctx, task, flow, step, sem, budget)
			}(i, step)
		}
		wg.Wait()

		for _, out := range outcomes {
			cur, ok := flow.Step(out.stepID)
			if !ok {
				continue
			}
			switch cur.Status {
			case StepCompleted:
				stats.Completed++
			case StepFailed:
				stats.Failed++
			case StepSkipped:
				stats.Skipped++
			}
			ws.applyGate(ctx, task, flow, cur)
		}

		stats.CompletedAt = time.Now().UTC()
		flow.RecordWave(stats)
		waveSpan.SetAttr(IntAttr("completed", stats.Completed), IntAttr("failed", stats.Failed))
		waveSpan.End()
		ws.emitChanges(task.ID, flow.Activate()) // activate any steps inserted by gates
		ws.emitFlow(task.ID, flow)
	}

	// No ready steps remain. Anything non-terminal is unreachable work
	// behind a failure; block it, then close it out as skipped.
	ws.teardown(task.ID, flow, "unreachable after upstream failure")
	ws.emitFlow(task.ID, flow)
	return nil
}

// dispatch runs one step on a fresh agent under the semaphore and the
// per-step deadline.
func (ws *WaveScheduler) dispatch(ctx context.Context, task Task, flow *ExecutionFlow, step Step, sem chan struct{}, budget *toolBudget) stepOutcome {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return stepOutcome{stepID: step.ID, err: ctx.Err()}
	}
	defer func() { <-sem }()

	tmpl := ws.catalog.Lookup(step.Role)
	agent := newSubAgent(task.ID, tmpl, ws.provider, ws.tools, budget, ws.bus, ws.logger, ws.tracer)
	agent.inst.StepID = step.ID
	agent.inst.Status = AgentWorking
	ws.publish(task.ID, EventAgentCreated, agent.inst)

	change, err := flow.MarkRunning(step.ID, agent.inst.ID)
	if err != nil {
		// Racing mutation (step skipped by a sibling's gate); drop quietly
		// unless the dependency invariant itself broke.
		if KindOf(err) == ErrKindDependencyUnsatisfied {
			ws.logger.Error("dispatch with unsatisfied dependency", "step_id", step.ID, "error", err)
		}
		ws.publish(task.ID, EventAgentRemoved, agent.inst)
		return stepOutcome{stepID: step.ID, agent: agent.inst, err: err}
	}
	ws.emitChanges(task.ID, []StepChange{change})
	ws.emitProgress(task.ID, flow)

	stepCtx, cancel := context.WithTimeout(ctx, ws.cfg.AgentTimeout)
	output, _, runErr := agent.run(stepCtx, step, ws.renderDeps(flow, step))
	cancel()

	if runErr != nil {
		kind := KindOf(runErr)
		if errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil {
			kind = ErrKindTimeout
		}
		agent.inst.Status = AgentFailed
		if ch, err := flow.MarkFailed(step.ID, kind, runErr.Error()); err == nil {
			ws.emitFailed(task.ID, ch, kind, runErr.Error())
		}
		ws.logger.Warn("step failed", "task_id", task.ID, "step_id", step.ID, "kind", string(kind), "error", runErr)
	} else {
		agent.inst.Status = AgentDone
		if ch, err := flow.MarkCompleted(step.ID, output); err == nil {
			ws.emitChanges(task.ID, []StepChange{ch})
		}
	}
	ws.publish(task.ID, EventAgentUpdated, agent.inst)
	ws.publish(task.ID, EventAgentRemoved, agent.inst)
	ws.emitProgress(task.ID, flow)
	return stepOutcome{stepID: step.ID, agent: agent.inst, err: runErr}
}

// applyGate reviews a terminal step and applies the (coerced) decision.
func (ws *WaveScheduler) applyGate(ctx context.Context, task Task, flow *ExecutionFlow, cur Step) {
	if cur.Status != StepCompleted && cur.Status != StepFailed {
		return
	}
	if cur.Status == StepFailed && cur.ErrKind == ErrKindCancelled {
		// Cancellation is teardown, not quality; only finished work gets
		// reviewed.
		return
	}
	gates := ws.cfg.EnableQualityGates && ws.reviewer != nil
	mutable := ws.cfg.Mode == ModeTeam

	var report QualityReport
	if gates {
		report = ws.reviewer.Review(ctx, task, cur)
		_ = flow.AddReview(cur.ID, report)
	} else {
		report = QualityReport{StepID: cur.ID, Attempt: cur.Attempts, Score: 1, Decision: DecisionContinue, At: time.Now().UTC()}
	}

	tmpl := ws.catalog.Lookup(cur.Role)
	decision := ws.coerce(report, cur, tmpl.Critical, mutable)

	switch decision {
	case DecisionRetry:
		if ch, err := flow.ResetForRetry(cur.ID); err == nil {
			ws.emitChanges(task.ID, []StepChange{ch})
			ws.taskLog(task.ID, "info", fmt.Sprintf("step %s scheduled for retry (attempt %d): %s",
				cur.ID, cur.Attempts+1, report.Rationale))
		}
	case DecisionAddStep:
		ws.insertSteps(task, flow, cur, report.NewSteps)
	case DecisionSkipNext:
		changes := flow.SkipDescendants(cur.ID, "pruned after review of "+cur.ID)
		ws.emitChanges(task.ID, changes)
		if len(changes) > 0 {
			ws.taskLog(task.ID, "warning", fmt.Sprintf("skipping %d downstream step(s) of %s: %s",
				len(changes), cur.ID, report.Rationale))
		}
	case DecisionContinue:
		if cur.Status == StepFailed {
			if tmpl.Critical {
				// A critical failure cannot be papered over; downstream
				// work that depends on it is pointless.
				changes := flow.SkipDescendants(cur.ID, "critical step "+cur.ID+" failed")
				ws.emitChanges(task.ID, changes)
				ws.taskLog(task.ID, "error", fmt.Sprintf("critical step %s failed (%s): %s",
					cur.ID, cur.ErrKind, cur.ErrDetail))
				return
			}
			// Best effort: let downstream proceed with the failure noted.
			note := fmt.Sprintf("[step %s did not complete: %s]", cur.ID, cur.ErrDetail)
			if ch, err := flow.ForceCompleted(cur.ID, note); err == nil {
				ws.emitChanges(task.ID, []StepChange{ch})
			}
			ws.taskLog(task.ID, "warning", fmt.Sprintf("step %s failed (%s); continuing best-effort",
				cur.ID, cur.ErrKind))
		}
	}
}

// coerce applies the decision policy: passing scores always continue,
// retry budgets bind, structure-changing verdicts need a mutable flow,
// and weak results are re-attempted while budget remains.
func (ws *WaveScheduler) coerce(report QualityReport, cur Step, critical, mutable bool) Decision {
	decision := report.Decision
	retryable := cur.Attempts <= ws.cfg.MaxRetryOnFailure

	if cur.Status == StepFailed {
		if decision == DecisionSkipNext {
			return mutableDecision(DecisionSkipNext, mutable)
		}
		if retryable && mutable {
			return DecisionRetry
		}
		return DecisionContinue
	}

	// Completed step with a passing score: the only verdict that cannot
	// stand is a retry of work the threshold already accepted.
	if report.Score >= ws.cfg.QualityThreshold {
		if decision == DecisionRetry {
			return DecisionContinue
		}
		return mutableDecision(decision, mutable)
	}

	// Below threshold. Explicit compensation verdicts stand; anything else
	// is coerced to a retry while the budget lasts. An exhausted critical
	// step poisons its descendants rather than passing weak output down.
	if decision == DecisionAddStep || decision == DecisionSkipNext {
		return mutableDecision(decision, mutable)
	}
	if retryable {
		return mutableDecision(DecisionRetry, mutable)
	}
	ws.logger.Warn("retry budget exhausted, accepting result",
		"step_id", cur.ID, "attempts", cur.Attempts)
	if critical {
		return mutableDecision(DecisionSkipNext, mutable)
	}
	return DecisionContinue
}

// mutableDecision downgrades structure-changing verdicts when the flow is
// frozen (scheduler mode).
func mutableDecision(d Decision, mutable bool) Decision {
	if mutable {
		return d
	}
	switch d {
	case DecisionRetry, DecisionAddStep, DecisionSkipNext:
		return DecisionContinue
	}
	return d
}

// insertSteps adds reviewer-requested steps after the reviewed one. Steps
// without dependencies default to depending on the reviewed step.
func (ws *WaveScheduler) insertSteps(task Task, flow *ExecutionFlow, cur Step, planned []PlannedStep) {
	for _, ps := range planned {
		step := Step{
			ID:             ps.ID,
			Name:           ps.Name,
			Description:    ps.Description,
			Role:           ps.Role,
			ExpectedOutput: ps.ExpectedOutput,
			DependsOn:      append([]string(nil), ps.DependsOn...),
		}
		if step.ID == "" {
			step.ID = fmt.Sprintf("%s_fix_%d", cur.ID, flow.Len()+1)
		}
		if step.Name == "" {
			step.Name = step.ID
		}
		if len(step.DependsOn) == 0 {
			step.DependsOn = []string{cur.ID}
		}
		// Reviewer steps may only build on finished work: every dependency
		// must name an existing completed step.
		if dep, ok := uncompletedDep(flow, step.DependsOn); ok {
			ws.logger.Warn("rejected reviewer step insertion",
				"task_id", task.ID, "step_id", step.ID, "dep", dep)
			ws.taskLog(task.ID, "warning", fmt.Sprintf(
				"rejected inserted step %s: dependency %s is not completed", step.ID, dep))
			continue
		}
		if err := flow.InsertStep(step, cur.ID); err != nil {
			ws.logger.Warn("rejected reviewer step insertion",
				"task_id", task.ID, "step_id", step.ID, "error", err)
			ws.taskLog(task.ID, "warning", fmt.Sprintf("rejected inserted step %s: %v", step.ID, err))
			continue
		}
		ws.taskLog(task.ID, "info", fmt.Sprintf("review of %s inserted step %s (%s)",
			cur.ID, step.ID, step.Role))
	}
}

// uncompletedDep returns the first dependency id that does not resolve to
// a completed step.
func uncompletedDep(flow *ExecutionFlow, deps []string) (string, bool) {
	for _, dep := range deps {
		ds, ok := flow.Step(dep)
		if !ok || ds.Status != StepCompleted {
			return dep, true
		}
	}
	return "", false
}

// renderDeps concatenates the outputs of a step's dependencies.
func (ws *WaveScheduler) renderDeps(flow *ExecutionFlow, step Step) string {
	var b strings.Builder
	for _, dep := range step.DependsOn {
		if ds, ok := flow.Step(dep); ok && ds.Output != "" {
			fmt.Fprintf(&b, "## %s (%s)\n%s\n\n", ds.Name, ds.Role, ds.Output)
		}
	}
	return strings.TrimSpace(b.String())
}

// teardown closes out every non-terminal step so the flow ends fully
// terminal even after failures or cancellation.
func (ws *WaveScheduler) teardown(taskID string, flow *ExecutionFlow, reason string) {
	ws.emitChanges(taskID, flow.BlockOnFailedDeps())
	ws.emitChanges(taskID, flow.SkipRemaining(reason))
	ws.emitProgress(taskID, flow)
}

func (ws *WaveScheduler) emitChanges(taskID string, changes []StepChange) {
	for _, ch := range changes {
		ws.publish(taskID, EventStepStatusChanged, StepStatusPayload{
			StepID: ch.StepID, From: ch.From, To: ch.To,
		})
	}
}

func (ws *WaveScheduler) emitFailed(taskID string, ch StepChange, kind ErrKind, detail string) {
	ws.publish(taskID, EventStepStatusChanged, StepStatusPayload{
		StepID: ch.StepID, From: ch.From, To: ch.To, ErrKind: kind, Detail: detail,
	})
}

func (ws *WaveScheduler) emitFlow(taskID string, flow *ExecutionFlow) {
	ws.publish(taskID, EventExecutionFlowUpdated, flow.Snapshot())
}

func (ws *WaveScheduler) emitProgress(taskID string, flow *ExecutionFlow) {
	ws.publish(taskID, EventTaskProgress, flow.Progress())
}

func (ws *WaveScheduler) taskLog(taskID, level, msg string) {
	ws.publish(taskID, EventTaskLog, LogPayload{Level: level, Message: msg})
}

func (ws *WaveScheduler) publish(taskID string, typ EventType, data any) {
	if ws.bus != nil {
		ws.bus.Publish(taskID, typ, data)
	}
}
