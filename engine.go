package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultExecutionTimeout bounds one task end to end.
const defaultExecutionTimeout = 3600 * time.Second

// EngineConfig is the engine-wide policy. Zero values take the documented
// defaults. internal/config loads it from TOML and the environment.
type EngineConfig struct {
	MaxConcurrentAgents int
	ParallelismCap      int
	MaxToolCalls        int // task-wide tool budget; 0 = unlimited
	AgentTimeout        time.Duration
	ExecutionTimeout    time.Duration
	ComplexityThreshold float64
	EnableQualityGates  bool
	QualityThreshold    float64
	MaxRetryOnFailure   int
	MaxReactIterations  int
	EnableResearch      bool
	EnableLongText      bool
	EnableTeamMode      bool
}

// DefaultEngineConfig returns the documented defaults: team mode with
// quality gates on.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentAgents: defaultMaxConcurrentAgents,
		ParallelismCap:      defaultParallelismCap,
		AgentTimeout:        defaultAgentTimeout,
		ExecutionTimeout:    defaultExecutionTimeout,
		ComplexityThreshold: defaultComplexityThreshold,
		EnableQualityGates:  true,
		QualityThreshold:    defaultQualityThreshold,
		MaxRetryOnFailure:   defaultMaxRetryOnFailure,
		MaxReactIterations:  defaultMaxReactIterations,
		EnableTeamMode:      true,
	}
}

// Result is the outcome of one task.
type Result struct {
	TaskID    string        `json:"task_id"`
	Success   bool          `json:"success"`
	Output    string        `json:"output,omitempty"`
	Artifact  Artifact      `json:"artifact,omitzero"`
	Partial   bool          `json:"partial,omitempty"` // some steps failed or were skipped
	ErrKind   ErrKind       `json:"error_kind,omitempty"`
	ErrDetail string        `json:"error_detail,omitempty"`
	Plan      TaskPlan      `json:"plan,omitzero"`
	Flow      *FlowSnapshot `json:"flow,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// taskRun is the engine's bookkeeping for one in-flight task.
type taskRun struct {
	task   Task
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status TaskStatus
	flow   *ExecutionFlow
	result Result
}

// Engine is the library entry point: it owns the event bus, the tool
// registry, the role catalog, and the per-task orchestration pipeline.
type Engine struct {
	provider Provider
	catalog  *RoleCatalog
	tools    *ToolRegistry
	bus      *EventBus
	runner   CodeRunner
	logger   *slog.Logger
	tracer   Tracer
	cfg      EngineConfig

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*taskRun
	mode   ExecutionMode
	closed bool
	wg     sync.WaitGroup
}

// EngineOption configures NewEngine.
type EngineOption func(*Engine)

// WithProvider sets the model gateway. Required.
func WithProvider(p Provider) EngineOption {
	return func(e *Engine) { e.provider = p }
}

// WithCatalog replaces the default role catalog.
func WithCatalog(c *RoleCatalog) EngineOption {
	return func(e *Engine) { e.catalog = c }
}

// WithConfig replaces the default engine config.
func WithConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) { e.cfg = cfg }
}

// WithBus replaces the default event bus.
func WithBus(b *EventBus) EngineOption {
	return func(e *Engine) { e.bus = b }
}

// WithCodeRunner wires a sandbox: the sandbox_code_interpreter tool is
// registered and injected as a fallback tool, and Shutdown closes the
// runner.
func WithCodeRunner(r CodeRunner) EngineOption {
	return func(e *Engine) { e.runner = r }
}

// WithTools registers tools at construction.
func WithTools(tools ...Tool) EngineOption {
	return func(e *Engine) {
		for _, t := range tools {
			if err := e.tools.Register(t); err != nil {
				e.logger.Warn("tool registration failed", "error", err)
			}
		}
	}
}

// WithLogger sets the structured logger for the engine and everything it
// builds.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the tracer for the engine and everything it builds.
func WithTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine builds an engine. A Provider is required; everything else has
// defaults (DefaultCatalog, DefaultEngineConfig, a private EventBus).
func NewEngine(opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		tools:  NewToolRegistry(),
		logger: nopLogger,
		cfg:    DefaultEngineConfig(),
		tasks:  make(map[string]*taskRun),
	}
	// Logger first so later options can use it.
	for _, opt := range opts {
		opt(e)
	}
	if e.provider == nil {
		return nil, fmt.Errorf("ensemble: NewEngine requires a Provider (use WithProvider)")
	}
	if e.catalog == nil {
		e.catalog = DefaultCatalog()
	}
	if e.bus == nil {
		e.bus = NewEventBus(BusLogger(e.logger))
	}
	e.mode = ModeTeam
	if !e.cfg.EnableTeamMode {
		e.mode = ModeScheduler
	}
	if e.runner != nil {
		if err := e.tools.Register(CodeInterpreterTool(e.runner)); err != nil {
			return nil, fmt.Errorf("ensemble: register code interpreter: %w", err)
		}
	}
	if e.cfg.EnableLongText {
		e.provider = WithLongText(e.provider, LongTextLogger(e.logger))
	}
	// Fallback injection: models without native search or execution still
	// see the sandbox tools on every tools-bearing request.
	if defs := e.fallbackDefs(); len(defs) > 0 {
		e.provider = WithFallbackTools(e.provider, defs...)
	}
	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())
	return e, nil
}

func (e *Engine) fallbackDefs() []ToolDefinition {
	var defs []ToolDefinition
	for _, d := range e.tools.Definitions() {
		if d.Name == "sandbox_code_interpreter" || d.Name == "sandbox_browser" {
			defs = append(defs, d)
		}
	}
	return defs
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *EventBus { return e.bus }

// Subscribe attaches an observer to the engine's event bus.
func (e *Engine) Subscribe(fn func(Event)) (cancel func()) {
	return e.bus.Subscribe(fn)
}

// RegisterTool adds a tool for subsequent steps.
func (e *Engine) RegisterTool(t Tool) error { return e.tools.Register(t) }

// UnregisterTool removes a tool function by name.
func (e *Engine) UnregisterTool(name string) bool { return e.tools.Unregister(name) }

// ListTools returns all registered tool definitions.
func (e *Engine) ListTools() []ToolDefinition { return e.tools.Definitions() }

// SetExecutionMode switches between team and scheduler mode for tasks
// submitted afterwards; running tasks keep their mode.
func (e *Engine) SetExecutionMode(mode ExecutionMode) error {
	if mode != ModeTeam && mode != ModeScheduler {
		return fmt.Errorf("ensemble: unknown execution mode %q", mode)
	}
	e.mu.Lock()
	e.mode = mode
	e.mu.Unlock()
	return nil
}

// Submit starts a task asynchronously and returns its id. Progress, Flow,
// and Subscribe observe it; Wait collects the result; Cancel stops it.
func (e *Engine) Submit(task Task) (string, error) {
	if task.ID == "" {
		task = NewTask(task.Content, TaskWithFiles(task.Files...), TaskWithOutputType(task.OutputType))
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fmt.Errorf("ensemble: engine is shut down")
	}
	if _, dup := e.tasks[task.ID]; dup {
		e.mu.Unlock()
		return "", fmt.Errorf("ensemble: task %s already submitted", task.ID)
	}
	ctx, cancel := context.WithTimeout(e.baseCtx, e.executionTimeout())
	tr := &taskRun{task: task, cancel: cancel, done: make(chan struct{}), status: TaskPending}
	e.tasks[task.ID] = tr
	mode := e.mode
	e.wg.Add(1)
	e.mu.Unlock()

	e.bus.Publish(task.ID, EventTaskCreated, task)
	go func() {
		defer e.wg.Done()
		defer cancel()
		res := e.run(ctx, tr, mode)
		tr.mu.Lock()
		tr.result = res
		tr.mu.Unlock()
		close(tr.done)
	}()
	return task.ID, nil
}

func (e *Engine) executionTimeout() time.Duration {
	if e.cfg.ExecutionTimeout > 0 {
		return e.cfg.ExecutionTimeout
	}
	return defaultExecutionTimeout
}

// Execute runs a new task synchronously and returns its result.
func (e *Engine) Execute(ctx context.Context, content string, opts ...TaskOption) (Result, error) {
	return e.ExecuteTask(ctx, NewTask(content, opts...))
}

// ExecuteTask runs the given task synchronously. Cancelling ctx cancels
// the task.
func (e *Engine) ExecuteTask(ctx context.Context, task Task) (Result, error) {
	id, err := e.Submit(task)
	if err != nil {
		return Result{}, err
	}
	stop := context.AfterFunc(ctx, func() { _ = e.Cancel(id) })
	defer stop()
	return e.Wait(ctx, id)
}

// Wait blocks until the task finishes and returns its result.
func (e *Engine) Wait(ctx context.Context, taskID string) (Result, error) {
	tr, err := e.lookup(taskID)
	if err != nil {
		return Result{}, err
	}
	select {
	case <-tr.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.result, nil
}

// Cancel stops a running task. Steps in flight observe cancellation
// through their contexts; the task result reports kind cancelled.
func (e *Engine) Cancel(taskID string) error {
	tr, err := e.lookup(taskID)
	if err != nil {
		return err
	}
	tr.cancel()
	return nil
}

// Status returns the task's lifecycle state.
func (e *Engine) Status(taskID string) (TaskStatus, error) {
	tr, err := e.lookup(taskID)
	if err != nil {
		return "", err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.status, nil
}

// Progress returns step tallies for a task. Before planning finishes the
// progress is empty.
func (e *Engine) Progress(taskID string) (Progress, error) {
	tr, err := e.lookup(taskID)
	if err != nil {
		return Progress{}, err
	}
	tr.mu.Lock()
	flow := tr.flow
	tr.mu.Unlock()
	if flow == nil {
		return Progress{}, nil
	}
	return flow.Progress(), nil
}

// Flow returns the task's execution flow snapshot.
func (e *Engine) Flow(taskID string) (FlowSnapshot, error) {
	tr, err := e.lookup(taskID)
	if err != nil {
		return FlowSnapshot{}, err
	}
	tr.mu.Lock()
	flow := tr.flow
	tr.mu.Unlock()
	if flow == nil {
		return FlowSnapshot{TaskID: taskID}, nil
	}
	return flow.Snapshot(), nil
}

// Shutdown cancels all running tasks, waits for them to wind down (bounded
// by ctx), closes the sandbox runner, and closes the event bus.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.baseCancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if e.runner != nil {
		if cerr := e.runner.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	e.bus.Close()
	return err
}

func (e *Engine) lookup(taskID string) (*taskRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("ensemble: unknown task %s", taskID)
	}
	return tr, nil
}

// run drives one task through plan, execute, aggregate.
func (e *Engine) run(ctx context.Context, tr *taskRun, mode ExecutionMode) Result {
	start := time.Now()
	task := tr.task
	res := Result{TaskID: task.ID}

	fail := func(kind ErrKind, err error) Result {
		res.Success = false
		res.ErrKind = kind
		res.ErrDetail = err.Error()
		res.Duration = time.Since(start)
		status := TaskFailed
		if kind == ErrKindCancelled {
			status = TaskCancelled
		}
		e.setStatus(tr, status)
		e.bus.Publish(task.ID, EventTaskCompleted, res)
		e.logger.Warn("task failed", "task_id", task.ID, "kind", string(kind), "error", err)
		return res
	}

	e.setStatus(tr, TaskPlanning)
	sup := NewSupervisor(e.provider, e.catalog,
		SupervisorBus(e.bus),
		SupervisorLogger(e.logger),
		SupervisorTracer(e.tracer),
		SupervisorMaxIterations(e.cfg.MaxReactIterations),
		SupervisorComplexityThreshold(e.cfg.ComplexityThreshold),
	)
	if e.cfg.EnableResearch {
		SupervisorResearch(e.tools)(sup)
	}
	outputSink := SinkFunc(func(delta, buffer string) {
		e.bus.Publish(task.ID, EventOutputProgress, OutputProgressPayload{Delta: delta, Buffer: buffer})
	})

	plan, err := sup.Plan(ctx, task, outputSink)
	res.Plan = plan
	if err != nil {
		return fail(KindOf(err), err)
	}

	if plan.SimpleDirect {
		res.Success = true
		res.Output = plan.DirectAnswer
		res.Artifact = Artifact{Type: OutputReport, Title: titleFrom(task), Content: plan.DirectAnswer}
		res.Duration = time.Since(start)
		e.setStatus(tr, TaskCompleted)
		e.bus.Publish(task.ID, EventTaskCompleted, res)
		return res
	}

	flow, err := NewExecutionFlow(task.ID, plan.FlowSteps())
	if err != nil {
		kind := KindOf(err)
		if kind != ErrKindCycleDetected {
			kind = ErrKindPlanUnparseable
		}
		return fail(kind, err)
	}
	tr.mu.Lock()
	tr.flow = flow
	tr.mu.Unlock()

	e.setStatus(tr, TaskExecuting)
	sched := NewWaveScheduler(e.provider, e.catalog, e.tools,
		SchedulerConfig{
			Mode:                mode,
			MaxConcurrentAgents: e.cfg.MaxConcurrentAgents,
			ParallelismCap:      e.cfg.ParallelismCap,
			AgentTimeout:        e.cfg.AgentTimeout,
			MaxToolCalls:        e.cfg.MaxToolCalls,
			EnableQualityGates:  e.cfg.EnableQualityGates,
			QualityThreshold:    e.cfg.QualityThreshold,
			MaxRetryOnFailure:   e.cfg.MaxRetryOnFailure,
		},
		SchedulerBus(e.bus),
		SchedulerLogger(e.logger),
		SchedulerTracer(e.tracer),
		SchedulerReviewer(NewReviewer(e.provider, e.catalog,
			ReviewerLogger(e.logger), ReviewerTracer(e.tracer))),
	)
	runErr := sched.Run(ctx, task, flow)

	e.setStatus(tr, TaskAggregating)
	snap := flow.Snapshot()
	res.Flow = &snap
	res.Partial = snap.Progress.Failed > 0 || snap.Progress.Skipped > 0

	agg := NewAggregator(e.catalog, AggregatorLogger(e.logger))
	artifact, aggErr := agg.Aggregate(task, snap)
	if aggErr == nil {
		res.Artifact = artifact
		res.Output = artifact.Content
		for _, w := range artifact.Warnings {
			e.bus.Publish(task.ID, EventTaskLog, LogPayload{Level: "warning", Message: w})
		}
		e.bus.Publish(task.ID, EventOutputProgress, OutputProgressPayload{Delta: artifact.Content, Buffer: artifact.Content})
	}

	if runErr != nil {
		// The artifact above, if any, rides along as best-effort output.
		return fail(KindOf(runErr), runErr)
	}
	if aggErr != nil {
		return fail(ErrKindInvalidOutput, aggErr)
	}

	res.Success = true
	res.Duration = time.Since(start)
	e.setStatus(tr, TaskCompleted)
	e.bus.Publish(task.ID, EventTaskCompleted, res)
	e.logger.Info("task completed",
		"task_id", task.ID,
		"steps", snap.Progress.Total,
		"failed", snap.Progress.Failed,
		"duration", res.Duration)
	return res
}

func (e *Engine) setStatus(tr *taskRun, status TaskStatus) {
	tr.mu.Lock()
	tr.status = status
	tr.task.Status = status
	task := tr.task
	tr.mu.Unlock()
	e.bus.Publish(task.ID, EventTaskUpdated, task)
}
