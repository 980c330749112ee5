package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PlannedStep is one step of a task plan before it becomes flow state.
type PlannedStep struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Role           Role     `json:"role"`
	ExpectedOutput string   `json:"expected_output,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
}

// ReactEntry is one iteration of the Supervisor's plan loop, kept for
// observers and debugging.
type ReactEntry struct {
	Iteration   int    `json:"iteration"`
	Thought     string `json:"thought,omitempty"`
	Action      string `json:"action,omitempty"`
	ActionArgs  string `json:"action_args,omitempty"`
	Observation string `json:"observation,omitempty"`
	Answer      string `json:"answer,omitempty"`
}

// TaskPlan is the Supervisor's decision for a task: either a direct answer
// (SimpleDirect) or an ordered, acyclic set of steps.
type TaskPlan struct {
	TaskID       string        `json:"task_id"`
	RefinedTask  string        `json:"refined_task,omitempty"`
	KeyObjectives []string     `json:"key_objectives,omitempty"`
	Complexity   float64       `json:"complexity"`
	SimpleDirect bool          `json:"simple_direct"`
	DirectAnswer string        `json:"direct_answer,omitempty"`
	Steps        []PlannedStep `json:"steps,omitempty"`
	ReactTrace   []ReactEntry  `json:"react_trace,omitempty"`
	Fallback     bool          `json:"fallback,omitempty"` // plan synthesis failed; single-step default
	CreatedAt    time.Time     `json:"created_at"`
}

// FlowSteps converts the plan into flow steps, in plan order.
func (p *TaskPlan) FlowSteps() []Step {
	steps := make([]Step, 0, len(p.Steps))
	for _, ps := range p.Steps {
		steps = append(steps, Step{
			ID:             ps.ID,
			Name:           ps.Name,
			Description:    ps.Description,
			Role:           ps.Role,
			ExpectedOutput: ps.ExpectedOutput,
			DependsOn:      append([]string(nil), ps.DependsOn...),
		})
	}
	return steps
}

const (
	defaultMaxReactIterations  = 5
	defaultComplexityThreshold = 5.0
	// reactObservationLimit caps tool output fed back into the plan loop.
	reactObservationLimit = 8_000
)

// Supervisor turns a task into a TaskPlan. Planning runs a bounded ReAct
// loop: the model thinks inside [THINKING] markers, may call research tools,
// and answers with a JSON plan. Trivial tasks short-circuit to a direct
// answer without any team.
type Supervisor struct {
	provider       Provider
	catalog        *RoleCatalog
	tools          *ToolRegistry // research tools; nil or empty disables actions
	bus            *EventBus
	maxIterations  int
	complexity     float64 // threshold above which tasks are decomposed
	enableResearch bool
	logger         *slog.Logger
	tracer         Tracer
	agentID        string
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// SupervisorMaxIterations bounds the ReAct loop (default 5).
func SupervisorMaxIterations(n int) SupervisorOption {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxIterations = n
		}
	}
}

// SupervisorComplexityThreshold sets the 0-10 score above which a task is
// decomposed rather than answered directly (default 5).
func SupervisorComplexityThreshold(v float64) SupervisorOption {
	return func(s *Supervisor) { s.complexity = v }
}

// SupervisorResearch enables tool actions during planning.
func SupervisorResearch(tools *ToolRegistry) SupervisorOption {
	return func(s *Supervisor) {
		s.tools = tools
		s.enableResearch = tools != nil
	}
}

// SupervisorBus publishes planning stream events (agent_stream with the
// supervisor's agent id) to the given bus.
func SupervisorBus(b *EventBus) SupervisorOption {
	return func(s *Supervisor) { s.bus = b }
}

// SupervisorLogger sets the structured logger.
func SupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// SupervisorTracer sets the tracer for planning spans.
func SupervisorTracer(t Tracer) SupervisorOption {
	return func(s *Supervisor) { s.tracer = t }
}

// NewSupervisor builds a planner using the catalog's supervisor persona.
func NewSupervisor(p Provider, catalog *RoleCatalog, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		provider:      p,
		catalog:       catalog,
		maxIterations: defaultMaxReactIterations,
		complexity:    defaultComplexityThreshold,
		logger:        nopLogger,
		agentID:       "supervisor-" + uuid.NewString()[:8],
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Plan produces a TaskPlan for the task. Direct-answer text streams to
// sink as it is generated; planning thinking streams to the bus as
// agent_stream events. Plan never fails on model misbehavior: if no valid
// plan emerges within the iteration budget it degrades to a single
// researcher step and marks the plan as a fallback.
func (s *Supervisor) Plan(ctx context.Context, task Task, sink StreamSink) (TaskPlan, error) {
	if sink == nil {
		sink = NopSink
	}
	ctx, span := startSpan(s.tracer, ctx, "ensemble.plan", StringAttr("task_id", task.ID))
	defer span.End()

	plan := TaskPlan{TaskID: task.ID, CreatedAt: time.Now().UTC()}
	tmpl := s.catalog.Lookup(RoleSupervisor)

	triage, err := s.triage(ctx, tmpl, task)
	if err != nil {
		span.Error(err)
		return plan, err
	}
	plan.RefinedTask = triage.RefinedTask
	plan.KeyObjectives = triage.KeyObjectives
	plan.Complexity = triage.Complexity
	span.SetAttr(Float64Attr("complexity", triage.Complexity), BoolAttr("simple", triage.Simple))

	if triage.Simple && triage.Complexity < s.complexity {
		plan.SimpleDirect = true
		if triage.DirectAnswer != "" {
			plan.DirectAnswer = triage.DirectAnswer
			sink.Delta(triage.DirectAnswer, triage.DirectAnswer)
			return plan, nil
		}
		answer, err := s.directAnswer(ctx, tmpl, task, sink)
		if err != nil {
			span.Error(err)
			return plan, err
		}
		plan.DirectAnswer = answer
		return plan, nil
	}

	steps, trace, ok := s.react(ctx, tmpl, task, triage)
	plan.ReactTrace = trace
	if !ok {
		s.logger.Warn("plan synthesis failed, falling back to single research step",
			"task_id", task.ID, "iterations", len(trace))
		s.taskLog(task.ID, "warning", "plan unparseable after "+
			fmt.Sprint(s.maxIterations)+" iterations, using fallback plan")
		plan.Fallback = true
		steps = []PlannedStep{{
			ID:             "step_1",
			Name:           "Research and answer",
			Description:    task.Content,
			Role:           RoleResearcher,
			ExpectedOutput: "A complete answer to the task",
		}}
	}
	plan.Steps = steps
	return plan, nil
}

type triageResult struct {
	Simple        bool     `json:"is_simple"`
	Complexity    float64  `json:"complexity"`
	CanAnswer     bool     `json:"can_answer_directly"`
	DirectAnswer  string   `json:"direct_answer"`
	RefinedTask   string   `json:"refined_task"`
	KeyObjectives []string `json:"key_objectives"`
}

// triage is one quick non-streaming call classifying the task.
func (s *Supervisor) triage(ctx context.Context, tmpl RoleTemplate, task Task) (triageResult, error) {
	prompt := fmt.Sprintf(`Classify the following task before any planning.

Task:
%s
%s
Respond with a single JSON object:
{
  "is_simple": <true if a single competent generalist could answer in one pass>,
  "complexity": <0.0-10.0>,
  "can_answer_directly": <true if you can answer right now>,
  "direct_answer": "<the answer, only when can_answer_directly>",
  "refined_task": "<the task restated precisely>",
  "key_objectives": ["<objective>", ...]
}`, task.Content, describeFiles(task.Files))
	resp, err := s.provider.Chat(ctx, ChatRequest{
		Model:       tmpl.Model,
		Temperature: tmpl.Temperature,
		Messages:    []ChatMessage{SystemMessage(tmpl.SystemPrompt), UserMessage(prompt)},
	})
	if err != nil {
		return triageResult{}, fmt.Errorf("triage: %w", err)
	}
	var tr triageResult
	if !decodeJSON(stripThinking(resp.Content), &tr) {
		// Unclassifiable tasks go through full planning.
		return triageResult{Complexity: 10}, nil
	}
	if !tr.CanAnswer {
		tr.DirectAnswer = ""
	}
	return tr, nil
}

// directAnswer streams a plain answer for a simple task.
func (s *Supervisor) directAnswer(ctx context.Context, tmpl RoleTemplate, task Task, sink StreamSink) (string, error) {
	resp, err := s.provider.ChatStream(ctx, ChatRequest{
		Model:       tmpl.Model,
		Temperature: tmpl.Temperature,
		Messages: []ChatMessage{
			SystemMessage(tmpl.SystemPrompt),
			UserMessage("Answer the following task directly and completely.\n\n" + task.Content),
		},
	}, sink)
	if err != nil {
		return "", fmt.Errorf("direct answer: %w", err)
	}
	return resp.Content, nil
}

// react runs the bounded plan loop. ok is false when no valid plan was
// produced within the iteration budget.
func (s *Supervisor) react(ctx context.Context, tmpl RoleTemplate, task Task, triage triageResult) ([]PlannedStep, []ReactEntry, bool) {
	messages := []ChatMessage{
		SystemMessage(tmpl.SystemPrompt + "\n\n" + s.planInstructions()),
		UserMessage(s.planPrompt(task, triage)),
	}
	var trace []ReactEntry
	for i := 1; i <= s.maxIterations; i++ {
		entry := ReactEntry{Iteration: i}
		splitter := &markerSplitter{}
		sink := SinkFunc(func(delta, _ string) {
			think, answer := splitter.feed(delta)
			s.stream(task.ID, think, splitter.thinkingText(), "thinking")
			s.stream(task.ID, answer, splitter.answerText(), "answer")
		})
		resp, err := s.provider.ChatStream(ctx, ChatRequest{
			Model:       tmpl.Model,
			Temperature: tmpl.Temperature,
			Messages:    messages,
		}, sink)
		if err != nil {
			s.logger.Warn("plan iteration failed", "task_id", task.ID, "iteration", i, "error", err)
			trace = append(trace, entry)
			if ctx.Err() != nil {
				return nil, trace, false
			}
			continue
		}
		think, answer := splitThinking(resp.Content)
		entry.Thought = strings.TrimSpace(think)
		messages = append(messages, AssistantMessage(resp.Content))

		var turn struct {
			Action *struct {
				Tool string          `json:"tool"`
				Args json.RawMessage `json:"args"`
			} `json:"action"`
			Plan *struct {
				Steps []PlannedStep `json:"steps"`
			} `json:"plan"`
		}
		if decodeJSON(answer, &turn) {
			if turn.Plan != nil {
				steps, err := s.validatePlan(turn.Plan.Steps)
				if err == nil {
					entry.Answer = answer
					trace = append(trace, entry)
					return steps, trace, true
				}
				s.logger.Warn("plan rejected", "task_id", task.ID, "iteration", i, "error", err)
				messages = append(messages, UserMessage("The plan is invalid: "+err.Error()+
					"\nEmit a corrected plan."))
				entry.Observation = "invalid plan: " + err.Error()
				trace = append(trace, entry)
				continue
			}
			if turn.Action != nil {
				entry.Action = turn.Action.Tool
				entry.ActionArgs = string(turn.Action.Args)
				obs := s.act(ctx, turn.Action.Tool, turn.Action.Args)
				entry.Observation = obs
				trace = append(trace, entry)
				messages = append(messages, UserMessage("OBSERVATION:\n"+truncateRunes(obs, reactObservationLimit)))
				continue
			}
		}
		trace = append(trace, entry)
		messages = append(messages, UserMessage(
			`Respond with a single JSON object: either {"action": {"tool": "...", "args": {...}}} to gather information, or {"plan": {"steps": [...]}} with the final plan.`))
	}
	return nil, trace, false
}

// act executes one research tool call during planning.
func (s *Supervisor) act(ctx context.Context, tool string, args json.RawMessage) string {
	if !s.enableResearch || s.tools == nil {
		return "research tools are disabled; emit the plan from what you know"
	}
	res, err := s.tools.Execute(ctx, tool, args)
	if err != nil {
		return "tool failed: " + err.Error()
	}
	if res.Error != "" {
		return "tool error: " + res.Error
	}
	return res.Content
}

// validatePlan normalizes model-emitted steps: ids are assigned where
// missing, roles resolve through the catalog, and dependencies must point
// at earlier steps so the plan is acyclic by construction.
func (s *Supervisor) validatePlan(steps []PlannedStep) ([]PlannedStep, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	seen := make(map[string]bool, len(steps))
	out := make([]PlannedStep, 0, len(steps))
	for i, ps := range steps {
		if ps.ID == "" {
			ps.ID = fmt.Sprintf("step_%d", i+1)
		}
		if seen[ps.ID] {
			return nil, fmt.Errorf("duplicate step id %q", ps.ID)
		}
		if strings.TrimSpace(ps.Description) == "" {
			return nil, fmt.Errorf("step %q has no description", ps.ID)
		}
		if ps.Name == "" {
			ps.Name = ps.ID
		}
		if !s.catalog.Has(ps.Role) {
			s.logger.Warn("unknown role in plan, assigning researcher", "role", string(ps.Role))
			ps.Role = RoleResearcher
		}
		for _, dep := range ps.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("step %q depends on %q which is not an earlier step", ps.ID, dep)
			}
		}
		seen[ps.ID] = true
		out = append(out, ps)
	}
	return out, nil
}

func (s *Supervisor) planInstructions() string {
	var b strings.Builder
	b.WriteString(`Plan how a team of specialist agents should execute the task.
Reason inside [THINKING]...[/THINKING] markers. After reasoning, respond
with a single JSON object:
  {"action": {"tool": "<name>", "args": {...}}}   to gather information first, or
  {"plan": {"steps": [{"id": "step_1", "name": "...", "description": "...", "role": "<role>", "expected_output": "...", "depends_on": []}]}}

Rules:
- Use only these roles: `)
	roles := s.catalog.Roles()
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		if r != RoleSupervisor && r != RoleQualityChecker {
			names = append(names, string(r))
		}
	}
	b.WriteString(strings.Join(names, ", "))
	b.WriteString(`
- depends_on may only reference earlier steps.
- Steps with no dependency between them run in parallel; exploit that.
- Each description must be self-contained: the agent sees only it and the
  outputs of its dependencies.`)
	if s.enableResearch && s.tools != nil {
		if defs := s.tools.Definitions(); len(defs) > 0 {
			b.WriteString("\n\nResearch tools available via action:\n")
			for _, d := range defs {
				fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
			}
		}
	}
	return b.String()
}

func (s *Supervisor) planPrompt(task Task, triage triageResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n", task.Content)
	b.WriteString(describeFiles(task.Files))
	if triage.RefinedTask != "" {
		fmt.Fprintf(&b, "\nRefined: %s\n", triage.RefinedTask)
	}
	if len(triage.KeyObjectives) > 0 {
		b.WriteString("Objectives:\n")
		for _, o := range triage.KeyObjectives {
			fmt.Fprintf(&b, "- %s\n", o)
		}
	}
	if task.OutputType != OutputAuto && task.OutputType != "" {
		fmt.Fprintf(&b, "\nRequested final output type: %s\n", task.OutputType)
	}
	return b.String()
}

func (s *Supervisor) stream(taskID, delta, buffer, kind string) {
	if s.bus == nil || delta == "" {
		return
	}
	s.bus.Publish(taskID, EventAgentStream, StreamPayload{
		AgentID: s.agentID,
		Delta:   delta,
		Buffer:  buffer,
		Kind:    kind,
	})
}

func (s *Supervisor) taskLog(taskID, level, msg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(taskID, EventTaskLog, LogPayload{Level: level, Message: msg, AgentID: s.agentID})
}

// describeFiles renders task attachments for prompts.
func describeFiles(files []TaskFile) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nAttached files (readable via the read_file tool):\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s (%s, id %s)\n", f.Name, f.Mime, f.ID)
	}
	return b.String()
}
