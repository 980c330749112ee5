package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle state of an agent instance.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentDone    AgentStatus = "done"
	AgentFailed  AgentStatus = "failed"
)

// AgentInstance is the observable identity of one spawned agent: who it
// is, what it is working on, and where it stands. Carried on agent_*
// events.
type AgentInstance struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Role      Role        `json:"role"`
	Status    AgentStatus `json:"status"`
	StepID    string      `json:"step_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

const (
	// maxToolTurns bounds the model round-trips one step may spend on tool
	// calls before the agent is forced to synthesize an answer.
	maxToolTurns = 20
	// maxToolResultLen caps a single tool result fed back to the model.
	maxToolResultLen = 100_000
)

// subAgent executes one step at a time: it builds the role prompt, runs
// the model loop with tool dispatch, streams tokens to the bus, and
// returns the final text.
type subAgent struct {
	inst     AgentInstance
	tmpl     RoleTemplate
	provider Provider
	tools    *ToolRegistry
	budget   *toolBudget
	bus      *EventBus
	logger   *slog.Logger
	tracer   Tracer
	taskID   string
}

func newSubAgent(taskID string, tmpl RoleTemplate, p Provider, tools *ToolRegistry, budget *toolBudget, bus *EventBus, logger *slog.Logger, tracer Tracer) *subAgent {
	if logger == nil {
		logger = nopLogger
	}
	return &subAgent{
		inst: AgentInstance{
			ID:        string(tmpl.Role) + "-" + uuid.NewString()[:8],
			Name:      tmpl.Name,
			Role:      tmpl.Role,
			Status:    AgentIdle,
			CreatedAt: time.Now().UTC(),
		},
		tmpl:     tmpl,
		provider: p,
		tools:    tools,
		budget:   budget,
		bus:      bus,
		logger:   logger,
		tracer:   tracer,
		taskID:   taskID,
	}
}

// run executes one step and returns its final output. depContext is the
// rendered output of the step's dependencies. Errors come back classified
// (use KindOf); transport retries happen below in the provider stack.
func (a *subAgent) run(ctx context.Context, step Step, depContext string) (string, Usage, error) {
	ctx, span := startSpan(a.tracer, ctx, "ensemble.step",
		StringAttr("step_id", step.ID), StringAttr("role", string(step.Role)), StringAttr("agent_id", a.inst.ID))
	defer span.End()

	var usage Usage
	defs := a.tools.DefinitionsFor(a.tmpl.Tools)
	messages := []ChatMessage{
		SystemMessage(a.systemPrompt()),
		UserMessage(a.stepPrompt(step, depContext)),
	}

	for turn := 0; turn <= maxToolTurns; turn++ {
		req := ChatRequest{
			Model:       a.tmpl.Model,
			Temperature: a.tmpl.Temperature,
			Messages:    messages,
			Tools:       defs,
		}
		if turn == maxToolTurns {
			// Out of tool turns; force a plain completion.
			req.Tools = nil
			messages = append(messages, UserMessage(
				"Stop calling tools. Synthesize your final answer from what you have."))
			req.Messages = messages
		}

		if turn > 0 {
			// A follow-up turn supersedes whatever the previous turn
			// streamed; observers may discard the visible buffer.
			a.publish(EventAgentStreamClear, StreamPayload{AgentID: a.inst.ID, StepID: step.ID})
		}
		splitter := &markerSplitter{}
		sink := SinkFunc(func(delta, _ string) {
			think, answer := splitter.feed(delta)
			a.stream(step.ID, think, splitter.thinkingText(), "thinking")
			a.stream(step.ID, answer, splitter.answerText(), "answer")
		})
		resp, err := a.provider.ChatStream(ctx, req, sink)
		if err != nil {
			span.Error(err)
			return "", usage, NewStepError(KindOf(err), err)
		}
		splitter.flush()
		usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 || turn == maxToolTurns {
			final := strings.TrimSpace(splitter.answerText())
			if final == "" {
				final = stripThinking(resp.Content)
			}
			// The attempt is over either way; the buffer has served its
			// purpose. Exactly one clear per attempt.
			a.publish(EventAgentStreamClear, StreamPayload{AgentID: a.inst.ID, StepID: step.ID})
			if err := a.validateOutput(final); err != nil {
				span.Error(err)
				return "", usage, err
			}
			span.SetAttr(IntAttr("turns", turn+1), IntAttr("output_runes", len([]rune(final))))
			return final, usage, nil
		}

		messages = append(messages, ChatMessage{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result, err := a.callTool(ctx, step.ID, call)
			if err != nil {
				span.Error(err)
				return "", usage, err
			}
			messages = append(messages, ToolMessage(call.ID, result))
		}
	}
	// Unreachable; the turn == maxToolTurns branch above always returns.
	return "", usage, Errorf(ErrKindInvalidOutput, "step %s produced no output", step.ID)
}

// callTool dispatches one model-requested tool call. Handler errors come
// back as text for the model to react to; only budget exhaustion is fatal
// to the step.
func (a *subAgent) callTool(ctx context.Context, stepID string, call ToolCall) (result string, fatal error) {
	if !a.budget.take() {
		a.log(stepID, "error", fmt.Sprintf("tool budget exhausted before %s", call.Name))
		return "", Errorf(ErrKindToolBudgetExhausted, "tool budget exhausted before %s call", call.Name)
	}
	a.log(stepID, "info", fmt.Sprintf("calling tool %s", call.Name))
	defer func() {
		if r := recover(); r != nil {
			// A panicking handler must not take the scheduler down.
			a.logger.Error("tool handler panicked", "tool", call.Name, "panic", r)
			result = fmt.Sprintf("error: tool %s panicked: %v", call.Name, r)
		}
	}()
	res, err := a.tools.Execute(ctx, call.Name, call.Args)
	if err != nil {
		if ctx.Err() != nil {
			return "", NewStepError(KindOf(ctx.Err()), ctx.Err())
		}
		a.log(stepID, "warning", fmt.Sprintf("tool %s failed: %v", call.Name, err))
		return fmt.Sprintf("error: %v", err), nil
	}
	if res.Error != "" {
		a.log(stepID, "warning", fmt.Sprintf("tool %s: %s", call.Name, res.Error))
		return "error: " + res.Error, nil
	}
	return truncateRunes(res.Content, maxToolResultLen), nil
}

// validateOutput enforces the role's output contract. Roles that declare
// a structured output must produce parseable JSON.
func (a *subAgent) validateOutput(out string) error {
	if out == "" {
		return Errorf(ErrKindInvalidOutput, "empty output")
	}
	if a.tmpl.Output == OutputDataset {
		if _, ok := extractJSON(out); !ok {
			return Errorf(ErrKindInvalidOutput, "dataset role produced no parseable JSON")
		}
	}
	return nil
}

func (a *subAgent) systemPrompt() string {
	var b strings.Builder
	b.WriteString(a.tmpl.SystemPrompt)
	b.WriteString("\n\nYou are working on one step of a larger plan. ")
	b.WriteString("Deliver exactly what the step asks for; other agents handle the rest. ")
	b.WriteString("You may reason inside [THINKING]...[/THINKING] markers; everything outside the markers is your deliverable.")
	return b.String()
}

func (a *subAgent) stepPrompt(step Step, depContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step: %s\n\n%s\n", step.Name, step.Description)
	if step.ExpectedOutput != "" {
		fmt.Fprintf(&b, "\nExpected output: %s\n", step.ExpectedOutput)
	}
	if depContext != "" {
		limit := a.tmpl.ContextLimit
		if limit <= 0 {
			limit = defaultContextLimit
		}
		fmt.Fprintf(&b, "\nResults from the steps you depend on:\n%s\n", truncateRunes(depContext, limit))
	}
	return b.String()
}

func (a *subAgent) stream(stepID, delta, buffer, kind string) {
	if delta == "" {
		return
	}
	a.publish(EventAgentStream, StreamPayload{
		AgentID: a.inst.ID,
		StepID:  stepID,
		Delta:   delta,
		Buffer:  buffer,
		Kind:    kind,
	})
}

func (a *subAgent) log(stepID, level, msg string) {
	a.publish(EventAgentLog, LogPayload{
		Level:   level,
		Message: msg,
		StepID:  stepID,
		AgentID: a.inst.ID,
	})
}

func (a *subAgent) publish(typ EventType, data any) {
	if a.bus != nil {
		a.bus.Publish(a.taskID, typ, data)
	}
}
