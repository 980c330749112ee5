package ensemble

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrKind classifies a step or task failure. Kinds are stable strings so
// they survive snapshot serialization and can drive caller policy.
type ErrKind string

const (
	// ErrKindModelTransport covers network and HTTP failures talking to a
	// model provider, after retries are exhausted.
	ErrKindModelTransport ErrKind = "model_transport"
	// ErrKindRateLimit is a provider 429 that survived backoff.
	ErrKindRateLimit ErrKind = "rate_limit"
	// ErrKindTimeout is a per-step or per-task deadline expiry.
	ErrKindTimeout ErrKind = "timeout"
	// ErrKindCancelled is cooperative cancellation by the caller.
	ErrKindCancelled ErrKind = "cancelled"
	// ErrKindToolBudgetExhausted is raised when a step attempts a tool call
	// after the task-wide tool budget hit zero.
	ErrKindToolBudgetExhausted ErrKind = "tool_budget_exhausted"
	// ErrKindToolHandler is a tool handler returning an error. Tool errors
	// normally surface to the model as tool results; this kind appears only
	// when a handler failure terminates the step.
	ErrKindToolHandler ErrKind = "tool_handler_error"
	// ErrKindInvalidOutput is a step output that failed its declared schema.
	ErrKindInvalidOutput ErrKind = "invalid_output"
	// ErrKindPlanUnparseable is a Supervisor answer that could not be turned
	// into a step plan within the iteration budget.
	ErrKindPlanUnparseable ErrKind = "plan_unparseable"
	// ErrKindDependencyUnsatisfied is a step dispatched before all of its
	// dependencies completed. Indicates a scheduler bug, never user error.
	ErrKindDependencyUnsatisfied ErrKind = "dependency_unsatisfied"
	// ErrKindCycleDetected is a plan or insertion that would create a cycle.
	ErrKindCycleDetected ErrKind = "cycle_detected"
)

// StepError wraps a failure with its taxonomy kind. Use Kind to branch on
// policy and errors.Unwrap (or errors.As/Is) for the cause.
type StepError struct {
	Kind ErrKind
	Err  error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// NewStepError wraps err under kind. A nil err yields a bare kinded error.
func NewStepError(kind ErrKind, err error) *StepError {
	return &StepError{Kind: kind, Err: err}
}

// Errorf builds a StepError from a format string.
func Errorf(kind ErrKind, format string, args ...any) *StepError {
	return &StepError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the taxonomy kind of err. Unwrapped context and HTTP
// errors are classified; anything else maps to model_transport, the
// catch-all for failures that reached the caller from the provider side.
func KindOf(err error) ErrKind {
	if err == nil {
		return ""
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrKindCancelled
	}
	var he *ErrHTTP
	if errors.As(err, &he) && he.Status == 429 {
		return ErrKindRateLimit
	}
	return ErrKindModelTransport
}

// ErrLLM is a provider-level failure reported by the model API itself
// (malformed response, refused request, missing choice).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("llm %s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from a provider endpoint. RetryAfter is
// parsed from the Retry-After header when the server sent one.
type ErrHTTP struct {
	Provider   string
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %s: status %d: %s", e.Provider, e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value: either delay seconds
// or an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
