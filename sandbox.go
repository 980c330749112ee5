package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CodeRunner executes model-written code in a sandboxed environment.
// Implementations control the runtime; the sandbox package provides a
// Docker-backed runner.
type CodeRunner interface {
	// Run executes code and returns the result. Execution failures that
	// the model should see (syntax error, nonzero exit) come back in the
	// result; the error return is for sandbox infrastructure failures.
	Run(ctx context.Context, req CodeRequest) (CodeResult, error)
	// Close releases sandbox resources (containers, sessions).
	Close(ctx context.Context) error
}

// CodeRequest is the input to CodeRunner.Run.
type CodeRequest struct {
	// Code is the source code to execute.
	Code string `json:"code"`
	// Runtime selects the execution environment ("python", "node").
	// Empty defaults to "python".
	Runtime string `json:"runtime,omitempty"`
	// Timeout is the maximum execution duration. Zero means runner default.
	Timeout time.Duration `json:"-"`
	// SessionID enables workspace persistence across executions within a
	// task. Empty = isolated per execution.
	SessionID string `json:"session_id,omitempty"`
	// Files are placed in the workspace before execution.
	Files []CodeFile `json:"files,omitempty"`
}

// CodeResult is the output of CodeRunner.Run.
type CodeResult struct {
	// Stdout is the process standard output.
	Stdout string `json:"stdout"`
	// Stderr is the process standard error.
	Stderr string `json:"stderr,omitempty"`
	// ExitCode is the process exit code (0 = success).
	ExitCode int `json:"exit_code"`
	// Error describes an execution failure (timeout, runtime missing).
	Error string `json:"error,omitempty"`
	// Files are workspace files produced by the code.
	Files []CodeFile `json:"files,omitempty"`
}

// CodeFile is a file transferred in or out of the sandbox workspace.
type CodeFile struct {
	Name string `json:"name"`
	MIME string `json:"mime,omitempty"`
	// Data holds inline file bytes. Tagged json:"-" to avoid
	// double-encoding; the wire format uses base64 in a separate field.
	Data []byte `json:"-"`
	// URL is an alternative to Data: the sandbox downloads via HTTP GET.
	URL string `json:"url,omitempty"`
}

// codeInterpreterParams is the JSON schema of the sandbox_code_interpreter
// tool.
const codeInterpreterParams = `{
  "type": "object",
  "properties": {
    "code": {"type": "string", "description": "Source code to execute"},
    "runtime": {"type": "string", "enum": ["python", "node"], "description": "Execution runtime (default python)"}
  },
  "required": ["code"]
}`

// CodeInterpreterTool exposes a CodeRunner as the sandbox_code_interpreter
// tool. It doubles as the fallback code-execution tool injected for
// models without a native interpreter.
func CodeInterpreterTool(r CodeRunner) Tool {
	def := ToolDefinition{
		Name:        "sandbox_code_interpreter",
		Description: "Execute code in an isolated sandbox and return its output. Use for calculations, data processing, and verifying code.",
		Parameters:  json.RawMessage(codeInterpreterParams),
	}
	return NewTool(def, func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
		var req struct {
			Code    string `json:"code"`
			Runtime string `json:"runtime"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return ToolResult{Error: "invalid arguments: " + err.Error()}, nil
		}
		if req.Code == "" {
			return ToolResult{Error: "code is required"}, nil
		}
		res, err := r.Run(ctx, CodeRequest{Code: req.Code, Runtime: req.Runtime})
		if err != nil {
			return ToolResult{Error: "sandbox unavailable: " + err.Error()}, nil
		}
		if res.Error != "" {
			return ToolResult{Error: res.Error}, nil
		}
		out := res.Stdout
		if res.Stderr != "" {
			out += "\n[stderr]\n" + res.Stderr
		}
		if res.ExitCode != 0 {
			return ToolResult{Content: out, Error: fmt.Sprintf("exit code %d", res.ExitCode)}, nil
		}
		return ToolResult{Content: out}, nil
	})
}
