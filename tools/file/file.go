// Package file provides the read_file tool: sandboxed read access to a
// workspace directory holding task attachments, with text extraction for
// PDF documents.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ledongthuc/pdf"
	ensemble "github.com/nevindra/ensemble"
)

const readRuneLimit = 16_000

// Tool provides file reads within a workspace directory. Task attachments
// registered via Attach are addressable by their file id as well as by
// path.
type Tool struct {
	workspace string

	mu          sync.RWMutex
	attachments map[string]string // file id -> path relative to workspace
}

// New creates a read_file tool restricted to workspace.
func New(workspace string) *Tool {
	return &Tool{
		workspace:   workspace,
		attachments: make(map[string]string),
	}
}

// Attach registers task attachments so agents can read them by id. The
// URL of each file must be a path under the workspace.
func (t *Tool) Attach(files []ensemble.TaskFile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range files {
		if f.ID != "" && f.URL != "" {
			t.attachments[f.ID] = f.URL
		}
	}
}

func (t *Tool) Definitions() []ensemble.ToolDefinition {
	return []ensemble.ToolDefinition{{
		Name:        "read_file",
		Description: "Read an attached or workspace file. PDF files return their extracted text. Pass a file id from the task attachments or a workspace-relative path.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File id or workspace-relative path"}},"required":["path"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (ensemble.ToolResult, error) {
	if name != "read_file" {
		return ensemble.ToolResult{Error: "unknown file tool: " + name}, nil
	}
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ensemble.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Path == "" {
		return ensemble.ToolResult{Error: "path is required"}, nil
	}

	resolved, err := t.resolve(params.Path)
	if err != nil {
		return ensemble.ToolResult{Error: err.Error()}, nil
	}
	content, err := t.read(resolved)
	if err != nil {
		return ensemble.ToolResult{Error: err.Error()}, nil
	}
	return ensemble.ToolResult{Content: content}, nil
}

// resolve maps a file id or relative path to an absolute path inside the
// workspace, rejecting traversal.
func (t *Tool) resolve(path string) (string, error) {
	t.mu.RLock()
	if mapped, ok := t.attachments[path]; ok {
		path = mapped
	}
	t.mu.RUnlock()

	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(t.workspace, path)
	if !strings.HasPrefix(resolved, filepath.Clean(t.workspace)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func (t *Tool) read(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return t.readPDF(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}
	return clip(string(data)), nil
}

// readPDF extracts plain text from a PDF file.
func (t *Tool) readPDF(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	text := strings.TrimSpace(buf.String())
	if text == "" {
		return "", fmt.Errorf("pdf contains no extractable text (scanned image?)")
	}
	return clip(text), nil
}

func clip(s string) string {
	runes := []rune(s)
	if len(runes) <= readRuneLimit {
		return s
	}
	return string(runes[:readRuneLimit]) + "\n… (truncated)"
}

var _ ensemble.Tool = (*Tool)(nil)
