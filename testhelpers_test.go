package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

// stubResult is one scripted provider turn.
type stubResult struct {
	tokens []string // streamed before resp (ChatStream only)
	resp   ChatResponse
	err    error
}

// stubProvider replays scripted results in order. The last result repeats
// once the script is exhausted. Safe for concurrent use; requests are
// recorded for assertions.
type stubProvider struct {
	mu      sync.Mutex
	results []stubResult
	calls   int
	reqs    []ChatRequest
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) next(req ChatRequest) stubResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	idx := s.calls
	s.calls++
	if len(s.results) == 0 {
		return stubResult{}
	}
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	return s.results[idx]
}

func (s *stubProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	r := s.next(req)
	return r.resp, r.err
}

func (s *stubProvider) ChatStream(_ context.Context, req ChatRequest, sink StreamSink) (ChatResponse, error) {
	r := s.next(req)
	if sink == nil {
		sink = NopSink
	}
	var buffer string
	for _, tok := range r.tokens {
		buffer += tok
		sink.Delta(tok, buffer)
	}
	return r.resp, r.err
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// roleProvider answers per role keyword found in the system prompt. Used
// by scheduler and engine tests where several agents run concurrently.
type roleProvider struct {
	mu      sync.Mutex
	answers map[string]string // substring of system prompt -> content
	deflt   string
	calls   []ChatRequest
}

func (p *roleProvider) Name() string { return "roles" }

func (p *roleProvider) pick(req ChatRequest) ChatResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	var system string
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = m.Content
			break
		}
	}
	for key, content := range p.answers {
		if key != "" && strings.Contains(strings.ToLower(system), strings.ToLower(key)) {
			return ChatResponse{Content: content}
		}
	}
	return ChatResponse{Content: p.deflt}
}

func (p *roleProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	return p.pick(req), nil
}

func (p *roleProvider) ChatStream(_ context.Context, req ChatRequest, sink StreamSink) (ChatResponse, error) {
	resp := p.pick(req)
	if sink == nil {
		sink = NopSink
	}
	if resp.Content != "" {
		sink.Delta(resp.Content, resp.Content)
	}
	return resp, nil
}

// --- Tool mocks ---

type mockTool struct{}

func (m mockTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "greet", Description: "Say hello"}}
}

func (m mockTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "hello from " + name}, nil
}

type errTool struct{}

func (e errTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "fail", Description: "Always fails"}}
}
func (e errTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{}, errors.New("tool broken")
}

// --- Flow helpers ---

// planSteps builds a minimal step list for flow tests.
func planSteps(specs ...[2]string) []Step {
	var steps []Step
	for i, sp := range specs {
		step := Step{
			ID:          sp[0],
			Name:        sp[0],
			Role:        RoleResearcher,
			Description: "do " + sp[0],
			Number:      i + 1,
		}
		if sp[1] != "" {
			step.DependsOn = strings.Split(sp[1], ",")
		}
		steps = append(steps, step)
	}
	return steps
}
