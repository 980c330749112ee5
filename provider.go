package ensemble

import "context"

// Provider is the model gateway: one completion API, with or without
// incremental streaming. Implementations live under provider/; compose
// cross-cutting behavior with WithRetry, WithFallbackTools, WithLongText.
type Provider interface {
	// Name identifies the provider in logs and error messages.
	Name() string
	// Chat performs one completion and returns the full response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream performs one completion, delivering text deltas to sink as
	// they arrive. The returned response carries the complete content; its
	// text equals the concatenation of the deltas.
	ChatStream(ctx context.Context, req ChatRequest, sink StreamSink) (ChatResponse, error)
}

// StreamSink receives incremental text during a streaming completion.
// Delta is called once per chunk with the new text and the buffer so far.
// Implementations must be fast; they run on the provider's read loop.
type StreamSink interface {
	Delta(delta, buffer string)
}

// SinkFunc adapts a function to StreamSink.
type SinkFunc func(delta, buffer string)

// Delta implements StreamSink.
func (f SinkFunc) Delta(delta, buffer string) { f(delta, buffer) }

// NopSink discards all deltas. Useful when only the final response matters.
var NopSink StreamSink = SinkFunc(func(string, string) {})

// fallbackToolProvider appends a fixed set of tool definitions to every
// tools-bearing request, so models without native search or code execution
// still see the sandbox equivalents. Definitions already present by name
// are not duplicated, and requests with no tools at all pass through
// unchanged (plain completions stay plain).
type fallbackToolProvider struct {
	inner Provider
	defs  []ToolDefinition
}

// WithFallbackTools wraps p so that defs are offered on every request that
// already carries tools. The orchestration core stays model-agnostic; wire
// this at engine construction when a sandbox or browser tool is available.
func WithFallbackTools(p Provider, defs ...ToolDefinition) Provider {
	return &fallbackToolProvider{inner: p, defs: defs}
}

func (f *fallbackToolProvider) Name() string { return f.inner.Name() }

func (f *fallbackToolProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return f.inner.Chat(ctx, f.inject(req))
}

func (f *fallbackToolProvider) ChatStream(ctx context.Context, req ChatRequest, sink StreamSink) (ChatResponse, error) {
	return f.inner.ChatStream(ctx, f.inject(req), sink)
}

func (f *fallbackToolProvider) inject(req ChatRequest) ChatRequest {
	if len(req.Tools) == 0 {
		return req
	}
	have := make(map[string]bool, len(req.Tools))
	for _, d := range req.Tools {
		have[d.Name] = true
	}
	tools := req.Tools
	for _, d := range f.defs {
		if !have[d.Name] {
			tools = append(tools, d)
		}
	}
	req.Tools = tools
	return req
}

var _ Provider = (*fallbackToolProvider)(nil)
