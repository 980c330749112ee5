package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	ensemble "github.com/nevindra/ensemble"
)

// StreamSSE reads an SSE stream from body, forwards text deltas to sink,
// and returns the fully accumulated response (content + tool calls +
// usage).
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, sink ensemble.StreamSink) (ensemble.ChatResponse, error) {
	if sink == nil {
		sink = ensemble.NopSink
	}
	scanner := bufio.NewScanner(body)
	// Large SSE payloads exceed the default 64 KiB token limit.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var usage ensemble.Usage

	// OpenAI streams tool calls incrementally: each chunk carries an
	// index, and arguments arrive as string fragments. Args is a byte
	// slice, not a strings.Builder: the slice below grows by append and
	// copying a non-empty Builder panics.
	type partialToolCall struct {
		ID   string
		Name string
		Args []byte
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return ensemble.ChatResponse{}, err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue // usage-only chunk
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			sink.Delta(delta.Content, fullContent.String())
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args = append(toolCalls[idx].Args, tc.Function.Arguments...)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return ensemble.ChatResponse{}, err
	}

	var calls []ensemble.ToolCall
	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, ensemble.ToolCall{ID: tc.ID, Name: tc.Name, Args: args})
	}

	return ensemble.ChatResponse{
		Content:   fullContent.String(),
		ToolCalls: calls,
		Usage:     usage,
	}, nil
}
