package openaicompat

import (
	"encoding/json"

	ensemble "github.com/nevindra/ensemble"
)

// ParseResponse converts an OpenAI-format ChatResponse to an ensemble
// ChatResponse, extracting content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (ensemble.ChatResponse, error) {
	var out ensemble.ChatResponse
	if len(resp.Choices) == 0 {
		return out, nil
	}
	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = ensemble.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to ensemble ToolCalls.
// OpenAI returns function.arguments as a JSON string; invalid JSON is
// replaced with an empty object so the tool layer sees well-formed args.
func ParseToolCalls(tcs []ToolCallRequest) []ensemble.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]ensemble.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, ensemble.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
