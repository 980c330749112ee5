package ensemble

import (
	"context"
	"testing"
	"time"
)

func TestWithRateLimitRPMAllowsWithinLimit(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a"}},
		{resp: ChatResponse{Content: "b"}},
	}}
	p := WithRateLimit(stub, RPM(60))

	resp, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "a" {
		t.Errorf("got %q, want %q", resp.Content, "a")
	}
}

func TestWithRateLimitRPMBlocksWhenExceeded(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a"}},
		{resp: ChatResponse{Content: "b"}},
	}}
	// RPM(1) = 1 request per minute. Second call should block.
	p := WithRateLimit(stub, RPM(1))

	_, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}

	// Second call with a short-lived context should time out.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Chat(ctx, ChatRequest{})
	if err == nil {
		t.Fatal("expected context deadline exceeded, got nil")
	}
}

func TestWithRateLimitName(t *testing.T) {
	stub := &stubProvider{}
	p := WithRateLimit(stub, RPM(10))
	if p.Name() != "stub" {
		t.Errorf("Name() = %q, want %q", p.Name(), "stub")
	}
}

func TestWithRateLimitTPMAllowsWithinLimit(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a", Usage: Usage{PromptTokens: 100, CompletionTokens: 50}}},
		{resp: ChatResponse{Content: "b", Usage: Usage{PromptTokens: 100, CompletionTokens: 50}}},
	}}
	p := WithRateLimit(stub, TPM(1000))

	// First call: 150 tokens, well within 1000 TPM.
	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}
	// Second call: 300 total, still within 1000.
	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}
	if stub.callCount() != 2 {
		t.Errorf("got %d calls, want 2", stub.callCount())
	}
}

func TestWithRateLimitTPMBlocksWhenExceeded(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a", Usage: Usage{PromptTokens: 500, CompletionTokens: 500}}},
		{resp: ChatResponse{Content: "b", Usage: Usage{PromptTokens: 100, CompletionTokens: 100}}},
	}}
	// TPM(1000). First call uses 1000 tokens = at limit.
	p := WithRateLimit(stub, TPM(1000))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}

	// Second call should block (1000 tokens already used in this minute).
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Chat(ctx, ChatRequest{})
	if err == nil {
		t.Fatal("expected context deadline exceeded, got nil")
	}
}

func TestWithRateLimitRPMAndTPM(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a", Usage: Usage{PromptTokens: 10, CompletionTokens: 10}}},
		{resp: ChatResponse{Content: "b", Usage: Usage{PromptTokens: 10, CompletionTokens: 10}}},
	}}
	// RPM high, TPM low. TPM is the bottleneck after the first call.
	p := WithRateLimit(stub, RPM(100), TPM(20))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Chat(ctx, ChatRequest{})
	if err == nil {
		t.Fatal("expected timeout due to TPM limit")
	}
}

func TestWithRateLimitChatStream(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{tokens: []string{"hel", "lo"}, resp: ChatResponse{Content: "hello", Usage: Usage{PromptTokens: 30, CompletionTokens: 20}}},
	}}
	p := WithRateLimit(stub, RPM(60), TPM(1000))

	var got string
	resp, err := p.ChatStream(context.Background(), ChatRequest{}, SinkFunc(func(delta, _ string) {
		got += delta
	}))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello" {
		t.Errorf("got %q, want %q", resp.Content, "hello")
	}
	if got != "hello" {
		t.Errorf("streamed %q, want %q", got, "hello")
	}
}
