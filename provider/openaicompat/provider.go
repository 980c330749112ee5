package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	ensemble "github.com/nevindra/ensemble"
)

// Provider implements ensemble.Provider for any OpenAI-compatible API.
type Provider struct {
	apiKey  string
	model   string // default model when the request does not name one
	baseURL string
	client  *http.Client
	name    string
	headers map[string]string
}

// Option configures a Provider.
type Option func(*Provider)

// WithName sets the provider name used in logs and errors (default
// "openai").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the HTTP client (timeouts, proxies, test doubles).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithHeader adds a header to every request. Some gateways require extra
// routing or attribution headers.
func WithHeader(key, value string) Option {
	return func(p *Provider) {
		if p.headers == nil {
			p.headers = make(map[string]string)
		}
		p.headers[key] = value
	}
}

// New creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically. model is the default model for requests that do not set
// one.
func New(baseURL, apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete
// response. When req.Tools is non-empty, the response may contain
// ToolCalls.
func (p *Provider) Chat(ctx context.Context, req ensemble.ChatRequest) (ensemble.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, p.buildBody(req))
	if err != nil {
		return ensemble.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ensemble.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return ensemble.ChatResponse{}, &ensemble.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return ParseResponse(chatResp)
}

// ChatStream sends a streaming request, forwarding text deltas to sink,
// and returns the fully accumulated response.
func (p *Provider) ChatStream(ctx context.Context, req ensemble.ChatRequest, sink ensemble.StreamSink) (ensemble.ChatResponse, error) {
	body := p.buildBody(req)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return ensemble.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ensemble.ChatResponse{}, p.httpErr(resp)
	}
	return StreamSSE(ctx, resp.Body, sink)
}

// buildBody converts an ensemble request to the wire format.
func (p *Provider) buildBody(req ensemble.ChatRequest) ChatRequest {
	body := ChatRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if body.Model == "" {
		body.Model = p.model
	}
	if req.Temperature != 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	for _, m := range req.Messages {
		msg := Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCallRequest{
				ID:       tc.ID,
				Type:     "function",
				Function: FunctionCall{Name: tc.Name, Arguments: string(tc.Args)},
			})
		}
		body.Messages = append(body.Messages, msg)
	}
	for _, d := range req.Tools {
		body.Tools = append(body.Tools, Tool{
			Type: "function",
			Function: Function{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return body
}

// sendHTTP marshals the body and posts it to the chat completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &ensemble.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &ensemble.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}
	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry
// middleware. Parses the Retry-After header when present (429/503).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &ensemble.ErrHTTP{
		Provider:   p.name,
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: ensemble.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ ensemble.Provider = (*Provider)(nil)
