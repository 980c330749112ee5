// Package browser provides web access tools: web_search over the Brave
// API and sandbox_browser, a page fetcher with readability extraction.
// sandbox_browser doubles as the fallback search/browse tool injected for
// models without native web access.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"
	ensemble "github.com/nevindra/ensemble"
)

const (
	fetchTimeout   = 8 * time.Second
	fetchBodyLimit = 512 << 10 // bytes read per page
	pageRuneLimit  = 8_000     // extracted text per page in results
	userAgent      = "Mozilla/5.0 (compatible; EnsembleBot/1.0)"
)

// Tool implements web_search and sandbox_browser.
type Tool struct {
	braveAPIKey string
	client      *http.Client
	searchURL   string // overridable for tests
}

// Option configures the browser tool.
type Option func(*Tool)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// WithSearchURL overrides the Brave search endpoint.
func WithSearchURL(u string) Option {
	return func(t *Tool) { t.searchURL = u }
}

// New creates the browser tool. braveAPIKey may be empty, in which case
// web_search reports that search is unconfigured while sandbox_browser
// still fetches pages.
func New(braveAPIKey string, opts ...Option) *Tool {
	t := &Tool{
		braveAPIKey: braveAPIKey,
		client:      &http.Client{Timeout: 10 * time.Second},
		searchURL:   "https://api.search.brave.com/res/v1/web/search",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Definitions() []ensemble.ToolDefinition {
	return []ensemble.ToolDefinition{
		{
			Name:        "web_search",
			Description: "Search the web for current information. Use for recent events, news, prices, or anything that requires up-to-date data.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query optimized for search engines"}},"required":["query"]}`),
		},
		{
			Name:        "sandbox_browser",
			Description: "Fetch a web page and return its readable text content. Use to read a specific URL in depth.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"Absolute http(s) URL to fetch"}},"required":["url"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (ensemble.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ensemble.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	switch name {
	case "web_search":
		if params.Query == "" {
			return ensemble.ToolResult{Error: "query is required"}, nil
		}
		content, err := t.Search(ctx, params.Query)
		if err != nil {
			return ensemble.ToolResult{Error: err.Error()}, nil
		}
		return ensemble.ToolResult{Content: content}, nil
	case "sandbox_browser":
		if params.URL == "" {
			return ensemble.ToolResult{Error: "url is required"}, nil
		}
		content, err := t.Browse(ctx, params.URL)
		if err != nil {
			return ensemble.ToolResult{Error: err.Error()}, nil
		}
		return ensemble.ToolResult{Content: content}, nil
	default:
		return ensemble.ToolResult{Error: "unknown browser tool: " + name}, nil
	}
}

type searchResult struct {
	Title   string
	URL     string
	Snippet string
	Content string // extracted page text, may be empty
}

// Search queries Brave, fetches the top results concurrently, and returns
// snippets plus extracted page content with a source list.
func (t *Tool) Search(ctx context.Context, query string) (string, error) {
	if t.braveAPIKey == "" {
		return "", fmt.Errorf("web search is not configured (missing API key); use sandbox_browser with a known URL instead")
	}
	results, err := t.braveSearch(ctx, query, 8)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query), nil
	}
	t.fetchAll(ctx, results)

	var out strings.Builder
	for i, r := range results {
		fmt.Fprintf(&out, "[%d] %s\n%s\n", i+1, r.Title, r.Snippet)
		if r.Content != "" {
			fmt.Fprintf(&out, "%s\n", r.Content)
		}
		out.WriteString("\n")
	}
	out.WriteString("Sources:\n")
	for _, r := range results {
		fmt.Fprintf(&out, "- %s (%s)\n", r.Title, r.URL)
	}
	return out.String(), nil
}

// Browse fetches one page and returns its readable text.
func (t *Tool) Browse(ctx context.Context, pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid url %q", pageURL)
	}
	text, title, err := t.fetchReadable(ctx, pageURL)
	if err != nil {
		return "", err
	}
	if title != "" {
		return fmt.Sprintf("# %s\n\n%s", title, text), nil
	}
	return text, nil
}

func (t *Tool) braveSearch(ctx context.Context, query string, count int) ([]*searchResult, error) {
	u := fmt.Sprintf("%s?q=%s&count=%d", t.searchURL, url.QueryEscape(query), count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.braveAPIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("search API %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("search parse error: %w", err)
	}

	var results []*searchResult
	for _, r := range data.Web.Results {
		results = append(results, &searchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}

// fetchAll extracts readable content for each result concurrently.
// Failures leave Content empty; the snippet still carries the result.
func (t *Tool) fetchAll(ctx context.Context, results []*searchResult) {
	var wg sync.WaitGroup
	for _, r := range results {
		wg.Add(1)
		go func(r *searchResult) {
			defer wg.Done()
			text, _, err := t.fetchReadable(ctx, r.URL)
			if err == nil {
				r.Content = text
			}
		}(r)
	}
	wg.Wait()
}

// fetchReadable downloads a page and extracts its main text with
// readability.
func (t *Tool) fetchReadable(ctx context.Context, pageURL string) (text, title string, err error) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, fetchBodyLimit)
	parsed, err := readability.FromReader(body, resp.Request.URL)
	if err != nil {
		return "", "", fmt.Errorf("extract %s: %w", pageURL, err)
	}
	text = strings.TrimSpace(parsed.TextContent)
	if runes := []rune(text); len(runes) > pageRuneLimit {
		text = string(runes[:pageRuneLimit]) + "\n… (truncated)"
	}
	return text, parsed.Title, nil
}

var _ ensemble.Tool = (*Tool)(nil)
