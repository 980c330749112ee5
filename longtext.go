package ensemble

import (
	"context"
	"fmt"
	"log/slog"
)

// Long-text defaults, in runes.
const (
	defaultLongTextLimit = 60_000 // per-message size that triggers compression
	defaultLongTextChunk = 20_000 // chunk size fed to the summarizer
	longTextKeepHead     = 2_000  // verbatim head kept ahead of the summary
)

// longTextProvider compresses oversized message content before it reaches
// the inner provider: any single message above the limit is split into
// chunks, each chunk is summarized with its own model call, and the
// message is replaced by the verbatim head plus the chunk summaries. When
// summarization itself fails the content is truncated instead, so a
// request never fails just for being long.
type longTextProvider struct {
	inner  Provider
	limit  int
	chunk  int
	model  string // summarizer model; empty = provider default
	logger *slog.Logger
}

// LongTextOption configures WithLongText.
type LongTextOption func(*longTextProvider)

// LongTextLimit sets the per-message rune count that triggers compression
// (default 60000).
func LongTextLimit(n int) LongTextOption {
	return func(l *longTextProvider) {
		if n > 0 {
			l.limit = n
		}
	}
}

// LongTextChunk sets the summarizer chunk size in runes (default 20000).
func LongTextChunk(n int) LongTextOption {
	return func(l *longTextProvider) {
		if n > 0 {
			l.chunk = n
		}
	}
}

// LongTextModel routes summarization calls to a specific model.
func LongTextModel(model string) LongTextOption {
	return func(l *longTextProvider) { l.model = model }
}

// LongTextLogger sets the structured logger.
func LongTextLogger(lg *slog.Logger) LongTextOption {
	return func(l *longTextProvider) { l.logger = lg }
}

// WithLongText wraps p with transparent chunk-and-summarize compression of
// oversized message content.
func WithLongText(p Provider, opts ...LongTextOption) Provider {
	l := &longTextProvider{
		inner:  p,
		limit:  defaultLongTextLimit,
		chunk:  defaultLongTextChunk,
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *longTextProvider) Name() string { return l.inner.Name() }

func (l *longTextProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	req.Messages = l.compress(ctx, req.Messages)
	return l.inner.Chat(ctx, req)
}

func (l *longTextProvider) ChatStream(ctx context.Context, req ChatRequest, sink StreamSink) (ChatResponse, error) {
	req.Messages = l.compress(ctx, req.Messages)
	return l.inner.ChatStream(ctx, req, sink)
}

func (l *longTextProvider) compress(ctx context.Context, messages []ChatMessage) []ChatMessage {
	var out []ChatMessage
	changed := false
	for _, m := range messages {
		if m.Role == RoleSystem || len([]rune(m.Content)) <= l.limit {
			out = append(out, m)
			continue
		}
		compressed := m
		compressed.Content = l.summarize(ctx, m.Content)
		out = append(out, compressed)
		changed = true
	}
	if !changed {
		return messages
	}
	return out
}

// summarize reduces content to the verbatim head plus per-chunk summaries.
func (l *longTextProvider) summarize(ctx context.Context, content string) string {
	runes := []rune(content)
	head := string(runes[:longTextKeepHead])
	rest := runes[longTextKeepHead:]

	var summaries string
	for i := 0; i < len(rest); i += l.chunk {
		end := i + l.chunk
		if end > len(rest) {
			end = len(rest)
		}
		part := fmt.Sprintf("part %d", i/l.chunk+1)
		resp, err := l.inner.Chat(ctx, ChatRequest{
			Model: l.model,
			Messages: []ChatMessage{
				SystemMessage("You condense text faithfully. Keep all facts, figures, names, and conclusions; drop repetition and filler."),
				UserMessage("Summarize the following text:\n\n" + string(rest[i:end])),
			},
		})
		if err != nil {
			l.logger.Warn("long-text summarization failed, truncating", "error", err)
			return truncateRunes(content, l.limit)
		}
		summaries += fmt.Sprintf("\n\n[summary of %s]\n%s", part, resp.Content)
	}
	l.logger.Info("compressed long message",
		"original_runes", len(runes), "compressed_runes", len([]rune(head+summaries)))
	return head + "\n\n[remainder summarized]" + summaries
}

var _ Provider = (*longTextProvider)(nil)
