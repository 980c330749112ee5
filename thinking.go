package ensemble

import "strings"

const (
	thinkOpen  = "[THINKING]"
	thinkClose = "[/THINKING]"
)

// markerSplitter incrementally separates a model's text stream into
// thinking and answer channels using [THINKING]…[/THINKING] markers.
// It tolerates markers split across deltas, a stream that ends inside an
// unclosed thinking block, and nested or unmatched markers (collapsed:
// a repeated open stays in thinking, a stray close is dropped).
type markerSplitter struct {
	thinking bool
	pending  string // stream tail that may be a partial marker
	think    strings.Builder
	answer   strings.Builder
}

// feed consumes one delta and returns the thinking and answer text it
// released. Text held back as a possible partial marker is released by a
// later feed or by flush.
func (m *markerSplitter) feed(delta string) (thinkDelta, answerDelta string) {
	s := m.pending + delta
	m.pending = ""
	var think, answer strings.Builder
	emit := func(text string) {
		if text == "" {
			return
		}
		if m.thinking {
			think.WriteString(text)
			m.think.WriteString(text)
		} else {
			answer.WriteString(text)
			m.answer.WriteString(text)
		}
	}
	for s != "" {
		idx := strings.IndexByte(s, '[')
		if idx < 0 {
			emit(s)
			break
		}
		emit(s[:idx])
		s = s[idx:]
		switch {
		case strings.HasPrefix(s, thinkOpen):
			m.thinking = true
			s = s[len(thinkOpen):]
		case strings.HasPrefix(s, thinkClose):
			m.thinking = false
			s = s[len(thinkClose):]
		case len(s) < len(thinkClose) &&
			(strings.HasPrefix(thinkOpen, s) || strings.HasPrefix(thinkClose, s)):
			// Might be a marker cut off mid-delta; wait for more input.
			m.pending = s
			return think.String(), answer.String()
		default:
			emit(s[:1])
			s = s[1:]
		}
	}
	return think.String(), answer.String()
}

// flush releases any held-back tail at end of stream and returns it.
func (m *markerSplitter) flush() (thinkDelta, answerDelta string) {
	if m.pending == "" {
		return "", ""
	}
	tail := m.pending
	m.pending = ""
	if m.thinking {
		m.think.WriteString(tail)
		return tail, ""
	}
	m.answer.WriteString(tail)
	return "", tail
}

// thinkingText returns all thinking text seen so far.
func (m *markerSplitter) thinkingText() string { return m.think.String() }

// answerText returns all answer text seen so far.
func (m *markerSplitter) answerText() string { return m.answer.String() }

// splitThinking separates a complete string into its thinking and answer
// parts in one call.
func splitThinking(s string) (thinking, answer string) {
	var m markerSplitter
	m.feed(s)
	m.flush()
	return m.thinkingText(), m.answerText()
}

// stripThinking removes thinking blocks, returning only the answer text.
func stripThinking(s string) string {
	_, answer := splitThinking(s)
	return strings.TrimSpace(answer)
}
