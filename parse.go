package ensemble

import (
	"encoding/json"
	"strings"
)

// extractJSON pulls the first complete JSON object or array out of model
// text. Models wrap JSON in prose and code fences; this scans for the
// first balanced {...} or [...] that parses, respecting strings and
// escapes. Returns false when no valid JSON value is found.
func extractJSON(s string) (json.RawMessage, bool) {
	s = stripFences(s)
	for start := 0; start < len(s); start++ {
		open := s[start]
		if open != '{' && open != '[' {
			continue
		}
		closeByte := byte('}')
		if open == '[' {
			closeByte = ']'
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			c := s[i]
			switch {
			case escaped:
				escaped = false
			case inString && c == '\\':
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == open:
				depth++
			case c == closeByte:
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if json.Valid([]byte(candidate)) {
						return json.RawMessage(candidate), true
					}
					i = len(s) // malformed; try the next opener
				}
			}
		}
	}
	return nil, false
}

// stripFences removes markdown code fences so fenced JSON parses.
func stripFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// decodeJSON extracts and unmarshals the first JSON value in model text.
func decodeJSON(s string, v any) bool {
	raw, ok := extractJSON(s)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// truncateRunes caps s at n runes, appending a truncation note when cut.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "\n…[truncated]"
}
