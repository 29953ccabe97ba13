package llm

import "strings"

// StripThinkingTags removes <think>...</think> reasoning blocks that some
// local models emit before the answer. An unclosed block runs to the end.
func StripThinkingTags(s string) string {
	var b strings.Builder
	for {
		before, rest, found := strings.Cut(s, "<think>")
		b.WriteString(before)
		if !found {
			break
		}
		_, after, closed := strings.Cut(rest, "</think>")
		if !closed {
			break
		}
		s = after
	}
	return strings.TrimSpace(b.String())
}

// StripMarkdownFences removes the outermost ``` fence pair from LLM output,
// after stripping thinking tags.
func StripMarkdownFences(s string) string {
	s = StripThinkingTags(s)
	lines := strings.Split(s, "\n")

	start := 0
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			start = i + 1
			break
		}
	}
	end := len(lines)
	for i := len(lines) - 1; i >= start; i-- {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
			end = i
			break
		}
	}
	if start == 0 && end == len(lines) {
		return s
	}
	return strings.TrimSpace(strings.Join(lines[start:end], "\n"))
}

// ExtractJSONObject returns the outermost {...} span of s after removing
// thinking tags and fences. Models often wrap the object in prose.
func ExtractJSONObject(s string) (string, bool) {
	s = StripMarkdownFences(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
