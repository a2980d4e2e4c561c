package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DecodeLLMJSON decodes model output into target. Models often wrap the
// object in a markdown fence or a sentence of prose, so when the content is
// not valid JSON as-is the outermost object or array is cut out and retried.
func DecodeLLMJSON(content string, target any) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return errors.New("empty payload")
	}
	err := json.Unmarshal([]byte(content), target)
	if err == nil {
		return nil
	}
	inner := extractJSON(content)
	if inner == "" || inner == content {
		return fmt.Errorf("%w (payload: %s)", err, snippet(content))
	}
	if err := json.Unmarshal([]byte(inner), target); err != nil {
		return fmt.Errorf("%w (extracted: %s)", err, snippet(inner))
	}
	return nil
}

func extractJSON(content string) string {
	content = unfence(content)
	if content == "" || content[0] == '{' || content[0] == '[' {
		return content
	}
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(content, pair[0])
		end := strings.LastIndex(content, pair[1])
		if start >= 0 && end > start {
			return strings.TrimSpace(content[start : end+1])
		}
	}
	return content
}

func unfence(content string) string {
	content = strings.TrimSpace(content)
	body, ok := strings.CutPrefix(content, "```")
	if !ok {
		return content
	}
	body = strings.TrimLeft(body, " \t\r\n")
	if len(body) >= 4 && strings.EqualFold(body[:4], "json") {
		body = body[4:]
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}

// snippet flattens whitespace and truncates to 160 runes for error messages.
func snippet(content string) string {
	flat := strings.Join(strings.Fields(content), " ")
	if flat == "" {
		return "<empty>"
	}
	if runes := []rune(flat); len(runes) > 160 {
		return string(runes[:160]) + "..."
	}
	return flat
}
