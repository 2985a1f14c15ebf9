// Package repair coerces near-valid JSON returned by language models into a
// parsed value.
package repair

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// SnippetLimit bounds the diagnostic excerpt kept on failure.
const SnippetLimit = 2000

// UnrepairableResponseError is returned when no repair strategy yields valid JSON.
type UnrepairableResponseError struct {
	Snippet string
	Err     error
}

func (e *UnrepairableResponseError) Error() string {
	return fmt.Sprintf("unrepairable model response: %v (snippet: %q)", e.Err, e.Snippet)
}

func (e *UnrepairableResponseError) Unwrap() error { return e.Err }

// Repair parses raw model output. Valid JSON is returned exactly as
// json.Unmarshal would return it. Otherwise the text is unwrapped from any
// surrounding prose, stray backslashes are escaped, and as a last resort all
// backslashes are removed.
func Repair(raw string) (any, error) {
	text := strings.TrimSpace(raw)
	if v, err := parse(text); err == nil {
		return v, nil
	}
	if !strings.HasPrefix(text, "{") {
		text = ExtractObject(text)
	}

	text = EscapeInvalidBackslashes(text)
	v, err := parse(text)
	if err == nil {
		return v, nil
	}

	cleaned := strings.ReplaceAll(text, `\`, "")
	v, err = parse(cleaned)
	if err == nil {
		return v, nil
	}
	return nil, &UnrepairableResponseError{Snippet: snippet(cleaned), Err: err}
}

// RepairObject is Repair restricted to a top-level JSON object.
func RepairObject(raw string) (map[string]any, error) {
	v, err := Repair(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &UnrepairableResponseError{
			Snippet: snippet(strings.TrimSpace(raw)),
			Err:     fmt.Errorf("top-level value is %T, not an object", v),
		}
	}
	return obj, nil
}

// EscapeInvalidBackslashes doubles every backslash that does not start a
// valid JSON escape sequence. Valid pairs such as \\ or \n are copied as-is.
func EscapeInvalidBackslashes(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s) + 16)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}
		if i+1 < len(s) && isEscapeChar(s[i+1]) {
			sb.WriteByte(c)
			sb.WriteByte(s[i+1])
			i++
			continue
		}
		sb.WriteString(`\\`)
	}
	return sb.String()
}

func isEscapeChar(c byte) bool {
	switch c {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
		return true
	}
	return false
}

// ExtractObject returns the span from the first '{' to the last '}', which
// drops prose and Markdown fences around a JSON object. Text without such a
// span is returned unchanged.
func ExtractObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

func parse(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func snippet(s string) string {
	if utf8.RuneCountInString(s) <= SnippetLimit {
		return s
	}
	return string([]rune(s)[:SnippetLimit]) + "..."
}
