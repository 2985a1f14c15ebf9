package repair

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustParse(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func TestRepairValidJSONIsNoop(t *testing.T) {
	inputs := []string{
		`{}`,
		`{"a": 1, "b": [true, null, 2.5]}`,
		`{"path": "C:\\path", "nl": "line\nbreak", "uni": "\u00e9", "slash": "a\/b"}`,
		`[{"a": 1}, {"b": 2}]`,
		`"just a string"`,
		`42`,
		`{"exercises":[{"exercise_type":"MCQ","questions":[{"question":"What is a²+b²?","choices":["c²","2c"],"correct_answer":"c²"}]}]}`,
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			got, err := Repair(in)
			if err != nil {
				t.Fatalf("Repair: %v", err)
			}
			if diff := cmp.Diff(mustParse(t, in), got); diff != "" {
				t.Errorf("Repair mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRepairInvalidBackslash(t *testing.T) {
	got, err := Repair(`{"a": "C:\path"}`)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	want := mustParse(t, `{"a": "C:\\path"}`)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Repair mismatch (-want +got):\n%s", diff)
	}
}

func TestRepairLatex(t *testing.T) {
	got, err := Repair(`{"q": "Compute $\frac{1}{2} + \sqrt{x}$"}`)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	// \f is a valid escape (form feed), \s is not.
	want := map[string]any{"q": "Compute $\frac{1}{2} + \\sqrt{x}$"}
	if diff := cmp.Diff(any(want), got); diff != "" {
		t.Errorf("Repair mismatch (-want +got):\n%s", diff)
	}
}

func TestRepairFallbackStripsBackslashes(t *testing.T) {
	// \u followed by non-hex passes the escape step but still fails to parse.
	got, err := Repair(`{"q": "\underline{x}"}`)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	want := map[string]any{"q": "underline{x}"}
	if diff := cmp.Diff(any(want), got); diff != "" {
		t.Errorf("Repair mismatch (-want +got):\n%s", diff)
	}
}

func TestRepairProseWrapper(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"leading prose", "Here is your JSON:\n{\"a\": 1}"},
		{"trailing prose", "Sure! {\"a\": 1} Hope this helps."},
		{"markdown fence", "```json\n{\"a\": 1}\n```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Repair(tt.in)
			if err != nil {
				t.Fatalf("Repair: %v", err)
			}
			if diff := cmp.Diff(any(map[string]any{"a": 1.0}), got); diff != "" {
				t.Errorf("Repair mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRepairUnrepairable(t *testing.T) {
	raw := "I could not generate exercises for this document. " + strings.Repeat("x", 3*SnippetLimit)
	_, err := Repair(raw)
	var ure *UnrepairableResponseError
	if !errors.As(err, &ure) {
		t.Fatalf("expected UnrepairableResponseError, got %v", err)
	}
	if ure.Err == nil {
		t.Error("expected underlying parse error")
	}
	if len([]rune(ure.Snippet)) > SnippetLimit+3 {
		t.Errorf("snippet should be bounded, got %d runes", len([]rune(ure.Snippet)))
	}
}

func TestRepairDeterministic(t *testing.T) {
	in := `noise {"a": "x\y", "b": [1, 2]} noise`
	first, err := Repair(in)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	for i := 0; i < 5; i++ {
		got, _ := Repair(in)
		if diff := cmp.Diff(first, got); diff != "" {
			t.Fatalf("Repair not deterministic (-first +got):\n%s", diff)
		}
	}
}

func TestRepairObject(t *testing.T) {
	if _, err := RepairObject(`{"exercises": []}`); err != nil {
		t.Errorf("RepairObject: %v", err)
	}
	_, err := RepairObject(`[1, 2, 3]`)
	var ure *UnrepairableResponseError
	if !errors.As(err, &ure) {
		t.Errorf("expected UnrepairableResponseError for array, got %v", err)
	}
}

func TestEscapeInvalidBackslashes(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`no backslash`, `no backslash`},
		{`a\pb`, `a\\pb`},
		{`a\\pb`, `a\\pb`},
		{`\n\t\"\/`, `\n\t\"\/`},
		{`\alpha`, `\\alpha`},
		{`trailing\`, `trailing\\`},
		{`\\\x`, `\\\\x`},
	}
	for _, tt := range tests {
		if got := EscapeInvalidBackslashes(tt.in); got != tt.want {
			t.Errorf("EscapeInvalidBackslashes(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
