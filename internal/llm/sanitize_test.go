package llm

import "testing"

func TestStripThinkingTags(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Alice works at Acme.", "Alice works at Acme."},
		{"", ""},
		{"<think>only reasoning</think>", ""},
		{"<think>step 1\nstep 2</think>{\"entities\": []}", "{\"entities\": []}"},
		{"A <think>x</think> B <think>y</think> C", "A  B  C"},
		{"  \n <think>t</think>  answer \n", "answer"},
		// Unclosed tag drops the rest.
		{"keep this <think>never closed", "keep this"},
	}
	for _, tt := range tests {
		if got := StripThinkingTags(tt.in); got != tt.want {
			t.Errorf("StripThinkingTags(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStripMarkdownFences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no fences", "plain", "plain"},
		{"json fence", "```json\n{\"a\":1}\n```", "{\"a\":1}"},
		{"prose around", "Sure:\n```\nbody\n```\nDone.", "body"},
		{"thinking first", "<think>hmm</think>```\nx\n```", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripMarkdownFences(tt.input); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestExtractJSONObject(t *testing.T) {
	got, ok := ExtractJSONObject("Here you go: {\"entities\": [{\"name\": \"A\"}]} hope it helps")
	if !ok {
		t.Fatal("expected object")
	}
	if got != `{"entities": [{"name": "A"}]}` {
		t.Errorf("unexpected span: %q", got)
	}

	if _, ok := ExtractJSONObject("no object here"); ok {
		t.Error("expected no object")
	}
}
