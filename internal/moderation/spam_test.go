package moderation

import "testing"

func TestSpam(t *testing.T) {
	f := NewFilterWithTerms(nil)

	tests := []struct {
		name  string
		input string
		term  string
	}{
		{"https url", "check https://example.com/x", "url"},
		{"www url", "go to www.example.com", "url"},
		{"bare domain with path", "visit spam.xyz/offer", "url"},
		{"version string", "running v2.0 now", ""},
		{"decimal", "pi is 3.14", ""},
		{"phone dashed", "call 555-123-4567 now", "phone"},
		{"phone intl", "+1-555-123-4567", "phone"},
		{"short number", "i have 100 cats", ""},
		{"char flood", "heyyyyy", "char_flood"},
		{"four repeats ok", "heyyyy", ""},
		{"word flood", "buy buy BUY now", "word_flood"},
		{"two repeats ok", "no no way", ""},
		{"clean", "how is your day going?", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.Check(tt.input)
			if res.Term != tt.term {
				t.Fatalf("Check(%q) = %+v, want term %q", tt.input, res, tt.term)
			}
			if tt.term != "" && res.Reason != ReasonSpam {
				t.Errorf("Reason = %q, want %q", res.Reason, ReasonSpam)
			}
		})
	}
}
