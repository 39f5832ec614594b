package textutil

import "testing"

func TestCleanText(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain text", input: "leave at the door", want: "leave at the door"},
		{name: "trims whitespace", input: "  gift wrap please \n", want: "gift wrap please"},
		{name: "strips markup", input: `<script>alert(1)</script>ring twice`, want: "ring twice"},
		{name: "keeps inner text", input: "<b>fragile</b> items", want: "fragile items"},
		{name: "preserves ampersand", input: "terms & conditions", want: "terms & conditions"},
		{name: "empty", input: "", want: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CleanText(tc.input); got != tc.want {
				t.Fatalf("CleanText(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestNormalizeCurrency(t *testing.T) {
	got, err := NormalizeCurrency("usd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "USD" {
		t.Fatalf("expected USD, got %s", got)
	}

	if _, err := NormalizeCurrency("US"); err == nil {
		t.Fatalf("expected error for malformed code")
	}
	if _, err := NormalizeCurrency(""); err == nil {
		t.Fatalf("expected error for empty code")
	}
}
