package textproc

import (
	"strings"
	"testing"
)

func TestLooksLikeHTML(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"<html><body>hi</body></html>", true},
		{"<!DOCTYPE html><p>x</p>", true},
		{"<div class=\"a\">x</div>", true},
		{"plain invoice text, amount < 100 EUR", false},
		{"Dear Sir or Madam,", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := LooksLikeHTML(tc.in); got != tc.want {
			t.Errorf("LooksLikeHTML(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFlattenDropsMarkup(t *testing.T) {
	in := `<html><head><style>body { color: red; }</style></head>
<body><h1>Invoice</h1><p>Amount due: <b>42.00 EUR</b></p>
<script>alert("x")</script>
<table><tr><td>Item</td><td>Price</td></tr></table></body></html>`

	out := Flatten(in)

	for _, want := range []string{"Invoice", "Amount due:", "42.00 EUR", "Item", "Price"} {
		if !strings.Contains(out, want) {
			t.Errorf("flattened output missing %q:\n%s", want, out)
		}
	}
	for _, banned := range []string{"<", "color: red", "alert"} {
		if strings.Contains(out, banned) {
			t.Errorf("flattened output still contains %q:\n%s", banned, out)
		}
	}
}

func TestNormalizePassesPlainText(t *testing.T) {
	in := "Line one\n\n\n\nLine   two"
	out := Normalize(in)
	if strings.Contains(out, "\n\n\n") {
		t.Errorf("blank lines not collapsed: %q", out)
	}
	if !strings.Contains(out, "Line two") {
		t.Errorf("spaces not collapsed: %q", out)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Errorf("Truncate(short) = %q", got)
	}

	long := strings.Repeat("a", 50)
	got := Truncate(long, 10)
	if !strings.HasPrefix(got, strings.Repeat("a", 10)) {
		t.Errorf("Truncate prefix wrong: %q", got)
	}
	if !strings.Contains(got, "[truncated]") {
		t.Errorf("Truncate marker missing: %q", got)
	}

	// Rune-safe: multibyte content must not be split mid-rune.
	multi := strings.Repeat("ü", 20)
	got = Truncate(multi, 5)
	if strings.Contains(got, "\uFFFD") {
		t.Errorf("Truncate split a rune: %q", got)
	}
}
