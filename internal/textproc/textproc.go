// Package textproc normalizes archive content before it reaches a prompt.
// Email ingestion leaves HTML bodies in the content field; feeding markup to
// an extraction model wastes tokens and skews suggestions.
package textproc

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// LooksLikeHTML reports whether the content is worth running through Flatten.
// Plain text with a stray angle bracket stays untouched.
func LooksLikeHTML(s string) bool {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "<!DOCTYPE") || strings.HasPrefix(trimmed, "<!doctype") {
		return true
	}
	for _, tag := range []string{"<html", "<body", "<div", "<p>", "<p ", "<br", "<table", "<span"} {
		if strings.Contains(strings.ToLower(trimmed), tag) {
			return true
		}
	}
	return false
}

// Flatten strips markup from HTML content and returns readable text with
// collapsed whitespace. Script and style bodies are dropped. Invalid markup
// degrades gracefully: the tokenizer emits what it can and the rest passes
// through as text.
func Flatten(s string) string {
	tok := html.NewTokenizer(strings.NewReader(s))

	var b strings.Builder
	skipDepth := 0
	for {
		tt := tok.Next()
		switch tt {
		case html.ErrorToken:
			return collapseWhitespace(b.String())
		case html.StartTagToken:
			name, _ := tok.TagName()
			switch string(name) {
			case "script", "style":
				skipDepth++
			case "br", "p", "div", "tr", "li", "h1", "h2", "h3", "h4":
				b.WriteByte('\n')
			case "td", "th":
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := tok.TagName()
			switch string(name) {
			case "script", "style":
				if skipDepth > 0 {
					skipDepth--
				}
			case "p", "div", "tr", "li", "h1", "h2", "h3", "h4":
				b.WriteByte('\n')
			}
		case html.SelfClosingTagToken:
			name, _ := tok.TagName()
			if string(name) == "br" {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(tok.Text())
			}
		}
	}
}

// Normalize flattens HTML content when it looks like markup and passes plain
// text through with whitespace collapsed.
func Normalize(s string) string {
	if LooksLikeHTML(s) {
		return Flatten(s)
	}
	return collapseWhitespace(s)
}

// Truncate cuts s to at most max runes, appending an ellipsis marker when
// content was dropped. Prompts carry a content budget; the model does not
// need the whole document to name its correspondent.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "\n[truncated]"
}

// collapseWhitespace reduces runs of blank lines and trims trailing spaces so
// flattened HTML reads like a document rather than a table dump.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		line = collapseSpaces(line)
		if strings.TrimSpace(line) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	// Drop a trailing blank line.
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

func collapseSpaces(s string) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		if r == ' ' || r == '\t' {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
