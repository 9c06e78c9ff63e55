package inference

import (
	"fmt"
	"strings"
)

// ExtractJSON pulls a JSON object out of a model response. Smaller local
// models frequently wrap JSON in markdown code fences or prepend
// conversational filler. The extractor:
//  1. Strips markdown code fences if present (```json ... ```)
//  2. Finds the first { and last } and returns that substring
func ExtractJSON(resp string) (string, error) {
	s := strings.TrimSpace(resp)

	// Strip markdown code fences.
	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", fmt.Errorf("no JSON object in response")
	}
	return s[start : end+1], nil
}
