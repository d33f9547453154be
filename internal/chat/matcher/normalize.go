// Package matcher implements the canned-response classifiers: preloaded
// reply lookup, ending-phrase detection and human-agent intent detection.
// All classifiers are pure functions over a phrase pack loaded at startup.
package matcher

import "strings"

const punctuation = ".,!?;:"

// Normalize lowercases, trims, strips punctuation and collapses runs of
// whitespace to a single space. Idempotent.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		if strings.ContainsRune(punctuation, r) {
			continue
		}
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(b.String())
}

func stripSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "")
}

func wordCount(s string) int {
	if s == "" {
		return 0
	}
	return len(strings.Fields(s))
}
