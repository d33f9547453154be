package matcher

import "strings"

// Matcher classifies normalized user input against a phrase pack.
type Matcher struct {
	pack *PhrasePack
}

// New creates a Matcher over the given phrase pack. A nil pack uses the
// built-in defaults.
func New(pack *PhrasePack) *Matcher {
	if pack == nil {
		pack = DefaultPhrasePack()
	}
	return &Matcher{pack: pack}
}

// PreloadedReply looks up a canned reply for the input. Exact hits win;
// otherwise the prefix table is scanned longest-first, accepting a prefix p
// only when the input does not extend past it by more than the slack bound
// (20 chars for prefixes longer than 15, else 10).
func (m *Matcher) PreloadedReply(input string) (string, bool) {
	normalized := Normalize(input)
	if normalized == "" {
		return "", false
	}
	if reply, ok := m.pack.Preloaded[normalized]; ok {
		return reply, true
	}
	for _, prefix := range m.pack.sortedPrefixes {
		if !strings.HasPrefix(normalized, prefix) {
			continue
		}
		bound := 10
		if len(prefix) > 15 {
			bound = 20
		}
		if len(normalized) <= len(prefix)+bound {
			return m.pack.Prefixes[prefix], true
		}
	}
	return "", false
}

// IsEndingPhrase reports whether the input signals the user is wrapping up.
func (m *Matcher) IsEndingPhrase(input string) bool {
	normalized := Normalize(input)
	if normalized == "" {
		return false
	}
	compact := stripSpaces(normalized)
	words := wordCount(normalized)

	for _, phrase := range m.pack.Ending {
		if normalized == phrase ||
			strings.HasPrefix(normalized, phrase) ||
			strings.HasSuffix(normalized, phrase) {
			return true
		}
		pc := stripSpaces(phrase)
		if compact == pc ||
			strings.HasPrefix(compact, pc) ||
			strings.HasSuffix(compact, pc) {
			return true
		}
		if words <= 4 && strings.Contains(normalized, phrase) {
			return true
		}
	}

	if words <= 5 {
		for _, token := range strings.Fields(normalized) {
			switch token {
			case "thank", "thanks", "thankyou", "thx",
				"done", "finished", "complete":
				return true
			}
		}
		if strings.Contains(compact, "thankyou") {
			return true
		}
	}
	return false
}

var agentKeywords = []string{"agent", "human", "person", "representative", "support", "someone"}

var actionKeywords = []string{
	"talk", "speak", "connect", "transfer", "want", "need",
	"get", "show", "give", "bring", "call",
}

// Interrogative context words veto the keyword heuristic so questions about
// agents ("what is a support agent?") do not trigger a handover.
var interrogativeWords = []string{"what", "who", "is", "are", "explain", "tell me about", "define", "how does"}

// WantsHumanAgent reports whether the input is a request for a human agent.
func (m *Matcher) WantsHumanAgent(input string) bool {
	normalized := Normalize(input)
	if normalized == "" {
		return false
	}
	compact := stripSpaces(normalized)

	for _, phrase := range m.pack.Intent {
		if normalized == phrase ||
			strings.Contains(normalized, phrase) ||
			strings.Contains(compact, stripSpaces(phrase)) {
			return true
		}
	}

	// Bare mentions count as a request on their own.
	switch normalized {
	case "agent", "human", "person":
		return true
	}

	hasAgent := containsAnyWord(normalized, agentKeywords)
	hasAction := containsAnyWord(normalized, actionKeywords)
	if hasAgent && hasAction && !m.hasInterrogativeContext(normalized) {
		return true
	}
	return false
}

// IsBlocked reports whether the input contains a content-filter keyword.
func (m *Matcher) IsBlocked(input string) bool {
	normalized := Normalize(input)
	for _, kw := range m.pack.Blocked {
		if strings.Contains(kw, " ") {
			if strings.Contains(normalized, kw) {
				return true
			}
			continue
		}
		if containsWord(normalized, kw) {
			return true
		}
	}
	return false
}

func (m *Matcher) hasInterrogativeContext(normalized string) bool {
	for _, w := range interrogativeWords {
		if strings.Contains(w, " ") {
			if strings.Contains(normalized, w) {
				return true
			}
			continue
		}
		if containsWord(normalized, w) {
			return true
		}
	}
	return false
}

func containsAnyWord(normalized string, words []string) bool {
	for _, w := range words {
		if containsWord(normalized, w) {
			return true
		}
	}
	return false
}

func containsWord(normalized, word string) bool {
	for _, token := range strings.Fields(normalized) {
		if token == word {
			return true
		}
	}
	return false
}
