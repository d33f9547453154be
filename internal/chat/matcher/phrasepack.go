package matcher

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// PhrasePack is the configuration consumed by the matcher: the preloaded
// reply table, the classifier phrase lists and the content-filter keywords.
// Phrases are stored in normalized form; LoadPhrasePack normalizes on load
// so pack files may use natural punctuation.
type PhrasePack struct {
	// Preloaded maps a normalized phrase to its canned reply (exact hit).
	Preloaded map[string]string `yaml:"preloaded"`
	// Prefixes maps a normalized prefix to a canned reply. Scanned
	// longest-first when no exact hit exists.
	Prefixes map[string]string `yaml:"prefixes"`
	// Ending phrases signal the user is wrapping up the conversation.
	Ending []string `yaml:"ending"`
	// Intent phrases are explicit requests for a human agent.
	Intent []string `yaml:"intent"`
	// Blocked keywords trigger the content filter.
	Blocked []string `yaml:"blocked"`

	sortedPrefixes []string
}

// LoadPhrasePack reads a YAML phrase pack from disk. Entries are normalized
// and merged over the defaults, so a pack file only needs to list overrides.
func LoadPhrasePack(path string) (*PhrasePack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read phrase pack: %w", err)
	}
	var raw PhrasePack
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse phrase pack: %w", err)
	}

	pack := DefaultPhrasePack()
	for k, v := range raw.Preloaded {
		pack.Preloaded[Normalize(k)] = v
	}
	for k, v := range raw.Prefixes {
		pack.Prefixes[Normalize(k)] = v
	}
	for _, p := range raw.Ending {
		pack.Ending = append(pack.Ending, Normalize(p))
	}
	for _, p := range raw.Intent {
		pack.Intent = append(pack.Intent, Normalize(p))
	}
	for _, p := range raw.Blocked {
		pack.Blocked = append(pack.Blocked, Normalize(p))
	}
	pack.finalize()
	return pack, nil
}

// DefaultPhrasePack returns the built-in phrase tables.
func DefaultPhrasePack() *PhrasePack {
	pack := &PhrasePack{
		Preloaded: map[string]string{
			"hello":        GreetingReply,
			"hi":           GreetingReply,
			"hey":          GreetingReply,
			"good morning": GreetingReply,
			"good evening": GreetingReply,
			"hi there":     GreetingReply,
			"hello there":  GreetingReply,
			"how are you":  "I'm doing great, thanks for asking! How can I help you today?",
			"what can you do": "I can answer questions about our products and services, " +
				"and connect you with a human agent whenever you need one.",
			"who are you": "I'm the support assistant for this site. Ask me anything, " +
				"or request a human agent at any time.",
			"ok":     "Great! Let me know if there's anything else I can help with.",
			"okay":   "Great! Let me know if there's anything else I can help with.",
			"cool":   "Glad to hear it! Anything else I can help with?",
			"test":   "I'm here and working. How can I help you?",
			"ping":   "Pong! How can I help you?",
			"yes":    "Got it. What would you like to know?",
			"no":     "No problem. Is there anything else I can help with?",
			"great":  "Happy to hear it! Anything else I can help with?",
			"thanks": "You're welcome! Is there anything else I can help with?",
		},
		Prefixes: map[string]string{
			"hello":        GreetingReply,
			"hi":           GreetingReply,
			"hey":          GreetingReply,
			"good morning": GreetingReply,
			"how are you":  "I'm doing great, thanks for asking! How can I help you today?",
		},
		Ending: []string{
			"bye", "goodbye", "bye bye", "see you", "see ya", "later",
			"that's all", "thats all", "that is all", "nothing else",
			"no more questions", "i'm done", "im done", "all set",
			"have a good day", "have a nice day", "take care",
		},
		Intent: []string{
			"i want to talk to a human",
			"i want to talk to an agent",
			"i want to speak to a human",
			"i want to speak to an agent",
			"talk to a real person",
			"speak to a real person",
			"can i talk to someone",
			"can i speak to someone",
			"connect me to an agent",
			"connect me to a human",
			"transfer me to an agent",
			"i need a human",
			"i need an agent",
			"real person please",
			"live agent",
			"live support",
			"customer service",
			"human support",
		},
		Blocked: []string{
			"porn", "pornography", "xxx", "nsfw", "nude", "nudes",
			"naked", "sexual", "erotic", "explicit content",
		},
	}
	pack.finalize()
	return pack
}

// GreetingReply is the canned response for matched greetings.
const GreetingReply = "Hi! I'm your AI Assistant. How can I help you today?"

func (p *PhrasePack) finalize() {
	p.sortedPrefixes = make([]string, 0, len(p.Prefixes))
	for prefix := range p.Prefixes {
		p.sortedPrefixes = append(p.sortedPrefixes, prefix)
	}
	sort.Slice(p.sortedPrefixes, func(i, j int) bool {
		if len(p.sortedPrefixes[i]) != len(p.sortedPrefixes[j]) {
			return len(p.sortedPrefixes[i]) > len(p.sortedPrefixes[j])
		}
		return p.sortedPrefixes[i] < p.sortedPrefixes[j]
	})
}
