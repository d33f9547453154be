package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercase and trim", "  Hello World  ", "hello world"},
		{"strip punctuation", "Hello, world!?", "hello world"},
		{"collapse whitespace", "hello    \t world\n\nagain", "hello world again"},
		{"punctuation only", ".,!?;:", ""},
		{"empty", "", ""},
		{"keeps apostrophes", "I'm done.", "i'm done"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"Hello, World!",
		"  spaced   out  ",
		"I want to talk to a HUMAN!!!",
		"already normalized text",
		"",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}

func TestPreloadedReplyExact(t *testing.T) {
	m := New(nil)

	reply, ok := m.PreloadedReply("Hello!")
	require.True(t, ok)
	assert.Equal(t, GreetingReply, reply)

	reply, ok = m.PreloadedReply("  HI THERE  ")
	require.True(t, ok)
	assert.Equal(t, GreetingReply, reply)

	_, ok = m.PreloadedReply("tell me about your refund policy")
	assert.False(t, ok)
}

func TestPreloadedReplyPrefixBound(t *testing.T) {
	pack := DefaultPhrasePack()
	pack.Prefixes["do you have any information"] = "long prefix reply"
	pack.finalize()
	m := New(pack)

	// Short prefix: slack of 10 characters past the prefix.
	_, ok := m.PreloadedReply("hey folks")
	assert.True(t, ok, "within slack of short prefix")
	_, ok = m.PreloadedReply("hello everyone in this room today")
	assert.False(t, ok, "too far past short prefix")

	// Long prefix (>15 chars): slack widens to 20.
	reply, ok := m.PreloadedReply("do you have any information about shipping")
	require.True(t, ok)
	assert.Equal(t, "long prefix reply", reply)
	_, ok = m.PreloadedReply("do you have any information about international shipping rates")
	assert.False(t, ok)
}

func TestPreloadedReplyLongestPrefixWins(t *testing.T) {
	pack := DefaultPhrasePack()
	pack.Prefixes["how are"] = "short"
	pack.Prefixes["how are you"] = "long"
	delete(pack.Preloaded, "how are you")
	pack.finalize()
	m := New(pack)

	reply, ok := m.PreloadedReply("how are you today")
	require.True(t, ok)
	assert.Equal(t, "long", reply)
}

func TestIsEndingPhrase(t *testing.T) {
	m := New(nil)

	tests := []struct {
		input    string
		expected bool
	}{
		{"bye", true},
		{"Goodbye!", true},
		{"ok bye", true},
		{"bye for now", true},
		{"thanks, that's everything", true},
		{"thank you", true},
		{"thx", true},
		{"we are done here", true},
		{"that's all", true},
		{"thatsall", true},
		{"the bypass road is closed", false},
		{"how do I finish my order", false},
		{"what is your return policy", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, m.IsEndingPhrase(tt.input))
		})
	}
}

func TestWantsHumanAgent(t *testing.T) {
	m := New(nil)

	tests := []struct {
		input    string
		expected bool
	}{
		{"I want to talk to a human", true},
		{"Can you connect me to an agent?", true},
		{"I need to speak with a representative", true},
		{"get me a person", true},
		{"agent", true},
		{"human", true},
		{"iwanttotalktoahuman", true},
		{"what is a support agent", false},
		{"who is the agent for my account", false},
		{"explain how an agent helps", false},
		{"tell me about human resources", false},
		{"I want a refund", false},
		{"hello there", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, m.WantsHumanAgent(tt.input))
		})
	}
}

func TestIsBlocked(t *testing.T) {
	m := New(nil)

	assert.True(t, m.IsBlocked("show me PORN"))
	assert.True(t, m.IsBlocked("any explicit content here?"))
	assert.False(t, m.IsBlocked("pornography-free discussion of filters"))
	assert.False(t, m.IsBlocked("what is your shipping policy"))
}
