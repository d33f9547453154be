package ai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPromoteMovesModelToFront(t *testing.T) {
	g := &Generator{models: []string{"a", "b", "c"}}

	g.promote("b")
	assert.Equal(t, []string{"b", "a", "c"}, g.snapshot())

	// Promoting the active model is a no-op.
	g.promote("b")
	assert.Equal(t, []string{"b", "a", "c"}, g.snapshot())
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, dedupe([]string{"a", "b", "a", "", "b"}))
	assert.Nil(t, dedupe([]string{"", ""}))
}

func TestCapText(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, capText(short))

	long := strings.Repeat("x", maxTextLen+1)
	capped := capText(long)
	assert.Len(t, capped, maxTextLen+len(truncationMarker))
	assert.True(t, strings.HasSuffix(capped, truncationMarker))
}
