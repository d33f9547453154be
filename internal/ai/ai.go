// Package ai wraps the Gemini client with model fallback, streaming and
// vision generation.
package ai

import (
	"context"
	"time"
)

// Result is one completed generation.
type Result struct {
	// Text is the full generated text, capped at maxTextLen.
	Text string
	// Model is the model that actually served the request after fallback.
	Model string
	// Tokens is the total token usage reported by the provider, 0 if absent.
	Tokens int
	// Latency is the wall time of the provider call.
	Latency time.Duration
	// BlockReason is set when the provider refused the prompt.
	BlockReason string
}

// PartialFunc receives the cumulative text after each streamed chunk.
type PartialFunc func(cumulative string)

// TextGenerator produces assistant replies. Implementations handle model
// fallback internally; callers see only the effective model in the Result.
type TextGenerator interface {
	// Generate runs a single-shot completion.
	Generate(ctx context.Context, prompt string) (*Result, error)
	// GenerateStream streams a completion, invoking onPartial with the
	// cumulative text as chunks arrive. An error mid-stream fails the
	// whole turn.
	GenerateStream(ctx context.Context, prompt string, onPartial PartialFunc) (*Result, error)
	// GenerateWithImage runs a single-shot vision completion.
	GenerateWithImage(ctx context.Context, prompt string, image []byte, mime string) (*Result, error)
}
