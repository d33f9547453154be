package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	apperrors "github.com/supportdesk/supportdesk/internal/common/errors"
	"github.com/supportdesk/supportdesk/internal/common/logger"
)

// maxTextLen caps generated text; anything longer is cut and marked.
const maxTextLen = 10000

const truncationMarker = "...[truncated]"

// Generator is the Gemini-backed TextGenerator. It keeps an ordered model
// list: index 0 is the active model, the rest are fallbacks. A model that
// serves a request is promoted to the front; a model the provider reports
// as unknown is skipped for that call.
type Generator struct {
	client *genai.Client
	logger *logger.Logger

	mu     sync.Mutex
	models []string
}

var _ TextGenerator = (*Generator)(nil)

// NewGenerator creates a Gemini client from the API key and model list.
func NewGenerator(ctx context.Context, apiKey, model string, fallbacks []string, log *logger.Logger) (*Generator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("ai: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	models := append([]string{model}, fallbacks...)
	return &Generator{
		client: client,
		logger: log.WithComponent("ai-generator"),
		models: dedupe(models),
	}, nil
}

// Generate runs a non-streaming completion with model fallback.
func (g *Generator) Generate(ctx context.Context, prompt string) (*Result, error) {
	return g.generate(ctx, textContents(prompt), nil)
}

// GenerateStream streams a completion. onPartial receives the cumulative
// text after every chunk; the returned Result holds the final text.
func (g *Generator) GenerateStream(ctx context.Context, prompt string, onPartial PartialFunc) (*Result, error) {
	return g.generate(ctx, textContents(prompt), onPartial)
}

// GenerateWithImage runs a single-shot vision completion over the image
// bytes. Streaming is not used on the vision path.
func (g *Generator) GenerateWithImage(ctx context.Context, prompt string, image []byte, mime string) (*Result, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(image, mime),
		}, genai.RoleUser),
	}
	return g.generate(ctx, contents, nil)
}

func (g *Generator) generate(ctx context.Context, contents []*genai.Content, onPartial PartialFunc) (*Result, error) {
	var lastErr error
	for _, model := range g.snapshot() {
		start := time.Now()
		var res *Result
		var err error
		if onPartial != nil {
			res, err = g.stream(ctx, model, contents, onPartial)
		} else {
			res, err = g.complete(ctx, model, contents)
		}
		if err != nil {
			lastErr = err
			if isModelNotFound(err) {
				g.logger.Warn("model unavailable, trying fallback", zap.String("model", model))
				continue
			}
			g.logger.WithError(err).Warn("generation failed, trying fallback", zap.String("model", model))
			continue
		}
		res.Model = model
		res.Latency = time.Since(start)
		g.promote(model)
		return res, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no models configured")
	}
	return nil, apperrors.Transient("all models failed", lastErr)
}

func (g *Generator) complete(ctx context.Context, model string, contents []*genai.Content) (*Result, error) {
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return nil, err
	}
	return resultFromResponse(resp)
}

func (g *Generator) stream(ctx context.Context, model string, contents []*genai.Content, onPartial PartialFunc) (*Result, error) {
	var b strings.Builder
	var tokens int
	var blockReason string

	for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, nil) {
		if err != nil {
			return nil, err
		}
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			blockReason = string(resp.PromptFeedback.BlockReason)
		}
		if resp.UsageMetadata != nil {
			tokens = int(resp.UsageMetadata.TotalTokenCount)
		}
		chunk := resp.Text()
		if chunk == "" {
			continue
		}
		b.WriteString(chunk)
		if b.Len() > maxTextLen {
			break
		}
		onPartial(b.String())
	}

	text := b.String()
	if text == "" && blockReason == "" {
		return nil, fmt.Errorf("empty response from model %s", model)
	}
	return &Result{
		Text:        capText(text),
		Tokens:      tokens,
		BlockReason: blockReason,
	}, nil
}

func resultFromResponse(resp *genai.GenerateContentResponse) (*Result, error) {
	res := &Result{}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		res.BlockReason = string(resp.PromptFeedback.BlockReason)
	}
	if resp.UsageMetadata != nil {
		res.Tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	res.Text = capText(resp.Text())
	if res.Text == "" && res.BlockReason == "" {
		return nil, errors.New("empty response")
	}
	return res, nil
}

func (g *Generator) snapshot() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.models))
	copy(out, g.models)
	return out
}

// promote moves a model that just served a request to the front so the
// next call tries it first.
func (g *Generator) promote(model string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.models) == 0 || g.models[0] == model {
		return
	}
	reordered := []string{model}
	for _, m := range g.models {
		if m != model {
			reordered = append(reordered, m)
		}
	}
	g.models = reordered
}

func capText(text string) string {
	if len(text) <= maxTextLen {
		return text
	}
	return text[:maxTextLen] + truncationMarker
}

func isModelNotFound(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 404
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

func textContents(prompt string) []*genai.Content {
	return []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
}

func dedupe(models []string) []string {
	seen := make(map[string]struct{}, len(models))
	var out []string
	for _, m := range models {
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
