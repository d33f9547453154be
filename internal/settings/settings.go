// Package settings serves runtime-tunable configuration (system prompt,
// context window, welcome message) from the repository with a small
// process-local cache.
package settings

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/supportdesk/supportdesk/internal/chat/store"
	apperrors "github.com/supportdesk/supportdesk/internal/common/errors"
	"github.com/supportdesk/supportdesk/internal/common/logger"
)

// Setting keys.
const (
	KeySystemPrompt        = "system_prompt"
	KeyContextLimit        = "context_limit"
	KeyWelcomeMessage      = "welcome_message"
	KeyImageAnalysisPrompt = "image_analysis_prompt"
)

// Defaults used when a key has never been set.
const (
	DefaultContextLimit = 20
	MinContextLimit     = 2
	MaxContextLimit     = 50

	maxContentLen = 5000

	DefaultSystemPrompt = "You are a helpful customer-support assistant. " +
		"Answer concisely and accurately based on the conversation so far. " +
		"If you do not know the answer, say so and offer to connect the user with a human agent."

	DefaultWelcomeMessage = "Hi! I'm your AI Assistant. How can I help you today?"

	DefaultImageAnalysisPrompt = "Describe what is shown in this image and answer " +
		"the user's question about it, if any."
)

// Service reads and writes settings. Reads go through a cache; Set writes
// through and refreshes the cached value.
type Service struct {
	repo   store.Repository
	logger *logger.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewService creates the settings service.
func NewService(repo store.Repository, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: log.WithComponent("settings"),
		cache:  make(map[string]string),
	}
}

// SystemPrompt returns the prompt prepended to every AI generation.
func (s *Service) SystemPrompt(ctx context.Context) string {
	return s.get(ctx, KeySystemPrompt, DefaultSystemPrompt)
}

// WelcomeMessage returns the bot greeting for a new session.
func (s *Service) WelcomeMessage(ctx context.Context) string {
	return s.get(ctx, KeyWelcomeMessage, DefaultWelcomeMessage)
}

// ImageAnalysisPrompt returns the vision-path prompt.
func (s *Service) ImageAnalysisPrompt(ctx context.Context) string {
	return s.get(ctx, KeyImageAnalysisPrompt, DefaultImageAnalysisPrompt)
}

// ContextLimit returns the AI history window, clamped to its bounds.
func (s *Service) ContextLimit(ctx context.Context) int {
	raw := s.get(ctx, KeyContextLimit, "")
	if raw == "" {
		return DefaultContextLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < MinContextLimit || n > MaxContextLimit {
		s.logger.Warn("stored context_limit out of range, using default")
		return DefaultContextLimit
	}
	return n
}

// Set validates and stores a setting.
func (s *Service) Set(ctx context.Context, key, value string) error {
	switch key {
	case KeyContextLimit:
		n, err := strconv.Atoi(value)
		if err != nil {
			return apperrors.ValidationError(key, "must be an integer")
		}
		if n < MinContextLimit || n > MaxContextLimit {
			return apperrors.ValidationError(key, "must be between 2 and 50")
		}
	case KeySystemPrompt, KeyWelcomeMessage, KeyImageAnalysisPrompt:
		if len(value) > maxContentLen {
			return apperrors.ValidationError(key, "content exceeds 5000 characters")
		}
	default:
		return apperrors.ValidationError("key", "unknown setting")
	}

	if err := s.repo.SetSetting(ctx, key, value); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return nil
}

func (s *Service) get(ctx context.Context, key, fallback string) string {
	s.mu.RLock()
	if v, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return v
	}
	s.mu.RUnlock()

	v, err := s.repo.GetSetting(ctx, key)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			s.logger.WithError(err).Warn("failed to load setting", zap.String("key", key))
		}
		return fallback
	}
	s.mu.Lock()
	s.cache[key] = v
	s.mu.Unlock()
	return v
}
