package settings

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/supportdesk/internal/chat/store"
	apperrors "github.com/supportdesk/supportdesk/internal/common/errors"
	"github.com/supportdesk/supportdesk/internal/common/logger"
)

func newTestSettings(t *testing.T) *Service {
	t.Helper()
	repo, err := store.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"), store.DefaultTables())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return NewService(repo, logger.Default())
}

func TestDefaults(t *testing.T) {
	svc := newTestSettings(t)
	ctx := context.Background()

	assert.Equal(t, DefaultSystemPrompt, svc.SystemPrompt(ctx))
	assert.Equal(t, DefaultWelcomeMessage, svc.WelcomeMessage(ctx))
	assert.Equal(t, DefaultContextLimit, svc.ContextLimit(ctx))
}

func TestSetAndGet(t *testing.T) {
	svc := newTestSettings(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, KeySystemPrompt, "You are terse."))
	assert.Equal(t, "You are terse.", svc.SystemPrompt(ctx))

	require.NoError(t, svc.Set(ctx, KeyContextLimit, "35"))
	assert.Equal(t, 35, svc.ContextLimit(ctx))
}

func TestContextLimitBounds(t *testing.T) {
	svc := newTestSettings(t)
	ctx := context.Background()

	for _, bad := range []string{"1", "51", "0", "-3", "abc"} {
		err := svc.Set(ctx, KeyContextLimit, bad)
		assert.True(t, apperrors.IsValidation(err), "value %q", bad)
	}
	for _, good := range []string{"2", "50", "20"} {
		assert.NoError(t, svc.Set(ctx, KeyContextLimit, good), "value %q", good)
	}
}

func TestContentLengthCap(t *testing.T) {
	svc := newTestSettings(t)
	ctx := context.Background()

	long := strings.Repeat("x", 5001)
	err := svc.Set(ctx, KeySystemPrompt, long)
	assert.True(t, apperrors.IsValidation(err))

	ok := strings.Repeat("x", 5000)
	assert.NoError(t, svc.Set(ctx, KeyWelcomeMessage, ok))
}

func TestUnknownKeyRejected(t *testing.T) {
	svc := newTestSettings(t)

	err := svc.Set(context.Background(), "theme_color", "blue")
	assert.True(t, apperrors.IsValidation(err))
}
