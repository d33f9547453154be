package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/supportdesk/internal/chat/models"
	"github.com/supportdesk/supportdesk/internal/chat/store"
	apperrors "github.com/supportdesk/supportdesk/internal/common/errors"
	"github.com/supportdesk/supportdesk/internal/common/logger"
)

func newTestService(t *testing.T) (*Service, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"), store.DefaultTables())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return NewService(repo, logger.Default()), repo
}

func TestEnsureSessionIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, created, err := svc.EnsureSession(ctx, "s-1", map[string]interface{}{"url": "/pricing"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.SessionActive, first.Status)

	second, created, err := svc.EnsureSession(ctx, "s-1", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())
}

func TestTakeoverPausesAI(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.EnsureSession(ctx, "s-1", nil)
	require.NoError(t, err)

	before, err := svc.Assignment(ctx, "s-1")
	require.NoError(t, err)
	assert.False(t, before.AIPaused)

	sess, err := svc.Takeover(ctx, "s-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionAgentAssigned, sess.Status)
	assert.Equal(t, "agent-1", sess.AssignedAgent)

	after, err := svc.Assignment(ctx, "s-1")
	require.NoError(t, err)
	assert.True(t, after.AIPaused)
	assert.Equal(t, "agent-1", after.AgentID)
}

func TestTakeoverReassignment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.EnsureSession(ctx, "s-1", nil)
	require.NoError(t, err)

	_, err = svc.Takeover(ctx, "s-1", "agent-1")
	require.NoError(t, err)
	sess, err := svc.Takeover(ctx, "s-1", "agent-2")
	require.NoError(t, err)
	assert.Equal(t, "agent-2", sess.AssignedAgent)

	a, err := svc.Assignment(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-2", a.AgentID)
}

func TestTakeoverClosedSessionRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.EnsureSession(ctx, "s-1", nil)
	require.NoError(t, err)
	_, err = svc.Close(ctx, "s-1")
	require.NoError(t, err)

	_, err = svc.Takeover(ctx, "s-1", "agent-1")
	assert.True(t, apperrors.IsConflict(err))
}

func TestCloseAndReopen(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.EnsureSession(ctx, "s-1", nil)
	require.NoError(t, err)
	_, err = svc.Takeover(ctx, "s-1", "agent-1")
	require.NoError(t, err)

	closed, err := svc.Close(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionClosed, closed.Status)
	assert.True(t, closed.Concluded())

	require.NoError(t, svc.Reopen(ctx, "s-1"))

	reopened, err := repo.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, reopened.Status)
	assert.False(t, reopened.Concluded())
	assert.Empty(t, reopened.AssignedAgent)

	a, err := svc.Assignment(ctx, "s-1")
	require.NoError(t, err)
	assert.False(t, a.AIPaused)
}

func TestAssignmentMissingSession(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Assignment(context.Background(), "nope")
	assert.True(t, apperrors.IsNotFound(err))
}
