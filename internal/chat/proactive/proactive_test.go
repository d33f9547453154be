package proactive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/supportdesk/internal/auth"
	"github.com/supportdesk/supportdesk/internal/chat/models"
	"github.com/supportdesk/supportdesk/internal/chat/store"
	apperrors "github.com/supportdesk/supportdesk/internal/common/errors"
	"github.com/supportdesk/supportdesk/internal/common/logger"
	"github.com/supportdesk/supportdesk/internal/events/bus"
	gws "github.com/supportdesk/supportdesk/internal/gateway/websocket"
	"github.com/supportdesk/supportdesk/internal/notify"
	"github.com/supportdesk/supportdesk/internal/presence"
	"github.com/supportdesk/supportdesk/pkg/ws"
)

type recordingNotifier struct {
	clients []string
	msgs    []*ws.Message
}

func (r *recordingNotifier) NotifyClient(clientID string, msg *ws.Message) bool {
	r.clients = append(r.clients, clientID)
	r.msgs = append(r.msgs, msg)
	return true
}

func newOrchestrator(t *testing.T) (*Orchestrator, store.Repository, *presence.Manager, *recordingNotifier) {
	t.Helper()
	repo, err := store.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"), store.DefaultTables())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	verifier, err := auth.NewJWTVerifier("test-secret", "")
	require.NoError(t, err)

	hub := gws.NewHub(ws.NewDispatcher(), log)
	registry := presence.NewRegistry(5 * time.Second)
	pm := presence.NewManager(registry, hub, verifier, repo, eventBus, notify.NewService(repo, eventBus, log), log)

	notifier := &recordingNotifier{}
	return NewOrchestrator(repo, pm, notifier, log), repo, pm, notifier
}

func agentRoles() []models.Role {
	return []models.Role{models.RoleAgent}
}

func TestInitiateCreatesAssignedSession(t *testing.T) {
	o, repo, pm, notifier := newOrchestrator(t)
	ctx := context.Background()

	pm.Registry().AddVisitor("conn-1", &models.Visitor{URL: "/pricing"})

	sessionID, err := o.Initiate(ctx, "conn-1", "Hi! Need help choosing a plan?", "agent-1", agentRoles())
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	sess, err := repo.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionAgentAssigned, sess.Status)
	assert.Equal(t, "agent-1", sess.AssignedAgent)

	msgs, err := repo.ListMessages(ctx, sessionID, 10, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.SenderAgent, msgs[0].Sender)
	assert.Equal(t, "Hi! Need help choosing a plan?", msgs[0].Text)

	// Only the targeted visitor hears about it.
	require.Equal(t, []string{"conn-1"}, notifier.clients)
	assert.Equal(t, ws.ActionAgentInitiatedChat, notifier.msgs[0].Action)

	var payload map[string]interface{}
	require.NoError(t, notifier.msgs[0].ParsePayload(&payload))
	assert.Equal(t, sessionID, payload["sessionId"])
	assert.Equal(t, "agent-1", payload["agentId"])

	// The visitor flips to chatting with the new session attached.
	visitors := pm.Registry().SnapshotVisitors()
	require.Len(t, visitors, 1)
	assert.Equal(t, models.VisitorChatting, visitors[0].Status)
	assert.Equal(t, sessionID, visitors[0].SessionID)
}

func TestInitiateRequiresAgentRole(t *testing.T) {
	o, _, pm, notifier := newOrchestrator(t)
	pm.Registry().AddVisitor("conn-1", &models.Visitor{URL: "/"})

	_, err := o.Initiate(context.Background(), "conn-1", "hello", "viewer-1", []models.Role{models.RoleViewer})
	require.Error(t, err)
	assert.Empty(t, notifier.clients)
}

func TestInitiateUnknownVisitor(t *testing.T) {
	o, _, _, _ := newOrchestrator(t)

	_, err := o.Initiate(context.Background(), "conn-gone", "hello", "agent-1", agentRoles())
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestInitiateValidatesInput(t *testing.T) {
	o, _, _, _ := newOrchestrator(t)

	_, err := o.Initiate(context.Background(), "conn-1", "   ", "agent-1", agentRoles())
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}
