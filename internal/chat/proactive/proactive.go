// Package proactive implements agent-initiated conversations: an admin
// opens a session toward a browsing visitor before the visitor writes.
package proactive

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/supportdesk/supportdesk/internal/chat/models"
	"github.com/supportdesk/supportdesk/internal/chat/store"
	apperrors "github.com/supportdesk/supportdesk/internal/common/errors"
	"github.com/supportdesk/supportdesk/internal/common/logger"
	"github.com/supportdesk/supportdesk/internal/presence"
	"github.com/supportdesk/supportdesk/pkg/ws"
)

// ClientNotifier delivers a message to a single connection.
type ClientNotifier interface {
	NotifyClient(clientID string, msg *ws.Message) bool
}

// Orchestrator creates proactive sessions. The server-generated session id
// is authoritative; the widget must adopt it instead of creating its own.
type Orchestrator struct {
	repo     store.Repository
	presence *presence.Manager
	notifier ClientNotifier
	logger   *logger.Logger
}

// NewOrchestrator creates the proactive chat orchestrator.
func NewOrchestrator(repo store.Repository, pm *presence.Manager, notifier ClientNotifier, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		presence: pm,
		notifier: notifier,
		logger:   log.WithComponent("proactive"),
	}
}

// Initiate opens a session toward the target visitor and returns the new
// session id. The caller must already be an authenticated agent; roles are
// re-checked here so the handler layer cannot skip the gate.
func (o *Orchestrator) Initiate(ctx context.Context, targetConnID, message, agentID string, roles []models.Role) (string, error) {
	message = strings.TrimSpace(message)
	if targetConnID == "" || message == "" || agentID == "" {
		return "", apperrors.ValidationError("initiate_chat", "targetConnectionId, message and agentId are required")
	}
	if !models.HasRole(roles, models.RoleAgent) {
		return "", apperrors.Forbidden("requires agent role")
	}

	// The target must be a live visitor.
	registry := o.presence.Registry()
	found := false
	for _, v := range registry.SnapshotVisitors() {
		if v.ConnectionID == targetConnID {
			found = true
			break
		}
	}
	if !found {
		return "", apperrors.NotFound("visitor", targetConnID)
	}

	sessionID := uuid.New().String()
	now := time.Now().UTC()
	sess := &models.Session{
		ID:            sessionID,
		Status:        models.SessionAgentAssigned,
		AssignedAgent: agentID,
		UserMeta:      map[string]interface{}{models.MetaAssignedAgent: agentID},
		CreatedAt:     now,
		LastSeen:      now,
	}
	if err := o.repo.CreateSession(ctx, sess); err != nil {
		// A blocking precondition: surfaced, not swallowed.
		return "", err
	}
	if err := o.repo.AppendMessage(ctx, &models.Message{
		SessionID: sessionID,
		Sender:    models.SenderAgent,
		Text:      message,
	}); err != nil {
		return "", err
	}

	msg, err := ws.NewNotification(ws.ActionAgentInitiatedChat, map[string]interface{}{
		"sessionId": sessionID,
		"text":      message,
		"agentId":   agentID,
	})
	if err != nil {
		return "", err
	}
	o.notifier.NotifyClient(targetConnID, msg)

	// Flip the visitor to chatting and push the fresh snapshot.
	o.presence.VisitorChatting(ctx, targetConnID, sessionID)

	o.logger.WithSessionID(sessionID).WithAgentID(agentID).Info("proactive chat initiated")
	return sessionID, nil
}
