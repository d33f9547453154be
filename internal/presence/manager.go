package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/supportdesk/supportdesk/internal/auth"
	"github.com/supportdesk/supportdesk/internal/chat/models"
	apperrors "github.com/supportdesk/supportdesk/internal/common/errors"
	"github.com/supportdesk/supportdesk/internal/common/logger"
	"github.com/supportdesk/supportdesk/internal/events/bus"
	gws "github.com/supportdesk/supportdesk/internal/gateway/websocket"
	"github.com/supportdesk/supportdesk/pkg/ws"
)

// authFailDisconnectDelay lets the client read the auth error before the
// server closes the connection.
const authFailDisconnectDelay = time.Second

// UserStatusStore updates the persisted online/offline flag.
type UserStatusStore interface {
	UpdateUserStatus(ctx context.Context, userID, status string) error
}

// Notifier records a notification and fans it out to role rooms.
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification) error
}

// Manager handles agent authentication, registration and the grace-period
// disconnect flow, and publishes presence transitions on the bus.
type Manager struct {
	registry *Registry
	hub      *gws.Hub
	verifier auth.Verifier
	users    UserStatusStore
	bus      bus.EventBus
	notifier Notifier
	logger   *logger.Logger
}

// NewManager creates the presence manager. notifier may be nil to skip
// notification records for presence transitions.
func NewManager(registry *Registry, hub *gws.Hub, verifier auth.Verifier, users UserStatusStore, eventBus bus.EventBus, notifier Notifier, log *logger.Logger) *Manager {
	return &Manager{
		registry: registry,
		hub:      hub,
		verifier: verifier,
		users:    users,
		bus:      eventBus,
		notifier: notifier,
		logger:   log.WithComponent("presence-manager"),
	}
}

// Registry exposes the underlying registry for the proactive orchestrator
// and the dispatcher's online check.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Authenticate verifies the token, binds the connection to the agent and
// broadcasts presence on first-time registration. On failure the client
// receives auth.error and is disconnected after a short delay.
func (m *Manager) Authenticate(ctx context.Context, client *gws.Client, token, agentID string) (*auth.Claims, error) {
	claims, err := auth.RequireRole(m.verifier, token, models.RoleAgent)
	if err != nil {
		m.rejectAuth(client, err)
		return nil, err
	}
	if agentID == "" {
		agentID = claims.AgentID
	}

	res := m.registry.RegisterAgent(agentID, claims.UserID, client.ID)
	client.SetIdentity(gws.Identity{
		UserID:  claims.UserID,
		AgentID: agentID,
		Roles:   claims.Roles,
	})
	m.hub.JoinRoom(client, gws.AgentRoom(agentID))
	for _, role := range claims.Roles {
		m.hub.JoinRoom(client, gws.RoleRoom(role))
	}

	if err := m.users.UpdateUserStatus(ctx, claims.UserID, models.UserOnline); err != nil && !apperrors.IsNotFound(err) {
		m.logger.WithError(err).Warn("failed to mark user online", zap.String("user_id", claims.UserID))
	}

	log := m.logger.WithAgentID(agentID)
	switch {
	case res.CancelledPending:
		// Reconnect within the grace window: no status broadcast.
		log.Info("agent reconnected within grace period")
	case res.IsReplacement:
		log.Debug("agent connection replaced")
	default:
		log.Info("agent connected")
		m.broadcastPresence(ctx, "agent_connected", agentID, claims.UserID, models.UserOnline, "connected")
		m.recordPresenceNotification(ctx, models.NotifyAgentConnected, agentID, claims.UserID)
	}
	return claims, nil
}

func (m *Manager) rejectAuth(client *gws.Client, err error) {
	msg, merr := ws.NewNotification(ws.ActionAuthError, map[string]interface{}{
		"error": err.Error(),
	})
	if merr == nil {
		client.Send(msg)
	}
	m.hub.DisconnectClient(client.ID, authFailDisconnectDelay)
}

// HandleDisconnect routes a torn-down connection: visitors are removed
// immediately, agents get a grace timer.
func (m *Manager) HandleDisconnect(client *gws.Client) {
	if _, ok := m.registry.RemoveVisitor(client.ID); ok {
		m.PublishVisitors(context.Background())
		return
	}

	agentID := m.registry.BeginDisconnect(client.ID, m.onGraceExpired)
	if agentID != "" {
		m.logger.WithAgentID(agentID).Debug("agent disconnect grace period started")
	}
}

// onGraceExpired runs when the grace timer fires without a reconnect.
func (m *Manager) onGraceExpired(agentID, userID string) {
	ctx := context.Background()
	m.logger.WithAgentID(agentID).Info("agent went offline")

	if err := m.users.UpdateUserStatus(ctx, userID, models.UserOffline); err != nil && !apperrors.IsNotFound(err) {
		m.logger.WithError(err).Warn("failed to mark user offline", zap.String("user_id", userID))
	}
	m.broadcastPresence(ctx, "agent_disconnected", agentID, userID, models.UserOffline, "disconnected")
	m.recordPresenceNotification(ctx, models.NotifyAgentDisconnected, agentID, userID)
}

func (m *Manager) broadcastPresence(ctx context.Context, eventType, agentID, userID, status, action string) {
	event := bus.NewEvent(eventType, "presence", map[string]interface{}{
		"agentId": agentID,
		"userId":  userID,
		"status":  status,
		"action":  action,
	})
	if err := m.bus.Publish(ctx, bus.SubjectAgentPresence, event); err != nil {
		m.logger.WithError(err).Warn("failed to publish presence event")
	}
}

func (m *Manager) recordPresenceNotification(ctx context.Context, notifType, agentID, userID string) {
	if m.notifier == nil {
		return
	}
	n := &models.Notification{
		Type:   notifType,
		Title:  "Agent " + agentID,
		Body:   "Agent " + agentID + " is now " + presenceWord(notifType),
		UserID: userID,
	}
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.WithError(err).Warn("failed to record presence notification")
	}
}

func presenceWord(notifType string) string {
	if notifType == models.NotifyAgentDisconnected {
		return "offline"
	}
	return "online"
}

// VisitorJoined registers a visitor connection and broadcasts the snapshot.
func (m *Manager) VisitorJoined(ctx context.Context, connID, url string) {
	m.registry.AddVisitor(connID, &models.Visitor{URL: url})
	m.PublishVisitors(ctx)
}

// VisitorChatting flips a visitor to chatting and broadcasts the snapshot.
func (m *Manager) VisitorChatting(ctx context.Context, connID, sessionID string) {
	m.registry.UpdateVisitor(connID, func(v *models.Visitor) {
		v.Status = models.VisitorChatting
		v.SessionID = sessionID
	})
	m.PublishVisitors(ctx)
}

// PublishVisitors pushes the current visitor snapshot to the admin feed.
func (m *Manager) PublishVisitors(ctx context.Context) {
	snapshot := m.registry.SnapshotVisitors()
	visitors := make([]interface{}, 0, len(snapshot))
	for _, v := range snapshot {
		visitors = append(visitors, map[string]interface{}{
			"connectionId": v.ConnectionID,
			"url":          v.URL,
			"onlineAt":     v.OnlineAt,
			"status":       v.Status,
			"sessionId":    v.SessionID,
		})
	}
	event := bus.NewEvent("live_visitors_update", "presence", map[string]interface{}{
		"visitors": visitors,
	})
	if err := m.bus.Publish(ctx, bus.SubjectAdminFeed, event); err != nil {
		m.logger.WithError(err).Warn("failed to publish visitor snapshot")
	}
}
