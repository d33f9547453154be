package wshandlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/supportdesk/supportdesk/internal/chat/models"
	"github.com/supportdesk/supportdesk/internal/events/bus"
	gws "github.com/supportdesk/supportdesk/internal/gateway/websocket"
	"github.com/supportdesk/supportdesk/pkg/ws"
)

// BindBus subscribes the gateway to the event bus and forwards matching
// events into rooms. Presence and notification services publish to the bus
// only; this bridge is the single place bus traffic turns into WebSocket
// frames, so a NATS deployment fans out across gateway instances for free.
func (h *Handlers) BindBus() error {
	if _, err := h.bus.Subscribe(bus.SubjectAdminFeed, h.onAdminFeedEvent); err != nil {
		return err
	}
	if _, err := h.bus.Subscribe(bus.SubjectAgentPresence, h.onPresenceEvent); err != nil {
		return err
	}
	// One subscription per role room; the role is encoded in the subject,
	// not the payload.
	roles := []models.Role{models.RoleSuperAdmin, models.RoleAdmin, models.RoleAgent, models.RoleViewer}
	for _, role := range roles {
		room := gws.RoleRoom(role)
		if _, err := h.bus.Subscribe(bus.SubjectNotifyRole+string(role), h.roleNotificationHandler(room)); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) onAdminFeedEvent(ctx context.Context, event *bus.Event) error {
	msg, err := ws.NewNotification(adminFeedAction(event.Type), event.Data)
	if err != nil {
		h.logger.WithError(err).Warn("failed to encode admin feed event",
			zap.String("event_type", event.Type))
		return err
	}
	h.hub.NotifyRoom(gws.RoomAdminFeed, msg)
	return nil
}

func adminFeedAction(eventType string) string {
	switch eventType {
	case "live_visitors_update":
		return ws.ActionLiveVisitors
	case "admin_ring_sound":
		return ws.ActionAdminRing
	case "session_timeout_warning":
		return ws.ActionSessionTimeoutWarning
	default:
		return eventType
	}
}

func (h *Handlers) onPresenceEvent(ctx context.Context, event *bus.Event) error {
	var action string
	switch event.Type {
	case "agent_connected":
		action = ws.ActionAgentConnected
	case "agent_disconnected":
		action = ws.ActionAgentDisconnected
	default:
		action = event.Type
	}

	msg, err := ws.NewNotification(action, event.Data)
	if err != nil {
		h.logger.WithError(err).Warn("failed to encode presence event",
			zap.String("event_type", event.Type))
		return err
	}
	h.hub.NotifyRoom(gws.RoomAdminFeed, msg)

	// The dashboard also tracks a generic status feed keyed by agent.
	if status, serr := ws.NewNotification(ws.ActionAgentStatusChanged, event.Data); serr == nil {
		h.hub.NotifyRoom(gws.RoomAdminFeed, status)
	}
	return nil
}

func (h *Handlers) roleNotificationHandler(room string) bus.EventHandler {
	return func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(ws.ActionNewNotification, event.Data)
		if err != nil {
			h.logger.WithError(err).Warn("failed to encode notification event")
			return err
		}
		h.hub.NotifyRoom(room, msg)
		return nil
	}
}
