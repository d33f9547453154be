// Package wshandlers registers the chat protocol's actions on the
// WebSocket dispatcher and bridges bus events into gateway rooms.
package wshandlers

import (
	"context"
	"fmt"

	"github.com/supportdesk/supportdesk/internal/chat/dispatcher"
	"github.com/supportdesk/supportdesk/internal/chat/models"
	"github.com/supportdesk/supportdesk/internal/chat/proactive"
	"github.com/supportdesk/supportdesk/internal/chat/session"
	"github.com/supportdesk/supportdesk/internal/chat/store"
	"github.com/supportdesk/supportdesk/internal/common/logger"
	"github.com/supportdesk/supportdesk/internal/events/bus"
	gws "github.com/supportdesk/supportdesk/internal/gateway/websocket"
	"github.com/supportdesk/supportdesk/internal/notify"
	"github.com/supportdesk/supportdesk/internal/presence"
	"github.com/supportdesk/supportdesk/internal/settings"
	"github.com/supportdesk/supportdesk/pkg/ws"
)

// Handlers wires the chat services to the wire protocol.
type Handlers struct {
	hub       *gws.Hub
	disp      *dispatcher.Dispatcher
	sessions  *session.Service
	presence  *presence.Manager
	proactive *proactive.Orchestrator
	notify    *notify.Service
	settings  *settings.Service
	repo      store.Repository
	queue     *dispatcher.BestEffortQueue
	bus       bus.EventBus
	logger    *logger.Logger
}

// Params collects the handler dependencies.
type Params struct {
	Hub        *gws.Hub
	Dispatcher *dispatcher.Dispatcher
	Sessions   *session.Service
	Presence   *presence.Manager
	Proactive  *proactive.Orchestrator
	Notify     *notify.Service
	Settings   *settings.Service
	Repo       store.Repository
	Queue      *dispatcher.BestEffortQueue
	Bus        bus.EventBus
	Logger     *logger.Logger
}

// New creates the handler set.
func New(p Params) *Handlers {
	return &Handlers{
		hub:       p.Hub,
		disp:      p.Dispatcher,
		sessions:  p.Sessions,
		presence:  p.Presence,
		proactive: p.Proactive,
		notify:    p.Notify,
		settings:  p.Settings,
		repo:      p.Repo,
		queue:     p.Queue,
		bus:       p.Bus,
		logger:    p.Logger.WithComponent("wshandlers"),
	}
}

// Register installs every action handler on the dispatcher.
func (h *Handlers) Register(d *ws.Dispatcher) {
	// Visitor actions.
	d.RegisterFunc(ws.ActionVisitorJoin, h.handleVisitorJoin)
	d.RegisterFunc(ws.ActionSessionStart, h.handleSessionStart)
	d.RegisterFunc(ws.ActionSessionJoin, h.handleSessionJoin)
	d.RegisterFunc(ws.ActionUserMessage, h.handleUserMessage)
	d.RegisterFunc(ws.ActionRequestAgent, h.handleRequestAgent)
	d.RegisterFunc(ws.ActionRequestHuman, h.handleRequestHuman)
	d.RegisterFunc(ws.ActionSessionTimeout, h.handleSessionTimeout)

	// Agent actions.
	d.RegisterFunc(ws.ActionAgentAuth, h.handleAgentAuth)
	d.RegisterFunc(ws.ActionAgentConnect, h.handleAgentAuth)
	d.RegisterFunc(ws.ActionAgentTakeover, h.handleAgentTakeover)
	d.RegisterFunc(ws.ActionAgentMessage, h.handleAgentMessage)
	d.RegisterFunc(ws.ActionInternalNote, h.handleInternalNote)
	d.RegisterFunc(ws.ActionInitiateChat, h.handleInitiateChat)
	d.RegisterFunc(ws.ActionJoinAdminFeed, h.handleJoinAdminFeed)
}

// HandleDisconnect is installed as the hub's disconnect hook.
func (h *Handlers) HandleDisconnect(client *gws.Client) {
	h.presence.HandleDisconnect(client)
}

func clientFrom(ctx context.Context) (*gws.Client, error) {
	client, ok := gws.ClientFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no client bound to request context")
	}
	return client, nil
}

type visitorJoinRequest struct {
	URL string `json:"url"`
}

func (h *Handlers) handleVisitorJoin(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, err := clientFrom(ctx)
	if err != nil {
		return nil, err
	}
	var req visitorJoinRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}
	h.presence.VisitorJoined(ctx, client.ID, req.URL)
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":      true,
		"connectionId": client.ID,
	})
}

type sessionStartRequest struct {
	SessionID string                 `json:"sessionId"`
	UserMeta  map[string]interface{} `json:"userMeta,omitempty"`
}

func (h *Handlers) handleSessionStart(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, err := clientFrom(ctx)
	if err != nil {
		return nil, err
	}
	var req sessionStartRequest
	if err := msg.ParsePayload(&req); err != nil || req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId is required", nil)
	}

	sess, created, err := h.sessions.EnsureSession(ctx, req.SessionID, req.UserMeta)
	if err != nil {
		h.logger.WithError(err).WithSessionID(req.SessionID).Error("failed to ensure session")
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "session unavailable", nil)
	}

	room := gws.SessionRoom(sess.ID)
	h.hub.JoinRoom(client, room)
	h.presence.VisitorChatting(ctx, client.ID, sess.ID)

	started, err := ws.NewNotification(ws.ActionSessionStarted, map[string]interface{}{
		"sessionId": sess.ID,
		"status":    sess.Status,
	})
	if err == nil {
		h.hub.NotifyRoom(room, started)
	}

	if created {
		welcome := h.settings.WelcomeMessage(ctx)
		botMsg, err := ws.NewNotification(ws.ActionBotMessage, map[string]interface{}{
			"sessionId":  sess.ID,
			"text":       welcome,
			"confidence": 1.0,
			"type":       dispatcher.TypeWelcome,
		})
		if err == nil {
			h.hub.NotifyRoom(room, botMsg)
		}
		h.queue.Submit(func(ctx context.Context) {
			if err := h.repo.AppendMessage(ctx, &models.Message{
				SessionID: sess.ID,
				Sender:    models.SenderBot,
				Text:      welcome,
			}); err != nil {
				h.logger.WithError(err).WithSessionID(sess.ID).Warn("failed to persist welcome message")
			}
		})
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":   true,
		"sessionId": sess.ID,
	})
}

type sessionJoinRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *Handlers) handleSessionJoin(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, err := clientFrom(ctx)
	if err != nil {
		return nil, err
	}
	var req sessionJoinRequest
	if err := msg.ParsePayload(&req); err != nil || req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId is required", nil)
	}
	h.hub.JoinRoom(client, gws.SessionRoom(req.SessionID))
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

type userMessageRequest struct {
	SessionID     string `json:"sessionId"`
	Text          string `json:"text"`
	Type          string `json:"type,omitempty"`
	AttachmentURL string `json:"attachmentUrl,omitempty"`
}

func (h *Handlers) handleUserMessage(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, err := clientFrom(ctx)
	if err != nil {
		return nil, err
	}
	var req userMessageRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}

	// Runs on the connection's read pump, so messages within a session
	// arriving on one connection dispatch in order.
	h.disp.HandleUserMessage(ctx, dispatcher.UserMessage{
		SessionID:     req.SessionID,
		Text:          req.Text,
		Type:          req.Type,
		AttachmentURL: req.AttachmentURL,
		ConnectionID:  client.ID,
	})
	return nil, nil
}

type requestAgentRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *Handlers) handleRequestAgent(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req requestAgentRequest
	if err := msg.ParsePayload(&req); err != nil || req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId is required", nil)
	}

	confirmation, err := ws.NewNotification(ws.ActionBotMessage, map[string]interface{}{
		"sessionId":  req.SessionID,
		"text":       dispatcher.MsgAgentRequested,
		"confidence": 1.0,
	})
	if err == nil {
		h.hub.NotifyRoom(gws.SessionRoom(req.SessionID), confirmation)
	}
	h.queue.Submit(func(ctx context.Context) {
		if err := h.repo.AppendMessage(ctx, &models.Message{
			SessionID: req.SessionID,
			Sender:    models.SenderBot,
			Text:      dispatcher.MsgAgentRequested,
		}); err != nil {
			h.logger.WithError(err).WithSessionID(req.SessionID).Warn("failed to persist confirmation")
		}
	})

	if err := h.notify.Notify(ctx, &models.Notification{
		Type:      models.NotifyRequestAgent,
		Title:     "Agent requested",
		Body:      "A visitor asked to talk to an agent",
		SessionID: req.SessionID,
	}); err != nil {
		h.logger.WithError(err).WithSessionID(req.SessionID).Warn("failed to notify agent request")
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

type requestHumanRequest struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

func (h *Handlers) handleRequestHuman(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req requestHumanRequest
	if err := msg.ParsePayload(&req); err != nil || req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId is required", nil)
	}

	ring, err := ws.NewNotification(ws.ActionAdminRing, map[string]interface{}{
		"sessionId": req.SessionID,
		"reason":    req.Reason,
	})
	if err == nil {
		h.hub.NotifyRoom(gws.RoomAdminFeed, ring)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

type sessionTimeoutRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *Handlers) handleSessionTimeout(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req sessionTimeoutRequest
	if err := msg.ParsePayload(&req); err != nil || req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId is required", nil)
	}

	if err := h.notify.Notify(ctx, &models.Notification{
		Type:      models.NotifySessionTimeoutWarning,
		Title:     "Session about to time out",
		Body:      "A conversation has been idle and will expire soon",
		SessionID: req.SessionID,
	}); err != nil {
		h.logger.WithError(err).WithSessionID(req.SessionID).Warn("failed to notify timeout warning")
	}

	warning, err := ws.NewNotification(ws.ActionSessionTimeoutWarning, map[string]interface{}{
		"sessionId": req.SessionID,
	})
	if err == nil {
		h.hub.NotifyRoom(gws.RoomAdminFeed, warning)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}
