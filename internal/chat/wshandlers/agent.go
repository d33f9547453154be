package wshandlers

import (
	"context"

	"github.com/supportdesk/supportdesk/internal/chat/models"
	apperrors "github.com/supportdesk/supportdesk/internal/common/errors"
	gws "github.com/supportdesk/supportdesk/internal/gateway/websocket"
	"github.com/supportdesk/supportdesk/pkg/ws"
)

// requireAgent resolves the calling client and its identity, rejecting
// connections that never authenticated.
func (h *Handlers) requireAgent(ctx context.Context) (*gws.Client, gws.Identity, error) {
	client, err := clientFrom(ctx)
	if err != nil {
		return nil, gws.Identity{}, err
	}
	identity, ok := client.Identity()
	if !ok {
		return nil, gws.Identity{}, apperrors.Unauthorized("authentication required")
	}
	if !models.HasRole(identity.Roles, models.RoleAgent) {
		return nil, gws.Identity{}, apperrors.Forbidden("requires agent role")
	}
	return client, identity, nil
}

type agentAuthRequest struct {
	Token   string `json:"token"`
	AgentID string `json:"agentId,omitempty"`
}

func (h *Handlers) handleAgentAuth(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, err := clientFrom(ctx)
	if err != nil {
		return nil, err
	}
	var req agentAuthRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}

	claims, err := h.presence.Authenticate(ctx, client, req.Token, req.AgentID)
	if err != nil {
		// Authenticate already pushed auth_error and scheduled the
		// disconnect; the response just mirrors the failure.
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeUnauthorized, "authentication failed", nil)
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
		"agentId": claims.AgentID,
		"roles":   claims.Roles,
	})
}

type agentTakeoverRequest struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId,omitempty"`
}

func (h *Handlers) handleAgentTakeover(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, identity, err := h.requireAgent(ctx)
	if err != nil {
		return authError(msg, err)
	}
	var req agentTakeoverRequest
	if err := msg.ParsePayload(&req); err != nil || req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId is required", nil)
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = identity.AgentID
	}

	sess, err := h.sessions.Takeover(ctx, req.SessionID, agentID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "session not found", nil)
		}
		if apperrors.IsConflict(err) {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "session is closed", nil)
		}
		h.logger.WithError(err).WithSessionID(req.SessionID).Error("takeover failed")
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "takeover failed", nil)
	}

	room := gws.SessionRoom(sess.ID)
	h.hub.JoinRoom(client, room)

	joined, nerr := ws.NewNotification(ws.ActionAgentJoined, map[string]interface{}{
		"sessionId": sess.ID,
		"agentId":   agentID,
	})
	if nerr == nil {
		h.hub.NotifyRoom(room, joined)
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":   true,
		"sessionId": sess.ID,
		"agentId":   agentID,
	})
}

type agentMessageRequest struct {
	SessionID     string `json:"sessionId"`
	Text          string `json:"text"`
	AgentID       string `json:"agentId,omitempty"`
	AttachmentURL string `json:"attachmentUrl,omitempty"`
}

func (h *Handlers) handleAgentMessage(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	_, identity, err := h.requireAgent(ctx)
	if err != nil {
		return authError(msg, err)
	}
	var req agentMessageRequest
	if err := msg.ParsePayload(&req); err != nil || req.SessionID == "" || req.Text == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId and text are required", nil)
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = identity.AgentID
	}

	if err := h.repo.AppendMessage(ctx, &models.Message{
		SessionID:     req.SessionID,
		Sender:        models.SenderAgent,
		Text:          req.Text,
		AttachmentURL: req.AttachmentURL,
	}); err != nil {
		h.logger.WithError(err).WithSessionID(req.SessionID).Error("failed to persist agent message")
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "failed to store message", nil)
	}
	if err := h.sessions.Touch(ctx, req.SessionID); err != nil {
		h.logger.WithError(err).WithSessionID(req.SessionID).Warn("failed to touch session")
	}

	out, nerr := ws.NewNotification(ws.ActionAgentMessage, map[string]interface{}{
		"sessionId": req.SessionID,
		"text":      req.Text,
		"agentId":   agentID,
		"sender":    models.SenderAgent,
	})
	if nerr == nil {
		h.hub.NotifyRoom(gws.SessionRoom(req.SessionID), out)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

type internalNoteRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	AgentID   string `json:"agentId,omitempty"`
}

func (h *Handlers) handleInternalNote(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	_, identity, err := h.requireAgent(ctx)
	if err != nil {
		return authError(msg, err)
	}
	var req internalNoteRequest
	if err := msg.ParsePayload(&req); err != nil || req.SessionID == "" || req.Text == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId and text are required", nil)
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = identity.AgentID
	}

	if err := h.repo.AppendMessage(ctx, &models.Message{
		SessionID:  req.SessionID,
		Sender:     models.SenderInternal,
		Text:       req.Text,
		Visibility: models.VisibilityInternal,
	}); err != nil {
		h.logger.WithError(err).WithSessionID(req.SessionID).Error("failed to persist internal note")
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "failed to store note", nil)
	}

	// Internal notes fan out to agent connections in the room only; the
	// visitor never receives them.
	out, nerr := ws.NewNotification(ws.ActionInternalNote, map[string]interface{}{
		"sessionId": req.SessionID,
		"text":      req.Text,
		"agentId":   agentID,
	})
	if nerr == nil {
		h.hub.NotifyRoomAgents(gws.SessionRoom(req.SessionID), out)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

type initiateChatRequest struct {
	TargetConnectionID string `json:"targetConnectionId"`
	Message            string `json:"message"`
	AgentID            string `json:"agentId,omitempty"`
}

func (h *Handlers) handleInitiateChat(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	_, identity, err := h.requireAgent(ctx)
	if err != nil {
		return authError(msg, err)
	}
	var req initiateChatRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = identity.AgentID
	}

	sessionID, err := h.proactive.Initiate(ctx, req.TargetConnectionID, req.Message, agentID, identity.Roles)
	if err != nil {
		switch {
		case apperrors.IsValidation(err):
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
		case apperrors.IsNotFound(err):
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "visitor not connected", nil)
		default:
			h.logger.WithError(err).WithAgentID(agentID).Error("failed to initiate chat")
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "failed to initiate chat", nil)
		}
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":   true,
		"sessionId": sessionID,
	})
}

func (h *Handlers) handleJoinAdminFeed(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, _, err := h.requireAgent(ctx)
	if err != nil {
		return authError(msg, err)
	}

	h.hub.JoinRoom(client, gws.RoomAdminFeed)

	// Push the current visitor snapshot straight to the joining client so
	// the dashboard renders without waiting for the next presence change.
	visitors := h.presence.Registry().SnapshotVisitors()
	payload := make([]map[string]interface{}, 0, len(visitors))
	for _, v := range visitors {
		payload = append(payload, map[string]interface{}{
			"connectionId": v.ConnectionID,
			"url":          v.URL,
			"onlineAt":     v.OnlineAt,
			"status":       v.Status,
			"sessionId":    v.SessionID,
		})
	}
	snapshot, nerr := ws.NewNotification(ws.ActionLiveVisitors, map[string]interface{}{
		"visitors": payload,
	})
	if nerr == nil {
		client.Send(snapshot)
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

func authError(msg *ws.Message, err error) (*ws.Message, error) {
	if apperrors.IsUnauthorized(err) {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeUnauthorized, "authentication required", nil)
	}
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeForbidden, "insufficient role", nil)
}
