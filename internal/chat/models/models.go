// Package models defines the persisted and in-memory entities of the
// support-chat domain.
package models

import "time"

// SessionStatus is the lifecycle state of a conversation.
type SessionStatus string

const (
	SessionActive        SessionStatus = "active"
	SessionAgentAssigned SessionStatus = "agent_assigned"
	SessionClosed        SessionStatus = "closed"
)

// Sender identifies the author of a message.
type Sender string

const (
	SenderUser     Sender = "user"
	SenderBot      Sender = "bot"
	SenderAgent    Sender = "agent"
	SenderInternal Sender = "internal"
)

// Visibility controls who may receive a message.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityInternal Visibility = "internal"
)

// ResponseType classifies how a bot reply was produced, for accuracy audits.
type ResponseType string

const (
	ResponsePreloaded ResponseType = "preloaded"
	ResponseStub      ResponseType = "stub"
	ResponseAI        ResponseType = "ai"
	ResponseFallback  ResponseType = "fallback"
	ResponseVision    ResponseType = "vision"
)

// UserMeta keys recognized by the dispatcher.
const (
	MetaConversationConcluded = "conversationConcluded"
	MetaAssignedAgent         = "assignedAgent"
)

// Session is one end-to-end conversation with a stable id.
// Exactly one of AssignedAgent=="" or Status==agent_assigned holds at any
// time, except during the brief takeover window.
type Session struct {
	ID            string                 `json:"id" db:"id"`
	Status        SessionStatus          `json:"status" db:"status"`
	AssignedAgent string                 `json:"assigned_agent,omitempty" db:"assigned_agent"`
	UserMeta      map[string]interface{} `json:"user_meta,omitempty"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
	LastSeen      time.Time              `json:"last_seen" db:"last_seen"`
}

// Concluded reports whether the conversation has been concluded by the user.
func (s *Session) Concluded() bool {
	if s.UserMeta == nil {
		return false
	}
	v, ok := s.UserMeta[MetaConversationConcluded].(bool)
	return ok && v
}

// Message is one turn in a session. Append-only.
// Sender==internal implies Visibility==internal; internal messages must
// never reach visitor clients.
type Message struct {
	ID            string                 `json:"id" db:"id"`
	SessionID     string                 `json:"session_id" db:"session_id"`
	Sender        Sender                 `json:"sender" db:"sender"`
	Text          string                 `json:"text" db:"text"`
	AttachmentURL string                 `json:"attachment_url,omitempty" db:"attachment_url"`
	Visibility    Visibility             `json:"visibility,omitempty" db:"visibility"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
}

// Visitor is an anonymous live page-view. Not persisted.
type Visitor struct {
	ConnectionID string    `json:"connection_id"`
	URL          string    `json:"url"`
	OnlineAt     time.Time `json:"online_at"`
	Status       string    `json:"status,omitempty"` // browsing, chatting
	SessionID    string    `json:"session_id,omitempty"`
}

// Visitor statuses.
const (
	VisitorBrowsing = "browsing"
	VisitorChatting = "chatting"
)

// AgentPresence is a registered agent connection. At most one live
// connection exists per agent id; reconnects replace the prior one.
type AgentPresence struct {
	AgentID       string `json:"agent_id"`
	ConnectionID  string `json:"connection_id"`
	UserID        string `json:"user_id"`
	Authenticated bool   `json:"authenticated"`
}

// Notification is a persisted event record fanned out to role rooms.
type Notification struct {
	ID        string    `json:"id" db:"id"`
	Type      string    `json:"type" db:"type"`
	Title     string    `json:"title" db:"title"`
	Body      string    `json:"body" db:"body"`
	Severity  string    `json:"severity,omitempty" db:"severity"`
	SessionID string    `json:"session_id,omitempty" db:"session_id"`
	UserID    string    `json:"user_id,omitempty" db:"user_id"`
	Read      bool      `json:"read" db:"read"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Notification types.
const (
	NotifyRequestAgent          = "request_agent"
	NotifySessionTimeoutWarning = "session_timeout_warning"
	NotifyTicketCreated         = "ticket_created"
	NotifyAgentConnected        = "agent_connected"
	NotifyAgentDisconnected     = "agent_disconnected"
)

// AccuracyRecord audits each generated reply.
type AccuracyRecord struct {
	ID           string       `json:"id" db:"id"`
	SessionID    string       `json:"session_id" db:"session_id"`
	Text         string       `json:"text" db:"text"`
	Confidence   float64      `json:"confidence" db:"confidence"`
	LatencyMS    int64        `json:"latency_ms" db:"latency_ms"`
	Tokens       int          `json:"tokens" db:"tokens"`
	ResponseType ResponseType `json:"response_type" db:"response_type"`
	Model        string       `json:"model,omitempty" db:"model"`
	Metadata     string       `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

// User is a dashboard user (agent or admin).
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	Roles     []Role    `json:"roles"`
	Status    string    `json:"status" db:"status"` // online, offline
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// User statuses.
const (
	UserOnline  = "online"
	UserOffline = "offline"
)
