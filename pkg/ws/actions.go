package ws

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Visitor actions (widget -> server)
	ActionVisitorJoin    = "visitor.join"
	ActionSessionStart   = "session.start"
	ActionSessionJoin    = "session.join"
	ActionUserMessage    = "user.message"
	ActionRequestAgent   = "agent.request"
	ActionRequestHuman   = "human.request"
	ActionSessionTimeout = "session.timeout"

	// Agent/admin actions (dashboard -> server)
	ActionAgentAuth     = "agent.auth"
	ActionAgentConnect  = "agent.connect" // legacy alias for agent.auth
	ActionAgentTakeover = "agent.takeover"
	ActionAgentMessage  = "agent.message"
	ActionInternalNote  = "note.internal"
	ActionInitiateChat  = "chat.initiate"
	ActionJoinAdminFeed = "admin.feed.join"

	// Notification actions (server -> session room)
	ActionSessionStarted     = "session.started"
	ActionBotMessage         = "bot.message"
	ActionBotStream          = "bot.stream"
	ActionAgentJoined        = "agent.joined"
	ActionAgentInitiatedChat = "agent.initiated_chat"
	ActionConversationClosed = "conversation.closed"

	// Notification actions (server -> agents/admin)
	ActionUserMessageForAgent   = "user.message.for_agent"
	ActionLiveVisitors          = "live.visitors"
	ActionAgentConnected        = "agent.connected"
	ActionAgentDisconnected     = "agent.disconnected"
	ActionAgentStatusChanged    = "agent.status_changed"
	ActionNewNotification       = "notification.new"
	ActionAdminRing             = "admin.ring"
	ActionSessionTimeoutWarning = "session.timeout_warning"

	// Error actions (server -> sender only)
	ActionSessionError = "session.error"
	ActionAuthError    = "auth.error"
	ActionError        = "error"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
