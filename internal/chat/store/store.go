// Package store provides persistence for sessions, messages, users,
// notifications, accuracy records and application settings.
package store

import (
	"context"
	"time"

	"github.com/supportdesk/supportdesk/internal/chat/models"
)

// Tables maps each persisted collection to its table name.
type Tables struct {
	Sessions      string
	Messages      string
	Users         string
	Notifications string
	Accuracy      string
	Settings      string
}

// DefaultTables returns the default table names.
func DefaultTables() Tables {
	return Tables{
		Sessions:      "chat_sessions",
		Messages:      "chat_messages",
		Users:         "users",
		Notifications: "notifications",
		Accuracy:      "accuracy_records",
		Settings:      "app_settings",
	}
}

// SessionPatch is a partial update to a session. Nil fields are left
// untouched; UserMeta entries are merged into the stored bag.
type SessionPatch struct {
	Status        *models.SessionStatus
	AssignedAgent *string
	UserMeta      map[string]interface{}
	LastSeen      *time.Time
}

// Repository is the narrow persistence interface consumed by the chat core.
// Implementations return typed errors from internal/common/errors
// (NotFound, Conflict, Transient).
type Repository interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) error

	AppendMessage(ctx context.Context, m *models.Message) error
	// ListMessages returns up to limit messages for a session. Ascending
	// selects oldest-first ordering; limit <= 0 means no limit. When
	// descending with a limit, the newest messages are returned.
	ListMessages(ctx context.Context, sessionID string, limit int, ascending bool) ([]*models.Message, error)

	CreateNotification(ctx context.Context, n *models.Notification) error

	CreateUser(ctx context.Context, u *models.User) error
	FindUsersByRole(ctx context.Context, role models.Role, limit int) ([]*models.User, error)
	UpdateUserStatus(ctx context.Context, userID, status string) error

	CreateAccuracyRecord(ctx context.Context, r *models.AccuracyRecord) error

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}
