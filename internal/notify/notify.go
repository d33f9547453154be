// Package notify creates notification records and fans them out to the
// admin and agent role rooms.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/supportdesk/supportdesk/internal/chat/models"
	"github.com/supportdesk/supportdesk/internal/chat/store"
	"github.com/supportdesk/supportdesk/internal/common/logger"
	"github.com/supportdesk/supportdesk/internal/events/bus"
)

// broadcastRoles are the roles that receive every notification.
var broadcastRoles = []models.Role{models.RoleAdmin, models.RoleAgent}

// Service persists notifications and publishes them on the bus.
type Service struct {
	repo   store.Repository
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService creates the notification service.
func NewService(repo store.Repository, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		bus:    eventBus,
		logger: log.WithComponent("notify"),
	}
}

// Notify stores the notification and broadcasts it to the role rooms. A
// persistence failure is logged; the broadcast still goes out.
func (s *Service) Notify(ctx context.Context, n *models.Notification) error {
	if err := s.repo.CreateNotification(ctx, n); err != nil {
		s.logger.WithError(err).Warn("failed to persist notification",
			zap.String("type", n.Type))
	}

	data := map[string]interface{}{
		"id":        n.ID,
		"type":      n.Type,
		"title":     n.Title,
		"body":      n.Body,
		"severity":  n.Severity,
		"sessionId": n.SessionID,
		"createdAt": n.CreatedAt,
	}
	var lastErr error
	for _, role := range broadcastRoles {
		event := bus.NewEvent("new_notification", "notify", data)
		if err := s.bus.Publish(ctx, bus.SubjectNotifyRole+string(role), event); err != nil {
			s.logger.WithError(err).Warn("failed to publish notification",
				zap.String("role", string(role)))
			lastErr = err
		}
	}
	return lastErr
}

// BroadcastSystemAlert creates a per-user notification for every user
// holding one of the target roles, then broadcasts once per role room.
// Errors for individual recipients are isolated.
func (s *Service) BroadcastSystemAlert(ctx context.Context, title, body, severity string, targetRoles []models.Role) error {
	if len(targetRoles) == 0 {
		targetRoles = broadcastRoles
	}

	seen := make(map[string]bool)
	for _, role := range targetRoles {
		users, err := s.repo.FindUsersByRole(ctx, role, 0)
		if err != nil {
			s.logger.WithError(err).Warn("failed to enumerate users for alert",
				zap.String("role", string(role)))
			continue
		}
		for _, u := range users {
			if seen[u.ID] {
				continue
			}
			seen[u.ID] = true
			n := &models.Notification{
				Type:     "system_alert",
				Title:    title,
				Body:     body,
				Severity: severity,
				UserID:   u.ID,
			}
			if err := s.repo.CreateNotification(ctx, n); err != nil {
				s.logger.WithError(err).Warn("failed to persist alert for user",
					zap.String("user_id", u.ID))
			}
		}

		event := bus.NewEvent("new_notification", "notify", map[string]interface{}{
			"type":     "system_alert",
			"title":    title,
			"body":     body,
			"severity": severity,
		})
		if err := s.bus.Publish(ctx, bus.SubjectNotifyRole+string(role), event); err != nil {
			s.logger.WithError(err).Warn("failed to publish alert",
				zap.String("role", string(role)))
		}
	}
	return nil
}
