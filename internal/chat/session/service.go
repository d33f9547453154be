// Package session implements the conversation lifecycle: status
// transitions, the assignment cache and the derived aiPaused flag.
package session

import (
	"context"
	"time"

	"github.com/supportdesk/supportdesk/internal/chat/models"
	"github.com/supportdesk/supportdesk/internal/chat/store"
	apperrors "github.com/supportdesk/supportdesk/internal/common/errors"
	"github.com/supportdesk/supportdesk/internal/common/logger"
)

// Service owns session lifecycle transitions. It persists through the
// repository and keeps the assignment cache coherent; event emission is the
// caller's concern.
type Service struct {
	repo   store.Repository
	cache  *assignmentCache
	logger *logger.Logger
}

// NewService creates the session service.
func NewService(repo store.Repository, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		cache:  newAssignmentCache(),
		logger: log.WithComponent("session-service"),
	}
}

// EnsureSession creates the session if it does not exist and returns it.
// Idempotent: a concurrent or repeated create falls back to the existing row.
func (s *Service) EnsureSession(ctx context.Context, id string, userMeta map[string]interface{}) (*models.Session, bool, error) {
	existing, err := s.repo.GetSession(ctx, id)
	if err == nil {
		return existing, false, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, false, err
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:        id,
		Status:    models.SessionActive,
		UserMeta:  userMeta,
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		if apperrors.IsConflict(err) {
			existing, getErr := s.repo.GetSession(ctx, id)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	s.logger.WithSessionID(id).Debug("session created")
	return sess, true, nil
}

// Get loads a session.
func (s *Service) Get(ctx context.Context, id string) (*models.Session, error) {
	return s.repo.GetSession(ctx, id)
}

// Takeover assigns an agent to the session and pauses the AI. Reassignment
// of an already-assigned session is allowed; a closed session is not.
func (s *Service) Takeover(ctx context.Context, sessionID, agentID string) (*models.Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionClosed {
		return nil, apperrors.Conflict("session is closed")
	}

	status := models.SessionAgentAssigned
	if err := s.repo.UpdateSession(ctx, sessionID, store.SessionPatch{
		Status:        &status,
		AssignedAgent: &agentID,
		UserMeta:      map[string]interface{}{models.MetaAssignedAgent: agentID},
	}); err != nil {
		return nil, err
	}
	s.cache.invalidate(sessionID)

	sess.Status = status
	sess.AssignedAgent = agentID
	s.logger.WithSessionID(sessionID).WithAgentID(agentID).Info("agent took over session")
	return sess, nil
}

// Close concludes the session: status becomes closed and the concluded flag
// is set so the next user message triggers a reopen.
func (s *Service) Close(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	status := models.SessionClosed
	now := time.Now().UTC()
	if err := s.repo.UpdateSession(ctx, sessionID, store.SessionPatch{
		Status:   &status,
		UserMeta: map[string]interface{}{models.MetaConversationConcluded: true},
		LastSeen: &now,
	}); err != nil {
		return nil, err
	}
	s.cache.invalidate(sessionID)

	sess.Status = status
	if sess.UserMeta == nil {
		sess.UserMeta = map[string]interface{}{}
	}
	sess.UserMeta[models.MetaConversationConcluded] = true
	s.logger.WithSessionID(sessionID).Info("session closed")
	return sess, nil
}

// Reopen flips a concluded session back to active. Any prior assignment
// stays cleared; a fresh takeover is required for an agent to rejoin.
func (s *Service) Reopen(ctx context.Context, sessionID string) error {
	status := models.SessionActive
	cleared := ""
	if err := s.repo.UpdateSession(ctx, sessionID, store.SessionPatch{
		Status:        &status,
		AssignedAgent: &cleared,
		UserMeta:      map[string]interface{}{models.MetaConversationConcluded: false},
	}); err != nil {
		return err
	}
	s.cache.invalidate(sessionID)
	s.logger.WithSessionID(sessionID).Info("session reopened")
	return nil
}

// Touch updates the session's last-seen timestamp. Failures are logged by
// callers; staleness of lastSeen is acceptable.
func (s *Service) Touch(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	return s.repo.UpdateSession(ctx, sessionID, store.SessionPatch{LastSeen: &now})
}

// Assignment returns the cached assignment state for the dispatcher,
// reading through to the repository on a miss.
func (s *Service) Assignment(ctx context.Context, sessionID string) (Assignment, error) {
	if a, ok := s.cache.get(sessionID); ok {
		return a, nil
	}
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Assignment{}, err
	}
	a := Assignment{
		AgentID:  sess.AssignedAgent,
		AIPaused: sess.Status == models.SessionAgentAssigned || sess.AssignedAgent != "",
	}
	s.cache.put(sessionID, a)
	return a, nil
}

// InvalidateAssignment drops the cached entry for a session.
func (s *Service) InvalidateAssignment(sessionID string) {
	s.cache.invalidate(sessionID)
}
