// Package presence tracks live visitors and agent connections, including
// the grace-period reconnect window for agents.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/supportdesk/supportdesk/internal/chat/models"
)

// RegisterResult reports how a registration changed the registry.
type RegisterResult struct {
	// IsReplacement is true when the agent already had a live connection
	// (including an idempotent re-auth on the same connection).
	IsReplacement bool
	// CancelledPending is true when the registration cancelled a running
	// grace timer, i.e. this was a reconnect.
	CancelledPending bool
}

// ExpireFunc runs when a grace timer fires without a reconnect.
type ExpireFunc func(agentID, userID string)

type pendingDisconnect struct {
	agentID  string
	userID   string
	timer    *time.Timer
	deadline time.Time
}

// Registry is the exclusive owner of the presence maps. Every operation
// takes the single lock, so the beginDisconnect/cancelPendingDisconnect
// pair can never leak a status change past a reconnect.
type Registry struct {
	mu          sync.Mutex
	agentByConn map[string]*models.AgentPresence
	connByAgent map[string]string
	visitors    map[string]*models.Visitor
	pending     map[string]*pendingDisconnect
	grace       time.Duration
}

// NewRegistry creates a registry with the given grace period.
func NewRegistry(grace time.Duration) *Registry {
	return &Registry{
		agentByConn: make(map[string]*models.AgentPresence),
		connByAgent: make(map[string]string),
		visitors:    make(map[string]*models.Visitor),
		pending:     make(map[string]*pendingDisconnect),
		grace:       grace,
	}
}

// RegisterAgent binds an agent to a connection, replacing any prior
// binding and cancelling a running grace timer.
func (r *Registry) RegisterAgent(agentID, userID, connID string) RegisterResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res RegisterResult
	if p, ok := r.pending[agentID]; ok {
		p.timer.Stop()
		delete(r.pending, agentID)
		res.CancelledPending = true
	}
	if prev, ok := r.connByAgent[agentID]; ok {
		res.IsReplacement = true
		if prev != connID {
			delete(r.agentByConn, prev)
		}
	}

	r.connByAgent[agentID] = connID
	r.agentByConn[connID] = &models.AgentPresence{
		AgentID:       agentID,
		ConnectionID:  connID,
		UserID:        userID,
		Authenticated: true,
	}
	return res
}

// AgentConnection returns the live connection id for an agent.
func (r *Registry) AgentConnection(agentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connByAgent[agentID]
	return conn, ok
}

// AgentByConnection returns the agent bound to a connection.
func (r *Registry) AgentByConnection(connID string) (*models.AgentPresence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.agentByConn[connID]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// BeginDisconnect tears down an agent connection and starts the grace
// timer. onExpire runs only if no reconnect cancels the timer first.
// Returns the affected agent id, or "" if the connection was not an
// agent's current one.
func (r *Registry) BeginDisconnect(connID string, onExpire ExpireFunc) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.agentByConn[connID]
	if !ok {
		return ""
	}
	delete(r.agentByConn, connID)
	if r.connByAgent[p.AgentID] != connID {
		// A newer connection already replaced this one.
		return ""
	}
	delete(r.connByAgent, p.AgentID)

	agentID, userID := p.AgentID, p.UserID
	pd := &pendingDisconnect{
		agentID:  agentID,
		userID:   userID,
		deadline: time.Now().Add(r.grace),
	}
	pd.timer = time.AfterFunc(r.grace, func() {
		if r.expire(agentID) {
			onExpire(agentID, userID)
		}
	})
	r.pending[agentID] = pd
	return agentID
}

// expire removes the pending record when its timer fires; returns false if
// a reconnect already cancelled it.
func (r *Registry) expire(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[agentID]; !ok {
		return false
	}
	delete(r.pending, agentID)
	return true
}

// CancelPendingDisconnect stops a running grace timer, if any.
func (r *Registry) CancelPendingDisconnect(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[agentID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(r.pending, agentID)
	return true
}

// AddVisitor records a live visitor connection.
func (r *Registry) AddVisitor(connID string, v *models.Visitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v.ConnectionID = connID
	if v.Status == "" {
		v.Status = models.VisitorBrowsing
	}
	if v.OnlineAt.IsZero() {
		v.OnlineAt = time.Now().UTC()
	}
	r.visitors[connID] = v
}

// RemoveVisitor drops a visitor; returns it if it existed.
func (r *Registry) RemoveVisitor(connID string) (*models.Visitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visitors[connID]
	if !ok {
		return nil, false
	}
	delete(r.visitors, connID)
	return v, true
}

// UpdateVisitor applies a mutation to a visitor under the lock.
func (r *Registry) UpdateVisitor(connID string, mutate func(*models.Visitor)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visitors[connID]
	if !ok {
		return false
	}
	mutate(v)
	return true
}

// SnapshotVisitors returns a stable copy of the visitor list.
func (r *Registry) SnapshotVisitors() []models.Visitor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Visitor, 0, len(r.visitors))
	for _, v := range r.visitors {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OnlineAt.Before(out[j].OnlineAt)
	})
	return out
}
