package session

import "sync"

// Assignment mirrors the hot fields the dispatcher needs per message.
// The repository stays authoritative; entries are dropped on any
// assignment, close or reopen.
type Assignment struct {
	AgentID  string
	AIPaused bool
}

type assignmentCache struct {
	mu      sync.RWMutex
	entries map[string]Assignment
}

func newAssignmentCache() *assignmentCache {
	return &assignmentCache{entries: make(map[string]Assignment)}
}

func (c *assignmentCache) get(sessionID string) (Assignment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.entries[sessionID]
	return a, ok
}

func (c *assignmentCache) put(sessionID string, a Assignment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionID] = a
}

func (c *assignmentCache) invalidate(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
}
