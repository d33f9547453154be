package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/supportdesk/internal/chat/models"
)

func TestRegisterAgentFirstTime(t *testing.T) {
	r := NewRegistry(50 * time.Millisecond)

	res := r.RegisterAgent("a1", "u1", "c1")
	assert.False(t, res.IsReplacement)
	assert.False(t, res.CancelledPending)

	conn, ok := r.AgentConnection("a1")
	require.True(t, ok)
	assert.Equal(t, "c1", conn)
}

func TestRegisterAgentIdempotent(t *testing.T) {
	r := NewRegistry(50 * time.Millisecond)

	r.RegisterAgent("a1", "u1", "c1")
	res := r.RegisterAgent("a1", "u1", "c1")
	assert.True(t, res.IsReplacement)
	assert.False(t, res.CancelledPending)

	conn, ok := r.AgentConnection("a1")
	require.True(t, ok)
	assert.Equal(t, "c1", conn)
	_, ok = r.AgentByConnection("c1")
	assert.True(t, ok)
}

func TestRegisterAgentReplacesConnection(t *testing.T) {
	r := NewRegistry(50 * time.Millisecond)

	r.RegisterAgent("a1", "u1", "c1")
	res := r.RegisterAgent("a1", "u1", "c2")
	assert.True(t, res.IsReplacement)

	conn, _ := r.AgentConnection("a1")
	assert.Equal(t, "c2", conn)
	_, ok := r.AgentByConnection("c1")
	assert.False(t, ok)
}

func TestReconnectWithinGracePeriod(t *testing.T) {
	r := NewRegistry(100 * time.Millisecond)

	var mu sync.Mutex
	expired := false
	onExpire := func(agentID, userID string) {
		mu.Lock()
		expired = true
		mu.Unlock()
	}

	r.RegisterAgent("a1", "u1", "c1")
	agentID := r.BeginDisconnect("c1", onExpire)
	assert.Equal(t, "a1", agentID)

	// Reconnect before the timer fires.
	res := r.RegisterAgent("a1", "u1", "c2")
	assert.True(t, res.CancelledPending)
	assert.False(t, res.IsReplacement)

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	assert.False(t, expired, "grace timer must not fire after reconnect")
	mu.Unlock()

	conn, _ := r.AgentConnection("a1")
	assert.Equal(t, "c2", conn)
}

func TestGraceExpiry(t *testing.T) {
	r := NewRegistry(30 * time.Millisecond)

	done := make(chan string, 1)
	r.RegisterAgent("a1", "u1", "c1")
	r.BeginDisconnect("c1", func(agentID, userID string) {
		done <- agentID + "/" + userID
	})

	select {
	case got := <-done:
		assert.Equal(t, "a1/u1", got)
	case <-time.After(time.Second):
		t.Fatal("grace timer never fired")
	}

	_, ok := r.AgentConnection("a1")
	assert.False(t, ok)
	assert.False(t, r.CancelPendingDisconnect("a1"))
}

func TestBeginDisconnectStaleConnection(t *testing.T) {
	r := NewRegistry(30 * time.Millisecond)

	r.RegisterAgent("a1", "u1", "c1")
	r.RegisterAgent("a1", "u1", "c2")

	// c1 was already replaced; tearing it down must not start a timer.
	agentID := r.BeginDisconnect("c1", func(string, string) {
		t.Error("expire callback for stale connection")
	})
	assert.Empty(t, agentID)

	conn, ok := r.AgentConnection("a1")
	require.True(t, ok)
	assert.Equal(t, "c2", conn)
	time.Sleep(60 * time.Millisecond)
}

func TestBeginDisconnectUnknownConnection(t *testing.T) {
	r := NewRegistry(30 * time.Millisecond)
	assert.Empty(t, r.BeginDisconnect("nope", func(string, string) {}))
}

func TestVisitors(t *testing.T) {
	r := NewRegistry(time.Second)

	r.AddVisitor("v1", &models.Visitor{URL: "/pricing"})
	r.AddVisitor("v2", &models.Visitor{URL: "/docs"})

	snap := r.SnapshotVisitors()
	require.Len(t, snap, 2)
	assert.Equal(t, models.VisitorBrowsing, snap[0].Status)

	ok := r.UpdateVisitor("v1", func(v *models.Visitor) {
		v.Status = models.VisitorChatting
		v.SessionID = "s-9"
	})
	require.True(t, ok)

	for _, v := range r.SnapshotVisitors() {
		if v.ConnectionID == "v1" {
			assert.Equal(t, models.VisitorChatting, v.Status)
			assert.Equal(t, "s-9", v.SessionID)
		}
	}

	v, ok := r.RemoveVisitor("v2")
	require.True(t, ok)
	assert.Equal(t, "/docs", v.URL)
	assert.Len(t, r.SnapshotVisitors(), 1)

	_, ok = r.RemoveVisitor("v2")
	assert.False(t, ok)
}
