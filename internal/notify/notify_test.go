package notify

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/supportdesk/internal/chat/models"
	"github.com/supportdesk/supportdesk/internal/chat/store"
	"github.com/supportdesk/supportdesk/internal/common/logger"
	"github.com/supportdesk/supportdesk/internal/events/bus"
)

type roleCollector struct {
	mu     sync.Mutex
	events map[string][]*bus.Event
}

func collectRoleEvents(t *testing.T, b bus.EventBus) *roleCollector {
	t.Helper()
	c := &roleCollector{events: make(map[string][]*bus.Event)}
	_, err := b.Subscribe(bus.SubjectNotifyRole+"*", func(ctx context.Context, e *bus.Event) error {
		c.mu.Lock()
		c.events[e.Type] = append(c.events[e.Type], e)
		c.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return c
}

func (c *roleCollector) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events[eventType])
}

func newTestNotify(t *testing.T) (*Service, store.Repository, *bus.MemoryEventBus) {
	t.Helper()
	repo, err := store.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"), store.DefaultTables())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	b := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	return NewService(repo, b, logger.Default()), repo, b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestNotifyBroadcastsToRoleRooms(t *testing.T) {
	svc, _, b := newTestNotify(t)
	collector := collectRoleEvents(t, b)

	n := &models.Notification{
		Type:      models.NotifyRequestAgent,
		Title:     "Agent requested",
		SessionID: "s-1",
	}
	require.NoError(t, svc.Notify(context.Background(), n))
	assert.NotEmpty(t, n.ID)

	// One publish per role room (admin + agent).
	waitFor(t, func() bool { return collector.count("new_notification") == 2 })
}

func TestBroadcastSystemAlert(t *testing.T) {
	svc, repo, b := newTestNotify(t)
	collector := collectRoleEvents(t, b)
	ctx := context.Background()

	require.NoError(t, repo.CreateUser(ctx, &models.User{
		ID:    "u-admin",
		Roles: []models.Role{models.RoleAdmin},
	}))
	require.NoError(t, repo.CreateUser(ctx, &models.User{
		ID:    "u-agent",
		Roles: []models.Role{models.RoleAgent},
	}))

	err := svc.BroadcastSystemAlert(ctx, "Maintenance", "Back at noon", "info",
		[]models.Role{models.RoleAdmin, models.RoleAgent})
	require.NoError(t, err)

	waitFor(t, func() bool { return collector.count("new_notification") == 2 })
}

func TestBroadcastSystemAlertNoUsers(t *testing.T) {
	svc, _, _ := newTestNotify(t)

	// No users with the role; still succeeds and publishes the room event.
	err := svc.BroadcastSystemAlert(context.Background(), "t", "b", "info",
		[]models.Role{models.RoleAdmin})
	assert.NoError(t, err)
}
