package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/supportdesk/internal/common/logger"
)

func collectEvents(t *testing.T, b *MemoryEventBus, subject string) (*[]string, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var got []string
	_, err := b.Subscribe(subject, func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return &got, &mu
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

func TestPublishExactSubject(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	got, mu := collectEvents(t, b, SubjectAdminFeed)

	require.NoError(t, b.Publish(context.Background(), SubjectAdminFeed, NewEvent("live_visitors", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), SubjectAgentPresence, NewEvent("agent_connected", "test", nil)))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	})
	mu.Lock()
	assert.Equal(t, []string{"live_visitors"}, *got)
	mu.Unlock()
}

func TestPublishWildcard(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	star, starMu := collectEvents(t, b, SubjectNotifyRole+"*")
	all, allMu := collectEvents(t, b, "chat.>")

	require.NoError(t, b.Publish(context.Background(), SubjectNotifyRole+"admin", NewEvent("notification", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), SubjectAgentPresence, NewEvent("agent_connected", "test", nil)))

	waitFor(t, func() bool {
		starMu.Lock()
		n := len(*star)
		starMu.Unlock()
		allMu.Lock()
		m := len(*all)
		allMu.Unlock()
		return n == 1 && m == 2
	})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	count := 0
	sub, err := b.Subscribe(SubjectAdminFeed, func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectAdminFeed, NewEvent("one", "test", nil)))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), SubjectAdminFeed, NewEvent("two", "test", nil)))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), SubjectAdminFeed, NewEvent("x", "test", nil)))
	_, err := b.Subscribe(SubjectAdminFeed, func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
