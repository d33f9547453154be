package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/supportdesk/internal/chat/models"
	"github.com/supportdesk/supportdesk/internal/common/logger"
	"github.com/supportdesk/supportdesk/pkg/ws"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(ws.NewDispatcher(), logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func registerClient(t *testing.T, hub *Hub, id string) *Client {
	t.Helper()
	client := NewClient(id, nil, hub, logger.Default())
	hub.Register(client)
	require.Eventually(t, func() bool {
		_, ok := hub.Client(id)
		return ok
	}, time.Second, 5*time.Millisecond)
	return client
}

func receive(t *testing.T, c *Client) *ws.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ws.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return &msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestNotifyRoomReachesAllMembers(t *testing.T) {
	hub := newTestHub(t)
	a := registerClient(t, hub, "conn-a")
	b := registerClient(t, hub, "conn-b")
	outsider := registerClient(t, hub, "conn-c")

	hub.JoinRoom(a, SessionRoom("s-1"))
	hub.JoinRoom(b, SessionRoom("s-1"))

	msg, err := ws.NewNotification(ws.ActionBotMessage, map[string]interface{}{"text": "hi"})
	require.NoError(t, err)
	hub.NotifyRoom(SessionRoom("s-1"), msg)

	assert.Equal(t, ws.ActionBotMessage, receive(t, a).Action)
	assert.Equal(t, ws.ActionBotMessage, receive(t, b).Action)
	assert.Empty(t, outsider.send)
}

func TestNotifyRoomAgentsSkipsVisitors(t *testing.T) {
	hub := newTestHub(t)
	visitor := registerClient(t, hub, "conn-visitor")
	agent := registerClient(t, hub, "conn-agent")
	agent.SetIdentity(Identity{AgentID: "agent-1", Roles: []models.Role{models.RoleAgent}})

	room := SessionRoom("s-1")
	hub.JoinRoom(visitor, room)
	hub.JoinRoom(agent, room)

	msg, err := ws.NewNotification(ws.ActionInternalNote, map[string]interface{}{"text": "internal"})
	require.NoError(t, err)
	hub.NotifyRoomAgents(room, msg)

	assert.Equal(t, ws.ActionInternalNote, receive(t, agent).Action)
	assert.Empty(t, visitor.send, "visitors must never receive internal notes")
}

func TestNotifyClientUnknownConnection(t *testing.T) {
	hub := newTestHub(t)
	msg, err := ws.NewNotification(ws.ActionBotMessage, nil)
	require.NoError(t, err)
	assert.False(t, hub.NotifyClient("gone", msg))
}

func TestUnregisterFiresDisconnectHookOnce(t *testing.T) {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, logger.Default())

	fired := make(chan string, 2)
	hub.SetDisconnectHandler(func(c *Client) { fired <- c.ID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := registerClient(t, hub, "conn-1")
	hub.JoinRoom(client, RoomAdminFeed)

	hub.Unregister(client)
	select {
	case id := <-fired:
		assert.Equal(t, "conn-1", id)
	case <-time.After(time.Second):
		t.Fatal("disconnect hook not fired")
	}

	// Rooms are cleaned up and a second unregister is a no-op.
	assert.Equal(t, 0, hub.RoomSize(RoomAdminFeed))
	hub.Unregister(client)
	select {
	case <-fired:
		t.Fatal("disconnect hook fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRoomMembershipCounts(t *testing.T) {
	hub := newTestHub(t)
	a := registerClient(t, hub, "conn-a")
	b := registerClient(t, hub, "conn-b")

	hub.JoinRoom(a, RoomAdminFeed)
	hub.JoinRoom(b, RoomAdminFeed)
	assert.Equal(t, 2, hub.RoomSize(RoomAdminFeed))
	assert.Equal(t, 2, hub.ClientCount())

	hub.LeaveRoom(a, RoomAdminFeed)
	assert.Equal(t, 1, hub.RoomSize(RoomAdminFeed))
}
