package websocket

import "github.com/supportdesk/supportdesk/internal/chat/models"

// RoomAdminFeed is the global room for live-visitor snapshots, presence
// updates and admin alert sounds.
const RoomAdminFeed = "admin_feed"

// SessionRoom names the room carrying one session's traffic.
func SessionRoom(sessionID string) string {
	return "session:" + sessionID
}

// AgentRoom names the per-agent room used for direct forwards.
func AgentRoom(agentID string) string {
	return "agents:" + agentID
}

// RoleRoom names the room receiving notifications for a role.
func RoleRoom(role models.Role) string {
	return "role:" + string(role)
}
