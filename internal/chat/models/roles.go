package models

import (
	"encoding/json"
	"strings"
)

// Role is a dashboard user role. The set is bounded; anything else is
// rejected at the repository boundary.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleAgent      Role = "agent"
	RoleViewer     Role = "viewer"
)

var roleRank = map[Role]int{
	RoleViewer:     0,
	RoleAgent:      1,
	RoleAdmin:      2,
	RoleSuperAdmin: 3,
}

// Valid reports whether the role is a member of the bounded set.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether the role grants at least the capability of other.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// HasRole reports whether any role in the slice grants at least min.
func HasRole(roles []Role, min Role) bool {
	for _, r := range roles {
		if r.AtLeast(min) {
			return true
		}
	}
	return false
}

// ParseRoles decodes a stored roles value. The column may hold a JSON array
// ("[\"admin\"]"), a comma-separated list ("admin,agent") or a single bare
// role. Unknown roles are dropped; an empty result defaults to viewer.
func ParseRoles(raw string) []Role {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []Role{RoleViewer}
	}

	var names []string
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			names = nil
		}
	}
	if names == nil {
		names = strings.Split(raw, ",")
	}

	var roles []Role
	for _, n := range names {
		r := Role(strings.TrimSpace(strings.ToLower(n)))
		if r.Valid() {
			roles = append(roles, r)
		}
	}
	if len(roles) == 0 {
		return []Role{RoleViewer}
	}
	return roles
}

// EncodeRoles serializes roles as a JSON array for storage.
func EncodeRoles(roles []Role) string {
	if len(roles) == 0 {
		roles = []Role{RoleViewer}
	}
	data, err := json.Marshal(roles)
	if err != nil {
		return `["viewer"]`
	}
	return string(data)
}
