package models

// GroupRole distinguishes admins from plain members.
type GroupRole string

const (
	RoleAdmin  GroupRole = "admin"
	RoleMember GroupRole = "member"
)

// GroupMember is a single member entry in a group roster.
type GroupMember struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Role        GroupRole `json:"role"`
	Status      string    `json:"status,omitempty"`
}

// Group holds group metadata used for ownership-gated actions.
type Group struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	AvatarURL   string        `json:"avatar_url,omitempty"`
	CreatedBy   string        `json:"created_by"`
	Members     []GroupMember `json:"members"`
}

// Member returns the roster entry for a user id.
func (g *Group) Member(userID string) (GroupMember, bool) {
	for _, m := range g.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return GroupMember{}, false
}
