package models

// PresenceState is a user's coarse availability, distinct from the state of
// any particular connection.
type PresenceState string

const (
	PresenceOnline  PresenceState = "ONLINE"
	PresenceAway    PresenceState = "AWAY"
	PresenceOffline PresenceState = "OFFLINE"
)

// Valid reports whether s is one of the known presence states.
func (s PresenceState) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceOffline:
		return true
	}
	return false
}
