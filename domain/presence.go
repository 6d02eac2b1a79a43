package domain

import "time"

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// PresenceRecord is the fire-and-forget liveness state published outward by
// the heartbeat. RoomID is set when the user advertises presence in a
// particular room, empty for global presence.
type PresenceRecord struct {
	UserID   string    `json:"user_id"`
	Status   Status    `json:"status"`
	RoomID   string    `json:"room_id,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Stale reports whether the record is older than the given horizon. A stale
// record is treated as offline regardless of its published status.
func (p PresenceRecord) Stale(horizon time.Duration, now time.Time) bool {
	return now.Sub(p.LastSeen) > horizon
}
