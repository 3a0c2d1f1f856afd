package bus

import "time"

// Event kinds published by the daemon. Subscribers filter by prefix, so
// "session." receives every session lifecycle event.
const (
	KindSessionStatus    = "session.status_changed"
	KindSessionRestarted = "session.restarted"
	KindSessionDeleted   = "session.deleted"
	KindSyncCompleted    = "sync.completed"
	KindFollowupSent     = "followup.completed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string    `json:"kind"`
	Session   string    `json:"session,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}
