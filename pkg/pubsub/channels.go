package pubsub

import "fmt"

// Channel naming conventions for the realtime service.
//
// Channels have four colon separated parts, {domain}:{kind}:{key}:{event},
// which the Kafka driver maps onto topic "{domain}-{event}" keyed by {key}.
const (
	// ChannelPresence carries presence changes of one user.
	ChannelPresence = "presence:user:%s:status"

	// PatternPresence matches every user's presence channel.
	PatternPresence = "presence:user:*:status"
)

// Event types.
const (
	EventPresenceChanged = "presence_changed"
)

// PresenceChannel returns the channel name for userID's presence events.
func PresenceChannel(userID string) string {
	return fmt.Sprintf(ChannelPresence, userID)
}

// PresencePayload is published whenever a user's reachability or status
// changes.
type PresencePayload struct {
	UserID    string `json:"user_id"`
	IsOnline  bool   `json:"is_online"`
	Status    string `json:"status"`
	Origin    string `json:"origin"` // instance that observed the change
	Timestamp int64  `json:"timestamp"`
	// Seq orders connect/disconnect transitions per origin. Zero for
	// explicit status updates.
	Seq uint64 `json:"seq,omitempty"`
}
