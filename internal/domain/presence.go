package domain

import "time"

// Presence statuses used when a client does not send one.
const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
)

// MsgTypeStatus tags presence bodies on /topic/status.
const MsgTypeStatus = "STATUS"

// StatusUpdateRequest is the body of /app/status.update.
type StatusUpdateRequest struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
	Status   string `json:"status"`
}

// Presence is the last known reachability of a user.
type Presence struct {
	UserID    string    `json:"userId"`
	IsOnline  bool      `json:"isOnline"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StatusBody is the JSON broadcast on /topic/status.
type StatusBody struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	IsOnline  bool   `json:"isOnline"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Body renders p for broadcast.
func (p *Presence) Body() *StatusBody {
	return &StatusBody{
		Type:      MsgTypeStatus,
		UserID:    p.UserID,
		IsOnline:  p.IsOnline,
		Status:    p.Status,
		Timestamp: p.UpdatedAt.UnixMilli(),
	}
}

// MsgTypePong tags ping replies.
const MsgTypePong = "PONG"

// PongBody is the JSON sent to /queue/pong/{userId}.
type PongBody struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}
