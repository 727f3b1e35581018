package domain

import (
	"strings"
	"time"
)

// CallType is the media kind requested by the caller.
type CallType string

const (
	CallTypeVoice CallType = "VOICE"
	CallTypeVideo CallType = "VIDEO"
)

// ParseCallType normalizes s. ok is false for values other than VOICE or
// VIDEO (case-insensitive); the returned type is then VOICE.
func ParseCallType(s string) (CallType, bool) {
	switch CallType(strings.ToUpper(strings.TrimSpace(s))) {
	case CallTypeVoice:
		return CallTypeVoice, true
	case CallTypeVideo:
		return CallTypeVideo, true
	}
	return CallTypeVoice, false
}

// CallStatus is a state of the call signaling machine.
type CallStatus string

const (
	CallInitiated        CallStatus = "INITIATED"
	CallRinging          CallStatus = "RINGING"
	CallPushFallbackSent CallStatus = "PUSH_FALLBACK_SENT"
	CallAccepted         CallStatus = "ACCEPTED"
	CallRejected         CallStatus = "REJECTED"
	CallMissed           CallStatus = "MISSED"
	CallEnded            CallStatus = "ENDED"
	CallCancelled        CallStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition may leave s.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallRejected, CallMissed, CallEnded, CallCancelled:
		return true
	}
	return false
}

// IsPending reports whether the call is still waiting for the receiver.
// PUSH_FALLBACK_SENT is logically INITIATED with a push already dispatched.
func (s CallStatus) IsPending() bool {
	return s == CallInitiated || s == CallRinging || s == CallPushFallbackSent
}

// CallSession is the signaling record of one call.
type CallSession struct {
	SessionID  string
	CallerID   string
	ReceiverID string
	CallType   CallType
	Status     CallStatus
	StartTime  time.Time
	EndTime    *time.Time
}

// HasParticipant reports whether userID is the caller or the receiver.
func (c *CallSession) HasParticipant(userID string) bool {
	return c.CallerID == userID || c.ReceiverID == userID
}

// Peer returns the other participant.
func (c *CallSession) Peer(userID string) string {
	if c.CallerID == userID {
		return c.ReceiverID
	}
	return c.CallerID
}

// InviteRequest is the body of /app/call.invite.
type InviteRequest struct {
	SessionID  string `json:"sessionId"`
	CallerID   string `json:"callerId"`
	ReceiverID string `json:"receiverId"`
	CallType   string `json:"callType"`
}

// Validate checks required fields.
func (r *InviteRequest) Validate() error {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.ReceiverID = strings.TrimSpace(r.ReceiverID)
	if r.SessionID == "" {
		return BadRequest("sessionId is required")
	}
	if len(r.SessionID) > 128 {
		return BadRequest("sessionId is too long")
	}
	if r.ReceiverID == "" {
		return BadRequest("receiverId is required")
	}
	if r.ReceiverID == r.CallerID {
		return BadRequest("cannot call yourself")
	}
	return nil
}

// CallActionRequest is the body of accept, reject, end and cancel.
type CallActionRequest struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// Validate checks required fields.
func (r *CallActionRequest) Validate() error {
	r.SessionID = strings.TrimSpace(r.SessionID)
	if r.SessionID == "" {
		return BadRequest("sessionId is required")
	}
	return nil
}

// Signal type tags on /queue/calls.
const (
	MsgTypeCallInvite = "CALL_INVITE"
	MsgTypeCallStatus = "CALL_STATUS"
)

// CallBody is the JSON delivered on /queue/calls/{userId}.
type CallBody struct {
	Type       string     `json:"type"`
	SessionID  string     `json:"sessionId"`
	CallerID   string     `json:"callerId"`
	ReceiverID string     `json:"receiverId"`
	CallType   CallType   `json:"callType"`
	Status     CallStatus `json:"status"`
	StartTime  int64      `json:"startTime"`
	EndTime    *int64     `json:"endTime,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Body renders c as a signal of the given type.
func (c *CallSession) Body(msgType string) *CallBody {
	b := &CallBody{
		Type:       msgType,
		SessionID:  c.SessionID,
		CallerID:   c.CallerID,
		ReceiverID: c.ReceiverID,
		CallType:   c.CallType,
		Status:     c.Status,
		StartTime:  c.StartTime.UnixMilli(),
	}
	if c.EndTime != nil {
		end := c.EndTime.UnixMilli()
		b.EndTime = &end
	}
	return b
}

// Clone returns a copy that shares nothing with c.
func (c *CallSession) Clone() *CallSession {
	out := *c
	if c.EndTime != nil {
		end := *c.EndTime
		out.EndTime = &end
	}
	return &out
}
