package store

import (
	"context"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
)

// MessageStore persists chat messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, m *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
}

// CallStore persists call sessions. SaveCall upserts by session ID.
type CallStore interface {
	SaveCall(ctx context.Context, c *domain.CallSession) error
	GetCall(ctx context.Context, sessionID string) (*domain.CallSession, error)
	ListCallsByUser(ctx context.Context, userID string, limit int) ([]*domain.CallSession, error)
	PendingIncoming(ctx context.Context, receiverID string) ([]*domain.CallSession, error)
}

// SessionRecord describes one connection lifetime.
type SessionRecord struct {
	ConnID         string
	UserID         string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	Reason         string
	Subscriptions  []string
}

// SessionStore persists connection lifetimes.
type SessionStore interface {
	RecordConnect(ctx context.Context, rec *SessionRecord) error
	RecordDisconnect(ctx context.Context, connID string, at time.Time, reason string, subscriptions []string) error
	ListSessions(ctx context.Context, userID string, limit int) ([]*SessionRecord, error)
}

// Store is everything the realtime service persists.
type Store interface {
	MessageStore
	CallStore
	SessionStore
}
