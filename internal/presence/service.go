// Package presence tracks who is online and fans status changes out to
// every instance's /topic/status subscribers.
package presence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/pubsub"
)

const maxStatusLength = 64

// Service records presence and publishes every change on the bus.
type Service struct {
	store  StatusStore
	bus    pubsub.Publisher
	origin string
	now    func() time.Time

	// mu serialises registry transitions so the store and the bus see them
	// in seq order.
	mu      sync.Mutex
	lastSeq map[string]uint64
}

// NewService creates a presence service. origin identifies this instance in
// published events.
func NewService(store StatusStore, bus pubsub.Publisher, origin string) *Service {
	return &Service{store: store, bus: bus, origin: origin, now: time.Now, lastSeq: make(map[string]uint64)}
}

// PresenceChanged implements registry.PresenceNotifier.
// Transitions arriving with a seq at or below the last one applied for the
// user are dropped.
func (s *Service) PresenceChanged(ctx context.Context, userID string, online bool, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq <= s.lastSeq[userID] {
		l := pkglog.L()
		l.Debug().Str(pkglog.FieldUserID, userID).Bool("online", online).Uint64("seq", seq).Msg("stale presence transition dropped")
		return
	}
	s.lastSeq[userID] = seq

	status := domain.StatusOffline
	if online {
		status = domain.StatusOnline
	}
	if _, err := s.update(ctx, userID, online, status, seq); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Str(pkglog.FieldUserID, userID).Bool("online", online).Msg("presence update failed")
	}
}

// Update stores the user's presence and publishes it.
func (s *Service) Update(ctx context.Context, userID string, online bool, status string) (*domain.Presence, error) {
	return s.update(ctx, userID, online, status, 0)
}

func (s *Service) update(ctx context.Context, userID string, online bool, status string, seq uint64) (*domain.Presence, error) {
	status = strings.TrimSpace(status)
	if status == "" {
		status = domain.StatusOffline
		if online {
			status = domain.StatusOnline
		}
	}
	if len(status) > maxStatusLength {
		return nil, domain.BadRequest("status exceeds %d bytes", maxStatusLength)
	}

	p := &domain.Presence{
		UserID:    userID,
		IsOnline:  online,
		Status:    status,
		UpdatedAt: s.now(),
	}
	if err := s.store.Set(ctx, p); err != nil {
		return nil, err
	}

	event, err := pubsub.NewEvent(pubsub.EventPresenceChanged, userID, &pubsub.PresencePayload{
		UserID:    p.UserID,
		IsOnline:  p.IsOnline,
		Status:    p.Status,
		Origin:    s.origin,
		Timestamp: p.UpdatedAt.UnixMilli(),
		Seq:       seq,
	})
	if err != nil {
		return nil, err
	}
	if err := s.bus.Publish(ctx, pubsub.PresenceChannel(userID), event); err != nil {
		return p, err
	}
	return p, nil
}

// Get returns the user's presence. Users never seen are reported offline.
func (s *Service) Get(ctx context.Context, userID string) (*domain.Presence, error) {
	p, err := s.store.Get(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.Presence{UserID: userID, IsOnline: false, Status: domain.StatusOffline}, nil
	}
	return p, err
}
