package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/frame"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Handle is the transport behind a session. Write must not block on the
// network; Close must be idempotent and safe to call from any goroutine.
type Handle interface {
	ID() string
	Write(f *frame.Frame) error
	Close(reason string)
}

// Session binds one authenticated user to one live connection.
type Session struct {
	userID    string
	handle    Handle
	heartbeat time.Duration
	createdAt time.Time

	seq atomic.Uint64

	mu              sync.RWMutex
	state           State
	subsByDest      map[string]string
	destsBySubID    map[string]string
	lastHeartbeatAt time.Time
}

func newSession(userID string, h Handle, heartbeat time.Duration, now time.Time) *Session {
	return &Session{
		userID:          userID,
		handle:          h,
		heartbeat:       heartbeat,
		createdAt:       now,
		state:           StateConnecting,
		subsByDest:      make(map[string]string),
		destsBySubID:    make(map[string]string),
		lastHeartbeatAt: now,
	}
}

// UserID returns the owner of the session.
func (s *Session) UserID() string { return s.userID }

// ConnID returns the ID of the underlying connection.
func (s *Session) ConnID() string { return s.handle.ID() }

// HeartbeatInterval is the negotiated interval at which the peer sends
// heart-beats. Zero means the peer sends none.
func (s *Session) HeartbeatInterval() time.Duration { return s.heartbeat }

// CreatedAt is when the session was registered.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsOpen reports whether frames can be delivered.
func (s *Session) IsOpen() bool {
	return s.State() == StateOpen
}

// LastHeartbeatAt is when the peer was last heard from.
func (s *Session) LastHeartbeatAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeatAt
}

func (s *Session) markHeartbeat(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastHeartbeatAt) {
		s.lastHeartbeatAt = now
	}
	s.mu.Unlock()
}

// Subscribe binds subscription id to dest. Re-using an id replaces its
// destination; subscribing an already subscribed destination moves it to
// the new id.
func (s *Session) Subscribe(id, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return domain.ErrSessionClosed
	}
	if old, ok := s.destsBySubID[id]; ok {
		delete(s.subsByDest, old)
	}
	if oldID, ok := s.subsByDest[dest]; ok {
		delete(s.destsBySubID, oldID)
	}
	s.subsByDest[dest] = id
	s.destsBySubID[id] = dest
	return nil
}

// Unsubscribe removes subscription id and returns its destination.
func (s *Session) Unsubscribe(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dest, ok := s.destsBySubID[id]
	if !ok {
		return "", false
	}
	delete(s.destsBySubID, id)
	delete(s.subsByDest, dest)
	return dest, true
}

// IsSubscribed reports whether dest has a subscription.
func (s *Session) IsSubscribed(dest string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subsByDest[dest]
	return ok
}

// Subscriptions returns the subscribed destinations, sorted.
func (s *Session) Subscriptions() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.subsByDest))
	for d := range s.subsByDest {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Deliver writes body to dest as a MESSAGE frame. It fails with
// ErrSessionClosed when the session is not open, ErrNotSubscribed when the
// peer never subscribed to dest, and ErrDeliveryFailure when the write was
// refused by the transport.
func (s *Session) Deliver(dest string, body []byte) error {
	s.mu.RLock()
	state := s.state
	subID, subscribed := s.subsByDest[dest]
	s.mu.RUnlock()

	if state != StateOpen {
		return domain.ErrSessionClosed
	}
	if !subscribed {
		return fmt.Errorf("%w: %s", domain.ErrNotSubscribed, dest)
	}

	msgID := fmt.Sprintf("%s-%d", s.handle.ID(), s.seq.Add(1))
	if err := s.handle.Write(frame.NewDeliver(dest, subID, msgID, body)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailure, err)
	}
	return nil
}

// WriteFrame sends a raw protocol frame (RECEIPT, ERROR, heart-beat).
func (s *Session) WriteFrame(f *frame.Frame) error {
	if s.State() >= StateClosing {
		return domain.ErrSessionClosed
	}
	return s.handle.Write(f)
}

func (s *Session) open() {
	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateOpen
	}
	s.mu.Unlock()
}

// close moves the session to CLOSED and closes its transport. Returns
// false when it was already closing.
func (s *Session) close(reason string) bool {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosing
	s.mu.Unlock()

	s.handle.Close(reason)

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return true
}
