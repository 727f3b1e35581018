// Package registry is the single source of truth for which users are
// reachable right now. It holds at most one open Session per user.
package registry

import (
	"context"
	"sync"
	"time"

	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

// PresenceNotifier is told when a user becomes reachable or unreachable.
// It is called outside the registry lock and must not call back into the
// registry synchronously. seq is taken under the lock when the transition
// happens, so a notification carrying a lower seq than one already seen
// for the same user is stale.
type PresenceNotifier interface {
	PresenceChanged(ctx context.Context, userID string, online bool, seq uint64)
}

// Option configures a Registry.
type Option func(*Registry)

// WithPresence sets the notifier for register/unregister transitions.
func WithPresence(n PresenceNotifier) Option {
	return func(r *Registry) { r.presence = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry maps user IDs to their live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	seq      uint64

	presence PresenceNotifier
	now      func() time.Time
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	// Seeded from the clock so sequences keep growing across restarts.
	r.seq = uint64(r.now().UnixNano())
	return r
}

func (r *Registry) nextSeqLocked() uint64 {
	r.seq++
	return r.seq
}

// Register installs a new open session for userID. Any previous session of
// the same user is closed before the new one becomes visible to Lookup.
// heartbeat is the negotiated interval at which the peer will send
// heart-beats.
func (r *Registry) Register(userID string, h Handle, heartbeat time.Duration) *Session {
	s := newSession(userID, h, heartbeat, r.now())

	r.mu.Lock()
	prev := r.sessions[userID]
	if prev != nil {
		prev.close("superseded by a new connection")
	}
	s.open()
	r.sessions[userID] = s
	seq := r.nextSeqLocked()
	r.mu.Unlock()

	l := pkglog.L()
	if prev != nil {
		l.Info().
			Str(pkglog.FieldUserID, userID).
			Str(pkglog.FieldConnID, h.ID()).
			Str("previous_conn_id", prev.ConnID()).
			Msg("session superseded")
		return s
	}

	l.Info().Str(pkglog.FieldUserID, userID).Str(pkglog.FieldConnID, h.ID()).Msg("session registered")
	r.notify(userID, true, seq)
	return s
}

// Lookup returns the open session of userID.
func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok || !s.IsOpen() {
		return nil, false
	}
	return s, true
}

// Unregister removes and closes whatever session userID has.
func (r *Registry) Unregister(userID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	var seq uint64
	if ok {
		delete(r.sessions, userID)
		seq = r.nextSeqLocked()
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.close("unregistered")
	r.unregistered(s, seq)
	return true
}

// Remove closes s and unregisters it only if it is still the current
// session of its user. A connection tearing down after being superseded
// therefore never removes its successor.
func (r *Registry) Remove(s *Session, reason string) bool {
	r.mu.Lock()
	current := r.sessions[s.userID] == s
	var seq uint64
	if current {
		delete(r.sessions, s.userID)
		seq = r.nextSeqLocked()
	}
	r.mu.Unlock()

	s.close(reason)
	if current {
		r.unregistered(s, seq)
	}
	return current
}

// MarkHeartbeat records that userID's peer was heard from.
func (r *Registry) MarkHeartbeat(userID string) bool {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s.markHeartbeat(r.now())
	return true
}

// Touch records that the peer of s was heard from. Unlike MarkHeartbeat it
// never affects a session that superseded s.
func (r *Registry) Touch(s *Session) {
	s.markHeartbeat(r.now())
}

// Subscribers returns every open session subscribed to dest.
func (r *Registry) Subscribers(dest string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.IsOpen() && s.IsSubscribed(dest) {
			out = append(out, s)
		}
	}
	return out
}

// Expired returns the sessions whose last heart-beat is older than factor
// times their negotiated interval. Sessions without a negotiated interval
// are judged against fallback.
func (r *Registry) Expired(factor int, fallback time.Duration) []*Session {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		interval := s.heartbeat
		if interval <= 0 {
			interval = fallback
		}
		if interval <= 0 {
			continue
		}
		if now.Sub(s.LastHeartbeatAt()) > time.Duration(factor)*interval {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every session, for shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	seqs := make(map[*Session]uint64, len(all))
	for _, s := range all {
		seqs[s] = r.nextSeqLocked()
	}
	r.mu.Unlock()

	for _, s := range all {
		s.close(reason)
		r.unregistered(s, seqs[s])
	}
}

func (r *Registry) unregistered(s *Session, seq uint64) {
	l := pkglog.L()
	l.Info().Str(pkglog.FieldUserID, s.userID).Str(pkglog.FieldConnID, s.ConnID()).Msg("session unregistered")
	r.notify(s.userID, false, seq)
}

func (r *Registry) notify(userID string, online bool, seq uint64) {
	if r.presence == nil {
		return
	}
	r.presence.PresenceChanged(context.Background(), userID, online, seq)
}
