// Package call runs the signaling state machine of every call session.
//
// Transitions of one session are serialized by that session's lock; the
// orchestrator lock only guards the session table, so independent calls
// proceed in parallel.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/push"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/registry"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/store"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

// Config tunes the orchestrator.
type Config struct {
	RingTimeout    time.Duration `mapstructure:"ring_timeout"`
	Retention      time.Duration `mapstructure:"retention"`
	StrictCallType bool          `mapstructure:"strict_call_type"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RingTimeout: 30 * time.Second,
		Retention:   5 * time.Minute,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStore persists every call state change.
func WithStore(s store.CallStore) Option {
	return func(o *Orchestrator) { o.calls = s }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type entry struct {
	mu    sync.Mutex
	call  *domain.CallSession
	timer *time.Timer
}

// Orchestrator owns the in-memory call sessions.
type Orchestrator struct {
	cfg      Config
	registry *registry.Registry
	notifier push.Notifier
	calls    store.CallStore
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// New creates an Orchestrator.
func New(cfg Config, reg *registry.Registry, notifier push.Notifier, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = def.RingTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	o := &Orchestrator{
		cfg:      cfg,
		registry: reg,
		notifier: notifier,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Invite starts a call on behalf of callerID. A retransmitted invite for a
// known session ID returns the existing state with created=false.
func (o *Orchestrator) Invite(ctx context.Context, callerID string, req *domain.InviteRequest) (call *domain.CallSession, created bool, err error) {
	if req.CallerID == "" {
		req.CallerID = callerID
	}
	if req.CallerID != callerID {
		return nil, false, domain.Forbidden("cannot invite as another user")
	}
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	callType, known := domain.ParseCallType(req.CallType)
	if !known && req.CallType != "" && o.cfg.StrictCallType {
		return nil, false, domain.BadRequest("unknown callType %q", req.CallType)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, false, domain.NewError(domain.ErrCodeInternalError, "call signaling is shutting down")
	}
	if e, ok := o.entries[req.SessionID]; ok {
		o.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.call.CallerID != callerID {
			return nil, false, domain.Forbidden("sessionId belongs to another call")
		}
		l := pkglog.Ctx(ctx)
		l.Debug().
			Str(pkglog.FieldSessionID, req.SessionID).
			Str(pkglog.FieldCallStatus, string(e.call.Status)).
			Msg("duplicate invite ignored")
		return e.call.Clone(), false, nil
	}

	e := &entry{call: &domain.CallSession{
		SessionID:  req.SessionID,
		CallerID:   req.CallerID,
		ReceiverID: req.ReceiverID,
		CallType:   callType,
		Status:     domain.CallInitiated,
		StartTime:  o.now(),
	}}
	// Hold the entry before publishing it so transitions racing the invite
	// observe its outcome.
	e.mu.Lock()
	defer e.mu.Unlock()
	o.entries[req.SessionID] = e
	o.mu.Unlock()

	c := e.call
	if o.offerInvite(c) {
		c.Status = domain.CallRinging
	} else {
		c.Status = domain.CallPushFallbackSent
		push.Async(o.notifier, c.ReceiverID, push.IncomingCall(c, o.now()))
	}
	o.signal(c.CallerID, c, "")

	sessionID := c.SessionID
	e.timer = time.AfterFunc(o.cfg.RingTimeout, func() { o.ringTimeout(sessionID) })

	o.persist(ctx, c)
	o.logTransition(ctx, c, "invite")
	return c.Clone(), true, nil
}

// Accept answers a ringing call. Only the receiver may accept.
func (o *Orchestrator) Accept(ctx context.Context, userID string, req *domain.CallActionRequest) (*domain.CallSession, bool, error) {
	return o.transition(ctx, userID, req, transition{
		name: "accept",
		to:   domain.CallAccepted,
		from: []domain.CallStatus{domain.CallRinging, domain.CallPushFallbackSent},
		role: roleReceiver,
	})
}

// Reject declines a ringing call. Only the receiver may reject.
func (o *Orchestrator) Reject(ctx context.Context, userID string, req *domain.CallActionRequest) (*domain.CallSession, bool, error) {
	return o.transition(ctx, userID, req, transition{
		name: "reject",
		to:   domain.CallRejected,
		from: []domain.CallStatus{domain.CallInitiated, domain.CallRinging, domain.CallPushFallbackSent},
		role: roleReceiver,
	})
}

// End hangs up an accepted call. Either party may end.
func (o *Orchestrator) End(ctx context.Context, userID string, req *domain.CallActionRequest) (*domain.CallSession, bool, error) {
	return o.transition(ctx, userID, req, transition{
		name: "end",
		to:   domain.CallEnded,
		from: []domain.CallStatus{domain.CallAccepted},
		role: roleParticipant,
	})
}

// Cancel withdraws a call from any non-terminal state. Only the caller may
// cancel.
func (o *Orchestrator) Cancel(ctx context.Context, userID string, req *domain.CallActionRequest) (*domain.CallSession, bool, error) {
	return o.transition(ctx, userID, req, transition{
		name: "cancel",
		to:   domain.CallCancelled,
		from: []domain.CallStatus{domain.CallInitiated, domain.CallRinging, domain.CallPushFallbackSent, domain.CallAccepted},
		role: roleCaller,
	})
}

func (o *Orchestrator) ringTimeout(sessionID string) {
	_, changed, err := o.transition(context.Background(), "", &domain.CallActionRequest{SessionID: sessionID, Reason: "no answer"}, transition{
		name: "timeout",
		to:   domain.CallMissed,
		from: []domain.CallStatus{domain.CallInitiated, domain.CallRinging, domain.CallPushFallbackSent},
		role: roleSystem,
	})
	if err != nil || !changed {
		return
	}
	l := pkglog.L()
	l.Info().Str(pkglog.FieldSessionID, sessionID).Msg("call missed")
}

// ResumePending delivers invites that were pushed while userID was offline
// and moves them to RINGING. It returns the number of calls resumed.
func (o *Orchestrator) ResumePending(ctx context.Context, userID string) int {
	resumed := 0
	for _, e := range o.snapshot() {
		e.mu.Lock()
		c := e.call
		if c.ReceiverID == userID && c.Status == domain.CallPushFallbackSent && o.offerInvite(c) {
			c.Status = domain.CallRinging
			o.signal(c.CallerID, c, "")
			o.persist(ctx, c)
			o.logTransition(ctx, c, "resume")
			resumed++
		}
		e.mu.Unlock()
	}
	return resumed
}

// Get returns the call session, falling back to the store for calls no
// longer held in memory.
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (*domain.CallSession, error) {
	o.mu.Lock()
	e, ok := o.entries[sessionID]
	o.mu.Unlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.call.Clone(), nil
	}
	if o.calls != nil {
		c, err := o.calls.GetCall(ctx, sessionID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return nil, domain.ErrCallNotFound
}

// Pending returns the unanswered calls addressed to receiverID, oldest first.
func (o *Orchestrator) Pending(receiverID string) []*domain.CallSession {
	var out []*domain.CallSession
	for _, e := range o.snapshot() {
		e.mu.Lock()
		if e.call.ReceiverID == receiverID && e.call.Status.IsPending() {
			out = append(out, e.call.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Len returns the number of call sessions held in memory.
func (o *Orchestrator) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Close stops all timers and rejects further invites.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	entries := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
		}
		e.mu.Unlock()
	}
}

type role int

const (
	roleSystem role = iota
	roleCaller
	roleReceiver
	roleParticipant
)

type transition struct {
	name string
	to   domain.CallStatus
	from []domain.CallStatus
	role role
}

func (t transition) allows(s domain.CallStatus) bool {
	for _, f := range t.from {
		if f == s {
			return true
		}
	}
	return false
}

func (t transition) authorize(c *domain.CallSession, userID string) error {
	switch t.role {
	case roleCaller:
		if c.CallerID != userID {
			return domain.Forbidden("only the caller may %s", t.name)
		}
	case roleReceiver:
		if c.ReceiverID != userID {
			return domain.Forbidden("only the receiver may %s", t.name)
		}
	case roleParticipant:
		if !c.HasParticipant(userID) {
			return domain.Forbidden("not a participant of this call")
		}
	}
	return nil
}

// transition applies t under the session lock. A transition whose source
// state no longer matches is a no-op and returns changed=false.
func (o *Orchestrator) transition(ctx context.Context, userID string, req *domain.CallActionRequest, t transition) (*domain.CallSession, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	o.mu.Lock()
	e, ok := o.entries[req.SessionID]
	o.mu.Unlock()
	if !ok {
		return nil, false, domain.WrapError(domain.ErrCodeNotFound, "call session not found", domain.ErrCallNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.call

	if err := t.authorize(c, userID); err != nil {
		return nil, false, err
	}
	if !t.allows(c.Status) {
		l := pkglog.Ctx(ctx)
		l.Info().
			Str(pkglog.FieldSessionID, c.SessionID).
			Str(pkglog.FieldCallStatus, string(c.Status)).
			Str("transition", t.name).
			Msg("stale call transition ignored")
		return c.Clone(), false, nil
	}

	c.Status = t.to
	if c.Status.IsTerminal() {
		end := o.now()
		c.EndTime = &end
		if e.timer != nil {
			e.timer.Stop()
		}
		o.scheduleEviction(c.SessionID, e)
	} else if t.to == domain.CallAccepted && e.timer != nil {
		e.timer.Stop()
	}

	o.signal(c.CallerID, c, req.Reason)
	o.signal(c.ReceiverID, c, req.Reason)
	o.persist(ctx, c)
	o.logTransition(ctx, c, t.name)
	return c.Clone(), true, nil
}

func (o *Orchestrator) scheduleEviction(sessionID string, e *entry) {
	time.AfterFunc(o.cfg.Retention, func() {
		o.mu.Lock()
		if o.entries[sessionID] == e {
			delete(o.entries, sessionID)
		}
		o.mu.Unlock()
	})
}

// offerInvite delivers the invite to the receiver's live session.
func (o *Orchestrator) offerInvite(c *domain.CallSession) bool {
	s, ok := o.registry.Lookup(c.ReceiverID)
	if !ok {
		return false
	}
	offered := c.Clone()
	offered.Status = domain.CallRinging
	body, err := json.Marshal(offered.Body(domain.MsgTypeCallInvite))
	if err != nil {
		return false
	}
	if err := s.Deliver(domain.QueueCalls(c.ReceiverID), body); err != nil {
		l := pkglog.L()
		l.Debug().Err(err).Str(pkglog.FieldSessionID, c.SessionID).Msg("invite not delivered")
		return false
	}
	return true
}

// signal sends the current call state to userID, pushing it when userID has
// no reachable session.
func (o *Orchestrator) signal(userID string, c *domain.CallSession, reason string) {
	b := c.Body(domain.MsgTypeCallStatus)
	b.Reason = reason
	if s, ok := o.registry.Lookup(userID); ok {
		if body, err := json.Marshal(b); err == nil {
			if s.Deliver(domain.QueueCalls(userID), body) == nil {
				return
			}
		}
	}
	push.Async(o.notifier, userID, push.CallStatus(c, o.now()))
}

func (o *Orchestrator) persist(ctx context.Context, c *domain.CallSession) {
	if o.calls == nil {
		return
	}
	if err := o.calls.SaveCall(ctx, c.Clone()); err != nil {
		l := pkglog.Ctx(ctx)
		l.Error().Err(err).Str(pkglog.FieldSessionID, c.SessionID).Msg("failed to persist call session")
	}
}

func (o *Orchestrator) logTransition(ctx context.Context, c *domain.CallSession, name string) {
	l := pkglog.Ctx(ctx)
	l.Info().
		Str(pkglog.FieldSessionID, c.SessionID).
		Str(pkglog.FieldCallStatus, string(c.Status)).
		Str("caller_id", c.CallerID).
		Str("receiver_id", c.ReceiverID).
		Str("transition", name).
		Msg("call transition")
}

func (o *Orchestrator) snapshot() []*entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e)
	}
	return out
}
