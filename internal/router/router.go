// Package router delivers chat messages to the recipient's live session,
// falling back to push notifications when the recipient is unreachable.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/idgen"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/push"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/registry"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/store"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

// DeliveryOutcome reports what happened to a routed message.
type DeliveryOutcome struct {
	Message *domain.Message
	Pushed  bool
	Echoed  bool
}

// Option configures a Router.
type Option func(*Router)

// WithStore persists every routed message.
func WithStore(s store.MessageStore) Option {
	return func(r *Router) { r.messages = s }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// Router routes chat messages.
type Router struct {
	registry *registry.Registry
	ids      idgen.Generator
	notifier push.Notifier
	messages store.MessageStore
	now      func() time.Time
}

// New creates a Router.
func New(reg *registry.Registry, ids idgen.Generator, notifier push.Notifier, opts ...Option) *Router {
	r := &Router{
		registry: reg,
		ids:      ids,
		notifier: notifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send validates req, creates the message on behalf of senderID and routes it.
func (r *Router) Send(ctx context.Context, senderID string, req *domain.SendMessageRequest) (*DeliveryOutcome, error) {
	if req.SenderID == "" {
		req.SenderID = senderID
	}
	if req.SenderID != senderID {
		return nil, domain.Forbidden("cannot send as another user")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id, err := r.ids.Generate()
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeInternalError, "failed to allocate message id", err)
	}

	m := &domain.Message{
		ID:          id,
		SenderID:    req.SenderID,
		ReceiverID:  req.ReceiverID,
		Content:     req.Content,
		MessageType: req.MessageType,
		SentAt:      r.now(),
	}
	return r.Route(ctx, m), nil
}

// Route delivers m to its receiver. A write failure marks the message FAILED
// and an absent receiver marks it QUEUED_FOR_PUSH; both hand it to the push
// notifier without waiting. The sender's own session receives an echo
// carrying the final delivery state.
func (r *Router) Route(ctx context.Context, m *domain.Message) *DeliveryOutcome {
	l := pkglog.Ctx(ctx)
	out := &DeliveryOutcome{Message: m}
	receiverQueue := domain.QueueMessages(m.ReceiverID)

	if s, ok := r.registry.Lookup(m.ReceiverID); ok {
		m.DeliveryState = domain.DeliveryDelivered
		if err := r.deliver(s, receiverQueue, m); err != nil {
			l.Warn().Err(err).
				Str(pkglog.FieldUserID, m.ReceiverID).
				Str(pkglog.FieldDestination, receiverQueue).
				Msg("message delivery failed, falling back to push")
			m.DeliveryState = domain.DeliveryFailed
		}
	} else {
		m.DeliveryState = domain.DeliveryQueuedForPush
	}

	if m.DeliveryState != domain.DeliveryDelivered {
		push.Async(r.notifier, m.ReceiverID, push.NewMessage(m, r.now()))
		out.Pushed = true
	}

	if m.SenderID != m.ReceiverID {
		if s, ok := r.registry.Lookup(m.SenderID); ok {
			out.Echoed = r.deliver(s, domain.QueueMessages(m.SenderID), m) == nil
		}
	}

	if r.messages != nil {
		if err := r.messages.SaveMessage(ctx, m); err != nil {
			l.Error().Err(err).Str("message_id", m.ID).Msg("failed to persist message")
		}
	}

	l.Debug().
		Str("message_id", m.ID).
		Str(pkglog.FieldUserID, m.SenderID).
		Str("receiver_id", m.ReceiverID).
		Str("delivery_state", string(m.DeliveryState)).
		Msg("message routed")
	return out
}

func (r *Router) deliver(s *registry.Session, dest string, m *domain.Message) error {
	body, err := json.Marshal(m.Body())
	if err != nil {
		return err
	}
	return s.Deliver(dest, body)
}
