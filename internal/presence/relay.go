package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/registry"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/pubsub"
)

const resubscribeDelay = 2 * time.Second

// Relay delivers presence events from the bus to local /topic/status
// subscribers.
type Relay struct {
	bus      pubsub.Subscriber
	registry *registry.Registry
	doneCh   chan struct{}

	// last transition seq relayed per origin and user; only Run touches it
	lastSeq map[string]uint64
}

// NewRelay creates a relay for the sessions in reg.
func NewRelay(bus pubsub.Subscriber, reg *registry.Registry) *Relay {
	return &Relay{bus: bus, registry: reg, doneCh: make(chan struct{}), lastSeq: make(map[string]uint64)}
}

// Done returns a channel that is closed when Run exits.
func (r *Relay) Done() <-chan struct{} { return r.doneCh }

// Run relays events until ctx is done, resubscribing when the bus closes
// the subscription.
func (r *Relay) Run(ctx context.Context) {
	defer close(r.doneCh)
	l := pkglog.L()

	for {
		events, err := r.bus.SubscribePattern(ctx, pubsub.PatternPresence)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.Warn().Err(err).Msg("presence relay subscription error, retrying in 2s")
		} else {
			for event := range events {
				r.handle(event)
			}
			if ctx.Err() != nil {
				return
			}
			l.Warn().Msg("presence relay subscription closed, resubscribing in 2s")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func (r *Relay) handle(event *pubsub.Event) {
	l := pkglog.L()
	if event.Type != pubsub.EventPresenceChanged {
		return
	}

	var payload pubsub.PresencePayload
	if err := event.UnmarshalPayload(&payload); err != nil || payload.UserID == "" {
		l.Warn().Err(err).Msg("presence relay: invalid payload")
		return
	}

	if payload.Seq != 0 {
		key := payload.Origin + "/" + payload.UserID
		if payload.Seq <= r.lastSeq[key] {
			l.Debug().Str(pkglog.FieldUserID, payload.UserID).Uint64("seq", payload.Seq).Msg("presence relay: stale event dropped")
			return
		}
		r.lastSeq[key] = payload.Seq
	}

	p := &domain.Presence{
		UserID:    payload.UserID,
		IsOnline:  payload.IsOnline,
		Status:    payload.Status,
		UpdatedAt: time.UnixMilli(payload.Timestamp),
	}
	body, err := json.Marshal(p.Body())
	if err != nil {
		return
	}

	for _, s := range r.registry.Subscribers(domain.TopicStatus) {
		if err := s.Deliver(domain.TopicStatus, body); err != nil {
			l.Debug().Err(err).Str(pkglog.FieldUserID, s.UserID()).Msg("presence relay: deliver failed")
		}
	}
}
