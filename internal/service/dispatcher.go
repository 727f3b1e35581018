// Package service maps application destinations carried by SEND frames onto
// the message router, the call orchestrator and the presence service.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/audit"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/call"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/presence"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/registry"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/router"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

type callAction func(ctx context.Context, userID string, req *domain.CallActionRequest) (*domain.CallSession, bool, error)

// Dispatcher handles application frames for one server instance.
type Dispatcher struct {
	router   *router.Router
	calls    *call.Orchestrator
	presence *presence.Service
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(r *router.Router, calls *call.Orchestrator, p *presence.Service) *Dispatcher {
	return &Dispatcher{router: r, calls: calls, presence: p, now: time.Now}
}

// Dispatch handles a SEND frame body addressed to dest on behalf of the
// session's user. The returned error is meant for ReportError.
func (d *Dispatcher) Dispatch(ctx context.Context, s *registry.Session, dest string, body []byte) error {
	userID := s.UserID()

	switch dest {
	case domain.AppMessageSend:
		var req domain.SendMessageRequest
		if err := decode(body, &req); err != nil {
			return err
		}
		out, err := d.router.Send(ctx, userID, &req)
		if err != nil {
			return err
		}
		audit.LogTarget(ctx, audit.ActionSendMessage, userID, out.Message.ReceiverID, string(out.Message.DeliveryState), "message sent")
		return nil

	case domain.AppCallInvite:
		var req domain.InviteRequest
		if err := decode(body, &req); err != nil {
			return err
		}
		c, created, err := d.calls.Invite(ctx, userID, &req)
		if err != nil {
			return err
		}
		if created {
			audit.LogTarget(ctx, audit.ActionCallInvite, userID, c.ReceiverID, string(c.CallType), "call invited")
		}
		return nil

	case domain.AppCallAccept:
		return d.callAction(ctx, userID, body, d.calls.Accept)
	case domain.AppCallReject:
		return d.callAction(ctx, userID, body, d.calls.Reject)
	case domain.AppCallEnd:
		return d.callAction(ctx, userID, body, d.calls.End)
	case domain.AppCallCancel:
		return d.callAction(ctx, userID, body, d.calls.Cancel)

	case domain.AppStatusUpdate:
		var req domain.StatusUpdateRequest
		if err := decode(body, &req); err != nil {
			return err
		}
		if req.UserID == "" {
			req.UserID = userID
		}
		if req.UserID != userID {
			return domain.Forbidden("cannot update another user's status")
		}
		p, err := d.presence.Update(ctx, userID, req.IsOnline, req.Status)
		if err != nil {
			return err
		}
		audit.LogTarget(ctx, audit.ActionStatusUpdate, userID, userID, p.Status, "status updated")
		return nil

	case domain.AppPing:
		pong, err := json.Marshal(&domain.PongBody{Type: domain.MsgTypePong, Timestamp: d.now().UnixMilli()})
		if err != nil {
			return err
		}
		if err := s.Deliver(domain.QueuePong(userID), pong); err != nil && !errors.Is(err, domain.ErrNotSubscribed) {
			return err
		}
		return nil
	}

	return domain.BadRequest("unknown destination %q", dest)
}

func (d *Dispatcher) callAction(ctx context.Context, userID string, body []byte, fn callAction) error {
	var req domain.CallActionRequest
	if err := decode(body, &req); err != nil {
		return err
	}
	c, changed, err := fn(ctx, userID, &req)
	if err != nil {
		return err
	}
	if changed {
		audit.LogTarget(ctx, audit.ActionCallAnswer, userID, c.SessionID, string(c.Status), "call state changed")
	}
	return nil
}

// Subscribed is called after the session subscribed to dest. Subscribing to
// the call queue delivers invites that were pushed while the user was away.
func (d *Dispatcher) Subscribed(ctx context.Context, s *registry.Session, dest string) {
	if dest == domain.QueueCalls(s.UserID()) {
		if n := d.calls.ResumePending(ctx, s.UserID()); n > 0 {
			l := pkglog.Ctx(ctx)
			l.Info().Int("calls", n).Msg("resumed pending call invites")
		}
	}
}

// ReportError sends err to the session's error queue. Sessions that did not
// subscribe to it only get the log line.
func (d *Dispatcher) ReportError(ctx context.Context, s *registry.Session, dest string, err error) {
	l := pkglog.Ctx(ctx)
	body := domain.NewErrorBody(err, dest, d.now().UnixMilli())
	l.Warn().Err(err).Str(pkglog.FieldDestination, dest).Str("code", body.Code).Msg("request failed")

	data, mErr := json.Marshal(body)
	if mErr != nil {
		return
	}
	if dErr := s.Deliver(domain.QueueErrors(s.UserID()), data); dErr != nil {
		l.Debug().Err(dErr).Msg("error not delivered")
	}
}

func decode(body []byte, v interface{}) error {
	if len(body) == 0 {
		return domain.BadRequest("empty body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return domain.WrapError(domain.ErrCodeBadRequest, "invalid JSON body", err)
	}
	return nil
}
