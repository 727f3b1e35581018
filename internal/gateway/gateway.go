// Package gateway terminates realtime WebSocket connections: it
// authenticates the upgrade request, runs the STOMP handshake, registers
// the session and pumps frames until either side goes away.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/audit"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/auth"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/registry"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/store"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/frame"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/response"
)

// Dispatcher handles application traffic of an open session.
type Dispatcher interface {
	// Dispatch handles a SEND frame addressed to dest.
	Dispatch(ctx context.Context, s *registry.Session, dest string, body []byte) error
	// Subscribed is called after a subscription to dest was installed.
	Subscribed(ctx context.Context, s *registry.Session, dest string)
	// ReportError sends err to the session's error channel.
	ReportError(ctx context.Context, s *registry.Session, dest string, err error)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithSessionStore records connection lifetimes.
func WithSessionStore(s store.SessionStore) Option {
	return func(g *Gateway) { g.sessions = s }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Gateway is the http.Handler mounted on the WebSocket endpoint.
type Gateway struct {
	cfg        Config
	verifier   auth.Verifier
	registry   *registry.Registry
	dispatcher Dispatcher
	sessions   store.SessionStore
	upgrader   websocket.Upgrader
	now        func() time.Time
}

// New creates a Gateway.
func New(cfg Config, verifier auth.Verifier, reg *registry.Registry, d Dispatcher, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:        cfg.withDefaults(),
		verifier:   verifier,
		registry:   reg,
		dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients are served from other origins; the token is
			// the credential.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var supportedVersions = []string{"1.2", "1.1", "1.0"}

var (
	errHandshake       = errors.New("handshake failed")
	errTooManyMalforms = errors.New("too many malformed frames")
)

// ServeHTTP authenticates the request and, on success, upgrades it and
// serves the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())

	token := middleware.ExtractToken(r)
	if token == "" {
		g.reject(ctx, w, "missing access token")
		return
	}
	id, err := g.verifier.Verify(ctx, token)
	if err != nil {
		l := pkglog.Ctx(ctx)
		l.Warn().Err(err).Msg("websocket authentication failed")
		g.reject(ctx, w, "invalid or expired access token")
		return
	}
	if !frame.ValidHeaderValue(id.UserID) {
		l := pkglog.Ctx(ctx)
		l.Warn().Str(pkglog.FieldUserID, strconv.Quote(id.UserID)).Msg("websocket identity rejected")
		g.reject(ctx, w, "invalid identity")
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l := pkglog.Ctx(ctx)
		l.Warn().Err(err).Str(pkglog.FieldUserID, id.UserID).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(uuid.New().String(), ws, g.cfg)
	go conn.writePump()

	ctx = pkglog.WithConn(ctx, conn.ID(), id.UserID)
	g.serve(ctx, conn, id)
}

func (g *Gateway) reject(ctx context.Context, w http.ResponseWriter, msg string) {
	audit.Log(ctx, audit.ActionAuthFailed, "", msg)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(response.Response{
		Success: false,
		Error:   &response.ErrorInfo{Code: response.CodeUnauthorized, Message: msg},
	})
}

func (g *Gateway) serve(ctx context.Context, conn *Conn, id *auth.Identity) {
	l := pkglog.Ctx(ctx)
	conn.ws.SetReadLimit(g.cfg.MaxMessageSize)

	connect, err := g.awaitConnect(conn)
	if err != nil {
		l.Info().Err(err).Msg("handshake failed")
		_ = conn.Write(frame.NewError(err.Error()))
		conn.Close("handshake failed")
		return
	}

	version, ok := negotiateVersion(connect.Header(frame.HeaderAcceptVersion))
	if !ok {
		_ = conn.Write(frame.NewError("supported protocol versions are " + strings.Join(supportedVersions, ",")))
		conn.Close("unsupported protocol version")
		return
	}
	clientHB, err := connect.HeartBeat()
	if err != nil {
		_ = conn.Write(frame.NewError(err.Error()))
		conn.Close("invalid heart-beat")
		return
	}
	serverHB := frame.HeartBeat{Send: g.cfg.HeartbeatOutgoing, Receive: g.cfg.HeartbeatIncoming}
	incoming, outgoing := frame.Negotiate(clientHB, serverHB)

	if err := conn.Write(frame.NewConnected(version, g.cfg.ServerName, id.UserID, serverHB)); err != nil {
		conn.Close("handshake failed")
		return
	}
	conn.ws.SetReadDeadline(time.Time{})
	conn.startHeartbeat(outgoing)

	s := g.registry.Register(id.UserID, conn, incoming)
	connectedAt := g.now()
	g.recordConnect(ctx, conn.ID(), id.UserID, connectedAt)
	audit.Log(ctx, audit.ActionConnect, id.UserID, "realtime session opened")
	l.Info().
		Str("version", version).
		Dur("heartbeat_incoming", incoming).
		Dur("heartbeat_outgoing", outgoing).
		Msg("session connected")

	reason := g.guard(ctx, conn, func() string { return g.readLoop(ctx, conn, s) })

	conn.Close(reason)
	if g.registry.Remove(s, reason) {
		audit.Log(ctx, audit.ActionDisconnect, id.UserID, reason)
	} else if r := conn.Reason(); r != "" {
		// Closed from outside: superseded, evicted or shut down.
		reason = r
		if strings.HasPrefix(r, "superseded") {
			audit.Log(ctx, audit.ActionSuperseded, id.UserID, r)
		}
	}
	g.recordDisconnect(ctx, conn.ID(), reason, s.Subscriptions())
	l.Info().Str("reason", reason).Msg("session closed")
}

// guard runs loop and converts a panic into an ERROR frame and a close
// reason, so the caller's teardown always runs.
func (g *Gateway) guard(ctx context.Context, conn *Conn, loop func() string) (reason string) {
	defer func() {
		if r := recover(); r != nil {
			l := pkglog.Ctx(ctx)
			l.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("connection handler panicked")
			_ = conn.Write(frame.NewError("internal server error"))
			reason = "internal error"
		}
	}()
	return loop()
}

// awaitConnect reads until the first non heart-beat frame, which must be
// CONNECT or STOMP, within the handshake timeout.
func (g *Gateway) awaitConnect(conn *Conn) (f *frame.Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			f, err = nil, fmt.Errorf("%w: internal error", errHandshake)
		}
	}()
	conn.ws.SetReadDeadline(time.Now().Add(g.cfg.HandshakeTimeout))
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: no CONNECT frame received", errHandshake)
		}
		f, err = frame.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errHandshake, err)
		}
		if f.IsHeartbeat() {
			continue
		}
		if f.Command != frame.CmdConnect && f.Command != frame.CmdStomp {
			return nil, fmt.Errorf("%w: expected CONNECT, got %s", errHandshake, f.Command)
		}
		return f, nil
	}
}

// negotiateVersion picks the highest version offered by the client. A
// missing accept-version header means 1.0.
func negotiateVersion(accept string) (string, bool) {
	if strings.TrimSpace(accept) == "" {
		return "1.0", true
	}
	offered := make(map[string]struct{})
	for _, v := range strings.Split(accept, ",") {
		offered[strings.TrimSpace(v)] = struct{}{}
	}
	for _, v := range supportedVersions {
		if _, ok := offered[v]; ok {
			return v, true
		}
	}
	return "", false
}

// readLoop handles inbound frames until the connection ends and returns
// the close reason.
func (g *Gateway) readLoop(ctx context.Context, conn *Conn, s *registry.Session) string {
	l := pkglog.Ctx(ctx)
	malformed := 0

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l.Warn().Err(err).Msg("websocket read error")
			}
			return "connection closed"
		}
		g.registry.Touch(s)

		f, err := frame.Decode(data)
		if err != nil {
			malformed++
			l.Warn().Err(err).Int("count", malformed).Msg("malformed frame dropped")
			if malformed > g.cfg.MalformedThreshold {
				_ = conn.Write(frame.NewError(errTooManyMalforms.Error()))
				return errTooManyMalforms.Error()
			}
			g.dispatcher.ReportError(ctx, s, "", domain.WrapError(domain.ErrCodeMalformedFrame, "malformed frame", err))
			continue
		}
		if f.IsHeartbeat() {
			continue
		}

		done, err := g.handleFrame(ctx, s, f)
		if err != nil {
			l.Error().Err(err).Str(pkglog.FieldCommand, string(f.Command)).Msg("frame handling failed")
			_ = conn.Write(frame.NewError("internal server error"))
			return "internal error"
		}
		if done {
			return "client disconnect"
		}
	}
}

// handleFrame processes one frame. done reports a client DISCONNECT. A
// non-nil error means the handler panicked and the connection must close.
func (g *Gateway) handleFrame(ctx context.Context, s *registry.Session, f *frame.Frame) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v", f.Command, r)
		}
	}()

	switch f.Command {
	case frame.CmdSubscribe:
		dest, ok := domain.ResolveSubscription(f.Destination(), s.UserID())
		if !ok {
			g.dispatcher.ReportError(ctx, s, f.Destination(), domain.Forbidden("cannot subscribe to %s", f.Destination()))
			return false, nil
		}
		if err := s.Subscribe(f.ID(), dest); err != nil {
			return false, nil
		}
		l := pkglog.Ctx(ctx)
		l.Debug().Str(pkglog.FieldDestination, dest).Str("subscription", f.ID()).Msg("subscribed")
		g.dispatcher.Subscribed(ctx, s, dest)

	case frame.CmdUnsubscribe:
		s.Unsubscribe(f.ID())

	case frame.CmdSend:
		if err := g.dispatcher.Dispatch(ctx, s, f.Destination(), f.Body); err != nil {
			g.dispatcher.ReportError(ctx, s, f.Destination(), err)
			return false, nil
		}

	case frame.CmdDisconnect:
		g.receipt(s, f)
		return true, nil

	default:
		g.dispatcher.ReportError(ctx, s, "", domain.BadRequest("unexpected %s frame", f.Command))
		return false, nil
	}

	g.receipt(s, f)
	return false, nil
}

func (g *Gateway) receipt(s *registry.Session, f *frame.Frame) {
	if id := f.Header(frame.HeaderReceipt); id != "" {
		_ = s.WriteFrame(frame.NewReceipt(id))
	}
}

func (g *Gateway) recordConnect(ctx context.Context, connID, userID string, at time.Time) {
	if g.sessions == nil {
		return
	}
	rec := &store.SessionRecord{ConnID: connID, UserID: userID, ConnectedAt: at}
	if err := g.sessions.RecordConnect(ctx, rec); err != nil {
		l := pkglog.Ctx(ctx)
		l.Warn().Err(err).Msg("failed to record session connect")
	}
}

func (g *Gateway) recordDisconnect(ctx context.Context, connID, reason string, subs []string) {
	if g.sessions == nil {
		return
	}
	if err := g.sessions.RecordDisconnect(ctx, connID, g.now(), reason, subs); err != nil {
		l := pkglog.Ctx(ctx)
		l.Warn().Err(err).Msg("failed to record session disconnect")
	}
}

// RunWatchdog evicts sessions that stayed silent for HeartbeatFactor times
// their negotiated interval. Sessions that negotiated no client heart-beats
// are judged against the configured incoming interval. It returns when ctx
// is done.
func (g *Gateway) RunWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

func (g *Gateway) sweep(ctx context.Context) {
	fallback := g.cfg.HeartbeatIncoming
	if fallback <= 0 {
		fallback = DefaultConfig().HeartbeatIncoming
	}
	for _, s := range g.registry.Expired(HeartbeatFactor, fallback) {
		if !g.registry.Remove(s, "heartbeat timeout") {
			continue
		}
		sctx := pkglog.WithConn(ctx, s.ConnID(), s.UserID())
		l := pkglog.Ctx(sctx)
		l.Info().Time("last_heartbeat", s.LastHeartbeatAt()).Msg("session evicted")
		audit.Log(sctx, audit.ActionEvicted, s.UserID(), "heartbeat timeout")
	}
}

// Shutdown closes every live session.
func (g *Gateway) Shutdown() {
	g.registry.CloseAll("server shutting down")
}
