package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/auth"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/registry"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/store"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/frame"
)

type tokenVerifier map[string]string

func (v tokenVerifier) Verify(_ context.Context, token string) (*auth.Identity, error) {
	userID, ok := v[token]
	if !ok {
		return nil, domain.ErrAuthFailure
	}
	return &auth.Identity{UserID: userID, Username: userID}, nil
}

type echoDispatcher struct {
	mu         sync.Mutex
	subscribed []string

	panicOnReport atomic.Bool
}

func (d *echoDispatcher) Dispatch(_ context.Context, s *registry.Session, dest string, body []byte) error {
	switch dest {
	case "/app/echo":
		return s.Deliver(domain.QueueMessages(s.UserID()), body)
	case "/app/panic":
		panic("boom")
	default:
		return domain.BadRequest("unknown destination %s", dest)
	}
}

func (d *echoDispatcher) Subscribed(_ context.Context, _ *registry.Session, dest string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribed = append(d.subscribed, dest)
}

func (d *echoDispatcher) ReportError(_ context.Context, s *registry.Session, dest string, err error) {
	if d.panicOnReport.Load() {
		panic("error reporter failed")
	}
	body, _ := json.Marshal(domain.NewErrorBody(err, dest, time.Now().UnixMilli()))
	_ = s.Deliver(domain.QueueErrors(s.UserID()), body)
}

func (d *echoDispatcher) destinations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.subscribed...)
}

type sessionLog struct {
	mu      sync.Mutex
	records map[string]*store.SessionRecord
}

func (s *sessionLog) RecordConnect(_ context.Context, rec *store.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.ConnID] = &cp
	return nil
}

func (s *sessionLog) RecordDisconnect(_ context.Context, connID string, at time.Time, reason string, subs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[connID]
	if !ok {
		return domain.ErrNotFound
	}
	rec.DisconnectedAt = &at
	rec.Reason = reason
	rec.Subscriptions = subs
	return nil
}

func (s *sessionLog) ListSessions(_ context.Context, userID string, _ int) ([]*store.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.SessionRecord
	for _, rec := range s.records {
		if rec.UserID == userID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fixture struct {
	gw       *Gateway
	reg      *registry.Registry
	disp     *echoDispatcher
	sessions *sessionLog
	srv      *httptest.Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		reg:      registry.New(),
		disp:     &echoDispatcher{},
		sessions: &sessionLog{records: make(map[string]*store.SessionRecord)},
	}
	verifier := tokenVerifier{"tok-alice": "alice", "tok-bob": "bob", "tok-crlf": "mallory\r\nmessage:x"}
	f.gw = New(cfg, verifier, f.reg, f.disp, WithSessionStore(f.sessions))
	f.srv = httptest.NewServer(f.gw)
	t.Cleanup(func() {
		f.gw.Shutdown()
		f.srv.Close()
	})
	return f
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

func (f *fixture) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if c != nil {
		t.Cleanup(func() { c.Close() })
	}
	return c, resp, err
}

func (f *fixture) connect(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	c, _, err := f.dial(t, token)
	require.NoError(t, err)
	send(t, c, frame.NewConnect("1.1,1.2", "localhost", frame.HeartBeat{}))
	connected := readFrame(t, c)
	require.Equal(t, frame.CmdConnected, connected.Command, connected.String())
	return c
}

func send(t *testing.T, c *websocket.Conn, f *frame.Frame) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, frame.Encode(f)))
}

func sendRaw(t *testing.T, c *websocket.Conn, data string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(data)))
}

// readFrame returns the next non heart-beat frame.
func readFrame(t *testing.T, c *websocket.Conn) *frame.Frame {
	t.Helper()
	for {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := c.ReadMessage()
		require.NoError(t, err)
		f, err := frame.Decode(data)
		require.NoError(t, err)
		if !f.IsHeartbeat() {
			return f
		}
	}
}

// expectClosed drains frames until the server closes the connection.
func expectClosed(t *testing.T, c *websocket.Conn) error {
	t.Helper()
	for {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := c.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("connection was not closed: %v", err)
			}
			return err
		}
	}
}

func subscribe(t *testing.T, c *websocket.Conn, id, dest string) {
	t.Helper()
	sub := frame.NewSubscribe(id, dest)
	sub.Headers.Set(frame.HeaderReceipt, "r-"+id)
	send(t, c, sub)
	receipt := readFrame(t, c)
	require.Equal(t, frame.CmdReceipt, receipt.Command, receipt.String())
	require.Equal(t, "r-"+id, receipt.Header(frame.HeaderReceiptID))
}

func readError(t *testing.T, c *websocket.Conn) domain.ErrorBody {
	t.Helper()
	msg := readFrame(t, c)
	require.Equal(t, frame.CmdMessage, msg.Command, msg.String())
	require.Equal(t, domain.QueueErrors("alice"), msg.Destination())
	var body domain.ErrorBody
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	return body
}

func TestGateway_RejectsUnauthenticated(t *testing.T) {
	f := newFixture(t, testConfig())

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing token", token: ""},
		{name: "invalid token", token: "nope"},
		{name: "identity with line break", token: "tok-crlf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := f.dial(t, tt.token)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			body, _ := io.ReadAll(resp.Body)
			assert.Contains(t, string(body), "UNAUTHORIZED")
		})
	}
	assert.Equal(t, 0, f.reg.Len())
}

func TestGateway_Handshake(t *testing.T) {
	f := newFixture(t, testConfig())
	c, _, err := f.dial(t, "tok-alice")
	require.NoError(t, err)

	send(t, c, frame.NewConnect("1.0,1.1", "localhost", frame.HeartBeat{Send: 5 * time.Second, Receive: 5 * time.Second}))
	connected := readFrame(t, c)

	require.Equal(t, frame.CmdConnected, connected.Command)
	assert.Equal(t, "1.1", connected.Header(frame.HeaderVersion))
	assert.Equal(t, "alice", connected.Header(frame.HeaderUserName))
	assert.Equal(t, "10000,10000", connected.Header(frame.HeaderHeartBeat))

	require.Eventually(t, func() bool {
		s, ok := f.reg.Lookup("alice")
		return ok && s.HeartbeatInterval() == 10*time.Second
	}, time.Second, 10*time.Millisecond)
}

func TestGateway_HandshakeFailures(t *testing.T) {
	tests := []struct {
		name  string
		first *frame.Frame
	}{
		{name: "send before connect", first: frame.NewSend("/app/echo", []byte("{}"))},
		{name: "unsupported version", first: frame.NewConnect("2.0", "localhost", frame.HeartBeat{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig())
			c, _, err := f.dial(t, "tok-alice")
			require.NoError(t, err)

			send(t, c, tt.first)
			got := readFrame(t, c)
			assert.Equal(t, frame.CmdError, got.Command)
			expectClosed(t, c)
			assert.Equal(t, 0, f.reg.Len())
		})
	}
}

func TestGateway_HandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	f := newFixture(t, cfg)
	c, _, err := f.dial(t, "tok-alice")
	require.NoError(t, err)

	got := readFrame(t, c)
	assert.Equal(t, frame.CmdError, got.Command)
	expectClosed(t, c)
	assert.Equal(t, 0, f.reg.Len())
}

func TestGateway_SubscribeAndSend(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.connect(t, "tok-alice")

	subscribe(t, c, "sub-0", "/user/queue/messages")
	assert.Equal(t, []string{domain.QueueMessages("alice")}, f.disp.destinations())

	send(t, c, frame.NewSend("/app/echo", []byte(`{"hello":"world"}`)))
	msg := readFrame(t, c)
	require.Equal(t, frame.CmdMessage, msg.Command)
	assert.Equal(t, domain.QueueMessages("alice"), msg.Destination())
	assert.Equal(t, "sub-0", msg.Header(frame.HeaderSubscription))
	assert.JSONEq(t, `{"hello":"world"}`, string(msg.Body))

	unsub := frame.NewUnsubscribe("sub-0")
	unsub.Headers.Set(frame.HeaderReceipt, "unsub")
	send(t, c, unsub)
	receipt := readFrame(t, c)
	assert.Equal(t, "unsub", receipt.Header(frame.HeaderReceiptID))

	s, ok := f.reg.Lookup("alice")
	require.True(t, ok)
	assert.Empty(t, s.Subscriptions())
}

func TestGateway_ErrorsGoToErrorQueue(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.connect(t, "tok-alice")
	subscribe(t, c, "sub-2", domain.QueueErrors("alice"))

	send(t, c, frame.NewSubscribe("sub-9", domain.QueueMessages("bob")))
	body := readError(t, c)
	assert.Equal(t, domain.ErrCodeForbidden, body.Code)

	send(t, c, frame.NewSend("/app/unknown", []byte("{}")))
	body = readError(t, c)
	assert.Equal(t, domain.ErrCodeBadRequest, body.Code)
	assert.Equal(t, "/app/unknown", body.Destination)
}

func TestGateway_MalformedFrames(t *testing.T) {
	cfg := testConfig()
	cfg.MalformedThreshold = 2
	f := newFixture(t, cfg)
	c := f.connect(t, "tok-alice")
	subscribe(t, c, "sub-2", domain.QueueErrors("alice"))

	sendRaw(t, c, "BOGUS\n\n\x00")
	body := readError(t, c)
	assert.Equal(t, domain.ErrCodeMalformedFrame, body.Code)

	// Still usable after a single malformed frame.
	subscribe(t, c, "sub-0", domain.QueueMessages("alice"))

	sendRaw(t, c, "SEND\ndestination:/app/echo\n\n{}")
	readError(t, c)
	sendRaw(t, c, "NOPE\n\n\x00")

	got := readFrame(t, c)
	assert.Equal(t, frame.CmdError, got.Command)
	expectClosed(t, c)
	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestGateway_PanicClosesConnection(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.connect(t, "tok-alice")

	send(t, c, frame.NewSend("/app/panic", []byte("{}")))
	got := readFrame(t, c)
	assert.Equal(t, frame.CmdError, got.Command)
	assert.Equal(t, "internal server error", got.Header(frame.HeaderMessage))
	expectClosed(t, c)
	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestGateway_OversizedContentLengthIsMalformed(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.connect(t, "tok-alice")
	subscribe(t, c, "sub-2", domain.QueueErrors("alice"))
	subscribe(t, c, "sub-0", domain.QueueMessages("alice"))

	sendRaw(t, c, "SEND\ndestination:/app/ping\ncontent-length:9223372036854775807\n\n{}\x00")
	body := readError(t, c)
	assert.Equal(t, domain.ErrCodeMalformedFrame, body.Code)

	send(t, c, frame.NewSend("/app/echo", []byte(`{"still":"open"}`)))
	msg := readFrame(t, c)
	require.Equal(t, frame.CmdMessage, msg.Command, msg.String())
	assert.JSONEq(t, `{"still":"open"}`, string(msg.Body))
}

func TestGateway_PanicOutsideFrameHandlerTearsDownSession(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.connect(t, "tok-alice")
	subscribe(t, c, "sub-1", domain.QueueCalls("alice"))

	f.disp.panicOnReport.Store(true)
	sendRaw(t, c, "BOGUS\n\n\x00")

	got := readFrame(t, c)
	assert.Equal(t, frame.CmdError, got.Command)
	assert.Equal(t, "internal server error", got.Header(frame.HeaderMessage))
	expectClosed(t, c)

	require.Eventually(t, func() bool {
		_, ok := f.reg.Lookup("alice")
		return !ok
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		recs, _ := f.sessions.ListSessions(context.Background(), "alice", 10)
		return len(recs) == 1 && recs[0].DisconnectedAt != nil
	}, time.Second, 10*time.Millisecond)
	recs, _ := f.sessions.ListSessions(context.Background(), "alice", 10)
	assert.Equal(t, "internal error", recs[0].Reason)
	assert.Equal(t, []string{domain.QueueCalls("alice")}, recs[0].Subscriptions)
}

func TestGateway_Disconnect(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.connect(t, "tok-alice")
	subscribe(t, c, "sub-1", domain.QueueCalls("alice"))

	send(t, c, frame.NewDisconnect("bye"))
	receipt := readFrame(t, c)
	assert.Equal(t, frame.CmdReceipt, receipt.Command)
	assert.Equal(t, "bye", receipt.Header(frame.HeaderReceiptID))
	expectClosed(t, c)

	require.Eventually(t, func() bool {
		recs, _ := f.sessions.ListSessions(context.Background(), "alice", 10)
		return len(recs) == 1 && recs[0].DisconnectedAt != nil
	}, time.Second, 10*time.Millisecond)
	recs, _ := f.sessions.ListSessions(context.Background(), "alice", 10)
	assert.Equal(t, "client disconnect", recs[0].Reason)
	assert.Equal(t, []string{domain.QueueCalls("alice")}, recs[0].Subscriptions)
	assert.Equal(t, 0, f.reg.Len())
}

func TestGateway_NewConnectionSupersedesOld(t *testing.T) {
	f := newFixture(t, testConfig())
	first := f.connect(t, "tok-alice")
	second := f.connect(t, "tok-alice")

	err := expectClosed(t, first)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Contains(t, closeErr.Text, "superseded")

	subscribe(t, second, "sub-0", domain.QueueMessages("alice"))
	assert.Equal(t, 1, f.reg.Len())
}

func TestGateway_WatchdogEvictsSilentSession(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatIncoming = 50 * time.Millisecond
	cfg.WatchdogInterval = 10 * time.Millisecond
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.gw.RunWatchdog(ctx)

	c, _, err := f.dial(t, "tok-alice")
	require.NoError(t, err)
	send(t, c, frame.NewConnect("1.2", "localhost", frame.HeartBeat{Send: 50 * time.Millisecond}))
	require.Equal(t, frame.CmdConnected, readFrame(t, c).Command)

	expectClosed(t, c)
	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestGateway_HeartbeatsKeepSessionAlive(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatIncoming = 50 * time.Millisecond
	cfg.WatchdogInterval = 10 * time.Millisecond
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.gw.RunWatchdog(ctx)

	c, _, err := f.dial(t, "tok-alice")
	require.NoError(t, err)
	send(t, c, frame.NewConnect("1.2", "localhost", frame.HeartBeat{Send: 50 * time.Millisecond}))
	require.Equal(t, frame.CmdConnected, readFrame(t, c).Command)

	for i := 0; i < 15; i++ {
		sendRaw(t, c, "\n")
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, 1, f.reg.Len())
}

func TestNegotiateVersion(t *testing.T) {
	tests := []struct {
		accept string
		want   string
		ok     bool
	}{
		{accept: "", want: "1.0", ok: true},
		{accept: "1.0", want: "1.0", ok: true},
		{accept: "1.0,1.1,1.2", want: "1.2", ok: true},
		{accept: " 1.1 , 1.0", want: "1.1", ok: true},
		{accept: "2.0", ok: false},
	}
	for _, tt := range tests {
		got, ok := negotiateVersion(tt.accept)
		assert.Equal(t, tt.ok, ok, tt.accept)
		assert.Equal(t, tt.want, got, tt.accept)
	}
}
