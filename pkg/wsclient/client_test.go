package wsclient

import (
	"context"
	"errors"
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

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/frame"
)

// stompServer accepts connections, answers CONNECT and records every frame.
type stompServer struct {
	srv         *httptest.Server
	rejects     int32
	attempts    atomic.Int32
	heartBeat   frame.HeartBeat
	handshakeFn func(*frame.Frame) *frame.Frame

	mu    sync.Mutex
	conns []*serverConn
}

type serverConn struct {
	ws     *websocket.Conn
	token  string
	frames chan *frame.Frame
	closed chan struct{}

	writeMu   sync.Mutex
	closeCode atomic.Int32
}

func newStompServer(t *testing.T) *stompServer {
	t.Helper()
	s := &stompServer{}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.attempts.Add(1) <= s.rejects {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{
			ws:     ws,
			token:  r.URL.Query().Get("token"),
			frames: make(chan *frame.Frame, 64),
			closed: make(chan struct{}),
		}
		s.mu.Lock()
		s.conns = append(s.conns, sc)
		s.mu.Unlock()
		go s.serve(sc)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stompServer) serve(sc *serverConn) {
	defer close(sc.closed)
	for {
		_, data, err := sc.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				sc.closeCode.Store(int32(ce.Code))
			}
			return
		}
		f, err := frame.Decode(data)
		if err != nil {
			continue
		}
		if f.Command == frame.CmdConnect {
			reply := frame.NewConnected("1.1", "test", "alice", s.heartBeat)
			if s.handshakeFn != nil {
				reply = s.handshakeFn(f)
			}
			sc.send(reply)
		}
		sc.frames <- f
	}
}

func (sc *serverConn) send(f *frame.Frame) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_ = sc.ws.WriteMessage(websocket.TextMessage, frame.Encode(f))
}

// drop kills the TCP connection without a close handshake.
func (sc *serverConn) drop() { sc.ws.NetConn().Close() }

func (s *stompServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *stompServer) conn(i int) *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.conns) {
		return nil
	}
	return s.conns[i]
}

func (s *stompServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// next returns the next non heart-beat frame the server received.
func (sc *serverConn) next(t *testing.T) *frame.Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-sc.frames:
			if !f.IsHeartbeat() {
				return f
			}
		case <-timeout:
			t.Fatal("timed out waiting for a frame")
			return nil
		}
	}
}

func (sc *serverConn) subscriptions(t *testing.T, n int) []Subscription {
	t.Helper()
	out := make([]Subscription, 0, n)
	for len(out) < n {
		f := sc.next(t)
		require.Equal(t, frame.CmdSubscribe, f.Command, f.String())
		out = append(out, Subscription{ID: f.ID(), Destination: f.Destination()})
	}
	return out
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) listener() ListenerFuncs {
	return ListenerFuncs{StateChange: func(_, to State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, to)
	}}
}

func (r *stateRecorder) seen(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

func newTestClient(t *testing.T, s *stompServer, delay time.Duration) *Client {
	t.Helper()
	c := New(Config{
		URL:       s.url(),
		Token:     "tok-alice",
		UserID:    "alice",
		Heartbeat: 10 * time.Second,
		Reconnect: FixedDelay(delay),
	})
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func TestClient_ConnectHandshakeAndSubscribe(t *testing.T) {
	s := newStompServer(t)
	c := newTestClient(t, s, 20*time.Millisecond)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateOpen, c.State())

	sc := s.conn(0)
	require.NotNil(t, sc)
	assert.Equal(t, "tok-alice", sc.token)

	connect := sc.next(t)
	require.Equal(t, frame.CmdConnect, connect.Command)
	assert.Equal(t, "1.1,1.0", connect.Header(frame.HeaderAcceptVersion))
	assert.Equal(t, "10000,10000", connect.Header(frame.HeaderHeartBeat))

	assert.Equal(t, DefaultSubscriptions("alice"), sc.subscriptions(t, 3))
}

func TestClient_DispatchesMessagesToListeners(t *testing.T) {
	s := newStompServer(t)
	c := newTestClient(t, s, 20*time.Millisecond)

	got := make(chan *Message, 4)
	id := c.AddListener(ListenerFuncs{Message: func(m *Message) { got <- m }})
	other := make(chan *Message, 4)
	otherID := c.AddListener(ListenerFuncs{Message: func(m *Message) { other <- m }})
	c.RemoveListener(otherID)

	require.NoError(t, c.Connect(context.Background()))
	sc := s.conn(0)
	sc.next(t)
	sc.subscriptions(t, 3)

	sc.send(frame.NewDeliver("/queue/messages/alice", "sub-0", "m-1", []byte(`{"type":"CHAT_MESSAGE"}`)))

	select {
	case m := <-got:
		assert.Equal(t, "/queue/messages/alice", m.Destination)
		assert.Equal(t, "sub-0", m.Subscription)
		assert.Equal(t, "m-1", m.MessageID)
		assert.JSONEq(t, `{"type":"CHAT_MESSAGE"}`, string(m.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}
	select {
	case <-other:
		t.Fatal("removed listener was called")
	default:
	}
	c.RemoveListener(id)
}

func TestClient_ReconnectResumesSubscriptions(t *testing.T) {
	s := newStompServer(t)
	c := newTestClient(t, s, 20*time.Millisecond)
	rec := &stateRecorder{}
	c.AddListener(rec.listener())

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe("sub-3", "/topic/status"))

	first := s.conn(0)
	first.next(t)
	before := first.subscriptions(t, 4)

	first.drop()

	require.Eventually(t, func() bool { return s.connCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	second := s.conn(1)
	require.Equal(t, frame.CmdConnect, second.next(t).Command)
	assert.Equal(t, before, second.subscriptions(t, 4))

	require.Eventually(t, func() bool { return c.State() == StateOpen }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, rec.seen(StateReconnectPending))
}

func TestClient_RetriesUntilServerAccepts(t *testing.T) {
	s := newStompServer(t)
	s.rejects = 2
	c := newTestClient(t, s, 20*time.Millisecond)

	err := c.Connect(context.Background())
	require.Error(t, err)

	require.Eventually(t, func() bool { return c.State() == StateOpen }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), s.attempts.Load())
}

func TestClient_DisconnectSuppressesReconnect(t *testing.T) {
	s := newStompServer(t)
	c := newTestClient(t, s, 20*time.Millisecond)
	rec := &stateRecorder{}
	c.AddListener(rec.listener())

	require.NoError(t, c.Connect(context.Background()))
	sc := s.conn(0)
	sc.next(t)
	sc.subscriptions(t, 3)

	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, rec.seen(StateClosing))

	assert.Equal(t, frame.CmdDisconnect, sc.next(t).Command)
	select {
	case <-sc.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection not closed")
	}
	assert.Equal(t, int32(websocket.CloseNormalClosure), sc.closeCode.Load())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, s.connCount())
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Send("/app/ping", []byte("{}")), ErrNotConnected)
}

func TestClient_DisconnectWhilePending(t *testing.T) {
	s := newStompServer(t)
	s.rejects = 100
	c := newTestClient(t, s, 20*time.Millisecond)

	require.Error(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return s.attempts.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Disconnect())
	n := s.attempts.Load()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, s.attempts.Load(), n+1)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_HandshakeError(t *testing.T) {
	s := newStompServer(t)
	s.handshakeFn = func(*frame.Frame) *frame.Frame { return frame.NewError("bad version") }
	c := newTestClient(t, s, time.Hour)

	err := c.Connect(context.Background())
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "bad version", serr.Message)
	assert.Equal(t, StateReconnectPending, c.State())
}

func TestClient_SendsHeartbeatsAtNegotiatedInterval(t *testing.T) {
	s := newStompServer(t)
	s.heartBeat = frame.HeartBeat{Receive: 30 * time.Millisecond}
	c := New(Config{
		URL:       s.url(),
		UserID:    "alice",
		Heartbeat: 10 * time.Millisecond,
		Reconnect: FixedDelay(time.Hour),
	})
	t.Cleanup(func() { _ = c.Disconnect() })

	require.NoError(t, c.Connect(context.Background()))
	sc := s.conn(0)

	heartbeats := 0
	timeout := time.After(2 * time.Second)
	for heartbeats < 3 {
		select {
		case f := <-sc.frames:
			if f.IsHeartbeat() {
				heartbeats++
			}
		case <-timeout:
			t.Fatalf("only %d heart-beats received", heartbeats)
		}
	}
}

func TestClient_SendAndUnsubscribe(t *testing.T) {
	s := newStompServer(t)
	c := newTestClient(t, s, time.Hour)
	require.NoError(t, c.Connect(context.Background()))
	sc := s.conn(0)
	sc.next(t)
	sc.subscriptions(t, 3)

	require.NoError(t, c.SendJSON("/app/ping", map[string]any{}))
	send := sc.next(t)
	assert.Equal(t, frame.CmdSend, send.Command)
	assert.Equal(t, "/app/ping", send.Destination())

	require.NoError(t, c.Unsubscribe("sub-2"))
	unsub := sc.next(t)
	assert.Equal(t, frame.CmdUnsubscribe, unsub.Command)
	assert.Equal(t, "sub-2", unsub.ID())
	assert.Len(t, c.Subscriptions(), 2)
}

func TestClient_DisconnectBeforeOpenWins(t *testing.T) {
	s := newStompServer(t)
	c := newTestClient(t, s, 20*time.Millisecond)
	rec := &stateRecorder{}
	c.AddListener(rec.listener())
	c.subscribed = func() { _ = c.Disconnect() }

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, rec.seen(StateOpen))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, s.connCount())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_ListenerPanicReconnects(t *testing.T) {
	s := newStompServer(t)
	c := newTestClient(t, s, 20*time.Millisecond)
	var panics atomic.Int32
	c.AddListener(ListenerFuncs{Message: func(*Message) {
		panics.Add(1)
		panic("listener failed")
	}})

	require.NoError(t, c.Connect(context.Background()))
	sc := s.conn(0)
	require.NotNil(t, sc)
	sc.subscriptions(t, 3)
	sc.send(frame.NewDeliver("/queue/messages/alice", "sub-0", "m-1", []byte(`{}`)))

	require.Eventually(t, func() bool { return s.connCount() == 2 && c.State() == StateOpen }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), panics.Load())
}
