// Package wsclient is a reconnecting client for the realtime WebSocket
// endpoint. It performs the STOMP handshake, keeps its subscriptions across
// reconnects and sends heart-beats at the negotiated interval.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/frame"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

var (
	ErrNotConnected     = errors.New("wsclient: not connected")
	ErrAlreadyConnected = errors.New("wsclient: already connected")
	ErrDisconnected     = errors.New("wsclient: disconnected by caller")
)

// ServerError is an ERROR frame received from the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "server error: " + e.Message }

// Subscription is one SUBSCRIBE issued on every (re)connect.
type Subscription struct {
	ID          string
	Destination string
}

// DefaultSubscriptions returns the per-user queues a client listens on.
func DefaultSubscriptions(userID string) []Subscription {
	return []Subscription{
		{ID: "sub-0", Destination: "/queue/messages/" + userID},
		{ID: "sub-1", Destination: "/queue/calls/" + userID},
		{ID: "sub-2", Destination: "/queue/errors/" + userID},
	}
}

// Config configures a Client.
type Config struct {
	URL           string
	Token         string
	UserID        string
	AcceptVersion string
	// Heartbeat is both the interval the client can send at and the one it
	// asks the server for.
	Heartbeat        time.Duration
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	Reconnect        ReconnectPolicy
	// Subscriptions defaults to DefaultSubscriptions(UserID).
	Subscriptions []Subscription
	Dialer        *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.AcceptVersion == "" {
		c.AcceptVersion = "1.1,1.0"
	}
	if c.Heartbeat < 0 {
		c.Heartbeat = 0
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.Reconnect == nil {
		c.Reconnect = FixedDelay(DefaultReconnectDelay)
	}
	if c.Subscriptions == nil && c.UserID != "" {
		c.Subscriptions = DefaultSubscriptions(c.UserID)
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

// Client is a reconnecting STOMP-over-WebSocket client.
type Client struct {
	cfg Config

	mu            sync.Mutex
	state         State
	ws            *websocket.Conn
	stopHeartbeat chan struct{}
	subs          []Subscription
	noReconnect   bool
	attempt       int
	timer         *time.Timer
	lifetime      context.Context
	cancel        context.CancelFunc

	writeMu sync.Mutex

	// subscribed runs after the subscriptions of a new connection were
	// written and before the connection is declared open.
	subscribed func()

	listenersMu sync.RWMutex
	listeners   map[ListenerID]Listener
	nextID      ListenerID
}

// New creates a disconnected client.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:       cfg,
		state:     StateDisconnected,
		subs:      append([]Subscription(nil), cfg.Subscriptions...),
		listeners: make(map[ListenerID]Listener),
	}
}

// AddListener registers l and returns a handle for RemoveListener.
func (c *Client) AddListener(l Listener) ListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.nextID++
	c.listeners[c.nextID] = l
	return c.nextID
}

// RemoveListener unregisters a listener.
func (c *Client) RemoveListener(id ListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.listeners, id)
}

func (c *Client) snapshotListeners() []Listener {
	c.listenersMu.RLock()
	ids := make([]ListenerID, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.listeners[id])
	}
	c.listenersMu.RUnlock()
	return out
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscriptions returns the subscriptions issued on every connect.
func (c *Client) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Subscription(nil), c.subs...)
}

// setStateLocked changes the state and returns a function that notifies
// listeners; call it after releasing c.mu.
func (c *Client) setStateLocked(to State) func() {
	from := c.state
	if from == to {
		return func() {}
	}
	c.state = to
	return func() {
		for _, l := range c.snapshotListeners() {
			l.OnStateChange(from, to)
		}
	}
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	notify := c.setStateLocked(to)
	c.mu.Unlock()
	notify()
}

// Connect opens the connection, performs the handshake and subscribes. If
// the attempt fails the client keeps retrying in the background according
// to its ReconnectPolicy until Disconnect; the first error is returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.noReconnect = false
	c.attempt = 0
	c.lifetime, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	if err := c.connectOnce(ctx); err != nil {
		c.scheduleReconnect(err)
		return err
	}
	return nil
}

func (c *Client) connectOnce(ctx context.Context) error {
	l := pkglog.L()
	c.setState(StateConnecting)

	target, err := c.dialURL()
	if err != nil {
		return err
	}
	ws, _, err := c.cfg.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.setState(StateHandshaking)
	outgoing, incoming, err := c.handshake(ws)
	if err != nil {
		ws.Close()
		return err
	}

	c.mu.Lock()
	if c.noReconnect {
		c.mu.Unlock()
		ws.Close()
		return ErrDisconnected
	}
	c.ws = ws
	c.attempt = 0
	stop := make(chan struct{})
	c.stopHeartbeat = stop
	subs := append([]Subscription(nil), c.subs...)
	c.mu.Unlock()

	for _, s := range subs {
		if err := c.write(ws, frame.NewSubscribe(s.ID, s.Destination)); err != nil {
			c.detach(ws)
			return fmt.Errorf("subscribe %s: %w", s.Destination, err)
		}
	}
	if c.subscribed != nil {
		c.subscribed()
	}

	// Disconnect may have run since ws was installed.
	c.mu.Lock()
	if c.noReconnect || c.ws != ws {
		c.mu.Unlock()
		ws.Close()
		return ErrDisconnected
	}
	notify := c.setStateLocked(StateOpen)
	c.mu.Unlock()
	notify()
	l.Info().
		Str(pkglog.FieldUserID, c.cfg.UserID).
		Int("subscriptions", len(subs)).
		Dur("heartbeat_outgoing", outgoing).
		Msg("realtime connection open")

	if outgoing > 0 {
		go c.heartbeatLoop(ws, outgoing, stop)
	}
	go c.readLoop(ws, incoming)
	return nil
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// handshake sends CONNECT and waits for CONNECTED. It returns how often the
// client must write and how often it should hear from the server.
func (c *Client) handshake(ws *websocket.Conn) (outgoing, incoming time.Duration, err error) {
	hb := frame.HeartBeat{Send: c.cfg.Heartbeat, Receive: c.cfg.Heartbeat}
	u, _ := url.Parse(c.cfg.URL)
	if err := c.write(ws, frame.NewConnect(c.cfg.AcceptVersion, u.Hostname(), hb)); err != nil {
		return 0, 0, fmt.Errorf("send CONNECT: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return 0, 0, fmt.Errorf("await CONNECTED: %w", err)
		}
		f, err := frame.Decode(data)
		if err != nil {
			return 0, 0, err
		}
		switch f.Command {
		case frame.CmdHeartbeat:
			continue
		case frame.CmdConnected:
			server, err := f.HeartBeat()
			if err != nil {
				return 0, 0, err
			}
			// Seen from the client, the server is the "client" side of the
			// negotiation.
			incoming, outgoing = frame.Negotiate(server, hb)
			return outgoing, incoming, nil
		case frame.CmdError:
			return 0, 0, &ServerError{Message: f.Header(frame.HeaderMessage)}
		default:
			return 0, 0, fmt.Errorf("expected CONNECTED, got %s", f.Command)
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn, incoming time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			l := pkglog.L()
			l.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("realtime read loop panicked")
			c.connectionLost(ws, fmt.Errorf("read loop: %v", r))
		}
	}()
	for {
		if incoming > 0 {
			ws.SetReadDeadline(time.Now().Add(3 * incoming))
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.connectionLost(ws, err)
			return
		}
		f, err := frame.Decode(data)
		if err != nil {
			l := pkglog.L()
			l.Warn().Err(err).Msg("dropping malformed frame from server")
			continue
		}

		switch f.Command {
		case frame.CmdMessage:
			m := messageFromFrame(f)
			for _, lis := range c.snapshotListeners() {
				lis.OnMessage(m)
			}
		case frame.CmdError:
			serr := &ServerError{Message: f.Header(frame.HeaderMessage)}
			for _, lis := range c.snapshotListeners() {
				lis.OnError(serr)
			}
		}
	}
}

func (c *Client) heartbeatLoop(ws *websocket.Conn, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write(ws, frame.NewHeartbeat()); err != nil {
				return
			}
		}
	}
}

// connectionLost handles the end of ws. A connection replaced or closed by
// Disconnect is ignored.
func (c *Client) connectionLost(ws *websocket.Conn, err error) {
	if !c.detach(ws) {
		return
	}

	l := pkglog.L()
	l.Warn().Err(err).Str(pkglog.FieldUserID, c.cfg.UserID).Msg("realtime connection lost")
	for _, lis := range c.snapshotListeners() {
		lis.OnError(err)
	}
	c.scheduleReconnect(err)
}

// detach forgets ws if it is still the current connection and closes it.
func (c *Client) detach(ws *websocket.Conn) bool {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return false
	}
	c.ws = nil
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	c.mu.Unlock()
	ws.Close()
	return true
}

func (c *Client) scheduleReconnect(cause error) {
	c.mu.Lock()
	if c.noReconnect {
		notify := c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		notify()
		return
	}
	c.attempt++
	delay := c.cfg.Reconnect.Delay(c.attempt)
	attempt := c.attempt
	notify := c.setStateLocked(StateReconnectPending)
	c.timer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()
	notify()

	l := pkglog.L()
	l.Info().
		Err(cause).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("reconnect scheduled")
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.noReconnect || c.state != StateReconnectPending {
		c.mu.Unlock()
		return
	}
	ctx := c.lifetime
	c.mu.Unlock()

	if err := c.connectOnce(ctx); err != nil {
		c.scheduleReconnect(err)
	}
}

// Subscribe adds a subscription. It is sent now when the connection is open
// and re-issued on every reconnect.
func (c *Client) Subscribe(id, destination string) error {
	c.mu.Lock()
	replaced := false
	for i, s := range c.subs {
		if s.ID == id {
			c.subs[i].Destination = destination
			replaced = true
		}
	}
	if !replaced {
		c.subs = append(c.subs, Subscription{ID: id, Destination: destination})
	}
	ws, open := c.ws, c.state == StateOpen
	c.mu.Unlock()

	if !open || ws == nil {
		return nil
	}
	return c.write(ws, frame.NewSubscribe(id, destination))
}

// Unsubscribe drops a subscription.
func (c *Client) Unsubscribe(id string) error {
	c.mu.Lock()
	for i, s := range c.subs {
		if s.ID == id {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	ws, open := c.ws, c.state == StateOpen
	c.mu.Unlock()

	if !open || ws == nil {
		return nil
	}
	return c.write(ws, frame.NewUnsubscribe(id))
}

// Send sends body to an application destination.
func (c *Client) Send(destination string, body []byte) error {
	c.mu.Lock()
	ws, open := c.ws, c.state == StateOpen
	c.mu.Unlock()
	if !open || ws == nil {
		return ErrNotConnected
	}
	return c.write(ws, frame.NewSend(destination, body))
}

// SendJSON marshals v and sends it to destination.
func (c *Client) SendJSON(destination string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(destination, body)
}

// Disconnect closes the connection with a normal closure and stops any
// further reconnect attempts.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.noReconnect = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	ws := c.ws
	c.ws = nil
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	var notify func()
	if ws != nil {
		notify = c.setStateLocked(StateClosing)
	}
	c.mu.Unlock()
	if notify != nil {
		notify()
	}

	var err error
	if ws != nil {
		_ = c.write(ws, frame.NewDisconnect(""))
		c.writeMu.Lock()
		err = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(c.cfg.WriteWait))
		c.writeMu.Unlock()
		ws.Close()
	}

	c.setState(StateDisconnected)
	return err
}

func (c *Client) write(ws *websocket.Conn, f *frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return ws.WriteMessage(websocket.TextMessage, frame.Encode(f))
}
