package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/frame"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

var (
	errConnClosed = errors.New("connection closed")
	errSendFull   = errors.New("send buffer full")
)

const maxCloseReason = 123

// Conn is one websocket connection. It implements registry.Handle; all
// writes go through a buffered queue drained by writePump.
type Conn struct {
	id  string
	ws  *websocket.Conn
	cfg Config

	send      chan []byte
	heartbeat chan time.Duration
	done      chan struct{}
	stopped   chan struct{}

	closeOnce sync.Once
	// mu orders enqueues against Close: once closing is set no frame can
	// enter send, so flush drains everything Write accepted.
	mu      sync.RWMutex
	closing bool
	reason  string
}

func newConn(id string, ws *websocket.Conn, cfg Config) *Conn {
	return &Conn{
		id:        id,
		ws:        ws,
		cfg:       cfg,
		send:      make(chan []byte, cfg.SendBuffer),
		heartbeat: make(chan time.Duration, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// ID returns the connection ID.
func (c *Conn) ID() string { return c.id }

// Write queues f. A nil error means f will be written before the close
// message. A peer that cannot keep up with its queue is disconnected.
func (c *Conn) Write(f *frame.Frame) error {
	data := frame.Encode(f)

	c.mu.RLock()
	if c.closing {
		c.mu.RUnlock()
		return errConnClosed
	}
	queued := true
	select {
	case c.send <- data:
	default:
		queued = false
	}
	c.mu.RUnlock()

	if !queued {
		c.Close(errSendFull.Error())
		return errSendFull
	}
	return nil
}

// Close flushes queued frames, sends a close message carrying reason and
// closes the socket. Only the first call has an effect.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// Reason returns the reason passed to the first Close.
func (c *Conn) Reason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) startHeartbeat(interval time.Duration) {
	select {
	case c.heartbeat <- interval:
	default:
	}
}

func (c *Conn) writePump() {
	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		c.ws.Close()
		close(c.stopped)
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.Close("write failed")
				return
			}
		case d := <-c.heartbeat:
			if d > 0 && ticker == nil {
				ticker = time.NewTicker(d)
				tick = ticker.C
			}
		case <-tick:
			if err := c.write(websocket.TextMessage, frame.Encode(frame.NewHeartbeat())); err != nil {
				c.Close("write failed")
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			reason := c.Reason()
			if len(reason) > maxCloseReason {
				reason = reason[:maxCloseReason]
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
			if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait)); err != nil {
				l := pkglog.L()
				l.Debug().Err(err).Str(pkglog.FieldConnID, c.id).Msg("close message not sent")
			}
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteMessage(messageType, data)
}
