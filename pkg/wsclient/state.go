package wsclient

import "github.com/weiawesome/wes-io-live/realtime-service/pkg/frame"

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateOpen
	StateClosing
	StateReconnectPending
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateReconnectPending:
		return "RECONNECT_PENDING"
	default:
		return "UNKNOWN"
	}
}

// Message is one MESSAGE frame delivered to a subscription.
type Message struct {
	Destination  string
	Subscription string
	MessageID    string
	Body         []byte
}

func messageFromFrame(f *frame.Frame) *Message {
	return &Message{
		Destination:  f.Destination(),
		Subscription: f.Header(frame.HeaderSubscription),
		MessageID:    f.Header(frame.HeaderMessageID),
		Body:         f.Body,
	}
}

// Listener receives client events. Callbacks run on the client's
// goroutines and must not block; OnMessage is called in arrival order.
type Listener interface {
	OnMessage(m *Message)
	OnStateChange(from, to State)
	OnError(err error)
}

// ListenerFuncs adapts optional functions to a Listener.
type ListenerFuncs struct {
	Message     func(m *Message)
	StateChange func(from, to State)
	Error       func(err error)
}

func (l ListenerFuncs) OnMessage(m *Message) {
	if l.Message != nil {
		l.Message(m)
	}
}

func (l ListenerFuncs) OnStateChange(from, to State) {
	if l.StateChange != nil {
		l.StateChange(from, to)
	}
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

// ListenerID identifies a registered listener.
type ListenerID uint64
