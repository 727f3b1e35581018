// Package frame implements the text framing used on the realtime
// WebSocket: a subset of STOMP 1.0-1.2.
//
// A frame is COMMAND\nheader:value\n...\n\nbody\0. A bare end-of-line is a
// heart-beat.
package frame

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Command is the first line of a frame.
type Command string

const (
	CmdConnect     Command = "CONNECT"
	CmdStomp       Command = "STOMP"
	CmdConnected   Command = "CONNECTED"
	CmdSubscribe   Command = "SUBSCRIBE"
	CmdUnsubscribe Command = "UNSUBSCRIBE"
	CmdSend        Command = "SEND"
	CmdMessage     Command = "MESSAGE"
	CmdReceipt     Command = "RECEIPT"
	CmdError       Command = "ERROR"
	CmdDisconnect  Command = "DISCONNECT"

	// CmdHeartbeat is the pseudo-command of an end-of-line keep-alive.
	CmdHeartbeat Command = ""
)

var knownCommands = map[Command]struct{}{
	CmdConnect:     {},
	CmdStomp:       {},
	CmdConnected:   {},
	CmdSubscribe:   {},
	CmdUnsubscribe: {},
	CmdSend:        {},
	CmdMessage:     {},
	CmdReceipt:     {},
	CmdError:       {},
	CmdDisconnect:  {},
}

// Header names.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderVersion       = "version"
	HeaderHeartBeat     = "heart-beat"
	HeaderHost          = "host"
	HeaderServer        = "server"
	HeaderUserName      = "user-name"
	HeaderID            = "id"
	HeaderDestination   = "destination"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderContentType   = "content-type"
	HeaderContentLength = "content-length"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderMessage       = "message"
)

// ContentTypeJSON is the content type of every application body.
const ContentTypeJSON = "application/json"

// Header is one key:value line.
type Header struct {
	Key   string
	Value string
}

// Headers keeps header order. Repeated keys are allowed; the first wins on
// lookup.
type Headers []Header

// Get returns the first value for key.
func (h Headers) Get(key string) (string, bool) {
	for _, hdr := range h {
		if hdr.Key == key {
			return hdr.Value, true
		}
	}
	return "", false
}

// Value returns the first value for key or "".
func (h Headers) Value(key string) string {
	v, _ := h.Get(key)
	return v
}

// Set replaces the first value for key, or appends it.
func (h *Headers) Set(key, value string) {
	for i := range *h {
		if (*h)[i].Key == key {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Key: key, Value: value})
}

// Del removes every value for key.
func (h *Headers) Del(key string) {
	out := (*h)[:0]
	for _, hdr := range *h {
		if hdr.Key != key {
			out = append(out, hdr)
		}
	}
	*h = out
}

// Frame is one decoded unit of the wire protocol.
type Frame struct {
	Command Command
	Headers Headers
	Body    []byte
}

// IsHeartbeat reports whether f is an end-of-line keep-alive.
func (f *Frame) IsHeartbeat() bool {
	return f.Command == CmdHeartbeat
}

// Header returns the first value for key or "".
func (f *Frame) Header(key string) string {
	return f.Headers.Value(key)
}

// Destination returns the destination header.
func (f *Frame) Destination() string {
	return f.Headers.Value(HeaderDestination)
}

// ID returns the id header (subscription id on SUBSCRIBE/UNSUBSCRIBE).
func (f *Frame) ID() string {
	return f.Headers.Value(HeaderID)
}

// HeartBeat parses the heart-beat header. A missing header means 0,0.
func (f *Frame) HeartBeat() (HeartBeat, error) {
	v, ok := f.Headers.Get(HeaderHeartBeat)
	if !ok {
		return HeartBeat{}, nil
	}
	return ParseHeartBeat(v)
}

func (f *Frame) String() string {
	if f.IsHeartbeat() {
		return "HEARTBEAT"
	}
	return fmt.Sprintf("%s%v (%d bytes)", f.Command, []Header(f.Headers), len(f.Body))
}

// HeartBeat is the pair advertised in the heart-beat header. Send is the
// smallest interval at which the sender can emit heart-beats, Receive the
// interval at which it wants to receive them. Zero disables a direction.
type HeartBeat struct {
	Send    time.Duration
	Receive time.Duration
}

// ParseHeartBeat parses "cx,cy" in milliseconds.
func ParseHeartBeat(s string) (HeartBeat, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return HeartBeat{}, malformed("heart-beat header must be two comma separated integers")
	}
	sx, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || sx < 0 {
		return HeartBeat{}, malformed("invalid heart-beat send interval")
	}
	rx, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || rx < 0 {
		return HeartBeat{}, malformed("invalid heart-beat receive interval")
	}
	return HeartBeat{
		Send:    time.Duration(sx) * time.Millisecond,
		Receive: time.Duration(rx) * time.Millisecond,
	}, nil
}

func (hb HeartBeat) String() string {
	return fmt.Sprintf("%d,%d", hb.Send.Milliseconds(), hb.Receive.Milliseconds())
}

// Negotiate resolves the intervals for one connection from the client's and
// the server's advertised heart-beats. incoming is how often the server
// expects client traffic; outgoing is how often the server must write.
// Either is zero when one side disabled that direction.
func Negotiate(client, server HeartBeat) (incoming, outgoing time.Duration) {
	if client.Send > 0 && server.Receive > 0 {
		incoming = max(client.Send, server.Receive)
	}
	if server.Send > 0 && client.Receive > 0 {
		outgoing = max(server.Send, client.Receive)
	}
	return incoming, outgoing
}

// Constructors for the frames exchanged by this service.

// NewConnect builds a CONNECT frame offering acceptVersion (e.g. "1.1,1.0").
func NewConnect(acceptVersion, host string, hb HeartBeat) *Frame {
	f := &Frame{Command: CmdConnect}
	f.Headers.Set(HeaderAcceptVersion, acceptVersion)
	if host != "" {
		f.Headers.Set(HeaderHost, host)
	}
	f.Headers.Set(HeaderHeartBeat, hb.String())
	return f
}

// NewConnected builds the server's handshake reply.
func NewConnected(version, server, userName string, hb HeartBeat) *Frame {
	f := &Frame{Command: CmdConnected}
	f.Headers.Set(HeaderVersion, version)
	f.Headers.Set(HeaderHeartBeat, hb.String())
	if server != "" {
		f.Headers.Set(HeaderServer, server)
	}
	if userName != "" {
		f.Headers.Set(HeaderUserName, userName)
	}
	return f
}

// NewSubscribe builds a SUBSCRIBE frame.
func NewSubscribe(id, destination string) *Frame {
	f := &Frame{Command: CmdSubscribe}
	f.Headers.Set(HeaderID, id)
	f.Headers.Set(HeaderDestination, destination)
	return f
}

// NewUnsubscribe builds an UNSUBSCRIBE frame.
func NewUnsubscribe(id string) *Frame {
	f := &Frame{Command: CmdUnsubscribe}
	f.Headers.Set(HeaderID, id)
	return f
}

// NewSend builds a client SEND frame with a JSON body.
func NewSend(destination string, body []byte) *Frame {
	f := &Frame{Command: CmdSend, Body: body}
	f.Headers.Set(HeaderDestination, destination)
	f.Headers.Set(HeaderContentType, ContentTypeJSON)
	return f
}

// NewDeliver builds the server MESSAGE frame that delivers body to a
// subscription.
func NewDeliver(destination, subscription, messageID string, body []byte) *Frame {
	f := &Frame{Command: CmdMessage, Body: body}
	f.Headers.Set(HeaderDestination, destination)
	f.Headers.Set(HeaderSubscription, subscription)
	f.Headers.Set(HeaderMessageID, messageID)
	f.Headers.Set(HeaderContentType, ContentTypeJSON)
	return f
}

// NewError builds an ERROR frame. reason goes into the message header and
// the body.
func NewError(reason string) *Frame {
	f := &Frame{Command: CmdError, Body: []byte(reason)}
	f.Headers.Set(HeaderMessage, reason)
	f.Headers.Set(HeaderContentType, "text/plain")
	return f
}

// NewReceipt acknowledges a frame that carried a receipt header.
func NewReceipt(receiptID string) *Frame {
	f := &Frame{Command: CmdReceipt}
	f.Headers.Set(HeaderReceiptID, receiptID)
	return f
}

// NewDisconnect builds a DISCONNECT frame.
func NewDisconnect(receipt string) *Frame {
	f := &Frame{Command: CmdDisconnect}
	if receipt != "" {
		f.Headers.Set(HeaderReceipt, receipt)
	}
	return f
}

// NewHeartbeat returns the end-of-line keep-alive.
func NewHeartbeat() *Frame {
	return &Frame{Command: CmdHeartbeat}
}
