package frame

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

// ErrMalformedFrame is matched by every decode failure.
var ErrMalformedFrame = errors.New("malformed frame")

// MalformedError describes why a frame could not be decoded.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed frame: " + e.Reason
}

func (e *MalformedError) Unwrap() error {
	return ErrMalformedFrame
}

func malformed(reason string) error {
	return &MalformedError{Reason: reason}
}

// ValidHeaderValue reports whether s can be written as a header value
// without escaping. CONNECT and CONNECTED headers are never escaped, so
// values placed in them must pass this check.
func ValidHeaderValue(s string) bool {
	return !strings.ContainsAny(s, "\r\n\x00")
}

// Encode serializes f. A heart-beat encodes to a single newline.
func Encode(f *Frame) []byte {
	if f.IsHeartbeat() {
		return []byte{'\n'}
	}

	var buf bytes.Buffer
	buf.Grow(64 + len(f.Body))
	buf.WriteString(string(f.Command))
	buf.WriteByte('\n')

	raw := f.Command == CmdConnect || f.Command == CmdStomp || f.Command == CmdConnected
	hasLength := false
	for _, h := range f.Headers {
		if h.Key == HeaderContentLength {
			hasLength = true
		}
		if raw {
			buf.WriteString(h.Key)
			buf.WriteByte(':')
			buf.WriteString(h.Value)
		} else {
			buf.WriteString(escape(h.Key))
			buf.WriteByte(':')
			buf.WriteString(escape(h.Value))
		}
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 && !hasLength {
		buf.WriteString(HeaderContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Decode parses exactly one frame from data. Leading and trailing
// end-of-lines are ignored; input made only of end-of-lines is a
// heart-beat. Any structural problem yields an error matching
// ErrMalformedFrame, never a panic.
func Decode(data []byte) (*Frame, error) {
	rest := trimEOL(data)
	if len(rest) == 0 {
		return NewHeartbeat(), nil
	}

	line, rest, ok := cutLine(rest)
	if !ok {
		return nil, malformed("truncated command line")
	}
	cmd := Command(line)
	if _, known := knownCommands[cmd]; !known {
		return nil, malformed("unknown command " + strconv.Quote(truncate(line, 32)))
	}

	f := &Frame{Command: cmd}
	raw := cmd == CmdConnect || cmd == CmdStomp || cmd == CmdConnected
	for {
		line, rest, ok = cutLine(rest)
		if !ok {
			return nil, malformed("unterminated header block")
		}
		if line == "" {
			break
		}
		k, v, found := strings.Cut(line, ":")
		if !found || k == "" {
			return nil, malformed("invalid header line " + strconv.Quote(truncate(line, 32)))
		}
		if !raw {
			var err error
			if k, err = unescape(k); err != nil {
				return nil, err
			}
			if v, err = unescape(v); err != nil {
				return nil, err
			}
		}
		f.Headers = append(f.Headers, Header{Key: k, Value: v})
	}

	var body []byte
	if cl, ok := f.Headers.Get(HeaderContentLength); ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return nil, malformed("invalid content-length")
		}
		if n >= len(rest) {
			return nil, malformed("body shorter than content-length")
		}
		if rest[n] != 0 {
			return nil, malformed("body not terminated by NULL after content-length")
		}
		body, rest = rest[:n], rest[n+1:]
	} else {
		idx := bytes.IndexByte(rest, 0)
		if idx < 0 {
			return nil, malformed("missing NULL terminator")
		}
		body, rest = rest[:idx], rest[idx+1:]
	}
	if len(trimEOL(rest)) != 0 {
		return nil, malformed("unexpected data after frame")
	}
	if len(body) > 0 {
		f.Body = append([]byte(nil), body...)
	}

	if err := validate(f); err != nil {
		return nil, err
	}
	return f, nil
}

func validate(f *Frame) error {
	required := func(keys ...string) error {
		for _, k := range keys {
			if v, ok := f.Headers.Get(k); !ok || v == "" {
				return malformed(string(f.Command) + " requires header " + k)
			}
		}
		return nil
	}
	switch f.Command {
	case CmdSubscribe:
		return required(HeaderID, HeaderDestination)
	case CmdUnsubscribe:
		return required(HeaderID)
	case CmdSend, CmdMessage:
		return required(HeaderDestination)
	case CmdConnect, CmdStomp, CmdConnected:
		if v, ok := f.Headers.Get(HeaderHeartBeat); ok {
			if _, err := ParseHeartBeat(v); err != nil {
				return err
			}
		}
	}
	return nil
}

func trimEOL(b []byte) []byte {
	for len(b) > 0 && (b[0] == '\n' || b[0] == '\r') {
		b = b[1:]
	}
	return b
}

// cutLine splits off one line ending in LF or CRLF.
func cutLine(b []byte) (string, []byte, bool) {
	idx := bytes.IndexByte(b, '\n')
	if idx < 0 {
		return "", b, false
	}
	line := b[:idx]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), b[idx+1:], true
}

var escaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

func escape(s string) string {
	return escaper.Replace(s)
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", malformed("dangling escape in header")
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'c':
			b.WriteByte(':')
		default:
			return "", malformed(`undefined escape \` + string(s[i]))
		}
	}
	return b.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
