// Package registrytest provides an in-memory registry.Handle for tests.
package registrytest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/frame"
)

// ErrRefused is returned by Write on a closed or failing handle.
var ErrRefused = errors.New("write refused")

// Handle records every frame written to it.
type Handle struct {
	id string

	mu      sync.Mutex
	frames  []*frame.Frame
	closed  bool
	reason  string
	failing bool
}

// NewHandle creates a handle with the given connection ID.
func NewHandle(id string) *Handle { return &Handle{id: id} }

func (h *Handle) ID() string { return h.id }

func (h *Handle) Write(f *frame.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.failing {
		return ErrRefused
	}
	h.frames = append(h.frames, f)
	return nil
}

func (h *Handle) Close(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.reason = reason
}

// SetFailing makes subsequent writes fail.
func (h *Handle) SetFailing(failing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failing = failing
}

// Closed reports whether Close was called, and with which reason.
func (h *Handle) Closed() (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed, h.reason
}

// Frames returns a snapshot of the written frames.
func (h *Handle) Frames() []*frame.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*frame.Frame, len(h.frames))
	copy(out, h.frames)
	return out
}

// To returns the frames written for destination dest.
func (h *Handle) To(dest string) []*frame.Frame {
	var out []*frame.Frame
	for _, f := range h.Frames() {
		if f.Destination() == dest {
			out = append(out, f)
		}
	}
	return out
}

// Count returns the number of frames written for dest.
func (h *Handle) Count(dest string) int { return len(h.To(dest)) }

// Decode unmarshals the body of the i-th frame written for dest into v.
func (h *Handle) Decode(dest string, i int, v interface{}) error {
	frames := h.To(dest)
	if i >= len(frames) {
		return errors.New("no such frame")
	}
	return json.Unmarshal(frames[i].Body, v)
}
