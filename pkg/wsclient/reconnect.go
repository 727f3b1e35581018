package wsclient

import (
	"math/rand"
	"time"
)

// ReconnectPolicy decides how long to wait before reconnect attempt n
// (starting at 1).
type ReconnectPolicy interface {
	Delay(attempt int) time.Duration
}

// DefaultReconnectDelay is the wait between attempts of FixedDelay.
const DefaultReconnectDelay = 5 * time.Second

// FixedDelay waits the same duration before every attempt.
type FixedDelay time.Duration

func (d FixedDelay) Delay(int) time.Duration {
	if d <= 0 {
		return DefaultReconnectDelay
	}
	return time.Duration(d)
}

// ExponentialBackoff doubles the wait after every failed attempt up to Max
// and spreads clients apart with random jitter. Jitter is the fraction of
// the delay that may be randomly subtracted, in [0, 1].
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	base, maxDelay := b.Base, b.Max
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}

	jitter := min(max(b.Jitter, 0), 1)
	if jitter > 0 {
		d -= time.Duration(rand.Float64() * jitter * float64(d))
	}
	return d
}
