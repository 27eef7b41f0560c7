package client

import "time"

// Reconnect defaults.
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Backoff is a capped exponential retry schedule.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff waits 1s, 2s, 4s, 8s and 16s, then gives up.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap, MaxAttempts: DefaultMaxAttempts}
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Cap <= 0 {
		b.Cap = DefaultBackoffCap
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = DefaultMaxAttempts
	}
	return b
}

// Delay returns min(Base*2^attempt, Cap) for the zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if d >= b.Cap/2 {
			return b.Cap
		}
		d *= 2
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}
