package client

import "time"

// Backoff bounds reconnection attempts.
type Backoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultBackoff waits 1s, 2s, 4s... up to 30s, for at most 5 attempts.
func DefaultBackoff() Backoff {
	return Backoff{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 5}
}

// Delay returns min(BaseDelay * 2^attempt, MaxDelay).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= b.MaxDelay || d > b.MaxDelay/2 {
			return b.MaxDelay
		}
		d *= 2
	}
	if d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.BaseDelay <= 0 {
		b.BaseDelay = def.BaseDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = def.MaxDelay
	}
	if b.MaxDelay < b.BaseDelay {
		b.MaxDelay = b.BaseDelay
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = def.MaxAttempts
	}
	return b
}
