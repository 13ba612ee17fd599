// Package retry decides when a failed notification may be attempted again.
package retry

import (
	"time"

	kit "notifycore/internal/transport"
)

const DefaultBase = time.Minute

// Policy is exponential backoff over a base delay: attempt k waits
// base * 2^(k-1) after the previous attempt.
type Policy struct {
	Base time.Duration
	// Max caps a single backoff step. Zero means uncapped.
	Max time.Duration
}

func (p Policy) base() time.Duration {
	if p.Base <= 0 {
		return DefaultBase
	}
	return p.Base
}

// Backoff returns the wait after the given number of attempts.
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := p.base()
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
		// Overflow guard for absurd attempt counts.
		if d <= 0 {
			return time.Duration(1<<63 - 1)
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// NextAttempt is the earliest time n may be retried.
func (p Policy) NextAttempt(n *kit.Notification) time.Time {
	return n.LastAttemptAt.Add(p.Backoff(n.Attempts))
}

// ShouldRetry reports whether a failed notification with attempts left has
// waited long enough.
func (p Policy) ShouldRetry(n *kit.Notification, now time.Time) bool {
	if n == nil || n.Status != kit.StatusFailed {
		return false
	}
	if n.Attempts >= n.MaxAttempts {
		return false
	}
	return !now.Before(p.NextAttempt(n))
}

// Exhausted reports whether no attempts are left.
func Exhausted(n *kit.Notification) bool { return n.Attempts >= n.MaxAttempts }

// RescheduleDelay is how far a scheduled hand-off is pushed after a refusal.
func RescheduleDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(5*attempts) * time.Minute
}
