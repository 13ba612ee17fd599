package transport

import (
	"sync"
	"time"
)

// breaker is a consecutive-failure circuit breaker with exponential cooldown:
//   - success closes the circuit and resets the count
//   - once failures >= trip the circuit opens for base * 2^(failures-trip), capped
//   - a failure older than resetAfter forgets the streak
type breaker struct {
	mu sync.Mutex

	trip       int
	base       time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration

	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func newBreaker(cfg GuardConfig) *breaker {
	if cfg.BreakerTrip < 0 {
		return nil
	}
	b := &breaker{trip: cfg.BreakerTrip, base: cfg.BreakerBase, maxDelay: cfg.BreakerMax, resetAfter: cfg.BreakerReset}
	if b.trip == 0 {
		b.trip = 5
	}
	if b.base <= 0 {
		b.base = 5 * time.Second
	}
	if b.maxDelay <= 0 {
		b.maxDelay = 2 * time.Minute
	}
	if b.resetAfter <= 0 {
		b.resetAfter = 5 * time.Minute
	}
	return b
}

func (b *breaker) isOpen(now time.Time) (time.Time, bool) {
	if b == nil {
		return time.Time{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return b.openUntil, true
	}
	return time.Time{}, false
}

func (b *breaker) record(now time.Time, res DeliveryResult) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)

	if res.Success {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}
	if !res.Countable() {
		return
	}
	b.fails++
	b.lastFailure = now
	if b.fails < b.trip {
		return
	}
	d := b.base
	for i := 0; i < b.fails-b.trip && d < b.maxDelay; i++ {
		d *= 2
	}
	b.openUntil = now.Add(min(d, b.maxDelay))
}

func (b *breaker) expireLocked(now time.Time) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.resetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}
