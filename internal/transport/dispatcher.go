package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Dispatcher delivers a notification to one recipient over one channel.
//
// Deliver never returns an error: transport problems are reported in the
// result. Repeated calls for the same pair only mean "attempt again".
type Dispatcher interface {
	Channel() Channel
	Deliver(ctx context.Context, n *Notification, r Recipient) DeliveryResult
}

// GuardConfig bounds a dispatcher's calls.
type GuardConfig struct {
	Timeout    time.Duration
	RatePerSec float64 // 0 disables rate limiting
	Burst      int

	BreakerTrip  int // consecutive countable failures before opening; <0 disables
	BreakerBase  time.Duration
	BreakerMax   time.Duration
	BreakerReset time.Duration
}

// DefaultTimeout returns the per-call timeout used for a channel when none is configured.
func DefaultTimeout(ch Channel) time.Duration {
	switch ch {
	case ChannelEmail:
		return 60 * time.Second
	case ChannelInApp:
		return 10 * time.Second
	default:
		return 30 * time.Second
	}
}

// Guard wraps d with a per-call timeout, a rate limiter, a circuit breaker and
// panic recovery.
func Guard(d Dispatcher, cfg GuardConfig, clock func() time.Time) Dispatcher {
	if clock == nil {
		clock = time.Now
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout(d.Channel())
	}
	g := &guarded{inner: d, cfg: cfg, now: clock, breaker: newBreaker(cfg)}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RatePerSec))
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return g
}

type guarded struct {
	inner   Dispatcher
	cfg     GuardConfig
	now     func() time.Time
	limiter *rate.Limiter
	breaker *breaker
}

func (g *guarded) Channel() Channel { return g.inner.Channel() }

func (g *guarded) Deliver(ctx context.Context, n *Notification, r Recipient) DeliveryResult {
	ch := g.inner.Channel()
	if ctx == nil {
		ctx = context.Background()
	}
	if until, open := g.breaker.isOpen(g.now()); open {
		return Failed(ch, r.Key(), fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.RFC3339)), g.now())
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Failed(ch, r.Key(), fmt.Errorf("rate limit wait: %w", err), g.now())
		}
	}

	cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	res := SafeDeliver(cctx, g.inner, n, r, g.now)
	g.breaker.record(g.now(), res)
	return res
}

// SafeDeliver calls d.Deliver and converts a panic into a failed result.
func SafeDeliver(ctx context.Context, d Dispatcher, n *Notification, r Recipient, now func() time.Time) (res DeliveryResult) {
	if now == nil {
		now = time.Now
	}
	defer func() {
		if p := recover(); p != nil {
			res = Failed(d.Channel(), r.Key(), fmt.Errorf("dispatcher panic: %v", p), now())
			res.Failure = FailurePanic
		}
	}()
	res = d.Deliver(ctx, n, r)
	if res.Channel == "" {
		res.Channel = d.Channel()
	}
	if res.Recipient == "" {
		res.Recipient = r.Key()
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = now()
	}
	return res
}

// Registry maps channels to dispatchers.
type Registry struct {
	mu sync.RWMutex
	m  map[Channel]Dispatcher
}

func NewRegistry(ds ...Dispatcher) *Registry {
	r := &Registry{m: map[Channel]Dispatcher{}}
	for _, d := range ds {
		r.Register(d)
	}
	return r
}

func (r *Registry) Register(d Dispatcher) {
	if d == nil {
		return
	}
	r.mu.Lock()
	r.m[d.Channel()] = d
	r.mu.Unlock()
}

func (r *Registry) Get(ch Channel) (Dispatcher, bool) {
	r.mu.RLock()
	d, ok := r.m[ch]
	r.mu.RUnlock()
	return d, ok
}

// Channels returns registered channels in KnownChannels order.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.m))
	for _, c := range KnownChannels {
		if _, ok := r.m[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// SubscriptionSource is the view of the push subscription registry the push
// dispatchers need.
type SubscriptionSource interface {
	Active(userID string, ch Channel) []Subscription
	Deactivate(ctx context.Context, id string) error
}
