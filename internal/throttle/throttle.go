// Package throttle enforces per-user, per-type sliding-window send limits.
package throttle

import (
	"fmt"
	"strings"
	"sync"
	"time"

	kit "notifycore/internal/transport"
)

// Rule names a sliding window.
type Rule string

const (
	None    Rule = "none"
	Hourly  Rule = "hourly"
	Daily   Rule = "daily"
	Weekly  Rule = "weekly"
	Monthly Rule = "monthly"
)

func ParseRule(s string) (Rule, error) {
	r := Rule(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case "":
		return None, nil
	case None, Hourly, Daily, Weekly, Monthly:
		return r, nil
	}
	return "", fmt.Errorf("unknown throttle rule %q", s)
}

// Limit is a window length and the number of sends allowed inside it.
type Limit struct {
	Window time.Duration
	Max    int
}

// DefaultLimits returns the built-in limits per rule.
func DefaultLimits() map[Rule]Limit {
	return map[Rule]Limit{
		Hourly:  {Window: time.Hour, Max: 10},
		Daily:   {Window: 24 * time.Hour, Max: 50},
		Weekly:  {Window: 7 * 24 * time.Hour, Max: 200},
		Monthly: {Window: 30 * 24 * time.Hour, Max: 500},
	}
}

type key struct{ user, typ string }

// Throttler owns the send timestamps for every (user, type) pair.
type Throttler struct {
	now func() time.Time

	mu     sync.Mutex
	limits map[Rule]Limit
	sent   map[key][]time.Time
}

func New(clock func() time.Time) *Throttler {
	if clock == nil {
		clock = time.Now
	}
	return &Throttler{now: clock, limits: DefaultLimits(), sent: map[key][]time.Time{}}
}

// SetLimits overrides limits per rule; rules not present keep their value.
func (t *Throttler) SetLimits(overrides map[Rule]Limit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for r, l := range overrides {
		if r == None || l.Window <= 0 || l.Max < 0 {
			continue
		}
		t.limits[r] = l
	}
}

func (t *Throttler) Limits() map[Rule]Limit {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Rule]Limit, len(t.limits))
	for r, l := range t.limits {
		out[r] = l
	}
	return out
}

// CanSend prunes expired timestamps and reports whether another send fits in
// the rule's window. High priority and the none rule always pass.
func (t *Throttler) CanSend(userID, typ string, rule Rule, p kit.Priority) bool {
	if rule == None || rule == "" || p.Urgent() {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limits[rule]
	if !ok {
		return true
	}
	k := key{userID, typ}
	ts := prune(t.sent[k], t.now().Add(-l.Window))
	if len(ts) == 0 {
		delete(t.sent, k)
	} else {
		t.sent[k] = ts
	}
	return len(ts) < l.Max
}

// RecordSent appends a send at the current time.
func (t *Throttler) RecordSent(userID, typ string) {
	t.mu.Lock()
	k := key{userID, typ}
	t.sent[k] = append(t.sent[k], t.now())
	t.mu.Unlock()
}

// Count returns how many sends fall inside the rule's window. It never mutates state.
func (t *Throttler) Count(userID, typ string, rule Rule) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limits[rule]
	if !ok {
		return len(t.sent[key{userID, typ}])
	}
	cutoff := t.now().Add(-l.Window)
	n := 0
	for _, ts := range t.sent[key{userID, typ}] {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// Sweep drops windows that are entirely older than the longest limit.
func (t *Throttler) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var longest time.Duration
	for _, l := range t.limits {
		longest = max(longest, l.Window)
	}
	cutoff := t.now().Add(-longest)
	dropped := 0
	for k, ts := range t.sent {
		if len(ts) == 0 || ts[len(ts)-1].Before(cutoff) {
			delete(t.sent, k)
			dropped++
		}
	}
	return dropped
}

// prune drops timestamps older than cutoff. ts is ordered.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
