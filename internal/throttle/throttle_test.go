package throttle

import (
	"testing"
	"time"

	kit "notifycore/internal/transport"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func TestHourlyLimit(t *testing.T) {
	t.Parallel()
	clk := newClock()
	th := New(clk.Now)

	for i := 0; i < 10; i++ {
		if !th.CanSend("u", "promo", Hourly, kit.PriorityMedium) {
			t.Fatalf("send %d should be allowed", i)
		}
		th.RecordSent("u", "promo")
		clk.Advance(time.Minute)
	}
	if th.CanSend("u", "promo", Hourly, kit.PriorityMedium) {
		t.Fatal("11th send within the hour should be throttled")
	}
	if !th.CanSend("u", "other", Hourly, kit.PriorityMedium) {
		t.Fatal("windows are per type")
	}
	if !th.CanSend("v", "promo", Hourly, kit.PriorityMedium) {
		t.Fatal("windows are per user")
	}

	// First send was at 09:00; at 10:00:01 it has left the window.
	clk.t = time.Date(2024, 5, 1, 10, 0, 1, 0, time.UTC)
	if !th.CanSend("u", "promo", Hourly, kit.PriorityMedium) {
		t.Fatal("window should slide")
	}
}

func TestHighPriorityAndNoneBypass(t *testing.T) {
	t.Parallel()
	clk := newClock()
	th := New(clk.Now)
	th.SetLimits(map[Rule]Limit{Hourly: {Window: time.Hour, Max: 0}})

	if th.CanSend("u", "t", Hourly, kit.PriorityLow) {
		t.Fatal("max 0 should block")
	}
	if !th.CanSend("u", "t", Hourly, kit.PriorityHigh) {
		t.Fatal("high priority must bypass throttling")
	}
	if !th.CanSend("u", "t", None, kit.PriorityLow) {
		t.Fatal("none rule always allows")
	}
}

func TestCountIsReadOnly(t *testing.T) {
	t.Parallel()
	clk := newClock()
	th := New(clk.Now)
	th.RecordSent("u", "t")
	clk.Advance(2 * time.Hour)
	th.RecordSent("u", "t")

	if got := th.Count("u", "t", Hourly); got != 1 {
		t.Fatalf("hourly count = %d, want 1", got)
	}
	if got := th.Count("u", "t", Daily); got != 2 {
		t.Fatalf("daily count = %d, want 2 (Count must not prune)", got)
	}
}

func TestSetLimitsIgnoresInvalid(t *testing.T) {
	t.Parallel()
	th := New(nil)
	th.SetLimits(map[Rule]Limit{Daily: {Window: 0, Max: 5}, Weekly: {Window: time.Hour, Max: 3}})
	l := th.Limits()
	if l[Daily] != DefaultLimits()[Daily] {
		t.Fatalf("invalid override applied: %+v", l[Daily])
	}
	if l[Weekly].Max != 3 {
		t.Fatalf("weekly override lost: %+v", l[Weekly])
	}
}

func TestSweep(t *testing.T) {
	t.Parallel()
	clk := newClock()
	th := New(clk.Now)
	th.RecordSent("u", "t")
	clk.Advance(31 * 24 * time.Hour)
	th.RecordSent("v", "t")
	if got := th.Sweep(); got != 1 {
		t.Fatalf("swept %d, want 1", got)
	}
}

func TestParseRule(t *testing.T) {
	t.Parallel()
	if r, err := ParseRule("Daily"); err != nil || r != Daily {
		t.Fatalf("ParseRule = %q, %v", r, err)
	}
	if r, _ := ParseRule(""); r != None {
		t.Fatalf("empty rule = %q", r)
	}
	if _, err := ParseRule("yearly"); err == nil {
		t.Fatal("expected error")
	}
}
