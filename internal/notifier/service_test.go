package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"notifycore/internal/history"
	"notifycore/internal/ingest"
	"notifycore/internal/preference"
	"notifycore/internal/scheduler"
	"notifycore/internal/storage"
	"notifycore/internal/throttle"
	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

type recorder struct {
	ch kit.Channel

	mu   sync.Mutex
	seen []kit.Notification
	to   []string
}

func (r *recorder) Channel() kit.Channel { return r.ch }

func (r *recorder) Deliver(_ context.Context, n *kit.Notification, to kit.Recipient) kit.DeliveryResult {
	r.mu.Lock()
	r.seen = append(r.seen, *n.Clone())
	r.to = append(r.to, to.Key())
	r.mu.Unlock()
	return kit.Succeeded(r.ch, to.Key(), "ok", time.Now())
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func (r *recorder) last() kit.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[len(r.seen)-1]
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newService(t *testing.T, cfg Config) (*Service, *recorder) {
	t.Helper()
	rec := &recorder{ch: kit.ChannelInApp}
	svc, err := New(cfg, Deps{
		Store:    storage.NewMemory(),
		Registry: kit.NewRegistry(rec),
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		stopCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		svc.Stop(stopCtx)
		cancel()
	})
	return svc, rec
}

func statusOf(t *testing.T, svc *Service, id string) string {
	t.Helper()
	st, err := svc.GetNotificationStatus(context.Background(), id)
	if err != nil {
		return ""
	}
	return st.Status
}

func TestSendValidation(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, Config{})
	bad := []SendRequest{
		{Subject: "no type"},
		{Type: "x"},
		{Type: "x", Subject: "s", Priority: 4},
		{Type: "x", Subject: "s", Channels: []kit.Channel{"fax"}},
		{Type: "x", Subject: "s", MaxAttempts: -1},
		{Type: "x", Subject: "s", ScheduledAt: time.Now().Add(time.Hour), ExpiresAt: time.Now()},
	}
	for i, req := range bad {
		if _, err := svc.SendNotification(context.Background(), req); !errors.Is(err, ErrInvalid) {
			t.Fatalf("case %d: err = %v", i, err)
		}
	}
}

func TestSendDelivers(t *testing.T) {
	t.Parallel()
	svc, rec := newService(t, Config{})
	ctx := context.Background()
	id, err := svc.SendNotification(ctx, SendRequest{Type: "billing", Subject: "Invoice", Body: "due", Recipients: []string{"alice"}})
	if err != nil || id == "" {
		t.Fatalf("send = %q, %v", id, err)
	}
	eventually(t, "sent status", func() bool { return statusOf(t, svc, id) == string(kit.StatusSent) })
	if rec.last().Subject != "Invoice" {
		t.Fatalf("delivered %+v", rec.last())
	}
	eventually(t, "history entry", func() bool {
		return len(svc.History(ctx, history.Filter{UserID: "alice"})) == 1
	})
	if got := svc.GetDeliveryStatistics(); got.TotalSent != 1 {
		t.Fatalf("stats = %+v", got)
	}
}

func TestAllowListFiltersType(t *testing.T) {
	t.Parallel()
	svc, rec := newService(t, Config{})
	ctx := context.Background()
	p := preference.Defaults("u1")
	p.EnabledTypes = []string{"billing"}
	if err := svc.SetUserPreferences(ctx, p); err != nil {
		t.Fatal(err)
	}
	id, err := svc.SendNotification(ctx, SendRequest{Type: "marketing", Subject: "Sale", Recipients: []string{"u1"}})
	if err != nil || id == "" {
		t.Fatalf("send = %q, %v", id, err)
	}
	if got := statusOf(t, svc, id); got != string(kit.StatusCancelled) {
		t.Fatalf("status = %q", got)
	}
	if s := svc.GetDeliveryStatistics(); s.TotalFiltered != 1 || rec.count() != 0 {
		t.Fatalf("filtered = %d, delivered = %d", s.TotalFiltered, rec.count())
	}
}

func TestQuietHoursHoldBackAllButHigh(t *testing.T) {
	t.Parallel()
	svc, rec := newService(t, Config{})
	ctx := context.Background()
	p := preference.Defaults("night-owl")
	p.QuietHours = &preference.QuietHours{StartHour: 0, EndHour: 23}
	if err := svc.SetUserPreferences(ctx, p); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SendNotification(ctx, SendRequest{Type: "news", Subject: "digest", Recipients: []string{"night-owl"}}); err != nil {
		t.Fatal(err)
	}
	id, err := svc.SendNotification(ctx, SendRequest{Type: "security", Subject: "login", Priority: kit.PriorityHigh, Recipients: []string{"night-owl"}})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "urgent delivery", func() bool { return statusOf(t, svc, id) == string(kit.StatusSent) })
	if rec.count() != 1 || rec.last().Type != "security" {
		t.Fatalf("delivered %d, last %+v", rec.count(), rec.last())
	}
}

func TestThrottleDropsOverLimit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		max   int
		sends int
	}{
		{"hourly ten", 10, 11},
		{"single", 1, 2},
		{"under limit", 5, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			svc, rec := newService(t, Config{
				DefaultRules: map[string]throttle.Rule{"*": throttle.Hourly},
				Limits:       map[throttle.Rule]throttle.Limit{throttle.Hourly: {Window: time.Hour, Max: tc.max}},
			})
			ctx := context.Background()
			ids := make([]string, tc.sends)
			for i := range ids {
				id, err := svc.SendNotification(ctx, SendRequest{Type: "promo", Subject: fmt.Sprintf("offer %d", i), Recipients: []string{"bob"}})
				if err != nil || id == "" {
					t.Fatalf("send %d = %q, %v", i, id, err)
				}
				ids[i] = id
			}
			wantSent := min(tc.max, tc.sends)
			eventually(t, "deliveries", func() bool { return rec.count() == wantSent })
			for i, id := range ids[wantSent:] {
				if got := statusOf(t, svc, id); got != string(kit.StatusCancelled) {
					t.Fatalf("send %d status = %q, want cancelled", wantSent+i, got)
				}
			}
			if s := svc.GetDeliveryStatistics(); s.TotalThrottled != uint64(tc.sends-wantSent) {
				t.Fatalf("throttled = %d, want %d", s.TotalThrottled, tc.sends-wantSent)
			}

			urgent, _ := svc.SendNotification(ctx, SendRequest{Type: "promo", Subject: "urgent", Priority: kit.PriorityHigh, Recipients: []string{"bob"}})
			eventually(t, "urgent sent", func() bool { return statusOf(t, svc, urgent) == string(kit.StatusSent) })
		})
	}
}

func TestScheduledHandOff(t *testing.T) {
	t.Parallel()
	svc, rec := newService(t, Config{})
	ctx := context.Background()
	id, err := svc.ScheduleNotification(ctx, ScheduleRequest{
		Type:        "reminder",
		Subject:     "Hello {{.name}}",
		Template:    "Meeting at {{.time}}",
		Context:     map[string]any{"name": "Ann", "time": "10:00"},
		ScheduledAt: time.Now().Add(-time.Second),
		Recipients:  []string{"ann"},
	})
	if err != nil {
		t.Fatal(err)
	}
	svc.Scheduler().Tick(ctx)
	eventually(t, "scheduled status sent", func() bool { return statusOf(t, svc, id) == string(scheduler.StatusSent) })
	eventually(t, "delivery", func() bool { return rec.count() == 1 })
	n := rec.last()
	if n.Subject != "Hello Ann" || n.Body != "Meeting at 10:00" || n.ScheduledID != id {
		t.Fatalf("delivered %+v", n)
	}
}

func TestScheduledHandOffRefusedWithoutRecipients(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, Config{})
	ctx := context.Background()
	p := preference.Defaults("off")
	p.Enabled = false
	if err := svc.SetUserPreferences(ctx, p); err != nil {
		t.Fatal(err)
	}
	id, err := svc.ScheduleNotification(ctx, ScheduleRequest{Type: "x", Subject: "s", Recipients: []string{"off"}})
	if err != nil {
		t.Fatal(err)
	}
	svc.Scheduler().Tick(ctx)
	eventually(t, "attempt counted", func() bool {
		sc, ok := svc.Scheduler().Get(id)
		return ok && sc.Attempts == 1 && sc.Status == scheduler.StatusPending
	})
}

func TestScheduleAndCancel(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, Config{})
	ctx := context.Background()
	if _, err := svc.ScheduleNotification(ctx, ScheduleRequest{Type: "x", Subject: "s", Recurring: true, Pattern: "yearly"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("bad pattern err = %v", err)
	}
	id, err := svc.ScheduleNotification(ctx, ScheduleRequest{Type: "x", Subject: "s", ScheduledAt: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if !svc.CancelScheduledNotification(ctx, id) || svc.CancelScheduledNotification(ctx, id) {
		t.Fatal("cancel should succeed exactly once")
	}
	st, err := svc.GetNotificationStatus(ctx, id)
	if err != nil || st.Kind != "scheduled" || st.Status != string(scheduler.StatusCancelled) {
		t.Fatalf("status = %+v, %v", st, err)
	}
}

func TestUnknownStatus(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, Config{})
	if _, err := svc.GetNotificationStatus(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestHandleEventRoutes(t *testing.T) {
	t.Parallel()
	svc, rec := newService(t, Config{Routes: map[string]ingest.Route{
		"orders.shipped": {Type: "order", Subject: "Order {{.order_id}} shipped", Body: "Tracking: {{.tracking}}"},
	}})
	ctx := context.Background()
	err := svc.HandleEvent(ctx, ingest.Event{Topic: "orders.shipped", UserIDs: []string{"c1"},
		Payload: map[string]any{"order_id": "A-7", "tracking": "ZX9"}})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "routed delivery", func() bool { return rec.count() == 1 })
	if n := rec.last(); n.Subject != "Order A-7 shipped" || n.Body != "Tracking: ZX9" || n.Type != "order" {
		t.Fatalf("delivered %+v", n)
	}
	if err := svc.HandleEvent(ctx, ingest.Event{Topic: "unknown"}); !errors.Is(err, ingest.ErrNoRoute) {
		t.Fatalf("unrouted err = %v", err)
	}
}

func TestSubscriptions(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, Config{})
	ctx := context.Background()
	sub, err := svc.RegisterSubscription(ctx, kit.Subscription{UserID: "u", Channel: kit.ChannelMobilePush, Token: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	if got := svc.ListSubscriptions("u"); len(got) != 1 {
		t.Fatalf("subs = %+v", got)
	}
	if err := svc.RemoveSubscription(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}
	if got := svc.ListSubscriptions("u"); len(got) != 0 {
		t.Fatalf("subs after remove = %+v", got)
	}
}
