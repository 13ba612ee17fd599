package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeDispatcher struct {
	ch    Channel
	calls atomic.Int32
	fn    func(ctx context.Context, n *Notification, r Recipient) DeliveryResult
}

func (f *fakeDispatcher) Channel() Channel { return f.ch }

func (f *fakeDispatcher) Deliver(ctx context.Context, n *Notification, r Recipient) DeliveryResult {
	f.calls.Add(1)
	return f.fn(ctx, n, r)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestParsePriority(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"high", PriorityHigh, false},
		{"HIGH", PriorityHigh, false},
		{"1", PriorityHigh, false},
		{"medium", PriorityMedium, false},
		{"", PriorityMedium, false},
		{"low", PriorityLow, false},
		{"3", PriorityLow, false},
		{"extreme", 0, true},
	}
	for _, tc := range cases {
		got, err := ParsePriority(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidPriority) {
				t.Fatalf("ParsePriority(%q) err = %v, want ErrInvalidPriority", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParsePriority(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestPriorityAtLeast(t *testing.T) {
	t.Parallel()
	if !PriorityLow.AtLeast(0) {
		t.Fatal("zero threshold should accept everything")
	}
	if !PriorityHigh.AtLeast(PriorityMedium) || !PriorityMedium.AtLeast(PriorityMedium) {
		t.Fatal("high and medium should pass a medium threshold")
	}
	if PriorityLow.AtLeast(PriorityMedium) {
		t.Fatal("low should not pass a medium threshold")
	}
}

func TestParseChannelAliases(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Channel{
		"email": ChannelEmail, "push": ChannelWebPush, "in-app": ChannelInApp, " SMS ": ChannelSMS, "fcm": ChannelMobilePush,
	} {
		got, err := ParseChannel(in)
		if err != nil || got != want {
			t.Fatalf("ParseChannel(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseChannel("pigeon"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestLaneFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		n    Notification
		want Lane
	}{
		{Notification{Priority: PriorityHigh}, LanePriority},
		{Notification{Priority: PriorityMedium}, LaneStandard},
		{Notification{Priority: PriorityLow}, LaneBatch},
		{Notification{Priority: PriorityLow, Lane: LaneStandard}, LaneStandard},
	}
	for _, tc := range cases {
		if got := LaneFor(&tc.n); got != tc.want {
			t.Fatalf("LaneFor(prio=%v lane=%q) = %q, want %q", tc.n.Priority, tc.n.Lane, got, tc.want)
		}
	}
}

func TestNotificationCloneIsDeep(t *testing.T) {
	t.Parallel()
	n := &Notification{
		Data:       map[string]string{"url": "/a"},
		Channels:   []Channel{ChannelEmail},
		Recipients: []Recipient{{UserID: "u1", Channels: []Channel{ChannelEmail}}},
	}
	cp := n.Clone()
	cp.Data["url"] = "/b"
	cp.Channels[0] = ChannelSMS
	cp.Recipients[0].Channels[0] = ChannelSMS
	if n.Data["url"] != "/a" || n.Channels[0] != ChannelEmail || n.Recipients[0].Channels[0] != ChannelEmail {
		t.Fatal("clone shares state with original")
	}
}

func TestPairsRespectRecipientChannels(t *testing.T) {
	t.Parallel()
	n := &Notification{
		Channels: []Channel{ChannelEmail, ChannelSMS},
		Recipients: []Recipient{
			{UserID: "a"},
			{UserID: "b", Channels: []Channel{ChannelSMS}},
		},
	}
	if got := len(n.Pairs()); got != 3 {
		t.Fatalf("pairs = %d, want 3", got)
	}
}

func TestNewIDUnique(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewID(at, "t", "s", "b")
	b := NewID(at, "t", "s", "b")
	if a == "" || a == b {
		t.Fatalf("ids should be unique: %q %q", a, b)
	}
}

func TestSafeDeliverRecoversPanic(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{ch: ChannelEmail, fn: func(context.Context, *Notification, Recipient) DeliveryResult {
		panic("boom")
	}}
	res := SafeDeliver(context.Background(), d, &Notification{}, Recipient{UserID: "u"}, nil)
	if res.Success || res.Failure != FailurePanic {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Recipient != "u" || res.Channel != ChannelEmail {
		t.Fatalf("result not attributed: %+v", res)
	}
}

func TestGuardTimeout(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{ch: ChannelSMS, fn: func(ctx context.Context, _ *Notification, r Recipient) DeliveryResult {
		<-ctx.Done()
		return Failed(ChannelSMS, r.Key(), ctx.Err(), time.Now())
	}}
	g := Guard(d, GuardConfig{Timeout: 20 * time.Millisecond}, nil)
	res := g.Deliver(context.Background(), &Notification{}, Recipient{UserID: "u"})
	if res.Success || res.Failure != FailureTimeout {
		t.Fatalf("expected timeout failure, got %+v", res)
	}
}

func TestGuardBreakerOpensAndRecovers(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var fail atomic.Bool
	fail.Store(true)
	d := &fakeDispatcher{ch: ChannelEmail, fn: func(_ context.Context, _ *Notification, r Recipient) DeliveryResult {
		if fail.Load() {
			return Failed(ChannelEmail, r.Key(), errors.New("smtp down"), clk.Now())
		}
		return Succeeded(ChannelEmail, r.Key(), "", clk.Now())
	}}
	g := Guard(d, GuardConfig{Timeout: time.Second, BreakerTrip: 2, BreakerBase: time.Minute}, clk.Now)

	r := Recipient{UserID: "u"}
	for i := 0; i < 2; i++ {
		if res := g.Deliver(context.Background(), &Notification{}, r); res.Failure != FailureTransport {
			t.Fatalf("attempt %d: got %+v", i, res)
		}
	}
	res := g.Deliver(context.Background(), &Notification{}, r)
	if res.Failure != FailureCircuit {
		t.Fatalf("expected open circuit, got %+v", res)
	}
	if d.calls.Load() != 2 {
		t.Fatalf("dispatcher called %d times while open", d.calls.Load())
	}

	fail.Store(false)
	clk.Advance(61 * time.Second)
	if res := g.Deliver(context.Background(), &Notification{}, r); !res.Success {
		t.Fatalf("expected success after cooldown, got %+v", res)
	}
}

func TestGuardIgnoresRecipientFailures(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{ch: ChannelEmail, fn: func(_ context.Context, _ *Notification, r Recipient) DeliveryResult {
		return Failed(ChannelEmail, r.Key(), ErrNoAddress, time.Now())
	}}
	g := Guard(d, GuardConfig{Timeout: time.Second, BreakerTrip: 1}, nil)
	for i := 0; i < 3; i++ {
		if res := g.Deliver(context.Background(), &Notification{}, Recipient{UserID: "u"}); res.Failure != FailureRecipient {
			t.Fatalf("attempt %d: got %+v", i, res)
		}
	}
}

func TestRegistryChannelsOrdered(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(&fakeDispatcher{ch: ChannelSMS}, &fakeDispatcher{ch: ChannelEmail})
	got := reg.Channels()
	if len(got) != 2 || got[0] != ChannelEmail || got[1] != ChannelSMS {
		t.Fatalf("channels = %v", got)
	}
	if _, ok := reg.Get(ChannelInApp); ok {
		t.Fatal("unexpected in_app dispatcher")
	}
}

func TestPriorityJSON(t *testing.T) {
	t.Parallel()
	var v struct {
		A Priority `json:"a"`
		B Priority `json:"b"`
		C Priority `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":"low","b":1,"c":"none"}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.A != PriorityLow || v.B != PriorityHigh || v.C != 0 {
		t.Fatalf("decoded %+v", v)
	}
	out, _ := json.Marshal(v)
	if string(out) != `{"a":"low","b":"high","c":"none"}` {
		t.Fatalf("encoded %s", out)
	}
}
