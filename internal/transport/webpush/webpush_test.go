package webpush

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	wp "github.com/SherClockHolmes/webpush-go"

	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

type fakeSubs struct {
	mu          sync.Mutex
	subs        []kit.Subscription
	deactivated []string
}

func (f *fakeSubs) Active(userID string, ch kit.Channel) []kit.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []kit.Subscription
	for _, s := range f.subs {
		if s.UserID == userID && s.Channel == ch && s.Active {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSubs) Deactivate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, id)
	return nil
}

func statusSender(codes map[string]int) sendFunc {
	return func(_ context.Context, _ []byte, s *wp.Subscription, _ *wp.Options) (*http.Response, error) {
		return &http.Response{StatusCode: codes[s.Endpoint], Body: io.NopCloser(strings.NewReader(""))}, nil
	}
}

func newTestDispatcher(t *testing.T, subs *fakeSubs, send sendFunc) *Dispatcher {
	t.Helper()
	d, err := New(Config{VAPIDPublicKey: "pub", VAPIDPrivateKey: "priv"}, subs, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	d.send = send
	return d
}

func TestDeliverDeactivatesGoneEndpoints(t *testing.T) {
	t.Parallel()
	subs := &fakeSubs{subs: []kit.Subscription{
		{ID: "s1", UserID: "u", Channel: kit.ChannelWebPush, Endpoint: "https://a", Active: true},
		{ID: "s2", UserID: "u", Channel: kit.ChannelWebPush, Endpoint: "https://b", Active: true},
	}}
	d := newTestDispatcher(t, subs, statusSender(map[string]int{"https://a": 201, "https://b": 410}))

	res := d.Deliver(context.Background(), &kit.Notification{ID: "n", Subject: "s"}, kit.Recipient{UserID: "u"})
	if !res.Success {
		t.Fatalf("expected success with one live endpoint, got %+v", res)
	}
	if len(subs.deactivated) != 1 || subs.deactivated[0] != "s2" {
		t.Fatalf("deactivated = %v", subs.deactivated)
	}
}

func TestDeliverAllEndpointsGone(t *testing.T) {
	t.Parallel()
	subs := &fakeSubs{subs: []kit.Subscription{
		{ID: "s1", UserID: "u", Channel: kit.ChannelWebPush, Endpoint: "https://a", Active: true},
	}}
	d := newTestDispatcher(t, subs, statusSender(map[string]int{"https://a": 404}))
	res := d.Deliver(context.Background(), &kit.Notification{}, kit.Recipient{UserID: "u"})
	if res.Success || res.Failure != kit.FailureEndpoint {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDeliverWithoutSubscriptions(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, &fakeSubs{}, statusSender(nil))
	res := d.Deliver(context.Background(), &kit.Notification{}, kit.Recipient{UserID: "u"})
	if res.Success || res.Failure != kit.FailureRecipient {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDeliverServerErrorIsTransportFailure(t *testing.T) {
	t.Parallel()
	subs := &fakeSubs{subs: []kit.Subscription{
		{ID: "s1", UserID: "u", Channel: kit.ChannelWebPush, Endpoint: "https://a", Active: true},
	}}
	d := newTestDispatcher(t, subs, statusSender(map[string]int{"https://a": 503}))
	res := d.Deliver(context.Background(), &kit.Notification{}, kit.Recipient{UserID: "u"})
	if res.Success || res.Failure != kit.FailureTransport || len(subs.deactivated) != 0 {
		t.Fatalf("unexpected result %+v (deactivated %v)", res, subs.deactivated)
	}
}

func TestNewRequiresKeys(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, &fakeSubs{}, logx.Nop()); err == nil {
		t.Fatal("expected error without VAPID keys")
	}
}
