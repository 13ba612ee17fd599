package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"notifycore/internal/metrics"
	"notifycore/internal/notifier"
	"notifycore/internal/preference"
	"notifycore/internal/storage"
	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

type okDispatcher struct{}

func (okDispatcher) Channel() kit.Channel { return kit.ChannelInApp }

func (okDispatcher) Deliver(_ context.Context, _ *kit.Notification, r kit.Recipient) kit.DeliveryResult {
	return kit.Succeeded(kit.ChannelInApp, r.Key(), "", time.Now())
}

type fakeSockets struct{ users []string }

func (f *fakeSockets) ServeWS(w http.ResponseWriter, _ *http.Request, userID string) {
	f.users = append(f.users, userID)
	w.WriteHeader(http.StatusNoContent)
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeSockets) {
	t.Helper()
	svc, err := notifier.New(notifier.Config{}, notifier.Deps{
		Store:    storage.NewMemory(),
		Registry: kit.NewRegistry(okDispatcher{}),
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	socks := &fakeSockets{}
	ts := httptest.NewServer(New(Config{}, svc, socks, metrics.New(), logx.Nop()).Handler())
	t.Cleanup(func() {
		ts.Close()
		stopCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		svc.Stop(stopCtx)
		cancel()
	})
	return ts, socks
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	resp, out := do(t, ts, "GET", "/healthz", "")
	if resp.StatusCode != 200 || out["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, out)
	}
	comps, _ := out["components"].(map[string]any)
	if _, ok := comps["delivery"]; !ok {
		t.Fatalf("components = %v", out["components"])
	}
}

func TestSendAndStatus(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp, out := do(t, ts, "POST", "/v1/notifications", `{"type":"billing","subject":"Invoice","priority":"high","recipients":["alice"]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send = %d %v", resp.StatusCode, out)
	}
	id, _ := out["id"].(string)
	if id == "" {
		t.Fatalf("no id in %v", out)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, out = do(t, ts, "GET", "/v1/notifications/"+id, "")
		if resp.StatusCode == 200 && out["status"] == "sent" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %d %v", resp.StatusCode, out)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, out = do(t, ts, "GET", "/v1/stats", "")
	if resp.StatusCode != 200 || out["total_sent"] != float64(1) {
		t.Fatalf("stats = %d %v", resp.StatusCode, out)
	}
}

func TestBadRequests(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	cases := []struct {
		method, path, body string
		want               int
	}{
		{"POST", "/v1/notifications", `{"subject":"no type"}`, 400},
		{"POST", "/v1/notifications", `{"type":"x","subject":"s","bogus":1}`, 400},
		{"POST", "/v1/notifications", `not json`, 400},
		{"GET", "/v1/notifications/missing", "", 404},
		{"POST", "/v1/scheduled", `{"type":"x","subject":"s","recurring":true,"pattern":"yearly"}`, 400},
		{"GET", "/v1/users/u/history?limit=-2", "", 400},
		{"GET", "/v1/users/u/history?from=yesterday", "", 400},
		{"PUT", "/v1/users/u/preferences", `{"user_id":"other"}`, 400},
		{"PUT", "/v1/users/u/preferences", `{"quiet_hours":{"start_hour":30,"end_hour":1}}`, 400},
		{"POST", "/v1/users/u/subscriptions", `{"channel":"email"}`, 400},
		{"DELETE", "/v1/subscriptions/missing", "", 404},
		{"POST", "/v1/events", `{"topic":"nobody.listens"}`, 422},
		{"GET", "/v1/ws", "", 400},
	}
	for _, tc := range cases {
		resp, out := do(t, ts, tc.method, tc.path, tc.body)
		if resp.StatusCode != tc.want {
			t.Fatalf("%s %s = %d %v, want %d", tc.method, tc.path, resp.StatusCode, out, tc.want)
		}
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	body := `{"enabled":true,"enabled_types":["billing"],"priority_threshold":"medium","quiet_hours":{"start_hour":22,"end_hour":6},"timezone":"UTC"}`
	resp, out := do(t, ts, "PUT", "/v1/users/u7/preferences", body)
	if resp.StatusCode != 200 || out["user_id"] != "u7" {
		t.Fatalf("put = %d %v", resp.StatusCode, out)
	}
	resp, out = do(t, ts, "GET", "/v1/users/u7/preferences", "")
	if resp.StatusCode != 200 || out["priority_threshold"] != "medium" {
		t.Fatalf("get = %d %v", resp.StatusCode, out)
	}
	var p preference.UserPreferences
	raw, _ := json.Marshal(out)
	if err := json.Unmarshal(raw, &p); err != nil || p.QuietHours == nil || p.QuietHours.StartHour != 22 {
		t.Fatalf("decoded %+v, %v", p, err)
	}
}

func TestScheduleAndCancel(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp, out := do(t, ts, "POST", "/v1/scheduled", `{"type":"reminder","subject":"later","scheduled_at":"`+at+`"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("schedule = %d %v", resp.StatusCode, out)
	}
	id := out["id"].(string)
	if _, out = do(t, ts, "DELETE", "/v1/scheduled/"+id, ""); out["cancelled"] != true {
		t.Fatalf("cancel = %v", out)
	}
	if _, out = do(t, ts, "DELETE", "/v1/scheduled/"+id, ""); out["cancelled"] != false {
		t.Fatalf("second cancel = %v", out)
	}
	if _, out = do(t, ts, "GET", "/v1/notifications/"+id, ""); out["kind"] != "scheduled" || out["status"] != "cancelled" {
		t.Fatalf("status = %v", out)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	resp, out := do(t, ts, "POST", "/v1/users/u1/subscriptions", `{"channel":"mobile_push","token":"device-1","platform":"android"}`)
	if resp.StatusCode != http.StatusCreated || out["user_id"] != "u1" {
		t.Fatalf("add = %d %v", resp.StatusCode, out)
	}
	id := out["id"].(string)

	listResp, err := ts.Client().Get(ts.URL + "/v1/users/u1/subscriptions")
	if err != nil {
		t.Fatal(err)
	}
	var subs []kit.Subscription
	_ = json.NewDecoder(listResp.Body).Decode(&subs)
	listResp.Body.Close()
	if len(subs) != 1 || subs[0].ID != id {
		t.Fatalf("list = %+v", subs)
	}
	if resp, _ := do(t, ts, "DELETE", "/v1/subscriptions/"+id, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
}

func TestWebsocketAndMetrics(t *testing.T) {
	t.Parallel()
	ts, socks := newTestServer(t)
	if resp, _ := do(t, ts, "GET", "/v1/ws?user_id=u9", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("ws = %d", resp.StatusCode)
	}
	if len(socks.users) != 1 || socks.users[0] != "u9" {
		t.Fatalf("sockets saw %v", socks.users)
	}

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `route="/v1/ws"`) {
		t.Fatal("request latency not recorded by route pattern")
	}
}
