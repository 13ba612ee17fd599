package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "notifycore/pkg/logx"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

const yamlConfig = `
logging:
  level: debug
  console: true
delivery:
  max_attempts: 5
  retry_base: 30s
throttle:
  default_rules:
    marketing: daily
  limits:
    daily: { window: 24h, max: 3 }
channels:
  in_app: { enabled: true }
  email:
    enabled: true
    host: smtp.example.com
    from: noreply@example.com
    password: ${NC_TEST_SMTP_PASSWORD}
ingest:
  routes:
    orders.created:
      priority: high
      body: "Order {{.order_id}} received"
`

func TestParseYAML(t *testing.T) {
	t.Setenv("NC_TEST_SMTP_PASSWORD", "s3cret")
	p := writeFile(t, t.TempDir(), "config.yaml", yamlConfig)

	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Delivery.MaxAttempts != 5 || cfg.Delivery.RetryBase != "30s" {
		t.Fatalf("delivery = %+v", cfg.Delivery)
	}
	if got := cfg.Throttle.Limits["daily"]; got.Window != "24h" || got.Max != 3 {
		t.Fatalf("limits = %+v", cfg.Throttle.Limits)
	}
	if cfg.Channels.Email == nil || cfg.Channels.Email.Password != "s3cret" {
		t.Fatalf("email = %+v", cfg.Channels.Email)
	}
	if r := cfg.Ingest.Routes["orders.created"]; r.Priority != "high" || !strings.Contains(r.Body, "order_id") {
		t.Fatalf("route = %+v", r)
	}
}

func TestParseJSONRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `{"logging":{"level":"info"},"plugins":{}}`},
		{"trailing data", `{"logging":{"level":"info"}} {"http":{}}`},
		{"bad type", `{"delivery":{"max_attempts":"three"}}`},
	}
	for i, tc := range tests {
		p := writeFile(t, dir, "c"+string(rune('a'+i))+".json", tc.body)
		if _, err := NewConfigManager(p).Parse(); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("NC_TEST_PRESENT", "from-env")
	dotenv := map[string]string{"NC_TEST_PRESENT": "from-file", "NC_TEST_FILE_ONLY": "file"}
	tests := []struct {
		in, want string
	}{
		{"${NC_TEST_PRESENT}", "from-env"},
		{"${NC_TEST_FILE_ONLY}", "file"},
		{"${NC_TEST_MISSING:-fallback}", "fallback"},
		{"${NC_TEST_MISSING}", ""},
		{"pa$$word $HOME", "pa$$word $HOME"},
	}
	for _, tc := range tests {
		if got := string(expandEnv([]byte(tc.in), dotenv)); got != tc.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseReadsDotEnv(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, ".env", "NC_TEST_DOTENV_ADDR=127.0.0.1:9999\n")
	p := writeFile(t, dir, "config.json", `{"http":{"addr":"${NC_TEST_DOTENV_ADDR}"}}`)

	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9999" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v, %v", d, err)
	}
	if _, err := ParseDurationField("delivery.retry_base", "-1s"); err == nil {
		t.Fatal("negative accepted")
	}
	_, err := ParseDurationField("delivery.retry_base", "soon")
	if err == nil || !strings.Contains(err.Error(), "delivery.retry_base") {
		t.Fatalf("err = %v", err)
	}
	if d, _ := ParseDurationOrDefault("x", "0s", time.Minute); d != time.Minute {
		t.Fatalf("default = %v", d)
	}
	if d, err := ParseDurationField("history.retention", "7d"); err != nil || d != 7*24*time.Hour {
		t.Fatalf("days: %v, %v", d, err)
	}
	if _, err := ParseDurationField("history.retention", "1.5d"); err == nil {
		t.Fatal("fractional days accepted")
	}
}

func TestParseYAMLScalarKeys(t *testing.T) {
	t.Parallel()
	// Unquoted numeric and boolean keys still name JSON object fields.
	body := "scheduler:\n  flags:\n    true: false\n    2024: true\n"
	cfg, err := NewConfigManager(writeFile(t, t.TempDir(), "config.yml", body)).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if f := cfg.Scheduler.Flags; len(f) != 2 || f["true"] || !f["2024"] {
		t.Fatalf("flags = %v", f)
	}
}

func TestReloadLogsRestartRequiredSections(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"http":{"addr":":8080"}}`)
	m := NewConfigManager(p)
	var buf bytes.Buffer
	m.SetLogger(logx.NewWriter(&buf, "info"))
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "config.json", `{"http":{"addr":":9090"},"logging":{"level":"warn"}}`)
	if ok, err := m.Reload(context.Background()); !ok || err != nil {
		t.Fatalf("reload = %v, %v", ok, err)
	}
	out := buf.String()
	if !strings.Contains(out, "config published") || !strings.Contains(out, "logging,http") {
		t.Fatalf("summary missing: %s", out)
	}
	if !strings.Contains(out, "restart required") || !strings.Contains(out, `"sections":"http"`) {
		t.Fatalf("restart warning missing: %s", out)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	if ok, err := m.Reload(ctx); ok || err != nil {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}

	writeFile(t, dir, "config.json", `{"logging":{"level":"debug"}}`)
	if ok, err := m.Reload(ctx); !ok || err != nil {
		t.Fatalf("changed reload = %v, %v", ok, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published %+v", cfg.Logging)
		}
	default:
		t.Fatal("nothing published")
	}

	errBad := errors.New("bad level")
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "loud" {
			return errBad
		}
		return nil
	})
	writeFile(t, dir, "config.json", `{"logging":{"level":"loud"}}`)
	if _, err := m.Reload(ctx); !errors.Is(err, errBad) {
		t.Fatalf("err = %v", err)
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("rejected config was committed")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{
		Logging:  LoggingConfig{Level: "info"},
		Channels: ChannelsConfig{SMS: &SMSConfig{Enabled: true, AuthToken: "a"}},
		Ingest:   &IngestConfig{Routes: map[string]RouteConfig{"a": {Body: "x"}}},
	}
	next := &Config{
		Logging:  LoggingConfig{Level: "debug"},
		Channels: ChannelsConfig{SMS: &SMSConfig{Enabled: true, AuthToken: "b"}},
		Ingest:   &IngestConfig{Routes: map[string]RouteConfig{"a": {Body: "y"}}},
	}
	changed, attrs, restart := SummarizeConfigChange(old, next)
	want := []string{"logging", "channels", "routes"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if len(restart) != 1 || restart[0] != "channels" {
		t.Fatalf("restart = %v", restart)
	}

	if changed, _, _ := SummarizeConfigChange(next, next); len(changed) != 0 {
		t.Fatalf("identical configs changed %v", changed)
	}
}
