package app

import (
	"fmt"
	"strings"
	"time"

	"notifycore/internal/delivery"
	"notifycore/internal/history"
	"notifycore/internal/httpapi"
	"notifycore/internal/ingest"
	"notifycore/internal/notifier"
	"notifycore/internal/render"
	"notifycore/internal/scheduler"
	"notifycore/internal/storage"
	"notifycore/internal/throttle"
	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

func mapLoggingConfig(cfg *Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
			Compress:   lc.File.Compress,
		},
	}
}

// mapStorageConfig returns enabled=false when no driver is configured.
func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}
	switch driver {
	case "memory", "mem":
	case "file":
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		out.BusyTimeout = busy
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, false, fmt.Errorf("storage.max_conns must be >= 0")
		}
		out.DSN = sc.DSN
		out.MaxConns = sc.MaxConns
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	if r := sc.Redis; r != nil && strings.TrimSpace(r.Addr) != "" {
		out.Redis = storage.RedisConfig{Addr: strings.TrimSpace(r.Addr), Password: r.Password, DB: r.DB, Prefix: r.Prefix}
	}
	return out, true, nil
}

func mapDeliveryConfig(cfg *Config) (delivery.Config, error) {
	dc := cfg.Delivery
	for _, f := range []struct {
		path string
		v    int
	}{
		{"delivery.queue_size", dc.QueueSize},
		{"delivery.priority_workers", dc.PriorityWorkers},
		{"delivery.standard_workers", dc.StandardWorkers},
		{"delivery.fanout", dc.Fanout},
		{"delivery.batch_size", dc.BatchSize},
		{"delivery.max_attempts", dc.MaxAttempts},
		{"delivery.dedup_max_entries", dc.DedupMaxEntries},
	} {
		if f.v < 0 {
			return delivery.Config{}, fmt.Errorf("%s must be >= 0", f.path)
		}
	}
	out := delivery.Config{
		QueueSize:          dc.QueueSize,
		PriorityWorkers:    dc.PriorityWorkers,
		StandardWorkers:    dc.StandardWorkers,
		Fanout:             dc.Fanout,
		BatchSize:          dc.BatchSize,
		DefaultMaxAttempts: dc.MaxAttempts,
		DedupMaxEntries:    dc.DedupMaxEntries,
		PersistDedup:       dc.PersistDedup,
		PersistRecords:     dc.PersistRecords,
	}
	var err error
	durs := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"delivery.batch_timeout", dc.BatchTimeout, &out.BatchTimeout},
		{"delivery.retry_base", dc.RetryBase, &out.RetryBase},
		{"delivery.retry_max", dc.RetryMax, &out.RetryMax},
		{"delivery.retry_sweep", dc.RetrySweep, &out.RetrySweep},
		{"delivery.dedup_window", dc.DedupWindow, &out.DedupWindow},
		{"delivery.record_retention", dc.RecordRetention, &out.RecordRetention},
	}
	for _, d := range durs {
		if *d.dst, err = parseDurationField(d.path, d.raw); err != nil {
			return delivery.Config{}, err
		}
	}
	return out, nil
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	if sc.MaxAttempts < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.max_attempts must be >= 0")
	}
	tick, err := parseDurationField("scheduler.poll_interval", sc.PollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	tz := strings.TrimSpace(sc.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Tick: tick, DefaultMaxAttempts: sc.MaxAttempts, Timezone: tz}, nil
}

func mapCleanupConfig(cfg *Config) (history.CleanupConfig, error) {
	hc := cfg.History
	if err := history.ValidateSchedule(strings.TrimSpace(hc.CleanupSchedule)); err != nil {
		return history.CleanupConfig{}, fmt.Errorf("history.cleanup_schedule: %w", err)
	}
	retention, err := parseDurationField("history.retention", hc.Retention)
	if err != nil {
		return history.CleanupConfig{}, err
	}
	out := history.CleanupConfig{Schedule: strings.TrimSpace(hc.CleanupSchedule), Retention: retention}
	if cfg.Delivery.PersistRecords {
		out.Extra = []storage.Collection{storage.Notifications}
	}
	return out, nil
}

func mapThrottle(cfg *Config) (map[string]throttle.Rule, map[throttle.Rule]throttle.Limit, error) {
	tc := cfg.Throttle
	var rules map[string]throttle.Rule
	if len(tc.DefaultRules) > 0 {
		rules = make(map[string]throttle.Rule, len(tc.DefaultRules))
		for typ, raw := range tc.DefaultRules {
			r, err := throttle.ParseRule(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("throttle.default_rules.%s: %w", typ, err)
			}
			rules[typ] = r
		}
	}
	var limits map[throttle.Rule]throttle.Limit
	if len(tc.Limits) > 0 {
		defaults := throttle.DefaultLimits()
		limits = make(map[throttle.Rule]throttle.Limit, len(tc.Limits))
		for name, lc := range tc.Limits {
			r, err := throttle.ParseRule(name)
			if err != nil || r == throttle.None {
				return nil, nil, fmt.Errorf("throttle.limits: unknown rule %q", name)
			}
			if lc.Max < 0 {
				return nil, nil, fmt.Errorf("throttle.limits.%s.max must be >= 0", name)
			}
			win, err := parseDurationOrDefault("throttle.limits."+name+".window", lc.Window, defaults[r].Window)
			if err != nil {
				return nil, nil, err
			}
			limits[r] = throttle.Limit{Window: win, Max: lc.Max}
		}
	}
	return rules, limits, nil
}

func mapRoutes(cfg *Config) (map[string]ingest.Route, error) {
	if cfg.Ingest == nil || len(cfg.Ingest.Routes) == 0 {
		return nil, nil
	}
	out := make(map[string]ingest.Route, len(cfg.Ingest.Routes))
	for topic, rc := range cfg.Ingest.Routes {
		r := ingest.Route{Type: rc.Type, Subject: rc.Subject, Body: rc.Body, HTML: rc.HTML}
		if strings.TrimSpace(rc.Priority) != "" {
			p, err := kit.ParsePriority(rc.Priority)
			if err != nil {
				return nil, fmt.Errorf("ingest.routes.%s.priority: %w", topic, err)
			}
			r.Priority = p
		}
		chs, err := parseChannels("ingest.routes."+topic+".channels", rc.Channels)
		if err != nil {
			return nil, err
		}
		r.Channels = chs
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("ingest.routes.%s: %w", topic, err)
		}
		out[topic] = r
	}
	return out, nil
}

func parseChannels(path string, raw []string) ([]kit.Channel, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]kit.Channel, 0, len(raw))
	for _, s := range raw {
		ch, err := kit.ParseChannel(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, ch)
	}
	return out, nil
}

func mapTemplates(cfg *Config) ([]render.Template, error) {
	out := make([]render.Template, 0, len(cfg.Templates))
	seen := make(map[string]bool, len(cfg.Templates))
	for i, t := range cfg.Templates {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("templates[%d]: name is required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("templates[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		out = append(out, render.Template{Name: name, Subject: t.Subject, Body: t.Body, HTML: t.HTML})
	}
	return out, nil
}

// mapNotifierConfig builds the facade config, including the delivery,
// scheduler and cleanup blocks.
func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	dc, err := mapDeliveryConfig(cfg)
	if err != nil {
		return notifier.Config{}, err
	}
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return notifier.Config{}, err
	}
	cc, err := mapCleanupConfig(cfg)
	if err != nil {
		return notifier.Config{}, err
	}
	rules, limits, err := mapThrottle(cfg)
	if err != nil {
		return notifier.Config{}, err
	}
	routes, err := mapRoutes(cfg)
	if err != nil {
		return notifier.Config{}, err
	}
	chs, err := parseChannels("default_channels", cfg.DefaultChannels)
	if err != nil {
		return notifier.Config{}, err
	}
	flush, err := parseDurationField("preferences.flush_interval", cfg.Preferences.FlushInterval)
	if err != nil {
		return notifier.Config{}, err
	}
	sweep, err := parseDurationField("throttle.sweep_interval", cfg.Throttle.SweepInterval)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Delivery:        dc,
		Scheduler:       sc,
		Cleanup:         cc,
		DefaultChannels: chs,
		DefaultRules:    rules,
		Limits:          limits,
		Routes:          routes,
		FlushInterval:   flush,
		SweepInterval:   sweep,
	}, nil
}

func mapHTTPConfig(cfg *Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	rht, err := parseDurationField("http.read_header_timeout", hc.ReadHeaderTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	st, err := parseDurationField("http.shutdown_timeout", hc.ShutdownTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:              strings.TrimSpace(hc.Addr),
		ReadHeaderTimeout: rht,
		ShutdownTimeout:   st,
		Profiler:          hc.Profiler,
	}, nil
}

// mapIngestConfig returns nil configs for disabled consumers.
func mapIngestConfig(cfg *Config) (*ingest.KafkaConfig, *ingest.AMQPConfig, error) {
	if cfg.Ingest == nil {
		return nil, nil, nil
	}
	var (
		kc *ingest.KafkaConfig
		ac *ingest.AMQPConfig
	)
	if k := cfg.Ingest.Kafka; k != nil && k.Enabled {
		wait, err := parseDurationField("ingest.kafka.max_wait", k.MaxWait)
		if err != nil {
			return nil, nil, err
		}
		if len(k.Brokers) == 0 || len(k.Topics) == 0 || strings.TrimSpace(k.GroupID) == "" {
			return nil, nil, fmt.Errorf("ingest.kafka: brokers, group_id and topics are required")
		}
		kc = &ingest.KafkaConfig{Brokers: k.Brokers, GroupID: k.GroupID, Topics: k.Topics, MaxWait: wait, Retries: k.Retries}
	}
	if a := cfg.Ingest.AMQP; a != nil && a.Enabled {
		if strings.TrimSpace(a.URL) == "" || strings.TrimSpace(a.Queue) == "" || len(a.Topics) == 0 {
			return nil, nil, fmt.Errorf("ingest.amqp: url, queue and topics are required")
		}
		ac = &ingest.AMQPConfig{URL: a.URL, Exchange: a.Exchange, Queue: a.Queue, Consumer: a.Consumer, Topics: a.Topics, Prefetch: a.Prefetch}
	}
	return kc, ac, nil
}

// mapGuardConfig falls back to the channel's default timeout.
func mapGuardConfig(cfg *Config, ch kit.Channel) (kit.GuardConfig, error) {
	gc := cfg.Channels.Guards[string(ch)]
	prefix := "channels.guards." + string(ch)
	out := kit.GuardConfig{RatePerSec: gc.RatePerSec, Burst: gc.Burst, BreakerTrip: gc.BreakerTrip}
	if gc.RatePerSec < 0 || gc.Burst < 0 {
		return kit.GuardConfig{}, fmt.Errorf("%s: rate_per_sec and burst must be >= 0", prefix)
	}
	var err error
	if out.Timeout, err = parseDurationOrDefault(prefix+".timeout", gc.Timeout, kit.DefaultTimeout(ch)); err != nil {
		return kit.GuardConfig{}, err
	}
	if out.BreakerBase, err = parseDurationField(prefix+".breaker_base", gc.BreakerBase); err != nil {
		return kit.GuardConfig{}, err
	}
	if out.BreakerMax, err = parseDurationField(prefix+".breaker_max", gc.BreakerMax); err != nil {
		return kit.GuardConfig{}, err
	}
	if out.BreakerReset, err = parseDurationField(prefix+".breaker_reset", gc.BreakerReset); err != nil {
		return kit.GuardConfig{}, err
	}
	return out, nil
}

// validateConfig rejects a config before it is committed, on start and on
// hot reload.
func validateConfig(cfg *Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapIngestConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTemplates(cfg); err != nil {
		return err
	}
	for ch := range cfg.Channels.Guards {
		c, err := kit.ParseChannel(ch)
		if err != nil {
			return fmt.Errorf("channels.guards: %w", err)
		}
		if _, err := mapGuardConfig(cfg, c); err != nil {
			return err
		}
	}
	return nil
}
