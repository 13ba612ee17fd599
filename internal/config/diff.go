package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notifycore/pkg/logx"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{
	"http":     true,
	"storage":  true,
	"channels": true,
	"ingest":   true,
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets such as
// passwords, tokens or DSNs), and (3) the changed sections that only take
// effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.profiler", newCfg.HTTP.Profiler),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := "none"
		redis := false
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
			redis = newCfg.Storage.Redis != nil && strings.TrimSpace(newCfg.Storage.Redis.Addr) != ""
		}
		attrs = append(attrs,
			logx.String("storage.driver", driver),
			logx.Bool("storage.redis", redis),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		d := newCfg.Delivery
		attrs = append(attrs,
			logx.Int("delivery.max_attempts", d.MaxAttempts),
			logx.String("delivery.retry_base", strings.TrimSpace(d.RetryBase)),
			logx.String("delivery.retry_sweep", strings.TrimSpace(d.RetrySweep)),
			logx.String("delivery.dedup_window", strings.TrimSpace(d.DedupWindow)),
			logx.Int("delivery.batch_size", d.BatchSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.flags", len(newCfg.Scheduler.Flags)),
		)
	}

	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.cleanup_schedule", strings.TrimSpace(newCfg.History.CleanupSchedule)),
			logx.String("history.retention", strings.TrimSpace(newCfg.History.Retention)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Throttle, newCfg.Throttle) {
		changed = append(changed, "throttle")
		attrs = append(attrs,
			logx.Int("throttle.default_rules", len(newCfg.Throttle.DefaultRules)),
			logx.Strs("throttle.limits", sortedKeys(newCfg.Throttle.Limits)),
		)
	}

	if oldCfg.Preferences != newCfg.Preferences {
		changed = append(changed, "preferences")
		attrs = append(attrs, logx.String("preferences.flush_interval", strings.TrimSpace(newCfg.Preferences.FlushInterval)))
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs, logx.Strs("channels.enabled", enabledChannels(newCfg.Channels)))
	}

	oldRoutes, newRoutes := routesOf(oldCfg), routesOf(newCfg)
	if !reflect.DeepEqual(transportOf(oldCfg), transportOf(newCfg)) {
		changed = append(changed, "ingest")
		ing := transportOf(newCfg)
		attrs = append(attrs,
			logx.Bool("ingest.kafka", ing.Kafka != nil && ing.Kafka.Enabled),
			logx.Bool("ingest.amqp", ing.AMQP != nil && ing.AMQP.Enabled),
		)
	}
	if !reflect.DeepEqual(oldRoutes, newRoutes) {
		changed = append(changed, "routes")
		attrs = append(attrs, logx.Strs("ingest.routes", sortedKeys(newRoutes)))
	}

	if !reflect.DeepEqual(oldCfg.Templates, newCfg.Templates) {
		changed = append(changed, "templates")
		names := make([]string, 0, len(newCfg.Templates))
		for _, t := range newCfg.Templates {
			names = append(names, t.Name)
		}
		attrs = append(attrs, logx.Strs("templates", names))
	}

	if !reflect.DeepEqual(oldCfg.DefaultChannels, newCfg.DefaultChannels) {
		changed = append(changed, "default_channels")
		attrs = append(attrs, logx.Strs("default_channels", newCfg.DefaultChannels))
	}

	var restart []string
	for _, c := range changed {
		if restartSections[c] {
			restart = append(restart, c)
		}
	}
	return changed, attrs, restart
}

// transportOf is the ingest block without its routes, which reload live.
func transportOf(cfg *Config) IngestConfig {
	if cfg.Ingest == nil {
		return IngestConfig{}
	}
	out := *cfg.Ingest
	out.Routes = nil
	return out
}

func routesOf(cfg *Config) map[string]RouteConfig {
	if cfg.Ingest == nil || len(cfg.Ingest.Routes) == 0 {
		return nil
	}
	return cfg.Ingest.Routes
}

func enabledChannels(c ChannelsConfig) []string {
	var out []string
	if c.Email != nil && c.Email.Enabled {
		out = append(out, "email")
	}
	if c.WebPush != nil && c.WebPush.Enabled {
		out = append(out, "web_push")
	}
	if c.MobilePush != nil && c.MobilePush.Enabled {
		out = append(out, "mobile_push")
	}
	if c.InApp != nil && c.InApp.Enabled {
		out = append(out, "in_app")
	}
	if c.SMS != nil && c.SMS.Enabled {
		out = append(out, "sms")
	}
	if c.Telegram != nil && c.Telegram.Enabled {
		out = append(out, "telegram")
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
