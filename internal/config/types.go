package config

// Config is the on-disk shape of notifyd's configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// String values may reference environment variables as ${NAME} or
// ${NAME:-default}; a .env file next to the config is consulted after the
// process environment.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	HTTP        HTTPConfig        `json:"http"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Delivery    DeliveryConfig    `json:"delivery"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	History     HistoryConfig     `json:"history"`
	Throttle    ThrottleConfig    `json:"throttle"`
	Preferences PreferencesConfig `json:"preferences"`
	Channels    ChannelsConfig    `json:"channels"`
	Ingest      *IngestConfig     `json:"ingest,omitempty"`

	// Templates are registered with the renderer and referenced by name
	// from scheduled notifications.
	Templates []TemplateConfig `json:"templates,omitempty"`

	// DefaultChannels apply when a request names none. Default: ["in_app"].
	DefaultChannels []string `json:"default_channels,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// HTTPConfig controls the API listener. Changing it requires a restart.
//
// Security note:
//   - Profiler mounts net/http/pprof under /debug on the same listener.
//     Only enable it behind a trusted network.
type HTTPConfig struct {
	Addr              string `json:"addr,omitempty"` // default ":8080"
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`
	Profiler          bool   `json:"profiler,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyd.db" }
type StorageConfig struct {
	Driver      string       `json:"driver"`
	Path        string       `json:"path,omitempty"`         // file, sqlite
	DSN         string       `json:"dsn,omitempty"`          // postgres (do not log)
	MaxConns    int32        `json:"max_conns,omitempty"`    // postgres
	BusyTimeout string       `json:"busy_timeout,omitempty"` // sqlite
	Redis       *RedisConfig `json:"redis,omitempty"`
}

// RedisConfig moves dedup keys to Redis for any driver.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// DeliveryConfig controls the queue lanes, retries and dedup.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 1024 per lane
//   - priority_workers / standard_workers: 1
//   - batch_size: 20, batch_timeout: "10s"
//   - max_attempts: 3, retry_base: "1m", retry_sweep: "15s"
//   - dedup_window: "0s" (disabled), dedup_max_entries: 2000
type DeliveryConfig struct {
	QueueSize       int    `json:"queue_size,omitempty"`
	PriorityWorkers int    `json:"priority_workers,omitempty"`
	StandardWorkers int    `json:"standard_workers,omitempty"`
	Fanout          int    `json:"fanout,omitempty"`
	BatchSize       int    `json:"batch_size,omitempty"`
	BatchTimeout    string `json:"batch_timeout,omitempty"`

	MaxAttempts int    `json:"max_attempts,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	RetryMax    string `json:"retry_max,omitempty"`
	RetrySweep  string `json:"retry_sweep,omitempty"`

	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	PersistRecords  bool   `json:"persist_records,omitempty"`
	RecordRetention string `json:"record_retention,omitempty"`
}

type SchedulerConfig struct {
	PollInterval string `json:"poll_interval,omitempty"` // default "10s"
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	// Timezone for time_window and weekdays conditions. Default UTC.
	Timezone string `json:"timezone,omitempty"`
	// Flags seed the state consulted by flag conditions.
	Flags map[string]bool `json:"flags,omitempty"`
}

type HistoryConfig struct {
	CleanupSchedule string `json:"cleanup_schedule,omitempty"` // cron spec; default "@daily"
	Retention       string `json:"retention,omitempty"`        // default "720h"
}

// ThrottleConfig sets the send windows. default_rules maps a notification
// type (or "*") to one of none|hourly|daily|weekly|monthly.
type ThrottleConfig struct {
	DefaultRules  map[string]string      `json:"default_rules,omitempty"`
	Limits        map[string]LimitConfig `json:"limits,omitempty"`
	SweepInterval string                 `json:"sweep_interval,omitempty"`
}

type LimitConfig struct {
	Window string `json:"window,omitempty"`
	Max    int    `json:"max"`
}

type PreferencesConfig struct {
	FlushInterval string `json:"flush_interval,omitempty"` // default "30s"
}

// ChannelsConfig enables transports. A nil or disabled block leaves the
// channel unregistered; notifications naming it get a failed result.
type ChannelsConfig struct {
	Email      *EmailConfig      `json:"email,omitempty"`
	WebPush    *WebPushConfig    `json:"web_push,omitempty"`
	MobilePush *MobilePushConfig `json:"mobile_push,omitempty"`
	InApp      *InAppConfig      `json:"in_app,omitempty"`
	SMS        *SMSConfig        `json:"sms,omitempty"`
	Telegram   *TelegramConfig   `json:"telegram,omitempty"`

	// Guards tune the per-channel timeout, rate limit and breaker, keyed by
	// channel name.
	Guards map[string]GuardConfig `json:"guards,omitempty"`
}

type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	From     string `json:"from"`
	FromName string `json:"from_name,omitempty"`
}

type WebPushConfig struct {
	Enabled         bool   `json:"enabled"`
	VAPIDPublicKey  string `json:"vapid_public_key"`
	VAPIDPrivateKey string `json:"vapid_private_key"` // do not log
	Subscriber      string `json:"subscriber"`
	TTL             string `json:"ttl,omitempty"`
}

// MobilePushConfig enables the mobile push channel with the logging sender.
type MobilePushConfig struct {
	Enabled bool `json:"enabled"`
}

type InAppConfig struct {
	Enabled bool `json:"enabled"`
}

type SMSConfig struct {
	Enabled    bool   `json:"enabled"`
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"` // do not log
	From       string `json:"from"`
	MaxLength  int    `json:"max_length,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token"` // do not log
	ParseMode string `json:"parse_mode,omitempty"`
	APIURL    string `json:"api_url,omitempty"`
}

type GuardConfig struct {
	Timeout      string  `json:"timeout,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	Burst        int     `json:"burst,omitempty"`
	BreakerTrip  int     `json:"breaker_trip,omitempty"`
	BreakerBase  string  `json:"breaker_base,omitempty"`
	BreakerMax   string  `json:"breaker_max,omitempty"`
	BreakerReset string  `json:"breaker_reset,omitempty"`
}

// IngestConfig wires pub/sub consumers. Changing it requires a restart,
// except for routes which are reloaded live.
type IngestConfig struct {
	Kafka  *KafkaConfig           `json:"kafka,omitempty"`
	AMQP   *AMQPConfig            `json:"amqp,omitempty"`
	Routes map[string]RouteConfig `json:"routes,omitempty"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	GroupID string   `json:"group_id"`
	Topics  []string `json:"topics"`
	MaxWait string   `json:"max_wait,omitempty"`
	Retries int      `json:"retries,omitempty"`
}

type AMQPConfig struct {
	Enabled  bool     `json:"enabled"`
	URL      string   `json:"url"` // may carry credentials; do not log
	Exchange string   `json:"exchange"`
	Queue    string   `json:"queue"`
	Consumer string   `json:"consumer,omitempty"`
	Topics   []string `json:"topics"`
	Prefetch int      `json:"prefetch,omitempty"`
}

// RouteConfig turns events on one topic into notifications. Subject, Body
// and HTML are templates rendered against the event payload.
type RouteConfig struct {
	Type     string   `json:"type,omitempty"`
	Priority string   `json:"priority,omitempty"` // high|medium|low
	Channels []string `json:"channels,omitempty"`
	Subject  string   `json:"subject,omitempty"`
	Body     string   `json:"body,omitempty"`
	HTML     string   `json:"html,omitempty"`
}

type TemplateConfig struct {
	Name    string `json:"name"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
	HTML    string `json:"html,omitempty"`
}
