package delivery

import "time"

// Config controls the delivery pipeline. Zero values take defaults.
type Config struct {
	QueueSize       int
	PriorityWorkers int
	StandardWorkers int
	Fanout          int // max concurrent dispatches per notification or batch

	BatchSize    int
	BatchTimeout time.Duration

	DefaultMaxAttempts int
	RetryBase          time.Duration
	RetryMax           time.Duration
	RetrySweep         time.Duration

	DedupWindow     time.Duration // 0 disables
	DedupMaxEntries int
	PersistDedup    bool

	PersistRecords  bool
	RecordRetention time.Duration // how long terminal records stay queryable in memory
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.PriorityWorkers <= 0 {
		c.PriorityWorkers = 1
	}
	if c.StandardWorkers <= 0 {
		c.StandardWorkers = 1
	}
	if c.Fanout <= 0 {
		c.Fanout = 16
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Second
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.RetrySweep <= 0 {
		c.RetrySweep = 15 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	if c.RecordRetention <= 0 {
		c.RecordRetention = 24 * time.Hour
	}
	return c
}
