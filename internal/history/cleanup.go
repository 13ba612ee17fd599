package history

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"notifycore/internal/storage"
	logx "notifycore/pkg/logx"
)

// CleanupConfig drives the retention job.
type CleanupConfig struct {
	Schedule  string        // cron spec or descriptor; default "@daily"
	Retention time.Duration // default 30 days
	// Extra collections pruned with the same cutoff (for example the
	// notification records).
	Extra []storage.Collection
}

func (c CleanupConfig) withDefaults() CleanupConfig {
	if c.Schedule == "" {
		c.Schedule = "@daily"
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

var cleanupParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec parses as a cleanup schedule.
func ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cleanupParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	return nil
}

// RunCleanup runs the retention job on its cron schedule until ctx ends.
func (h *History) RunCleanup(ctx context.Context, cfg CleanupConfig) error {
	cfg = cfg.withDefaults()
	c := cron.New(cron.WithParser(cleanupParser), cron.WithLocation(time.UTC))
	_, err := c.AddFunc(cfg.Schedule, func() {
		h.cleanupOnce(ctx, cfg)
	})
	if err != nil {
		return fmt.Errorf("history cleanup schedule %q: %w", cfg.Schedule, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

func (h *History) cleanupOnce(ctx context.Context, cfg CleanupConfig) {
	cutoff := h.now().Add(-cfg.Retention)
	removed := h.Cleanup(ctx, cutoff)
	for _, col := range cfg.Extra {
		if h.store == nil {
			break
		}
		if _, err := h.store.PruneBefore(ctx, col, cutoff); err != nil {
			h.log.Warn("prune failed", logx.String("collection", string(col)), logx.Err(err))
		}
	}
	h.log.Info("history cleanup done", logx.Int("removed", removed), logx.Time("cutoff", cutoff))
}
