package notifier

import (
	"errors"
	"time"

	"notifycore/internal/delivery"
	"notifycore/internal/history"
	"notifycore/internal/ingest"
	"notifycore/internal/scheduler"
	"notifycore/internal/throttle"
	kit "notifycore/internal/transport"
)

var (
	ErrInvalid      = errors.New("invalid notification request")
	ErrNoRecipients = errors.New("no eligible recipients")
	ErrNotFound     = errors.New("notification not found")
	ErrStopped      = errors.New("notifier stopped")
)

// Config carries the facade's own knobs plus the engine and scheduler
// configs it builds with.
type Config struct {
	Delivery  delivery.Config
	Scheduler scheduler.Config
	Cleanup   history.CleanupConfig

	// DefaultChannels apply when a request names none.
	DefaultChannels []kit.Channel
	// DefaultRules maps a notification type (or "*") to a throttle rule for
	// users without their own entry.
	DefaultRules map[string]throttle.Rule
	// Limits override the throttle window sizes per rule.
	Limits map[throttle.Rule]throttle.Limit
	// Routes map ingest topics to notification templates.
	Routes map[string]ingest.Route

	FlushInterval time.Duration // dirty preference flush, default 30s
	SweepInterval time.Duration // throttle window sweep, default 10m
}

func (c Config) withDefaults() Config {
	if len(c.DefaultChannels) == 0 {
		c.DefaultChannels = []kit.Channel{kit.ChannelInApp}
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
	return c
}

// SendRequest asks for an immediate (or delayed) notification. An empty
// Recipients list targets every user with stored preferences.
type SendRequest struct {
	Type        string            `json:"type"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	HTML        string            `json:"html,omitempty"`
	Priority    kit.Priority      `json:"priority,omitempty"`
	Channels    []kit.Channel     `json:"channels,omitempty"`
	Recipients  []string          `json:"recipients,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	ScheduledAt time.Time         `json:"scheduled_at,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	Lane        kit.Lane          `json:"lane,omitempty"`
}

// ScheduleRequest creates a scheduled, optionally recurring, notification.
type ScheduleRequest struct {
	Type        string                `json:"type"`
	Subject     string                `json:"subject"`
	Template    string                `json:"template"`
	Context     map[string]any        `json:"context,omitempty"`
	ScheduledAt time.Time             `json:"scheduled_at"`
	Recurring   bool                  `json:"recurring,omitempty"`
	Pattern     scheduler.Pattern     `json:"pattern,omitempty"`
	Conditions  []scheduler.Condition `json:"conditions,omitempty"`
	Priority    kit.Priority          `json:"priority,omitempty"`
	Channels    []kit.Channel         `json:"channels,omitempty"`
	Recipients  []string              `json:"recipients,omitempty"`
	Data        map[string]string     `json:"data,omitempty"`
	MaxAttempts int                   `json:"max_attempts,omitempty"`
}

// StatusRecord answers a status lookup. Exactly one of Notification or
// Scheduled is set.
type StatusRecord struct {
	ID           string               `json:"id"`
	Kind         string               `json:"kind"` // "notification" or "scheduled"
	Status       string               `json:"status"`
	Notification *kit.Notification    `json:"notification,omitempty"`
	Scheduled    *scheduler.Scheduled `json:"scheduled,omitempty"`
	History      []history.Entry      `json:"history,omitempty"`
}
