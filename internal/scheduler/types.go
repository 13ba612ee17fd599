package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	kit "notifycore/internal/transport"
)

var (
	ErrInvalid  = errors.New("invalid scheduled notification")
	ErrNotFound = errors.New("scheduled notification not found")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Pattern is a fixed-duration recurrence step.
type Pattern string

const (
	Daily   Pattern = "daily"
	Weekly  Pattern = "weekly"
	Monthly Pattern = "monthly"
)

func ParsePattern(s string) (Pattern, error) {
	p := Pattern(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case Daily, Weekly, Monthly:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown recurrence pattern %q", ErrInvalid, s)
}

// Step returns the pattern's duration. Monthly is 30 days, not a calendar
// month.
func (p Pattern) Step() time.Duration {
	switch p {
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	}
	return 0
}

func (p Pattern) Advance(t time.Time) time.Time { return t.Add(p.Step()) }

// Scheduled is a notification to be produced at ScheduledAt, optionally
// again on every pattern step.
type Scheduled struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Subject    string            `json:"subject"`
	Template   string            `json:"template"`
	Context    map[string]any    `json:"context,omitempty"`
	Priority   kit.Priority      `json:"priority"`
	Channels   []kit.Channel     `json:"channels,omitempty"`
	Recipients []string          `json:"recipients,omitempty"`
	Data       map[string]string `json:"data,omitempty"`

	ScheduledAt time.Time   `json:"scheduled_at"`
	Recurring   bool        `json:"recurring"`
	Pattern     Pattern     `json:"pattern,omitempty"`
	Conditions  []Condition `json:"conditions,omitempty"`

	Status             Status    `json:"status"`
	Attempts           int       `json:"attempts"`
	MaxAttempts        int       `json:"max_attempts"`
	LastError          string    `json:"last_error,omitempty"`
	LastNotificationID string    `json:"last_notification_id,omitempty"`
	Runs               int       `json:"runs"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (s Scheduled) clone() Scheduled {
	cp := s
	if s.Context != nil {
		cp.Context = make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			cp.Context[k] = v
		}
	}
	if s.Data != nil {
		cp.Data = make(map[string]string, len(s.Data))
		for k, v := range s.Data {
			cp.Data[k] = v
		}
	}
	cp.Channels = append([]kit.Channel(nil), s.Channels...)
	cp.Recipients = append([]string(nil), s.Recipients...)
	cp.Conditions = make([]Condition, len(s.Conditions))
	for i, c := range s.Conditions {
		cp.Conditions[i] = c.clone()
	}
	return cp
}

func (s Scheduled) validate() error {
	if strings.TrimSpace(s.Type) == "" {
		return fmt.Errorf("%w: type is empty", ErrInvalid)
	}
	if strings.TrimSpace(s.Template) == "" && strings.TrimSpace(s.Subject) == "" {
		return fmt.Errorf("%w: template and subject are empty", ErrInvalid)
	}
	if s.Priority != 0 && !s.Priority.Valid() {
		return fmt.Errorf("%w: %v %d", ErrInvalid, kit.ErrInvalidPriority, s.Priority)
	}
	for _, ch := range s.Channels {
		if !ch.Valid() {
			return fmt.Errorf("%w: %v %q", ErrInvalid, kit.ErrUnknownChannel, ch)
		}
	}
	if s.Recurring {
		if _, err := ParsePattern(string(s.Pattern)); err != nil {
			return err
		}
	} else if s.Pattern != "" {
		if _, err := ParsePattern(string(s.Pattern)); err != nil {
			return err
		}
	}
	for i, c := range s.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}
