// Package preference holds per-user delivery preferences and the filtering
// rules derived from them.
package preference

import (
	"errors"
	"fmt"
	"time"

	"notifycore/internal/throttle"
	kit "notifycore/internal/transport"
)

var ErrInvalid = errors.New("invalid preferences")

// Contact is where a user can be reached.
type Contact struct {
	Email          string `json:"email,omitempty"`
	Name           string `json:"name,omitempty"`
	Phone          string `json:"phone,omitempty"`
	TelegramChatID int64  `json:"telegram_chat_id,omitempty"`
}

// QuietHours is an hour range in the user's timezone. Both ends are inclusive;
// a range with Start > End wraps midnight.
type QuietHours struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// Contains reports whether hour h falls inside the range.
func (q QuietHours) Contains(h int) bool {
	if q.StartHour <= q.EndHour {
		return h >= q.StartHour && h <= q.EndHour
	}
	return h >= q.StartHour || h <= q.EndHour
}

type UserPreferences struct {
	UserID  string  `json:"user_id"`
	Enabled bool    `json:"enabled"`
	Contact Contact `json:"contact"`

	// Channels: absent means enabled.
	Channels map[kit.Channel]bool `json:"channels,omitempty"`
	// Types holds explicit per-type switches. EnabledTypes, when non-empty,
	// is an allow-list.
	Types        map[string]bool `json:"types,omitempty"`
	EnabledTypes []string        `json:"enabled_types,omitempty"`

	PriorityThreshold kit.Priority             `json:"priority_threshold"`
	QuietHours        *QuietHours              `json:"quiet_hours,omitempty"`
	Timezone          string                   `json:"timezone,omitempty"`
	Throttle          map[string]throttle.Rule `json:"throttle,omitempty"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

// Defaults is what an unknown user gets: everything enabled, no threshold.
func Defaults(userID string) UserPreferences {
	return UserPreferences{UserID: userID, Enabled: true}
}

// Clone deep-copies the maps and slices.
func (p UserPreferences) Clone() UserPreferences {
	cp := p
	if p.Channels != nil {
		cp.Channels = make(map[kit.Channel]bool, len(p.Channels))
		for k, v := range p.Channels {
			cp.Channels[k] = v
		}
	}
	if p.Types != nil {
		cp.Types = make(map[string]bool, len(p.Types))
		for k, v := range p.Types {
			cp.Types[k] = v
		}
	}
	cp.EnabledTypes = append([]string(nil), p.EnabledTypes...)
	if p.QuietHours != nil {
		q := *p.QuietHours
		cp.QuietHours = &q
	}
	if p.Throttle != nil {
		cp.Throttle = make(map[string]throttle.Rule, len(p.Throttle))
		for k, v := range p.Throttle {
			cp.Throttle[k] = v
		}
	}
	return cp
}

// Validate checks ranges and names. It does not touch UpdatedAt.
func (p UserPreferences) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: user id is empty", ErrInvalid)
	}
	if p.PriorityThreshold != 0 && !p.PriorityThreshold.Valid() {
		return fmt.Errorf("%w: priority threshold %d out of range", ErrInvalid, p.PriorityThreshold)
	}
	if q := p.QuietHours; q != nil {
		if q.StartHour < 0 || q.StartHour > 23 || q.EndHour < 0 || q.EndHour > 23 {
			return fmt.Errorf("%w: quiet hours must be within 0-23", ErrInvalid)
		}
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("%w: timezone %q: %v", ErrInvalid, p.Timezone, err)
		}
	}
	for ch := range p.Channels {
		if !ch.Valid() {
			return fmt.Errorf("%w: %v %q", ErrInvalid, kit.ErrUnknownChannel, ch)
		}
	}
	for typ, r := range p.Throttle {
		if _, err := throttle.ParseRule(string(r)); err != nil {
			return fmt.Errorf("%w: throttle for %q: %v", ErrInvalid, typ, err)
		}
	}
	return nil
}

// ShouldReceive applies the enable switch, the priority threshold and the
// type rules, in that order.
func ShouldReceive(p UserPreferences, typ string, prio kit.Priority) bool {
	if !p.Enabled {
		return false
	}
	if !prio.AtLeast(p.PriorityThreshold) {
		return false
	}
	if on, ok := p.Types[typ]; ok && !on {
		return false
	}
	if len(p.EnabledTypes) > 0 {
		for _, t := range p.EnabledTypes {
			if t == typ {
				return true
			}
		}
		return false
	}
	return true
}

// ChannelAllowed reports whether the user accepts ch.
func ChannelAllowed(p UserPreferences, ch kit.Channel) bool {
	on, ok := p.Channels[ch]
	return !ok || on
}

// IsQuietHours evaluates the quiet range against now in the user's timezone.
// Unknown timezones fall back to UTC.
func IsQuietHours(p UserPreferences, now time.Time) bool {
	if p.QuietHours == nil {
		return false
	}
	loc := time.UTC
	if p.Timezone != "" {
		if l, err := time.LoadLocation(p.Timezone); err == nil {
			loc = l
		}
	}
	return p.QuietHours.Contains(now.In(loc).Hour())
}

// RuleFor returns the throttle rule for typ: the user's own entry, then the
// configured defaults (exact type, then "*"), then none.
func RuleFor(p UserPreferences, typ string, defaults map[string]throttle.Rule) throttle.Rule {
	if r, ok := p.Throttle[typ]; ok && r != "" {
		return r
	}
	if r, ok := defaults[typ]; ok && r != "" {
		return r
	}
	if r, ok := defaults["*"]; ok && r != "" {
		return r
	}
	return throttle.None
}

// Recipient builds the delivery target for the allowed subset of channels.
// ok is false when none of the requested channels are allowed.
func Recipient(p UserPreferences, requested []kit.Channel) (kit.Recipient, bool) {
	r := kit.Recipient{
		UserID:      p.UserID,
		Address:     p.Contact.Email,
		DisplayName: p.Contact.Name,
		Phone:       p.Contact.Phone,
		ChatID:      p.Contact.TelegramChatID,
	}
	allowed := make([]kit.Channel, 0, len(requested))
	for _, ch := range requested {
		if ChannelAllowed(p, ch) {
			allowed = append(allowed, ch)
		}
	}
	if len(allowed) == 0 {
		return r, false
	}
	if len(allowed) < len(requested) {
		r.Channels = allowed
	}
	return r, true
}
