package transport

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelEmail      Channel = "email"
	ChannelWebPush    Channel = "web_push"
	ChannelMobilePush Channel = "mobile_push"
	ChannelInApp      Channel = "in_app"
	ChannelSMS        Channel = "sms"
	ChannelTelegram   Channel = "telegram"
)

// KnownChannels lists every channel in a stable order.
var KnownChannels = []Channel{ChannelEmail, ChannelWebPush, ChannelMobilePush, ChannelInApp, ChannelSMS, ChannelTelegram}

func (c Channel) Valid() bool {
	for _, k := range KnownChannels {
		if c == k {
			return true
		}
	}
	return false
}

func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case "push", "webpush":
		c = ChannelWebPush
	case "mobile", "fcm", "apns":
		c = ChannelMobilePush
	case "inapp", "in-app":
		c = ChannelInApp
	}
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, s)
	}
	return c, nil
}

// Priority: lower value is more urgent and is processed first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) Valid() bool { return p >= PriorityHigh && p <= PriorityLow }

// Urgent reports whether p bypasses throttling and quiet hours.
func (p Priority) Urgent() bool { return p == PriorityHigh }

// AtLeast reports whether p is at least as urgent as threshold.
// A zero threshold accepts everything.
func (p Priority) AtLeast(threshold Priority) bool {
	if threshold == 0 {
		return true
	}
	return p <= threshold
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return strconv.Itoa(int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical", "urgent", "1":
		return PriorityHigh, nil
	case "medium", "normal", "2":
		return PriorityMedium, nil
	case "low", "3":
		return PriorityLow, nil
	case "":
		return PriorityMedium, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// MarshalText encodes the zero value (no threshold) as "none".
func (p Priority) MarshalText() ([]byte, error) {
	if p == 0 {
		return []byte("none"), nil
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "none", "any", "0":
		*p = 0
		return nil
	}
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// UnmarshalJSON accepts both names ("high") and numbers (1).
func (p *Priority) UnmarshalJSON(b []byte) error {
	if s, err := strconv.Unquote(string(b)); err == nil {
		return p.UnmarshalText([]byte(s))
	}
	return p.UnmarshalText(b)
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

type Lane string

const (
	LanePriority Lane = "priority"
	LaneBatch    Lane = "batch"
	LaneStandard Lane = "standard"
)

// Lanes lists lanes in drain-preference order.
var Lanes = []Lane{LanePriority, LaneStandard, LaneBatch}

// LaneFor picks the lane for a notification. An explicit lane wins.
func LaneFor(n *Notification) Lane {
	switch n.Lane {
	case LanePriority, LaneBatch, LaneStandard:
		return n.Lane
	}
	switch n.Priority {
	case PriorityHigh:
		return LanePriority
	case PriorityLow:
		return LaneBatch
	default:
		return LaneStandard
	}
}

// Recipient is an addressable target resolved from user preferences.
type Recipient struct {
	UserID      string    `json:"user_id"`
	Address     string    `json:"address,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	ChatID      int64     `json:"chat_id,omitempty"`
	Channels    []Channel `json:"channels,omitempty"` // empty: all requested channels
}

// Key identifies the recipient inside results and digests.
func (r Recipient) Key() string {
	switch {
	case r.UserID != "":
		return r.UserID
	case r.Address != "":
		return r.Address
	case r.Phone != "":
		return r.Phone
	case r.ChatID != 0:
		return strconv.FormatInt(r.ChatID, 10)
	default:
		return ""
	}
}

func (r Recipient) Allows(ch Channel) bool {
	if len(r.Channels) == 0 {
		return true
	}
	for _, c := range r.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is one device endpoint for web or mobile push.
type Subscription struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Channel       Channel   `json:"channel"`
	Endpoint      string    `json:"endpoint,omitempty"`
	Keys          PushKeys  `json:"keys,omitempty"`
	Token         string    `json:"token,omitempty"`
	Platform      string    `json:"platform,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	DeactivatedAt time.Time `json:"deactivated_at,omitempty"`
}

// Notification is the hot-path unit of work.
type Notification struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	HTML        string            `json:"html,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	Priority    Priority          `json:"priority"`
	Channels    []Channel         `json:"channels"`
	Recipients  []Recipient       `json:"recipients"`
	Status      Status            `json:"status"`
	Lane        Lane              `json:"lane,omitempty"`
	ScheduledID string            `json:"scheduled_id,omitempty"`

	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ScheduledAt   time.Time `json:"scheduled_at,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`

	Results []DeliveryResult `json:"results,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	cp := *n
	if n.Data != nil {
		cp.Data = make(map[string]string, len(n.Data))
		for k, v := range n.Data {
			cp.Data[k] = v
		}
	}
	cp.Channels = append([]Channel(nil), n.Channels...)
	cp.Recipients = make([]Recipient, len(n.Recipients))
	for i, r := range n.Recipients {
		r.Channels = append([]Channel(nil), r.Channels...)
		cp.Recipients[i] = r
	}
	cp.Results = append([]DeliveryResult(nil), n.Results...)
	return &cp
}

// Due reports whether the notification may be delivered at now.
func (n *Notification) Due(now time.Time) bool {
	return n.ScheduledAt.IsZero() || !now.Before(n.ScheduledAt)
}

// Expired reports whether now is past a set expiry.
func (n *Notification) Expired(now time.Time) bool {
	return !n.ExpiresAt.IsZero() && now.After(n.ExpiresAt)
}

// AnySuccess reports whether any channel reached any recipient.
func (n *Notification) AnySuccess() bool {
	for _, r := range n.Results {
		if r.Success {
			return true
		}
	}
	return false
}

// ResultFor returns the latest result for a (channel, recipient) pair.
func (n *Notification) ResultFor(ch Channel, recipient string) (DeliveryResult, bool) {
	for i := len(n.Results) - 1; i >= 0; i-- {
		r := n.Results[i]
		if r.Channel == ch && r.Recipient == recipient {
			return r, true
		}
	}
	return DeliveryResult{}, false
}

// Pairs lists the (channel, recipient) deliveries the notification asks for.
func (n *Notification) Pairs() []Pair {
	out := make([]Pair, 0, len(n.Channels)*len(n.Recipients))
	for _, ch := range n.Channels {
		for _, r := range n.Recipients {
			if r.Allows(ch) {
				out = append(out, Pair{Channel: ch, Recipient: r})
			}
		}
	}
	return out
}

type Pair struct {
	Channel   Channel
	Recipient Recipient
}

var (
	idNamespace = uuid.MustParse("6f1c1a8e-3b0e-4f44-9a53-3c5c2f0d9e11")
	idSeq       atomic.Uint64
)

// NewID derives an id from the creation time and a hash of the content.
func NewID(createdAt time.Time, typ, subject, body string) string {
	h := sha1.New()
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(createdAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], idSeq.Add(1))
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(typ + "\x00" + subject + "\x00" + body))
	return uuid.NewSHA1(idNamespace, h.Sum(nil)).String()
}
