// Package mobilepush fans a notification out to a user's registered device
// tokens through a pluggable Sender (FCM, APNs, ...).
package mobilepush

import (
	"context"
	"errors"
	"fmt"
	"time"

	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

// Message is the provider-neutral push payload.
type Message struct {
	Token    string
	Platform string
	Title    string
	Body     string
	Priority kit.Priority
	Data     map[string]string
}

// Sender talks to a push provider. Errors wrapping kit.ErrInvalidEndpoint mark
// the token as dead.
type Sender interface {
	Send(ctx context.Context, m Message) (messageID string, err error)
}

// LogSender only logs. It stands in until a provider is configured.
type LogSender struct {
	Log logx.Logger
}

func (s LogSender) Send(_ context.Context, m Message) (string, error) {
	s.Log.Info("mobile push (log sender)",
		logx.String("platform", m.Platform),
		logx.String("title", m.Title),
		logx.String("priority", m.Priority.String()),
	)
	return "log-" + fmt.Sprint(time.Now().UnixNano()), nil
}

type Dispatcher struct {
	sender Sender
	subs   kit.SubscriptionSource
	log    logx.Logger
	now    func() time.Time
}

func New(sender Sender, subs kit.SubscriptionSource, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sender == nil {
		sender = LogSender{Log: log}
	}
	return &Dispatcher{sender: sender, subs: subs, log: log, now: time.Now}
}

func (d *Dispatcher) Channel() kit.Channel { return kit.ChannelMobilePush }

func (d *Dispatcher) Deliver(ctx context.Context, n *kit.Notification, r kit.Recipient) kit.DeliveryResult {
	subs := d.subs.Active(r.UserID, kit.ChannelMobilePush)
	if len(subs) == 0 {
		return kit.Failed(kit.ChannelMobilePush, r.Key(), kit.ErrNoAddress, d.now())
	}

	var (
		ids     []string
		lastErr error
	)
	for _, s := range subs {
		id, err := d.sender.Send(ctx, Message{
			Token:    s.Token,
			Platform: s.Platform,
			Title:    n.Subject,
			Body:     n.Body,
			Priority: n.Priority,
			Data:     n.Data,
		})
		if err != nil {
			if errors.Is(err, kit.ErrInvalidEndpoint) {
				if derr := d.subs.Deactivate(ctx, s.ID); derr != nil {
					d.log.Warn("deactivate device token failed", logx.String("subscription_id", s.ID), logx.Err(derr))
				}
			}
			lastErr = err
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return kit.Failed(kit.ChannelMobilePush, r.Key(), lastErr, d.now())
	}
	return kit.Succeeded(kit.ChannelMobilePush, r.Key(), fmt.Sprintf("%d/%d devices", len(ids), len(subs)), d.now())
}
