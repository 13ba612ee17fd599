// Package webpush delivers notifications to browser push subscriptions using
// VAPID-signed Web Push requests.
package webpush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	wp "github.com/SherClockHolmes/webpush-go"

	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string // mailto: or https: contact for the push service
	TTL             time.Duration
}

// sendFunc matches webpush.SendNotificationWithContext.
type sendFunc func(ctx context.Context, msg []byte, s *wp.Subscription, o *wp.Options) (*http.Response, error)

type Dispatcher struct {
	cfg  Config
	subs kit.SubscriptionSource
	log  logx.Logger
	send sendFunc
	http wp.HTTPClient
	now  func() time.Time
}

func New(cfg Config, subs kit.SubscriptionSource, log logx.Logger) (*Dispatcher, error) {
	if strings.TrimSpace(cfg.VAPIDPublicKey) == "" || strings.TrimSpace(cfg.VAPIDPrivateKey) == "" {
		return nil, errors.New("web push requires VAPID keys")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Dispatcher{
		cfg:  cfg,
		subs: subs,
		log:  log,
		send: wp.SendNotificationWithContext,
		http: &http.Client{Timeout: 30 * time.Second},
		now:  time.Now,
	}, nil
}

func (d *Dispatcher) Channel() kit.Channel { return kit.ChannelWebPush }

// payload is what the service worker receives.
type payload struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Priority string            `json:"priority"`
	Data     map[string]string `json:"data,omitempty"`
	URL      string            `json:"url,omitempty"`
}

func (d *Dispatcher) Deliver(ctx context.Context, n *kit.Notification, r kit.Recipient) kit.DeliveryResult {
	subs := d.subs.Active(r.UserID, kit.ChannelWebPush)
	if len(subs) == 0 {
		return kit.Failed(kit.ChannelWebPush, r.Key(), kit.ErrNoAddress, d.now())
	}
	msg, err := json.Marshal(payload{
		ID: n.ID, Type: n.Type, Title: n.Subject, Body: n.Body,
		Priority: n.Priority.String(), Data: n.Data, URL: n.Data["url"],
	})
	if err != nil {
		return kit.Failed(kit.ChannelWebPush, r.Key(), err, d.now())
	}

	opts := &wp.Options{
		HTTPClient:      d.http,
		Subscriber:      d.cfg.Subscriber,
		TTL:             int(d.cfg.TTL.Seconds()),
		Urgency:         urgency(n.Priority),
		VAPIDPublicKey:  d.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: d.cfg.VAPIDPrivateKey,
	}

	var (
		delivered int
		lastErr   error
	)
	for _, s := range subs {
		err := d.push(ctx, msg, s, opts)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, kit.ErrInvalidEndpoint):
			if derr := d.subs.Deactivate(ctx, s.ID); derr != nil {
				d.log.Warn("deactivate subscription failed", logx.String("subscription_id", s.ID), logx.Err(derr))
			}
			lastErr = err
		default:
			d.log.Debug("web push failed", logx.String("subscription_id", s.ID), logx.Err(err))
			lastErr = err
		}
	}
	if delivered == 0 {
		return kit.Failed(kit.ChannelWebPush, r.Key(), lastErr, d.now())
	}
	return kit.Succeeded(kit.ChannelWebPush, r.Key(), fmt.Sprintf("%d/%d subscriptions", delivered, len(subs)), d.now())
}

func (d *Dispatcher) push(ctx context.Context, msg []byte, s kit.Subscription, opts *wp.Options) error {
	resp, err := d.send(ctx, msg, &wp.Subscription{
		Endpoint: s.Endpoint,
		Keys:     wp.Keys{Auth: s.Keys.Auth, P256dh: s.Keys.P256dh},
	}, opts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: push service returned %d", kit.ErrInvalidEndpoint, resp.StatusCode)
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}
	return nil
}

func urgency(p kit.Priority) wp.Urgency {
	switch p {
	case kit.PriorityHigh:
		return wp.UrgencyHigh
	case kit.PriorityLow:
		return wp.UrgencyLow
	default:
		return wp.UrgencyNormal
	}
}
