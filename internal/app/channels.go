package app

import (
	"fmt"
	"strings"
	"time"

	kit "notifycore/internal/transport"
	"notifycore/internal/transport/email"
	"notifycore/internal/transport/inapp"
	"notifycore/internal/transport/mobilepush"
	"notifycore/internal/transport/sms"
	"notifycore/internal/transport/telegram"
	"notifycore/internal/transport/webpush"
	logx "notifycore/pkg/logx"
)

// channelSet is the registry plus the in-app hub, which the HTTP surface
// needs for websocket upgrades. hub is nil when in-app is disabled.
type channelSet struct {
	registry *kit.Registry
	hub      *inapp.Hub
	enabled  []kit.Channel
}

// buildChannels constructs every enabled dispatcher and wraps it with its
// guard. Disabled channels stay unregistered.
func buildChannels(cfg *Config, subs kit.SubscriptionSource, log logx.Logger, clock func() time.Time) (*channelSet, error) {
	cc := cfg.Channels
	set := &channelSet{registry: kit.NewRegistry()}

	add := func(d kit.Dispatcher) error {
		gc, err := mapGuardConfig(cfg, d.Channel())
		if err != nil {
			return err
		}
		set.registry.Register(kit.Guard(d, gc, clock))
		set.enabled = append(set.enabled, d.Channel())
		return nil
	}
	compLog := func(ch kit.Channel) logx.Logger {
		return log.With(logx.String("comp", "transport"), logx.String("channel", string(ch)))
	}

	if c := cc.Email; c != nil && c.Enabled {
		port := c.Port
		if port == 0 {
			port = 587
		}
		d, err := email.New(email.Config{
			Host:     strings.TrimSpace(c.Host),
			Port:     port,
			Username: c.Username,
			Password: c.Password,
			From:     strings.TrimSpace(c.From),
			FromName: c.FromName,
		}, compLog(kit.ChannelEmail))
		if err != nil {
			return nil, fmt.Errorf("channels.email: %w", err)
		}
		if err := add(d); err != nil {
			return nil, err
		}
	}

	if c := cc.WebPush; c != nil && c.Enabled {
		ttl, err := parseDurationField("channels.web_push.ttl", c.TTL)
		if err != nil {
			return nil, err
		}
		d, err := webpush.New(webpush.Config{
			VAPIDPublicKey:  c.VAPIDPublicKey,
			VAPIDPrivateKey: c.VAPIDPrivateKey,
			Subscriber:      c.Subscriber,
			TTL:             ttl,
		}, subs, compLog(kit.ChannelWebPush))
		if err != nil {
			return nil, fmt.Errorf("channels.web_push: %w", err)
		}
		if err := add(d); err != nil {
			return nil, err
		}
	}

	if c := cc.MobilePush; c != nil && c.Enabled {
		l := compLog(kit.ChannelMobilePush)
		if err := add(mobilepush.New(mobilepush.LogSender{Log: l}, subs, l)); err != nil {
			return nil, err
		}
	}

	if c := cc.InApp; c != nil && c.Enabled {
		set.hub = inapp.NewHub(compLog(kit.ChannelInApp))
		if err := add(set.hub); err != nil {
			return nil, err
		}
	}

	if c := cc.SMS; c != nil && c.Enabled {
		d, err := sms.New(sms.Config{
			AccountSID: c.AccountSID,
			AuthToken:  c.AuthToken,
			From:       strings.TrimSpace(c.From),
			MaxLength:  c.MaxLength,
		}, compLog(kit.ChannelSMS))
		if err != nil {
			return nil, fmt.Errorf("channels.sms: %w", err)
		}
		if err := add(d); err != nil {
			return nil, err
		}
	}

	if c := cc.Telegram; c != nil && c.Enabled {
		d, err := telegram.New(telegram.Config{
			Token:     c.Token,
			ParseMode: c.ParseMode,
			APIURL:    c.APIURL,
		}, compLog(kit.ChannelTelegram))
		if err != nil {
			return nil, fmt.Errorf("channels.telegram: %w", err)
		}
		if err := add(d); err != nil {
			return nil, err
		}
	}

	return set, nil
}
