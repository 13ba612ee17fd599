// Package sms delivers notifications as text messages through Twilio.
package sms

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

type Config struct {
	AccountSID string
	AuthToken  string
	From       string
	MaxLength  int // body is truncated to this many runes; 0 means 1600
}

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidNumber reports whether s is an E.164 phone number.
func ValidNumber(s string) bool { return e164.MatchString(s) }

type messageAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

type Dispatcher struct {
	cfg Config
	api messageAPI
	log logx.Logger
	now func() time.Time
}

func New(cfg Config, log logx.Logger) (*Dispatcher, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("sms requires twilio account sid and auth token")
	}
	if !ValidNumber(cfg.From) {
		return nil, fmt.Errorf("invalid sms sender number: %q", cfg.From)
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newWithAPI(cfg, client.Api, log), nil
}

func newWithAPI(cfg Config, api messageAPI, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 1600
	}
	return &Dispatcher{cfg: cfg, api: api, log: log, now: time.Now}
}

func (d *Dispatcher) Channel() kit.Channel { return kit.ChannelSMS }

func (d *Dispatcher) Deliver(ctx context.Context, n *kit.Notification, r kit.Recipient) kit.DeliveryResult {
	to := strings.TrimSpace(r.Phone)
	if !ValidNumber(to) {
		return kit.Failed(kit.ChannelSMS, r.Key(), fmt.Errorf("%w: invalid phone number %q", kit.ErrNoAddress, to), d.now())
	}
	body := truncate(smsText(n), d.cfg.MaxLength)
	from := d.cfg.From
	params := &twilioApi.CreateMessageParams{To: &to, From: &from, Body: &body}

	type outcome struct {
		msg *twilioApi.ApiV2010Message
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		msg, err := d.api.CreateMessage(params)
		done <- outcome{msg, err}
	}()

	select {
	case <-ctx.Done():
		return kit.Failed(kit.ChannelSMS, r.Key(), ctx.Err(), d.now())
	case o := <-done:
		if o.err != nil {
			return kit.Failed(kit.ChannelSMS, r.Key(), classify(o.err), d.now())
		}
		sid := ""
		if o.msg != nil && o.msg.Sid != nil {
			sid = *o.msg.Sid
		}
		d.log.Debug("sms sent", logx.String("notification_id", n.ID), logx.String("sid", sid))
		return kit.Succeeded(kit.ChannelSMS, r.Key(), sid, d.now())
	}
}

// classify marks Twilio's "bad recipient" codes as recipient failures so they
// do not trip the circuit breaker.
func classify(err error) error {
	var te *twclient.TwilioRestError
	if errors.As(err, &te) {
		switch te.Code {
		case 21211, 21214, 21610, 21614:
			return fmt.Errorf("%w: %s", kit.ErrNoAddress, te.Message)
		}
	}
	return fmt.Errorf("twilio: %w", err)
}

func smsText(n *kit.Notification) string {
	if n.Subject == "" {
		return n.Body
	}
	if n.Body == "" {
		return n.Subject
	}
	return n.Subject + ": " + n.Body
}

func truncate(s string, max int) string {
	rs := []rune(s)
	if len(rs) <= max {
		return s
	}
	return string(rs[:max-1]) + "…"
}
