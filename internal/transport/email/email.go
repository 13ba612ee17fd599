// Package email delivers notifications over SMTP.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Dispatcher struct {
	cfg  Config
	auth smtp.Auth
	send sendMailFunc
	log  logx.Logger
	now  func() time.Time
}

func New(cfg Config, log logx.Logger) (*Dispatcher, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, errors.New("missing email configuration: host or port is empty")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", cfg.From, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &Dispatcher{cfg: cfg, auth: auth, send: smtp.SendMail, log: log, now: time.Now}, nil
}

func (d *Dispatcher) Channel() kit.Channel { return kit.ChannelEmail }

func (d *Dispatcher) Deliver(ctx context.Context, n *kit.Notification, r kit.Recipient) kit.DeliveryResult {
	to, err := mail.ParseAddress(strings.TrimSpace(r.Address))
	if err != nil || r.Address == "" {
		return kit.Failed(kit.ChannelEmail, r.Key(), fmt.Errorf("%w: invalid email address %q", kit.ErrNoAddress, r.Address), d.now())
	}
	if r.DisplayName != "" {
		to.Name = r.DisplayName
	}
	msg, err := d.compose(n, to)
	if err != nil {
		return kit.Failed(kit.ChannelEmail, r.Key(), err, d.now())
	}

	addr := d.cfg.Host + ":" + strconv.Itoa(d.cfg.Port)
	done := make(chan error, 1)
	go func() { done <- d.send(addr, d.auth, d.cfg.From, []string{to.Address}, msg) }()

	select {
	case <-ctx.Done():
		return kit.Failed(kit.ChannelEmail, r.Key(), ctx.Err(), d.now())
	case err := <-done:
		if err != nil {
			return kit.Failed(kit.ChannelEmail, r.Key(), fmt.Errorf("failed to send email to %s: %w", to.Address, err), d.now())
		}
	}
	d.log.Debug("email sent", logx.String("notification_id", n.ID), logx.String("to", to.Address))
	return kit.Succeeded(kit.ChannelEmail, r.Key(), "accepted by "+d.cfg.Host, d.now())
}

// compose builds a RFC 5322 message; with an HTML body it is multipart/alternative.
func (d *Dispatcher) compose(n *kit.Notification, to *mail.Address) ([]byte, error) {
	var buf bytes.Buffer
	from := mail.Address{Name: d.cfg.FromName, Address: d.cfg.From}

	hdr := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	hdr("From", from.String())
	hdr("To", to.String())
	hdr("Subject", mime.QEncoding.Encode("utf-8", n.Subject))
	hdr("Date", d.now().Format(time.RFC1123Z))
	hdr("MIME-Version", "1.0")
	if n.ID != "" {
		hdr("X-Notification-ID", n.ID)
	}
	if n.Priority.Urgent() {
		hdr("X-Priority", "1")
		hdr("Importance", "high")
	}

	if n.HTML == "" {
		hdr("Content-Type", `text/plain; charset="utf-8"`)
		buf.WriteString("\r\n")
		buf.WriteString(n.Body)
		buf.WriteString("\r\n")
		return buf.Bytes(), nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, part := range []struct{ ctype, content string }{
		{`text/plain; charset="utf-8"`, n.Body},
		{`text/html; charset="utf-8"`, n.HTML},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.ctype}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(part.content)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	hdr("Content-Type", `multipart/alternative; boundary="`+mw.Boundary()+`"`)
	buf.WriteString("\r\n")
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}
