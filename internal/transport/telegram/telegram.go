// Package telegram delivers notifications as Telegram messages through the Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

type Config struct {
	Token     string
	ParseMode string // "", "HTML" or "MarkdownV2"
	APIURL    string
}

// sender is the part of *tele.Bot the dispatcher needs.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Dispatcher struct {
	cfg Config
	log logx.Logger
	bot sender
	now func() time.Time
}

// New builds an offline bot: it sends but never polls for updates.
func New(cfg Config, log logx.Logger) (*Dispatcher, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return newWithSender(cfg, b, log), nil
}

func newWithSender(cfg Config, s sender, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{cfg: cfg, log: log, bot: s, now: time.Now}
}

func (d *Dispatcher) Channel() kit.Channel { return kit.ChannelTelegram }

func (d *Dispatcher) Deliver(ctx context.Context, n *kit.Notification, r kit.Recipient) kit.DeliveryResult {
	if r.ChatID == 0 {
		return kit.Failed(kit.ChannelTelegram, r.Key(), kit.ErrNoAddress, d.now())
	}
	chunks := splitText(formatText(n), textLimit, d.cfg.ParseMode)
	chat := &tele.Chat{ID: r.ChatID}

	var first int
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return kit.Failed(kit.ChannelTelegram, r.Key(), err, d.now())
		}
		msg, err := d.bot.Send(chat, chunk, &tele.SendOptions{ParseMode: d.cfg.ParseMode, DisableWebPagePreview: true})
		if err != nil {
			if errors.Is(err, tele.ErrChatNotFound) || errors.Is(err, tele.ErrBlockedByUser) {
				err = fmt.Errorf("%w: %v", kit.ErrNoAddress, err)
			}
			return kit.Failed(kit.ChannelTelegram, r.Key(), err, d.now())
		}
		if i == 0 && msg != nil {
			first = msg.ID
		}
	}
	d.log.Debug("telegram message sent", logx.String("notification_id", n.ID), logx.Int64("chat_id", r.ChatID), logx.Int("parts", len(chunks)))
	return kit.Succeeded(kit.ChannelTelegram, r.Key(), "message_id="+strconv.Itoa(first), d.now())
}

func formatText(n *kit.Notification) string {
	switch {
	case n.Subject == "":
		return n.Body
	case n.Body == "":
		return n.Subject
	default:
		return n.Subject + "\n\n" + n.Body
	}
}

const textLimit = 4000

// splitText splits long messages into chunks Telegram accepts. It prefers
// newline boundaries and, in HTML mode, avoids cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
