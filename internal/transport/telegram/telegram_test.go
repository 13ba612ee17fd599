package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

type fakeBot struct {
	sent []string
	err  error
}

func (f *fakeBot) Send(_ tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, what.(string))
	return &tele.Message{ID: len(f.sent)}, nil
}

func TestDeliverSendsSubjectAndBody(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	d := newWithSender(Config{}, bot, logx.Nop())
	n := &kit.Notification{ID: "n1", Subject: "Hello", Body: "World"}
	res := d.Deliver(context.Background(), n, kit.Recipient{UserID: "u", ChatID: 42})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(bot.sent) != 1 || bot.sent[0] != "Hello\n\nWorld" {
		t.Fatalf("sent = %q", bot.sent)
	}
	if res.Response != "message_id=1" {
		t.Fatalf("response = %q", res.Response)
	}
}

func TestDeliverWithoutChatID(t *testing.T) {
	t.Parallel()
	d := newWithSender(Config{}, &fakeBot{}, logx.Nop())
	res := d.Deliver(context.Background(), &kit.Notification{}, kit.Recipient{UserID: "u"})
	if res.Success || res.Failure != kit.FailureRecipient {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDeliverTransportError(t *testing.T) {
	t.Parallel()
	d := newWithSender(Config{}, &fakeBot{err: errors.New("network down")}, logx.Nop())
	res := d.Deliver(context.Background(), &kit.Notification{Body: "x"}, kit.Recipient{ChatID: 1})
	if res.Success || res.Failure != kit.FailureTransport || !strings.Contains(res.Message, "network down") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("a", 30)
	s := strings.Repeat(line+"\n", 10)
	chunks := splitText(s, 100, "")
	if len(chunks) < 3 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk too long: %d", len(c))
		}
		if strings.HasPrefix(c, "\n") {
			t.Fatal("chunk starts with newline")
		}
	}
}

func TestSplitTextShort(t *testing.T) {
	t.Parallel()
	if got := splitText("hi", 100, ""); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("got %q", got)
	}
}
