package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"

	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

func TestDecode(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		topic string
		body  string
		want  string
		err   bool
	}{
		{"body-topic", "", `{"topic":"orders.shipped","user_ids":["u1"]}`, "orders.shipped", false},
		{"transport-wins", "billing.due", `{"topic":"x","user_ids":["u1"]}`, "billing.due", false},
		{"no-topic", "", `{"user_ids":["u1"]}`, "", true},
		{"bad-json", "t", `{`, "", true},
		{"bad-priority", "t", `{"priority":9}`, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ev, err := Decode(tc.topic, []byte(tc.body))
			if tc.err {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("err = %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil || ev.Topic != tc.want {
				t.Fatalf("got %+v, %v", ev, err)
			}
		})
	}
}

func TestDecodePriorityName(t *testing.T) {
	t.Parallel()
	ev, err := Decode("t", []byte(`{"priority":"high","payload":{"n":1}}`))
	if err != nil || ev.Priority != kit.PriorityHigh || ev.Payload["n"] != float64(1) {
		t.Fatalf("got %+v, %v", ev, err)
	}
}

func TestRouteValidate(t *testing.T) {
	t.Parallel()
	if err := (Route{Body: "hi"}).Validate(); err != nil {
		t.Fatal(err)
	}
	for _, r := range []Route{{}, {Body: "x", Priority: 7}, {Body: "x", Channels: []kit.Channel{"fax"}}} {
		if err := r.Validate(); err == nil {
			t.Fatalf("%+v: expected error", r)
		}
	}
}

type acker struct {
	acked, nacked, requeued int
}

func (a *acker) Ack(uint64, bool) error { a.acked++; return nil }
func (a *acker) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	if requeue {
		a.requeued++
	}
	return nil
}
func (a *acker) Reject(uint64, bool) error { a.nacked++; return nil }

func TestAMQPAckPolicy(t *testing.T) {
	t.Parallel()
	fail := errors.New("downstream")
	cases := []struct {
		name        string
		body        string
		redelivered bool
		handlerErr  error
		acked       int
		nacked      int
		requeued    int
	}{
		{"ok", `{"user_ids":["u"]}`, false, nil, 1, 0, 0},
		{"unrouted", `{}`, false, ErrNoRoute, 1, 0, 0},
		{"malformed", `nope`, false, nil, 0, 1, 0},
		{"first-failure", `{}`, false, fail, 0, 1, 1},
		{"second-failure", `{}`, true, fail, 0, 1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var seen Event
			a, err := NewAMQP(AMQPConfig{URL: "amqp://x", Exchange: "events", Queue: "q", Topics: []string{"#"}},
				func(_ context.Context, ev Event) error { seen = ev; return tc.handlerErr }, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			ack := &acker{}
			a.deliver(context.Background(), amqp.Delivery{Acknowledger: ack, RoutingKey: "orders.new", Body: []byte(tc.body), Redelivered: tc.redelivered})
			if ack.acked != tc.acked || ack.nacked != tc.nacked || ack.requeued != tc.requeued {
				t.Fatalf("acks = %+v", *ack)
			}
			if tc.body != "nope" && seen.Topic != "orders.new" {
				t.Fatalf("handler saw topic %q", seen.Topic)
			}
		})
	}
}

func TestKafkaProcessRetries(t *testing.T) {
	t.Parallel()
	calls := 0
	k, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "g", Topics: []string{"t"}, Retries: 2},
		func(context.Context, Event) error { calls++; return errors.New("busy") }, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer k.Close()
	if o := k.process(context.Background(), kafka.Message{Topic: "t", Value: []byte(`{}`)}); o != drop || calls != 2 {
		t.Fatalf("outcome %v after %d calls", o, calls)
	}
	if o := k.process(context.Background(), kafka.Message{Topic: "t", Value: []byte(`{`)}); o != drop || calls != 2 {
		t.Fatalf("malformed outcome %v, calls %d", o, calls)
	}
}

func TestConstructorsValidate(t *testing.T) {
	t.Parallel()
	h := func(context.Context, Event) error { return nil }
	if _, err := NewKafka(KafkaConfig{GroupID: "g", Topics: []string{"t"}}, h, logx.Nop()); err == nil {
		t.Fatal("kafka without brokers")
	}
	if _, err := NewAMQP(AMQPConfig{URL: "amqp://x", Exchange: "e", Queue: "q"}, h, logx.Nop()); err == nil {
		t.Fatal("amqp without topics")
	}
}
