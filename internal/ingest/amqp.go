package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/streadway/amqp"

	logx "notifycore/pkg/logx"
)

type AMQPConfig struct {
	URL      string
	Exchange string // topic exchange, declared durable
	Queue    string
	Consumer string
	Topics   []string // routing keys bound to Queue
	Prefetch int      // default 16
}

// AMQP consumes a durable queue bound to a topic exchange with manual acks.
// Failed messages are requeued once, then dead-lettered.
type AMQP struct {
	cfg    AMQPConfig
	handle Handler
	log    logx.Logger
}

func NewAMQP(cfg AMQPConfig, h Handler, log logx.Logger) (*AMQP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp ingest requires a url")
	}
	if cfg.Exchange == "" || cfg.Queue == "" {
		return nil, fmt.Errorf("amqp ingest requires exchange and queue")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("amqp ingest requires at least one topic")
	}
	if h == nil {
		return nil, fmt.Errorf("amqp ingest requires a handler")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "notifycore"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AMQP{cfg: cfg, handle: h, log: log}, nil
}

// Run connects, consumes until ctx ends and returns an error when the broker
// connection drops so the caller can restart it.
func (a *AMQP) Run(ctx context.Context) error {
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	q, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	for _, key := range a.cfg.Topics {
		if err := ch.QueueBind(q.Name, key, a.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("queue bind (%s): %w", key, err)
		}
	}
	if err := ch.Qos(a.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(q.Name, a.cfg.Consumer, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	a.log.Info("amqp ingest consuming", logx.String("queue", q.Name), logx.Strs("topics", a.cfg.Topics))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-closed:
			if e == nil {
				return errors.New("amqp connection closed")
			}
			return fmt.Errorf("amqp connection closed: %w", e)
		case d, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			a.deliver(ctx, d)
		}
	}
}

func (a *AMQP) deliver(ctx context.Context, d amqp.Delivery) {
	topic := d.RoutingKey
	ev, err := Decode(topic, d.Body)
	if err == nil {
		err = a.handle(ctx, ev)
	}
	var ackErr error
	switch classify(err) {
	case ack:
		ackErr = d.Ack(false)
	case drop:
		a.log.Warn("drop amqp message", logx.String("topic", topic), logx.Err(err))
		ackErr = d.Nack(false, false)
	case requeue:
		again := !d.Redelivered
		a.log.Warn("amqp message failed", logx.String("topic", topic), logx.Bool("requeue", again), logx.Err(err))
		ackErr = d.Nack(false, again)
	}
	if ackErr != nil {
		a.log.Warn("amqp ack failed", logx.String("topic", topic), logx.Err(ackErr))
	}
}
