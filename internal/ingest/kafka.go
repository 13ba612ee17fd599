package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	logx "notifycore/pkg/logx"
)

type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	MaxWait time.Duration // default 500ms
	// Retries of a failing handler before the message is committed anyway.
	Retries int // default 3
}

// Kafka consumes a consumer group and commits after handling.
type Kafka struct {
	cfg    KafkaConfig
	reader *kafka.Reader
	handle Handler
	log    logx.Logger
}

func NewKafka(cfg KafkaConfig, h Handler, log logx.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka ingest requires at least one broker")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka ingest requires group id")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafka ingest requires at least one topic")
	}
	if h == nil {
		return nil, fmt.Errorf("kafka ingest requires a handler")
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     cfg.MaxWait,
	})
	return &Kafka{cfg: cfg, reader: reader, handle: h, log: log}, nil
}

// Run fetches, handles and commits until ctx ends.
func (k *Kafka) Run(ctx context.Context) error {
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		k.process(ctx, msg)
		if err := k.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

// process handles one message, retrying transient handler errors with a
// short linear backoff. Every message is committed afterwards.
func (k *Kafka) process(ctx context.Context, msg kafka.Message) outcome {
	ev, err := Decode(msg.Topic, msg.Value)
	if err != nil {
		k.log.Warn("drop kafka message", logx.String("topic", msg.Topic), logx.Int64("offset", msg.Offset), logx.Err(err))
		return drop
	}
	for attempt := 1; ; attempt++ {
		err = k.handle(ctx, ev)
		o := classify(err)
		if o != requeue {
			if errors.Is(err, ErrNoRoute) {
				k.log.Debug("ignore unrouted kafka message", logx.String("topic", msg.Topic))
			}
			return o
		}
		if attempt >= k.cfg.Retries || ctx.Err() != nil {
			k.log.Error("kafka message failed", logx.String("topic", msg.Topic), logx.Int64("offset", msg.Offset), logx.Int("attempts", attempt), logx.Err(err))
			return drop
		}
		t := time.NewTimer(time.Duration(attempt) * 200 * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
}

func (k *Kafka) Close() error { return k.reader.Close() }
