package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/apperr"
	"github.com/ariefcatur/order-fulfillment/internal/events"
	"github.com/segmentio/kafka-go"
)

// Producer writes envelopes to any topic. Writes are synchronous so a broker failure
// reaches the caller as a transient error instead of being dropped.
type Producer struct {
	w *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
}

func (p *Producer) Publish(ctx context.Context, topic string, env events.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   env.Key(),
		Value: b,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: "x-event-type", Value: []byte(env.EventType)},
			{Key: "x-event-version", Value: []byte(strconv.Itoa(env.EventVersion))},
		},
	})
	if err != nil {
		return apperr.Transient(err, "publish %s to %s", env.EventType, topic)
	}
	return nil
}

func (p *Producer) Close() error { return p.w.Close() }
