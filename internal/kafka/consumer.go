package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/events"
	"github.com/ariefcatur/order-fulfillment/internal/metrics"
	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxAttempts = 3

// Consumer implements events.Subscriber on a kafka consumer group. Offsets are committed
// manually once a message and every earlier one of its partition are handled or given up on.
type Consumer struct {
	brokers []string
	group   string
	workers int
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewConsumer(brokers []string, group string, workers int, log *zap.Logger, m *metrics.Metrics) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{brokers: brokers, group: group, workers: workers, log: log, metrics: m}
}

type reader interface {
	committer
	FetchMessage(ctx context.Context) (kafka.Message, error)
}

func (c *Consumer) Subscribe(ctx context.Context, topic string, h events.Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.brokers,
		GroupID:        c.group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	defer r.Close()

	log := c.log.With(zap.String("topic", topic), zap.String("group", c.group))
	log.Info("consumer started", zap.Int("workers", c.workers))
	return c.consume(ctx, log, topic, r, h)
}

func (c *Consumer) consume(ctx context.Context, log *zap.Logger, topic string, r reader, h events.Handler) error {
	offsets := newOffsetTracker()

	// one queue per worker, picked by key, keeps the messages of one order in sequence
	queues := make([]chan kafka.Message, c.workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range queues {
		q := make(chan kafka.Message, 64)
		queues[i] = q
		g.Go(func() error {
			for m := range q {
				if !c.handle(gctx, log, topic, m, h) {
					continue
				}
				upto, ok := offsets.done(m)
				if !ok {
					continue
				}
				if err := offsets.commit(gctx, r, upto); err != nil && gctx.Err() == nil {
					log.Error("commit failed",
						zap.Int("partition", upto.Partition),
						zap.Int64("offset", upto.Offset),
						zap.Error(err))
				}
			}
			return nil
		})
	}

	fetchErr := func() error {
		for {
			m, err := r.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			offsets.fetched(m)
			q := queues[xxhash.Sum64(m.Key)%uint64(len(queues))]
			select {
			case q <- m:
			case <-ctx.Done():
				return nil
			}
		}
	}()
	for _, q := range queues {
		close(q)
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return fetchErr
}

// handle reports whether the message is settled and its offset may be committed.
func (c *Consumer) handle(ctx context.Context, log *zap.Logger, topic string, m kafka.Message, h events.Handler) bool {
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		c.metrics.Message(topic, "poison")
		log.Error("undecodable message skipped", zap.Int64("offset", m.Offset), zap.Error(err))
		return true
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = h(ctx, env); err == nil {
			c.metrics.Message(topic, "ok")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		log.Warn("handler failed",
			zap.String("event_id", env.EventID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		case <-ctx.Done():
			return false
		}
	}
	c.metrics.Message(topic, "dropped")
	log.Error("message dropped after retries",
		zap.String("event_id", env.EventID),
		zap.String("type", env.EventType),
		zap.Error(err))
	return true
}
