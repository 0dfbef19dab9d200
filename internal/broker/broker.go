// Package broker opens the saga event transport named by BROKER and runs a process's
// consumers on it.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/order-fulfillment/internal/config"
	"github.com/ariefcatur/order-fulfillment/internal/events"
	"github.com/ariefcatur/order-fulfillment/internal/kafka"
	"github.com/ariefcatur/order-fulfillment/internal/metrics"
	"github.com/ariefcatur/order-fulfillment/internal/rabbitmq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Bus publishes and consumes envelopes on one transport.
type Bus interface {
	events.Publisher
	events.Subscriber
	Close() error
}

type kafkaBus struct {
	*kafka.Producer
	*kafka.Consumer
}

// Open connects to the configured broker. Consumers join cfg.Group().
func Open(cfg config.Config, log *zap.Logger, m *metrics.Metrics) (Bus, error) {
	switch cfg.Broker {
	case "kafka":
		return kafkaBus{
			Producer: kafka.NewProducer(cfg.KafkaBrokers),
			Consumer: kafka.NewConsumer(cfg.KafkaBrokers, cfg.Group(), cfg.ConsumerWorkers, log, m),
		}, nil
	case "rabbitmq":
		c, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQExchange, cfg.Group(), log, m)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

// Consume subscribes every route and blocks until ctx is done or a subscription fails.
// Each handler is deduplicated per consumer and runs with panics turned into errors, so
// a broken message is retried or dropped by the transport instead of killing the process.
func Consume(ctx context.Context, sub events.Subscriber, routes map[string]events.Handler,
	d events.Deduper, consumer string, log *zap.Logger) error {
	if len(routes) == 0 {
		return errors.New("no routes to consume")
	}
	g, gctx := errgroup.WithContext(ctx)
	for topic, h := range routes {
		topic, h := topic, h
		h = events.Isolate(log, events.Idempotent(d, consumer, log.With(zap.String("topic", topic)), h))
		g.Go(func() error {
			if err := sub.Subscribe(gctx, topic, h); err != nil {
				return fmt.Errorf("consume %s: %w", topic, err)
			}
			return nil
		})
	}
	return g.Wait()
}
