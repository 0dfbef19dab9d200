// Package rabbitmq is the AMQP transport for saga events: one durable topic exchange,
// routing key = topic name, one durable queue per (consumer group, topic). Rejected
// messages go through "<exchange>.dlx" to a "<queue>.dead" queue.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/apperr"
	"github.com/ariefcatur/order-fulfillment/internal/events"
	"github.com/ariefcatur/order-fulfillment/internal/metrics"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const (
	dialAttempts = 5
	dialDelay    = 2 * time.Second
)

type Client struct {
	url      string
	exchange string
	group    string
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu   sync.Mutex // guards conn and pub; amqp channels are not safe for concurrent publish
	conn *amqp.Connection
	pub  *amqp.Channel
}

func Dial(url, exchange, group string, log *zap.Logger, m *metrics.Metrics) (*Client, error) {
	c := &Client{url: url, exchange: exchange, group: group, log: log, metrics: m}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	var err error
	for i := 1; i <= dialAttempts; i++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(c.url)
		if err == nil {
			var ch *amqp.Channel
			if ch, err = conn.Channel(); err == nil {
				if err = ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err == nil {
					c.conn, c.pub = conn, ch
					c.log.Info("rabbitmq connected", zap.String("exchange", c.exchange))
					return nil
				}
				ch.Close()
			}
			conn.Close()
		}
		c.log.Warn("rabbitmq connect failed", zap.Int("attempt", i), zap.Error(err))
		if i < dialAttempts {
			time.Sleep(dialDelay)
		}
	}
	return fmt.Errorf("connect rabbitmq: %w", err)
}

// Publish sends a persistent message; a dropped connection is re-dialled once.
func (c *Client) Publish(ctx context.Context, topic string, env events.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.EventID,
		CorrelationId: env.CorrelationID,
		Timestamp:     env.OccurredAt,
		Type:          env.EventType,
		Body:          body,
		Headers: amqp.Table{
			"x-event-type":    env.EventType,
			"x-event-version": int32(env.EventVersion),
		},
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.conn == nil || c.conn.IsClosed() {
		if err := c.connect(); err != nil {
			return apperr.Transient(err, "publish %s to %s", env.EventType, topic)
		}
	}
	if err := c.pub.Publish(c.exchange, topic, false, false, msg); err != nil {
		return apperr.Transient(err, "publish %s to %s", env.EventType, topic)
	}
	return nil
}

// Subscribe consumes the group's queue for topic on its own channel until ctx is done.
func (c *Client) Subscribe(ctx context.Context, topic string, h events.Handler) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return apperr.Transient(amqp.ErrClosed, "subscribe %s", topic)
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	queue, err := c.declareQueue(ch, topic)
	if err != nil {
		return err
	}
	if err := ch.Qos(16, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, c.group, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	log := c.log.With(zap.String("queue", queue))
	log.Info("consumer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return apperr.Transient(amqp.ErrClosed, "deliveries closed for %s", queue)
			}
			c.handle(ctx, log, topic, d, h)
		}
	}
}

// topology is the declaring half of *amqp.Channel.
type topology interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// declareQueue declares the group's queue for topic together with its dead-letter queue
// and returns the queue name.
func (c *Client) declareQueue(ch topology, topic string) (string, error) {
	queue := c.group + "." + topic
	dlx := c.exchange + ".dlx"
	dead := queue + ".dead"

	if err := ch.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare exchange %s: %w", dlx, err)
	}
	if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare queue %s: %w", dead, err)
	}
	if err := ch.QueueBind(dead, queue, dlx, false, nil); err != nil {
		return "", fmt.Errorf("bind queue %s: %w", dead, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": queue,
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, topic, c.exchange, false, nil); err != nil {
		return "", fmt.Errorf("bind queue %s: %w", queue, err)
	}
	return queue, nil
}

func (c *Client) handle(ctx context.Context, log *zap.Logger, topic string, d amqp.Delivery, h events.Handler) {
	var env events.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		c.metrics.Message(topic, "poison")
		log.Error("undecodable message dead-lettered", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if err := h(ctx, env); err != nil {
		// one redelivery, then the queue dead-letters it to <queue>.dead
		if d.Redelivered {
			c.metrics.Message(topic, "dropped")
			log.Error("message dead-lettered", zap.String("event_id", env.EventID), zap.Error(err))
			_ = d.Nack(false, false)
			return
		}
		c.metrics.Message(topic, "retry")
		log.Warn("handler failed, requeueing", zap.String("event_id", env.EventID), zap.Error(err))
		_ = d.Nack(false, true)
		return
	}
	c.metrics.Message(topic, "ok")
	_ = d.Ack(false)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if c.pub != nil {
		_ = c.pub.Close()
	}
	return c.conn.Close()
}
