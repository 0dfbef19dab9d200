// Package saga relays events between the fulfillment services. It keeps no state: every
// output is derived from one input, with an event id computed from the input id, so a
// redelivered input produces a duplicate that downstream dedup drops.
package saga

import (
	"context"
	"errors"

	"github.com/ariefcatur/order-fulfillment/internal/events"
	"go.uber.org/zap"
)

const DefaultOutOfStockReason = "PRODUCT OUT OF STOCK"

type Router struct {
	pub     events.Publisher
	log     *zap.Logger
	service string
}

func NewRouter(pub events.Publisher, log *zap.Logger, service string) (*Router, error) {
	if pub == nil {
		return nil, errors.New("saga: publisher is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if service == "" {
		service = "saga"
	}
	return &Router{pub: pub, log: log, service: service}, nil
}

// Routes maps each consumed topic to its relay.
func (r *Router) Routes() map[string]events.Handler {
	return map[string]events.Handler{
		events.TopicOrderCreated: r.RelayOrderCreated,
		events.TopicOutOfStock:   r.RelayOutOfStock,
	}
}

// RelayOrderCreated forwards order.created to inventory.stock-requested.
func (r *Router) RelayOrderCreated(ctx context.Context, env events.Envelope) error {
	p, err := events.Decode[events.OrderCreated](env)
	if err != nil {
		r.log.Error("drop malformed order event", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	return r.forward(ctx, env, events.TopicStockRequested, events.TypeStockRequested, p)
}

// RelayOutOfStock turns inventory.out-of-stock into an order.cancel-requested command.
func (r *Router) RelayOutOfStock(ctx context.Context, env events.Envelope) error {
	p, err := events.Decode[events.OutOfStock](env)
	if err != nil {
		r.log.Error("drop malformed out-of-stock event", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	reason := p.Reason
	if reason == "" {
		reason = DefaultOutOfStockReason
	}
	return r.forward(ctx, env, events.TopicOrderCancelRequested, events.TypeOrderCancelRequested,
		events.CancelOrderRequested{OrderID: p.OrderID, UserID: p.UserID, Reason: reason})
}

func (r *Router) forward(ctx context.Context, src events.Envelope, topic, eventType string, payload any) error {
	out, err := events.Derive(src, eventType, r.service, payload)
	if err != nil {
		r.log.Error("drop unrelayable event", zap.String("event_id", src.EventID), zap.Error(err))
		return nil
	}
	if err := r.pub.Publish(ctx, topic, out); err != nil {
		// returning the error leaves the input unacknowledged, so it is relayed again
		return err
	}
	r.log.Debug("event relayed",
		zap.String("from", src.EventType),
		zap.String("to", topic),
		zap.String("order_id", src.CorrelationID),
		zap.String("event_id", out.EventID))
	return nil
}
