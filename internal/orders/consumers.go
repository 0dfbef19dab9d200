package orders

import (
	"context"
	"errors"

	"github.com/ariefcatur/order-fulfillment/internal/apperr"
	"github.com/ariefcatur/order-fulfillment/internal/events"
	"go.uber.org/zap"
)

// HandleCancelRequested consumes order.cancel-requested. Both the out-of-stock relay and
// failed payments produce it, so the same order may be asked to cancel more than once.
func (m *Manager) HandleCancelRequested(ctx context.Context, env events.Envelope) error {
	p, err := events.Decode[events.CancelOrderRequested](env)
	if err != nil {
		m.log.Error("drop malformed cancel request", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	actor := p.UserID
	if actor == "" {
		actor = systemActor
	}
	_, err = m.cancel(ctx, p.OrderID, actor, p.Reason, false)
	return m.settle(env, p.OrderID, err)
}

// HandlePaymentSucceeded consumes payment.succeeded.
func (m *Manager) HandlePaymentSucceeded(ctx context.Context, env events.Envelope) error {
	p, err := events.Decode[events.PaymentSucceeded](env)
	if err != nil {
		m.log.Error("drop malformed payment event", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	_, err = m.ConfirmPayment(ctx, p.OrderID)
	if errors.Is(err, ErrAlreadyPaid) {
		return nil
	}
	return m.settle(env, p.OrderID, err)
}

// settle decides whether a handler error should be redelivered. Only transient failures
// are; business outcomes are final and retrying them changes nothing.
func (m *Manager) settle(env events.Envelope, orderID string, err error) error {
	log := m.log.With(
		zap.String("event_id", env.EventID),
		zap.String("type", env.EventType),
		zap.String("order_id", orderID))
	switch kind := apperr.KindOf(err); {
	case err == nil:
		return nil
	case kind == apperr.KindNotFound:
		// a rejected create deletes its order, so late events can point nowhere
		log.Info("event for unknown order ignored")
		return nil
	case kind == apperr.KindTransient || kind == apperr.KindUnknown:
		log.Warn("event handling failed, will retry", zap.Error(err))
		return err
	default:
		log.Warn("event rejected", zap.Error(err))
		return nil
	}
}

// Subscriptions lists the topics the order service consumes with their handlers.
func (m *Manager) Subscriptions() map[string]events.Handler {
	return map[string]events.Handler{
		events.TopicOrderCancelRequested: m.HandleCancelRequested,
		events.TopicPaymentSucceeded:     m.HandlePaymentSucceeded,
	}
}
