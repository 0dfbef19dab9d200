package inventory

import (
	"context"
	"errors"

	"github.com/ariefcatur/order-fulfillment/internal/events"
	"go.uber.org/zap"
)

// HandleStockRequested consumes inventory.stock-requested. Stock for the order is already
// held by the synchronous reserve, so this only reports products that dropped to their
// reorder level. It never fails a message for a business reason.
func (l *Ledger) HandleStockRequested(ctx context.Context, env events.Envelope) error {
	p, err := events.Decode[events.OrderCreated](env)
	if err != nil {
		l.log.Error("drop malformed stock request", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	seen := make(map[string]bool, len(p.Items))
	for _, it := range p.Items {
		if seen[it.ProductID] {
			continue
		}
		seen[it.ProductID] = true

		rec, err := l.store.Record(ctx, it.ProductID)
		if errors.Is(err, ErrRecordNotFound) {
			l.log.Warn("stock requested for unknown product",
				zap.String("order_id", p.OrderID),
				zap.String("product_id", it.ProductID))
			continue
		}
		if err != nil {
			return err
		}
		switch {
		case rec.IsOutOfStock():
			l.log.Warn("product out of stock",
				zap.String("product_id", rec.ProductID),
				zap.Int("on_hand", rec.OnHand),
				zap.Int("reserved", rec.Reserved))
		case rec.IsLowStock():
			l.log.Warn("product low on stock",
				zap.String("product_id", rec.ProductID),
				zap.Int("available", rec.Available()),
				zap.Int("reorder_level", rec.ReorderLevel))
		}
	}
	return nil
}

// Subscriptions maps each consumed topic to its handler.
func (l *Ledger) Subscriptions() map[string]events.Handler {
	return map[string]events.Handler{
		events.TopicStockRequested: l.HandleStockRequested,
	}
}
