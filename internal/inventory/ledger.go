package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/apperr"
	"github.com/ariefcatur/order-fulfillment/internal/events"
	"github.com/ariefcatur/order-fulfillment/internal/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultHold = 15 * time.Minute

	compensateTimeout = 10 * time.Second
	outOfStockReason  = "PRODUCT OUT OF STOCK"
)

var tracer = otel.Tracer("github.com/ariefcatur/order-fulfillment/internal/inventory")

// Ledger owns the stock counters and reservations. All mutation goes through it.
type Ledger struct {
	store   Store
	pub     events.Publisher
	log     *zap.Logger
	metrics *metrics.Metrics
	hold    time.Duration
	now     func() time.Time
	service string
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }
func WithMetrics(m *metrics.Metrics) Option  { return func(l *Ledger) { l.metrics = m } }
func WithService(name string) Option         { return func(l *Ledger) { l.service = name } }

// WithHold overrides the reservation hold; non-positive values keep the default.
func WithHold(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.hold = d
		}
	}
}

func NewLedger(store Store, pub events.Publisher, log *zap.Logger, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("inventory: store is required")
	}
	if pub == nil {
		return nil, errors.New("inventory: publisher is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ledger{
		store:   store,
		pub:     pub,
		log:     log,
		hold:    DefaultHold,
		now:     time.Now,
		service: "inventory",
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Reserve holds stock for every line of an order or for none of them. Each line is held in
// its own unit of work so a product lock never outlives its check-and-increment.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	ctx, span := tracer.Start(ctx, "inventory.Reserve")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", req.OrderID))

	lines, err := req.lines()
	if err != nil {
		return ReserveResult{}, err
	}

	now := l.now()
	expiresAt := now.Add(l.hold)
	result := ReserveResult{OrderID: req.OrderID, ReservedItems: []ReservedLine{}, FailedItems: []FailedLine{}}
	var held []Reservation

	for _, line := range lines {
		if len(result.FailedItems) > 0 {
			// already failing: report the rest without holding anything
			failed, err := l.check(ctx, line)
			if err != nil {
				l.compensate(ctx, held)
				return l.fail(span, "infra", fmt.Errorf("check %s: %w", line.ProductID, err))
			}
			if failed != nil {
				result.FailedItems = append(result.FailedItems, *failed)
			}
			continue
		}

		r, failed, err := l.holdLine(ctx, req.OrderID, line, now, expiresAt)
		if err != nil {
			l.compensate(ctx, held)
			return l.fail(span, "infra", fmt.Errorf("reserve %s: %w", line.ProductID, err))
		}
		if failed != nil {
			result.FailedItems = append(result.FailedItems, *failed)
			continue
		}
		held = append(held, r)
	}

	if len(result.FailedItems) > 0 {
		l.compensate(ctx, held)
		result.Message = "failed to reserve stock for some items"
		l.metrics.Reservation("rejected")
		span.SetAttributes(attribute.Int("reserve.failed_lines", len(result.FailedItems)))
		l.log.Info("reservation rejected",
			zap.String("order_id", req.OrderID),
			zap.String("failures", result.Describe()))
		l.publishOutOfStock(ctx, req, result.FailedItems)
		return result, nil
	}

	for _, r := range held {
		result.ReservedItems = append(result.ReservedItems, ReservedLine{ReservationID: r.ID, ProductID: r.ProductID, Quantity: r.Quantity})
	}
	result.Success = true
	result.Message = "stock reserved successfully"
	result.ExpiresAt = &expiresAt
	l.metrics.Reservation("reserved")
	l.log.Info("stock reserved",
		zap.String("order_id", req.OrderID),
		zap.Int("lines", len(held)),
		zap.Time("expires_at", expiresAt))
	return result, nil
}

func (l *Ledger) fail(span trace.Span, outcome string, err error) (ReserveResult, error) {
	l.metrics.Reservation(outcome)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return ReserveResult{}, err
}

func (l *Ledger) holdLine(ctx context.Context, orderID string, line Line, now, expiresAt time.Time) (Reservation, *FailedLine, error) {
	var (
		r      Reservation
		failed *FailedLine
	)
	err := l.store.InTx(ctx, func(tx Tx) error {
		rec, err := tx.LockRecord(ctx, line.ProductID)
		if errors.Is(err, ErrRecordNotFound) {
			failed = notFoundLine(line)
			return nil
		}
		if err != nil {
			return err
		}
		if avail := rec.Available(); avail < line.Quantity {
			failed = insufficientLine(line, avail)
			return nil
		}
		rec.Reserved += line.Quantity
		rec.UpdatedAt = now
		if err := tx.SaveRecord(ctx, rec); err != nil {
			return err
		}
		r = Reservation{
			ID:        uuid.NewString(),
			ProductID: line.ProductID,
			OrderID:   orderID,
			Quantity:  line.Quantity,
			Status:    StatusPending,
			ExpiresAt: expiresAt,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.InsertReservation(ctx, r)
	})
	return r, failed, err
}

func (l *Ledger) check(ctx context.Context, line Line) (*FailedLine, error) {
	rec, err := l.store.Record(ctx, line.ProductID)
	if errors.Is(err, ErrRecordNotFound) {
		return notFoundLine(line), nil
	}
	if err != nil {
		return nil, err
	}
	if avail := rec.Available(); avail < line.Quantity {
		return insufficientLine(line, avail), nil
	}
	return nil, nil
}

func notFoundLine(line Line) *FailedLine {
	return &FailedLine{
		ProductID: line.ProductID,
		Requested: line.Quantity,
		Code:      FailNotFound,
		Reason:    "product not found in inventory",
	}
}

func insufficientLine(line Line, avail int) *FailedLine {
	return &FailedLine{
		ProductID: line.ProductID,
		Requested: line.Quantity,
		Available: max(avail, 0),
		Code:      FailInsufficient,
		Reason:    fmt.Sprintf("insufficient stock: available %d, requested %d", max(avail, 0), line.Quantity),
	}
}

// compensate cancels holds taken earlier in a failed Reserve. It runs detached from the
// caller's cancellation; a hold it cannot undo stays PENDING until the sweeper expires it.
func (l *Ledger) compensate(ctx context.Context, held []Reservation) {
	if len(held) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	cancelled := 0
	for i := len(held) - 1; i >= 0; i-- {
		r := held[i]
		var moved bool
		err := l.store.InTx(ctx, func(tx Tx) error {
			rec, err := tx.LockRecord(ctx, r.ProductID)
			if err != nil {
				return err
			}
			ok, err := tx.Transition(ctx, r.ID, StatusPending, StatusCancelled, l.now())
			if err != nil || !ok {
				return err
			}
			rec.settle(StatusCancelled, r.Quantity)
			rec.UpdatedAt = l.now()
			if err := tx.SaveRecord(ctx, rec); err != nil {
				return err
			}
			moved = true
			return nil
		})
		if err != nil {
			l.log.Error("compensation failed, left for expiry sweep",
				zap.String("reservation_id", r.ID),
				zap.String("order_id", r.OrderID),
				zap.Error(err))
			continue
		}
		if moved {
			cancelled++
		}
	}
	l.metrics.Transition(string(StatusCancelled), cancelled)
}

func (l *Ledger) publishOutOfStock(ctx context.Context, req ReserveRequest, failed []FailedLine) {
	details := make([]events.FailedLine, 0, len(failed))
	for _, f := range failed {
		details = append(details, events.FailedLine{ProductID: f.ProductID, Requested: f.Requested, Available: f.Available, Reason: f.Reason})
	}
	env, err := events.New(events.TypeOutOfStock, l.service, req.OrderID, events.OutOfStock{
		OrderID: req.OrderID,
		UserID:  req.UserID,
		Reason:  outOfStockReason,
		Details: details,
	})
	if err == nil {
		err = l.pub.Publish(ctx, events.TopicOutOfStock, env)
	}
	if err != nil {
		l.log.Warn("out-of-stock event not published", zap.String("order_id", req.OrderID), zap.Error(err))
	}
}

// Confirm turns the order's PENDING holds into real stock decrements.
func (l *Ledger) Confirm(ctx context.Context, orderID string) error {
	return l.settle(ctx, orderID, StatusConfirmed)
}

// Release gives the order's PENDING holds back to available stock.
func (l *Ledger) Release(ctx context.Context, orderID string) error {
	return l.settle(ctx, orderID, StatusReleased)
}

func (l *Ledger) settle(ctx context.Context, orderID string, to Status) error {
	ctx, span := tracer.Start(ctx, "inventory.Settle")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("reservation.status", string(to)))

	if orderID == "" {
		return apperr.Validation("orderId is required")
	}

	var moved int
	err := l.store.InTx(ctx, func(tx Tx) error {
		moved = 0
		pending, err := tx.PendingByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		// product rows first, ascending, then the reservations of those products
		recs := make(map[string]Record, len(pending))
		var order []string
		for _, p := range pending {
			if _, ok := recs[p.ProductID]; ok {
				continue
			}
			rec, err := tx.LockRecord(ctx, p.ProductID)
			if err != nil {
				return fmt.Errorf("lock %s: %w", p.ProductID, err)
			}
			recs[p.ProductID] = rec
			order = append(order, p.ProductID)
		}

		now := l.now()
		for _, p := range pending {
			ok, err := tx.Transition(ctx, p.ID, StatusPending, to, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			rec := recs[p.ProductID]
			rec.settle(to, p.Quantity)
			rec.UpdatedAt = now
			recs[p.ProductID] = rec
			moved++
		}
		for _, pid := range order {
			if err := tx.SaveRecord(ctx, recs[pid]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("settle reservations of order %s as %s: %w", orderID, to, err)
	}
	if moved == 0 {
		return apperr.NotFound("no pending reservations for order %s", orderID).Wrap(ErrNoPendingReservations)
	}
	l.metrics.Transition(string(to), moved)
	l.log.Info("reservations settled",
		zap.String("order_id", orderID),
		zap.String("status", string(to)),
		zap.Int("count", moved))
	return nil
}

// ExpireDue expires up to limit overdue PENDING reservations, each in its own unit of
// work. A failing reservation is logged and skipped. This is the only path to EXPIRED.
func (l *Ledger) ExpireDue(ctx context.Context, limit int) (SweepResult, error) {
	now := l.now()
	due, err := l.store.DueReservations(ctx, now, limit)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list due reservations: %w", err)
	}
	res := SweepResult{Scanned: len(due)}
	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := l.expire(ctx, r, now)
		if err != nil {
			res.Failed++
			l.metrics.SweepFailed()
			l.log.Error("expire reservation failed",
				zap.String("reservation_id", r.ID),
				zap.String("order_id", r.OrderID),
				zap.Error(err))
			continue
		}
		if ok {
			res.Expired++
		}
	}
	l.metrics.Transition(string(StatusExpired), res.Expired)
	return res, nil
}

func (l *Ledger) expire(ctx context.Context, r Reservation, now time.Time) (bool, error) {
	var moved bool
	err := l.store.InTx(ctx, func(tx Tx) error {
		moved = false
		rec, err := tx.LockRecord(ctx, r.ProductID)
		if err != nil {
			return err
		}
		ok, err := tx.Transition(ctx, r.ID, StatusPending, StatusExpired, now)
		if err != nil || !ok {
			return err
		}
		rec.settle(StatusExpired, r.Quantity)
		rec.UpdatedAt = now
		if err := tx.SaveRecord(ctx, rec); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return moved, nil
}

func (l *Ledger) Available(ctx context.Context, productID string) (int, error) {
	rec, err := l.store.Record(ctx, productID)
	if errors.Is(err, ErrRecordNotFound) {
		return 0, apperr.NotFound("product %s not found in inventory", productID).Wrap(err)
	}
	if err != nil {
		return 0, err
	}
	return max(rec.Available(), 0), nil
}

func (l *Ledger) IsAvailable(ctx context.Context, productID string, qty int) (bool, error) {
	if qty <= 0 {
		return false, apperr.Validation("quantity must be positive")
	}
	n, err := l.Available(ctx, productID)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n >= qty, nil
}

func (l *Ledger) Record(ctx context.Context, productID string) (RecordView, error) {
	rec, err := l.store.Record(ctx, productID)
	if errors.Is(err, ErrRecordNotFound) {
		return RecordView{}, apperr.NotFound("product %s not found in inventory", productID).Wrap(err)
	}
	if err != nil {
		return RecordView{}, err
	}
	return viewOf(rec), nil
}

func (l *Ledger) Reservations(ctx context.Context, orderID string) ([]Reservation, error) {
	return l.store.ReservationsByOrder(ctx, orderID)
}

// Receive adds qty units of on-hand stock, creating the record on first receipt.
func (l *Ledger) Receive(ctx context.Context, productID string, qty int) (RecordView, error) {
	if productID == "" {
		return RecordView{}, apperr.Validation("productId is required")
	}
	if qty <= 0 {
		return RecordView{}, apperr.Validation("quantity must be positive")
	}
	var out Record
	err := l.store.InTx(ctx, func(tx Tx) error {
		now := l.now()
		rec, err := tx.LockRecord(ctx, productID)
		if errors.Is(err, ErrRecordNotFound) {
			rec = Record{ProductID: productID, ReorderLevel: DefaultReorderLevel, UpdatedAt: now}
			if err := tx.InsertRecord(ctx, rec); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		rec.OnHand += qty
		rec.UpdatedAt = now
		if err := tx.SaveRecord(ctx, rec); err != nil {
			return err
		}
		out = rec
		out.Version++
		return nil
	})
	if err != nil {
		return RecordView{}, fmt.Errorf("receive %s: %w", productID, err)
	}
	l.log.Info("stock received", zap.String("product_id", productID), zap.Int("quantity", qty))
	return viewOf(out), nil
}
