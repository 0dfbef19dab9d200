package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/apperr"
	"github.com/ariefcatur/order-fulfillment/internal/events"
	"github.com/ariefcatur/order-fulfillment/internal/inventory"
	"github.com/ariefcatur/order-fulfillment/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultStockTimeout = 5 * time.Second

	compensateTimeout = 10 * time.Second
	updateAttempts    = 3
	systemActor       = "system"
)

var tracer = otel.Tracer("github.com/ariefcatur/order-fulfillment/internal/orders")

// StockLedger is the part of the inventory service the manager calls synchronously.
// *inventory.Ledger (in process) and *inventory.Client (HTTP) both satisfy it.
type StockLedger interface {
	Reserve(ctx context.Context, req inventory.ReserveRequest) (inventory.ReserveResult, error)
	Confirm(ctx context.Context, orderID string) error
	Release(ctx context.Context, orderID string) error
}

// Manager owns the order lifecycle.
type Manager struct {
	repo         Repository
	stock        StockLedger
	pub          events.Publisher
	log          *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	stockTimeout time.Duration
	service      string
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }
func WithService(name string) Option         { return func(m *Manager) { m.service = name } }

func WithStockTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.stockTimeout = d
		}
	}
}

func NewManager(repo Repository, stock StockLedger, pub events.Publisher, log *zap.Logger, opts ...Option) (*Manager, error) {
	switch {
	case repo == nil:
		return nil, errors.New("orders: repository is required")
	case stock == nil:
		return nil, errors.New("orders: stock ledger is required")
	case pub == nil:
		return nil, errors.New("orders: publisher is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		repo:         repo,
		stock:        stock,
		pub:          pub,
		log:          log,
		now:          time.Now,
		stockTimeout: DefaultStockTimeout,
		service:      "orders",
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// CreateOrder persists a PENDING order, reserves its stock and confirms it. When the
// reservation fails the order is deleted again, so a caller never sees an order without stock.
func (m *Manager) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	ctx, span := tracer.Start(ctx, "orders.CreateOrder")
	defer span.End()

	if err := req.Validate(); err != nil {
		m.metrics.Order("create", "invalid")
		return nil, err
	}

	o := newOrder(req, m.now().UTC())
	span.SetAttributes(attribute.String("order.id", o.ID), attribute.String("order.number", o.OrderNumber))
	if err := m.repo.Create(ctx, o); err != nil {
		return nil, m.fail(span, "create", "infra", fmt.Errorf("persist order: %w", err))
	}
	m.publishCreated(ctx, o)

	rctx, cancel := context.WithTimeout(ctx, m.stockTimeout)
	res, err := m.stock.Reserve(rctx, reserveRequest(o))
	cancel()
	if err != nil {
		// the ledger may have held stock before the call broke off
		m.discard(ctx, o, true)
		m.log.Warn("stock reservation errored", zap.String("order_id", o.ID), zap.Error(err))
		return nil, m.fail(span, "create", "reserve_error",
			apperr.Business("failed to reserve stock: %s", reserveErrorText(err)).Wrap(err))
	}
	if !res.Success {
		m.discard(ctx, o, false)
		m.log.Info("order rejected",
			zap.String("order_id", o.ID),
			zap.String("failures", res.Describe()))
		m.metrics.Order("create", "rejected")
		return nil, apperr.Business("failed to reserve stock: %s", res.Describe()).WithDetails(res.FailedItems)
	}

	if err := o.transition(StatusConfirmed, "stock reserved", systemActor, m.now().UTC()); err != nil {
		m.discard(ctx, o, true)
		return nil, m.fail(span, "create", "infra", err)
	}
	if err := m.repo.Update(ctx, o); err != nil {
		m.discard(ctx, o, true)
		return nil, m.fail(span, "create", "infra", apperr.Transient(err, "failed to confirm order"))
	}

	m.metrics.Order("create", "confirmed")
	m.log.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("order_number", o.OrderNumber),
		zap.String("user_id", o.UserID),
		zap.String("total", o.Total.String()))
	return o, nil
}

func reserveRequest(o *Order) inventory.ReserveRequest {
	req := inventory.ReserveRequest{OrderID: o.ID, UserID: o.UserID}
	for _, it := range o.Items {
		req.Items = append(req.Items, inventory.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return req
}

func reserveErrorText(err error) string {
	if apperr.KindOf(err) == apperr.KindUnknown {
		return "inventory service error"
	}
	return apperr.PublicMessage(err)
}

func (m *Manager) publishCreated(ctx context.Context, o *Order) {
	payload := events.OrderCreated{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID,
		Total:       o.Total.String(),
	}
	for _, it := range o.Items {
		payload.Items = append(payload.Items, events.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	env, err := events.New(events.TypeOrderCreated, m.service, o.ID, payload)
	if err == nil {
		env.TraceID = trace.SpanContextFromContext(ctx).TraceID().String()
		err = m.pub.Publish(ctx, events.TopicOrderCreated, env)
	}
	if err != nil {
		m.log.Warn("publish order created failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

// discard undoes a just-created order. It runs detached from the caller's context so a
// cancelled request still cleans up.
func (m *Manager) discard(ctx context.Context, o *Order, release bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	if release {
		if err := m.stock.Release(ctx, o.ID); err != nil && !apperr.Is(err, apperr.KindNotFound) {
			m.log.Error("release after failed create", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	if err := m.repo.Delete(ctx, o.ID); err != nil && !errors.Is(err, ErrNotFound) {
		m.log.Error("delete rejected order", zap.String("order_id", o.ID), zap.Error(err))
	}
}

// CancelOrder cancels an order on behalf of its owner. Cancelling an already cancelled
// order returns it unchanged.
func (m *Manager) CancelOrder(ctx context.Context, req CancelRequest) (*Order, error) {
	if strings.TrimSpace(req.OrderID) == "" || strings.TrimSpace(req.UserID) == "" {
		return nil, apperr.Validation("orderId and userId are required")
	}
	return m.cancel(ctx, req.OrderID, req.UserID, req.Reason, true)
}

func (m *Manager) cancel(ctx context.Context, orderID, actor, reason string, ownerOnly bool) (*Order, error) {
	ctx, span := tracer.Start(ctx, "orders.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	if reason == "" {
		reason = "cancelled by customer"
	}
	for attempt := 0; attempt < updateAttempts; attempt++ {
		o, err := m.get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if ownerOnly && o.UserID != actor {
			m.metrics.Order("cancel", "forbidden")
			return nil, apperr.Forbidden("you don't have permission to cancel this order")
		}
		if o.Status == StatusCancelled {
			m.metrics.Order("cancel", "noop")
			return o, nil
		}
		if !o.Status.Cancellable() {
			m.metrics.Order("cancel", "rejected")
			return nil, apperr.Business("order cannot be cancelled in current status: %s", o.Status).
				WithDetails(map[string]Status{"status": o.Status})
		}

		if o.PaymentStatus == PaymentConfirming {
			// settles either way within the stock timeout; redelivery sees the outcome
			m.metrics.Order("cancel", "busy")
			return nil, apperr.Transient(ErrConflict, "payment of order %s is being confirmed, retry later", orderID)
		}

		if err := o.cancel(reason, actor, m.now().UTC()); err != nil {
			return nil, err
		}
		err = m.repo.Update(ctx, o)
		if errors.Is(err, ErrConflict) {
			m.log.Debug("cancel lost a race, reloading", zap.String("order_id", o.ID), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, m.fail(span, "cancel", "infra", fmt.Errorf("save cancelled order: %w", err))
		}
		// The hold is only released once CANCELLED is stored, so a failed save leaves
		// the order payable.
		m.releaseStock(ctx, o.ID)
		m.metrics.Order("cancel", "cancelled")
		m.log.Info("order cancelled",
			zap.String("order_id", o.ID),
			zap.String("actor", actor),
			zap.String("reason", reason))
		return o, nil
	}
	return nil, m.fail(span, "cancel", "conflict", apperr.Transient(ErrConflict, "order %s is busy, retry later", orderID))
}

// releaseStock is best effort: the hold may already be gone through expiry.
func (m *Manager) releaseStock(ctx context.Context, orderID string) {
	rctx, cancel := context.WithTimeout(ctx, m.stockTimeout)
	defer cancel()
	err := m.stock.Release(rctx, orderID)
	switch {
	case err == nil:
	case apperr.Is(err, apperr.KindNotFound):
		m.log.Debug("no pending reservations to release", zap.String("order_id", orderID))
	default:
		m.log.Error("release stock reservation failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// ConfirmPayment marks the order paid and confirms its stock. The order is claimed
// (payment CONFIRMING, version-checked) before the ledger is touched, so a concurrent
// cancel either lands first or reloads into a state it may not cancel.
func (m *Manager) ConfirmPayment(ctx context.Context, orderID string) (*Order, error) {
	ctx, span := tracer.Start(ctx, "orders.ConfirmPayment")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	o, err := m.claimPayment(ctx, span, orderID)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, m.stockTimeout)
	err = m.stock.Confirm(cctx, o.ID)
	cancel()
	if err != nil {
		m.log.Error("confirm stock failed", zap.String("order_id", o.ID), zap.Error(err))
		m.dropPaymentClaim(ctx, o.ID)
		if apperr.Is(err, apperr.KindTransient) {
			return nil, m.fail(span, "confirm_payment", "infra", err)
		}
		m.metrics.Order("confirm_payment", "stock_failed")
		return nil, apperr.Business("failed to confirm stock: %s", apperr.PublicMessage(err)).Wrap(err)
	}

	for attempt := 0; attempt < updateAttempts; attempt++ {
		now := m.now().UTC()
		o.markPaid(now)
		if err := o.transition(StatusProcessing, "payment confirmed", systemActor, now); err != nil {
			return nil, err
		}
		err = m.repo.Update(ctx, o)
		if errors.Is(err, ErrConflict) {
			if o, err = m.get(ctx, orderID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, m.fail(span, "confirm_payment", "infra", fmt.Errorf("save paid order: %w", err))
		}
		m.metrics.Order("confirm_payment", "paid")
		m.log.Info("payment confirmed", zap.String("order_id", o.ID))
		return o, nil
	}
	return nil, m.fail(span, "confirm_payment", "conflict", apperr.Transient(ErrConflict, "order %s is busy, retry later", orderID))
}

// claimPayment moves a payable order to payment CONFIRMING.
func (m *Manager) claimPayment(ctx context.Context, span trace.Span, orderID string) (*Order, error) {
	for attempt := 0; attempt < updateAttempts; attempt++ {
		o, err := m.get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		switch {
		case o.PaymentStatus == PaymentPaid:
			m.metrics.Order("confirm_payment", "noop")
			return nil, apperr.Business("order is already paid").Wrap(ErrAlreadyPaid)
		case o.PaymentStatus == PaymentConfirming:
			m.metrics.Order("confirm_payment", "busy")
			return nil, apperr.Transient(ErrConflict, "payment of order %s is already being confirmed", orderID)
		case !CanTransition(o.Status, StatusProcessing):
			m.metrics.Order("confirm_payment", "rejected")
			return nil, apperr.Business("order cannot be paid in current status: %s", o.Status)
		}

		o.PaymentStatus = PaymentConfirming
		o.UpdatedAt = m.now().UTC()
		err = m.repo.Update(ctx, o)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, m.fail(span, "confirm_payment", "infra", fmt.Errorf("claim order payment: %w", err))
		}
		return o, nil
	}
	return nil, m.fail(span, "confirm_payment", "conflict", apperr.Transient(ErrConflict, "order %s is busy, retry later", orderID))
}

// dropPaymentClaim puts a claimed order back to payment PENDING after the ledger refused
// to confirm. It runs detached so a cancelled request does not leave the claim behind.
func (m *Manager) dropPaymentClaim(ctx context.Context, orderID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	for attempt := 0; attempt < updateAttempts; attempt++ {
		o, err := m.get(ctx, orderID)
		if err != nil {
			m.log.Error("reload claimed order", zap.String("order_id", orderID), zap.Error(err))
			return
		}
		if o.PaymentStatus != PaymentConfirming {
			return
		}
		o.PaymentStatus = PaymentPending
		o.UpdatedAt = m.now().UTC()
		err = m.repo.Update(ctx, o)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			m.log.Error("drop payment claim", zap.String("order_id", orderID), zap.Error(err))
		}
		return
	}
	m.log.Error("drop payment claim: order kept changing", zap.String("order_id", orderID))
}

func (m *Manager) Get(ctx context.Context, id string) (*Order, error) {
	return m.get(ctx, id)
}

func (m *Manager) get(ctx context.Context, id string) (*Order, error) {
	o, err := m.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("order not found: %s", id).Wrap(err)
	}
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	return o, nil
}

func (m *Manager) GetByNumber(ctx context.Context, number string) (*Order, error) {
	o, err := m.repo.GetByNumber(ctx, number)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("order not found: %s", number).Wrap(err)
	}
	return o, err
}

const maxPageSize = 100

func (m *Manager) ListByUser(ctx context.Context, userID string, page, size int) ([]*Order, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("userId is required")
	}
	if size <= 0 || size > maxPageSize {
		size = 20
	}
	if page < 0 {
		page = 0
	}
	out, err := m.repo.ListByUser(ctx, userID, size, page*size)
	if err != nil {
		return nil, fmt.Errorf("list orders of %s: %w", userID, err)
	}
	if out == nil {
		out = []*Order{}
	}
	return out, nil
}

func (m *Manager) fail(span trace.Span, op, outcome string, err error) error {
	m.metrics.Order(op, outcome)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
