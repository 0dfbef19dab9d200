package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/apperr"
	"github.com/ariefcatur/order-fulfillment/internal/events"
	"github.com/ariefcatur/order-fulfillment/internal/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// reason carried by the compensating cancel after a failed payment
	ReasonTransactionError = "transaction error"

	orderCancelled   = "CANCELLED"
	orderPaymentPaid = "PAID"

	lookupTimeout = 5 * time.Second
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrBadTxnRef     = errors.New("invalid txnRef")
)

var tracer = otel.Tracer("github.com/ariefcatur/order-fulfillment/internal/payment")

type Service struct {
	repo    Repository
	orders  OrderLookup
	gw      *VNPay
	pub     events.Publisher
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	service string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithMetrics(m *metrics.Metrics) Option  { return func(s *Service) { s.metrics = m } }
func WithService(name string) Option         { return func(s *Service) { s.service = name } }

func NewService(repo Repository, orders OrderLookup, gw *VNPay, pub events.Publisher, log *zap.Logger, opts ...Option) (*Service, error) {
	switch {
	case repo == nil:
		return nil, errors.New("payment: repository is required")
	case orders == nil:
		return nil, errors.New("payment: order lookup is required")
	case gw == nil:
		return nil, errors.New("payment: gateway is required")
	case pub == nil:
		return nil, errors.New("payment: publisher is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		repo:    repo,
		orders:  orders,
		gw:      gw,
		pub:     pub,
		log:     log,
		now:     time.Now,
		service: "payment",
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

type IntentRequest struct {
	OrderID   string          `json:"orderId"`
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	Method    Method          `json:"paymentMethod"`
	BankCode  string          `json:"bankCode,omitempty"`
	Locale    string          `json:"locale,omitempty"`
	OrderInfo string          `json:"orderInfo,omitempty"`
	IPAddr    string          `json:"-"`
}

func (r IntentRequest) Validate() error {
	var problems []string
	if strings.TrimSpace(r.OrderID) == "" {
		problems = append(problems, "orderId is required")
	}
	if strings.TrimSpace(r.UserID) == "" {
		problems = append(problems, "userId is required")
	}
	if !r.Amount.IsPositive() {
		problems = append(problems, "amount must be greater than 0")
	}
	if r.Method != "" && r.Method != MethodVNPay {
		problems = append(problems, fmt.Sprintf("unsupported payment method: %s", r.Method))
	}
	if len(problems) > 0 {
		return apperr.Validation("invalid payment request").WithDetails(problems)
	}
	return nil
}

type Intent struct {
	PaymentURL  string   `json:"paymentUrl"`
	PaymentCode string   `json:"paymentCode"`
	TxnRef      string   `json:"txnRef"`
	Payment     *Payment `json:"payment"`
}

// CreatePaymentIntent records a PENDING payment for an order and returns the gateway
// redirect URL for it. Every intent gets its own txnRef, so a retried checkout never
// collides with an earlier attempt.
func (s *Service) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	ctx, span := tracer.Start(ctx, "payment.CreatePaymentIntent")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", req.OrderID))

	if err := req.Validate(); err != nil {
		return nil, err
	}
	lctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	order, err := s.orders.Order(lctx, req.OrderID)
	cancel()
	if err != nil {
		return nil, err
	}
	if order.UserID != req.UserID {
		return nil, apperr.Forbidden("you don't have permission to pay for this order")
	}
	// a cancelled order has given its stock back whatever its payment status says
	if order.Status == orderCancelled {
		return nil, apperr.Business("order %s is cancelled", order.ID)
	}
	if order.PaymentStatus == orderPaymentPaid {
		return nil, apperr.Business("order is already paid")
	}
	if !order.Total.IsZero() && !order.Total.Equal(req.Amount) {
		return nil, apperr.Validation("amount %s does not match order total %s", req.Amount, order.Total).Wrap(ErrInvalidAmount)
	}

	now := s.now().UTC()
	p := &Payment{
		ID:          uuid.NewString(),
		PaymentCode: paymentCode(now),
		OrderID:     req.OrderID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		Currency:    vnpCurrency,
		Method:      MethodVNPay,
		Status:      StatusPending,
		TxnRef:      TxnRef(req.OrderID, now),
		IPAddress:   req.IPAddr,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persist payment: %w", err)
	}

	info := req.OrderInfo
	if info == "" {
		info = "Payment for order " + firstNonEmpty(order.OrderNumber, order.ID)
	}
	payURL := s.gw.PaymentURL(PayRequest{
		TxnRef:    p.TxnRef,
		Amount:    p.Amount,
		OrderInfo: info,
		Locale:    req.Locale,
		IPAddr:    req.IPAddr,
		BankCode:  req.BankCode,
		At:        now,
	})
	s.log.Info("payment intent created",
		zap.String("order_id", p.OrderID),
		zap.String("payment_code", p.PaymentCode),
		zap.String("txn_ref", p.TxnRef),
		zap.String("amount", p.Amount.String()))
	return &Intent{PaymentURL: payURL, PaymentCode: p.PaymentCode, TxnRef: p.TxnRef, Payment: p}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type CallbackResult struct {
	Success          bool            `json:"success"`
	AlreadyProcessed bool            `json:"alreadyProcessed"`
	OrderID          string          `json:"orderId"`
	PaymentCode      string          `json:"paymentCode"`
	TxnRef           string          `json:"txnRef"`
	Amount           decimal.Decimal `json:"amount"`
	ResponseCode     string          `json:"responseCode"`
	Message          string          `json:"message"`
	TransactionNo    string          `json:"transactionNo,omitempty"`
	BankCode         string          `json:"bankCode,omitempty"`
}

// ProcessCallback applies a signed gateway result to its payment. The browser return and
// the IPN both land here and may race; whichever settles the payment first wins and the
// other sees an already processed payment.
func (s *Service) ProcessCallback(ctx context.Context, params map[string]string) (*CallbackResult, error) {
	ctx, span := tracer.Start(ctx, "payment.ProcessCallback")
	defer span.End()

	if !s.gw.Verify(params) {
		s.metrics.Callback("invalid_signature")
		s.log.Warn("gateway callback with bad signature",
			zap.String("txn_ref", params["vnp_TxnRef"]),
			zap.String("amount", params["vnp_Amount"]))
		return nil, apperr.Integrity("invalid checksum")
	}

	ref := params["vnp_TxnRef"]
	span.SetAttributes(attribute.String("payment.txn_ref", ref))
	orderID, ok := OrderIDFromTxnRef(ref)
	if !ok {
		s.metrics.Callback("bad_reference")
		return nil, apperr.Validation("invalid txnRef format: %s", ref).Wrap(ErrBadTxnRef)
	}
	p, err := s.repo.GetByTxnRef(ctx, ref)
	if errors.Is(err, ErrNotFound) || (err == nil && p.OrderID != orderID) {
		s.metrics.Callback("not_found")
		return nil, apperr.NotFound("payment not found for order: %s", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("load payment %s: %w", ref, err)
	}

	amount, ok := parseGatewayAmount(params["vnp_Amount"])
	if !ok || !amount.Equal(p.Amount) {
		s.metrics.Callback("invalid_amount")
		s.log.Warn("gateway amount mismatch",
			zap.String("payment_code", p.PaymentCode),
			zap.String("expected", p.Amount.String()),
			zap.String("got", params["vnp_Amount"]))
		return nil, apperr.Validation("invalid amount").Wrap(ErrInvalidAmount)
	}

	if p.Status.Final() {
		return s.replay(ctx, p)
	}

	now := s.now().UTC()
	code := params["vnp_ResponseCode"]
	if code == CodeSuccess {
		p.markCompleted(params["vnp_TransactionNo"], code, ResponseMessage(code), now)
		p.BankCode = params["vnp_BankCode"]
		p.BankTxnNo = params["vnp_BankTranNo"]
		p.CardType = params["vnp_CardType"]
	} else {
		p.markFailed(code, ResponseMessage(code), now)
	}

	settled, err := s.repo.Settle(ctx, p, StatusPending)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Transient(err, "failed to record payment result")
	}
	if !settled {
		cur, err := s.repo.Get(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("reload payment %s: %w", p.ID, err)
		}
		return s.replay(ctx, cur)
	}

	if err := s.publishOutcome(ctx, p); err != nil {
		// the result is stored; a redelivered callback republishes it
		return nil, apperr.Transient(err, "failed to publish payment result")
	}
	if p.Status == StatusCompleted {
		s.metrics.Callback("success")
		s.log.Info("payment completed",
			zap.String("order_id", p.OrderID),
			zap.String("payment_code", p.PaymentCode),
			zap.String("gateway_txn_no", p.GatewayTxnNo))
	} else {
		s.metrics.Callback("failed")
		s.log.Info("payment failed",
			zap.String("order_id", p.OrderID),
			zap.String("payment_code", p.PaymentCode),
			zap.String("response_code", code),
			zap.String("message", p.GatewayMessage))
	}
	return result(p, false), nil
}

// replay republishes the stored outcome of a settled payment. Event ids are derived
// from the payment, so consumers drop the copies they already handled.
func (s *Service) replay(ctx context.Context, p *Payment) (*CallbackResult, error) {
	s.metrics.Callback("duplicate")
	if err := s.publishOutcome(ctx, p); err != nil {
		return nil, apperr.Transient(err, "failed to publish payment result")
	}
	s.log.Info("payment already processed",
		zap.String("payment_code", p.PaymentCode),
		zap.String("status", string(p.Status)))
	return result(p, true), nil
}

func result(p *Payment, already bool) *CallbackResult {
	return &CallbackResult{
		Success:          p.Status != StatusFailed && p.Status != StatusCancelled,
		AlreadyProcessed: already,
		OrderID:          p.OrderID,
		PaymentCode:      p.PaymentCode,
		TxnRef:           p.TxnRef,
		Amount:           p.Amount,
		ResponseCode:     p.GatewayResponseCode,
		Message:          p.GatewayMessage,
		TransactionNo:    p.GatewayTxnNo,
		BankCode:         p.BankCode,
	}
}

func (s *Service) publishOutcome(ctx context.Context, p *Payment) error {
	switch p.Status {
	case StatusCompleted:
		return s.emit(ctx, p, events.TopicPaymentSucceeded, events.TypePaymentSucceeded, events.PaymentSucceeded{
			OrderID:      p.OrderID,
			UserID:       p.UserID,
			PaymentID:    p.ID,
			PaymentCode:  p.PaymentCode,
			Amount:       p.Amount.String(),
			GatewayTxnNo: p.GatewayTxnNo,
		})
	case StatusFailed:
		if err := s.emit(ctx, p, events.TopicPaymentFailed, events.TypePaymentFailed, events.PaymentFailed{
			OrderID:      p.OrderID,
			UserID:       p.UserID,
			PaymentID:    p.ID,
			PaymentCode:  p.PaymentCode,
			ResponseCode: p.GatewayResponseCode,
			Reason:       p.GatewayMessage,
		}); err != nil {
			return err
		}
		return s.emit(ctx, p, events.TopicOrderCancelRequested, events.TypeOrderCancelRequested, events.CancelOrderRequested{
			OrderID: p.OrderID,
			UserID:  p.UserID,
			Reason:  ReasonTransactionError,
		})
	}
	// refunds happen after the order saga finished
	return nil
}

func (s *Service) emit(ctx context.Context, p *Payment, topic, eventType string, payload any) error {
	env, err := events.New(eventType, s.service, p.OrderID, payload)
	if err != nil {
		return err
	}
	env.EventID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(p.ID+"/"+eventType)).String()
	env.TraceID = trace.SpanContextFromContext(ctx).TraceID().String()
	if err := s.pub.Publish(ctx, topic, env); err != nil {
		s.log.Error("publish payment event failed",
			zap.String("topic", topic),
			zap.String("payment_code", p.PaymentCode),
			zap.Error(err))
		return err
	}
	return nil
}

// PaymentForOrder returns the most recent payment attempt of an order.
func (s *Service) PaymentForOrder(ctx context.Context, orderID string) (*Payment, error) {
	p, err := s.repo.LatestForOrder(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("payment not found for order: %s", orderID).Wrap(err)
	}
	return p, err
}

func (s *Service) ByCode(ctx context.Context, code string) (*Payment, error) {
	p, err := s.repo.GetByCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("payment not found: %s", code).Wrap(err)
	}
	return p, err
}

type RefundRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	RequestedBy string          `json:"requestedBy"`
}

// RequestRefund opens a PENDING refund. Refunds still in flight count against the
// refundable amount so two concurrent requests cannot over-refund.
func (s *Service) RequestRefund(ctx context.Context, paymentCode string, req RefundRequest) (*Refund, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation("refund amount must be greater than 0")
	}
	p, err := s.ByCode(ctx, paymentCode)
	if err != nil {
		return nil, err
	}
	ref, err := s.repo.AddRefund(ctx, p.ID, func(p *Payment) (*Refund, error) {
		if !p.CanRefund() {
			return nil, apperr.Business("payment %s cannot be refunded in status %s", p.PaymentCode, p.Status)
		}
		if left := p.outstanding(); req.Amount.GreaterThan(left) {
			return nil, apperr.Business("refund amount %s exceeds refundable amount %s", req.Amount, left).
				WithDetails(map[string]string{"refundable": left.String()})
		}
		now := s.now().UTC()
		return &Refund{
			ID:          uuid.NewString(),
			RefundCode:  refundCode(now),
			PaymentID:   p.ID,
			Amount:      req.Amount,
			Reason:      req.Reason,
			Status:      RefundPending,
			RequestedBy: req.RequestedBy,
			CreatedAt:   now,
			UpdatedAt:   now,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("refund requested",
		zap.String("payment_code", paymentCode),
		zap.String("refund_code", ref.RefundCode),
		zap.String("amount", ref.Amount.String()))
	return ref, nil
}

// CompleteRefund marks a refund settled by the gateway and moves the payment to
// REFUNDED or PARTIAL_REFUND. Completing an already completed refund is a no-op.
func (s *Service) CompleteRefund(ctx context.Context, refundID, gatewayRefundID string) (*Refund, error) {
	var paymentStatus Status
	ref, err := s.repo.UpdateRefund(ctx, refundID, func(p *Payment, r *Refund) error {
		switch r.Status {
		case RefundCompleted:
			paymentStatus = p.Status
			return nil
		case RefundPending, RefundProcessing:
		default:
			return apperr.Business("refund %s cannot be completed in status %s", r.RefundCode, r.Status)
		}
		now := s.now().UTC()
		r.Status = RefundCompleted
		r.GatewayRefundID = gatewayRefundID
		r.CompletedAt = &now
		r.UpdatedAt = now
		if p.Refundable().IsPositive() {
			p.Status = StatusPartialRefund
		} else {
			p.Status = StatusRefunded
		}
		p.UpdatedAt = now
		paymentStatus = p.Status
		return nil
	})
	if errors.Is(err, ErrRefundNotFound) {
		return nil, apperr.NotFound("refund not found: %s", refundID).Wrap(err)
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("refund completed",
		zap.String("refund_code", ref.RefundCode),
		zap.String("payment_status", string(paymentStatus)))
	return ref, nil
}
