package payment

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/apperr"
	"github.com/ariefcatur/order-fulfillment/internal/events"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeOrders struct {
	mu     sync.Mutex
	orders map[string]OrderInfo
	err    error
}

func (f *fakeOrders) Order(_ context.Context, id string) (OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return OrderInfo{}, f.err
	}
	o, ok := f.orders[id]
	if !ok {
		return OrderInfo{}, apperr.NotFound("order not found: %s", id)
	}
	return o, nil
}

type fixture struct {
	now    time.Time
	gw     *VNPay
	bus    *events.MemoryBus
	repo   *MemoryRepository
	orders *fakeOrders
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		gw:   testGateway(),
		bus:  events.NewMemoryBus(),
		repo: NewMemoryRepository(),
		orders: &fakeOrders{orders: map[string]OrderInfo{
			"o-1": {ID: "o-1", OrderNumber: "ORD-1", UserID: "u-1", Status: "CONFIRMED", PaymentStatus: "PENDING",
				Total: decimal.RequireFromString("150000")},
		}},
	}
	svc, err := NewService(f.repo, f.orders, f.gw, f.bus, zap.NewNop(), WithClock(func() time.Time { return f.now }))
	if err != nil {
		t.Fatal(err)
	}
	f.svc = svc
	return f
}

func (f *fixture) intent(t *testing.T) *Intent {
	t.Helper()
	in, err := f.svc.CreatePaymentIntent(context.Background(), IntentRequest{
		OrderID: "o-1",
		UserID:  "u-1",
		Amount:  decimal.RequireFromString("150000"),
		Method:  MethodVNPay,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return in
}

// callback builds the parameters the gateway would send back for p.
func (f *fixture) callback(p *Payment, code string) map[string]string {
	params := map[string]string{
		"vnp_TmnCode":           "TESTTMN1",
		"vnp_Amount":            gatewayAmount(p.Amount),
		"vnp_TxnRef":            p.TxnRef,
		"vnp_OrderInfo":         "Payment for order ORD-1",
		"vnp_ResponseCode":      code,
		"vnp_TransactionStatus": code,
		"vnp_TransactionNo":     "14012345",
		"vnp_BankCode":          "NCB",
		"vnp_BankTranNo":        "VNP14012345",
		"vnp_CardType":          "ATM",
		"vnp_PayDate":           "20240501171000",
	}
	params[paramSecureHash] = f.gw.Sign(params)
	params[paramSecureHashType] = "HmacSHA512"
	return params
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	gw, bus, repo, orders := testGateway(), events.NewMemoryBus(), NewMemoryRepository(), &fakeOrders{}
	cases := []struct {
		name string
		fn   func() (*Service, error)
	}{
		{"repo", func() (*Service, error) { return NewService(nil, orders, gw, bus, nil) }},
		{"orders", func() (*Service, error) { return NewService(repo, nil, gw, bus, nil) }},
		{"gateway", func() (*Service, error) { return NewService(repo, orders, nil, bus, nil) }},
		{"publisher", func() (*Service, error) { return NewService(repo, orders, gw, nil, nil) }},
	}
	for _, tc := range cases {
		if _, err := tc.fn(); err == nil {
			t.Errorf("nil %s accepted", tc.name)
		}
	}
}

func TestCreatePaymentIntent(t *testing.T) {
	f := newFixture(t)
	in := f.intent(t)

	p := in.Payment
	if p.Status != StatusPending || p.Method != MethodVNPay || p.Currency != "VND" {
		t.Errorf("payment = %+v", p)
	}
	if p.TxnRef != "BO_o-1_20240501170000" {
		t.Errorf("txnRef = %s", p.TxnRef)
	}
	if len(p.PaymentCode) != len("PAY-20240501-000000") || p.PaymentCode[:13] != "PAY-20240501-" {
		t.Errorf("payment code = %s", p.PaymentCode)
	}
	u, err := url.Parse(in.PaymentURL)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("vnp_TxnRef") != p.TxnRef || q.Get("vnp_Amount") != "15000000" {
		t.Errorf("url query = %v", q)
	}
	if q.Get("vnp_OrderInfo") != "Payment for order ORD-1" {
		t.Errorf("order info = %q", q.Get("vnp_OrderInfo"))
	}
	stored, err := f.repo.GetByTxnRef(context.Background(), p.TxnRef)
	if err != nil || stored.ID != p.ID {
		t.Errorf("stored payment = %+v, %v", stored, err)
	}
}

func TestCreatePaymentIntentRejections(t *testing.T) {
	f := newFixture(t)
	f.orders.orders["o-cancelled"] = OrderInfo{ID: "o-cancelled", UserID: "u-1", Status: "CANCELLED", PaymentStatus: "FAILED",
		Total: decimal.RequireFromString("150000")}
	f.orders.orders["o-paid"] = OrderInfo{ID: "o-paid", UserID: "u-1", Status: "PROCESSING", PaymentStatus: "PAID",
		Total: decimal.RequireFromString("150000")}

	amount := decimal.RequireFromString("150000")
	cases := []struct {
		name string
		req  IntentRequest
		kind apperr.Kind
	}{
		{"missing order", IntentRequest{UserID: "u-1", Amount: amount}, apperr.KindValidation},
		{"zero amount", IntentRequest{OrderID: "o-1", UserID: "u-1"}, apperr.KindValidation},
		{"unsupported method", IntentRequest{OrderID: "o-1", UserID: "u-1", Amount: amount, Method: MethodMoMo}, apperr.KindValidation},
		{"unknown order", IntentRequest{OrderID: "o-x", UserID: "u-1", Amount: amount}, apperr.KindNotFound},
		{"not owner", IntentRequest{OrderID: "o-1", UserID: "u-2", Amount: amount}, apperr.KindForbidden},
		{"cancelled", IntentRequest{OrderID: "o-cancelled", UserID: "u-1", Amount: amount}, apperr.KindBusinessRule},
		{"already paid", IntentRequest{OrderID: "o-paid", UserID: "u-1", Amount: amount}, apperr.KindBusinessRule},
		{"wrong amount", IntentRequest{OrderID: "o-1", UserID: "u-1", Amount: decimal.NewFromInt(1)}, apperr.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreatePaymentIntent(context.Background(), tc.req)
			if got := apperr.KindOf(err); got != tc.kind {
				t.Errorf("kind = %s, want %s (err %v)", got, tc.kind, err)
			}
		})
	}
	if _, err := f.repo.LatestForOrder(context.Background(), "o-1"); !errors.Is(err, ErrNotFound) {
		t.Error("a rejected intent left a payment behind")
	}
}

func TestCallbackSuccessPublishesPaymentSucceeded(t *testing.T) {
	f := newFixture(t)
	in := f.intent(t)
	f.now = f.now.Add(3 * time.Minute)

	res, err := f.svc.ProcessCallback(context.Background(), f.callback(in.Payment, "00"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.AlreadyProcessed || res.OrderID != "o-1" || res.TransactionNo != "14012345" {
		t.Errorf("result = %+v", res)
	}

	p, _ := f.repo.Get(context.Background(), in.Payment.ID)
	if p.Status != StatusCompleted || p.BankCode != "NCB" || p.BankTxnNo != "VNP14012345" || p.CardType != "ATM" {
		t.Errorf("payment = %+v", p)
	}
	if p.PaidAt == nil || !p.PaidAt.Equal(f.now) {
		t.Errorf("paidAt = %v", p.PaidAt)
	}

	got := f.bus.Published(events.TopicPaymentSucceeded)
	if len(got) != 1 {
		t.Fatalf("payment.succeeded published %d times", len(got))
	}
	ev, err := events.Decode[events.PaymentSucceeded](got[0])
	if err != nil {
		t.Fatal(err)
	}
	if ev.OrderID != "o-1" || ev.PaymentCode != p.PaymentCode || ev.Amount != "150000" {
		t.Errorf("event = %+v", ev)
	}
	if got[0].CorrelationID != "o-1" {
		t.Errorf("correlation id = %s", got[0].CorrelationID)
	}
	if n := len(f.bus.Published(events.TopicOrderCancelRequested)); n != 0 {
		t.Errorf("cancel published %d times on success", n)
	}
}

func TestCallbackFailurePublishesCancel(t *testing.T) {
	f := newFixture(t)
	in := f.intent(t)

	res, err := f.svc.ProcessCallback(context.Background(), f.callback(in.Payment, "24"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Message != "Customer cancelled the transaction" {
		t.Errorf("result = %+v", res)
	}
	p, _ := f.repo.Get(context.Background(), in.Payment.ID)
	if p.Status != StatusFailed || p.FailedAt == nil || p.GatewayResponseCode != "24" {
		t.Errorf("payment = %+v", p)
	}

	failed := f.bus.Published(events.TopicPaymentFailed)
	if len(failed) != 1 {
		t.Fatalf("payment.failed published %d times", len(failed))
	}
	cancels := f.bus.Published(events.TopicOrderCancelRequested)
	if len(cancels) != 1 {
		t.Fatalf("cancel published %d times", len(cancels))
	}
	c, _ := events.Decode[events.CancelOrderRequested](cancels[0])
	if c.OrderID != "o-1" || c.UserID != "u-1" || c.Reason != "transaction error" {
		t.Errorf("cancel = %+v", c)
	}
	if len(f.bus.Published(events.TopicPaymentSucceeded)) != 0 {
		t.Error("payment.succeeded published for a failed payment")
	}
}

func TestCallbackVerifiesSignatureFirst(t *testing.T) {
	f := newFixture(t)
	in := f.intent(t)
	params := f.callback(in.Payment, "00")
	params["vnp_Amount"] = "100"

	_, err := f.svc.ProcessCallback(context.Background(), params)
	if !apperr.Is(err, apperr.KindIntegrity) {
		t.Fatalf("err = %v", err)
	}
	if apperr.PublicMessage(err) != "invalid checksum" {
		t.Errorf("message = %q", apperr.PublicMessage(err))
	}
	p, _ := f.repo.Get(context.Background(), in.Payment.ID)
	if p.Status != StatusPending {
		t.Errorf("status = %s after forged callback", p.Status)
	}
}

func TestCallbackRejectsAmountMismatch(t *testing.T) {
	f := newFixture(t)
	in := f.intent(t)
	params := f.callback(in.Payment, "00")
	delete(params, paramSecureHash)
	params["vnp_Amount"] = "1500000"
	params[paramSecureHash] = f.gw.Sign(params)

	_, err := f.svc.ProcessCallback(context.Background(), params)
	if !errors.Is(err, ErrInvalidAmount) || !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("err = %v", err)
	}
}

func TestCallbackForUnknownPayment(t *testing.T) {
	f := newFixture(t)
	params := map[string]string{"vnp_TxnRef": "BO_o-9_20240501170000", "vnp_Amount": "100", "vnp_ResponseCode": "00"}
	params[paramSecureHash] = f.gw.Sign(params)
	if _, err := f.svc.ProcessCallback(context.Background(), params); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("err = %v", err)
	}

	params = map[string]string{"vnp_TxnRef": "garbage", "vnp_Amount": "100"}
	params[paramSecureHash] = f.gw.Sign(params)
	if _, err := f.svc.ProcessCallback(context.Background(), params); !errors.Is(err, ErrBadTxnRef) {
		t.Errorf("err = %v", err)
	}
}

func TestDuplicateCallbackRepublishesSameEvent(t *testing.T) {
	f := newFixture(t)
	in := f.intent(t)
	params := f.callback(in.Payment, "00")

	if _, err := f.svc.ProcessCallback(context.Background(), params); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.ProcessCallback(context.Background(), params)
	if err != nil {
		t.Fatal(err)
	}
	if !res.AlreadyProcessed || !res.Success {
		t.Errorf("result = %+v", res)
	}
	// a late failure notice cannot flip a completed payment
	res, err = f.svc.ProcessCallback(context.Background(), f.callback(in.Payment, "24"))
	if err != nil || !res.AlreadyProcessed || !res.Success {
		t.Errorf("late failure = %+v, %v", res, err)
	}

	got := f.bus.Published(events.TopicPaymentSucceeded)
	if len(got) != 3 {
		t.Fatalf("published %d events", len(got))
	}
	if got[0].EventID != got[1].EventID || got[1].EventID != got[2].EventID {
		t.Errorf("republished ids differ: %s %s %s", got[0].EventID, got[1].EventID, got[2].EventID)
	}
	if len(f.bus.Published(events.TopicOrderCancelRequested)) != 0 {
		t.Error("completed payment published a cancel")
	}
}

func TestConcurrentCallbacksSettleOnce(t *testing.T) {
	f := newFixture(t)
	in := f.intent(t)
	params := f.callback(in.Payment, "00")

	var wg sync.WaitGroup
	results := make(chan *CallbackResult, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.ProcessCallback(context.Background(), params)
			if err != nil {
				t.Error(err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	fresh := 0
	for r := range results {
		if !r.AlreadyProcessed {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("%d callbacks settled the payment", fresh)
	}
}

type failingBus struct{ err error }

func (b failingBus) Publish(context.Context, string, events.Envelope) error { return b.err }

func TestPublishFailureIsTransientAndReplayed(t *testing.T) {
	f := newFixture(t)
	in := f.intent(t)
	broken, err := NewService(f.repo, f.orders, f.gw, failingBus{errors.New("broker down")}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	params := f.callback(in.Payment, "24")
	if _, err := broken.ProcessCallback(context.Background(), params); !apperr.Is(err, apperr.KindTransient) {
		t.Fatalf("err = %v", err)
	}

	// the stored failure is announced once the gateway retries against a healthy broker
	res, err := f.svc.ProcessCallback(context.Background(), params)
	if err != nil || !res.AlreadyProcessed {
		t.Fatalf("retry = %+v, %v", res, err)
	}
	if len(f.bus.Published(events.TopicOrderCancelRequested)) != 1 {
		t.Error("cancel not republished")
	}
}

func TestHandleIPNResponseCodes(t *testing.T) {
	f := newFixture(t)
	in := f.intent(t)
	ok := f.callback(in.Payment, "00")

	forged := f.callback(in.Payment, "00")
	forged["vnp_ResponseCode"] = "24"

	wrongAmount := f.callback(in.Payment, "00")
	delete(wrongAmount, paramSecureHash)
	wrongAmount["vnp_Amount"] = "1"
	wrongAmount[paramSecureHash] = f.gw.Sign(wrongAmount)

	unknown := map[string]string{"vnp_TxnRef": "BO_o-9_20240501170000", "vnp_Amount": "100"}
	unknown[paramSecureHash] = f.gw.Sign(unknown)

	steps := []struct {
		name   string
		params map[string]string
		want   string
	}{
		{"forged", forged, "97"},
		{"wrong amount", wrongAmount, "04"},
		{"unknown order", unknown, "01"},
		{"first", ok, "00"},
		{"repeat", ok, "02"},
	}
	for _, s := range steps {
		if got := f.svc.HandleIPN(context.Background(), s.params); got.RspCode != s.want {
			t.Errorf("%s: RspCode = %s (%s), want %s", s.name, got.RspCode, got.Message, s.want)
		}
	}
}

type panickyRepo struct{ Repository }

func (panickyRepo) GetByTxnRef(context.Context, string) (*Payment, error) { panic("boom") }

type brokenRepo struct{ Repository }

func (brokenRepo) GetByTxnRef(context.Context, string) (*Payment, error) {
	return nil, errors.New("connection reset")
}

func TestHandleIPNNeverFails(t *testing.T) {
	f := newFixture(t)
	in := f.intent(t)
	params := f.callback(in.Payment, "00")

	core, logs := observer.New(zap.ErrorLevel)
	svc, err := NewService(panickyRepo{f.repo}, f.orders, f.gw, f.bus, zap.New(core))
	if err != nil {
		t.Fatal(err)
	}
	if got := svc.HandleIPN(context.Background(), params); got.RspCode != "99" || got.Message != "Unknown error" {
		t.Errorf("panic response = %+v", got)
	}
	if logs.FilterMessage("ipn handler panic").Len() != 1 {
		t.Error("panic not logged")
	}

	svc, _ = NewService(brokenRepo{f.repo}, f.orders, f.gw, f.bus, zap.New(core))
	if got := svc.HandleIPN(context.Background(), params); got.RspCode != "99" {
		t.Errorf("store failure response = %+v", got)
	}
	if got := svc.HandleIPN(context.Background(), nil); got.RspCode != "97" {
		t.Errorf("empty params response = %+v", got)
	}
}

func (f *fixture) paid(t *testing.T) *Payment {
	t.Helper()
	in := f.intent(t)
	if _, err := f.svc.ProcessCallback(context.Background(), f.callback(in.Payment, "00")); err != nil {
		t.Fatal(err)
	}
	p, err := f.svc.PaymentForOrder(context.Background(), "o-1")
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRefunds(t *testing.T) {
	f := newFixture(t)
	p := f.paid(t)
	ctx := context.Background()

	r1, err := f.svc.RequestRefund(ctx, p.PaymentCode, RefundRequest{Amount: decimal.NewFromInt(50000), Reason: "damaged", RequestedBy: "admin"})
	if err != nil {
		t.Fatal(err)
	}
	if r1.Status != RefundPending || r1.RefundCode[:4] != "REF-" {
		t.Errorf("refund = %+v", r1)
	}

	// the pending refund already counts against what is left
	_, err = f.svc.RequestRefund(ctx, p.PaymentCode, RefundRequest{Amount: decimal.NewFromInt(100001)})
	if !apperr.Is(err, apperr.KindBusinessRule) {
		t.Errorf("over-refund err = %v", err)
	}

	if _, err := f.svc.CompleteRefund(ctx, r1.ID, "GW-1"); err != nil {
		t.Fatal(err)
	}
	got, _ := f.svc.ByCode(ctx, p.PaymentCode)
	if got.Status != StatusPartialRefund || !got.Refundable().Equal(decimal.NewFromInt(100000)) {
		t.Errorf("after partial refund: status %s refundable %s", got.Status, got.Refundable())
	}
	if _, err := f.svc.CompleteRefund(ctx, r1.ID, "GW-1"); err != nil {
		t.Errorf("completing twice: %v", err)
	}

	r2, err := f.svc.RequestRefund(ctx, p.PaymentCode, RefundRequest{Amount: decimal.NewFromInt(100000)})
	if err != nil {
		t.Fatal(err)
	}
	done, err := f.svc.CompleteRefund(ctx, r2.ID, "GW-2")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != RefundCompleted || done.GatewayRefundID != "GW-2" || done.CompletedAt == nil {
		t.Errorf("refund = %+v", done)
	}
	got, _ = f.svc.ByCode(ctx, p.PaymentCode)
	if got.Status != StatusRefunded || !got.Refunded().Equal(decimal.NewFromInt(150000)) {
		t.Errorf("after full refund: status %s refunded %s", got.Status, got.Refunded())
	}
	if _, err := f.svc.RequestRefund(ctx, p.PaymentCode, RefundRequest{Amount: decimal.NewFromInt(1)}); !apperr.Is(err, apperr.KindBusinessRule) {
		t.Errorf("refund of refunded payment err = %v", err)
	}
}

func TestRefundPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.intent(t)

	if _, err := f.svc.RequestRefund(ctx, in.PaymentCode, RefundRequest{Amount: decimal.NewFromInt(1)}); !apperr.Is(err, apperr.KindBusinessRule) {
		t.Errorf("refund of pending payment err = %v", err)
	}
	if _, err := f.svc.RequestRefund(ctx, in.PaymentCode, RefundRequest{}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("zero refund err = %v", err)
	}
	if _, err := f.svc.RequestRefund(ctx, "PAY-missing", RefundRequest{Amount: decimal.NewFromInt(1)}); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("unknown payment err = %v", err)
	}
	if _, err := f.svc.CompleteRefund(ctx, "nope", ""); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("unknown refund err = %v", err)
	}
}
