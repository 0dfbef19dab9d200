package orders

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/apperr"
	"github.com/ariefcatur/order-fulfillment/internal/events"
	"github.com/ariefcatur/order-fulfillment/internal/inventory"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	clock  *testClock
	bus    *events.MemoryBus
	ledger *inventory.Ledger
	repo   *MemoryRepository
	mgr    *Manager
}

func newFixture(t *testing.T, seed ...inventory.Record) *fixture {
	t.Helper()
	f := &fixture{
		clock: &testClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		bus:   events.NewMemoryBus(),
		repo:  NewMemoryRepository(),
	}
	l, err := inventory.NewLedger(inventory.NewMemoryStore(seed...), f.bus, zap.NewNop(), inventory.WithClock(f.clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	f.ledger = l
	f.mgr = f.manager(t, l)
	return f
}

func (f *fixture) manager(t *testing.T, stock StockLedger) *Manager {
	t.Helper()
	m, err := NewManager(f.repo, stock, f.bus, zap.NewNop(), WithClock(f.clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func (f *fixture) counters(t *testing.T, productID string) (onHand, reserved int) {
	t.Helper()
	v, err := f.ledger.Record(context.Background(), productID)
	if err != nil {
		t.Fatalf("record %s: %v", productID, err)
	}
	return v.OnHand, v.Reserved
}

func item(productID string, qty int, price string) ItemRequest {
	return ItemRequest{ProductID: productID, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

func orderReq(userID string, items ...ItemRequest) CreateOrderRequest {
	return CreateOrderRequest{
		UserID:        userID,
		Items:         items,
		PaymentMethod: MethodVNPay,
		Shipping: Shipping{
			RecipientName: "Nguyen Van An",
			Phone:         "0901234567",
			Address:       "12 Le Loi",
			District:      "District 1",
			Province:      "Ho Chi Minh",
		},
	}
}

func (f *fixture) create(t *testing.T, req CreateOrderRequest) *Order {
	t.Helper()
	o, err := f.mgr.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func TestNewManagerRequiresDependencies(t *testing.T) {
	if _, err := NewManager(nil, &fakeStock{}, events.NewMemoryBus(), nil); err == nil {
		t.Error("expected error for nil repository")
	}
	if _, err := NewManager(NewMemoryRepository(), nil, events.NewMemoryBus(), nil); err == nil {
		t.Error("expected error for nil stock ledger")
	}
	if _, err := NewManager(NewMemoryRepository(), &fakeStock{}, nil, nil); err == nil {
		t.Error("expected error for nil publisher")
	}
}

func TestCreateOrderReservesAndConfirms(t *testing.T) {
	f := newFixture(t, inventory.Record{ProductID: "p-1", OnHand: 10}, inventory.Record{ProductID: "p-2", OnHand: 5})
	req := orderReq("u-1", item("p-1", 2, "150000"), item("p-2", 1, "89000.50"))
	req.ShippingFee = decimal.RequireFromString("30000")

	o := f.create(t, req)

	if o.Status != StatusConfirmed || o.PaymentStatus != PaymentPending {
		t.Errorf("status = %s/%s", o.Status, o.PaymentStatus)
	}
	if !o.Subtotal.Equal(decimal.RequireFromString("389000.50")) {
		t.Errorf("subtotal = %s", o.Subtotal)
	}
	if !o.Total.Equal(decimal.RequireFromString("419000.50")) {
		t.Errorf("total = %s", o.Total)
	}
	if !strings.HasPrefix(o.OrderNumber, "ORD-1714557600000-") || len(o.OrderNumber) != len("ORD-1714557600000-")+4 {
		t.Errorf("order number = %s", o.OrderNumber)
	}
	if len(o.History) != 2 || o.History[1].FromStatus != StatusPending || o.History[1].ToStatus != StatusConfirmed {
		t.Errorf("history = %+v", o.History)
	}
	if o.Shipping.Method != ShipStandard {
		t.Errorf("shipping method = %s", o.Shipping.Method)
	}

	if on, res := f.counters(t, "p-1"); on != 10 || res != 2 {
		t.Errorf("p-1 = %d/%d", on, res)
	}
	stored, err := f.repo.Get(context.Background(), o.ID)
	if err != nil || stored.Status != StatusConfirmed || stored.Version != 1 {
		t.Errorf("stored = %+v, %v", stored, err)
	}
	if got := f.bus.Published(events.TopicOrderCreated); len(got) != 1 || got[0].CorrelationID != o.ID {
		t.Errorf("order.created events = %+v", got)
	}
}

// Scenario C: one line can be held, the other cannot. Nothing survives the call.
func TestCreateOrderRollsBackOnPartialStock(t *testing.T) {
	f := newFixture(t, inventory.Record{ProductID: "p-1", OnHand: 10}, inventory.Record{ProductID: "p-2", OnHand: 1})

	_, err := f.mgr.CreateOrder(context.Background(), orderReq("u-1", item("p-1", 2, "10"), item("p-2", 5, "10")))
	if !apperr.Is(err, apperr.KindBusinessRule) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "failed to reserve stock") || !strings.Contains(err.Error(), "p-2") {
		t.Errorf("message = %q", err.Error())
	}
	failed, ok := apperr.DetailsOf(err).([]inventory.FailedLine)
	if !ok || len(failed) != 1 || failed[0].ProductID != "p-2" || failed[0].Code != inventory.FailInsufficient {
		t.Errorf("details = %#v", apperr.DetailsOf(err))
	}

	for _, pid := range []string{"p-1", "p-2"} {
		if _, res := f.counters(t, pid); res != 0 {
			t.Errorf("%s reserved = %d after rollback", pid, res)
		}
	}
	if list, _ := f.repo.ListByUser(context.Background(), "u-1", 10, 0); len(list) != 0 {
		t.Errorf("rejected order persisted: %+v", list)
	}
}

func TestCreateOrderDeletesOrderOnStockError(t *testing.T) {
	f := newFixture(t)
	stock := &fakeStock{reserveErr: apperr.Transient(errors.New("dial tcp: timeout"), "inventory service unreachable")}
	m := f.manager(t, stock)

	_, err := m.CreateOrder(context.Background(), orderReq("u-1", item("p-1", 1, "10")))
	if !apperr.Is(err, apperr.KindBusinessRule) || !strings.Contains(err.Error(), "inventory service unreachable") {
		t.Fatalf("err = %v", err)
	}
	if len(stock.released) != 1 {
		t.Errorf("expected a best-effort release, got %v", stock.released)
	}
	if list, _ := f.repo.ListByUser(context.Background(), "u-1", 10, 0); len(list) != 0 {
		t.Errorf("order left behind: %+v", list)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t, inventory.Record{ProductID: "p-1", OnHand: 10})
	cases := map[string]CreateOrderRequest{
		"no user":        orderReq("", item("p-1", 1, "10")),
		"no items":       orderReq("u-1"),
		"zero quantity":  orderReq("u-1", item("p-1", 0, "10")),
		"negative price": orderReq("u-1", item("p-1", 1, "-1")),
	}
	noAddress := orderReq("u-1", item("p-1", 1, "10"))
	noAddress.Shipping.Address = ""
	cases["no address"] = noAddress
	badMethod := orderReq("u-1", item("p-1", 1, "10"))
	badMethod.PaymentMethod = "BITCOIN"
	cases["bad payment method"] = badMethod

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.mgr.CreateOrder(context.Background(), req)
			if !apperr.Is(err, apperr.KindValidation) {
				t.Errorf("err = %v", err)
			}
		})
	}
	if _, res := f.counters(t, "p-1"); res != 0 {
		t.Errorf("reserved = %d after invalid requests", res)
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, inventory.Record{ProductID: "p-1", OnHand: 10})
	o := f.create(t, orderReq("u-1", item("p-1", 3, "10")))
	ctx := context.Background()

	if _, err := f.mgr.CancelOrder(ctx, CancelRequest{OrderID: o.ID, UserID: "u-2", Reason: "x"}); !apperr.Is(err, apperr.KindForbidden) {
		t.Errorf("non-owner cancel = %v", err)
	}
	if _, err := f.mgr.CancelOrder(ctx, CancelRequest{OrderID: "missing", UserID: "u-1"}); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("unknown order cancel = %v", err)
	}

	got, err := f.mgr.CancelOrder(ctx, CancelRequest{OrderID: o.ID, UserID: "u-1", Reason: "changed my mind"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCancelled || got.CancelReason != "changed my mind" || got.CancelledBy != "u-1" || got.CancelledAt == nil {
		t.Errorf("cancelled order = %+v", got)
	}
	if _, res := f.counters(t, "p-1"); res != 0 {
		t.Errorf("reserved = %d after cancel", res)
	}

	again, err := f.mgr.CancelOrder(ctx, CancelRequest{OrderID: o.ID, UserID: "u-1", Reason: "twice"})
	if err != nil {
		t.Fatalf("repeat cancel = %v", err)
	}
	if again.CancelReason != "changed my mind" || len(again.History) != 3 {
		t.Errorf("repeat cancel changed the order: %+v", again)
	}
}

func TestCancelRejectsOrderInProcessing(t *testing.T) {
	f := newFixture(t, inventory.Record{ProductID: "p-1", OnHand: 10})
	o := f.create(t, orderReq("u-1", item("p-1", 1, "10")))
	if _, err := f.mgr.ConfirmPayment(context.Background(), o.ID); err != nil {
		t.Fatal(err)
	}

	_, err := f.mgr.CancelOrder(context.Background(), CancelRequest{OrderID: o.ID, UserID: "u-1"})
	if !apperr.Is(err, apperr.KindBusinessRule) || !strings.Contains(err.Error(), "current status: PROCESSING") {
		t.Errorf("err = %v", err)
	}
}

func TestCancelSurvivesReleaseFailure(t *testing.T) {
	f := newFixture(t)
	stock := &fakeStock{releaseErr: apperr.Transient(errors.New("refused"), "inventory service unreachable")}
	m := f.manager(t, stock)
	o, err := m.CreateOrder(context.Background(), orderReq("u-1", item("p-1", 1, "10")))
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.CancelOrder(context.Background(), CancelRequest{OrderID: o.ID, UserID: "u-1"})
	if err != nil || got.Status != StatusCancelled {
		t.Errorf("cancel = %+v, %v", got, err)
	}
}

func TestConfirmPayment(t *testing.T) {
	f := newFixture(t, inventory.Record{ProductID: "p-1", OnHand: 10})
	o := f.create(t, orderReq("u-1", item("p-1", 4, "10")))

	paid, err := f.mgr.ConfirmPayment(context.Background(), o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if paid.PaymentStatus != PaymentPaid || paid.Status != StatusProcessing || paid.PaidAt == nil {
		t.Errorf("paid order = %+v", paid)
	}
	if on, res := f.counters(t, "p-1"); on != 6 || res != 0 {
		t.Errorf("p-1 = %d/%d, want 6/0", on, res)
	}

	_, err = f.mgr.ConfirmPayment(context.Background(), o.ID)
	if !errors.Is(err, ErrAlreadyPaid) || !apperr.Is(err, apperr.KindBusinessRule) {
		t.Errorf("second confirm = %v", err)
	}
	if on, _ := f.counters(t, "p-1"); on != 6 {
		t.Errorf("second confirm changed stock: onHand=%d", on)
	}
}

func TestConfirmPaymentAfterHoldExpired(t *testing.T) {
	f := newFixture(t, inventory.Record{ProductID: "p-1", OnHand: 10})
	o := f.create(t, orderReq("u-1", item("p-1", 4, "10")))

	f.clock.Advance(inventory.DefaultHold + time.Minute)
	inventory.NewSweeper(f.ledger, time.Minute, 10, zap.NewNop()).Sweep(context.Background())

	_, err := f.mgr.ConfirmPayment(context.Background(), o.ID)
	if !apperr.Is(err, apperr.KindBusinessRule) || !errors.Is(err, inventory.ErrNoPendingReservations) {
		t.Fatalf("err = %v", err)
	}
	stored, _ := f.repo.Get(context.Background(), o.ID)
	if stored.PaymentStatus != PaymentPending || stored.Status != StatusConfirmed {
		t.Errorf("order changed despite failed confirm: %s/%s", stored.Status, stored.PaymentStatus)
	}
}

// cancellingLedger confirms for real, then lets a customer cancel and a duplicate
// payment event arrive before ConfirmPayment saves the paid order.
type cancellingLedger struct {
	*inventory.Ledger
	other     *Manager
	userID    string
	cancelErr error
	againErr  error
}

func (l *cancellingLedger) Confirm(ctx context.Context, orderID string) error {
	if err := l.Ledger.Confirm(ctx, orderID); err != nil {
		return err
	}
	_, l.cancelErr = l.other.CancelOrder(ctx, CancelRequest{OrderID: orderID, UserID: l.userID})
	_, l.againErr = l.other.ConfirmPayment(ctx, orderID)
	return nil
}

func TestCancelCannotOvertakePaymentConfirmation(t *testing.T) {
	f := newFixture(t, inventory.Record{ProductID: "p-1", OnHand: 10})
	o := f.create(t, orderReq("u-1", item("p-1", 3, "10")))
	stock := &cancellingLedger{Ledger: f.ledger, other: f.mgr, userID: "u-1"}
	m := f.manager(t, stock)

	paid, err := m.ConfirmPayment(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if !apperr.Is(stock.cancelErr, apperr.KindTransient) {
		t.Errorf("cancel during confirmation = %v", stock.cancelErr)
	}
	if !apperr.Is(stock.againErr, apperr.KindTransient) {
		t.Errorf("duplicate confirmation = %v", stock.againErr)
	}

	stored, _ := f.repo.Get(context.Background(), o.ID)
	if stored.Status != StatusProcessing || stored.PaymentStatus != PaymentPaid || paid.Version != stored.Version {
		t.Errorf("order = %s/%s v%d", stored.Status, stored.PaymentStatus, stored.Version)
	}
	if on, res := f.counters(t, "p-1"); on != 7 || res != 0 {
		t.Errorf("p-1 = %d/%d, want 7/0", on, res)
	}

	_, err = f.mgr.CancelOrder(context.Background(), CancelRequest{OrderID: o.ID, UserID: "u-1"})
	if !apperr.Is(err, apperr.KindBusinessRule) {
		t.Errorf("cancel after payment = %v", err)
	}
}

func TestFailedStockConfirmDropsPaymentClaim(t *testing.T) {
	f := newFixture(t, inventory.Record{ProductID: "p-1", OnHand: 10})
	o := f.create(t, orderReq("u-1", item("p-1", 2, "10")))
	if err := f.ledger.Release(context.Background(), o.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := f.mgr.ConfirmPayment(context.Background(), o.ID); err == nil {
		t.Fatal("confirmed an order without a hold")
	}
	stored, _ := f.repo.Get(context.Background(), o.ID)
	if stored.PaymentStatus != PaymentPending {
		t.Fatalf("payment status = %s after failed confirm", stored.PaymentStatus)
	}
	if got, err := f.mgr.CancelOrder(context.Background(), CancelRequest{OrderID: o.ID, UserID: "u-1"}); err != nil || got.Status != StatusCancelled {
		t.Errorf("cancel after failed confirm = %v, %v", got, err)
	}
}

// brokenRepo fails every update, as if the database went away mid request.
type brokenRepo struct {
	*MemoryRepository
}

func (brokenRepo) Update(context.Context, *Order) error { return errors.New("connection reset") }

func TestCancelKeepsHoldWhenSaveFails(t *testing.T) {
	f := newFixture(t, inventory.Record{ProductID: "p-1", OnHand: 10})
	o := f.create(t, orderReq("u-1", item("p-1", 2, "10")))
	m, _ := NewManager(brokenRepo{f.repo}, f.ledger, f.bus, zap.NewNop(), WithClock(f.clock.Now))

	if _, err := m.CancelOrder(context.Background(), CancelRequest{OrderID: o.ID, UserID: "u-1"}); err == nil {
		t.Fatal("cancel reported success without saving")
	}
	if _, res := f.counters(t, "p-1"); res != 2 {
		t.Errorf("reserved = %d, hold released for an order still CONFIRMED", res)
	}
	if _, err := f.mgr.ConfirmPayment(context.Background(), o.ID); err != nil {
		t.Errorf("order no longer payable: %v", err)
	}
}

func TestCancelRetriesOnVersionConflict(t *testing.T) {
	f := newFixture(t, inventory.Record{ProductID: "p-1", OnHand: 10})
	o := f.create(t, orderReq("u-1", item("p-1", 1, "10")))
	racy := &racyRepo{MemoryRepository: f.repo, conflicts: 1}
	m, _ := NewManager(racy, f.ledger, f.bus, zap.NewNop(), WithClock(f.clock.Now))

	got, err := m.CancelOrder(context.Background(), CancelRequest{OrderID: o.ID, UserID: "u-1"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCancelled || racy.updates != 2 {
		t.Errorf("status=%s updates=%d", got.Status, racy.updates)
	}
	stored, _ := f.repo.Get(context.Background(), o.ID)
	if n := len(stored.History); n != 3 {
		t.Errorf("history rows = %d, want 3", n)
	}
}

func TestListAndLookup(t *testing.T) {
	f := newFixture(t, inventory.Record{ProductID: "p-1", OnHand: 100})
	var last *Order
	for i := 0; i < 3; i++ {
		last = f.create(t, orderReq("u-1", item("p-1", 1, "10")))
		f.clock.Advance(time.Second)
	}
	f.create(t, orderReq("u-2", item("p-1", 1, "10")))
	ctx := context.Background()

	list, err := f.mgr.ListByUser(ctx, "u-1", 0, 2)
	if err != nil || len(list) != 2 || list[0].ID != last.ID {
		t.Errorf("page 0 = %v, %v", list, err)
	}
	if list, _ := f.mgr.ListByUser(ctx, "u-1", 1, 2); len(list) != 1 {
		t.Errorf("page 1 has %d orders", len(list))
	}
	if list, _ := f.mgr.ListByUser(ctx, "nobody", 0, 10); list == nil || len(list) != 0 {
		t.Errorf("empty list = %#v", list)
	}

	byNumber, err := f.mgr.GetByNumber(ctx, last.OrderNumber)
	if err != nil || byNumber.ID != last.ID {
		t.Errorf("by number = %v, %v", byNumber, err)
	}
	if _, err := f.mgr.GetByNumber(ctx, "ORD-0-XXXX"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("unknown number = %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusConfirmed, true},
		{StatusConfirmed, StatusProcessing, true},
		{StatusProcessing, StatusCancelled, false},
		{StatusDelivered, StatusReturned, true},
		{StatusCancelled, StatusConfirmed, false},
		{StatusCompleted, StatusRefunded, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("%s -> %s = %v", c.from, c.to, got)
		}
	}
	o := &Order{ID: "o-1", Status: StatusCancelled}
	if err := o.transition(StatusConfirmed, "", "", time.Now()); !errors.Is(err, ErrIllegalTransition) || len(o.pending) != 0 {
		t.Errorf("illegal transition = %v, pending=%d", err, len(o.pending))
	}
}

// ---- fakes ----

type fakeStock struct {
	mu         sync.Mutex
	reserveErr error
	releaseErr error
	released   []string
	confirmed  []string
}

func (s *fakeStock) Reserve(_ context.Context, req inventory.ReserveRequest) (inventory.ReserveResult, error) {
	if s.reserveErr != nil {
		return inventory.ReserveResult{}, s.reserveErr
	}
	return inventory.ReserveResult{OrderID: req.OrderID, Success: true}, nil
}

func (s *fakeStock) Confirm(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = append(s.confirmed, orderID)
	return nil
}

func (s *fakeStock) Release(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, orderID)
	return s.releaseErr
}

// racyRepo fails the first updates with a conflict, as if another writer got there first.
type racyRepo struct {
	*MemoryRepository
	conflicts int
	updates   int
}

func (r *racyRepo) Update(ctx context.Context, o *Order) error {
	r.updates++
	if r.conflicts > 0 {
		r.conflicts--
		return ErrConflict
	}
	return r.MemoryRepository.Update(ctx, o)
}
