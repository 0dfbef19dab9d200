package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/apperr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrConflict          = errors.New("order changed concurrently")
	ErrAlreadyPaid       = errors.New("order is already paid")
	ErrIllegalTransition = errors.New("illegal order transition")
)

const DefaultCurrency = "VND"

type Shipping struct {
	RecipientName string         `json:"recipientName"`
	Phone         string         `json:"phone"`
	Address       string         `json:"address"`
	Ward          string         `json:"ward,omitempty"`
	District      string         `json:"district,omitempty"`
	Province      string         `json:"province"`
	Method        ShippingMethod `json:"method"`
}

// FullAddress joins the address parts the way labels print them.
func (s Shipping) FullAddress() string {
	parts := []string{s.Address}
	for _, p := range []string{s.Ward, s.District, s.Province} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

type Order struct {
	ID            string          `json:"id"`
	OrderNumber   string          `json:"orderNumber"`
	UserID        string          `json:"userId"`
	Status        Status          `json:"status"`
	PaymentStatus PaymentStatus   `json:"paymentStatus"`
	PaymentMethod PaymentMethod   `json:"paymentMethod"`
	Currency      string          `json:"currency"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discountAmount"`
	Tax           decimal.Decimal `json:"taxAmount"`
	ShippingFee   decimal.Decimal `json:"shippingFee"`
	Total         decimal.Decimal `json:"totalAmount"`
	Shipping      Shipping        `json:"shipping"`
	CustomerNote  string          `json:"customerNote,omitempty"`
	CancelReason  string          `json:"cancelReason,omitempty"`
	CancelledAt   *time.Time      `json:"cancelledAt,omitempty"`
	CancelledBy   string          `json:"cancelledBy,omitempty"`
	PaidAt        *time.Time      `json:"paidAt,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Items         []Item          `json:"items"`
	History       []StatusChange  `json:"history"`

	// status changes not yet written; the repository flushes them with the order row
	pending []StatusChange
}

type Item struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId"`
	ProductID   string          `json:"productId"`
	ProductSKU  string          `json:"productSku,omitempty"`
	ProductName string          `json:"productName,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// StatusChange is one row of the append-only status history.
type StatusChange struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"orderId"`
	FromStatus Status    `json:"fromStatus,omitempty"`
	ToStatus   Status    `json:"toStatus"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (o *Order) TotalItems() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

// transition moves the order to `to` and queues the matching history row.
func (o *Order) transition(to Status, reason, actor string, at time.Time) error {
	if !CanTransition(o.Status, to) {
		return apperr.Business("order cannot move from %s to %s", o.Status, to).Wrap(ErrIllegalTransition)
	}
	o.record(o.Status, to, reason, actor, at)
	o.Status = to
	o.UpdatedAt = at
	return nil
}

func (o *Order) record(from, to Status, reason, actor string, at time.Time) {
	o.pending = append(o.pending, StatusChange{
		ID:         uuid.NewString(),
		OrderID:    o.ID,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		Actor:      actor,
		CreatedAt:  at,
	})
}

func (o *Order) cancel(reason, actor string, at time.Time) error {
	if err := o.transition(StatusCancelled, reason, actor, at); err != nil {
		return err
	}
	o.CancelReason = reason
	o.CancelledBy = actor
	o.CancelledAt = &at
	return nil
}

func (o *Order) markPaid(at time.Time) {
	o.PaymentStatus = PaymentPaid
	o.PaidAt = &at
	o.UpdatedAt = at
}

// flush hands the queued history rows to the repository and moves them into History.
func (o *Order) flush() []StatusChange {
	out := o.pending
	o.History = append(o.History, out...)
	o.pending = nil
	return out
}

func (o *Order) clone() *Order {
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	c.History = append([]StatusChange(nil), o.History...)
	c.pending = append([]StatusChange(nil), o.pending...)
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		c.CancelledAt = &t
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	return &c
}

// ---- requests ----

type ItemRequest struct {
	ProductID   string          `json:"productId"`
	ProductSKU  string          `json:"productSku,omitempty"`
	ProductName string          `json:"productName,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

type CreateOrderRequest struct {
	UserID        string          `json:"userId"`
	Items         []ItemRequest   `json:"items"`
	Shipping      Shipping        `json:"shipping"`
	PaymentMethod PaymentMethod   `json:"paymentMethod"`
	ShippingFee   decimal.Decimal `json:"shippingFee"`
	CustomerNote  string          `json:"customerNote,omitempty"`
}

func (r CreateOrderRequest) Validate() error {
	var problems []string
	if strings.TrimSpace(r.UserID) == "" {
		problems = append(problems, "userId is required")
	}
	if len(r.Items) == 0 {
		problems = append(problems, "order must have at least one item")
	}
	for i, it := range r.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			problems = append(problems, fmt.Sprintf("items[%d].productId is required", i))
		}
		if it.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("items[%d].quantity must be positive", i))
		}
		if it.UnitPrice.IsNegative() {
			problems = append(problems, fmt.Sprintf("items[%d].unitPrice must not be negative", i))
		}
	}
	if !r.PaymentMethod.Valid() {
		problems = append(problems, "paymentMethod is invalid")
	}
	s := r.Shipping
	if strings.TrimSpace(s.RecipientName) == "" {
		problems = append(problems, "shipping.recipientName is required")
	}
	if strings.TrimSpace(s.Phone) == "" {
		problems = append(problems, "shipping.phone is required")
	}
	if strings.TrimSpace(s.Address) == "" {
		problems = append(problems, "shipping.address is required")
	}
	if strings.TrimSpace(s.Province) == "" {
		problems = append(problems, "shipping.province is required")
	}
	if s.Method != "" && !s.Method.Valid() {
		problems = append(problems, "shipping.method is invalid")
	}
	if r.ShippingFee.IsNegative() {
		problems = append(problems, "shippingFee must not be negative")
	}
	if len(problems) > 0 {
		return apperr.Validation("%s", strings.Join(problems, "; ")).WithDetails(problems)
	}
	return nil
}

type CancelRequest struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	Reason  string `json:"reason"`
}

// newOrder prices the request into a PENDING order with its first history row queued.
func newOrder(req CreateOrderRequest, at time.Time) *Order {
	o := &Order{
		ID:            uuid.NewString(),
		OrderNumber:   orderNumber(at),
		UserID:        req.UserID,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		PaymentMethod: req.PaymentMethod,
		Currency:      DefaultCurrency,
		Discount:      decimal.Zero,
		Tax:           decimal.Zero,
		ShippingFee:   req.ShippingFee,
		Shipping:      req.Shipping,
		CustomerNote:  req.CustomerNote,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	if o.Shipping.Method == "" {
		o.Shipping.Method = ShipStandard
	}
	subtotal := decimal.Zero
	for _, it := range req.Items {
		line := it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
		subtotal = subtotal.Add(line)
		o.Items = append(o.Items, Item{
			ID:          uuid.NewString(),
			OrderID:     o.ID,
			ProductID:   it.ProductID,
			ProductSKU:  it.ProductSKU,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Subtotal:    line,
		})
	}
	o.Subtotal = subtotal
	o.Total = subtotal.Sub(o.Discount).Add(o.Tax).Add(o.ShippingFee)
	o.record("", StatusPending, "order created", req.UserID, at)
	return o
}

// orderNumber is ORD-<unix millis>-<4 upper hex chars>.
func orderNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:4])
	return fmt.Sprintf("ORD-%d-%s", at.UnixMilli(), suffix)
}
