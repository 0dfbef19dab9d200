package inventory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/apperr"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusReleased  Status = "RELEASED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// PENDING is the only state with a way out.
var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusConfirmed: true, StatusReleased: true, StatusExpired: true, StatusCancelled: true},
	StatusConfirmed: {},
	StatusReleased:  {},
	StatusExpired:   {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool { return s != StatusPending }

const DefaultReorderLevel = 10

var (
	ErrRecordNotFound        = errors.New("inventory record not found")
	ErrReservationNotFound   = errors.New("stock reservation not found")
	ErrNoPendingReservations = errors.New("no pending reservations")
	ErrIllegalTransition     = errors.New("illegal reservation transition")
	ErrInvariant             = errors.New("inventory counters out of range")
	ErrConflict              = errors.New("inventory record changed concurrently")
)

type Record struct {
	ProductID    string    `json:"productId"`
	OnHand       int       `json:"onHandQuantity"`
	Reserved     int       `json:"reservedQuantity"`
	ReorderLevel int       `json:"reorderLevel"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (r Record) Available() int     { return r.OnHand - r.Reserved }
func (r Record) IsOutOfStock() bool { return r.Available() <= 0 }
func (r Record) IsLowStock() bool   { return r.Available() <= r.ReorderLevel }

// Validate enforces 0 <= reserved <= onHand.
func (r Record) Validate() error {
	if r.OnHand < 0 || r.Reserved < 0 || r.Reserved > r.OnHand {
		return fmt.Errorf("%w: product %s onHand=%d reserved=%d", ErrInvariant, r.ProductID, r.OnHand, r.Reserved)
	}
	return nil
}

// settle applies the counter change paired with moving a reservation of q units to status to.
func (r *Record) settle(to Status, q int) {
	switch to {
	case StatusConfirmed:
		r.OnHand -= q
		r.Reserved -= q
	default:
		r.Reserved = max(0, r.Reserved-q)
	}
}

type Reservation struct {
	ID        string    `json:"id"`
	ProductID string    `json:"productId"`
	OrderID   string    `json:"orderId"`
	Quantity  int       `json:"quantity"`
	Status    Status    `json:"status"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TransitionTo moves the reservation or fails without touching it.
func (r *Reservation) TransitionTo(to Status, at time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, r.ID, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = at
	return nil
}

// ---- reserve request/result ----

type Line struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type ReserveRequest struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	Items   []Line `json:"items"`
}

// lines validates the request and returns one line per product in ascending productId
// order, merging duplicates.
func (req ReserveRequest) lines() ([]Line, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return nil, apperr.Validation("orderId is required")
	}
	if len(req.Items) == 0 {
		return nil, apperr.Validation("at least one item is required")
	}
	qty := make(map[string]int, len(req.Items))
	for _, it := range req.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return nil, apperr.Validation("productId is required")
		}
		if it.Quantity <= 0 {
			return nil, apperr.Validation("quantity for product %s must be positive", it.ProductID)
		}
		qty[it.ProductID] += it.Quantity
	}
	out := make([]Line, 0, len(qty))
	for pid, q := range qty {
		out = append(out, Line{ProductID: pid, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

const (
	FailNotFound     = "PRODUCT_NOT_FOUND"
	FailInsufficient = "INSUFFICIENT_STOCK"
)

type ReservedLine struct {
	ReservationID string `json:"reservationId"`
	ProductID     string `json:"productId"`
	Quantity      int    `json:"quantity"`
}

type FailedLine struct {
	ProductID string `json:"productId"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Code      string `json:"code"`
	Reason    string `json:"reason"`
}

type ReserveResult struct {
	OrderID       string         `json:"orderId"`
	Success       bool           `json:"success"`
	Message       string         `json:"message"`
	ReservedItems []ReservedLine `json:"reservedItems"`
	FailedItems   []FailedLine   `json:"failedItems"`
	ExpiresAt     *time.Time     `json:"expiresAt,omitempty"`
}

// Describe renders the failed lines for error messages.
func (r ReserveResult) Describe() string {
	parts := make([]string, 0, len(r.FailedItems))
	for _, f := range r.FailedItems {
		parts = append(parts, f.ProductID+": "+f.Reason)
	}
	return strings.Join(parts, "; ")
}

// RecordView is a record plus its derived flags.
type RecordView struct {
	Record
	Available  int  `json:"availableQuantity"`
	OutOfStock bool `json:"outOfStock"`
	LowStock   bool `json:"lowStock"`
}

func viewOf(r Record) RecordView {
	return RecordView{Record: r, Available: r.Available(), OutOfStock: r.IsOutOfStock(), LowStock: r.IsLowStock()}
}

type SweepResult struct {
	Scanned int
	Expired int
	Failed  int
}
