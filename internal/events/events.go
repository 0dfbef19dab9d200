package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	TypeOrderCreated         = "OrderCreated"
	TypeStockRequested       = "InventoryStockRequested"
	TypeOutOfStock           = "InventoryOutOfStock"
	TypeOrderCancelRequested = "OrderCancelRequested"
	TypePaymentSucceeded     = "PaymentSucceeded"
	TypePaymentFailed        = "PaymentFailed"
)

const (
	TopicOrderCreated         = "order.created"
	TopicStockRequested       = "inventory.stock-requested"
	TopicOutOfStock           = "inventory.out-of-stock"
	TopicOrderCancelRequested = "order.cancel-requested"
	TopicPaymentSucceeded     = "payment.succeeded"
	TopicPaymentFailed        = "payment.failed"
)

// Envelope v1. CorrelationID is the order id for every saga event and doubles as the
// partition key, so all events of one order keep their relative order on a topic.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// New wraps payload in a fresh envelope.
func New(eventType, producer, orderID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       b,
	}, nil
}

// Derive builds the envelope that src causes. The id is a UUIDv5 of the source id and
// the new type, so relaying the same message twice yields the same event id.
func Derive(src Envelope, eventType, producer string, payload any) (Envelope, error) {
	env, err := New(eventType, producer, src.CorrelationID, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.EventID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(src.EventID+"/"+eventType)).String()
	env.TraceID = src.TraceID
	env.CausationID = src.EventID
	return env, nil
}

func Decode[T any](env Envelope) (T, error) {
	var t T
	if err := json.Unmarshal(env.Payload, &t); err != nil {
		return t, fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	return t, nil
}

func (e Envelope) Key() []byte { return []byte(e.CorrelationID) }

// ---- payloads ----

type Line struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type OrderCreated struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	UserID      string `json:"user_id"`
	Items       []Line `json:"items"`
	Total       string `json:"total"`
}

type FailedLine struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Reason    string `json:"reason"`
}

type OutOfStock struct {
	OrderID string       `json:"order_id"`
	UserID  string       `json:"user_id"`
	Reason  string       `json:"reason"`
	Details []FailedLine `json:"details,omitempty"`
}

type CancelOrderRequested struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Reason  string `json:"reason"`
}

type PaymentSucceeded struct {
	OrderID      string `json:"order_id"`
	UserID       string `json:"user_id"`
	PaymentID    string `json:"payment_id"`
	PaymentCode  string `json:"payment_code"`
	Amount       string `json:"amount"`
	GatewayTxnNo string `json:"gateway_txn_no,omitempty"`
}

type PaymentFailed struct {
	OrderID      string `json:"order_id"`
	UserID       string `json:"user_id"`
	PaymentID    string `json:"payment_id"`
	PaymentCode  string `json:"payment_code"`
	ResponseCode string `json:"response_code"`
	Reason       string `json:"reason"`
}
