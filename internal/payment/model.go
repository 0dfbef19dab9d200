package payment

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending       Status = "PENDING"
	StatusProcessing    Status = "PROCESSING"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusCancelled     Status = "CANCELLED"
	StatusRefunded      Status = "REFUNDED"
	StatusPartialRefund Status = "PARTIAL_REFUND"
)

// Final reports whether the gateway outcome for a payment in s is already recorded.
func (s Status) Final() bool {
	return s != StatusPending && s != StatusProcessing
}

type Method string

const (
	MethodCOD          Method = "COD"
	MethodBankTransfer Method = "BANK_TRANSFER"
	MethodVNPay        Method = "VNPAY"
	MethodMoMo         Method = "MOMO"
	MethodZaloPay      Method = "ZALOPAY"
	MethodCreditCard   Method = "CREDIT_CARD"
)

var (
	ErrNotFound       = errors.New("payment not found")
	ErrRefundNotFound = errors.New("refund not found")
)

type Payment struct {
	ID                  string          `json:"id"`
	PaymentCode         string          `json:"paymentCode"`
	OrderID             string          `json:"orderId"`
	UserID              string          `json:"userId"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	Method              Method          `json:"paymentMethod"`
	Status              Status          `json:"status"`
	TxnRef              string          `json:"txnRef"`
	GatewayTxnNo        string          `json:"gatewayTransactionId,omitempty"`
	GatewayResponseCode string          `json:"gatewayResponseCode,omitempty"`
	GatewayMessage      string          `json:"gatewayMessage,omitempty"`
	BankCode            string          `json:"bankCode,omitempty"`
	BankTxnNo           string          `json:"bankTransactionNo,omitempty"`
	CardType            string          `json:"cardType,omitempty"`
	IPAddress           string          `json:"ipAddress,omitempty"`
	PaidAt              *time.Time      `json:"paidAt,omitempty"`
	FailedAt            *time.Time      `json:"failedAt,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
	Refunds             []Refund        `json:"refunds,omitempty"`
}

func (p *Payment) markCompleted(txnNo, code, message string, at time.Time) {
	p.Status = StatusCompleted
	p.GatewayTxnNo = txnNo
	p.GatewayResponseCode = code
	p.GatewayMessage = message
	p.PaidAt = &at
	p.UpdatedAt = at
}

func (p *Payment) markFailed(code, message string, at time.Time) {
	p.Status = StatusFailed
	p.GatewayResponseCode = code
	p.GatewayMessage = message
	p.FailedAt = &at
	p.UpdatedAt = at
}

// Refunded sums the completed refunds.
func (p *Payment) Refunded() decimal.Decimal {
	sum := decimal.Zero
	for _, r := range p.Refunds {
		if r.Status == RefundCompleted {
			sum = sum.Add(r.Amount)
		}
	}
	return sum
}

func (p *Payment) Refundable() decimal.Decimal {
	return p.Amount.Sub(p.Refunded())
}

// outstanding is the refundable amount minus refunds still in flight.
func (p *Payment) outstanding() decimal.Decimal {
	left := p.Refundable()
	for _, r := range p.Refunds {
		if r.Status == RefundPending || r.Status == RefundProcessing {
			left = left.Sub(r.Amount)
		}
	}
	return left
}

func (p *Payment) CanRefund() bool {
	return (p.Status == StatusCompleted || p.Status == StatusPartialRefund) && p.Refundable().IsPositive()
}

type RefundStatus string

const (
	RefundPending    RefundStatus = "PENDING"
	RefundProcessing RefundStatus = "PROCESSING"
	RefundCompleted  RefundStatus = "COMPLETED"
	RefundFailed     RefundStatus = "FAILED"
	RefundRejected   RefundStatus = "REJECTED"
)

type Refund struct {
	ID              string          `json:"id"`
	RefundCode      string          `json:"refundCode"`
	PaymentID       string          `json:"paymentId"`
	Amount          decimal.Decimal `json:"amount"`
	Reason          string          `json:"reason"`
	Status          RefundStatus    `json:"status"`
	RequestedBy     string          `json:"requestedBy"`
	GatewayRefundID string          `json:"gatewayRefundId,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// paymentCode is PAY-yyyyMMdd-NNNNNN.
func paymentCode(at time.Time) string { return code("PAY", at) }

// refundCode is REF-yyyyMMdd-NNNNNN.
func refundCode(at time.Time) string { return code("REF", at) }

func code(prefix string, at time.Time) string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		n = big.NewInt(at.UnixNano() % 1_000_000)
	}
	return fmt.Sprintf("%s-%s-%06d", prefix, at.Format("20060102"), n.Int64())
}
