package payment

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var Schema string

// Repository stores payments and their refunds. Every read returns the payment with its
// refunds loaded.
type Repository interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByCode(ctx context.Context, code string) (*Payment, error)
	GetByTxnRef(ctx context.Context, ref string) (*Payment, error)
	LatestForOrder(ctx context.Context, orderID string) (*Payment, error)
	// Settle writes the gateway outcome held in p only while the stored status is still
	// from. It reports false when another callback settled the payment first.
	Settle(ctx context.Context, p *Payment, from Status) (bool, error)
	// AddRefund runs fn with the payment locked and stores the refund it returns.
	AddRefund(ctx context.Context, paymentID string, fn func(p *Payment) (*Refund, error)) (*Refund, error)
	// UpdateRefund runs fn with the payment locked; r points into p.Refunds. Both the
	// refund and the payment status are written back.
	UpdateRefund(ctx context.Context, refundID string, fn func(p *Payment, r *Refund) error) (*Refund, error)
}

type PgRepository struct{ DB *pgxpool.Pool }

const paymentColumns = `id, payment_code, order_id, user_id, amount, currency, payment_method, status, txn_ref,
	gateway_txn_no, gateway_response_code, gateway_message, bank_code, bank_txn_no, card_type, ip_address,
	paid_at, failed_at, created_at, updated_at`

const refundColumns = `id, refund_code, payment_id, amount, reason, status, requested_by, gateway_refund_id,
	completed_at, created_at, updated_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.PaymentCode, &p.OrderID, &p.UserID, &p.Amount, &p.Currency, &p.Method, &p.Status, &p.TxnRef,
		&p.GatewayTxnNo, &p.GatewayResponseCode, &p.GatewayMessage, &p.BankCode, &p.BankTxnNo, &p.CardType, &p.IPAddress,
		&p.PaidAt, &p.FailedAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func loadPayment(ctx context.Context, q querier, where string, arg any) (*Payment, error) {
	p, err := scanPayment(q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where, arg))
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `SELECT `+refundColumns+` FROM refunds WHERE payment_id=$1 ORDER BY created_at, id`, p.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r Refund
		if err := rows.Scan(&r.ID, &r.RefundCode, &r.PaymentID, &r.Amount, &r.Reason, &r.Status, &r.RequestedBy,
			&r.GatewayRefundID, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		p.Refunds = append(p.Refunds, r)
	}
	return p, rows.Err()
}

func (r *PgRepository) Create(ctx context.Context, p *Payment) error {
	_, err := r.DB.Exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		p.ID, p.PaymentCode, p.OrderID, p.UserID, p.Amount, p.Currency, p.Method, p.Status, p.TxnRef,
		p.GatewayTxnNo, p.GatewayResponseCode, p.GatewayMessage, p.BankCode, p.BankTxnNo, p.CardType, p.IPAddress,
		p.PaidAt, p.FailedAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *PgRepository) Get(ctx context.Context, id string) (*Payment, error) {
	return loadPayment(ctx, r.DB, `id=$1`, id)
}

func (r *PgRepository) GetByCode(ctx context.Context, code string) (*Payment, error) {
	return loadPayment(ctx, r.DB, `payment_code=$1`, code)
}

func (r *PgRepository) GetByTxnRef(ctx context.Context, ref string) (*Payment, error) {
	return loadPayment(ctx, r.DB, `txn_ref=$1`, ref)
}

func (r *PgRepository) LatestForOrder(ctx context.Context, orderID string) (*Payment, error) {
	return loadPayment(ctx, r.DB, `order_id=$1 ORDER BY created_at DESC LIMIT 1`, orderID)
}

func (r *PgRepository) Settle(ctx context.Context, p *Payment, from Status) (bool, error) {
	ct, err := r.DB.Exec(ctx, `UPDATE payments SET
			status=$3, gateway_txn_no=$4, gateway_response_code=$5, gateway_message=$6,
			bank_code=$7, bank_txn_no=$8, card_type=$9, paid_at=$10, failed_at=$11, updated_at=$12
		WHERE id=$1 AND status=$2`,
		p.ID, from, p.Status, p.GatewayTxnNo, p.GatewayResponseCode, p.GatewayMessage,
		p.BankCode, p.BankTxnNo, p.CardType, p.PaidAt, p.FailedAt, p.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("settle payment: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// inLockedPayment opens a transaction holding the payment row lock.
func (r *PgRepository) inLockedPayment(ctx context.Context, paymentID string, fn func(tx pgx.Tx, p *Payment) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT 1 FROM payments WHERE id=$1 FOR UPDATE`, paymentID); err != nil {
		return err
	}
	p, err := loadPayment(ctx, tx, `id=$1`, paymentID)
	if err != nil {
		return err
	}
	if err := fn(tx, p); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PgRepository) AddRefund(ctx context.Context, paymentID string, fn func(p *Payment) (*Refund, error)) (*Refund, error) {
	var out *Refund
	err := r.inLockedPayment(ctx, paymentID, func(tx pgx.Tx, p *Payment) error {
		ref, err := fn(p)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO refunds (`+refundColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			ref.ID, ref.RefundCode, ref.PaymentID, ref.Amount, ref.Reason, ref.Status, ref.RequestedBy,
			ref.GatewayRefundID, ref.CompletedAt, ref.CreatedAt, ref.UpdatedAt); err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
		out = ref
		return nil
	})
	return out, err
}

func (r *PgRepository) UpdateRefund(ctx context.Context, refundID string, fn func(p *Payment, r *Refund) error) (*Refund, error) {
	var paymentID string
	err := r.DB.QueryRow(ctx, `SELECT payment_id FROM refunds WHERE id=$1`, refundID).Scan(&paymentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, err
	}

	var out Refund
	err = r.inLockedPayment(ctx, paymentID, func(tx pgx.Tx, p *Payment) error {
		ref := findRefund(p, refundID)
		if ref == nil {
			return ErrRefundNotFound
		}
		if err := fn(p, ref); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE refunds SET status=$2, gateway_refund_id=$3, completed_at=$4, updated_at=$5
			WHERE id=$1`, ref.ID, ref.Status, ref.GatewayRefundID, ref.CompletedAt, ref.UpdatedAt); err != nil {
			return fmt.Errorf("update refund: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE payments SET status=$2, updated_at=$3 WHERE id=$1`,
			p.ID, p.Status, p.UpdatedAt); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		out = *ref
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func findRefund(p *Payment, id string) *Refund {
	for i := range p.Refunds {
		if p.Refunds[i].ID == id {
			return &p.Refunds[i]
		}
	}
	return nil
}
