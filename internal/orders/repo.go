package orders

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

// Repository persists orders with their items and status history. Update is
// version-checked: a stale order yields ErrConflict and nothing is written.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByNumber(ctx context.Context, number string) (*Order, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Order, error)
	Update(ctx context.Context, o *Order) error
	Delete(ctx context.Context, id string) error
}

type PgRepository struct{ DB *pgxpool.Pool }

const orderColumns = `id, order_number, user_id, status, payment_status, payment_method, currency,
	subtotal, discount_amount, tax_amount, shipping_fee, total_amount,
	shipping_recipient_name, shipping_phone, shipping_address, shipping_ward, shipping_district,
	shipping_province, shipping_method, customer_note, cancel_reason, cancelled_at, cancelled_by,
	paid_at, version, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Status, &o.PaymentStatus, &o.PaymentMethod, &o.Currency,
		&o.Subtotal, &o.Discount, &o.Tax, &o.ShippingFee, &o.Total,
		&o.Shipping.RecipientName, &o.Shipping.Phone, &o.Shipping.Address, &o.Shipping.Ward, &o.Shipping.District,
		&o.Shipping.Province, &o.Shipping.Method, &o.CustomerNote, &o.CancelReason, &o.CancelledAt, &o.CancelledBy,
		&o.PaidAt, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *PgRepository) Create(ctx context.Context, o *Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`,
		o.ID, o.OrderNumber, o.UserID, o.Status, o.PaymentStatus, o.PaymentMethod, o.Currency,
		o.Subtotal, o.Discount, o.Tax, o.ShippingFee, o.Total,
		o.Shipping.RecipientName, o.Shipping.Phone, o.Shipping.Address, o.Shipping.Ward, o.Shipping.District,
		o.Shipping.Province, o.Shipping.Method, o.CustomerNote, o.CancelReason, o.CancelledAt, o.CancelledBy,
		o.PaidAt, o.Version, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, it := range o.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, product_sku, product_name, quantity, unit_price, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			it.ID, o.ID, it.ProductID, it.ProductSKU, it.ProductName, it.Quantity, it.UnitPrice, it.Subtotal,
		); err != nil {
			return fmt.Errorf("insert item %s: %w", it.ProductID, err)
		}
	}
	if err := insertHistory(ctx, tx, o.pending); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	o.flush()
	return nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, rows []StatusChange) error {
	for _, h := range rows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_status_history(id, order_id, from_status, to_status, reason, actor, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			h.ID, h.OrderID, h.FromStatus, h.ToStatus, h.Reason, h.Actor, h.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	return nil
}

func (r *PgRepository) Get(ctx context.Context, id string) (*Order, error) {
	return r.load(ctx, r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
}

func (r *PgRepository) GetByNumber(ctx context.Context, number string) (*Order, error) {
	return r.load(ctx, r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number=$1`, number))
}

func (r *PgRepository) load(ctx context.Context, row pgx.Row) (*Order, error) {
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	items, err := r.items(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items[o.ID]

	rows, err := r.DB.Query(ctx, `SELECT id, order_id, from_status, to_status, reason, actor, created_at
		FROM order_status_history WHERE order_id=$1 ORDER BY created_at, id`, o.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var h StatusChange
		if err := rows.Scan(&h.ID, &h.OrderID, &h.FromStatus, &h.ToStatus, &h.Reason, &h.Actor, &h.CreatedAt); err != nil {
			return nil, err
		}
		o.History = append(o.History, h)
	}
	return o, rows.Err()
}

// items loads the lines of every given order in one query.
func (r *PgRepository) items(ctx context.Context, orderIDs ...string) (map[string][]Item, error) {
	rows, err := r.DB.Query(ctx, `SELECT id, order_id, product_id, product_sku, product_name, quantity, unit_price, subtotal
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, product_id`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]Item, len(orderIDs))
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductSKU, &it.ProductName, &it.Quantity, &it.UnitPrice, &it.Subtotal); err != nil {
			return nil, err
		}
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, rows.Err()
}

func (r *PgRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Order, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	var (
		out []*Order
		ids []string
	)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
		ids = append(ids, o.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	items, err := r.items(ctx, ids...)
	if err != nil {
		return nil, err
	}
	for _, o := range out {
		o.Items = items[o.ID]
	}
	return out, nil
}

func (r *PgRepository) Update(ctx context.Context, o *Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `UPDATE orders SET
			status=$3, payment_status=$4, cancel_reason=$5, cancelled_at=$6, cancelled_by=$7,
			paid_at=$8, updated_at=$9, version=version+1
		WHERE id=$1 AND version=$2`,
		o.ID, o.Version, o.Status, o.PaymentStatus, o.CancelReason, o.CancelledAt, o.CancelledBy,
		o.PaidAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if ct.RowsAffected() != 1 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	if err := insertHistory(ctx, tx, o.pending); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	o.Version++
	o.flush()
	return nil
}

func (r *PgRepository) Delete(ctx context.Context, id string) error {
	ct, err := r.DB.Exec(ctx, `DELETE FROM orders WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
