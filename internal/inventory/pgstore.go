package inventory

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var Schema string

type PgStore struct{ DB *pgxpool.Pool }

func (s *PgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const recordColumns = `product_id, on_hand, reserved, reorder_level, version, updated_at`
const reservationColumns = `id, product_id, order_id, quantity, status, expires_at, created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	err := row.Scan(&r.ProductID, &r.OnHand, &r.Reserved, &r.ReorderLevel, &r.Version, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	return r, err
}

func scanReservations(rows pgx.Rows) ([]Reservation, error) {
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		var r Reservation
		var status string
		if err := rows.Scan(&r.ID, &r.ProductID, &r.OrderID, &r.Quantity, &status, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PgStore) Record(ctx context.Context, productID string) (Record, error) {
	return scanRecord(s.DB.QueryRow(ctx, `SELECT `+recordColumns+` FROM inventory WHERE product_id=$1`, productID))
}

func (s *PgStore) ReservationsByOrder(ctx context.Context, orderID string) ([]Reservation, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+reservationColumns+` FROM stock_reservations
		WHERE order_id=$1 ORDER BY product_id, created_at`, orderID)
	if err != nil {
		return nil, err
	}
	return scanReservations(rows)
}

func (s *PgStore) DueReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+reservationColumns+` FROM stock_reservations
		WHERE status='PENDING' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanReservations(rows)
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) LockRecord(ctx context.Context, productID string) (Record, error) {
	return scanRecord(t.tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM inventory WHERE product_id=$1 FOR UPDATE`, productID))
}

func (t *pgTx) InsertRecord(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO inventory(product_id, on_hand, reserved, reorder_level, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ProductID, rec.OnHand, rec.Reserved, rec.ReorderLevel, rec.Version, rec.UpdatedAt)
	return mapPgError(err)
}

func (t *pgTx) SaveRecord(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	ct, err := t.tx.Exec(ctx, `
		UPDATE inventory
		SET on_hand=$2, reserved=$3, version=version+1, updated_at=$5
		WHERE product_id=$1 AND version=$4`,
		rec.ProductID, rec.OnHand, rec.Reserved, rec.Version, rec.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	if ct.RowsAffected() != 1 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) InsertReservation(ctx context.Context, r Reservation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_reservations(`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.ProductID, r.OrderID, r.Quantity, string(r.Status), r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	return mapPgError(err)
}

func (t *pgTx) PendingByOrder(ctx context.Context, orderID string) ([]Reservation, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+reservationColumns+` FROM stock_reservations
		WHERE order_id=$1 AND status='PENDING'
		ORDER BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	return scanReservations(rows)
}

func (t *pgTx) Transition(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, id, from, to)
	}
	ct, err := t.tx.Exec(ctx, `
		UPDATE stock_reservations SET status=$3, updated_at=$4
		WHERE id=$1 AND status=$2`, id, string(from), string(to), at)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM stock_reservations WHERE id=$1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", ErrReservationNotFound, id)
	}
	return false, nil
}

// mapPgError turns the counter CHECK constraint into ErrInvariant.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return fmt.Errorf("%w: %s", ErrInvariant, pgErr.ConstraintName)
	}
	return err
}
