package inventory

import (
	"context"
	"time"
)

// Store persists inventory records and reservations. Every mutation happens inside InTx.
type Store interface {
	// InTx runs fn as one unit of work: its writes commit together when fn returns nil
	// and are discarded otherwise. Row locks taken through tx are held until InTx returns.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Record(ctx context.Context, productID string) (Record, error)
	ReservationsByOrder(ctx context.Context, orderID string) ([]Reservation, error)
	// DueReservations returns PENDING reservations with expiresAt before now, oldest first.
	DueReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}

type Tx interface {
	// LockRecord takes the exclusive lock on one product's record.
	LockRecord(ctx context.Context, productID string) (Record, error)
	// InsertRecord creates a record; callers hold its lock from a LockRecord miss.
	InsertRecord(ctx context.Context, rec Record) error
	// SaveRecord writes the counters of a locked record and bumps its version.
	SaveRecord(ctx context.Context, rec Record) error
	InsertReservation(ctx context.Context, r Reservation) error
	// PendingByOrder lists the order's PENDING reservations in ascending productId order.
	PendingByOrder(ctx context.Context, orderID string) ([]Reservation, error)
	// Transition moves reservation id from -> to only if it is still in from. It reports
	// false when another unit of work got there first. The caller holds the lock on the
	// reservation's product.
	Transition(ctx context.Context, id string, from, to Status, at time.Time) (bool, error)
}
