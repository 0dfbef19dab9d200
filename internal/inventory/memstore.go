package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in maps. A per-product lock table stands in for row locks;
// writes are staged in the transaction and applied on commit, before the locks drop.
type MemoryStore struct {
	mu           sync.RWMutex
	records      map[string]Record
	reservations map[string]Reservation
	byOrder      map[string][]string

	locks lockTable
}

func NewMemoryStore(seed ...Record) *MemoryStore {
	s := &MemoryStore{
		records:      make(map[string]Record),
		reservations: make(map[string]Reservation),
		byOrder:      make(map[string][]string),
		locks:        lockTable{locks: make(map[string]*sync.Mutex)},
	}
	for _, r := range seed {
		s.records[r.ProductID] = r
	}
	return s
}

type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (t *lockTable) get(key string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	return l
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:            s,
		held:         make(map[string]*sync.Mutex),
		records:      make(map[string]Record),
		reservations: make(map[string]Reservation),
	}
	defer tx.unlock()
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) Record(_ context.Context, productID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[productID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return r, nil
}

func (s *MemoryStore) ReservationsByOrder(_ context.Context, orderID string) ([]Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Reservation, 0, len(s.byOrder[orderID]))
	for _, id := range s.byOrder[orderID] {
		out = append(out, s.reservations[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *MemoryStore) DueReservations(_ context.Context, now time.Time, limit int) ([]Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Reservation
	for _, r := range s.reservations {
		if r.Status == StatusPending && r.ExpiresAt.Before(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memTx struct {
	s            *MemoryStore
	held         map[string]*sync.Mutex
	records      map[string]Record
	reservations map[string]Reservation
}

func (tx *memTx) LockRecord(ctx context.Context, productID string) (Record, error) {
	if _, ok := tx.held[productID]; !ok {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		l := tx.s.locks.get(productID)
		l.Lock()
		tx.held[productID] = l
	}
	if r, ok := tx.records[productID]; ok {
		return r, nil
	}
	return tx.s.Record(ctx, productID)
}

func (tx *memTx) InsertRecord(_ context.Context, rec Record) error {
	if _, ok := tx.held[rec.ProductID]; !ok {
		return fmt.Errorf("insert record %s: lock not held", rec.ProductID)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	tx.s.mu.RLock()
	_, exists := tx.s.records[rec.ProductID]
	tx.s.mu.RUnlock()
	if _, staged := tx.records[rec.ProductID]; exists || staged {
		return fmt.Errorf("insert record %s: already exists", rec.ProductID)
	}
	tx.records[rec.ProductID] = rec
	return nil
}

func (tx *memTx) SaveRecord(ctx context.Context, rec Record) error {
	if _, ok := tx.held[rec.ProductID]; !ok {
		return fmt.Errorf("save record %s: lock not held", rec.ProductID)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	cur, err := tx.LockRecord(ctx, rec.ProductID)
	if err != nil {
		return err
	}
	if cur.Version != rec.Version {
		return ErrConflict
	}
	rec.Version++
	tx.records[rec.ProductID] = rec
	return nil
}

func (tx *memTx) InsertReservation(_ context.Context, r Reservation) error {
	if _, ok := tx.held[r.ProductID]; !ok {
		return fmt.Errorf("insert reservation %s: lock on %s not held", r.ID, r.ProductID)
	}
	tx.reservations[r.ID] = r
	return nil
}

func (tx *memTx) reservation(id string) (Reservation, bool) {
	if r, ok := tx.reservations[id]; ok {
		return r, true
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	r, ok := tx.s.reservations[id]
	return r, ok
}

func (tx *memTx) PendingByOrder(_ context.Context, orderID string) ([]Reservation, error) {
	tx.s.mu.RLock()
	ids := append([]string(nil), tx.s.byOrder[orderID]...)
	tx.s.mu.RUnlock()
	for id, r := range tx.reservations {
		if r.OrderID == orderID {
			ids = append(ids, id)
		}
	}

	seen := make(map[string]bool, len(ids))
	var out []Reservation
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if r, ok := tx.reservation(id); ok && r.Status == StatusPending {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (tx *memTx) Transition(_ context.Context, id string, from, to Status, at time.Time) (bool, error) {
	r, ok := tx.reservation(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrReservationNotFound, id)
	}
	if _, ok := tx.held[r.ProductID]; !ok {
		return false, fmt.Errorf("transition reservation %s: lock on %s not held", id, r.ProductID)
	}
	if r.Status != from {
		return false, nil
	}
	if err := r.TransitionTo(to, at); err != nil {
		return false, err
	}
	tx.reservations[id] = r
	return true, nil
}

func (tx *memTx) commit() {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for id, r := range tx.records {
		tx.s.records[id] = r
	}
	for id, r := range tx.reservations {
		if _, ok := tx.s.reservations[id]; !ok {
			tx.s.byOrder[r.OrderID] = append(tx.s.byOrder[r.OrderID], id)
		}
		tx.s.reservations[id] = r
	}
}

func (tx *memTx) unlock() {
	for _, l := range tx.held {
		l.Unlock()
	}
}
