package payment

import (
	"context"
	"sync"
)

// MemoryRepository holds payments in memory. A single mutex stands in for the row lock.
type MemoryRepository struct {
	mu       sync.Mutex
	payments map[string]*Payment
	order    []string // insertion order, for LatestForOrder
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{payments: make(map[string]*Payment)}
}

func clonePayment(p *Payment) *Payment {
	c := *p
	c.Refunds = append([]Refund(nil), p.Refunds...)
	return &c
}

func (m *MemoryRepository) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = clonePayment(p)
	m.order = append(m.order, p.ID)
	return nil
}

func (m *MemoryRepository) find(match func(p *Payment) bool) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		if p := m.payments[m.order[i]]; match(p) {
			return clonePayment(p), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*Payment, error) {
	return m.find(func(p *Payment) bool { return p.ID == id })
}

func (m *MemoryRepository) GetByCode(_ context.Context, code string) (*Payment, error) {
	return m.find(func(p *Payment) bool { return p.PaymentCode == code })
}

func (m *MemoryRepository) GetByTxnRef(_ context.Context, ref string) (*Payment, error) {
	return m.find(func(p *Payment) bool { return p.TxnRef == ref })
}

func (m *MemoryRepository) LatestForOrder(_ context.Context, orderID string) (*Payment, error) {
	return m.find(func(p *Payment) bool { return p.OrderID == orderID })
}

func (m *MemoryRepository) Settle(_ context.Context, p *Payment, from Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.payments[p.ID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != from {
		return false, nil
	}
	next := clonePayment(p)
	next.Refunds = cur.Refunds
	m.payments[p.ID] = next
	return true, nil
}

func (m *MemoryRepository) AddRefund(_ context.Context, paymentID string, fn func(p *Payment) (*Refund, error)) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.payments[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	work := clonePayment(cur)
	ref, err := fn(work)
	if err != nil {
		return nil, err
	}
	cur.Refunds = append(cur.Refunds, *ref)
	return ref, nil
}

func (m *MemoryRepository) UpdateRefund(_ context.Context, refundID string, fn func(p *Payment, r *Refund) error) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.payments {
		if findRefund(cur, refundID) == nil {
			continue
		}
		work := clonePayment(cur)
		ref := findRefund(work, refundID)
		if err := fn(work, ref); err != nil {
			return nil, err
		}
		out := *ref
		m.payments[cur.ID] = work
		return &out, nil
	}
	return nil, ErrRefundNotFound
}
