package payments

import (
	"context"
	"sync"

	"stagecoach/internal/faults"
)

// Store persists payment records.
type Store interface {
	Create(ctx context.Context, payment *Payment) error
	Get(ctx context.Context, paymentID string) (*Payment, error)
	GetByOrder(ctx context.Context, orderID string) (*Payment, error)
	Update(ctx context.Context, payment *Payment) error
}

// ErrPaymentNotFound signals an unknown payment or order.
var ErrPaymentNotFound = faults.New(faults.CodeNotFound, "payment not found")

// ErrPaymentExists enforces one payment record per order.
var ErrPaymentExists = faults.New(faults.CodeConflict, "order already has a payment")

// MemoryStore is an in-memory Store for tests and database-less runs.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]Payment // keyed by paymentID
	byOrder  map[string]string  // orderID -> paymentID
}

// NewMemoryStore constructs an empty in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]Payment),
		byOrder:  make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, payment *Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byOrder[payment.OrderID]; ok {
		return ErrPaymentExists
	}
	s.payments[payment.PaymentID] = *payment
	s.byOrder[payment.OrderID] = payment.PaymentID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, paymentID string) (*Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &payment, nil
}

func (s *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	paymentID, ok := s.byOrder[orderID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	payment := s.payments[paymentID]
	return &payment, nil
}

func (s *MemoryStore) Update(ctx context.Context, payment *Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[payment.PaymentID]; !ok {
		return ErrPaymentNotFound
	}
	s.payments[payment.PaymentID] = *payment
	return nil
}
