package orders

import (
	"context"
	"sync"

	"stagecoach/internal/faults"
)

// Store persists orders.
type Store interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, orderID string) (*Order, error)
	ListByUser(ctx context.Context, userID string) ([]*Order, error)
	Update(ctx context.Context, order *Order) error
}

// ErrOrderNotFound signals a lookup for an unknown order.
var ErrOrderNotFound = faults.New(faults.CodeNotFound, "order not found")

// MemoryStore is an in-memory Store for tests and database-less runs.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]Order
}

// NewMemoryStore constructs an empty in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]Order)}
}

func (s *MemoryStore) Create(ctx context.Context, order *Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.OrderID]; exists {
		return faults.New(faults.CodeConflict, "order %s already exists", order.OrderID)
	}
	s.orders[order.OrderID] = clone(order)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, orderID string) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	copied := clone(&order)
	return &copied, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Order
	for _, order := range s.orders {
		if order.UserID == userID {
			copied := clone(&order)
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, order *Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.OrderID]; !ok {
		return ErrOrderNotFound
	}
	s.orders[order.OrderID] = clone(order)
	return nil
}

func clone(order *Order) Order {
	copied := *order
	copied.Items = append([]Item(nil), order.Items...)
	return copied
}
