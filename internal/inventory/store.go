package inventory

import (
	"context"
	"sync"
	"time"

	"stagecoach/internal/faults"
)

// Store persists stock counters and reservations. Reserve and Release are
// single conditional operations so concurrent handlers for the same product
// cannot race between check and write.
type Store interface {
	GetItem(ctx context.Context, productID string) (*Item, error)
	PutItem(ctx context.Context, item *Item) error
	// Reserve atomically moves quantity from available to reserved,
	// failing with ErrInsufficientStock when availability is short.
	Reserve(ctx context.Context, productID string, quantity int) error
	// Release atomically moves quantity back to available.
	Release(ctx context.Context, productID string, quantity int) error

	CreateReservation(ctx context.Context, reservation *Reservation) error
	GetReservationByOrder(ctx context.Context, orderID string) (*Reservation, error)
	UpdateReservation(ctx context.Context, reservation *Reservation) error
	// ListExpired returns RESERVED holds whose deadline has passed.
	ListExpired(ctx context.Context, now time.Time) ([]*Reservation, error)
}

// ErrItemNotFound signals an unknown product.
var ErrItemNotFound = faults.New(faults.CodeNotFound, "inventory item not found")

// ErrReservationNotFound signals an order with no reservation.
var ErrReservationNotFound = faults.New(faults.CodeNotFound, "reservation not found")

// ErrActiveReservationExists enforces one active hold per order.
var ErrActiveReservationExists = faults.New(faults.CodeConflict, "order already has an active reservation")

// MemoryStore is an in-memory Store for tests and database-less runs.
type MemoryStore struct {
	mu           sync.Mutex
	items        map[string]Item
	reservations map[string]Reservation // keyed by reservationID
	byOrder      map[string]string      // orderID -> active reservationID
	now          func() time.Time
}

// NewMemoryStore constructs an empty in-memory inventory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:        make(map[string]Item),
		reservations: make(map[string]Reservation),
		byOrder:      make(map[string]string),
		now:          time.Now,
	}
}

func (s *MemoryStore) GetItem(ctx context.Context, productID string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[productID]
	if !ok {
		return nil, ErrItemNotFound
	}
	return &item, nil
}

func (s *MemoryStore) PutItem(ctx context.Context, item *Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ProductID] = *item
	return nil
}

func (s *MemoryStore) Reserve(ctx context.Context, productID string, quantity int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[productID]
	if !ok {
		return ErrItemNotFound
	}
	if err := item.Reserve(quantity, s.now()); err != nil {
		return err
	}
	s.items[productID] = item
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, productID string, quantity int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[productID]
	if !ok {
		return ErrItemNotFound
	}
	if err := item.Release(quantity, s.now()); err != nil {
		return err
	}
	s.items[productID] = item
	return nil
}

func (s *MemoryStore) CreateReservation(ctx context.Context, reservation *Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byOrder[reservation.OrderID]; ok {
		if existing := s.reservations[id]; existing.Active() {
			return ErrActiveReservationExists
		}
	}
	s.reservations[reservation.ReservationID] = cloneReservation(reservation)
	s.byOrder[reservation.OrderID] = reservation.ReservationID
	return nil
}

func (s *MemoryStore) GetReservationByOrder(ctx context.Context, orderID string) (*Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	reservation := cloneReservation(ptr(s.reservations[id]))
	return &reservation, nil
}

func (s *MemoryStore) UpdateReservation(ctx context.Context, reservation *Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[reservation.ReservationID]; !ok {
		return ErrReservationNotFound
	}
	s.reservations[reservation.ReservationID] = cloneReservation(reservation)
	return nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]*Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Reservation
	for _, reservation := range s.reservations {
		if reservation.Status == ReservationReserved && now.After(reservation.ExpiresAt) {
			copied := cloneReservation(ptr(reservation))
			out = append(out, &copied)
		}
	}
	return out, nil
}

func cloneReservation(r *Reservation) Reservation {
	copied := *r
	copied.Items = append([]ReservedItem(nil), r.Items...)
	return copied
}

func ptr(r Reservation) *Reservation { return &r }
