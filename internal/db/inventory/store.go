// Package inventorydb persists stock counters and reservations in Postgres.
package inventorydb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"stagecoach/internal/inventory"
)

// Store is an inventory.Store backed by Postgres. Reserve and Release are
// single conditional UPDATEs, so two handlers racing over the same product
// cannot both win the last unit.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store backed by Postgres.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	store := NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates inventory tables if they do not exist. The partial
// unique index enforces one active reservation per order.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS inventory_items (
			product_id TEXT PRIMARY KEY,
			product_name TEXT NOT NULL,
			available INT NOT NULL CHECK (available >= 0),
			reserved INT NOT NULL DEFAULT 0 CHECK (reserved >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS reservations (
			reservation_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			items JSONB NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS reservations_active_order_idx
			ON reservations (order_id)
			WHERE status IN ('RESERVED', 'CONFIRMED')`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, productID string) (*inventory.Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT product_id, product_name, available, reserved, created_at, updated_at
		FROM inventory_items
		WHERE product_id = $1`,
		productID,
	)
	var item inventory.Item
	err := row.Scan(&item.ProductID, &item.ProductName, &item.Available, &item.Reserved,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) PutItem(ctx context.Context, item *inventory.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_items (product_id, product_name, available, reserved, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (product_id) DO UPDATE
		SET product_name = EXCLUDED.product_name,
		    available = EXCLUDED.available,
		    reserved = EXCLUDED.reserved,
		    updated_at = EXCLUDED.updated_at`,
		item.ProductID, item.ProductName, item.Available, item.Reserved,
		item.CreatedAt, item.UpdatedAt,
	)
	return err
}

// Reserve moves quantity from available to reserved in one guarded UPDATE;
// zero rows means the product is missing or short.
func (s *Store) Reserve(ctx context.Context, productID string, quantity int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_items
		SET available = available - $2, reserved = reserved + $2, updated_at = NOW()
		WHERE product_id = $1 AND available >= $2`,
		productID, quantity,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.explainReserveMiss(ctx, productID)
	}
	return nil
}

// Release is the mirror of Reserve.
func (s *Store) Release(ctx context.Context, productID string, quantity int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_items
		SET available = available + $2, reserved = reserved - $2, updated_at = NOW()
		WHERE product_id = $1 AND reserved >= $2`,
		productID, quantity,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.explainReserveMiss(ctx, productID)
	}
	return nil
}

func (s *Store) explainReserveMiss(ctx context.Context, productID string) error {
	row := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM inventory_items WHERE product_id = $1)`, productID)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if exists {
		return inventory.ErrInsufficientStock
	}
	return inventory.ErrItemNotFound
}

func (s *Store) CreateReservation(ctx context.Context, reservation *inventory.Reservation) error {
	items, err := json.Marshal(reservation.Items)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reservations (reservation_id, order_id, items, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		reservation.ReservationID, reservation.OrderID, items, string(reservation.Status),
		reservation.CreatedAt, reservation.UpdatedAt, reservation.ExpiresAt,
	)
	if err != nil && isUniqueViolation(err) {
		return inventory.ErrActiveReservationExists
	}
	return err
}

func (s *Store) GetReservationByOrder(ctx context.Context, orderID string) (*inventory.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT reservation_id, order_id, items, status, created_at, updated_at, expires_at
		FROM reservations
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		orderID,
	)
	reservation, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrReservationNotFound
		}
		return nil, err
	}
	return reservation, nil
}

func (s *Store) UpdateReservation(ctx context.Context, reservation *inventory.Reservation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations
		SET status = $2, updated_at = $3
		WHERE reservation_id = $1`,
		reservation.ReservationID, string(reservation.Status), reservation.UpdatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return inventory.ErrReservationNotFound
	}
	return nil
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*inventory.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reservation_id, order_id, items, status, created_at, updated_at, expires_at
		FROM reservations
		WHERE status = 'RESERVED' AND expires_at < $1
		ORDER BY expires_at`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []*inventory.Reservation
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, reservation)
	}
	return expired, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*inventory.Reservation, error) {
	var (
		reservation inventory.Reservation
		items       []byte
		status      string
	)
	err := row.Scan(&reservation.ReservationID, &reservation.OrderID, &items, &status,
		&reservation.CreatedAt, &reservation.UpdatedAt, &reservation.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &reservation.Items); err != nil {
		return nil, err
	}
	reservation.Status = inventory.ReservationStatus(status)
	return &reservation, nil
}

func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var pgErr coder
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
