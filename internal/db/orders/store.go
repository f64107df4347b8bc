// Package ordersdb persists orders and idempotency records in Postgres.
package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"stagecoach/internal/orders"
)

// Store is an orders.Store backed by Postgres. Line items ride along as a
// JSONB column; the saga ledger, not this table, carries workflow state.
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

// InitSchema creates the orders table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			items JSONB NOT NULL,
			shipping_address TEXT NOT NULL,
			status TEXT NOT NULL,
			total_amount DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS orders_user_idx ON orders (user_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, order *orders.Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, user_id, items, shipping_address, status, total_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		order.OrderID, order.UserID, items, order.ShippingAddress,
		string(order.Status), order.TotalAmount, order.CreatedAt, order.UpdatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, orderID string) (*orders.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, user_id, items, shipping_address, status, total_amount, created_at, updated_at
		FROM orders
		WHERE order_id = $1`,
		orderID,
	)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orders.ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]*orders.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, user_id, items, shipping_address, status, total_amount, created_at, updated_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*orders.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, order)
	}
	return result, rows.Err()
}

func (s *Store) Update(ctx context.Context, order *orders.Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET items = $2, shipping_address = $3, status = $4, total_amount = $5, updated_at = $6
		WHERE order_id = $1`,
		order.OrderID, items, order.ShippingAddress, string(order.Status),
		order.TotalAmount, order.UpdatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return orders.ErrOrderNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*orders.Order, error) {
	var (
		order  orders.Order
		items  []byte
		status string
	)
	err := row.Scan(&order.OrderID, &order.UserID, &items, &order.ShippingAddress,
		&status, &order.TotalAmount, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &order.Items); err != nil {
		return nil, err
	}
	order.Status = orders.Status(status)
	return &order, nil
}
