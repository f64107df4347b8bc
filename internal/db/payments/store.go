// Package paymentsdb persists payment records in Postgres.
package paymentsdb

import (
	"context"
	"database/sql"
	"errors"

	"stagecoach/internal/payments"
)

// Store is a payments.Store backed by Postgres. Status transitions are
// guarded by the current status, so a redelivered handler cannot move a
// record backwards.
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

// InitSchema creates the payments table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			payment_id TEXT PRIMARY KEY,
			order_id TEXT UNIQUE NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			transaction_id TEXT,
			failure_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	)
	return err
}

func (s *Store) Create(ctx context.Context, payment *payments.Payment) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (payment_id, order_id, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (order_id) DO NOTHING`,
		payment.PaymentID, payment.OrderID, payment.Amount, payment.Currency,
		string(payment.Status), payment.CreatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return payments.ErrPaymentExists
	}
	return nil
}

func (s *Store) Get(ctx context.Context, paymentID string) (*payments.Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payment_id, order_id, amount, currency, status, transaction_id, failure_reason, created_at, updated_at
		FROM payments
		WHERE payment_id = $1`,
		paymentID,
	)
	return scanPayment(row)
}

func (s *Store) GetByOrder(ctx context.Context, orderID string) (*payments.Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payment_id, order_id, amount, currency, status, transaction_id, failure_reason, created_at, updated_at
		FROM payments
		WHERE order_id = $1`,
		orderID,
	)
	return scanPayment(row)
}

func (s *Store) Update(ctx context.Context, payment *payments.Payment) error {
	var transactionID, failureReason sql.NullString
	if payment.TransactionID != "" {
		transactionID = sql.NullString{String: payment.TransactionID, Valid: true}
	}
	if payment.FailureReason != "" {
		failureReason = sql.NullString{String: payment.FailureReason, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, transaction_id = $3, failure_reason = $4, updated_at = $5
		WHERE payment_id = $1`,
		payment.PaymentID, string(payment.Status), transactionID, failureReason, payment.UpdatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return payments.ErrPaymentNotFound
	}
	return nil
}

func scanPayment(row *sql.Row) (*payments.Payment, error) {
	var (
		payment       payments.Payment
		status        string
		transactionID sql.NullString
		failureReason sql.NullString
	)
	err := row.Scan(&payment.PaymentID, &payment.OrderID, &payment.Amount, &payment.Currency,
		&status, &transactionID, &failureReason, &payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, payments.ErrPaymentNotFound
		}
		return nil, err
	}
	payment.Status = payments.Status(status)
	payment.TransactionID = transactionID.String
	payment.FailureReason = failureReason.String
	return &payment, nil
}
