package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"stagecoach/internal/idempotency"
)

// IdempotencyStore is an idempotency.Ledger backed by Postgres. The insert
// is write-once, so concurrent retries of the same request agree on one
// stored response.
type IdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewIdempotencyStore constructs the store; ttl defaults to the package
// default when non-positive.
func NewIdempotencyStore(db *sql.DB, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	return &IdempotencyStore{db: db, ttl: ttl}
}

// NewIdempotencyStoreWithSchema initializes the schema then returns the store.
func NewIdempotencyStoreWithSchema(ctx context.Context, db *sql.DB, ttl time.Duration) (*IdempotencyStore, error) {
	store := NewIdempotencyStore(db, ttl)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the idempotency table if it does not exist.
func (s *IdempotencyStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_records (
			idempotency_key TEXT PRIMARY KEY,
			response JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL
		)`,
	)
	return err
}

// Lookup returns the stored response for an unexpired key.
func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (json.RawMessage, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT response FROM idempotency_records
		WHERE idempotency_key = $1 AND expires_at > NOW()`,
		key,
	)
	var response []byte
	if err := row.Scan(&response); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return json.RawMessage(response), true, nil
}

// Store records the response; the first writer wins and later calls are
// silent no-ops.
func (s *IdempotencyStore) Store(ctx context.Context, key string, response json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (idempotency_key, response, expires_at)
		VALUES ($1, $2, NOW() + ($3 * INTERVAL '1 second'))
		ON CONFLICT (idempotency_key) DO NOTHING`,
		key, []byte(response), int64(s.ttl.Seconds()),
	)
	return err
}
