// Package idempotency collapses externally retried write requests onto their
// first result.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// DefaultTTL is how long stored responses survive before expiry.
const DefaultTTL = 24 * time.Hour

// Record is one stored response.
type Record struct {
	Key       string          `json:"idempotencyKey"`
	Response  json.RawMessage `json:"response"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Ledger deduplicates retried requests by a stable key. Store is write-once:
// when the key already exists the call is a silent no-op, so concurrent
// duplicate writers converge on the first winner's response.
type Ledger interface {
	Lookup(ctx context.Context, key string) (json.RawMessage, bool, error)
	Store(ctx context.Context, key string, response json.RawMessage) error
}

// DeriveKey builds a deterministic key for callers that did not supply one.
func DeriveKey(userID, requestBody string) string {
	sum := sha256.Sum256([]byte(userID + ":" + requestBody))
	return hex.EncodeToString(sum[:])
}

// MemoryLedger is an in-memory Ledger for tests and database-less runs.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]Record
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryLedger constructs an in-memory ledger; ttl <= 0 uses DefaultTTL.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryLedger{
		records: make(map[string]Record),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (l *MemoryLedger) Lookup(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[key]
	if !ok {
		return nil, false, nil
	}
	if l.now().After(record.ExpiresAt) {
		delete(l.records, key)
		return nil, false, nil
	}
	return record.Response, true, nil
}

func (l *MemoryLedger) Store(ctx context.Context, key string, response json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.records[key]; ok && l.now().Before(existing.ExpiresAt) {
		// First writer wins.
		return nil
	}
	now := l.now()
	l.records[key] = Record{
		Key:       key,
		Response:  append(json.RawMessage(nil), response...),
		CreatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	}
	return nil
}
