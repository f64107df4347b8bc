package sagadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"stagecoach/internal/bus"
	"stagecoach/internal/logging"
)

// OutboxStore persists events before publication and clears them once the
// bus accepts them. Rows that never get acked are republished by the
// Sweeper, closing the gap left by best-effort publishing.
type OutboxStore struct {
	db *sql.DB
}

// NewOutboxStore constructs an OutboxStore backed by Postgres.
func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// NewOutboxStoreWithSchema initializes the schema then returns the store.
func NewOutboxStoreWithSchema(ctx context.Context, db *sql.DB) (*OutboxStore, error) {
	store := NewOutboxStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the outbox table if it does not exist.
func (s *OutboxStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS event_outbox (
			id BIGSERIAL PRIMARY KEY,
			source TEXT NOT NULL,
			detail_type TEXT NOT NULL,
			detail JSONB NOT NULL,
			correlation_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			published_at TIMESTAMPTZ
		)`,
	)
	return err
}

// Record writes the event as pending and returns the row id.
func (s *OutboxStore) Record(ctx context.Context, event bus.Event) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO event_outbox (source, detail_type, detail, correlation_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		event.Source, event.DetailType, []byte(event.Detail), event.CorrelationID,
	)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// Ack marks the row as published.
func (s *OutboxStore) Ack(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE event_outbox SET published_at = NOW() WHERE id = $1`, id)
	return err
}

// ListPending returns unpublished rows older than minAge, oldest first.
// The age floor keeps the sweeper from racing in-flight publications.
func (s *OutboxStore) ListPending(ctx context.Context, minAge time.Duration, limit int) ([]PendingEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, detail_type, detail, correlation_id
		FROM event_outbox
		WHERE published_at IS NULL AND created_at < NOW() - ($1 * INTERVAL '1 second')
		ORDER BY id
		LIMIT $2`,
		int64(minAge.Seconds()), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []PendingEvent
	for rows.Next() {
		var (
			entry         PendingEvent
			detail        []byte
			correlationID sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.Event.Source, &entry.Event.DetailType, &detail, &correlationID); err != nil {
			return nil, err
		}
		entry.Event.Detail = json.RawMessage(detail)
		entry.Event.CorrelationID = correlationID.String
		pending = append(pending, entry)
	}
	return pending, rows.Err()
}

// PendingEvent is an outbox row awaiting publication.
type PendingEvent struct {
	ID    int64
	Event bus.Event
}

// Sweeper republishes pending outbox rows through the bus.
type Sweeper struct {
	store     *OutboxStore
	publisher bus.Publisher
	logger    *logging.Logger
	minAge    time.Duration
	batch     int
}

// NewSweeper constructs an outbox sweeper. minAge defaults to a minute and
// batch to 100 when non-positive.
func NewSweeper(store *OutboxStore, publisher bus.Publisher, logger *logging.Logger, minAge time.Duration, batch int) *Sweeper {
	if logger == nil {
		logger = logging.Nop()
	}
	if minAge <= 0 {
		minAge = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		store:     store,
		publisher: publisher,
		logger:    logger,
		minAge:    minAge,
		batch:     batch,
	}
}

// Sweep republishes one batch of pending events. Redelivery downstream is
// safe: step handlers dedupe on the saga ledger.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	pending, err := s.store.ListPending(ctx, s.minAge, s.batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, entry := range pending {
		if err := s.publisher.Publish(ctx, entry.Event); err != nil {
			s.logger.Warn().Err(err).Int64("outboxId", entry.ID).
				Str("detailType", entry.Event.DetailType).
				Msg("outbox republish failed")
			continue
		}
		if err := s.store.Ack(ctx, entry.ID); err != nil {
			return published, err
		}
		published++
	}
	if published > 0 {
		s.logger.Info().Int("count", published).Msg("republished outbox events")
	}
	return published, nil
}
