// Package sagadb persists the saga ledger in Postgres.
package sagadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"stagecoach/internal/saga"
)

// LedgerStore is a saga.Ledger backed by Postgres. The event history is an
// append-only table, so concurrent handlers for the same saga never
// overwrite each other's entries; status updates carry a terminal-status
// guard in the WHERE clause.
type LedgerStore struct {
	db *sql.DB
}

// NewLedgerStore constructs a LedgerStore backed by Postgres.
func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// NewLedgerStoreWithSchema initializes the schema then returns the store.
func NewLedgerStoreWithSchema(ctx context.Context, db *sql.DB) (*LedgerStore, error) {
	store := NewLedgerStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *LedgerStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sagas (
			saga_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step INT NOT NULL,
			total_steps INT NOT NULL,
			error_step INT,
			error_event_type TEXT,
			error_message TEXT,
			error_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (order_id, saga_id)
		)`,
		`CREATE INDEX IF NOT EXISTS sagas_order_idx ON sagas (order_id)`,
		`CREATE TABLE IF NOT EXISTS saga_events (
			id BIGSERIAL PRIMARY KEY,
			saga_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			step_number INT NOT NULL,
			is_compensation BOOLEAN NOT NULL DEFAULT FALSE,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS saga_events_saga_idx ON saga_events (order_id, saga_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var terminalGuard = `status NOT IN ('COMPLETED', 'COMPENSATED', 'FAILED')`

func (s *LedgerStore) CreateSaga(ctx context.Context, state saga.State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sagas (saga_id, order_id, status, current_step, total_steps, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		state.SagaID, state.OrderID, string(state.Status), state.CurrentStep, state.TotalSteps, state.StartedAt,
	)
	return err
}

func (s *LedgerStore) GetSaga(ctx context.Context, sagaID, orderID string) (saga.State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT saga_id, order_id, status, current_step, total_steps,
		       error_step, error_event_type, error_message, error_at,
		       started_at, updated_at
		FROM sagas
		WHERE order_id = $1 AND saga_id = $2`,
		orderID, sagaID,
	)
	return s.scanState(ctx, row)
}

func (s *LedgerStore) GetSagaByOrder(ctx context.Context, orderID string) (saga.State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT saga_id, order_id, status, current_step, total_steps,
		       error_step, error_event_type, error_message, error_at,
		       started_at, updated_at
		FROM sagas
		WHERE order_id = $1
		ORDER BY started_at DESC
		LIMIT 1`,
		orderID,
	)
	return s.scanState(ctx, row)
}

func (s *LedgerStore) UpdateStatus(ctx context.Context, sagaID, orderID string, status saga.Status, currentStep *int) error {
	var (
		res sql.Result
		err error
	)
	if currentStep != nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE sagas
			SET status = $3, current_step = $4, updated_at = NOW()
			WHERE order_id = $1 AND saga_id = $2 AND `+terminalGuard,
			orderID, sagaID, string(status), *currentStep,
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE sagas
			SET status = $3, updated_at = NOW()
			WHERE order_id = $1 AND saga_id = $2 AND `+terminalGuard,
			orderID, sagaID, string(status),
		)
	}
	if err != nil {
		return err
	}
	return s.explainNoRows(ctx, res, sagaID, orderID)
}

func (s *LedgerStore) AddEvent(ctx context.Context, sagaID, orderID string, event saga.EventRecord) error {
	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_events (saga_id, order_id, event_type, step_number, is_compensation, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sagaID, orderID, event.EventType, event.StepNumber, event.IsCompensation, []byte(event.Data), timestamp,
	)
	return err
}

func (s *LedgerStore) HasEvent(ctx context.Context, sagaID, orderID, eventType string, step int) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM saga_events
			WHERE order_id = $1 AND saga_id = $2 AND event_type = $3 AND step_number = $4
		)`,
		orderID, sagaID, eventType, step,
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *LedgerStore) MarkFailed(ctx context.Context, sagaID, orderID string, details saga.ErrorDetails) error {
	timestamp := details.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	// COALESCE keeps the first recorded failure when two handlers race.
	res, err := s.db.ExecContext(ctx, `
		UPDATE sagas
		SET status = 'FAILED',
		    error_step = COALESCE(error_step, $3),
		    error_event_type = COALESCE(error_event_type, $4),
		    error_message = COALESCE(error_message, $5),
		    error_at = COALESCE(error_at, $6),
		    updated_at = NOW()
		WHERE order_id = $1 AND saga_id = $2 AND `+terminalGuard,
		orderID, sagaID, details.Step, details.EventType, details.Error, timestamp,
	)
	if err != nil {
		return err
	}
	return s.explainNoRows(ctx, res, sagaID, orderID)
}

// explainNoRows turns a zero-row guarded update into the right error: the
// saga is either missing or already terminal.
func (s *LedgerStore) explainNoRows(ctx context.Context, res sql.Result, sagaID, orderID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sagas WHERE order_id = $1 AND saga_id = $2)`,
		orderID, sagaID,
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if exists {
		return saga.ErrTerminalStatus
	}
	return saga.ErrSagaNotFound
}

func (s *LedgerStore) scanState(ctx context.Context, row *sql.Row) (saga.State, error) {
	var (
		state          saga.State
		status         string
		errorStep      sql.NullInt64
		errorEventType sql.NullString
		errorMessage   sql.NullString
		errorAt        sql.NullTime
	)
	err := row.Scan(
		&state.SagaID, &state.OrderID, &status, &state.CurrentStep, &state.TotalSteps,
		&errorStep, &errorEventType, &errorMessage, &errorAt,
		&state.StartedAt, &state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.State{}, saga.ErrSagaNotFound
		}
		return saga.State{}, err
	}
	state.Status = saga.Status(status)
	if errorMessage.Valid {
		state.ErrorDetails = &saga.ErrorDetails{
			Step:      int(errorStep.Int64),
			EventType: errorEventType.String,
			Error:     errorMessage.String,
			Timestamp: errorAt.Time,
		}
	}

	events, err := s.loadEvents(ctx, state.SagaID, state.OrderID)
	if err != nil {
		return saga.State{}, err
	}
	state.Events = events
	return state, nil
}

func (s *LedgerStore) loadEvents(ctx context.Context, sagaID, orderID string) ([]saga.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, step_number, is_compensation, payload, created_at
		FROM saga_events
		WHERE order_id = $1 AND saga_id = $2
		ORDER BY id`,
		orderID, sagaID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []saga.EventRecord
	for rows.Next() {
		var (
			event   saga.EventRecord
			payload []byte
		)
		if err := rows.Scan(&event.EventType, &event.StepNumber, &event.IsCompensation, &payload, &event.Timestamp); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			event.Data = json.RawMessage(payload)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
