package saga

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-memory Ledger used for tests and for running without
// a database.
type MemoryLedger struct {
	mu      sync.Mutex
	sagas   map[string]*State // keyed by orderID + "/" + sagaID
	byOrder map[string]string // orderID -> sagaID
	now     func() time.Time
}

// NewMemoryLedger constructs an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		sagas:   make(map[string]*State),
		byOrder: make(map[string]string),
		now:     time.Now,
	}
}

func key(sagaID, orderID string) string { return orderID + "/" + sagaID }

func (m *MemoryLedger) CreateSaga(ctx context.Context, state State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := state
	copied.Events = append([]EventRecord(nil), state.Events...)
	m.sagas[key(state.SagaID, state.OrderID)] = &copied
	m.byOrder[state.OrderID] = state.SagaID
	return nil
}

func (m *MemoryLedger) GetSaga(ctx context.Context, sagaID, orderID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sagas[key(sagaID, orderID)]
	if !ok {
		return State{}, ErrSagaNotFound
	}
	return snapshot(state), nil
}

func (m *MemoryLedger) GetSagaByOrder(ctx context.Context, orderID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sagaID, ok := m.byOrder[orderID]
	if !ok {
		return State{}, ErrSagaNotFound
	}
	return snapshot(m.sagas[key(sagaID, orderID)]), nil
}

func (m *MemoryLedger) UpdateStatus(ctx context.Context, sagaID, orderID string, status Status, currentStep *int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sagas[key(sagaID, orderID)]
	if !ok {
		return ErrSagaNotFound
	}
	if state.Status.Terminal() {
		return ErrTerminalStatus
	}
	state.Status = status
	if currentStep != nil {
		state.CurrentStep = *currentStep
	}
	state.UpdatedAt = m.now()
	return nil
}

func (m *MemoryLedger) AddEvent(ctx context.Context, sagaID, orderID string, event EventRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sagas[key(sagaID, orderID)]
	if !ok {
		return ErrSagaNotFound
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	state.Events = append(state.Events, event)
	state.UpdatedAt = m.now()
	return nil
}

func (m *MemoryLedger) HasEvent(ctx context.Context, sagaID, orderID, eventType string, step int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sagas[key(sagaID, orderID)]
	if !ok {
		return false, nil
	}
	for _, event := range state.Events {
		if event.EventType == eventType && event.StepNumber == step {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryLedger) MarkFailed(ctx context.Context, sagaID, orderID string, details ErrorDetails) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sagas[key(sagaID, orderID)]
	if !ok {
		return ErrSagaNotFound
	}
	if state.Status.Terminal() {
		return ErrTerminalStatus
	}
	state.Status = StatusFailed
	if state.ErrorDetails == nil {
		if details.Timestamp.IsZero() {
			details.Timestamp = m.now()
		}
		state.ErrorDetails = &details
	}
	state.UpdatedAt = m.now()
	return nil
}

func snapshot(state *State) State {
	copied := *state
	copied.Events = append([]EventRecord(nil), state.Events...)
	if state.ErrorDetails != nil {
		details := *state.ErrorDetails
		copied.ErrorDetails = &details
	}
	return copied
}
