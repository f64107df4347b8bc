// Package saga holds the ledger types that track one business transaction
// across the order, inventory and payment services.
package saga

import (
	"context"
	"encoding/json"
	"time"

	"stagecoach/internal/faults"
)

// Status captures the current state of an order saga.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
)

// Terminal reports whether the status never changes again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	}
	return false
}

// transitions is the legal saga status graph.
var transitions = map[Status][]Status{
	StatusStarted:      {StatusInProgress, StatusFailed},
	StatusInProgress:   {StatusInProgress, StatusCompleted, StatusCompensating, StatusFailed},
	StatusCompensating: {StatusCompensated, StatusFailed},
}

// CanTransition reports whether from may move to to. Terminal statuses accept
// nothing.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Step numbers for the order saga. Step 0 is the order creation itself.
const (
	StepCreateOrder      = 0
	StepReserveInventory = 1
	StepChargePayment    = 2
	StepReleaseInventory = 3
	TotalSteps           = 3
)

// ErrTerminalStatus signals an attempt to change a finished saga.
var ErrTerminalStatus = faults.New(faults.CodeDomainRule, "saga already in a terminal status")

// EventRecord is one append-only entry in a saga's event history.
type EventRecord struct {
	EventType      string          `json:"eventType"`
	StepNumber     int             `json:"stepNumber"`
	IsCompensation bool            `json:"isCompensation"`
	Timestamp      time.Time       `json:"timestamp"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// ErrorDetails records the first terminal failure; set at most once.
type ErrorDetails struct {
	Step      int       `json:"step"`
	EventType string    `json:"eventType"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the ledger record for one saga, keyed by (orderID, sagaID).
type State struct {
	SagaID       string        `json:"sagaId"`
	OrderID      string        `json:"orderId"`
	Status       Status        `json:"status"`
	CurrentStep  int           `json:"currentStep"`
	TotalSteps   int           `json:"totalSteps"`
	Events       []EventRecord `json:"events"`
	ErrorDetails *ErrorDetails `json:"errorDetails,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Ledger persists saga state. Writes are authoritative: failures propagate to
// the step handler so a saga never advances past an unrecorded step.
type Ledger interface {
	CreateSaga(ctx context.Context, state State) error
	GetSaga(ctx context.Context, sagaID, orderID string) (State, error)
	// GetSagaByOrder resolves the saga correlated with an order.
	GetSagaByOrder(ctx context.Context, orderID string) (State, error)
	// UpdateStatus is a partial update; it never touches Events and refuses
	// to leave a terminal status.
	UpdateStatus(ctx context.Context, sagaID, orderID string, status Status, currentStep *int) error
	// AddEvent appends to the event history. Concurrent appends must both
	// survive; entries are never rewritten.
	AddEvent(ctx context.Context, sagaID, orderID string, event EventRecord) error
	// HasEvent reports whether (eventType, step) was already recorded, the
	// dedupe check that makes redelivered events safe to skip.
	HasEvent(ctx context.Context, sagaID, orderID, eventType string, step int) (bool, error)
	// MarkFailed is a one-way transition to FAILED with diagnostics.
	MarkFailed(ctx context.Context, sagaID, orderID string, details ErrorDetails) error
}

// ErrSagaNotFound signals a lookup for an unknown saga.
var ErrSagaNotFound = faults.New(faults.CodeNotFound, "saga not found")
