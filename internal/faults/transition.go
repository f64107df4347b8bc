package faults

import "fmt"

// TransitionError identifies an illegal state-machine transition: which
// entity, from which state, to which state. Handlers use AlreadyInTarget to
// tell a redelivered no-op apart from a genuinely illegal move.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: invalid status transition %s -> %s", e.Entity, e.From, e.To)
}

// AlreadyInTarget reports whether the entity was already in the requested
// state, which is usually safe to ignore under at-least-once redelivery.
func (e *TransitionError) AlreadyInTarget() bool {
	return e.From == e.To
}

// NewTransition constructs a TransitionError.
func NewTransition(entity, from, to string) *TransitionError {
	return &TransitionError{Entity: entity, From: from, To: to}
}
