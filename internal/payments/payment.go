// Package payments owns the payment record, the gateway client, and the saga
// step handler that charges an order once its inventory is held.
package payments

import (
	"time"

	"stagecoach/internal/faults"
)

// Status is the payment lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusCharged    Status = "CHARGED"
	StatusFailed     Status = "FAILED"
	StatusRefunded   Status = "REFUNDED"
)

// DefaultCurrency applies when the caller does not name one.
const DefaultCurrency = "USD"

// Payment is one charge attempt for an order.
type Payment struct {
	PaymentID     string    `json:"paymentId"`
	OrderID       string    `json:"orderId"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Status        Status    `json:"status"`
	TransactionID string    `json:"transactionId,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// New constructs a PENDING payment.
func New(paymentID, orderID string, amount float64, currency string, now time.Time) (*Payment, error) {
	if orderID == "" {
		return nil, faults.New(faults.CodeValidation, "payment requires an order id")
	}
	if amount <= 0 {
		return nil, faults.New(faults.CodeValidation, "payment amount must be positive, got %.2f", amount)
	}
	if currency == "" {
		currency = DefaultCurrency
	}
	return &Payment{
		PaymentID: paymentID,
		OrderID:   orderID,
		Amount:    amount,
		Currency:  currency,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Charge records a successful gateway charge; legal only from PENDING.
func (p *Payment) Charge(transactionID string, now time.Time) error {
	if p.Status != StatusPending {
		return faults.NewTransition("payment "+p.PaymentID, string(p.Status), string(StatusCharged))
	}
	p.Status = StatusCharged
	p.TransactionID = transactionID
	p.UpdatedAt = now
	return nil
}

// Fail records a declined or errored charge; legal from PENDING or
// AUTHORIZED. The record never leaves FAILED, the gateway call is not
// re-decided.
func (p *Payment) Fail(reason string, now time.Time) error {
	if p.Status != StatusPending && p.Status != StatusAuthorized {
		return faults.NewTransition("payment "+p.PaymentID, string(p.Status), string(StatusFailed))
	}
	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = now
	return nil
}

// Refund reverses a charge; legal only from CHARGED.
func (p *Payment) Refund(now time.Time) error {
	if p.Status != StatusCharged {
		return faults.NewTransition("payment "+p.PaymentID, string(p.Status), string(StatusRefunded))
	}
	p.Status = StatusRefunded
	p.UpdatedAt = now
	return nil
}
