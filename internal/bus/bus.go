// Package bus carries the saga events between services.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Event is the envelope every saga event travels in. Delivery is
// at-least-once; consumers must tolerate duplicates.
type Event struct {
	Source        string          `json:"source"`
	DetailType    string          `json:"detailType"`
	Detail        json.RawMessage `json:"detail"`
	CorrelationID string          `json:"correlationId"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Event catalog.
const (
	TypeOrderCreated               = "OrderCreated"
	TypeInventoryReserved          = "InventoryReserved"
	TypeInventoryReservationFailed = "InventoryReservationFailed"
	TypeInventoryReleased          = "InventoryReleased"
	TypePaymentCharged             = "PaymentCharged"
	TypePaymentFailed              = "PaymentFailed"
)

// LineItem is an order line as carried in event payloads.
type LineItem struct {
	ProductID   string  `json:"productId"`
	ProductName string  `json:"productName,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice,omitempty"`
}

// OrderCreatedDetail is the payload of an OrderCreated event.
type OrderCreatedDetail struct {
	OrderID         string     `json:"orderId"`
	UserID          string     `json:"userId"`
	TotalAmount     float64    `json:"totalAmount"`
	Items           []LineItem `json:"items"`
	ShippingAddress string     `json:"shippingAddress"`
	SagaID          string     `json:"sagaId"`
	SagaStep        int        `json:"sagaStep"`
}

// InventoryReservedDetail is the payload of an InventoryReserved event.
type InventoryReservedDetail struct {
	ReservationID string     `json:"reservationId"`
	OrderID       string     `json:"orderId"`
	Items         []LineItem `json:"items"`
}

// InventoryReservationFailedDetail is the payload of an
// InventoryReservationFailed event.
type InventoryReservationFailedDetail struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// InventoryReleasedDetail is the payload of an InventoryReleased event.
type InventoryReleasedDetail struct {
	ReservationID string `json:"reservationId"`
	OrderID       string `json:"orderId"`
	Reason        string `json:"reason"`
}

// PaymentChargedDetail is the payload of a PaymentCharged event.
type PaymentChargedDetail struct {
	PaymentID     string  `json:"paymentId"`
	OrderID       string  `json:"orderId"`
	Amount        float64 `json:"amount"`
	TransactionID string  `json:"transactionId"`
}

// PaymentFailedDetail is the payload of a PaymentFailed event.
type PaymentFailedDetail struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// Publisher emits events to the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Handler consumes one event. Returning an error leaves the message
// unacknowledged so the transport redelivers it.
type Handler func(ctx context.Context, event Event) error

// NewEvent builds an envelope with a marshalled detail payload.
func NewEvent(source, detailType string, detail any, correlationID string) (Event, error) {
	data, err := json.Marshal(detail)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Source:        source,
		DetailType:    detailType,
		Detail:        data,
		CorrelationID: correlationID,
	}, nil
}
