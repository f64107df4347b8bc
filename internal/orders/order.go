// Package orders owns the Order aggregate and the create-order use case that
// starts a saga.
package orders

import (
	"time"

	"stagecoach/internal/faults"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

// transitions is the legal order status graph.
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusShipped, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
}

// Item is one order line.
type Item struct {
	ProductID   string  `json:"productId"`
	ProductName string  `json:"productName"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
}

// Order is the aggregate root for a purchase.
type Order struct {
	OrderID         string    `json:"orderId"`
	UserID          string    `json:"userId"`
	Items           []Item    `json:"items"`
	ShippingAddress string    `json:"shippingAddress"`
	Status          Status    `json:"status"`
	TotalAmount     float64   `json:"totalAmount"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ErrNoItems signals an order without a single line item.
var ErrNoItems = faults.New(faults.CodeValidation, "order requires at least one item")

func validateItems(items []Item) error {
	if len(items) == 0 {
		return ErrNoItems
	}
	for _, item := range items {
		if item.ProductID == "" {
			return faults.New(faults.CodeValidation, "item product id is required")
		}
		if item.Quantity <= 0 {
			return faults.New(faults.CodeValidation, "item %s: quantity must be positive", item.ProductID)
		}
		if item.UnitPrice <= 0 {
			return faults.New(faults.CodeValidation, "item %s: unit price must be positive", item.ProductID)
		}
	}
	return nil
}

func total(items []Item) float64 {
	var sum float64
	for _, item := range items {
		sum += float64(item.Quantity) * item.UnitPrice
	}
	return sum
}

// New validates input and constructs a PENDING order with the total computed
// from its items.
func New(orderID, userID string, items []Item, shippingAddress string, now time.Time) (*Order, error) {
	if userID == "" {
		return nil, faults.New(faults.CodeValidation, "user id is required")
	}
	if err := validateItems(items); err != nil {
		return nil, err
	}
	return &Order{
		OrderID:         orderID,
		UserID:          userID,
		Items:           append([]Item(nil), items...),
		ShippingAddress: shippingAddress,
		Status:          StatusPending,
		TotalAmount:     total(items),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// TransitionTo moves the order along the status graph.
func (o *Order) TransitionTo(next Status, now time.Time) error {
	for _, allowed := range transitions[o.Status] {
		if allowed == next {
			o.Status = next
			o.UpdatedAt = now
			return nil
		}
	}
	return faults.NewTransition("order "+o.OrderID, string(o.Status), string(next))
}

// Confirm moves a pending order to CONFIRMED.
func (o *Order) Confirm(now time.Time) error { return o.TransitionTo(StatusConfirmed, now) }

// Cancel moves the order to CANCELLED where the graph allows it.
func (o *Order) Cancel(now time.Time) error { return o.TransitionTo(StatusCancelled, now) }

// UpdateItems replaces the line items and recomputes the total. Items are
// mutable only while the order is PENDING.
func (o *Order) UpdateItems(items []Item, now time.Time) error {
	if o.Status != StatusPending {
		return faults.New(faults.CodeDomainRule, "order %s: items are frozen in status %s", o.OrderID, o.Status)
	}
	if err := validateItems(items); err != nil {
		return err
	}
	o.Items = append([]Item(nil), items...)
	o.TotalAmount = total(o.Items)
	o.UpdatedAt = now
	return nil
}
