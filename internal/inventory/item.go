// Package inventory owns per-product stock, reservations, and the saga step
// handlers that react to order and payment events.
package inventory

import (
	"time"

	"stagecoach/internal/faults"
)

// Item tracks per-product stock counters. Available and Reserved never go
// negative; their sum only changes through restocking, never through
// reserve/release.
type Item struct {
	ProductID   string    `json:"productId"`
	ProductName string    `json:"productName"`
	Available   int       `json:"availableQuantity"`
	Reserved    int       `json:"reservedQuantity"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ErrInsufficientStock signals a reserve for more than is available.
var ErrInsufficientStock = faults.New(faults.CodeDomainRule, "insufficient stock")

// NewItem constructs an item with its full quantity available.
func NewItem(productID, productName string, quantity int, now time.Time) *Item {
	return &Item{
		ProductID:   productID,
		ProductName: productName,
		Available:   quantity,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CanReserve reports whether quantity units are available.
func (i *Item) CanReserve(quantity int) bool {
	return quantity > 0 && i.Available >= quantity
}

// Reserve moves quantity from available to reserved. It fails without
// touching the counters when stock is insufficient; it never clamps.
func (i *Item) Reserve(quantity int, now time.Time) error {
	if quantity <= 0 {
		return faults.New(faults.CodeValidation, "product %s: reserve quantity must be positive", i.ProductID)
	}
	if i.Available < quantity {
		return faults.Wrap(faults.CodeDomainRule, ErrInsufficientStock,
			"product %s: available %d, requested %d", i.ProductID, i.Available, quantity)
	}
	i.Available -= quantity
	i.Reserved += quantity
	i.UpdatedAt = now
	return nil
}

// Release moves quantity back from reserved to available.
func (i *Item) Release(quantity int, now time.Time) error {
	if quantity <= 0 {
		return faults.New(faults.CodeValidation, "product %s: release quantity must be positive", i.ProductID)
	}
	if i.Reserved < quantity {
		return faults.New(faults.CodeDomainRule,
			"product %s: cannot release %d, only %d reserved", i.ProductID, quantity, i.Reserved)
	}
	i.Reserved -= quantity
	i.Available += quantity
	i.UpdatedAt = now
	return nil
}
