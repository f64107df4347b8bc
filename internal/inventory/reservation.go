package inventory

import (
	"time"

	"stagecoach/internal/faults"
)

// ReservationStatus is the reservation lifecycle state.
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// DefaultReservationTTL is how long a hold lasts before it may be swept.
const DefaultReservationTTL = 15 * time.Minute

// ReservedItem is one held line in a reservation.
type ReservedItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Reservation is the inventory hold for one order. At most one reservation
// per order is active (not RELEASED/EXPIRED) at a time.
type Reservation struct {
	ReservationID string            `json:"reservationId"`
	OrderID       string            `json:"orderId"`
	Items         []ReservedItem    `json:"items"`
	Status        ReservationStatus `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	ExpiresAt     time.Time         `json:"expiresAt"`
}

// NewReservation constructs a RESERVED hold expiring after ttl (or the
// default when ttl <= 0).
func NewReservation(reservationID, orderID string, items []ReservedItem, ttl time.Duration, now time.Time) *Reservation {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &Reservation{
		ReservationID: reservationID,
		OrderID:       orderID,
		Items:         append([]ReservedItem(nil), items...),
		Status:        ReservationReserved,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
}

// Active reports whether the hold still binds stock.
func (r *Reservation) Active() bool {
	return r.Status == ReservationReserved || r.Status == ReservationConfirmed
}

// Confirm finalizes the hold; legal only from RESERVED.
func (r *Reservation) Confirm(now time.Time) error {
	if r.Status != ReservationReserved {
		return faults.NewTransition("reservation "+r.ReservationID, string(r.Status), string(ReservationConfirmed))
	}
	r.Status = ReservationConfirmed
	r.UpdatedAt = now
	return nil
}

// Release returns the hold; forbidden once CONFIRMED.
func (r *Reservation) Release(now time.Time) error {
	if r.Status == ReservationConfirmed || r.Status == ReservationReleased {
		return faults.NewTransition("reservation "+r.ReservationID, string(r.Status), string(ReservationReleased))
	}
	r.Status = ReservationReleased
	r.UpdatedAt = now
	return nil
}

// Expire marks a stale hold; the sweeper releases its stock first.
func (r *Reservation) Expire(now time.Time) error {
	if r.Status != ReservationReserved {
		return faults.NewTransition("reservation "+r.ReservationID, string(r.Status), string(ReservationExpired))
	}
	r.Status = ReservationExpired
	r.UpdatedAt = now
	return nil
}

// IsExpired reports whether the hold has passed its deadline. Advisory: the
// sweeper, not this check, performs the actual expiry.
func (r *Reservation) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
