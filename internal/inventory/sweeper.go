package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"stagecoach/internal/bus"
	"stagecoach/internal/logging"
	"stagecoach/internal/saga"
)

// Sweeper expires reservations whose payment never arrived. Holds past their
// deadline return their stock, the saga is closed out, and downstream
// listeners hear an InventoryReleased.
type Sweeper struct {
	store     Store
	ledger    saga.Ledger
	publisher bus.Publisher
	logger    *logging.Logger
	now       func() time.Time
}

// NewSweeper constructs the reservation expiry sweeper.
func NewSweeper(store Store, ledger saga.Ledger, publisher bus.Publisher, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Sweeper{
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the sweeper's clock, for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep expires every overdue hold. Per-reservation failures are logged and
// skipped so one stuck record cannot stall the rest; the next run retries.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, reservation := range expired {
		if err := s.expire(ctx, reservation, now); err != nil {
			s.logger.Error().Err(err).
				Str("reservationId", reservation.ReservationID).
				Str("orderId", reservation.OrderID).
				Msg("reservation expiry failed")
			continue
		}
		swept++
	}
	if swept > 0 {
		s.logger.Info().Int("count", swept).Msg("expired stale reservations")
	}
	return swept, nil
}

func (s *Sweeper) expire(ctx context.Context, reservation *Reservation, now time.Time) error {
	// Flip the status first so a crash mid-release leaves an EXPIRED record
	// rather than double-releasing on the next run.
	if err := reservation.Expire(now); err != nil {
		return err
	}
	if err := s.store.UpdateReservation(ctx, reservation); err != nil {
		return err
	}
	for _, held := range reservation.Items {
		if err := s.store.Release(ctx, held.ProductID, held.Quantity); err != nil {
			return err
		}
	}

	detail := bus.InventoryReleasedDetail{
		ReservationID: reservation.ReservationID,
		OrderID:       reservation.OrderID,
		Reason:        "reservation expired",
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return err
	}

	state, err := s.ledger.GetSagaByOrder(ctx, reservation.OrderID)
	if err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			// Orphan hold with no saga; stock is back, nothing more to do.
			return nil
		}
		return err
	}
	if err := s.ledger.AddEvent(ctx, state.SagaID, reservation.OrderID, saga.EventRecord{
		EventType:      bus.TypeInventoryReleased,
		StepNumber:     saga.StepReleaseInventory,
		IsCompensation: true,
		Timestamp:      now,
		Data:           data,
	}); err != nil {
		return err
	}
	if err := s.ledger.MarkFailed(ctx, state.SagaID, reservation.OrderID, saga.ErrorDetails{
		Step:      saga.StepChargePayment,
		EventType: bus.TypeInventoryReleased,
		Error:     "reservation expired before payment",
		Timestamp: now,
	}); err != nil && !errors.Is(err, saga.ErrTerminalStatus) {
		return err
	}

	_ = s.publisher.Publish(ctx, bus.Event{
		Source:     source,
		DetailType: bus.TypeInventoryReleased,
		Detail:     data,
	})
	return nil
}
