package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"stagecoach/internal/bus"
	"stagecoach/internal/faults"
	"stagecoach/internal/logging"
	"stagecoach/internal/saga"
)

const source = "inventory.service"

// ReserveHandler consumes OrderCreated: it holds stock for every line item
// and answers with InventoryReserved or InventoryReservationFailed.
type ReserveHandler struct {
	store     Store
	ledger    saga.Ledger
	publisher bus.Publisher
	logger    *logging.Logger
	ttl       time.Duration

	now   func() time.Time
	newID func() string
}

// NewReserveHandler constructs the OrderCreated step handler.
func NewReserveHandler(store Store, ledger saga.Ledger, publisher bus.Publisher, logger *logging.Logger, ttl time.Duration) *ReserveHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ReserveHandler{
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
		ttl:       ttl,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// WithClock overrides time and id generation, for tests.
func (h *ReserveHandler) WithClock(now func() time.Time, newID func() string) *ReserveHandler {
	if now != nil {
		h.now = now
	}
	if newID != nil {
		h.newID = newID
	}
	return h
}

// Handle processes one OrderCreated delivery.
func (h *ReserveHandler) Handle(ctx context.Context, event bus.Event) error {
	var detail bus.OrderCreatedDetail
	if err := json.Unmarshal(event.Detail, &detail); err != nil {
		// Undecodable payloads never become processable; drop.
		h.logger.Warn().Err(err).Msg("undecodable OrderCreated payload")
		return nil
	}
	logger := h.logger.WithCorrelation(event.CorrelationID).WithOrder(detail.OrderID)

	// Redelivery check: skip if this step already recorded an outcome.
	for _, outcome := range []string{bus.TypeInventoryReserved, bus.TypeInventoryReservationFailed} {
		seen, err := h.ledger.HasEvent(ctx, detail.SagaID, detail.OrderID, outcome, saga.StepReserveInventory)
		if err != nil {
			return err
		}
		if seen {
			logger.Info().Str("outcome", outcome).Msg("step already recorded, skipping redelivery")
			return nil
		}
	}

	step := saga.StepReserveInventory
	if err := h.ledger.UpdateStatus(ctx, detail.SagaID, detail.OrderID, saga.StatusInProgress, &step); err != nil {
		if errors.Is(err, saga.ErrTerminalStatus) {
			logger.Info().Msg("saga already terminal, skipping")
			return nil
		}
		return err
	}

	// All-or-nothing availability check before committing anything.
	for _, line := range detail.Items {
		item, err := h.store.GetItem(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, ErrItemNotFound) {
				return h.fail(ctx, detail, "product "+line.ProductID+" not found in inventory", logger)
			}
			return err
		}
		if !item.CanReserve(line.Quantity) {
			return h.fail(ctx, detail, "insufficient stock for product "+line.ProductID, logger)
		}
	}

	// Commit one item at a time; the store's conditional update closes the
	// check-then-write race. A mid-commit shortfall rolls back what was
	// already held so no partial reservation survives.
	committed := make([]ReservedItem, 0, len(detail.Items))
	for _, line := range detail.Items {
		if err := h.store.Reserve(ctx, line.ProductID, line.Quantity); err != nil {
			for _, done := range committed {
				if releaseErr := h.store.Release(ctx, done.ProductID, done.Quantity); releaseErr != nil {
					logger.Error().Err(releaseErr).Str("productId", done.ProductID).
						Msg("rollback release failed, counters need attention")
				}
			}
			if errors.Is(err, ErrInsufficientStock) {
				return h.fail(ctx, detail, "insufficient stock for product "+line.ProductID, logger)
			}
			return err
		}
		committed = append(committed, ReservedItem{ProductID: line.ProductID, Quantity: line.Quantity})
	}

	now := h.now().UTC()
	reservation := NewReservation(h.newID(), detail.OrderID, committed, h.ttl, now)
	if err := h.store.CreateReservation(ctx, reservation); err != nil {
		if errors.Is(err, ErrActiveReservationExists) {
			// A concurrent duplicate got here first; un-hold our stock.
			for _, done := range committed {
				_ = h.store.Release(ctx, done.ProductID, done.Quantity)
			}
			logger.Info().Msg("reservation already exists, duplicate delivery")
			return nil
		}
		return err
	}

	reservedDetail := bus.InventoryReservedDetail{
		ReservationID: reservation.ReservationID,
		OrderID:       detail.OrderID,
		Items:         toBusItems(committed),
	}
	data, err := json.Marshal(reservedDetail)
	if err != nil {
		return err
	}
	if err := h.ledger.AddEvent(ctx, detail.SagaID, detail.OrderID, saga.EventRecord{
		EventType:  bus.TypeInventoryReserved,
		StepNumber: saga.StepReserveInventory,
		Timestamp:  now,
		Data:       data,
	}); err != nil {
		return err
	}

	_ = h.publisher.Publish(ctx, bus.Event{
		Source:        source,
		DetailType:    bus.TypeInventoryReserved,
		Detail:        data,
		CorrelationID: event.CorrelationID,
	})
	logger.Info().Str("reservationId", reservation.ReservationID).Msg("inventory reserved")
	return nil
}

// fail records the reservation failure and emits the single outward
// InventoryReservationFailed event. Nothing was reserved, so the saga ends
// FAILED with no compensation.
func (h *ReserveHandler) fail(ctx context.Context, detail bus.OrderCreatedDetail, reason string, logger *logging.Logger) error {
	now := h.now().UTC()
	failedDetail := bus.InventoryReservationFailedDetail{OrderID: detail.OrderID, Reason: reason}
	data, err := json.Marshal(failedDetail)
	if err != nil {
		return err
	}

	if err := h.ledger.AddEvent(ctx, detail.SagaID, detail.OrderID, saga.EventRecord{
		EventType:  bus.TypeInventoryReservationFailed,
		StepNumber: saga.StepReserveInventory,
		Timestamp:  now,
		Data:       data,
	}); err != nil {
		return err
	}
	if err := h.ledger.MarkFailed(ctx, detail.SagaID, detail.OrderID, saga.ErrorDetails{
		Step:      saga.StepReserveInventory,
		EventType: bus.TypeInventoryReservationFailed,
		Error:     reason,
		Timestamp: now,
	}); err != nil {
		return err
	}

	_ = h.publisher.Publish(ctx, bus.Event{
		Source:     source,
		DetailType: bus.TypeInventoryReservationFailed,
		Detail:     data,
	})
	logger.Warn().Str("reason", reason).Msg("inventory reservation failed")
	return nil
}

// ReleaseHandler consumes PaymentFailed: the compensating action that
// returns held stock and closes the saga as COMPENSATED.
type ReleaseHandler struct {
	store     Store
	ledger    saga.Ledger
	publisher bus.Publisher
	logger    *logging.Logger

	now func() time.Time
}

// NewReleaseHandler constructs the PaymentFailed compensation handler.
func NewReleaseHandler(store Store, ledger saga.Ledger, publisher bus.Publisher, logger *logging.Logger) *ReleaseHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ReleaseHandler{
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle processes one PaymentFailed delivery.
func (h *ReleaseHandler) Handle(ctx context.Context, event bus.Event) error {
	var detail bus.PaymentFailedDetail
	if err := json.Unmarshal(event.Detail, &detail); err != nil {
		h.logger.Warn().Err(err).Msg("undecodable PaymentFailed payload")
		return nil
	}
	logger := h.logger.WithCorrelation(event.CorrelationID).WithOrder(detail.OrderID)

	state, err := h.ledger.GetSagaByOrder(ctx, detail.OrderID)
	if err != nil {
		return err
	}

	seen, err := h.ledger.HasEvent(ctx, state.SagaID, detail.OrderID, bus.TypeInventoryReleased, saga.StepReleaseInventory)
	if err != nil {
		return err
	}
	if seen {
		logger.Info().Msg("compensation already recorded, skipping redelivery")
		return nil
	}

	reservation, err := h.store.GetReservationByOrder(ctx, detail.OrderID)
	if err != nil {
		return err
	}
	// Compensation is deliberately strict: a CONFIRMED or already-released
	// hold must surface, not be papered over.
	if reservation.Status != ReservationReserved {
		return faults.NewTransition("reservation "+reservation.ReservationID,
			string(reservation.Status), string(ReservationReleased))
	}

	now := h.now().UTC()
	for _, held := range reservation.Items {
		if err := h.store.Release(ctx, held.ProductID, held.Quantity); err != nil {
			return err
		}
	}
	if err := reservation.Release(now); err != nil {
		return err
	}
	if err := h.store.UpdateReservation(ctx, reservation); err != nil {
		return err
	}

	releasedDetail := bus.InventoryReleasedDetail{
		ReservationID: reservation.ReservationID,
		OrderID:       detail.OrderID,
		Reason:        detail.Reason,
	}
	data, err := json.Marshal(releasedDetail)
	if err != nil {
		return err
	}
	if err := h.ledger.AddEvent(ctx, state.SagaID, detail.OrderID, saga.EventRecord{
		EventType:      bus.TypeInventoryReleased,
		StepNumber:     saga.StepReleaseInventory,
		IsCompensation: true,
		Timestamp:      now,
		Data:           data,
	}); err != nil {
		return err
	}
	if err := h.ledger.UpdateStatus(ctx, state.SagaID, detail.OrderID, saga.StatusCompensated, nil); err != nil {
		if !errors.Is(err, saga.ErrTerminalStatus) {
			return err
		}
	}

	_ = h.publisher.Publish(ctx, bus.Event{
		Source:        source,
		DetailType:    bus.TypeInventoryReleased,
		Detail:        data,
		CorrelationID: event.CorrelationID,
	})
	logger.Info().Str("reservationId", reservation.ReservationID).Msg("inventory released")
	return nil
}

func toBusItems(items []ReservedItem) []bus.LineItem {
	out := make([]bus.LineItem, len(items))
	for i, item := range items {
		out[i] = bus.LineItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	return out
}
