package payments

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"stagecoach/internal/bus"
	"stagecoach/internal/logging"
	"stagecoach/internal/saga"
)

const source = "payment.service"

// AmountSource resolves the charge amount for an order. The reservation
// event does not carry money, so the handler asks the order side.
type AmountSource interface {
	Amount(ctx context.Context, orderID string) (float64, error)
}

// ChargeHandler consumes InventoryReserved: it records a payment, charges
// the gateway exactly once per saga, and answers with PaymentCharged or
// PaymentFailed. The charge decision is final; only the transport call
// underneath the gateway retries.
type ChargeHandler struct {
	store     Store
	gateway   Gateway
	amounts   AmountSource
	ledger    saga.Ledger
	publisher bus.Publisher
	logger    *logging.Logger

	now   func() time.Time
	newID func() string
}

// NewChargeHandler constructs the InventoryReserved step handler.
func NewChargeHandler(store Store, gateway Gateway, amounts AmountSource, ledger saga.Ledger, publisher bus.Publisher, logger *logging.Logger) *ChargeHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ChargeHandler{
		store:     store,
		gateway:   gateway,
		amounts:   amounts,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// WithClock overrides time and id generation, for tests.
func (h *ChargeHandler) WithClock(now func() time.Time, newID func() string) *ChargeHandler {
	if now != nil {
		h.now = now
	}
	if newID != nil {
		h.newID = newID
	}
	return h
}

// Handle processes one InventoryReserved delivery.
func (h *ChargeHandler) Handle(ctx context.Context, event bus.Event) error {
	var detail bus.InventoryReservedDetail
	if err := json.Unmarshal(event.Detail, &detail); err != nil {
		h.logger.Warn().Err(err).Msg("undecodable InventoryReserved payload")
		return nil
	}
	logger := h.logger.WithCorrelation(event.CorrelationID).WithOrder(detail.OrderID)

	state, err := h.ledger.GetSagaByOrder(ctx, detail.OrderID)
	if err != nil {
		return err
	}

	for _, outcome := range []string{bus.TypePaymentCharged, bus.TypePaymentFailed} {
		seen, err := h.ledger.HasEvent(ctx, state.SagaID, detail.OrderID, outcome, saga.StepChargePayment)
		if err != nil {
			return err
		}
		if seen {
			logger.Info().Str("outcome", outcome).Msg("charge already decided, skipping redelivery")
			return nil
		}
	}

	step := saga.StepChargePayment
	if err := h.ledger.UpdateStatus(ctx, state.SagaID, detail.OrderID, saga.StatusInProgress, &step); err != nil {
		if errors.Is(err, saga.ErrTerminalStatus) {
			logger.Info().Msg("saga already terminal, skipping")
			return nil
		}
		return err
	}

	amount, err := h.amounts.Amount(ctx, detail.OrderID)
	if err != nil {
		return err
	}

	now := h.now().UTC()
	payment, err := New(h.newID(), detail.OrderID, amount, DefaultCurrency, now)
	if err != nil {
		return h.fail(ctx, state.SagaID, detail.OrderID, nil, err.Error(), logger)
	}
	if err := h.store.Create(ctx, payment); err != nil {
		if errors.Is(err, ErrPaymentExists) {
			// An earlier delivery crashed between Create and the ledger
			// append. Resume with the persisted record.
			payment, err = h.store.GetByOrder(ctx, detail.OrderID)
			if err != nil {
				return err
			}
		} else {
			return err
		}
	}

	if payment.Status == StatusPending {
		transactionID, chargeErr := h.gateway.Charge(ctx, detail.OrderID, payment.Amount, payment.Currency)
		if chargeErr != nil {
			now = h.now().UTC()
			if err := payment.Fail(chargeErr.Error(), now); err != nil {
				return err
			}
			if err := h.store.Update(ctx, payment); err != nil {
				return err
			}
			return h.fail(ctx, state.SagaID, detail.OrderID, payment, chargeErr.Error(), logger)
		}
		now = h.now().UTC()
		if err := payment.Charge(transactionID, now); err != nil {
			return err
		}
		if err := h.store.Update(ctx, payment); err != nil {
			return err
		}
	}

	switch payment.Status {
	case StatusCharged:
		return h.charged(ctx, state.SagaID, payment, event.CorrelationID, logger)
	case StatusFailed:
		return h.fail(ctx, state.SagaID, detail.OrderID, payment, payment.FailureReason, logger)
	default:
		return saga.ErrTerminalStatus
	}
}

func (h *ChargeHandler) charged(ctx context.Context, sagaID string, payment *Payment, correlationID string, logger *logging.Logger) error {
	chargedDetail := bus.PaymentChargedDetail{
		PaymentID:     payment.PaymentID,
		OrderID:       payment.OrderID,
		Amount:        payment.Amount,
		TransactionID: payment.TransactionID,
	}
	data, err := json.Marshal(chargedDetail)
	if err != nil {
		return err
	}
	if err := h.ledger.AddEvent(ctx, sagaID, payment.OrderID, saga.EventRecord{
		EventType:  bus.TypePaymentCharged,
		StepNumber: saga.StepChargePayment,
		Timestamp:  h.now().UTC(),
		Data:       data,
	}); err != nil {
		return err
	}
	if err := h.ledger.UpdateStatus(ctx, sagaID, payment.OrderID, saga.StatusCompleted, nil); err != nil {
		return err
	}

	_ = h.publisher.Publish(ctx, bus.Event{
		Source:        source,
		DetailType:    bus.TypePaymentCharged,
		Detail:        data,
		CorrelationID: correlationID,
	})
	logger.Info().
		Str("paymentId", payment.PaymentID).
		Str("transactionId", payment.TransactionID).
		Msg("payment charged")
	return nil
}

// fail records the failed charge and emits the PaymentFailed event that
// triggers inventory compensation. The saga moves to COMPENSATING here;
// the release handler closes it out as COMPENSATED.
func (h *ChargeHandler) fail(ctx context.Context, sagaID, orderID string, payment *Payment, reason string, logger *logging.Logger) error {
	failedDetail := bus.PaymentFailedDetail{OrderID: orderID, Reason: reason}
	data, err := json.Marshal(failedDetail)
	if err != nil {
		return err
	}
	if err := h.ledger.AddEvent(ctx, sagaID, orderID, saga.EventRecord{
		EventType:  bus.TypePaymentFailed,
		StepNumber: saga.StepChargePayment,
		Timestamp:  h.now().UTC(),
		Data:       data,
	}); err != nil {
		return err
	}
	if err := h.ledger.UpdateStatus(ctx, sagaID, orderID, saga.StatusCompensating, nil); err != nil {
		if !errors.Is(err, saga.ErrTerminalStatus) {
			return err
		}
	}

	_ = h.publisher.Publish(ctx, bus.Event{
		Source:     source,
		DetailType: bus.TypePaymentFailed,
		Detail:     data,
	})
	event := logger.Warn().Str("reason", reason)
	if payment != nil {
		event = event.Str("paymentId", payment.PaymentID)
	}
	event.Msg("payment failed")
	return nil
}
