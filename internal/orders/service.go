package orders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"stagecoach/internal/bus"
	"stagecoach/internal/faults"
	"stagecoach/internal/idempotency"
	"stagecoach/internal/logging"
	"stagecoach/internal/saga"
)

// Service coordinates order creation and the saga it starts.
type Service struct {
	store     Store
	ledger    saga.Ledger
	idem      idempotency.Ledger
	publisher bus.Publisher
	logger    *logging.Logger

	now   func() time.Time
	newID func() string
}

// NewService constructs an order Service.
func NewService(store Store, ledger saga.Ledger, idem idempotency.Ledger, publisher bus.Publisher, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{
		store:     store,
		ledger:    ledger,
		idem:      idem,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// WithClock overrides time and id generation, for tests.
func (s *Service) WithClock(now func() time.Time, newID func() string) *Service {
	if now != nil {
		s.now = now
	}
	if newID != nil {
		s.newID = newID
	}
	return s
}

// CreateOrderInput is the create-order request.
type CreateOrderInput struct {
	UserID          string `json:"userId"`
	Items           []Item `json:"items"`
	ShippingAddress string `json:"shippingAddress"`
	// IdempotencyKey is optional; a deterministic key is derived from the
	// request when absent.
	IdempotencyKey string `json:"-"`
}

// CreateOrderResult is what the caller gets back, and what the idempotency
// ledger replays for duplicate requests.
type CreateOrderResult struct {
	Order  *Order `json:"order"`
	SagaID string `json:"sagaId"`
	// Replayed marks a response served from the idempotency ledger.
	Replayed bool `json:"-"`
}

// CreateOrder validates the request, persists the order and its saga, and
// publishes OrderCreated. A retried request with the same idempotency key
// returns the original result instead of creating a duplicate order.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (CreateOrderResult, error) {
	key := input.IdempotencyKey
	if key == "" {
		body, err := json.Marshal(input)
		if err != nil {
			return CreateOrderResult{}, faults.Wrap(faults.CodeValidation, err, "encode request")
		}
		key = idempotency.DeriveKey(input.UserID, string(body))
	}

	if stored, ok, err := s.idem.Lookup(ctx, key); err == nil && ok {
		var result CreateOrderResult
		if err := json.Unmarshal(stored, &result); err == nil {
			result.Replayed = true
			s.logger.WithOrder(result.Order.OrderID).Info().Msg("replayed create-order response")
			return result, nil
		}
	}

	now := s.now().UTC()
	order, err := New(s.newID(), input.UserID, input.Items, input.ShippingAddress, now)
	if err != nil {
		return CreateOrderResult{}, err
	}

	sagaID := s.newID()
	correlationID := s.newID()
	logger := s.logger.WithCorrelation(correlationID).WithOrder(order.OrderID)

	if err := s.store.Create(ctx, order); err != nil {
		return CreateOrderResult{}, err
	}

	state := saga.State{
		SagaID:      sagaID,
		OrderID:     order.OrderID,
		Status:      saga.StatusStarted,
		CurrentStep: saga.StepReserveInventory,
		TotalSteps:  saga.TotalSteps,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.ledger.CreateSaga(ctx, state); err != nil {
		logger.Error().Err(err).Msg("saga ledger create failed")
		return CreateOrderResult{}, err
	}

	detail := bus.OrderCreatedDetail{
		OrderID:         order.OrderID,
		UserID:          order.UserID,
		TotalAmount:     order.TotalAmount,
		Items:           toLineItems(order.Items),
		ShippingAddress: order.ShippingAddress,
		SagaID:          sagaID,
		SagaStep:        saga.StepReserveInventory,
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return CreateOrderResult{}, err
	}
	if err := s.ledger.AddEvent(ctx, sagaID, order.OrderID, saga.EventRecord{
		EventType:  bus.TypeOrderCreated,
		StepNumber: saga.StepCreateOrder,
		Timestamp:  now,
		Data:       data,
	}); err != nil {
		logger.Error().Err(err).Msg("saga ledger append failed")
		return CreateOrderResult{}, err
	}

	event := bus.Event{
		Source:        "order.service",
		DetailType:    bus.TypeOrderCreated,
		Detail:        data,
		CorrelationID: correlationID,
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		// The resilient publisher swallows terminal failures; anything that
		// still surfaces here is a programming error worth logging.
		logger.Error().Err(err).Msg("publish OrderCreated failed")
	}

	result := CreateOrderResult{Order: order, SagaID: sagaID}
	if response, err := json.Marshal(result); err == nil {
		if err := s.idem.Store(ctx, key, response); err != nil {
			logger.Warn().Err(err).Msg("idempotency store failed")
		}
	}

	logger.Info().Float64("totalAmount", order.TotalAmount).Msg("order created, saga started")
	return result, nil
}

// GetOrder fetches one order.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return s.store.Get(ctx, orderID)
}

// Amount resolves an order's total, for callers that only carry the id.
func (s *Service) Amount(ctx context.Context, orderID string) (float64, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return 0, err
	}
	return order.TotalAmount, nil
}

// ListOrders lists a user's orders.
func (s *Service) ListOrders(ctx context.Context, userID string) ([]*Order, error) {
	return s.store.ListByUser(ctx, userID)
}

// GetSaga returns the authoritative saga state for an order.
func (s *Service) GetSaga(ctx context.Context, orderID string) (saga.State, error) {
	return s.ledger.GetSagaByOrder(ctx, orderID)
}

// CancelOrder cancels an order where the status graph allows it.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := order.Cancel(s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// UpdateOrderStatus drives an explicit status transition.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID string, next Status) (*Order, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := order.TransitionTo(next, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// UpdateOrderItems replaces a pending order's items.
func (s *Service) UpdateOrderItems(ctx context.Context, orderID string, items []Item) (*Order, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := order.UpdateItems(items, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func toLineItems(items []Item) []bus.LineItem {
	out := make([]bus.LineItem, len(items))
	for i, item := range items {
		out[i] = bus.LineItem{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		}
	}
	return out
}
