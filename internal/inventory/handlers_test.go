package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"stagecoach/internal/bus"
	"stagecoach/internal/saga"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func seedStore(t *testing.T, quantities map[string]int) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	for id, quantity := range quantities {
		if err := store.PutItem(context.Background(), NewItem(id, "item "+id, quantity, testNow)); err != nil {
			t.Fatalf("PutItem(%s): %v", id, err)
		}
	}
	return store
}

func seedSaga(t *testing.T, ledger saga.Ledger, sagaID, orderID string) {
	t.Helper()
	err := ledger.CreateSaga(context.Background(), saga.State{
		SagaID:      sagaID,
		OrderID:     orderID,
		Status:      saga.StatusStarted,
		CurrentStep: saga.StepReserveInventory,
		TotalSteps:  saga.TotalSteps,
		StartedAt:   testNow,
		UpdatedAt:   testNow,
	})
	if err != nil {
		t.Fatalf("CreateSaga: %v", err)
	}
}

func orderCreatedEvent(t *testing.T, sagaID, orderID string, items []bus.LineItem) bus.Event {
	t.Helper()
	detail, err := json.Marshal(bus.OrderCreatedDetail{
		OrderID: orderID,
		UserID:  "user-1",
		Items:   items,
		SagaID:  sagaID,
	})
	if err != nil {
		t.Fatalf("marshal detail: %v", err)
	}
	return bus.Event{
		Source:        "order.service",
		DetailType:    bus.TypeOrderCreated,
		Detail:        detail,
		CorrelationID: "corr-1",
	}
}

func TestReserveHandlerHoldsStock(t *testing.T) {
	store := seedStore(t, map[string]int{"prod-1": 10, "prod-2": 5})
	ledger := saga.NewMemoryLedger()
	publisher := bus.NewMemoryBus()
	seedSaga(t, ledger, "saga-1", "order-1")

	handler := NewReserveHandler(store, ledger, publisher, nil, 0).
		WithClock(func() time.Time { return testNow }, func() string { return "res-1" })

	event := orderCreatedEvent(t, "saga-1", "order-1", []bus.LineItem{
		{ProductID: "prod-1", Quantity: 3},
		{ProductID: "prod-2", Quantity: 2},
	})
	if err := handler.Handle(context.Background(), event); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	item, err := store.GetItem(context.Background(), "prod-1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if item.Available != 7 || item.Reserved != 3 {
		t.Fatalf("prod-1 counters = (%d available, %d reserved), want (7, 3)", item.Available, item.Reserved)
	}
	if item.Available+item.Reserved != 10 {
		t.Fatalf("prod-1 total = %d, want 10", item.Available+item.Reserved)
	}

	reservation, err := store.GetReservationByOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("GetReservationByOrder: %v", err)
	}
	if reservation.Status != ReservationReserved {
		t.Fatalf("reservation status = %s, want RESERVED", reservation.Status)
	}
	if want := testNow.Add(DefaultReservationTTL); !reservation.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", reservation.ExpiresAt, want)
	}

	published := publisher.PublishedOfType(bus.TypeInventoryReserved)
	if len(published) != 1 {
		t.Fatalf("published %d InventoryReserved events, want 1", len(published))
	}
	var reserved bus.InventoryReservedDetail
	if err := json.Unmarshal(published[0].Detail, &reserved); err != nil {
		t.Fatalf("unmarshal InventoryReserved: %v", err)
	}
	if reserved.ReservationID != "res-1" || reserved.OrderID != "order-1" {
		t.Fatalf("InventoryReserved detail = %+v", reserved)
	}

	state, err := ledger.GetSaga(context.Background(), "saga-1", "order-1")
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if state.Status != saga.StatusInProgress {
		t.Fatalf("saga status = %s, want IN_PROGRESS", state.Status)
	}
}

func TestReserveHandlerInsufficientStockReleasesNothing(t *testing.T) {
	store := seedStore(t, map[string]int{"prod-1": 10, "prod-2": 1})
	ledger := saga.NewMemoryLedger()
	publisher := bus.NewMemoryBus()
	seedSaga(t, ledger, "saga-1", "order-1")

	handler := NewReserveHandler(store, ledger, publisher, nil, 0)

	event := orderCreatedEvent(t, "saga-1", "order-1", []bus.LineItem{
		{ProductID: "prod-1", Quantity: 3},
		{ProductID: "prod-2", Quantity: 2},
	})
	if err := handler.Handle(context.Background(), event); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	// The first line was reservable but the batch was not: nothing may be held.
	for id, total := range map[string]int{"prod-1": 10, "prod-2": 1} {
		item, err := store.GetItem(context.Background(), id)
		if err != nil {
			t.Fatalf("GetItem(%s): %v", id, err)
		}
		if item.Available != total || item.Reserved != 0 {
			t.Fatalf("%s counters = (%d, %d), want (%d, 0)", id, item.Available, item.Reserved, total)
		}
	}

	if got := publisher.PublishedOfType(bus.TypeInventoryReservationFailed); len(got) != 1 {
		t.Fatalf("published %d InventoryReservationFailed events, want 1", len(got))
	}
	if got := publisher.PublishedOfType(bus.TypeInventoryReserved); len(got) != 0 {
		t.Fatalf("published %d InventoryReserved events, want 0", len(got))
	}

	state, err := ledger.GetSaga(context.Background(), "saga-1", "order-1")
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if state.Status != saga.StatusFailed {
		t.Fatalf("saga status = %s, want FAILED", state.Status)
	}
	if state.ErrorDetails == nil || state.ErrorDetails.Step != saga.StepReserveInventory {
		t.Fatalf("ErrorDetails = %+v", state.ErrorDetails)
	}
}

func TestReserveHandlerUnknownProductFails(t *testing.T) {
	store := seedStore(t, map[string]int{"prod-1": 10})
	ledger := saga.NewMemoryLedger()
	publisher := bus.NewMemoryBus()
	seedSaga(t, ledger, "saga-1", "order-1")

	handler := NewReserveHandler(store, ledger, publisher, nil, 0)
	event := orderCreatedEvent(t, "saga-1", "order-1", []bus.LineItem{
		{ProductID: "prod-missing", Quantity: 1},
	})
	if err := handler.Handle(context.Background(), event); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := publisher.PublishedOfType(bus.TypeInventoryReservationFailed); len(got) != 1 {
		t.Fatalf("published %d InventoryReservationFailed events, want 1", len(got))
	}
}

func TestReserveHandlerRedeliveryIsIdempotent(t *testing.T) {
	store := seedStore(t, map[string]int{"prod-1": 10})
	ledger := saga.NewMemoryLedger()
	publisher := bus.NewMemoryBus()
	seedSaga(t, ledger, "saga-1", "order-1")

	handler := NewReserveHandler(store, ledger, publisher, nil, 0)
	event := orderCreatedEvent(t, "saga-1", "order-1", []bus.LineItem{
		{ProductID: "prod-1", Quantity: 4},
	})

	for i := 0; i < 3; i++ {
		if err := handler.Handle(context.Background(), event); err != nil {
			t.Fatalf("Handle delivery %d: %v", i+1, err)
		}
	}

	item, err := store.GetItem(context.Background(), "prod-1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if item.Available != 6 || item.Reserved != 4 {
		t.Fatalf("counters after redelivery = (%d, %d), want (6, 4)", item.Available, item.Reserved)
	}
	if got := publisher.PublishedOfType(bus.TypeInventoryReserved); len(got) != 1 {
		t.Fatalf("published %d InventoryReserved events, want exactly 1", len(got))
	}
}

func TestReserveHandlerDropsUndecodablePayload(t *testing.T) {
	handler := NewReserveHandler(NewMemoryStore(), saga.NewMemoryLedger(), bus.NewMemoryBus(), nil, 0)
	err := handler.Handle(context.Background(), bus.Event{
		DetailType: bus.TypeOrderCreated,
		Detail:     json.RawMessage(`{"orderId":`),
	})
	if err != nil {
		t.Fatalf("Handle: %v, want nil for undecodable payload", err)
	}
}

func releaseFixture(t *testing.T) (*MemoryStore, *saga.MemoryLedger, *bus.MemoryBus, *ReleaseHandler) {
	t.Helper()
	store := seedStore(t, map[string]int{"prod-1": 10})
	ledger := saga.NewMemoryLedger()
	publisher := bus.NewMemoryBus()
	seedSaga(t, ledger, "saga-1", "order-1")

	reserve := NewReserveHandler(store, ledger, publisher, nil, 0).
		WithClock(func() time.Time { return testNow }, func() string { return "res-1" })
	event := orderCreatedEvent(t, "saga-1", "order-1", []bus.LineItem{
		{ProductID: "prod-1", Quantity: 4},
	})
	if err := reserve.Handle(context.Background(), event); err != nil {
		t.Fatalf("reserve Handle: %v", err)
	}
	return store, ledger, publisher, NewReleaseHandler(store, ledger, publisher, nil)
}

func paymentFailedEvent(t *testing.T, orderID, reason string) bus.Event {
	t.Helper()
	detail, err := json.Marshal(bus.PaymentFailedDetail{OrderID: orderID, Reason: reason})
	if err != nil {
		t.Fatalf("marshal detail: %v", err)
	}
	return bus.Event{
		Source:        "payment.service",
		DetailType:    bus.TypePaymentFailed,
		Detail:        detail,
		CorrelationID: "corr-1",
	}
}

func TestReleaseHandlerReturnsStock(t *testing.T) {
	store, ledger, publisher, handler := releaseFixture(t)

	event := paymentFailedEvent(t, "order-1", "card declined")
	if err := handler.Handle(context.Background(), event); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	item, err := store.GetItem(context.Background(), "prod-1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if item.Available != 10 || item.Reserved != 0 {
		t.Fatalf("counters after release = (%d, %d), want (10, 0)", item.Available, item.Reserved)
	}

	reservation, err := store.GetReservationByOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("GetReservationByOrder: %v", err)
	}
	if reservation.Status != ReservationReleased {
		t.Fatalf("reservation status = %s, want RELEASED", reservation.Status)
	}

	state, err := ledger.GetSaga(context.Background(), "saga-1", "order-1")
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if state.Status != saga.StatusCompensated {
		t.Fatalf("saga status = %s, want COMPENSATED", state.Status)
	}

	released := publisher.PublishedOfType(bus.TypeInventoryReleased)
	if len(released) != 1 {
		t.Fatalf("published %d InventoryReleased events, want 1", len(released))
	}
	var detail bus.InventoryReleasedDetail
	if err := json.Unmarshal(released[0].Detail, &detail); err != nil {
		t.Fatalf("unmarshal InventoryReleased: %v", err)
	}
	if detail.Reason != "card declined" {
		t.Fatalf("release reason = %q, want card declined", detail.Reason)
	}
}

func TestReleaseHandlerRedeliveryIsIdempotent(t *testing.T) {
	store, _, publisher, handler := releaseFixture(t)

	event := paymentFailedEvent(t, "order-1", "card declined")
	for i := 0; i < 3; i++ {
		if err := handler.Handle(context.Background(), event); err != nil {
			t.Fatalf("Handle delivery %d: %v", i+1, err)
		}
	}

	item, err := store.GetItem(context.Background(), "prod-1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if item.Available != 10 || item.Reserved != 0 {
		t.Fatalf("counters = (%d, %d), want (10, 0) after redeliveries", item.Available, item.Reserved)
	}
	if got := publisher.PublishedOfType(bus.TypeInventoryReleased); len(got) != 1 {
		t.Fatalf("published %d InventoryReleased events, want exactly 1", len(got))
	}
}

func TestReleaseHandlerRejectsConfirmedReservation(t *testing.T) {
	store, _, _, handler := releaseFixture(t)

	reservation, err := store.GetReservationByOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("GetReservationByOrder: %v", err)
	}
	if err := reservation.Confirm(testNow); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := store.UpdateReservation(context.Background(), reservation); err != nil {
		t.Fatalf("UpdateReservation: %v", err)
	}

	event := paymentFailedEvent(t, "order-1", "card declined")
	if err := handler.Handle(context.Background(), event); err == nil {
		t.Fatal("Handle succeeded, want transition error for CONFIRMED reservation")
	}
}

func TestReleaseHandlerUnknownOrder(t *testing.T) {
	handler := NewReleaseHandler(NewMemoryStore(), saga.NewMemoryLedger(), bus.NewMemoryBus(), nil)
	event := paymentFailedEvent(t, "order-missing", "card declined")
	if err := handler.Handle(context.Background(), event); !errors.Is(err, saga.ErrSagaNotFound) {
		t.Fatalf("Handle error = %v, want ErrSagaNotFound", err)
	}
}

func TestItemReserveReleaseConservation(t *testing.T) {
	item := NewItem("prod-1", "widget", 8, testNow)
	if err := item.Reserve(5, testNow); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := item.Reserve(4, testNow); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("Reserve beyond stock = %v, want ErrInsufficientStock", err)
	}
	if item.Available != 3 || item.Reserved != 5 {
		t.Fatalf("counters after failed reserve = (%d, %d), want (3, 5)", item.Available, item.Reserved)
	}
	if err := item.Release(5, testNow); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if item.Available != 8 || item.Reserved != 0 {
		t.Fatalf("counters after release = (%d, %d), want (8, 0)", item.Available, item.Reserved)
	}
	if err := item.Release(1, testNow); err == nil {
		t.Fatal("Release beyond reserved succeeded, want error")
	}
}
