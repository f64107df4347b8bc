package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"stagecoach/internal/bus"
	"stagecoach/internal/idempotency"
	"stagecoach/internal/inventory"
	"stagecoach/internal/orders"
	"stagecoach/internal/payments"
	"stagecoach/internal/saga"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	router    *gin.Engine
	bus       *bus.MemoryBus
	ledger    *saga.MemoryLedger
	inventory *inventory.MemoryStore
	payments  *payments.MemoryStore
}

// newFixture wires the full in-memory pipeline: order service, inventory and
// payment step handlers subscribed to the bus, and the HTTP edge on top.
func newFixture(t *testing.T, gateway payments.Gateway) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	eventBus := bus.NewMemoryBus()
	ledger := saga.NewMemoryLedger()
	inventoryStore := inventory.NewMemoryStore()
	paymentStore := payments.NewMemoryStore()

	orderService := orders.NewService(orders.NewMemoryStore(), ledger,
		idempotency.NewMemoryLedger(0), eventBus, nil)

	reserve := inventory.NewReserveHandler(inventoryStore, ledger, eventBus, nil, 0)
	release := inventory.NewReleaseHandler(inventoryStore, ledger, eventBus, nil)
	charge := payments.NewChargeHandler(paymentStore, gateway, orderService, ledger, eventBus, nil)

	eventBus.Subscribe(bus.TypeOrderCreated, reserve.Handle)
	eventBus.Subscribe(bus.TypeInventoryReserved, charge.Handle)
	eventBus.Subscribe(bus.TypePaymentFailed, release.Handle)

	server := NewServer(orderService, inventoryStore, paymentStore, nil, nil, nil)
	return &fixture{
		router:    server.Router(),
		bus:       eventBus,
		ledger:    ledger,
		inventory: inventoryStore,
		payments:  paymentStore,
	}
}

func (f *fixture) stock(t *testing.T, productID string, quantity int) {
	t.Helper()
	item := inventory.NewItem(productID, "item "+productID, quantity, testNow)
	if err := f.inventory.PutItem(context.Background(), item); err != nil {
		t.Fatalf("PutItem: %v", err)
	}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

const createBody = `{
	"userId": "user-1",
	"items": [
		{"productId": "prod-1", "productName": "widget", "quantity": 2, "unitPrice": 9.99},
		{"productId": "prod-2", "productName": "gadget", "quantity": 1, "unitPrice": 40.00}
	],
	"shippingAddress": "12 Main St"
}`

func TestCreateOrderHappyPath(t *testing.T) {
	f := newFixture(t, payments.NewMockGateway(0, 1))
	f.stock(t, "prod-1", 10)
	f.stock(t, "prod-2", 5)

	rec := f.do(t, http.MethodPost, "/orders", createBody, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /orders = %d, body %s", rec.Code, rec.Body.String())
	}

	var result orders.CreateOrderResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	orderID := result.Order.OrderID

	// The in-memory bus cascades synchronously: the saga is already done.
	state, err := f.ledger.GetSagaByOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("GetSagaByOrder: %v", err)
	}
	if state.Status != saga.StatusCompleted {
		t.Fatalf("saga status = %s, want COMPLETED", state.Status)
	}

	if got := f.bus.PublishedOfType(bus.TypeInventoryReserved); len(got) != 1 {
		t.Fatalf("published %d InventoryReserved events, want 1", len(got))
	}
	if got := f.bus.PublishedOfType(bus.TypePaymentCharged); len(got) != 1 {
		t.Fatalf("published %d PaymentCharged events, want 1", len(got))
	}

	// The flow never auto-confirms the order.
	if result.Order.Status != orders.StatusPending {
		t.Fatalf("order status = %s, want PENDING", result.Order.Status)
	}

	payment, err := f.payments.GetByOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("GetByOrder: %v", err)
	}
	if payment.Status != payments.StatusCharged {
		t.Fatalf("payment status = %s, want CHARGED", payment.Status)
	}
	if payment.Amount != 59.98 {
		t.Fatalf("payment amount = %.2f, want 59.98", payment.Amount)
	}

	rec = f.do(t, http.MethodGet, "/orders/"+orderID+"/saga", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET saga = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/orders/"+orderID+"/payment", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET payment = %d", rec.Code)
	}
}

func TestCreateOrderCompensationPath(t *testing.T) {
	f := newFixture(t, payments.NewMockGateway(1, 1))
	f.stock(t, "prod-1", 10)
	f.stock(t, "prod-2", 5)

	rec := f.do(t, http.MethodPost, "/orders", createBody, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /orders = %d, body %s", rec.Code, rec.Body.String())
	}
	var result orders.CreateOrderResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	state, err := f.ledger.GetSagaByOrder(context.Background(), result.Order.OrderID)
	if err != nil {
		t.Fatalf("GetSagaByOrder: %v", err)
	}
	if state.Status != saga.StatusCompensated {
		t.Fatalf("saga status = %s, want COMPENSATED", state.Status)
	}
	if got := f.bus.PublishedOfType(bus.TypeInventoryReleased); len(got) != 1 {
		t.Fatalf("published %d InventoryReleased events, want 1", len(got))
	}

	// Compensation restored every counter to its pre-order value.
	for id, total := range map[string]int{"prod-1": 10, "prod-2": 5} {
		item, err := f.inventory.GetItem(context.Background(), id)
		if err != nil {
			t.Fatalf("GetItem(%s): %v", id, err)
		}
		if item.Available != total || item.Reserved != 0 {
			t.Fatalf("%s counters = (%d, %d), want (%d, 0)", id, item.Available, item.Reserved, total)
		}
	}
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	f := newFixture(t, payments.NewMockGateway(0, 1))
	f.stock(t, "prod-1", 1)
	f.stock(t, "prod-2", 5)

	rec := f.do(t, http.MethodPost, "/orders", createBody, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /orders = %d", rec.Code)
	}
	var result orders.CreateOrderResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	state, err := f.ledger.GetSagaByOrder(context.Background(), result.Order.OrderID)
	if err != nil {
		t.Fatalf("GetSagaByOrder: %v", err)
	}
	if state.Status != saga.StatusFailed {
		t.Fatalf("saga status = %s, want FAILED", state.Status)
	}
	if got := f.bus.PublishedOfType(bus.TypePaymentCharged); len(got) != 0 {
		t.Fatalf("published %d PaymentCharged events, want 0", len(got))
	}
}

func TestCreateOrderIdempotencyKeyReplay(t *testing.T) {
	f := newFixture(t, payments.NewMockGateway(0, 1))
	f.stock(t, "prod-1", 10)
	f.stock(t, "prod-2", 5)
	headers := map[string]string{"Idempotency-Key": "client-key-1"}

	first := f.do(t, http.MethodPost, "/orders", createBody, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("first POST = %d", first.Code)
	}
	second := f.do(t, http.MethodPost, "/orders", createBody, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("replayed POST = %d, want 200", second.Code)
	}

	var a, b orders.CreateOrderResult
	if err := json.Unmarshal(first.Body.Bytes(), &a); err != nil {
		t.Fatalf("unmarshal first: %v", err)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &b); err != nil {
		t.Fatalf("unmarshal second: %v", err)
	}
	if a.Order.OrderID != b.Order.OrderID {
		t.Fatalf("replay created a new order: %s vs %s", a.Order.OrderID, b.Order.OrderID)
	}
	if got := f.bus.PublishedOfType(bus.TypeOrderCreated); len(got) != 1 {
		t.Fatalf("published %d OrderCreated events, want 1", len(got))
	}
}

func TestGetOrderNotFound(t *testing.T) {
	f := newFixture(t, payments.NewMockGateway(0, 1))
	rec := f.do(t, http.MethodGet, "/orders/order-missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET missing order = %d, want 404", rec.Code)
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, payments.NewMockGateway(0, 1))
	f.stock(t, "prod-1", 10)
	f.stock(t, "prod-2", 5)

	rec := f.do(t, http.MethodPost, "/orders", createBody, nil)
	var result orders.CreateOrderResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	rec = f.do(t, http.MethodPost, "/orders/"+result.Order.OrderID+"/cancel", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d, body %s", rec.Code, rec.Body.String())
	}
	var cancelled orders.Order
	if err := json.Unmarshal(rec.Body.Bytes(), &cancelled); err != nil {
		t.Fatalf("unmarshal cancelled: %v", err)
	}
	if cancelled.Status != orders.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", cancelled.Status)
	}

	// A cancelled order cannot be cancelled again.
	rec = f.do(t, http.MethodPost, "/orders/"+result.Order.OrderID+"/cancel", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel = %d, want 409", rec.Code)
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	f := newFixture(t, payments.NewMockGateway(0, 1))
	f.stock(t, "prod-1", 10)
	f.stock(t, "prod-2", 5)

	rec := f.do(t, http.MethodPost, "/orders", createBody, nil)
	var result orders.CreateOrderResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	rec = f.do(t, http.MethodPatch, "/orders/"+result.Order.OrderID+"/status", `{"status":"CONFIRMED"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm = %d, body %s", rec.Code, rec.Body.String())
	}

	// The status graph has no CONFIRMED -> PENDING edge.
	rec = f.do(t, http.MethodPatch, "/orders/"+result.Order.OrderID+"/status", `{"status":"PENDING"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("reverse transition = %d, want 409", rec.Code)
	}
}

func TestInventoryRestock(t *testing.T) {
	f := newFixture(t, payments.NewMockGateway(0, 1))

	rec := f.do(t, http.MethodPut, "/inventory/prod-9", `{"productName":"sprocket","quantity":25}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT inventory = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/inventory/prod-9", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET inventory = %d", rec.Code)
	}
	var item inventory.Item
	if err := json.Unmarshal(rec.Body.Bytes(), &item); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if item.Available != 25 || item.ProductName != "sprocket" {
		t.Fatalf("item = %+v", item)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, payments.NewMockGateway(0, 1))
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d", rec.Code)
	}
}
