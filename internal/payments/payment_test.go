package payments

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"stagecoach/internal/faults"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestPaymentLifecycle(t *testing.T) {
	payment, err := New("pay-1", "order-1", 49.99, "", testNow)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if payment.Status != StatusPending || payment.Currency != DefaultCurrency {
		t.Fatalf("new payment = %+v", payment)
	}

	if err := payment.Charge("txn-1", testNow); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if payment.Status != StatusCharged || payment.TransactionID != "txn-1" {
		t.Fatalf("after charge = %+v", payment)
	}
	if err := payment.Charge("txn-2", testNow); err == nil {
		t.Fatal("second Charge succeeded, want transition error")
	}
	if err := payment.Fail("late decline", testNow); err == nil {
		t.Fatal("Fail from CHARGED succeeded, want transition error")
	}

	if err := payment.Refund(testNow); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if payment.Status != StatusRefunded {
		t.Fatalf("after refund status = %s", payment.Status)
	}
	if err := payment.Refund(testNow); err == nil {
		t.Fatal("second Refund succeeded, want transition error")
	}
}

func TestPaymentFailFromPending(t *testing.T) {
	payment, err := New("pay-1", "order-1", 10, "EUR", testNow)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := payment.Fail("card declined", testNow); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if payment.Status != StatusFailed || payment.FailureReason != "card declined" {
		t.Fatalf("after fail = %+v", payment)
	}
	if err := payment.Refund(testNow); err == nil {
		t.Fatal("Refund from FAILED succeeded, want transition error")
	}
}

func TestNewPaymentValidation(t *testing.T) {
	if _, err := New("pay-1", "", 10, "USD", testNow); faults.CodeOf(err) != faults.CodeValidation {
		t.Fatalf("missing order id error = %v", err)
	}
	if _, err := New("pay-1", "order-1", 0, "USD", testNow); faults.CodeOf(err) != faults.CodeValidation {
		t.Fatalf("zero amount error = %v", err)
	}
}

func TestMockGatewayAlwaysSucceeds(t *testing.T) {
	gateway := NewMockGateway(0, 1)
	for i := 0; i < 5; i++ {
		transactionID, err := gateway.Charge(context.Background(), "order-1", 10, "USD")
		if err != nil {
			t.Fatalf("Charge %d: %v", i+1, err)
		}
		if !strings.HasPrefix(transactionID, "txn_") {
			t.Fatalf("transaction id = %q, want txn_ prefix", transactionID)
		}
	}
}

func TestMockGatewayAlwaysDeclines(t *testing.T) {
	gateway := NewMockGateway(1, 1)
	_, err := gateway.Charge(context.Background(), "order-1", 10, "USD")
	if err == nil {
		t.Fatal("Charge succeeded with failure rate 1")
	}
	if faults.CodeOf(err) != faults.CodeDomainRule {
		t.Fatalf("decline code = %s, want %s", faults.CodeOf(err), faults.CodeDomainRule)
	}
	if faults.IsRetryable(err) {
		t.Fatal("decline is retryable, want terminal")
	}
}

func TestMemoryStoreOnePaymentPerOrder(t *testing.T) {
	store := NewMemoryStore()
	first, err := New("pay-1", "order-1", 10, "USD", testNow)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := store.Create(context.Background(), first); err != nil {
		t.Fatalf("Create: %v", err)
	}

	second, err := New("pay-2", "order-1", 10, "USD", testNow)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := store.Create(context.Background(), second); !errors.Is(err, ErrPaymentExists) {
		t.Fatalf("duplicate Create error = %v, want ErrPaymentExists", err)
	}

	got, err := store.GetByOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("GetByOrder: %v", err)
	}
	if got.PaymentID != "pay-1" {
		t.Fatalf("GetByOrder returned %s, want pay-1", got.PaymentID)
	}
}
