package inventorydb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"stagecoach/internal/inventory"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

func TestStore_Reserve_Success(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE inventory_items").
		WithArgs("prod-1", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewStore(db)
	if err := store.Reserve(context.Background(), "prod-1", 3); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
}

func TestStore_Reserve_InsufficientStock(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE inventory_items").
		WithArgs("prod-1", 30).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("prod-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectClose()

	store := NewStore(db)
	err := store.Reserve(context.Background(), "prod-1", 30)
	if !errors.Is(err, inventory.ErrInsufficientStock) {
		t.Fatalf("Reserve error = %v, want ErrInsufficientStock", err)
	}
}

func TestStore_Reserve_UnknownProduct(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE inventory_items").
		WithArgs("prod-missing", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("prod-missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectClose()

	store := NewStore(db)
	err := store.Reserve(context.Background(), "prod-missing", 1)
	if !errors.Is(err, inventory.ErrItemNotFound) {
		t.Fatalf("Reserve error = %v, want ErrItemNotFound", err)
	}
}

func TestStore_Release(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE inventory_items").
		WithArgs("prod-1", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewStore(db)
	if err := store.Release(context.Background(), "prod-1", 3); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestStore_GetItem_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT product_id, product_name").
		WithArgs("prod-missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"product_id", "product_name", "available", "reserved", "created_at", "updated_at",
		}))
	mock.ExpectClose()

	store := NewStore(db)
	if _, err := store.GetItem(context.Background(), "prod-missing"); !errors.Is(err, inventory.ErrItemNotFound) {
		t.Fatalf("GetItem error = %v, want ErrItemNotFound", err)
	}
}

func TestStore_CreateReservation_ActiveConflict(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO reservations").
		WillReturnError(uniqueViolation{})
	mock.ExpectClose()

	store := NewStore(db)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	reservation := inventory.NewReservation("res-1", "order-1",
		[]inventory.ReservedItem{{ProductID: "prod-1", Quantity: 2}}, 0, now)

	err := store.CreateReservation(context.Background(), reservation)
	if !errors.Is(err, inventory.ErrActiveReservationExists) {
		t.Fatalf("CreateReservation error = %v, want ErrActiveReservationExists", err)
	}
}

func TestStore_ListExpired(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT reservation_id, order_id, items").
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{
			"reservation_id", "order_id", "items", "status", "created_at", "updated_at", "expires_at",
		}).AddRow("res-1", "order-1", []byte(`[{"productId":"prod-1","quantity":2}]`),
			"RESERVED", now.Add(-time.Hour), now.Add(-time.Hour), now.Add(-45*time.Minute)))
	mock.ExpectClose()

	store := NewStore(db)
	expired, err := store.ListExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expired = %d reservations, want 1", len(expired))
	}
	if expired[0].ReservationID != "res-1" || len(expired[0].Items) != 1 {
		t.Fatalf("expired[0] = %+v", expired[0])
	}
}

type uniqueViolation struct{}

func (uniqueViolation) Error() string    { return "duplicate key value violates unique constraint" }
func (uniqueViolation) SQLState() string { return "23505" }
