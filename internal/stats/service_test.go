package stats_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"ms-reconcile/internal/models"
	"ms-reconcile/internal/stats"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"
)

func setupTestDB(t *testing.T) *bun.DB {
	sqldb, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	ctx := context.Background()

	for _, model := range []interface{}{
		(*models.PendingPayment)(nil), (*models.Booking)(nil),
	} {
		if _, err := bunDB.NewCreateTable().Model(model).Exec(ctx); err != nil {
			t.Fatalf("Failed to create table for %T: %v", model, err)
		}
	}
	return bunDB
}

func insertPending(t *testing.T, db *bun.DB, status models.PendingPaymentStatus, expiresAt time.Time) {
	pp := &models.PendingPayment{
		ID:        uuid.New().String(),
		OrderID:   uuid.New().String(),
		Status:    status,
		Payload:   models.BookingPayload{Customer: models.CustomerDescriptor{Phone: "9876543210"}},
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	_, err := db.NewInsert().Model(pp).Exec(context.Background())
	require.NoError(t, err)
}

func insertBooking(t *testing.T, db *bun.DB, date string, price float64) {
	b := &models.Booking{
		ID:           uuid.New().String(),
		StationID:    "st-1",
		CustomerID:   "cust-1",
		OrderID:      uuid.New().String(),
		PaymentTxnID: uuid.New().String(),
		BookingDate:  date,
		StartTime:    "10:00",
		EndTime:      "11:00",
		Status:       models.BookingConfirmed,
		FinalPrice:   price,
		CreatedAt:    time.Now(),
	}
	_, err := db.NewInsert().Model(b).Exec(context.Background())
	require.NoError(t, err)
}

func TestGetOverview(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	live := time.Now().Add(10 * time.Minute)
	stale := time.Now().Add(-10 * time.Minute)

	insertPending(t, db, models.PendingStatusPending, live)
	insertPending(t, db, models.PendingStatusPending, stale)
	insertPending(t, db, models.PendingStatusSuccess, live)
	insertPending(t, db, models.PendingStatusSuccess, live)
	insertPending(t, db, models.PendingStatusFailed, live)

	today := time.Now().Format("2006-01-02")
	yesterday := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	insertBooking(t, db, today, 400)
	insertBooking(t, db, today, 600)
	insertBooking(t, db, yesterday, 1200)

	overview, err := stats.NewService(db).GetOverview(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 2, overview.Ledger.Pending)
	assert.Equal(t, 2, overview.Ledger.Success)
	assert.Equal(t, 1, overview.Ledger.Failed)
	assert.Equal(t, 1, overview.Ledger.PendingExpired)

	require.Len(t, overview.Daily, 2)
	assert.Equal(t, yesterday, overview.Daily[0].Date)
	assert.InDelta(t, 1200.0, overview.Daily[0].Revenue, 0.001)
	assert.Equal(t, 2, overview.Daily[1].Bookings)
	assert.InDelta(t, 1000.0, overview.Daily[1].Revenue, 0.001)
}

func TestGetOverview_EmptyDatabase(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	overview, err := stats.NewService(db).GetOverview(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 0, overview.Ledger.Pending)
	assert.Empty(t, overview.Daily)
}
