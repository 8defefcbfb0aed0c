package booking

import (
	"context"
	"database/sql"
	"errors"

	"ms-reconcile/internal/models"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
)

var (
	// ErrNotFound means no booking matched the lookup.
	ErrNotFound = errors.New("booking not found")
	// ErrSlotTaken means the store rejected an insert because a different
	// payment already holds an overlapping slot.
	ErrSlotTaken = errors.New("slot already taken by another payment")
	// ErrDuplicateBooking means the store rejected an insert because this
	// payment's rows already exist (a concurrent attempt won the race).
	ErrDuplicateBooking = errors.New("booking already exists for this payment")
)

type DB struct {
	Bun *bun.DB
}

// FindByPaymentTxn returns the first booking created for a payment, if any.
// This is the idempotency fast-path lookup.
func (d *DB) FindByPaymentTxn(ctx context.Context, paymentTxnID string) (*models.Booking, error) {
	var b models.Booking
	err := d.Bun.NewSelect().
		Model(&b).
		Where("payment_txn_id = ?", paymentTxnID).
		Order("booking_date ASC", "start_time ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// FindConflict looks for a confirmed or in-progress booking occupying any part
// of [start, end) on the station and date. Intervals are half-open: touching
// endpoints do not conflict. Rows sharing excludeTxnID are ignored when it is
// non-empty. Returns nil when the slot is free.
//
// This is a best-effort pre-check; the exclusion constraint on bookings is the
// final word and InsertBatch reports its verdict as ErrSlotTaken.
func (d *DB) FindConflict(ctx context.Context, stationID, date, start, end, excludeTxnID string) (*models.ConflictDetails, error) {
	var b models.Booking
	q := d.Bun.NewSelect().
		Model(&b).
		Where("station_id = ?", stationID).
		Where("booking_date = ?", date).
		Where("status IN (?)", bun.In([]models.BookingStatus{
			models.BookingConfirmed, models.BookingInProgress,
		})).
		Where("start_time < ?", end).
		Where("? < end_time", start)
	if excludeTxnID != "" {
		q = q.Where("payment_txn_id <> ?", excludeTxnID)
	}
	err := q.Order("start_time ASC").Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	details := &models.ConflictDetails{
		BookingID:    b.ID,
		StationID:    b.StationID,
		BookingDate:  b.BookingDate,
		StartTime:    b.StartTime,
		EndTime:      b.EndTime,
		Status:       b.Status,
		PaymentTxnID: b.PaymentTxnID,
	}
	// Station name is cosmetic; a missing row must not mask the conflict.
	var st models.Station
	if err := d.Bun.NewSelect().Model(&st).Where("id = ?", b.StationID).Limit(1).Scan(ctx); err == nil {
		details.StationName = st.Name
	}
	return details, nil
}

// InsertBatch durably creates all rows of one booking group inside a single
// transaction: a payment materializes completely or not at all. The slot
// pre-check is repeated per row inside the transaction to shrink the race
// window; the storage constraint closes it.
func (d *DB) InsertBatch(ctx context.Context, bookings []*models.Booking) error {
	if len(bookings) == 0 {
		return nil
	}
	return d.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		for _, b := range bookings {
			count, err := tx.NewSelect().
				Model((*models.Booking)(nil)).
				Where("station_id = ?", b.StationID).
				Where("booking_date = ?", b.BookingDate).
				Where("status IN (?)", bun.In([]models.BookingStatus{
					models.BookingConfirmed, models.BookingInProgress,
				})).
				Where("start_time < ?", b.EndTime).
				Where("? < end_time", b.StartTime).
				Where("payment_txn_id <> ?", b.PaymentTxnID).
				Count(ctx)
			if err != nil {
				return err
			}
			if count > 0 {
				return ErrSlotTaken
			}
		}
		if _, err := tx.NewInsert().Model(&bookings).Exec(ctx); err != nil {
			return mapInsertError(err)
		}
		return nil
	})
}

// mapInsertError translates Postgres constraint violations into the closed
// error set the materializer branches on. 23P01 is the exclusion constraint
// (another payment holds the slot); 23505 is the per-payment unique index
// (our own rows are already there).
func mapInsertError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23P01":
			return ErrSlotTaken
		case "23505":
			return ErrDuplicateBooking
		}
	}
	return err
}
