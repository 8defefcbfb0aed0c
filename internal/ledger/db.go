package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ms-reconcile/internal/models"

	"github.com/uptrace/bun"
)

// ErrNotFound is returned when no claimable ledger row exists for an order.
var ErrNotFound = errors.New("pending payment not found")

type DB struct {
	Bun *bun.DB
}

// Create inserts a new ledger row at checkout initiation.
func (d *DB) Create(ctx context.Context, pp *models.PendingPayment) error {
	_, err := d.Bun.NewInsert().Model(pp).Exec(ctx)
	return err
}

// GetOpenByOrderID fetches the ledger row for an order if it is still
// reconcilable, i.e. status pending or failed. Rows already marked success are
// invisible here; the materializer's early-exit check owns that case.
func (d *DB) GetOpenByOrderID(ctx context.Context, orderID string) (*models.PendingPayment, error) {
	var pp models.PendingPayment
	err := d.Bun.NewSelect().
		Model(&pp).
		Where("order_id = ?", orderID).
		Where("status IN (?)", bun.In([]models.PendingPaymentStatus{
			models.PendingStatusPending, models.PendingStatusFailed,
		})).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pp, nil
}

// MarkSuccess transitions a row to success and stamps the verified payment id.
// Conditional on not already being success so a late-arriving loser cannot
// overwrite the winner's verified_at. Idempotent: zero rows affected is fine.
func (d *DB) MarkSuccess(ctx context.Context, orderID, paymentID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.PendingPayment)(nil)).
		Set("status = ?", models.PendingStatusSuccess).
		Set("payment_id = ?", paymentID).
		Set("verified_at = ?", time.Now()).
		Where("order_id = ?", orderID).
		Where("status <> ?", models.PendingStatusSuccess).
		Exec(ctx)
	return err
}

// MarkFailed records a terminal business failure. A row that already reached
// success never transitions out of it.
func (d *DB) MarkFailed(ctx context.Context, orderID, paymentID, reason string) error {
	q := d.Bun.NewUpdate().
		Model((*models.PendingPayment)(nil)).
		Set("status = ?", models.PendingStatusFailed).
		Set("failure_reason = ?", reason).
		Where("order_id = ?", orderID).
		Where("status IN (?)", bun.In([]models.PendingPaymentStatus{
			models.PendingStatusPending, models.PendingStatusFailed,
		}))
	if paymentID != "" {
		q = q.Set("payment_id = ?", paymentID)
	}
	_, err := q.Exec(ctx)
	return err
}

// ListPending returns up to limit pending rows, oldest first, for the sweep
// and the operator listing. Expired rows are included; flagging them is the
// caller's concern and deleting them is nobody's here.
func (d *DB) ListPending(ctx context.Context, limit int) ([]models.PendingPayment, error) {
	var rows []models.PendingPayment
	q := d.Bun.NewSelect().
		Model(&rows).
		Where("status = ?", models.PendingStatusPending).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

// ListRetryable returns pending plus failed rows for the operator bulk retry.
func (d *DB) ListRetryable(ctx context.Context, limit int) ([]models.PendingPayment, error) {
	var rows []models.PendingPayment
	q := d.Bun.NewSelect().
		Model(&rows).
		Where("status IN (?)", bun.In([]models.PendingPaymentStatus{
			models.PendingStatusPending, models.PendingStatusFailed,
		})).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}
