package stats

import (
	"context"
	"time"

	"ms-reconcile/internal/models"

	"github.com/uptrace/bun"
)

// Service aggregates reconciliation health numbers for operator dashboards.
type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db: db}
}

// LedgerStats is the shape of the ledger right now: how many rows sit in each
// state and how many pending rows are past their checkout window.
type LedgerStats struct {
	Pending        int `json:"pending"`
	Success        int `json:"success"`
	Failed         int `json:"failed"`
	PendingExpired int `json:"pending_expired"`
}

// DailyMaterialized contains one day's materialization outcome.
type DailyMaterialized struct {
	Date     string  `json:"date"`
	Bookings int     `json:"bookings"`
	Revenue  float64 `json:"revenue"`
}

// Overview bundles everything the stats endpoint returns.
type Overview struct {
	Ledger LedgerStats         `json:"ledger"`
	Daily  []DailyMaterialized `json:"daily_materialized"`
}

// GetOverview computes ledger state counts plus per-day booking revenue for
// the trailing window.
func (s *Service) GetOverview(ctx context.Context, days int) (*Overview, error) {
	ledger, err := s.getLedgerStats(ctx)
	if err != nil {
		return nil, err
	}

	daily, err := s.getDailyMaterialized(ctx, days)
	if err != nil {
		return nil, err
	}

	return &Overview{Ledger: *ledger, Daily: daily}, nil
}

func (s *Service) getLedgerStats(ctx context.Context) (*LedgerStats, error) {
	type statusCount struct {
		Status string `bun:"status"`
		Count  int    `bun:"count"`
	}

	var counts []statusCount
	err := s.db.NewSelect().
		Model((*models.PendingPayment)(nil)).
		ColumnExpr("status").
		ColumnExpr("COUNT(*) AS count").
		GroupExpr("status").
		Scan(ctx, &counts)
	if err != nil {
		return nil, err
	}

	stats := &LedgerStats{}
	for _, c := range counts {
		switch models.PendingPaymentStatus(c.Status) {
		case models.PendingStatusPending:
			stats.Pending = c.Count
		case models.PendingStatusSuccess:
			stats.Success = c.Count
		case models.PendingStatusFailed:
			stats.Failed = c.Count
		}
	}

	expired, err := s.db.NewSelect().
		Model((*models.PendingPayment)(nil)).
		Where("status = ?", models.PendingStatusPending).
		Where("expires_at < ?", time.Now()).
		Count(ctx)
	if err != nil {
		return nil, err
	}
	stats.PendingExpired = expired

	return stats, nil
}

func (s *Service) getDailyMaterialized(ctx context.Context, days int) ([]DailyMaterialized, error) {
	since := time.Now().AddDate(0, 0, -days).Format("2006-01-02")

	daily := make([]DailyMaterialized, 0)
	err := s.db.NewSelect().
		Model((*models.Booking)(nil)).
		ColumnExpr("booking_date AS date").
		ColumnExpr("COUNT(*) AS bookings").
		ColumnExpr("SUM(final_price) AS revenue").
		Where("booking_date >= ?", since).
		GroupExpr("booking_date").
		OrderExpr("booking_date ASC").
		Scan(ctx, &daily)
	if err != nil {
		return nil, err
	}
	return daily, nil
}
