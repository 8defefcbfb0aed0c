package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-reconcile/internal/logger"
	"ms-reconcile/internal/models"
	"ms-reconcile/internal/reconcile"

	"github.com/robfig/cron/v3"
)

type Reconciler interface {
	Reconcile(ctx context.Context, orderID, paymentID string) (*models.ReconcileResult, error)
}

type LedgerStore interface {
	ListPending(ctx context.Context, limit int) ([]models.PendingPayment, error)
}

// Sweeper periodically replays every pending ledger row through the
// materializer. It is the safety net for customers who paid and then lost
// their connection before the frontend callback could fire.
type Sweeper struct {
	Service        Reconciler
	Ledger         LedgerStore
	Logger         *logger.Logger
	Spec           string
	Batch          int
	AttemptTimeout time.Duration

	cron *cron.Cron
}

func NewSweeper(service Reconciler, ledger LedgerStore, log *logger.Logger, spec string, batch int, attemptTimeout time.Duration) *Sweeper {
	return &Sweeper{
		Service:        service,
		Ledger:         ledger,
		Logger:         log,
		Spec:           spec,
		Batch:          batch,
		AttemptTimeout: attemptTimeout,
	}
}

// Start registers the sweep on its cron schedule and begins running it.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.Spec, s.RunOnce); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.Spec, err)
	}
	s.cron.Start()
	s.Logger.LogSweep("START", fmt.Sprintf("Reconciliation sweep scheduled (%s, batch %d)", s.Spec, s.Batch))
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.Logger.LogSweep("STOP", "Reconciliation sweep stopped")
}

// RunOnce processes one batch of pending rows, oldest first. Each order gets
// its own attempt budget so one slow gateway call cannot eat the batch.
// Expired rows are logged and skipped; they stay visible to operators and are
// never deleted here.
func (s *Sweeper) RunOnce() {
	ctx := context.Background()

	rows, err := s.Ledger.ListPending(ctx, s.Batch)
	if err != nil {
		s.Logger.Error("SWEEP", fmt.Sprintf("Pending payment listing failed: %v", err))
		return
	}
	if len(rows) == 0 {
		return
	}
	s.Logger.LogSweep("RUN", fmt.Sprintf("Sweeping %d pending payments", len(rows)))

	var succeeded, failed, skipped int
	for _, row := range rows {
		if row.Expired() {
			skipped++
			s.Logger.Warn("SWEEP", fmt.Sprintf("Order %s expired at %s, leaving for operator review",
				row.OrderID, row.ExpiresAt.Format(time.RFC3339)))
			continue
		}
		if s.sweepOne(ctx, row) {
			succeeded++
		} else {
			failed++
		}
	}

	s.Logger.LogSweep("DONE", fmt.Sprintf("Sweep finished: %d materialized, %d not ready, %d expired",
		succeeded, failed, skipped))
}

func (s *Sweeper) sweepOne(parent context.Context, row models.PendingPayment) bool {
	ctx, cancel := context.WithTimeout(parent, s.AttemptTimeout)
	defer cancel()

	result, err := s.Service.Reconcile(ctx, row.OrderID, row.PaymentID)
	if err != nil {
		if errors.Is(err, reconcile.ErrTransient) {
			s.Logger.Warn("SWEEP", fmt.Sprintf("Order %s hit a transient error, next sweep retries: %v", row.OrderID, err))
		} else {
			s.Logger.Error("SWEEP", fmt.Sprintf("Order %s failed fatally: %v", row.OrderID, err))
		}
		return false
	}
	if result.Success {
		s.Logger.LogSweep("MATERIALIZED", fmt.Sprintf("Order %s resolved to booking %s", row.OrderID, result.BookingID))
		return true
	}
	return false
}
