package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-reconcile/internal/booking"
	"ms-reconcile/internal/customer"
	"ms-reconcile/internal/gateway"
	"ms-reconcile/internal/ledger"
	"ms-reconcile/internal/logger"
	"ms-reconcile/internal/models"

	"github.com/google/uuid"
)

// ErrTransient wraps failures whose retry is safe and expected: gateway
// timeouts, store connection errors. The ledger row is untouched whenever a
// Transient error escapes a reconciliation attempt.
var ErrTransient = errors.New("transient reconciliation error")

type LedgerStore interface {
	GetOpenByOrderID(ctx context.Context, orderID string) (*models.PendingPayment, error)
	MarkSuccess(ctx context.Context, orderID, paymentID string) error
	MarkFailed(ctx context.Context, orderID, paymentID, reason string) error
}

type BookingStore interface {
	FindByPaymentTxn(ctx context.Context, paymentTxnID string) (*models.Booking, error)
	FindConflict(ctx context.Context, stationID, date, start, end, excludeTxnID string) (*models.ConflictDetails, error)
	InsertBatch(ctx context.Context, bookings []*models.Booking) error
}

type CustomerResolver interface {
	Resolve(ctx context.Context, phone, name, email string) (string, error)
}

type Verifier interface {
	VerifyPayment(ctx context.Context, paymentID string) (*models.GatewayPayment, error)
	VerifyOrder(ctx context.Context, orderID string) (*models.GatewayOrder, error)
	ListOrderPayments(ctx context.Context, orderID string) ([]models.GatewayPayment, error)
}

type OrderLock interface {
	Acquire(ctx context.Context, orderID, token string) (bool, error)
	Release(ctx context.Context, orderID, token string) error
}

type EventPublisher interface {
	PublishBookingMaterialized(orderID string, bookings []*models.Booking) error
	PublishReconcileFailed(orderID, paymentID, reason string) error
}

// Service is the booking materializer: given a gateway order (and optionally a
// specific payment attempt) it produces exactly one confirmed booking group,
// no matter how many drivers invoke it, in whatever interleaving. Correctness
// comes from durable state plus check-act-recheck; the redis lock and the
// storage constraint are the cheap and the final backstops respectively.
type Service struct {
	Ledger    LedgerStore
	Bookings  BookingStore
	Customers CustomerResolver
	Gateway   Verifier
	Lock      OrderLock // optional
	Events    EventPublisher
	Logger    *logger.Logger
}

func NewService(l LedgerStore, b BookingStore, c CustomerResolver, v Verifier, lock OrderLock, ev EventPublisher, log *logger.Logger) *Service {
	return &Service{
		Ledger:    l,
		Bookings:  b,
		Customers: c,
		Gateway:   v,
		Lock:      lock,
		Events:    ev,
		Logger:    log,
	}
}

// Reconcile runs one reconciliation attempt for orderID. paymentID may be
// empty, in which case the order's payment attempts are scanned at the
// gateway. Business outcomes, including terminal failures, land in the result;
// the error return is reserved for transient faults (wrapped in ErrTransient)
// and data-integrity fatals.
func (s *Service) Reconcile(ctx context.Context, orderID, paymentID string) (*models.ReconcileResult, error) {
	s.Logger.LogReconcile("START", orderID, fmt.Sprintf("paymentID=%q", paymentID))

	if s.Lock != nil {
		token := uuid.NewString()
		if ok, err := s.Lock.Acquire(ctx, orderID, token); err != nil {
			// Lock trouble is never fatal; proceed unlocked.
			s.Logger.Warn("RECONCILE", fmt.Sprintf("Lock acquire failed for order %s: %v", orderID, err))
		} else if ok {
			defer func() {
				if err := s.Lock.Release(context.Background(), orderID, token); err != nil {
					s.Logger.Warn("RECONCILE", fmt.Sprintf("Lock release failed for order %s: %v", orderID, err))
				}
			}()
		}
	}

	// Step 1: cheap idempotency fast path, before any gateway call.
	if paymentID != "" {
		if res, done, err := s.shortCircuitIfBooked(ctx, orderID, paymentID); done || err != nil {
			return res, err
		}
	}

	// Step 2: find the intent record.
	pp, err := s.Ledger.GetOpenByOrderID(ctx, orderID)
	if errors.Is(err, ledger.ErrNotFound) {
		return &models.ReconcileResult{Success: false, Error: "no pending or failed payment found"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: ledger lookup: %v", ErrTransient, err)
	}

	// Step 3: establish the authoritative gateway verdict.
	verifiedID, res, err := s.verify(ctx, pp, orderID, paymentID)
	if res != nil || err != nil {
		return res, err
	}
	paymentID = verifiedID

	// Step 4: close the race window opened during verification.
	if res, done, err := s.shortCircuitIfBooked(ctx, orderID, paymentID); done || err != nil {
		return res, err
	}

	// Step 5: conflict check every slot in the payload.
	for _, slot := range pp.Payload.Slots {
		conflict, err := s.Bookings.FindConflict(ctx, slot.StationID, slot.Date, slot.StartTime, slot.EndTime, "")
		if err != nil {
			return nil, fmt.Errorf("%w: conflict check: %v", ErrTransient, err)
		}
		if conflict == nil {
			continue
		}
		if conflict.PaymentTxnID == paymentID {
			// Our own rows: a concurrent attempt finished materialization.
			return s.finishAlreadyBooked(ctx, orderID, paymentID, conflict.BookingID)
		}
		return s.failConflict(ctx, orderID, paymentID, conflict)
	}

	// Step 6: resolve the customer.
	customerID := pp.Payload.Customer.ID
	if customerID == "" {
		customerID, err = s.Customers.Resolve(ctx, pp.Payload.Customer.Phone, pp.Payload.Customer.Name, pp.Payload.Customer.Email)
		if errors.Is(err, customer.ErrCreationFailed) {
			return nil, err // data-integrity fatal, surfaced for alerting
		}
		if err != nil {
			return nil, fmt.Errorf("%w: customer resolution: %v", ErrTransient, err)
		}
	}

	// Step 7: build and insert the booking group.
	rows := buildBookingGroup(pp, orderID, paymentID, customerID)

	// Last re-check immediately before insert; shrinks the window to the
	// width of one statement. The storage constraint covers the rest.
	if res, done, err := s.shortCircuitIfBooked(ctx, orderID, paymentID); done || err != nil {
		return res, err
	}

	err = s.Bookings.InsertBatch(ctx, rows)
	switch {
	case err == nil:
		// fall through to commit
	case errors.Is(err, booking.ErrDuplicateBooking):
		return s.finishAlreadyBooked(ctx, orderID, paymentID, "")
	case errors.Is(err, booking.ErrSlotTaken):
		conflict := s.describeInsertConflict(ctx, rows)
		return s.failConflict(ctx, orderID, paymentID, conflict)
	default:
		return nil, fmt.Errorf("%w: booking insert: %v", ErrTransient, err)
	}

	// Step 8: commit the ledger and report.
	if err := s.Ledger.MarkSuccess(ctx, orderID, paymentID); err != nil {
		// Bookings exist; a re-run will land in the step-1 fast path and
		// finish this transition.
		return nil, fmt.Errorf("%w: ledger commit: %v", ErrTransient, err)
	}
	if s.Events != nil {
		if err := s.Events.PublishBookingMaterialized(orderID, rows); err != nil {
			s.Logger.Warn("KAFKA", fmt.Sprintf("Publish failed for order %s: %v", orderID, err))
		}
	}
	s.Logger.LogReconcile("SUCCESS", orderID, fmt.Sprintf("Materialized %d bookings, txn %s", len(rows), paymentID))
	return &models.ReconcileResult{Success: true, BookingID: rows[0].ID}, nil
}

// verify establishes the successful payment id for the attempt or produces the
// terminal/retryable outcome. Exactly one of the three returns is set.
func (s *Service) verify(ctx context.Context, pp *models.PendingPayment, orderID, paymentID string) (string, *models.ReconcileResult, error) {
	if paymentID != "" {
		p, err := s.Gateway.VerifyPayment(ctx, paymentID)
		if errors.Is(err, gateway.ErrVerificationUnavailable) {
			return "", nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		if errors.Is(err, gateway.ErrPaymentNotFound) {
			// Definitive verdict on a specific payment id: terminal.
			res, ferr := s.failTerminal(ctx, orderID, paymentID, "payment not found at gateway")
			return "", res, ferr
		}
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		if p.Successful() {
			return paymentID, nil, nil
		}
		if p.TerminalFailure() {
			res, ferr := s.failTerminal(ctx, orderID, paymentID, fmt.Sprintf("payment %s is %s at gateway", paymentID, p.Status))
			return "", res, ferr
		}
		// Not successful yet, not terminal: keep the row pending.
		return "", &models.ReconcileResult{Success: false, Error: fmt.Sprintf("payment %s not successful yet (status %s)", paymentID, p.Status)}, nil
	}

	ord, err := s.Gateway.VerifyOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, gateway.ErrPaymentNotFound) {
			// Unknown order id: nothing conclusive, preserve retryability.
			return "", &models.ReconcileResult{Success: false, Error: "order not found at gateway"}, nil
		}
		return "", nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if id := firstSuccessful(ord.Payments); id != "" {
		return id, nil, nil
	}
	if ord.Status == "paid" {
		// Paid but no payment inline; one extra listing call.
		payments, err := s.Gateway.ListOrderPayments(ctx, orderID)
		if err != nil {
			if errors.Is(err, gateway.ErrPaymentNotFound) {
				return "", &models.ReconcileResult{Success: false, Error: "no payments found for paid order"}, nil
			}
			return "", nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		if id := firstSuccessful(payments); id != "" {
			return id, nil, nil
		}
	}
	// Nothing conclusive: the row stays pending so a later attempt can win.
	return "", &models.ReconcileResult{Success: false, Error: "no successful payment found for order"}, nil
}

// shortCircuitIfBooked is the idempotency check shared by steps 1, 4 and 7:
// if a booking already carries this payment txn, the work is done.
func (s *Service) shortCircuitIfBooked(ctx context.Context, orderID, paymentID string) (*models.ReconcileResult, bool, error) {
	existing, err := s.Bookings.FindByPaymentTxn(ctx, paymentID)
	if errors.Is(err, booking.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: booking lookup: %v", ErrTransient, err)
	}
	res, err := s.finishAlreadyBooked(ctx, orderID, paymentID, existing.ID)
	return res, true, err
}

func (s *Service) finishAlreadyBooked(ctx context.Context, orderID, paymentID, bookingID string) (*models.ReconcileResult, error) {
	if bookingID == "" {
		if existing, err := s.Bookings.FindByPaymentTxn(ctx, paymentID); err == nil {
			bookingID = existing.ID
		}
	}
	if err := s.Ledger.MarkSuccess(ctx, orderID, paymentID); err != nil {
		return nil, fmt.Errorf("%w: ledger commit: %v", ErrTransient, err)
	}
	s.Logger.LogReconcile("ALREADY_BOOKED", orderID, fmt.Sprintf("Booking %s already exists for txn %s", bookingID, paymentID))
	return &models.ReconcileResult{Success: true, AlreadyExists: true, BookingID: bookingID}, nil
}

// failTerminal marks the ledger row failed for a definitive, non-conflict
// gateway verdict and reports it as a normal business failure.
func (s *Service) failTerminal(ctx context.Context, orderID, paymentID, reason string) (*models.ReconcileResult, error) {
	if err := s.Ledger.MarkFailed(ctx, orderID, paymentID, reason); err != nil {
		return nil, fmt.Errorf("%w: ledger update: %v", ErrTransient, err)
	}
	if s.Events != nil {
		if err := s.Events.PublishReconcileFailed(orderID, paymentID, reason); err != nil {
			s.Logger.Warn("KAFKA", fmt.Sprintf("Publish failed for order %s: %v", orderID, err))
		}
	}
	s.Logger.LogReconcile("FAILED", orderID, reason)
	return &models.ReconcileResult{Success: false, Error: reason}, nil
}

// failConflict is the terminal outcome for a slot held by a different payment.
// Needs human remediation (refund); sweeps must not chew on it forever.
func (s *Service) failConflict(ctx context.Context, orderID, paymentID string, conflict *models.ConflictDetails) (*models.ReconcileResult, error) {
	reason := "Booking conflict: slot no longer available"
	if conflict != nil {
		reason = fmt.Sprintf("Booking conflict: %s", conflict)
	}
	return s.failTerminal(ctx, orderID, paymentID, reason)
}

// describeInsertConflict re-runs the pre-check to name the winner after the
// store rejected our insert. Best effort: the constraint saw the conflict even
// if this read no longer does.
func (s *Service) describeInsertConflict(ctx context.Context, rows []*models.Booking) *models.ConflictDetails {
	for _, b := range rows {
		conflict, err := s.Bookings.FindConflict(ctx, b.StationID, b.BookingDate, b.StartTime, b.EndTime, b.PaymentTxnID)
		if err == nil && conflict != nil {
			return conflict
		}
	}
	return nil
}

// buildBookingGroup expands the payload into one row per station x slot,
// splitting the aggregate price evenly and sharing the payment txn id.
func buildBookingGroup(pp *models.PendingPayment, orderID, paymentID, customerID string) []*models.Booking {
	k := len(pp.Payload.Slots)
	perSlotFinal := pp.Payload.Pricing.FinalPrice / float64(k)
	perSlotOriginal := pp.Payload.Pricing.OriginalPrice / float64(k)
	now := time.Now()

	rows := make([]*models.Booking, 0, k)
	for _, slot := range pp.Payload.Slots {
		rows = append(rows, &models.Booking{
			ID:              uuid.NewString(),
			StationID:       slot.StationID,
			CustomerID:      customerID,
			OrderID:         orderID,
			PaymentTxnID:    paymentID,
			BookingDate:     slot.Date,
			StartTime:       slot.StartTime,
			EndTime:         slot.EndTime,
			Duration:        pp.Payload.Duration,
			Status:          models.BookingConfirmed,
			OriginalPrice:   perSlotOriginal,
			DiscountPercent: pp.Payload.Pricing.DiscountPercent,
			FinalPrice:      perSlotFinal,
			CouponCodes:     pp.Payload.Pricing.CouponCodes,
			CreatedAt:       now,
		})
	}
	return rows
}

func firstSuccessful(payments []models.GatewayPayment) string {
	for _, p := range payments {
		if p.Successful() {
			return p.ID
		}
	}
	return ""
}
