package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ms-reconcile/internal/logger"
	"ms-reconcile/internal/models"
	"ms-reconcile/internal/reconcile"

	"github.com/google/uuid"
)

type Reconciler interface {
	Reconcile(ctx context.Context, orderID, paymentID string) (*models.ReconcileResult, error)
}

type LedgerStore interface {
	Create(ctx context.Context, pp *models.PendingPayment) error
	ListPending(ctx context.Context, limit int) ([]models.PendingPayment, error)
	ListRetryable(ctx context.Context, limit int) ([]models.PendingPayment, error)
}

// Handler exposes the reconciliation surface: the post-payment callback hit by
// the checkout frontend, plus the operator endpoints for inspecting and
// retrying the ledger.
type Handler struct {
	Service        Reconciler
	Ledger         LedgerStore
	Logger         *logger.Logger
	AttemptTimeout time.Duration
	PendingTTL     time.Duration
}

type reconcileResponse struct {
	OK            bool   `json:"ok"`
	Success       bool   `json:"success"`
	AlreadyExists bool   `json:"alreadyExists,omitempty"`
	BookingID     string `json:"bookingId,omitempty"`
	Retryable     bool   `json:"retryable,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ReconcilePayment handles POST /reconcile-payment. Every business outcome is
// a 200 with the verdict in the body; the caller distinguishes retryable
// failures by the retryable flag, not the status code.
func (h *Handler) ReconcilePayment(w http.ResponseWriter, r *http.Request) {
	var req models.ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.OrderID == "" {
		http.Error(w, "order_id is required", http.StatusBadRequest)
		return
	}

	h.writeReconcileOutcome(w, r, req.OrderID, req.PaymentID)
}

// CreatePending handles POST /api/reconcile/pending: the checkout flow records
// its intent here before handing the customer to the payment provider.
func (h *Handler) CreatePending(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID string                `json:"order_id"`
		Payload models.BookingPayload `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.OrderID == "" {
		http.Error(w, "order_id is required", http.StatusBadRequest)
		return
	}
	if err := req.Payload.Validate(); err != nil {
		http.Error(w, "Invalid payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now()
	pp := &models.PendingPayment{
		ID:        uuid.NewString(),
		OrderID:   req.OrderID,
		Status:    models.PendingStatusPending,
		Payload:   req.Payload,
		ExpiresAt: now.Add(h.PendingTTL),
		CreatedAt: now,
	}
	if err := h.Ledger.Create(r.Context(), pp); err != nil {
		h.Logger.Error("API", fmt.Sprintf("Pending payment create failed for order %s: %v", req.OrderID, err))
		http.Error(w, "Could not record pending payment", http.StatusInternalServerError)
		return
	}

	h.Logger.LogAPI("POST", "/api/reconcile/pending", "201", req.OrderID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "recorded",
		"orderId": pp.OrderID,
		"id":      pp.ID,
	})
}

// ListPending handles GET /api/reconcile/pending: operator view of every open
// ledger row, each flagged expired when past its checkout window.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Ledger.ListRetryable(r.Context(), 0)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("Pending payment listing failed: %v", err))
		http.Error(w, "Could not list pending payments", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	views := make([]models.PendingPaymentView, 0, len(rows))
	for _, row := range rows {
		views = append(views, models.NewPendingPaymentView(row, now))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count":    len(views),
		"payments": views,
	})
}

// RetryReconcile handles POST /api/reconcile/retry: an operator forcing orders
// through the materializer right now instead of waiting for the sweep. With an
// order_id in the body it retries that order; without one it retries every
// pending and failed row.
func (h *Handler) RetryReconcile(w http.ResponseWriter, r *http.Request) {
	var req models.ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.OrderID != "" {
		h.writeReconcileOutcome(w, r, req.OrderID, req.PaymentID)
		return
	}

	h.retryAll(w, r)
}

type bulkRetryOutcome struct {
	OrderID   string `json:"order_id"`
	Success   bool   `json:"success"`
	BookingID string `json:"booking_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// retryAll walks every retryable ledger row. Each order gets its own attempt
// budget; one slow or broken order never blocks the rest of the batch.
func (h *Handler) retryAll(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Ledger.ListRetryable(r.Context(), 0)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("Retryable listing failed: %v", err))
		http.Error(w, "Could not list retryable payments", http.StatusInternalServerError)
		return
	}

	outcomes := make([]bulkRetryOutcome, 0, len(rows))
	var succeeded int
	for _, row := range rows {
		ctx := r.Context()
		var cancel context.CancelFunc
		if h.AttemptTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, h.AttemptTimeout)
		}
		result, err := h.Service.Reconcile(ctx, row.OrderID, row.PaymentID)
		if cancel != nil {
			cancel()
		}

		outcome := bulkRetryOutcome{OrderID: row.OrderID}
		switch {
		case err != nil:
			outcome.Error = "reconciliation error, will retry later"
			h.Logger.Warn("API", fmt.Sprintf("Bulk retry for order %s errored: %v", row.OrderID, err))
		case result.Success:
			outcome.Success = true
			outcome.BookingID = result.BookingID
			succeeded++
		default:
			outcome.Error = result.Error
		}
		outcomes = append(outcomes, outcome)
	}

	h.Logger.LogAPI(r.Method, r.URL.Path, "200", fmt.Sprintf("%d/%d materialized", succeeded, len(rows)))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":     len(rows),
		"succeeded": succeeded,
		"results":   outcomes,
	})
}

func (h *Handler) writeReconcileOutcome(w http.ResponseWriter, r *http.Request, orderID, paymentID string) {
	start := time.Now()
	ctx := r.Context()
	if h.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.AttemptTimeout)
		defer cancel()
	}

	result, err := h.Service.Reconcile(ctx, orderID, paymentID)
	elapsed := time.Since(start).Round(time.Millisecond)

	switch {
	case err == nil:
		h.Logger.LogAPI(r.Method, r.URL.Path, "200", elapsed.String())
		writeJSON(w, http.StatusOK, reconcileResponse{
			OK:            true,
			Success:       result.Success,
			AlreadyExists: result.AlreadyExists,
			BookingID:     result.BookingID,
			Error:         result.Error,
		})
	case errors.Is(err, reconcile.ErrTransient):
		h.Logger.Warn("API", fmt.Sprintf("Reconcile for order %s hit a transient error: %v", orderID, err))
		writeJSON(w, http.StatusOK, reconcileResponse{
			OK:        false,
			Retryable: true,
			Error:     "reconciliation temporarily unavailable, retry later",
		})
	default:
		h.Logger.Error("API", fmt.Sprintf("Reconcile for order %s failed: %v", orderID, err))
		http.Error(w, "Reconciliation failed: "+err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
