package models

import "time"

// ReconcileRequest is the body of POST /reconcile-payment. PaymentID is
// optional: when absent the order is verified and its payment attempts scanned.
type ReconcileRequest struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id,omitempty"`
}

// ReconcileResult is the terminal outcome of one reconciliation attempt.
// Business failures (no pending row, gateway says unpaid, slot conflict) land
// here with Success=false; only transport errors surface as Go errors.
type ReconcileResult struct {
	Success       bool   `json:"success"`
	AlreadyExists bool   `json:"alreadyExists,omitempty"`
	BookingID     string `json:"bookingId,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Gateway payment statuses treated as successful.
const (
	GatewayStatusCaptured   = "captured"
	GatewayStatusAuthorized = "authorized"
)

// Gateway payment statuses that are definitively terminal failures for the
// attempt. Anything else (created, pending, ...) is simply not-yet-successful.
const (
	GatewayStatusFailed   = "failed"
	GatewayStatusRefunded = "refunded"
)

// GatewayPayment is one charge attempt as reported by the payment provider.
type GatewayPayment struct {
	ID      string  `json:"id"`
	OrderID string  `json:"order_id"`
	Status  string  `json:"status"`
	Amount  float64 `json:"amount"`
	Method  string  `json:"method,omitempty"`
}

// Successful reports whether the gateway considers the payment collected.
func (p *GatewayPayment) Successful() bool {
	return p.Status == GatewayStatusCaptured || p.Status == GatewayStatusAuthorized
}

// TerminalFailure reports whether the gateway will never collect this payment.
func (p *GatewayPayment) TerminalFailure() bool {
	return p.Status == GatewayStatusFailed || p.Status == GatewayStatusRefunded
}

// GatewayOrder is a checkout attempt on the provider side, with zero or more
// payment attempts nested under it.
type GatewayOrder struct {
	ID       string           `json:"id"`
	Status   string           `json:"status"`
	Amount   float64          `json:"amount"`
	Payments []GatewayPayment `json:"payments,omitempty"`
}

// PendingPaymentView is the operator-facing listing row: the ledger row plus
// an informational expired flag.
type PendingPaymentView struct {
	PendingPayment
	Expired bool `json:"expired"`
}

func NewPendingPaymentView(p PendingPayment, now time.Time) PendingPaymentView {
	return PendingPaymentView{PendingPayment: p, Expired: now.After(p.ExpiresAt)}
}
