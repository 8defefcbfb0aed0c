package gateway

import (
	"context"
	"errors"
	"fmt"

	"ms-reconcile/internal/config"
	"ms-reconcile/internal/logger"
	"ms-reconcile/internal/models"

	razorpay "github.com/razorpay/razorpay-go"
	rzperrors "github.com/razorpay/razorpay-go/errors"
)

var (
	// ErrVerificationUnavailable covers transport and provider-side failures:
	// the payment's status is unknown, not unsuccessful. Callers retry later.
	ErrVerificationUnavailable = errors.New("payment verification unavailable")
	// ErrPaymentNotFound is the provider's well-formed "no such payment".
	ErrPaymentNotFound = errors.New("payment not found at gateway")
)

// Client queries the payment provider for the authoritative status of an order
// or a specific payment attempt. Read-only; it knows nothing about bookings.
type Client struct {
	rzp    *razorpay.Client
	logger *logger.Logger
}

func NewClient(cfg config.GatewayConfig, log *logger.Logger) *Client {
	keyID, keySecret := cfg.Keys()
	log.LogGateway("INIT", cfg.Mode, "Payment gateway client initialized")
	return &Client{
		rzp:    razorpay.NewClient(keyID, keySecret),
		logger: log,
	}
}

// VerifyPayment fetches the authoritative state of one payment attempt.
func (c *Client) VerifyPayment(ctx context.Context, paymentID string) (*models.GatewayPayment, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	data, err := c.rzp.Payment.Fetch(paymentID, nil, nil)
	if err != nil {
		return nil, c.classify("payment", paymentID, err)
	}
	p := paymentFromMap(data)
	c.logger.LogGateway("VERIFY", paymentID, fmt.Sprintf("Payment status: %s", p.Status))
	return p, nil
}

// VerifyOrder fetches an order together with whatever payment attempts the
// provider nests under it.
func (c *Client) VerifyOrder(ctx context.Context, orderID string) (*models.GatewayOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	data, err := c.rzp.Order.Fetch(orderID, nil, nil)
	if err != nil {
		return nil, c.classify("order", orderID, err)
	}
	ord := &models.GatewayOrder{
		ID:     stringField(data, "id"),
		Status: stringField(data, "status"),
		Amount: numberField(data, "amount"),
	}
	if items, ok := data["payments"].([]interface{}); ok {
		ord.Payments = paymentsFromItems(items)
	}
	c.logger.LogGateway("VERIFY", orderID, fmt.Sprintf("Order status: %s (%d payments)", ord.Status, len(ord.Payments)))
	return ord, nil
}

// ListOrderPayments lists every payment attempt recorded against an order.
// Used when an order reports paid but carries no payment inline.
func (c *Client) ListOrderPayments(ctx context.Context, orderID string) ([]models.GatewayPayment, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	data, err := c.rzp.Order.Payments(orderID, nil, nil)
	if err != nil {
		return nil, c.classify("order payments", orderID, err)
	}
	items, _ := data["items"].([]interface{})
	payments := paymentsFromItems(items)
	c.logger.LogGateway("LIST", orderID, fmt.Sprintf("Order has %d payment attempts", len(payments)))
	return payments, nil
}

// classify maps SDK failures onto the two-variant taxonomy. A well-formed
// rejection from the provider means the id does not exist; everything else is
// transient and must not flip any ledger state.
func (c *Client) classify(kind, id string, err error) error {
	var badReq *rzperrors.BadRequestError
	if errors.As(err, &badReq) {
		c.logger.Warn("GATEWAY", fmt.Sprintf("%s %s not found: %v", kind, id, err))
		return fmt.Errorf("%w: %s %s", ErrPaymentNotFound, kind, id)
	}
	c.logger.Error("GATEWAY", fmt.Sprintf("Verification call failed for %s %s: %v", kind, id, err))
	return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
}

func paymentsFromItems(items []interface{}) []models.GatewayPayment {
	payments := make([]models.GatewayPayment, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		payments = append(payments, *paymentFromMap(m))
	}
	return payments
}

func paymentFromMap(m map[string]interface{}) *models.GatewayPayment {
	return &models.GatewayPayment{
		ID:      stringField(m, "id"),
		OrderID: stringField(m, "order_id"),
		Status:  stringField(m, "status"),
		Amount:  numberField(m, "amount"),
		Method:  stringField(m, "method"),
	}
}

func stringField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func numberField(m map[string]interface{}, key string) float64 {
	v, _ := m[key].(float64)
	return v
}
