package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"ms-reconcile/internal/config"
	"ms-reconcile/internal/logger"
	"ms-reconcile/internal/models"
)

// Events publishes reconciliation outcomes for downstream consumers
// (notifications, analytics). All publishes are fire-and-forget from the
// materializer's point of view: a broker hiccup never changes a booking
// outcome.
type Events struct {
	Producer *Producer
	Topics   config.TopicConfig
	Logger   *logger.Logger
}

func NewEvents(producer *Producer, topics config.TopicConfig, log *logger.Logger) *Events {
	return &Events{Producer: producer, Topics: topics, Logger: log}
}

type bookingMaterializedEvent struct {
	OrderID      string            `json:"order_id"`
	PaymentTxnID string            `json:"payment_txn_id"`
	BookingIDs   []string          `json:"booking_ids"`
	Bookings     []*models.Booking `json:"bookings"`
	Timestamp    time.Time         `json:"timestamp"`
}

type reconcileFailedEvent struct {
	OrderID   string    `json:"order_id"`
	PaymentID string    `json:"payment_id,omitempty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishBookingMaterialized emits one message per booking group, keyed by
// order id so all events for one order land on one partition.
func (e *Events) PublishBookingMaterialized(orderID string, bookings []*models.Booking) error {
	ids := make([]string, len(bookings))
	txnID := ""
	for i, b := range bookings {
		ids[i] = b.ID
		txnID = b.PaymentTxnID
	}
	payload, err := json.Marshal(bookingMaterializedEvent{
		OrderID:      orderID,
		PaymentTxnID: txnID,
		BookingIDs:   ids,
		Bookings:     bookings,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return err
	}
	if err := e.Producer.Publish(e.Topics.BookingMaterialized, orderID, payload); err != nil {
		return err
	}
	e.Logger.LogKafka("PUBLISH", e.Topics.BookingMaterialized, fmt.Sprintf("Materialized %d bookings for order %s", len(bookings), orderID))
	return nil
}

func (e *Events) PublishReconcileFailed(orderID, paymentID, reason string) error {
	payload, err := json.Marshal(reconcileFailedEvent{
		OrderID:   orderID,
		PaymentID: paymentID,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	if err := e.Producer.Publish(e.Topics.ReconcileFailed, orderID, payload); err != nil {
		return err
	}
	e.Logger.LogKafka("PUBLISH", e.Topics.ReconcileFailed, fmt.Sprintf("Reconcile failed for order %s: %s", orderID, reason))
	return nil
}
