package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

type PendingPaymentStatus string

const (
	PendingStatusPending PendingPaymentStatus = "pending"
	PendingStatusSuccess PendingPaymentStatus = "success"
	PendingStatusFailed  PendingPaymentStatus = "failed"
)

// PendingPayment is the durable intent record bridging a gateway order to the
// booking payload it should materialize. OrderID is the natural key.
type PendingPayment struct {
	bun.BaseModel `bun:"table:pending_payments"`

	ID            string               `bun:"id,pk" json:"id"`
	OrderID       string               `bun:"order_id,unique,notnull" json:"order_id"`
	PaymentID     string               `bun:"payment_id,nullzero" json:"payment_id,omitempty"`
	Status        PendingPaymentStatus `bun:"status,notnull" json:"status"`
	Payload       BookingPayload       `bun:"payload,type:jsonb" json:"payload"`
	FailureReason string               `bun:"failure_reason,nullzero" json:"failure_reason,omitempty"`
	ExpiresAt     time.Time            `bun:"expires_at,notnull" json:"expires_at"`
	CreatedAt     time.Time            `bun:"created_at,notnull" json:"created_at"`
	VerifiedAt    time.Time            `bun:"verified_at,nullzero" json:"verified_at,omitempty"`
}

// Expired reports whether the row is past its checkout window. Expired rows are
// surfaced to operators but never auto-deleted.
func (p *PendingPayment) Expired() bool {
	return time.Now().After(p.ExpiresAt)
}

// BookingPayload is what the customer was trying to buy, captured at checkout
// initiation and replayed verbatim during materialization.
type BookingPayload struct {
	Customer CustomerDescriptor `json:"customer"`
	Slots    []SlotSelection    `json:"slots"`
	Pricing  PricingBreakdown   `json:"pricing"`
	Duration int                `json:"duration_minutes"`
}

type CustomerDescriptor struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

// SlotSelection is one (station, date, start, end) reservation unit. Date is
// "2006-01-02", times are zero-padded "15:04" so they compare lexicographically.
type SlotSelection struct {
	StationID string `json:"station_id"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type PricingBreakdown struct {
	OriginalPrice   float64  `json:"original_price"`
	DiscountPercent float64  `json:"discount_percent"`
	FinalPrice      float64  `json:"final_price"`
	CouponCodes     []string `json:"coupon_codes,omitempty"`
}

// Validate rejects payloads that could never materialize cleanly: missing
// customer phone, malformed slot tuples, or slots inside the same payload that
// overlap each other on one station.
func (bp *BookingPayload) Validate() error {
	if bp.Customer.Phone == "" {
		return errors.New("customer phone is required")
	}
	if len(bp.Slots) == 0 {
		return errors.New("at least one slot is required")
	}
	if bp.Pricing.FinalPrice < 0 {
		return errors.New("final price cannot be negative")
	}
	for i, s := range bp.Slots {
		if s.StationID == "" {
			return fmt.Errorf("slot %d: station id is required", i)
		}
		if _, err := time.Parse("2006-01-02", s.Date); err != nil {
			return fmt.Errorf("slot %d: invalid date %q", i, s.Date)
		}
		if err := validateClock(s.StartTime); err != nil {
			return fmt.Errorf("slot %d: invalid start time %q", i, s.StartTime)
		}
		if err := validateClock(s.EndTime); err != nil {
			return fmt.Errorf("slot %d: invalid end time %q", i, s.EndTime)
		}
		if s.StartTime >= s.EndTime {
			return fmt.Errorf("slot %d: start %s must be before end %s", i, s.StartTime, s.EndTime)
		}
		for j := 0; j < i; j++ {
			prev := bp.Slots[j]
			if prev.StationID == s.StationID && prev.Date == s.Date &&
				prev.StartTime < s.EndTime && s.StartTime < prev.EndTime {
				return fmt.Errorf("slot %d overlaps slot %d on station %s", i, j, s.StationID)
			}
		}
	}
	return nil
}

func validateClock(v string) error {
	_, err := time.Parse("15:04", v)
	return err
}
