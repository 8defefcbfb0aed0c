package models

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

type BookingStatus string

const (
	BookingConfirmed  BookingStatus = "confirmed"
	BookingInProgress BookingStatus = "in-progress"
	BookingCompleted  BookingStatus = "completed"
	BookingCancelled  BookingStatus = "cancelled"
	BookingNoShow     BookingStatus = "no-show"
)

// Booking is one confirmed station reservation. PaymentTxnID is the idempotency
// key for creation: one successful payment may own several rows (one per
// station x slot), all sharing the txn id, and those rows never conflict with
// each other.
type Booking struct {
	bun.BaseModel `bun:"table:bookings"`

	ID              string        `bun:"id,pk" json:"id"`
	StationID       string        `bun:"station_id,notnull" json:"station_id"`
	CustomerID      string        `bun:"customer_id,notnull" json:"customer_id"`
	OrderID         string        `bun:"order_id,notnull" json:"order_id"`
	PaymentTxnID    string        `bun:"payment_txn_id,notnull" json:"payment_txn_id"`
	BookingDate     string        `bun:"booking_date,notnull" json:"booking_date"`
	StartTime       string        `bun:"start_time,notnull" json:"start_time"`
	EndTime         string        `bun:"end_time,notnull" json:"end_time"`
	Duration        int           `bun:"duration_minutes" json:"duration_minutes"`
	Status          BookingStatus `bun:"status,notnull" json:"status"`
	OriginalPrice   float64       `bun:"original_price" json:"original_price"`
	DiscountPercent float64       `bun:"discount_percent" json:"discount_percent"`
	FinalPrice      float64       `bun:"final_price" json:"final_price"`
	CouponCodes     []string      `bun:"coupon_codes,nullzero" json:"coupon_codes,omitempty"`
	CreatedAt       time.Time     `bun:"created_at,notnull" json:"created_at"`
}

// Blocking reports whether this booking occupies its slot for conflict
// purposes. Completed, cancelled and no-show rows never block.
func (b *Booking) Blocking() bool {
	return b.Status == BookingConfirmed || b.Status == BookingInProgress
}

// ConflictDetails describes the booking that already holds a requested slot,
// carrying enough context for an operator-facing error message.
type ConflictDetails struct {
	BookingID    string        `json:"booking_id"`
	StationID    string        `json:"station_id"`
	StationName  string        `json:"station_name,omitempty"`
	BookingDate  string        `json:"booking_date"`
	StartTime    string        `json:"start_time"`
	EndTime      string        `json:"end_time"`
	Status       BookingStatus `json:"status"`
	PaymentTxnID string        `json:"payment_txn_id"`
}

func (c *ConflictDetails) String() string {
	name := c.StationName
	if name == "" {
		name = c.StationID
	}
	return fmt.Sprintf("booking %s (%s) holds %s %s-%s on station %s",
		c.BookingID, c.Status, c.BookingDate, c.StartTime, c.EndTime, name)
}

type Station struct {
	bun.BaseModel `bun:"table:stations"`

	ID         string  `bun:"id,pk" json:"id"`
	Name       string  `bun:"name,notnull" json:"name"`
	SportType  string  `bun:"sport_type,nullzero" json:"sport_type,omitempty"`
	HourlyRate float64 `bun:"hourly_rate" json:"hourly_rate"`
}
