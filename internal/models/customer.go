package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Customer identity shared across the wider application. Phone is normalized to
// digits-only and is the dedup key; ID is a human-readable display id and must
// never be used for deduplication.
type Customer struct {
	bun.BaseModel `bun:"table:customers"`

	ID            string    `bun:"id,pk" json:"id"`
	Name          string    `bun:"name,notnull" json:"name"`
	Phone         string    `bun:"phone,unique,notnull" json:"phone"`
	Email         string    `bun:"email,nullzero" json:"email,omitempty"`
	TotalSpend    float64   `bun:"total_spend" json:"total_spend"`
	LoyaltyPoints int       `bun:"loyalty_points" json:"loyalty_points"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
}
