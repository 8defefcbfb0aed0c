package customer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ms-reconcile/internal/logger"
	"ms-reconcile/internal/models"
)

// ErrCreationFailed means an insert collided with an existing phone but the
// follow-up lookup still found nothing. That is a data-integrity problem, not
// something a retry fixes here.
var ErrCreationFailed = errors.New("customer creation failed")

type Store interface {
	GetByPhone(ctx context.Context, phone string) (*models.Customer, error)
	Insert(ctx context.Context, c *models.Customer) error
}

// Resolver maps a phone number to a customer identity, creating one if absent.
// It only ever reads or inserts; spend and loyalty aggregates belong to the
// rest of the application.
type Resolver struct {
	Store  Store
	Logger *logger.Logger
}

func NewResolver(store Store, log *logger.Logger) *Resolver {
	return &Resolver{Store: store, Logger: log}
}

// Resolve returns the customer id for a phone number, inserting a new row when
// none exists. A uniqueness collision from a concurrent resolver call is
// absorbed by re-querying: the normalized phone is the dedup key, so whoever
// won the race is the right answer.
func (r *Resolver) Resolve(ctx context.Context, phone, name, email string) (string, error) {
	normalized := NormalizePhone(phone)
	if normalized == "" {
		return "", fmt.Errorf("phone %q has no digits", phone)
	}

	existing, err := r.Store.GetByPhone(ctx, normalized)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("customer lookup: %w", err)
	}

	c := &models.Customer{
		ID:        newCustomerID(normalized),
		Name:      name,
		Phone:     normalized,
		Email:     email,
		CreatedAt: time.Now(),
	}
	err = r.Store.Insert(ctx, c)
	if err == nil {
		r.Logger.Info("CUSTOMER", fmt.Sprintf("Created customer %s for phone ending %s", c.ID, lastDigits(normalized, 4)))
		return c.ID, nil
	}
	if !errors.Is(err, ErrPhoneExists) {
		return "", fmt.Errorf("customer insert: %w", err)
	}

	// Lost the insert race; the winner's row must be there now.
	existing, err = r.Store.GetByPhone(ctx, normalized)
	if err == nil {
		return existing.ID, nil
	}
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: phone collision for %s but no row found", ErrCreationFailed, normalized)
	}
	return "", fmt.Errorf("customer re-query: %w", err)
}

// subscriberDigits is the length of the national subscriber number. Anything
// before it is a country code and is not part of the dedup key.
const subscriberDigits = 10

// NormalizePhone strips everything but digits and keeps the trailing
// subscriber number, so "+91 98765-43210" and "9876543210" share one key.
func NormalizePhone(phone string) string {
	var sb strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return lastDigits(sb.String(), subscriberDigits)
}

// newCustomerID builds the human-readable display id: prefix, last four phone
// digits, base36 timestamp suffix. Display only; never a uniqueness key.
func newCustomerID(normalizedPhone string) string {
	suffix := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return fmt.Sprintf("CUST-%s-%s", lastDigits(normalizedPhone, 4), suffix)
}

func lastDigits(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
