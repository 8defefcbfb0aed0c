package customer

import (
	"context"
	"database/sql"
	"errors"

	"ms-reconcile/internal/models"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
)

var (
	// ErrNotFound means no customer exists for the normalized phone.
	ErrNotFound = errors.New("customer not found")
	// ErrPhoneExists means an insert collided with the unique phone index,
	// i.e. a concurrent resolver call created the row first.
	ErrPhoneExists = errors.New("customer phone already exists")
)

type DB struct {
	Bun *bun.DB
}

// GetByPhone looks a customer up by already-normalized phone.
func (d *DB) GetByPhone(ctx context.Context, phone string) (*models.Customer, error) {
	var c models.Customer
	err := d.Bun.NewSelect().
		Model(&c).
		Where("phone = ?", phone).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Insert creates a customer row, reporting a phone uniqueness collision as
// ErrPhoneExists so the resolver can re-query instead of failing.
func (d *DB) Insert(ctx context.Context, c *models.Customer) error {
	_, err := d.Bun.NewInsert().Model(c).Exec(ctx)
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrPhoneExists
	}
	return err
}
