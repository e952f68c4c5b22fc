package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("connection not found")
	ErrActiveExists    = errors.New("an active connection already exists for this provider and patient")
	ErrVersionConflict = errors.New("connection was modified concurrently")
)

// Repository persists connections. Update is a compare-and-swap on Version:
// it fails with ErrVersionConflict when the stored version differs from
// c.Version, and bumps c.Version on success.
type Repository interface {
	Create(ctx context.Context, c *Connection) error
	GetByID(ctx context.Context, id uuid.UUID) (*Connection, error)
	FindActive(ctx context.Context, providerID, patientID string) (*Connection, error)
	Update(ctx context.Context, c *Connection) error
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Connection, int, error)
}

const maxUpdateAttempts = 5

// UpdateWithRetry loads the connection, applies mutate and writes it back,
// reloading and re-applying on version conflicts.
func UpdateWithRetry(ctx context.Context, repo Repository, id uuid.UUID, mutate func(c *Connection) error) (*Connection, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		c, err := repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(c); err != nil {
			return nil, err
		}
		err = repo.Update(ctx, c)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("update connection %s after %d attempts: %w", id, maxUpdateAttempts, lastErr)
}
