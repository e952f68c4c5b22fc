package reconcile

import (
	"context"

	"github.com/google/uuid"
)

type ChangeFilter struct {
	ConnectionID uuid.UUID
	RunID        uuid.UUID
	Resolved     *bool
}

// ChangeStore persists pending changes. FindOpen returns ErrNotFound when no
// unresolved change exists for the resource.
type ChangeStore interface {
	Create(ctx context.Context, c *PendingChange) error
	Get(ctx context.Context, id uuid.UUID) (*PendingChange, error)
	FindOpen(ctx context.Context, connectionID uuid.UUID, resourceType, fhirReference string) (*PendingChange, error)
	Update(ctx context.Context, c *PendingChange) error
	List(ctx context.Context, f ChangeFilter, limit, offset int) ([]*PendingChange, int, error)
}

// StateStore persists sync states. Get returns ErrStateNotFound for a
// connection that was never synced or configured.
type StateStore interface {
	Get(ctx context.Context, connectionID uuid.UUID) (*SyncState, error)
	Put(ctx context.Context, s *SyncState) error
}
