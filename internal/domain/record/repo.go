package record

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("record was modified concurrently")
)

// Filter narrows List. Zero fields match everything.
type Filter struct {
	ConnectionID uuid.UUID
	Kind         Kind
	ResourceType string
	Stale        *bool
}

// Store persists records. Upsert writes keyed on (ConnectionID, ResourceType,
// FHIRReference): an existing record is updated in place (ID and CreatedAt
// kept, VersionID incremented); otherwise a new one is inserted. Records with
// no FHIR reference are always inserted.
//
// Update and the update branch of Upsert compare-and-swap on VersionID when
// the caller's record carries one (non-zero): a stored version that differs
// fails with ErrVersionConflict and nothing is written.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByKey(ctx context.Context, key Key) (*Record, error)
	Upsert(ctx context.Context, r *Record) (created bool, err error)
	Update(ctx context.Context, r *Record) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error)
	ListByResourceType(ctx context.Context, connectionID uuid.UUID, resourceType string) ([]*Record, error)
	SetStale(ctx context.Context, id uuid.UUID, stale bool) error
}
