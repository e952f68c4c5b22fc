package importer

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrRunNotFound = errors.New("import run not found")

// Run is a finished import as persisted: the final progress snapshot and the
// result.
type Run struct {
	Progress Progress `json:"progress"`
	Result   *Result  `json:"result"`
}

// RunStore keeps finished runs so their progress and result stay queryable.
type RunStore interface {
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, runID uuid.UUID) (*Run, error)
	ListByConnection(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*Run, int, error)
}
