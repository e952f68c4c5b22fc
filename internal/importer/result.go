package importer

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirsync/internal/platform/fhir"
	"github.com/ehr/fhirsync/internal/reconcile"
)

// RunOptions tune a single import run.
type RunOptions struct {
	// Full ignores the stored cursors and fetches every resource. Only full
	// fetches mark missing records stale.
	Full bool `json:"full"`
	// ResourceTypes restricts the run to a subset of the provider's types.
	ResourceTypes []fhir.ResourceType `json:"resource_types,omitempty"`
}

// Result is the final summary of an import run.
type Result struct {
	RunID          uuid.UUID                  `json:"run_id"`
	ConnectionID   uuid.UUID                  `json:"connection_id"`
	Status         Status                     `json:"status"`
	Full           bool                       `json:"full"`
	ImportedCounts map[fhir.ResourceType]int  `json:"imported_counts"`
	StaleCounts    map[fhir.ResourceType]int  `json:"stale_counts,omitempty"`
	Errors         []ImportError              `json:"errors"`
	Warnings       []string                   `json:"warnings"`
	PendingChanges []*reconcile.PendingChange `json:"pending_changes"`
	StartedAt      time.Time                  `json:"started_at"`
	CompletedAt    time.Time                  `json:"completed_at"`
	DurationMS     int64                      `json:"duration_ms"`
}

// Imported returns the total number of created or updated records.
func (r *Result) Imported() int {
	n := 0
	for _, c := range r.ImportedCounts {
		n += c
	}
	return n
}

// summary is the webhook payload for a finished run.
func (r *Result) summary() map[string]interface{} {
	return map[string]interface{}{
		"run_id":          r.RunID.String(),
		"status":          r.Status,
		"imported_counts": r.ImportedCounts,
		"errors":          len(r.Errors),
		"pending_changes": len(r.PendingChanges),
		"duration_ms":     r.DurationMS,
	}
}
