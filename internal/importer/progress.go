package importer

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirsync/internal/platform/fhir"
)

// Status is the state of an import run. It only moves forward; error and
// cancelled are terminal alternatives to completed.
type Status string

const (
	StatusPending        Status = "pending"
	StatusAuthenticating Status = "authenticating"
	StatusFetching       Status = "fetching"
	StatusMapping        Status = "mapping"
	StatusImporting      Status = "importing"
	StatusCompleted      Status = "completed"
	StatusError          Status = "error"
	StatusCancelled      Status = "cancelled"
)

var statusRank = map[Status]int{
	StatusPending:        0,
	StatusAuthenticating: 1,
	StatusFetching:       2,
	StatusMapping:        3,
	StatusImporting:      4,
	StatusCompleted:      5,
	StatusError:          5,
	StatusCancelled:      5,
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// canAdvance reports whether a run in status s may move to next.
func (s Status) canAdvance(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next.Terminal() {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// Phase is the stage a single resource type is in within a run.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseFetching  Phase = "fetching"
	PhaseMapping   Phase = "mapping"
	PhaseImporting Phase = "importing"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
	PhaseSkipped   Phase = "skipped"
)

// ErrorKind classifies an ImportError.
type ErrorKind string

const (
	KindAuthExpired ErrorKind = "auth_expired"
	KindConnection  ErrorKind = "connection"
	KindFetch       ErrorKind = "fetch_failed"
	KindRateLimited ErrorKind = "rate_limited"
	KindMapping     ErrorKind = "mapping_error"
	KindStore       ErrorKind = "store_error"
)

// ImportError is one failure recorded during a run. ResourceID is empty for
// failures that affect a whole resource type or the connection.
type ImportError struct {
	Kind         ErrorKind         `json:"kind"`
	ResourceType fhir.ResourceType `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Field        string            `json:"field,omitempty"`
	Message      string            `json:"message"`
	At           time.Time         `json:"at"`
}

type ResourceProgress struct {
	ResourceType fhir.ResourceType `json:"resource_type"`
	Phase        Phase             `json:"phase"`
	Since        *time.Time        `json:"since,omitempty"`
	Pages        int               `json:"pages"`
	Fetched      int               `json:"fetched"`
	Imported     int               `json:"imported"`
	Unchanged    int               `json:"unchanged"`
	Conflicts    int               `json:"conflicts"`
	Excluded     int               `json:"excluded"`
	Failed       int               `json:"failed"`
	Stale        int               `json:"stale"`
}

// Progress is a snapshot of one import run.
type Progress struct {
	RunID               uuid.UUID          `json:"run_id"`
	ConnectionID        uuid.UUID          `json:"connection_id"`
	Status              Status             `json:"status"`
	CurrentResourceType fhir.ResourceType  `json:"current_resource_type,omitempty"`
	TotalResources      int                `json:"total_resources"`
	ProcessedResources  int                `json:"processed_resources"`
	Resources           []ResourceProgress `json:"resources"`
	Errors              []ImportError      `json:"errors"`
	StartedAt           time.Time          `json:"started_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
	CompletedAt         *time.Time         `json:"completed_at,omitempty"`
}

func newProgress(runID, connectionID uuid.UUID, now time.Time) Progress {
	return Progress{
		RunID:        runID,
		ConnectionID: connectionID,
		Status:       StatusPending,
		Resources:    []ResourceProgress{},
		Errors:       []ImportError{},
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

func (p Progress) clone() Progress {
	cp := p
	cp.Resources = append([]ResourceProgress(nil), p.Resources...)
	cp.Errors = append([]ImportError(nil), p.Errors...)
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// Resource returns the progress entry for rt, or nil.
func (p *Progress) Resource(rt fhir.ResourceType) *ResourceProgress {
	for i := range p.Resources {
		if p.Resources[i].ResourceType == rt {
			return &p.Resources[i]
		}
	}
	return nil
}

// advance moves the run to next when the state machine allows it and reports
// whether it did.
func (p *Progress) advance(next Status, now time.Time) bool {
	if !p.Status.canAdvance(next) {
		return false
	}
	p.Status = next
	p.UpdatedAt = now
	if next.Terminal() {
		p.CompletedAt = &now
		p.CurrentResourceType = ""
	}
	return true
}

// addFetched grows the total as pages arrive; processed never exceeds it.
func (p *Progress) addFetched(n int) {
	p.TotalResources += n
}

func (p *Progress) addProcessed(n int) {
	p.ProcessedResources += n
	if p.ProcessedResources > p.TotalResources {
		p.ProcessedResources = p.TotalResources
	}
}
