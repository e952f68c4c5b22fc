package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirsync/internal/domain/record"
)

type Action string

const (
	ActionNone   Action = "none"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Resolution records which side of a pending change was applied.
type Resolution string

const (
	ResolutionServer Resolution = "server"
	ResolutionLocal  Resolution = "local"
)

func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case ResolutionServer, ResolutionLocal:
		return Resolution(s), nil
	}
	return "", fmt.Errorf("invalid resolution %q: must be server or local", s)
}

// Policy is the conflict resolution configured for a connection.
type Policy string

const (
	PolicyServerWins Policy = "server-wins"
	PolicyClientWins Policy = "client-wins"
	PolicyManual     Policy = "manual"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyServerWins, PolicyClientWins, PolicyManual:
		return Policy(s), nil
	}
	return "", fmt.Errorf("invalid conflict resolution %q", s)
}

var (
	ErrNotFound        = errors.New("pending change not found")
	ErrAlreadyResolved = errors.New("pending change is already resolved")
	ErrStateNotFound   = errors.New("sync state not found")
)

// PendingChange is a divergence between the local record and the server for
// one resource. Resolved changes are kept for audit; at most one change per
// resource is open at a time.
type PendingChange struct {
	ID                 uuid.UUID       `json:"id"`
	ConnectionID       uuid.UUID       `json:"connection_id"`
	RunID              uuid.UUID       `json:"run_id"`
	ResourceType       string          `json:"resource_type"`
	FHIRReference      string          `json:"fhir_reference"`
	RecordID           uuid.UUID       `json:"record_id"`
	Action             Action          `json:"action"`
	LocalData          json.RawMessage `json:"local_data,omitempty"`
	ServerData         json.RawMessage `json:"server_data,omitempty"`
	ServerVersion      string          `json:"server_version,omitempty"`
	ServerLastUpdated  *time.Time      `json:"server_last_updated,omitempty"`
	LastUpdatedDerived bool            `json:"last_updated_derived,omitempty"`
	Conflict           bool            `json:"conflict"`
	Resolved           bool            `json:"resolved"`
	Resolution         Resolution      `json:"resolution,omitempty"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (c *PendingChange) Key() record.Key {
	return record.Key{ConnectionID: c.ConnectionID, ResourceType: c.ResourceType, FHIRReference: c.FHIRReference}
}

func (c *PendingChange) Clone() *PendingChange {
	cp := *c
	cp.LocalData = append(json.RawMessage(nil), c.LocalData...)
	cp.ServerData = append(json.RawMessage(nil), c.ServerData...)
	if c.ServerLastUpdated != nil {
		t := *c.ServerLastUpdated
		cp.ServerLastUpdated = &t
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// resolve marks the change resolved. The caller has already applied the
// chosen side.
func (c *PendingChange) resolve(choice Resolution, at time.Time) {
	c.Resolved = true
	c.Resolution = choice
	c.ResolvedAt = &at
}

// supersede replaces the server side of an open change with a newer
// divergence from a later run.
func (c *PendingChange) supersede(runID uuid.UUID, action Action, incoming *record.Record) {
	c.RunID = runID
	c.Action = action
	c.ServerData = append(json.RawMessage(nil), incoming.Data...)
	c.ServerVersion = incoming.ServerVersion
	c.ServerLastUpdated = incoming.ServerLastUpdated
	c.LastUpdatedDerived = incoming.LastUpdatedDerived
}

type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncRunning SyncStatus = "syncing"
	SyncFailed  SyncStatus = "error"
)

// SyncState is the per-connection sync configuration and progress. Cursors
// map a resource type to the instant its last successful fetch started.
type SyncState struct {
	ConnectionID       uuid.UUID            `json:"connection_id"`
	ConflictResolution Policy               `json:"conflict_resolution"`
	Status             SyncStatus           `json:"status"`
	Cursors            map[string]time.Time `json:"cursors"`
	LastRunID          *uuid.UUID           `json:"last_run_id,omitempty"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

func NewSyncState(connectionID uuid.UUID, policy Policy) *SyncState {
	return &SyncState{
		ConnectionID:       connectionID,
		ConflictResolution: policy,
		Status:             SyncIdle,
		Cursors:            map[string]time.Time{},
	}
}

// Cursor returns the since instant for resourceType, or nil for a full fetch.
func (s *SyncState) Cursor(resourceType string) *time.Time {
	t, ok := s.Cursors[resourceType]
	if !ok || t.IsZero() {
		return nil
	}
	return &t
}

// Advance moves the cursor for resourceType forward. It never moves back.
func (s *SyncState) Advance(resourceType string, to time.Time) {
	if s.Cursors == nil {
		s.Cursors = map[string]time.Time{}
	}
	if cur, ok := s.Cursors[resourceType]; ok && !to.After(cur) {
		return
	}
	s.Cursors[resourceType] = to.UTC()
}

func (s *SyncState) Clone() *SyncState {
	cp := *s
	cp.Cursors = make(map[string]time.Time, len(s.Cursors))
	for k, v := range s.Cursors {
		cp.Cursors[k] = v
	}
	if s.LastRunID != nil {
		id := *s.LastRunID
		cp.LastRunID = &id
	}
	return &cp
}
