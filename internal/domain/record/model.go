package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindProfile     Kind = "profile"
	KindCondition   Kind = "condition"
	KindMedication  Kind = "medication"
	KindLabResult   Kind = "lab_result"
	KindAllergy     Kind = "allergy"
	KindVaccination Kind = "vaccination"
)

var validKinds = map[Kind]bool{
	KindProfile: true, KindCondition: true, KindMedication: true,
	KindLabResult: true, KindAllergy: true, KindVaccination: true,
}

type Source string

const (
	SourceFHIR   Source = "fhir"
	SourceManual Source = "manual"
	SourceImport Source = "import"
)

var ErrMissingReference = errors.New("a record sourced from fhir requires a fhir reference")

// Record is the local representation of one clinical fact. Data holds the
// JSON of the typed payload for Kind (Condition, Medication, ...).
type Record struct {
	ID                 uuid.UUID       `json:"id"`
	ConnectionID       uuid.UUID       `json:"connection_id"`
	Kind               Kind            `json:"kind"`
	ResourceType       string          `json:"resource_type,omitempty"`
	FHIRReference      string          `json:"fhir_reference,omitempty"`
	Source             Source          `json:"source"`
	ServerVersion      string          `json:"server_version,omitempty"`
	ServerLastUpdated  *time.Time      `json:"server_last_updated,omitempty"`
	// LastUpdatedDerived marks ServerLastUpdated as taken from the clinical
	// date because the server sent no meta.lastUpdated.
	LastUpdatedDerived bool            `json:"last_updated_derived,omitempty"`
	UpdatedLocally     *time.Time      `json:"updated_locally,omitempty"`
	Stale              bool            `json:"stale"`
	Data               json.RawMessage `json:"data"`
	VersionID          int             `json:"version_id"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Key identifies a record derived from a FHIR resource. DiagnosticReport and
// Observation both produce lab results, so the resource type is part of it.
type Key struct {
	ConnectionID  uuid.UUID
	ResourceType  string
	FHIRReference string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ConnectionID, k.ResourceType, k.FHIRReference)
}

func (r *Record) Key() Key {
	return Key{ConnectionID: r.ConnectionID, ResourceType: r.ResourceType, FHIRReference: r.FHIRReference}
}

func (r *Record) Validate() error {
	if !validKinds[r.Kind] {
		return fmt.Errorf("invalid kind: %q", r.Kind)
	}
	switch r.Source {
	case SourceFHIR:
		if r.FHIRReference == "" {
			return ErrMissingReference
		}
		if r.ConnectionID == uuid.Nil || r.ResourceType == "" {
			return fmt.Errorf("a record sourced from fhir requires a connection and resource type")
		}
	case SourceManual, SourceImport:
	default:
		return fmt.Errorf("invalid source: %q", r.Source)
	}
	if len(r.Data) > 0 && !json.Valid(r.Data) {
		return fmt.Errorf("data is not valid JSON")
	}
	return nil
}

// EditedSince reports whether the record was edited locally after t. A nil t
// (never synced) counts any local edit.
func (r *Record) EditedSince(t *time.Time) bool {
	if r.UpdatedLocally == nil {
		return false
	}
	return t == nil || r.UpdatedLocally.After(*t)
}

func (r *Record) Clone() *Record {
	cp := *r
	cp.Data = append(json.RawMessage(nil), r.Data...)
	if r.ServerLastUpdated != nil {
		t := *r.ServerLastUpdated
		cp.ServerLastUpdated = &t
	}
	if r.UpdatedLocally != nil {
		t := *r.UpdatedLocally
		cp.UpdatedLocally = &t
	}
	return &cp
}

// SetData marshals payload into Data.
func (r *Record) SetData(payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", r.Kind, err)
	}
	r.Data = b
	return nil
}

// DecodeData unmarshals the payload of r into T.
func DecodeData[T any](r *Record) (*T, error) {
	var v T
	if err := json.Unmarshal(r.Data, &v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", r.Kind, err)
	}
	return &v, nil
}
