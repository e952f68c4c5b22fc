// Package mapper converts FHIR resources into local records. Mapping is pure:
// no I/O, no clock, and one resource never affects another.
package mapper

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/fhirsync/internal/domain/connection"
	"github.com/ehr/fhirsync/internal/domain/record"
	"github.com/ehr/fhirsync/internal/platform/fhir"
)

// MappingError reports a resource that could not be turned into a record.
// It is scoped to that one resource.
type MappingError struct {
	ResourceType fhir.ResourceType
	ResourceID   string
	Field        string
	Reason       string
	Err          error
}

func (e *MappingError) Error() string {
	var b strings.Builder
	b.WriteString("map ")
	b.WriteString(string(e.ResourceType))
	if e.ResourceID != "" {
		b.WriteString("/" + e.ResourceID)
	}
	b.WriteString(": ")
	if e.Field != "" {
		b.WriteString(e.Field + ": ")
	}
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *MappingError) Unwrap() error { return e.Err }

// Result is the outcome of mapping one bundle entry. Exactly one of Record
// and Err is set.
type Result struct {
	ResourceType fhir.ResourceType
	ResourceID   string
	Raw          json.RawMessage
	Record       *record.Record
	Err          *MappingError
}

func (r Result) OK() bool { return r.Err == nil }

// mapFunc maps one decoded resource. m carries the resource identity for
// error reporting.
type mapFunc func(m *mapping, raw json.RawMessage) (*record.Record, error)

var mappers = map[fhir.ResourceType]mapFunc{
	fhir.ResourcePatient:            mapPatient,
	fhir.ResourceCondition:          mapCondition,
	fhir.ResourceMedicationRequest:  mapMedicationRequest,
	fhir.ResourceObservation:        mapObservation,
	fhir.ResourceAllergyIntolerance: mapAllergyIntolerance,
	fhir.ResourceImmunization:       mapImmunization,
	fhir.ResourceDiagnosticReport:   mapDiagnosticReport,
}

// Supports reports whether a mapping function exists for rt.
func Supports(rt fhir.ResourceType) bool {
	_, ok := mappers[rt]
	return ok
}

// Map converts one raw resource of type rt. The returned error is always a
// *MappingError.
func Map(rt fhir.ResourceType, raw json.RawMessage, conn *connection.Connection) (*record.Record, error) {
	fn, ok := mappers[rt]
	if !ok {
		return nil, &MappingError{ResourceType: rt, Reason: "unsupported resource type"}
	}
	head, err := fhir.PeekResourceType(raw)
	if err != nil {
		return nil, &MappingError{ResourceType: rt, Reason: "malformed resource", Err: err}
	}
	m := &mapping{rt: rt, id: head.ID, conn: conn}
	if head.ResourceType != string(rt) {
		return nil, m.fail("resourceType", fmt.Sprintf("expected %s, got %q", rt, head.ResourceType))
	}
	if strings.TrimSpace(head.ID) == "" {
		return nil, m.fail("id", "required")
	}
	rec, err := fn(m, raw)
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, m.wrap("", "invalid record", err)
	}
	return rec, nil
}

// MapBundle maps every search match of type rt in b. Entries of other types
// (included resources, OperationOutcome) are skipped without a result.
func MapBundle(rt fhir.ResourceType, b *fhir.Bundle, conn *connection.Connection) []Result {
	entries := b.MatchEntries()
	out := make([]Result, 0, len(entries))
	for _, e := range entries {
		head, err := fhir.PeekResourceType(e.Resource)
		if err == nil && head.ResourceType != string(rt) {
			continue
		}
		res := Result{ResourceType: rt, ResourceID: head.ID, Raw: e.Resource}
		rec, err := Map(rt, e.Resource, conn)
		var merr *MappingError
		switch {
		case errors.As(err, &merr):
			res.Err = merr
		case err != nil:
			res.Err = &MappingError{ResourceType: rt, ResourceID: head.ID, Reason: "mapping failed", Err: err}
		default:
			res.Record = rec
		}
		out = append(out, res)
	}
	return out
}

// mapping carries the identity of the resource being mapped.
type mapping struct {
	rt   fhir.ResourceType
	id   string
	conn *connection.Connection
}

func (m *mapping) fail(field, reason string) *MappingError {
	return &MappingError{ResourceType: m.rt, ResourceID: m.id, Field: field, Reason: reason}
}

func (m *mapping) wrap(field, reason string, err error) *MappingError {
	return &MappingError{ResourceType: m.rt, ResourceID: m.id, Field: field, Reason: reason, Err: err}
}

func decode[T any](m *mapping, raw json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, m.wrap("", "malformed resource", err)
	}
	return &v, nil
}

// checkPatient rejects resources that belong to a patient other than the
// connection's. An absent reference is accepted since the search itself was
// scoped to the patient.
func (m *mapping) checkPatient(field string, ref *fhir.Reference) error {
	if ref == nil || ref.Reference == "" {
		return nil
	}
	rt, id, ok := fhir.ParseReference(ref.Reference)
	if !ok {
		return m.fail(field, fmt.Sprintf("unresolvable reference %q", ref.Reference))
	}
	if rt != string(fhir.ResourcePatient) || id != m.conn.PatientID {
		return m.fail(field, fmt.Sprintf("references %s/%s, not the connected patient", rt, id))
	}
	return nil
}

func (m *mapping) date(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := fhir.ParseDateTime(s)
	if err != nil {
		return nil, m.wrap(field, "invalid date", err)
	}
	return t, nil
}

// newRecord builds the record envelope. Servers that omit meta.lastUpdated
// fall back to the resource's own clinical date.
func (m *mapping) newRecord(kind record.Kind, res fhir.Resource, clinicalDate *time.Time, payload interface{}) (*record.Record, error) {
	rec := &record.Record{
		ConnectionID:      m.conn.ID,
		Kind:              kind,
		ResourceType:      string(m.rt),
		FHIRReference:     res.ID,
		Source:            record.SourceFHIR,
		ServerVersion:     res.VersionID(),
		ServerLastUpdated: res.LastUpdated(),
	}
	if rec.ServerLastUpdated == nil && clinicalDate != nil {
		t := *clinicalDate
		rec.ServerLastUpdated = &t
		rec.LastUpdatedDerived = true
	}
	if err := rec.SetData(payload); err != nil {
		return nil, m.wrap("", "encode payload", err)
	}
	return rec, nil
}

func labels(ccs []fhir.CodeableConcept) []string {
	var out []string
	for i := range ccs {
		if l := ccs[i].Label(); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func notes(ns []fhir.Annotation) []string {
	var out []string
	for _, n := range ns {
		if s := strings.TrimSpace(n.Text); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstLabel(ccs []fhir.CodeableConcept) string {
	if l := labels(ccs); len(l) > 0 {
		return l[0]
	}
	return ""
}

// firstTime returns the first non-nil time.
func firstTime(ts ...*time.Time) *time.Time {
	for _, t := range ts {
		if t != nil {
			return t
		}
	}
	return nil
}
