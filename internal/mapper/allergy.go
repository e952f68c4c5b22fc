package mapper

import (
	"encoding/json"

	"github.com/ehr/fhirsync/internal/domain/record"
	"github.com/ehr/fhirsync/internal/platform/fhir"
)

// mapAllergyIntolerance takes the substance from code, falling back to the
// substance of the first reaction that names one.
func mapAllergyIntolerance(m *mapping, raw json.RawMessage) (*record.Record, error) {
	a, err := decode[fhir.AllergyIntolerance](m, raw)
	if err != nil {
		return nil, err
	}
	if err := m.checkPatient("patient", a.Patient); err != nil {
		return nil, err
	}

	substance := a.Code.Label()
	code := record.CodeFrom(a.Code.FirstCode())
	if substance == "" {
		for _, r := range a.Reaction {
			if s := r.Substance.Label(); s != "" {
				substance = s
				code = record.CodeFrom(r.Substance.FirstCode())
				break
			}
		}
	}
	if substance == "" {
		return nil, m.fail("code", "required")
	}

	onset, err := m.date("onsetDateTime", a.OnsetDateTime)
	if err != nil {
		return nil, err
	}
	recorded, err := m.date("recordedDate", a.RecordedDate)
	if err != nil {
		return nil, err
	}

	payload := record.Allergy{
		Substance:          substance,
		Code:               code,
		Type:               a.Type,
		Categories:         a.Category,
		Criticality:        a.Criticality,
		ClinicalStatus:     a.ClinicalStatus.StatusCode(),
		VerificationStatus: a.VerificationStatus.StatusCode(),
		OnsetDate:          onset,
		RecordedDate:       recorded,
		Notes:              notes(a.Note),
	}
	for _, r := range a.Reaction {
		payload.Reactions = append(payload.Reactions, record.Reaction{
			Manifestations: labels(r.Manifestation),
			Substance:      r.Substance.Label(),
			Severity:       r.Severity,
		})
	}
	return m.newRecord(record.KindAllergy, a.Resource, firstTime(recorded, onset), payload)
}
