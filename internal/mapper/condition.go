package mapper

import (
	"encoding/json"

	"github.com/ehr/fhirsync/internal/domain/record"
	"github.com/ehr/fhirsync/internal/platform/fhir"
)

// mapCondition names the condition from code.text, then the first
// coding.display, then the first coding.code. A Condition without any of
// them cannot be named and is rejected.
func mapCondition(m *mapping, raw json.RawMessage) (*record.Record, error) {
	c, err := decode[fhir.Condition](m, raw)
	if err != nil {
		return nil, err
	}
	if err := m.checkPatient("subject", c.Subject); err != nil {
		return nil, err
	}
	if c.Code == nil {
		return nil, m.fail("code", "required")
	}
	name := c.Code.Label()
	if name == "" {
		return nil, m.fail("code", "has no text, display or code")
	}

	recorded, err := m.date("recordedDate", c.RecordedDate)
	if err != nil {
		return nil, err
	}
	onset, err := m.date("onsetDateTime", c.OnsetDateTime)
	if err != nil {
		return nil, err
	}
	abatement, err := m.date("abatementDateTime", c.AbatementDateTime)
	if err != nil {
		return nil, err
	}

	payload := record.Condition{
		Name:          name,
		Code:          record.CodeFrom(c.Code.FirstCode()),
		Severity:      c.Severity.Label(),
		Categories:    labels(c.Category),
		BodySites:     labels(c.BodySite),
		DiagnosedDate: recorded,
		OnsetDate:     onset,
		OnsetText:     c.OnsetString,
		AbatementDate: abatement,
		Notes:         notes(c.Note),
	}
	if c.ClinicalStatus != nil {
		payload.ClinicalStatus = c.ClinicalStatus.StatusCode()
	}
	if c.VerificationStatus != nil {
		payload.VerificationStatus = c.VerificationStatus.StatusCode()
	}
	return m.newRecord(record.KindCondition, c.Resource, firstTime(recorded, onset), payload)
}
