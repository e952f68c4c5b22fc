package mapper

import (
	"encoding/json"

	"github.com/ehr/fhirsync/internal/domain/record"
	"github.com/ehr/fhirsync/internal/platform/fhir"
)

// mapDiagnosticReport produces a lab result that groups Observations by
// reference. The referenced Observations are imported on their own.
func mapDiagnosticReport(m *mapping, raw json.RawMessage) (*record.Record, error) {
	dr, err := decode[fhir.DiagnosticReport](m, raw)
	if err != nil {
		return nil, err
	}
	if err := m.checkPatient("subject", dr.Subject); err != nil {
		return nil, err
	}
	if dr.Code == nil || dr.Code.Label() == "" {
		return nil, m.fail("code", "required")
	}

	effective, err := m.effective(dr.EffectiveDateTime, dr.EffectivePeriod)
	if err != nil {
		return nil, err
	}
	issued, err := m.date("issued", dr.Issued)
	if err != nil {
		return nil, err
	}

	payload := record.LabResult{
		Name:          dr.Code.Label(),
		Code:          record.CodeFrom(dr.Code.FirstCode()),
		Status:        dr.Status,
		Categories:    labels(dr.Category),
		EffectiveDate: effective,
		Issued:        issued,
		Conclusion:    dr.Conclusion,
	}
	if payload.Conclusion == "" {
		payload.Conclusion = firstLabel(dr.ConclusionCode)
	}
	for _, r := range dr.Result {
		if r.Reference != "" {
			payload.Results = append(payload.Results, r.Reference)
		}
	}
	return m.newRecord(record.KindLabResult, dr.Resource, firstTime(effective, issued), payload)
}
