package mapper

import (
	"encoding/json"

	"github.com/ehr/fhirsync/internal/domain/record"
	"github.com/ehr/fhirsync/internal/platform/fhir"
)

func mapMedicationRequest(m *mapping, raw json.RawMessage) (*record.Record, error) {
	mr, err := decode[fhir.MedicationRequest](m, raw)
	if err != nil {
		return nil, err
	}
	if err := m.checkPatient("subject", mr.Subject); err != nil {
		return nil, err
	}

	var name string
	var code *record.Code
	switch {
	case mr.MedicationCodeableConcept != nil:
		name = mr.MedicationCodeableConcept.Label()
		code = record.CodeFrom(mr.MedicationCodeableConcept.FirstCode())
	case mr.MedicationReference != nil:
		name = mr.MedicationReference.Display
	}
	if name == "" {
		return nil, m.fail("medication[x]", "required")
	}

	authored, err := m.date("authoredOn", mr.AuthoredOn)
	if err != nil {
		return nil, err
	}

	payload := record.Medication{
		Name:       name,
		Code:       code,
		Status:     mr.Status,
		Intent:     mr.Intent,
		AuthoredOn: authored,
		Reasons:    labels(mr.ReasonCode),
		Notes:      notes(mr.Note),
	}
	if mr.Requester != nil {
		payload.Prescriber = mr.Requester.Display
	}
	if len(mr.DosageInstruction) > 0 {
		d := mr.DosageInstruction[0]
		payload.Dosage = d.Text
		payload.Instructions = d.PatientInstruction
		payload.Route = d.Route.Label()
		payload.AsNeeded = d.AsNeededBoolean
	}
	return m.newRecord(record.KindMedication, mr.Resource, authored, payload)
}
