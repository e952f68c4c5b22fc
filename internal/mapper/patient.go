package mapper

import (
	"encoding/json"
	"strings"

	"github.com/ehr/fhirsync/internal/domain/record"
	"github.com/ehr/fhirsync/internal/platform/fhir"
)

// mapPatient produces the supplemental profile. Only the connected patient
// is accepted.
func mapPatient(m *mapping, raw json.RawMessage) (*record.Record, error) {
	p, err := decode[fhir.Patient](m, raw)
	if err != nil {
		return nil, err
	}
	if p.ID != m.conn.PatientID {
		return nil, m.fail("id", "is not the connected patient")
	}

	birth, err := m.date("birthDate", p.BirthDate)
	if err != nil {
		return nil, err
	}

	payload := record.Profile{
		Name:      patientName(p.Name),
		Gender:    p.Gender,
		BirthDate: birth,
		Deceased:  p.Deceased,
	}
	for _, id := range p.Identifier {
		if id.Value == "" {
			continue
		}
		if id.System != "" {
			payload.Identifiers = append(payload.Identifiers, id.System+"|"+id.Value)
		} else {
			payload.Identifiers = append(payload.Identifiers, id.Value)
		}
	}
	for _, t := range p.Telecom {
		switch t.System {
		case "phone", "sms":
			payload.Phones = append(payload.Phones, t.Value)
		case "email":
			payload.Emails = append(payload.Emails, t.Value)
		}
	}
	if len(p.Address) > 0 {
		payload.Address = formatAddress(p.Address[0])
	}
	return m.newRecord(record.KindProfile, p.Resource, nil, payload)
}

// patientName prefers the official name.
func patientName(names []fhir.HumanName) string {
	for _, n := range names {
		if n.Use == "official" {
			if s := n.Display(); s != "" {
				return s
			}
		}
	}
	for _, n := range names {
		if s := n.Display(); s != "" {
			return s
		}
	}
	return ""
}

func formatAddress(a fhir.Address) string {
	if a.Text != "" {
		return a.Text
	}
	parts := append([]string{}, a.Line...)
	for _, s := range []string{a.City, a.State, a.PostalCode, a.Country} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}
