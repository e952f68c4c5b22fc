package mapper

import (
	"encoding/json"
	"strconv"

	"github.com/ehr/fhirsync/internal/domain/record"
	"github.com/ehr/fhirsync/internal/platform/fhir"
)

func mapImmunization(m *mapping, raw json.RawMessage) (*record.Record, error) {
	im, err := decode[fhir.Immunization](m, raw)
	if err != nil {
		return nil, err
	}
	if err := m.checkPatient("patient", im.Patient); err != nil {
		return nil, err
	}
	if im.VaccineCode == nil || im.VaccineCode.Label() == "" {
		return nil, m.fail("vaccineCode", "required")
	}

	occurred, err := m.date("occurrenceDateTime", im.OccurrenceDateTime)
	if err != nil {
		return nil, err
	}
	recorded, err := m.date("recorded", im.Recorded)
	if err != nil {
		return nil, err
	}

	payload := record.Vaccination{
		Name:           im.VaccineCode.Label(),
		Code:           record.CodeFrom(im.VaccineCode.FirstCode()),
		Status:         im.Status,
		OccurrenceDate: occurred,
		OccurrenceText: im.OccurrenceString,
		LotNumber:      im.LotNumber,
		Site:           im.Site.Label(),
		Route:          im.Route.Label(),
		PrimarySource:  im.PrimarySource,
		Notes:          notes(im.Note),
	}
	if q := im.DoseQuantity; q != nil && q.Value != nil {
		v := fhir.ChoiceValue{ValueQuantity: q}
		payload.Dose = v.Resolve().String()
	}
	if len(im.ProtocolApplied) > 0 {
		p := im.ProtocolApplied[0]
		payload.Series = p.Series
		switch {
		case p.DoseNumberPositiveInt != nil:
			payload.DoseNumber = strconv.Itoa(*p.DoseNumberPositiveInt)
		default:
			payload.DoseNumber = p.DoseNumberString
		}
		if p.SeriesDosesPositiveInt != nil && payload.DoseNumber != "" {
			payload.DoseNumber += " of " + strconv.Itoa(*p.SeriesDosesPositiveInt)
		}
	}
	return m.newRecord(record.KindVaccination, im.Resource, firstTime(occurred, recorded), payload)
}
