package mapper

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/fhirsync/internal/domain/record"
	"github.com/ehr/fhirsync/internal/platform/fhir"
)

func mapObservation(m *mapping, raw json.RawMessage) (*record.Record, error) {
	o, err := decode[fhir.Observation](m, raw)
	if err != nil {
		return nil, err
	}
	if err := m.checkPatient("subject", o.Subject); err != nil {
		return nil, err
	}
	if o.Code == nil || o.Code.Label() == "" {
		return nil, m.fail("code", "required")
	}

	effective, err := m.effective(o.EffectiveDateTime, o.EffectivePeriod)
	if err != nil {
		return nil, err
	}
	issued, err := m.date("issued", o.Issued)
	if err != nil {
		return nil, err
	}

	payload := record.LabResult{
		Name:           o.Code.Label(),
		Code:           record.CodeFrom(o.Code.FirstCode()),
		Status:         o.Status,
		Categories:     labels(o.Category),
		DataAbsent:     o.DataAbsentReason.Label(),
		Interpretation: firstLabel(o.Interpretation),
		EffectiveDate:  effective,
		Issued:         issued,
		Notes:          notes(o.Note),
	}
	if v := o.Resolve(); !v.IsZero() {
		payload.Value = &v
	}
	if len(o.ReferenceRange) > 0 {
		payload.ReferenceRange = formatRange(o.ReferenceRange[0])
	}
	for _, c := range o.Component {
		payload.Components = append(payload.Components, record.LabComponent{
			Name:  c.Code.Label(),
			Code:  record.CodeFrom(c.Code.FirstCode()),
			Value: c.Resolve(),
		})
	}
	return m.newRecord(record.KindLabResult, o.Resource, firstTime(effective, issued), payload)
}

func (m *mapping) effective(dateTime string, period *fhir.Period) (*time.Time, error) {
	if dateTime != "" {
		return m.date("effectiveDateTime", dateTime)
	}
	if period != nil {
		return m.date("effectivePeriod.start", period.Start)
	}
	return nil, nil
}

func formatRange(rr fhir.ReferenceRange) string {
	if rr.Text != "" {
		return rr.Text
	}
	num := func(q *fhir.Quantity) string {
		if q == nil || q.Value == nil {
			return ""
		}
		return strconv.FormatFloat(*q.Value, 'f', -1, 64)
	}
	lo, hi := num(rr.Low), num(rr.High)
	if lo == "" && hi == "" {
		return ""
	}
	unit := ""
	if rr.Low != nil && rr.Low.Unit != "" {
		unit = rr.Low.Unit
	} else if rr.High != nil {
		unit = rr.High.Unit
	}
	var s string
	switch {
	case lo == "":
		s = "<=" + hi
	case hi == "":
		s = ">=" + lo
	default:
		s = lo + "-" + hi
	}
	return strings.TrimSpace(s + " " + unit)
}
