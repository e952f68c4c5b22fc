package fhir

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChoiceValue holds the raw value[x] alternatives of an Observation (or an
// Observation component). At most one of them is set by a conforming server.
// Callers should not inspect the fields directly; Resolve turns them into a
// Value once.
type ChoiceValue struct {
	ValueQuantity        *Quantity        `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueString          *string          `json:"valueString,omitempty"`
	ValueBoolean         *bool            `json:"valueBoolean,omitempty"`
	ValueInteger         *int             `json:"valueInteger,omitempty"`
	ValueRange           *Range           `json:"valueRange,omitempty"`
	ValueRatio           *Ratio           `json:"valueRatio,omitempty"`
	ValueDateTime        *string          `json:"valueDateTime,omitempty"`
	ValuePeriod          *Period          `json:"valuePeriod,omitempty"`
	ValueTime            *string          `json:"valueTime,omitempty"`
}

// ValueKind tags a normalized Value.
type ValueKind string

const (
	ValueKindNone     ValueKind = ""
	ValueKindQuantity ValueKind = "quantity"
	ValueKindString   ValueKind = "string"
	ValueKindCode     ValueKind = "codeable"
	ValueKindBoolean  ValueKind = "boolean"
	ValueKindInteger  ValueKind = "integer"
	ValueKindRange    ValueKind = "range"
	ValueKindRatio    ValueKind = "ratio"
	ValueKindDateTime ValueKind = "datetime"
	ValueKindPeriod   ValueKind = "period"
)

// Value is the normalized form of value[x]. Which fields are meaningful
// depends on Kind:
//
//	quantity: Number, Unit, Comparator
//	string:   Text
//	codeable: Text, Code
//	boolean:  Bool
//	integer:  Number
//	range:    Low, High, Unit
//	ratio:    Number (numerator / denominator), Text ("n unit / d unit")
//	datetime: Text (raw), Time
//	period:   Text ("start/end"), Time (start)
type Value struct {
	Kind       ValueKind  `json:"kind"`
	Number     *float64   `json:"number,omitempty"`
	Unit       string     `json:"unit,omitempty"`
	Comparator string     `json:"comparator,omitempty"`
	Text       string     `json:"text,omitempty"`
	Code       *Coding    `json:"code,omitempty"`
	Bool       *bool      `json:"bool,omitempty"`
	Low        *float64   `json:"low,omitempty"`
	High       *float64   `json:"high,omitempty"`
	Time       *time.Time `json:"time,omitempty"`
}

// IsZero reports whether no value[x] was present.
func (v Value) IsZero() bool { return v.Kind == ValueKindNone }

// String renders the value for display.
func (v Value) String() string {
	switch v.Kind {
	case ValueKindQuantity, ValueKindInteger:
		if v.Number == nil {
			return ""
		}
		s := v.Comparator + strconv.FormatFloat(*v.Number, 'f', -1, 64)
		if v.Unit != "" {
			s += " " + v.Unit
		}
		return s
	case ValueKindBoolean:
		if v.Bool == nil {
			return ""
		}
		return strconv.FormatBool(*v.Bool)
	case ValueKindRange:
		var lo, hi string
		if v.Low != nil {
			lo = strconv.FormatFloat(*v.Low, 'f', -1, 64)
		}
		if v.High != nil {
			hi = strconv.FormatFloat(*v.High, 'f', -1, 64)
		}
		return strings.TrimSpace(fmt.Sprintf("%s-%s %s", lo, hi, v.Unit))
	default:
		return v.Text
	}
}

// Resolve converts the raw alternatives into a single Value. When a server
// sends more than one alternative the first in declaration order wins.
func (c ChoiceValue) Resolve() Value {
	switch {
	case c.ValueQuantity != nil:
		q := c.ValueQuantity
		unit := q.Unit
		if unit == "" {
			unit = q.Code
		}
		return Value{Kind: ValueKindQuantity, Number: q.Value, Unit: unit, Comparator: q.Comparator}
	case c.ValueCodeableConcept != nil:
		return Value{Kind: ValueKindCode, Text: c.ValueCodeableConcept.Label(), Code: c.ValueCodeableConcept.FirstCode()}
	case c.ValueString != nil:
		return Value{Kind: ValueKindString, Text: *c.ValueString}
	case c.ValueBoolean != nil:
		b := *c.ValueBoolean
		return Value{Kind: ValueKindBoolean, Bool: &b}
	case c.ValueInteger != nil:
		n := float64(*c.ValueInteger)
		return Value{Kind: ValueKindInteger, Number: &n}
	case c.ValueRange != nil:
		v := Value{Kind: ValueKindRange}
		if lo := c.ValueRange.Low; lo != nil {
			v.Low, v.Unit = lo.Value, lo.Unit
		}
		if hi := c.ValueRange.High; hi != nil {
			v.High = hi.Value
			if v.Unit == "" {
				v.Unit = hi.Unit
			}
		}
		return v
	case c.ValueRatio != nil:
		return resolveRatio(c.ValueRatio)
	case c.ValueDateTime != nil:
		v := Value{Kind: ValueKindDateTime, Text: *c.ValueDateTime}
		if t, err := ParseDateTime(*c.ValueDateTime); err == nil {
			v.Time = t
		}
		return v
	case c.ValueTime != nil:
		return Value{Kind: ValueKindString, Text: *c.ValueTime}
	case c.ValuePeriod != nil:
		v := Value{Kind: ValueKindPeriod, Text: c.ValuePeriod.Start + "/" + c.ValuePeriod.End}
		if t, err := ParseDateTime(c.ValuePeriod.Start); err == nil {
			v.Time = t
		}
		return v
	}
	return Value{}
}

func resolveRatio(r *Ratio) Value {
	v := Value{Kind: ValueKindRatio}
	format := func(q *Quantity) string {
		if q == nil || q.Value == nil {
			return "?"
		}
		s := strconv.FormatFloat(*q.Value, 'f', -1, 64)
		if q.Unit != "" {
			s += " " + q.Unit
		}
		return s
	}
	v.Text = format(r.Numerator) + " / " + format(r.Denominator)
	if r.Numerator != nil && r.Denominator != nil && r.Numerator.Value != nil &&
		r.Denominator.Value != nil && *r.Denominator.Value != 0 {
		n := *r.Numerator.Value / *r.Denominator.Value
		v.Number = &n
	}
	return v
}
