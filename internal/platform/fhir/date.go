package fhir

import (
	"fmt"
	"strings"
	"time"
)

// FHIR date/dateTime values may be partial ("2020", "2020-04") or carry a
// time with zone. Layouts are tried from most to least precise.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// ParseDateTime parses a FHIR date, dateTime or instant. Partial dates resolve
// to the first instant of the period in UTC.
func ParseDateTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty date")
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u, nil
		}
	}
	return nil, fmt.Errorf("invalid FHIR dateTime %q", s)
}

// FirstDateTime returns the first of candidates that parses, or nil.
func FirstDateTime(candidates ...string) *time.Time {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if t, err := ParseDateTime(c); err == nil {
			return t
		}
	}
	return nil
}

// FormatInstant renders t the way the _lastUpdated search parameter expects.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
