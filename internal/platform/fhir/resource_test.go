package fhir

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCodeableConcept_Label(t *testing.T) {
	tests := []struct {
		name string
		cc   *CodeableConcept
		want string
	}{
		{"nil", nil, ""},
		{"text wins", &CodeableConcept{Text: " Asthma ", Coding: []Coding{{Display: "Asthma (disorder)"}}}, "Asthma"},
		{"display", &CodeableConcept{Coding: []Coding{{Code: "195967001"}, {Display: "Asthma (disorder)"}}}, "Asthma (disorder)"},
		{"code", &CodeableConcept{Coding: []Coding{{System: "http://snomed.info/sct", Code: "195967001"}}}, "195967001"},
		{"empty", &CodeableConcept{}, ""},
	}
	for _, tt := range tests {
		if got := tt.cc.Label(); got != tt.want {
			t.Errorf("%s: Label() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestCodeableConcept_StatusCode(t *testing.T) {
	cc := &CodeableConcept{Text: "Active", Coding: []Coding{{Display: "no code"}, {Code: "active"}}}
	if got := cc.StatusCode(); got != "active" {
		t.Errorf("expected active, got %q", got)
	}
	if got := (&CodeableConcept{Text: "resolved"}).StatusCode(); got != "resolved" {
		t.Errorf("expected text fallback, got %q", got)
	}
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		ref    string
		rt, id string
		ok     bool
	}{
		{"Patient/123", "Patient", "123", true},
		{"https://fhir.example.com/r4/Patient/123/_history/2", "Patient", "123", true},
		{"#contained-1", "", "", false},
		{"Patient", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		rt, id, ok := ParseReference(tt.ref)
		if rt != tt.rt || id != tt.id || ok != tt.ok {
			t.Errorf("ParseReference(%q) = (%q, %q, %v), want (%q, %q, %v)", tt.ref, rt, id, ok, tt.rt, tt.id, tt.ok)
		}
	}
	if got := FormatReference("Patient", "123"); got != "Patient/123" {
		t.Errorf("FormatReference = %q", got)
	}
}

func TestHumanName_Display(t *testing.T) {
	if got := (HumanName{Given: []string{"Ada", "M"}, Family: "Park"}).Display(); got != "Ada M Park" {
		t.Errorf("got %q", got)
	}
	if got := (HumanName{Text: "Dr. Ada Park", Family: "Park"}).Display(); got != "Dr. Ada Park" {
		t.Errorf("expected text to win, got %q", got)
	}
}

func TestPeekResourceType_Meta(t *testing.T) {
	raw := json.RawMessage(`{"resourceType":"Condition","id":"c1","meta":{"versionId":"3","lastUpdated":"2024-01-02T03:04:05+02:00"},"code":{"text":"x"}}`)
	r, err := PeekResourceType(raw)
	if err != nil {
		t.Fatal(err)
	}
	if r.ResourceType != "Condition" || r.ID != "c1" || r.VersionID() != "3" {
		t.Errorf("unexpected header %+v", r)
	}
	want := time.Date(2024, 1, 2, 1, 4, 5, 0, time.UTC)
	if lu := r.LastUpdated(); lu == nil || !lu.Equal(want) || lu.Location() != time.UTC {
		t.Errorf("expected %s in UTC, got %v", want, lu)
	}

	bare, _ := PeekResourceType(json.RawMessage(`{"resourceType":"Patient","id":"p"}`))
	if bare.LastUpdated() != nil || bare.VersionID() != "" {
		t.Error("expected no meta")
	}
}

func TestOperationOutcome_Summary(t *testing.T) {
	oo := ParseOperationOutcome([]byte(`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"throttled","diagnostics":"slow down"}]}`))
	if oo == nil || oo.Summary() != "throttled: slow down" {
		t.Errorf("unexpected summary %v", oo)
	}
	if ParseOperationOutcome([]byte(`{"resourceType":"Patient"}`)) != nil {
		t.Error("expected nil for a non-outcome body")
	}
	details := &OperationOutcome{Issue: []OperationOutcomeIssue{{Code: "forbidden", Details: &CodeableConcept{Text: "no scope"}}}}
	if got := details.Summary(); got != "forbidden: no scope" {
		t.Errorf("got %q", got)
	}
}

func TestResourceType(t *testing.T) {
	if _, err := ParseResourceType("Encounter"); err == nil {
		t.Error("expected Encounter to be rejected")
	}
	rt, err := ParseResourceType("Condition")
	if err != nil || rt != ResourceCondition {
		t.Fatalf("unexpected %v %v", rt, err)
	}
	if ResourcePatient.PatientSearchParam() != "_id" || ResourceCondition.PatientSearchParam() != "patient" {
		t.Error("unexpected patient search params")
	}
	for _, rt := range DefaultImportOrder {
		if !rt.IsKnown() {
			t.Errorf("%s in the default order is not known", rt)
		}
	}
	if DefaultImportOrder[0] != ResourcePatient {
		t.Error("expected Patient first")
	}
}

func TestParseDateTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2020", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2020-04", time.Date(2020, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"2020-04-15", time.Date(2020, 4, 15, 0, 0, 0, 0, time.UTC)},
		{"2020-04-15T10:00:00-05:00", time.Date(2020, 4, 15, 15, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseDateTime(tt.in)
		if err != nil || !got.Equal(tt.want) {
			t.Errorf("ParseDateTime(%q) = %v, %v; want %s", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseDateTime("04/15/2020"); err == nil {
		t.Error("expected an error for a non-FHIR date")
	}
	if got := FirstDateTime("", "bad", "2021"); got == nil || got.Year() != 2021 {
		t.Errorf("unexpected FirstDateTime %v", got)
	}
	if got := FormatInstant(time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))); got != "2024-01-01T11:00:00Z" {
		t.Errorf("FormatInstant = %s", got)
	}
}
