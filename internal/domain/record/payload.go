package record

import (
	"time"

	"github.com/ehr/fhirsync/internal/platform/fhir"
)

// Code is a coded concept carried into a record.
type Code struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

func CodeFrom(c *fhir.Coding) *Code {
	if c == nil {
		return nil
	}
	return &Code{System: c.System, Code: c.Code, Display: c.Display}
}

type Condition struct {
	Name               string     `json:"name"`
	Code               *Code      `json:"code,omitempty"`
	ClinicalStatus     string     `json:"clinical_status,omitempty"`
	VerificationStatus string     `json:"verification_status,omitempty"`
	Severity           string     `json:"severity,omitempty"`
	Categories         []string   `json:"categories,omitempty"`
	BodySites          []string   `json:"body_sites,omitempty"`
	DiagnosedDate      *time.Time `json:"diagnosed_date,omitempty"`
	OnsetDate          *time.Time `json:"onset_date,omitempty"`
	OnsetText          string     `json:"onset_text,omitempty"`
	AbatementDate      *time.Time `json:"abatement_date,omitempty"`
	Notes              []string   `json:"notes,omitempty"`
}

type Medication struct {
	Name         string     `json:"name"`
	Code         *Code      `json:"code,omitempty"`
	Status       string     `json:"status,omitempty"`
	Intent       string     `json:"intent,omitempty"`
	Dosage       string     `json:"dosage,omitempty"`
	Instructions string     `json:"instructions,omitempty"`
	Route        string     `json:"route,omitempty"`
	AsNeeded     *bool      `json:"as_needed,omitempty"`
	AuthoredOn   *time.Time `json:"authored_on,omitempty"`
	Prescriber   string     `json:"prescriber,omitempty"`
	Reasons      []string   `json:"reasons,omitempty"`
	Notes        []string   `json:"notes,omitempty"`
}

type LabComponent struct {
	Name  string     `json:"name"`
	Code  *Code      `json:"code,omitempty"`
	Value fhir.Value `json:"value"`
}

type LabResult struct {
	Name           string         `json:"name"`
	Code           *Code          `json:"code,omitempty"`
	Status         string         `json:"status,omitempty"`
	Categories     []string       `json:"categories,omitempty"`
	Value          *fhir.Value    `json:"value,omitempty"`
	DataAbsent     string         `json:"data_absent,omitempty"`
	Interpretation string         `json:"interpretation,omitempty"`
	ReferenceRange string         `json:"reference_range,omitempty"`
	Components     []LabComponent `json:"components,omitempty"`
	EffectiveDate  *time.Time     `json:"effective_date,omitempty"`
	Issued         *time.Time     `json:"issued,omitempty"`
	// Results lists the Observation references grouped by a DiagnosticReport.
	Results    []string `json:"results,omitempty"`
	Conclusion string   `json:"conclusion,omitempty"`
	Notes      []string `json:"notes,omitempty"`
}

type Reaction struct {
	Manifestations []string `json:"manifestations,omitempty"`
	Substance      string   `json:"substance,omitempty"`
	Severity       string   `json:"severity,omitempty"`
}

type Allergy struct {
	Substance          string     `json:"substance"`
	Code               *Code      `json:"code,omitempty"`
	Type               string     `json:"type,omitempty"`
	Categories         []string   `json:"categories,omitempty"`
	Criticality        string     `json:"criticality,omitempty"`
	ClinicalStatus     string     `json:"clinical_status,omitempty"`
	VerificationStatus string     `json:"verification_status,omitempty"`
	Reactions          []Reaction `json:"reactions,omitempty"`
	OnsetDate          *time.Time `json:"onset_date,omitempty"`
	RecordedDate       *time.Time `json:"recorded_date,omitempty"`
	Notes              []string   `json:"notes,omitempty"`
}

type Vaccination struct {
	Name           string     `json:"name"`
	Code           *Code      `json:"code,omitempty"`
	Status         string     `json:"status,omitempty"`
	OccurrenceDate *time.Time `json:"occurrence_date,omitempty"`
	OccurrenceText string     `json:"occurrence_text,omitempty"`
	LotNumber      string     `json:"lot_number,omitempty"`
	Site           string     `json:"site,omitempty"`
	Route          string     `json:"route,omitempty"`
	Dose           string     `json:"dose,omitempty"`
	DoseNumber     string     `json:"dose_number,omitempty"`
	Series         string     `json:"series,omitempty"`
	PrimarySource  *bool      `json:"primary_source,omitempty"`
	Notes          []string   `json:"notes,omitempty"`
}

// Profile holds supplemental demographics from the Patient resource.
type Profile struct {
	Name        string     `json:"name,omitempty"`
	Gender      string     `json:"gender,omitempty"`
	BirthDate   *time.Time `json:"birth_date,omitempty"`
	Deceased    *bool      `json:"deceased,omitempty"`
	Identifiers []string   `json:"identifiers,omitempty"`
	Phones      []string   `json:"phones,omitempty"`
	Emails      []string   `json:"emails,omitempty"`
	Address     string     `json:"address,omitempty"`
}
