package fhir

// Resource shapes consumed by the mapper. Only the elements the import
// contract reads are declared; unknown elements are ignored on decode.

type Patient struct {
	Resource
	Identifier []Identifier   `json:"identifier,omitempty"`
	Active     *bool          `json:"active,omitempty"`
	Name       []HumanName    `json:"name,omitempty"`
	Telecom    []ContactPoint `json:"telecom,omitempty"`
	Gender     string         `json:"gender,omitempty"`
	BirthDate  string         `json:"birthDate,omitempty"`
	Deceased   *bool          `json:"deceasedBoolean,omitempty"`
	Address    []Address      `json:"address,omitempty"`
}

type Condition struct {
	Resource
	ClinicalStatus     *CodeableConcept  `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept  `json:"verificationStatus,omitempty"`
	Category           []CodeableConcept `json:"category,omitempty"`
	Severity           *CodeableConcept  `json:"severity,omitempty"`
	Code               *CodeableConcept  `json:"code,omitempty"`
	BodySite           []CodeableConcept `json:"bodySite,omitempty"`
	Subject            *Reference        `json:"subject,omitempty"`
	OnsetDateTime      string            `json:"onsetDateTime,omitempty"`
	OnsetString        string            `json:"onsetString,omitempty"`
	AbatementDateTime  string            `json:"abatementDateTime,omitempty"`
	RecordedDate       string            `json:"recordedDate,omitempty"`
	Note               []Annotation      `json:"note,omitempty"`
}

type Dosage struct {
	Text               string           `json:"text,omitempty"`
	PatientInstruction string           `json:"patientInstruction,omitempty"`
	Route              *CodeableConcept `json:"route,omitempty"`
	AsNeededBoolean    *bool            `json:"asNeededBoolean,omitempty"`
}

type MedicationRequest struct {
	Resource
	Status                    string            `json:"status,omitempty"`
	Intent                    string            `json:"intent,omitempty"`
	MedicationCodeableConcept *CodeableConcept  `json:"medicationCodeableConcept,omitempty"`
	MedicationReference       *Reference        `json:"medicationReference,omitempty"`
	Subject                   *Reference        `json:"subject,omitempty"`
	AuthoredOn                string            `json:"authoredOn,omitempty"`
	Requester                 *Reference        `json:"requester,omitempty"`
	ReasonCode                []CodeableConcept `json:"reasonCode,omitempty"`
	DosageInstruction         []Dosage          `json:"dosageInstruction,omitempty"`
	Note                      []Annotation      `json:"note,omitempty"`
}

type ReferenceRange struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
	Text string    `json:"text,omitempty"`
}

type ObservationComponent struct {
	Code *CodeableConcept `json:"code,omitempty"`
	ChoiceValue
	Interpretation []CodeableConcept `json:"interpretation,omitempty"`
}

type Observation struct {
	Resource
	Status            string            `json:"status,omitempty"`
	Category          []CodeableConcept `json:"category,omitempty"`
	Code              *CodeableConcept  `json:"code,omitempty"`
	Subject           *Reference        `json:"subject,omitempty"`
	EffectiveDateTime string            `json:"effectiveDateTime,omitempty"`
	EffectivePeriod   *Period           `json:"effectivePeriod,omitempty"`
	Issued            string            `json:"issued,omitempty"`
	ChoiceValue
	DataAbsentReason *CodeableConcept       `json:"dataAbsentReason,omitempty"`
	Interpretation   []CodeableConcept      `json:"interpretation,omitempty"`
	ReferenceRange   []ReferenceRange       `json:"referenceRange,omitempty"`
	Component        []ObservationComponent `json:"component,omitempty"`
	Note             []Annotation           `json:"note,omitempty"`
}

type AllergyReaction struct {
	Substance     *CodeableConcept  `json:"substance,omitempty"`
	Manifestation []CodeableConcept `json:"manifestation,omitempty"`
	Severity      string            `json:"severity,omitempty"`
	Onset         string            `json:"onset,omitempty"`
}

type AllergyIntolerance struct {
	Resource
	ClinicalStatus     *CodeableConcept  `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept  `json:"verificationStatus,omitempty"`
	Type               string            `json:"type,omitempty"`
	Category           []string          `json:"category,omitempty"`
	Criticality        string            `json:"criticality,omitempty"`
	Code               *CodeableConcept  `json:"code,omitempty"`
	Patient            *Reference        `json:"patient,omitempty"`
	OnsetDateTime      string            `json:"onsetDateTime,omitempty"`
	RecordedDate       string            `json:"recordedDate,omitempty"`
	Reaction           []AllergyReaction `json:"reaction,omitempty"`
	Note               []Annotation      `json:"note,omitempty"`
}

type ImmunizationProtocol struct {
	Series                 string `json:"series,omitempty"`
	DoseNumberPositiveInt  *int   `json:"doseNumberPositiveInt,omitempty"`
	DoseNumberString       string `json:"doseNumberString,omitempty"`
	SeriesDosesPositiveInt *int   `json:"seriesDosesPositiveInt,omitempty"`
}

type Immunization struct {
	Resource
	Status             string                 `json:"status,omitempty"`
	VaccineCode        *CodeableConcept       `json:"vaccineCode,omitempty"`
	Patient            *Reference             `json:"patient,omitempty"`
	OccurrenceDateTime string                 `json:"occurrenceDateTime,omitempty"`
	OccurrenceString   string                 `json:"occurrenceString,omitempty"`
	Recorded           string                 `json:"recorded,omitempty"`
	PrimarySource      *bool                  `json:"primarySource,omitempty"`
	LotNumber          string                 `json:"lotNumber,omitempty"`
	Site               *CodeableConcept       `json:"site,omitempty"`
	Route              *CodeableConcept       `json:"route,omitempty"`
	DoseQuantity       *Quantity              `json:"doseQuantity,omitempty"`
	ProtocolApplied    []ImmunizationProtocol `json:"protocolApplied,omitempty"`
	Note               []Annotation           `json:"note,omitempty"`
}

type DiagnosticReport struct {
	Resource
	Status            string            `json:"status,omitempty"`
	Category          []CodeableConcept `json:"category,omitempty"`
	Code              *CodeableConcept  `json:"code,omitempty"`
	Subject           *Reference        `json:"subject,omitempty"`
	EffectiveDateTime string            `json:"effectiveDateTime,omitempty"`
	EffectivePeriod   *Period           `json:"effectivePeriod,omitempty"`
	Issued            string            `json:"issued,omitempty"`
	Result            []Reference       `json:"result,omitempty"`
	Conclusion        string            `json:"conclusion,omitempty"`
	ConclusionCode    []CodeableConcept `json:"conclusionCode,omitempty"`
}
