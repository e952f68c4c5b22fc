package fhir

import "fmt"

// ResourceType names a FHIR resource type the import pipeline understands.
type ResourceType string

const (
	ResourcePatient            ResourceType = "Patient"
	ResourceCondition          ResourceType = "Condition"
	ResourceMedicationRequest  ResourceType = "MedicationRequest"
	ResourceObservation        ResourceType = "Observation"
	ResourceAllergyIntolerance ResourceType = "AllergyIntolerance"
	ResourceImmunization       ResourceType = "Immunization"
	ResourceDiagnosticReport   ResourceType = "DiagnosticReport"
)

// DefaultImportOrder is the order resource types are imported in when a
// provider does not specify one. Patient comes first so the profile exists
// before clinical data.
var DefaultImportOrder = []ResourceType{
	ResourcePatient,
	ResourceCondition,
	ResourceMedicationRequest,
	ResourceAllergyIntolerance,
	ResourceImmunization,
	ResourceObservation,
	ResourceDiagnosticReport,
}

var knownResourceTypes = map[ResourceType]bool{
	ResourcePatient:            true,
	ResourceCondition:          true,
	ResourceMedicationRequest:  true,
	ResourceObservation:        true,
	ResourceAllergyIntolerance: true,
	ResourceImmunization:       true,
	ResourceDiagnosticReport:   true,
}

// IsKnown reports whether rt is one of the types enumerated above.
func (rt ResourceType) IsKnown() bool {
	return knownResourceTypes[rt]
}

func (rt ResourceType) String() string { return string(rt) }

// ParseResourceType validates s as a known resource type.
func ParseResourceType(s string) (ResourceType, error) {
	rt := ResourceType(s)
	if !rt.IsKnown() {
		return "", fmt.Errorf("unsupported resource type %q", s)
	}
	return rt, nil
}

// PatientSearchParam returns the search parameter that scopes a search of rt
// to a single patient.
func (rt ResourceType) PatientSearchParam() string {
	if rt == ResourcePatient {
		return "_id"
	}
	return "patient"
}
