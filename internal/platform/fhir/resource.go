package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Resource is the base FHIR resource representation shared by every
// resource shape this package decodes.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Profile     []string   `json:"profile,omitempty"`
}

// LastUpdated returns meta.lastUpdated or nil when the server omitted it.
func (r Resource) LastUpdated() *time.Time {
	if r.Meta == nil || r.Meta.LastUpdated == nil || r.Meta.LastUpdated.IsZero() {
		return nil
	}
	t := r.Meta.LastUpdated.UTC()
	return &t
}

// VersionID returns meta.versionId or "".
func (r Resource) VersionID() string {
	if r.Meta == nil {
		return ""
	}
	return r.Meta.VersionID
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Label returns the human readable label of the concept: text, then the first
// coding display, then the first coding code.
func (cc *CodeableConcept) Label() string {
	if cc == nil {
		return ""
	}
	if s := strings.TrimSpace(cc.Text); s != "" {
		return s
	}
	for _, c := range cc.Coding {
		if s := strings.TrimSpace(c.Display); s != "" {
			return s
		}
	}
	for _, c := range cc.Coding {
		if s := strings.TrimSpace(c.Code); s != "" {
			return s
		}
	}
	return ""
}

// FirstCode returns the first coding carrying a code, or nil.
func (cc *CodeableConcept) FirstCode() *Coding {
	if cc == nil {
		return nil
	}
	for i := range cc.Coding {
		if cc.Coding[i].Code != "" {
			c := cc.Coding[i]
			return &c
		}
	}
	return nil
}

// StatusCode returns the first coding code, falling back to text. It is used
// for status-like concepts (clinicalStatus, verificationStatus) that are
// copied verbatim.
func (cc *CodeableConcept) StatusCode() string {
	if cc == nil {
		return ""
	}
	if c := cc.FirstCode(); c != nil {
		return c.Code
	}
	return cc.Text
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// FormatReference builds a relative reference such as "Patient/123".
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// ParseReference splits a relative or absolute reference into its resource
// type and id. "https://x/fhir/Patient/1/_history/2" yields ("Patient", "1").
func ParseReference(ref string) (resourceType, id string, ok bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", "", false
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(strings.TrimRight(ref, "/"), "/")
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[len(parts)-2], parts[len(parts)-1], true
}

type Identifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

// Display renders the name as "Given Family" unless text is provided.
func (n HumanName) Display() string {
	if s := strings.TrimSpace(n.Text); s != "" {
		return s
	}
	parts := append([]string{}, n.Given...)
	if n.Family != "" {
		parts = append(parts, n.Family)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

type Address struct {
	Use        string   `json:"use,omitempty"`
	Text       string   `json:"text,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

type ContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
	Rank   int    `json:"rank,omitempty"`
}

// Period keeps start/end as raw FHIR dateTime strings; partial dates such as
// "2021-03" are legal and are parsed with ParseDateTime when needed.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Quantity struct {
	Value      *float64 `json:"value,omitempty"`
	Comparator string   `json:"comparator,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	System     string   `json:"system,omitempty"`
	Code       string   `json:"code,omitempty"`
}

type Range struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
}

type Ratio struct {
	Numerator   *Quantity `json:"numerator,omitempty"`
	Denominator *Quantity `json:"denominator,omitempty"`
}

type Annotation struct {
	Text string `json:"text"`
	Time string `json:"time,omitempty"`
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

// Summary returns the first issue as "code: diagnostics" for error messages.
func (o *OperationOutcome) Summary() string {
	if o == nil || len(o.Issue) == 0 {
		return ""
	}
	iss := o.Issue[0]
	msg := iss.Diagnostics
	if msg == "" && iss.Details != nil {
		msg = iss.Details.Label()
	}
	if msg == "" {
		return iss.Code
	}
	return iss.Code + ": " + msg
}

// ParseOperationOutcome decodes body as an OperationOutcome. It returns nil
// when body is not one.
func ParseOperationOutcome(body []byte) *OperationOutcome {
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil || oo.ResourceType != "OperationOutcome" {
		return nil
	}
	return &oo
}

// PeekResourceType reads only the resourceType and id of a raw resource.
func PeekResourceType(raw json.RawMessage) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		return Resource{}, err
	}
	return r, nil
}
