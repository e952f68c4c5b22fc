package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// LinkURL returns the URL of the link with the given relation, or "".
func (b *Bundle) LinkURL(relation string) string {
	if b == nil {
		return ""
	}
	for _, l := range b.Link {
		if l.Relation == relation {
			return l.URL
		}
	}
	return ""
}

// NextURL returns the next page link, or "" on the last page.
func (b *Bundle) NextURL() string {
	return b.LinkURL("next")
}

// MatchEntries returns the entries that are search matches. Entries with
// search.mode "include" or "outcome" are dropped; entries without a search
// element are kept.
func (b *Bundle) MatchEntries() []BundleEntry {
	if b == nil {
		return nil
	}
	out := make([]BundleEntry, 0, len(b.Entry))
	for _, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		if e.Search != nil && e.Search.Mode != "" && e.Search.Mode != "match" {
			continue
		}
		out = append(out, e)
	}
	return out
}

// DecodeBundle parses a searchset body and rejects anything that is not a
// Bundle, surfacing an OperationOutcome when the server sent one instead.
func DecodeBundle(body []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		if oo := ParseOperationOutcome(body); oo != nil {
			return nil, fmt.Errorf("server returned OperationOutcome: %s", oo.Summary())
		}
		return nil, fmt.Errorf("expected Bundle, got resourceType %q", b.ResourceType)
	}
	return &b, nil
}

// SearchsetPage describes one page of a searchset built by NewSearchsetPage.
type SearchsetPage struct {
	SelfURL string
	NextURL string
	BaseURL string
	Total   int
}

// NewSearchsetPage creates a searchset Bundle from raw resources, setting
// fullUrl per entry and self/next links.
func NewSearchsetPage(resources []json.RawMessage, page SearchsetPage) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, raw := range resources {
		entries[i] = BundleEntry{
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		}
		if r, err := PeekResourceType(raw); err == nil && r.ID != "" {
			entries[i].FullURL = fmt.Sprintf("%s/%s/%s", page.BaseURL, r.ResourceType, r.ID)
		}
	}
	links := []BundleLink{{Relation: "self", URL: page.SelfURL}}
	if page.NextURL != "" {
		links = append(links, BundleLink{Relation: "next", URL: page.NextURL})
	}
	total := page.Total
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         links,
		Entry:        entries,
	}
}
