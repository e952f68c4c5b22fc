package provider

import (
	"encoding/json"
	"fmt"

	"github.com/gofhir/fhirpath"

	"github.com/ehr/fhirsync/internal/platform/fhir"
)

type compiledRule struct {
	source string
	expr   *fhirpath.Expression
}

// Filter evaluates a provider's exclusion rules against raw resources.
// The zero value excludes nothing.
type Filter struct {
	rules map[fhir.ResourceType][]compiledRule
}

// NewFilter compiles the FHIRPath expressions of rules.
func NewFilter(rules []ExcludeRule) (*Filter, error) {
	f := &Filter{rules: make(map[fhir.ResourceType][]compiledRule)}
	for _, r := range rules {
		if r.Expression == "" {
			continue
		}
		rt, err := fhir.ParseResourceType(r.ResourceType)
		if err != nil {
			return nil, fmt.Errorf("exclude rule: %w", err)
		}
		expr, err := fhirpath.Compile(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("exclude rule for %s: compile %q: %w", rt, r.Expression, err)
		}
		f.rules[rt] = append(f.rules[rt], compiledRule{source: r.Expression, expr: expr})
	}
	return f, nil
}

// Len returns the number of compiled rules.
func (f *Filter) Len() int {
	n := 0
	for _, rs := range f.rules {
		n += len(rs)
	}
	return n
}

// Excludes reports whether raw matches any exclusion rule for rt. An empty
// result or a non-boolean result does not exclude. The returned string is the
// matching expression.
func (f *Filter) Excludes(rt fhir.ResourceType, raw json.RawMessage) (bool, string, error) {
	if f == nil || len(f.rules[rt]) == 0 {
		return false, "", nil
	}
	for _, r := range f.rules[rt] {
		res, err := r.expr.Evaluate(raw)
		if err != nil {
			return false, r.source, fmt.Errorf("evaluate %q: %w", r.source, err)
		}
		if res.Empty() {
			continue
		}
		b, err := res.ToBoolean()
		if err != nil {
			continue
		}
		if b {
			return true, r.source, nil
		}
	}
	return false, "", nil
}
