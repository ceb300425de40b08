// internal/form/schema.go
//
// Formgate – Forms subsystem: schema composer.
//
// Context
//   A Schema groups per-field rule lists, cross-field rules, and async
//   rules for one form.  Validate runs every field's rules, then every
//   cross-field rule, and returns a fresh ValidationResult.  It is re-run on
//   every change, blur, and submit, so displayed errors always match the
//   current values.
//
// Workflow
//   •  Field rules: insertion order, first failure wins, Required on an empty
//      value short-circuits the rest.
//   •  Cross-field rules run last and overwrite any error already recorded
//      for their designated field.
//
//------------------------------------------------------------------------------

package form

import (
	"sort"
	"strings"
	"time"
)

// FieldSchema is the ordered rule list for one field.
type FieldSchema []Rule

// CrossFieldRule is a constraint over two or more fields whose failure is
// reported on Field.
type CrossFieldRule struct {
	Field   string   // Field that displays the error.
	Refs    []string // Fields the check reads, Field included.
	Check   func(Values) bool
	Message string
}

// Schema is the whole-form validation schema.
type Schema struct {
	Fields map[string]FieldSchema
	Order  []string // Display order; fields missing here sort after, by name.
	Cross  []CrossFieldRule
	Async  map[string]AsyncRule
}

// ValidationResult is produced fresh by every validation pass.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors map[string]string `json:"errors"`
}

// Validate evaluates values against s.
func Validate(values Values, s Schema) ValidationResult {
	errs := make(map[string]string)

	for name, rules := range s.Fields {
		if msg := evaluateField(values[name], rules, values); msg != "" {
			errs[name] = msg
		}
	}
	for _, cr := range s.Cross {
		if !checkCross(cr, values) {
			errs[cr.Field] = cr.Message
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// FieldNames returns every field the schema knows about in display order.
func (s Schema) FieldNames() []string {
	seen := make(map[string]struct{}, len(s.Fields))
	out := make([]string, 0, len(s.Fields))
	add := func(n string) {
		if _, ok := seen[n]; ok || n == "" {
			return
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	for _, n := range s.Order {
		add(n)
	}

	var rest []string
	for n := range s.Fields {
		if _, ok := seen[n]; !ok {
			rest = append(rest, n)
		}
	}
	for n := range s.Async {
		if _, ok := seen[n]; !ok {
			if _, dup := s.Fields[n]; !dup {
				rest = append(rest, n)
			}
		}
	}
	sort.Strings(rest)
	for _, n := range rest {
		add(n)
	}
	return out
}

// HasField reports whether name is declared anywhere in s.
func (s Schema) HasField(name string) bool {
	if _, ok := s.Fields[name]; ok {
		return true
	}
	if _, ok := s.Async[name]; ok {
		return true
	}
	for _, n := range s.Order {
		if n == name {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Field evaluation
// -----------------------------------------------------------------------------

func evaluateField(value any, rules FieldSchema, values Values) string {
	if len(rules) == 0 {
		return ""
	}

	// A failing Required wins regardless of its position in the list.
	if IsEmpty(value) {
		for _, r := range rules {
			if r.Kind == KindRequired {
				return r.Message
			}
		}
	}

	for _, r := range rules {
		if msg := Evaluate(value, r, values); msg != "" {
			return msg
		}
	}
	return ""
}

func checkCross(cr CrossFieldRule, values Values) bool {
	if cr.Check == nil {
		return true
	}
	return cr.Check(values)
}

// -----------------------------------------------------------------------------
// Cross-field helpers
// -----------------------------------------------------------------------------

// AtLeast requires field ≥ other numerically, e.g. sellingPrice ≥ costPrice.
// When other is not a number the rule passes and other's own rules report
// it.  When field is not a number the rule fails: no value satisfies it.
func AtLeast(field, other, msg string) CrossFieldRule {
	return CrossFieldRule{
		Field:   field,
		Refs:    []string{field, other},
		Message: msg,
		Check: func(v Values) bool {
			ref, ok := ParseNumber(v[other])
			if !ok {
				return true
			}
			n, ok := ParseNumber(v[field])
			if !ok {
				return false
			}
			return n >= ref
		},
	}
}

// DateLayout is the date format After parses.
const DateLayout = "2006-01-02"

// After requires field to be a date strictly after other, e.g. an end date
// after a start date.  Missing or malformed dates pass; the fields' own
// rules report them.
func After(field, other, msg string) CrossFieldRule {
	return CrossFieldRule{
		Field:   field,
		Refs:    []string{field, other},
		Message: msg,
		Check: func(v Values) bool {
			start, ok := parseDate(v[other])
			if !ok {
				return true
			}
			end, ok := parseDate(v[field])
			if !ok {
				return true
			}
			return end.After(start)
		},
	}
}

func parseDate(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if d, err := time.Parse(DateLayout, s); err == nil {
			return d, true
		}
		if d, err := time.Parse(time.RFC3339, s); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}
