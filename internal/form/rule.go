// internal/form/rule.go
//
// Formgate – Forms subsystem: rule primitives.
//
// Context
//   A Rule is one constraint on one field.  Rules are a closed set of kinds
//   built through constructors (Required, Pattern, MinLength, …) so every
//   switch over Kind can be checked for completeness.  Evaluate maps a value
//   and a rule to an error message, or "" when the value passes.
//
// Workflow
//   •  Empty values pass every rule except Required and Custom.  Emptiness is
//      the job of Required, so an optional blank field never reports a
//      pattern or range error.
//   •  Min and Max parse first, then compare.  A value that does not parse as
//      a finite number fails with the rule's NotNumber message.
//   •  Length rules count runes, not bytes.
//
// Style
//   Pure functions only.  No I/O, no logging, no globals beyond defaults.
//
//------------------------------------------------------------------------------

package form

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// -----------------------------------------------------------------------------
// Kinds
// -----------------------------------------------------------------------------

// Kind tags the variant held by a Rule.
type Kind int

const (
	KindRequired Kind = iota + 1
	KindPattern
	KindMinLength
	KindMaxLength
	KindMin
	KindMax
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindRequired:
		return "required"
	case KindPattern:
		return "pattern"
	case KindMinLength:
		return "minLength"
	case KindMaxLength:
		return "maxLength"
	case KindMin:
		return "min"
	case KindMax:
		return "max"
	case KindCustom:
		return "custom"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DefaultNotNumber is reported by Min and Max when the value does not parse.
var DefaultNotNumber = "Must be a number."

// -----------------------------------------------------------------------------
// Rule
// -----------------------------------------------------------------------------

// Values is the current value set of one form instance, keyed by field name.
type Values map[string]any

// Predicate is the check behind a Custom rule.  It receives the field value
// and the whole value set, and returns false when the value is invalid.
type Predicate func(value any, values Values) bool

// Rule describes one constraint on one field.  Only the parameter matching
// Kind is meaningful; construct rules with the helpers below.
type Rule struct {
	Kind      Kind
	Message   string    // Already localized.
	Matcher   Matcher   // KindPattern.
	Length    int       // KindMinLength, KindMaxLength.
	Bound     float64   // KindMin, KindMax.
	Predicate Predicate // KindCustom.
	NotNumber string    // KindMin, KindMax.  Empty means DefaultNotNumber.
}

// Required fails on nil, blank strings, and empty collections.
func Required(msg string) Rule { return Rule{Kind: KindRequired, Message: msg} }

// Pattern fails when a non-empty value is rejected by m.
func Pattern(m Matcher, msg string) Rule {
	return Rule{Kind: KindPattern, Matcher: m, Message: msg}
}

// MinLength fails when the value is shorter than n runes.
func MinLength(n int, msg string) Rule {
	return Rule{Kind: KindMinLength, Length: n, Message: msg}
}

// MaxLength fails when the value is longer than n runes.
func MaxLength(n int, msg string) Rule {
	return Rule{Kind: KindMaxLength, Length: n, Message: msg}
}

// Min fails when the numeric value is below bound, or is not a number.
func Min(bound float64, msg string) Rule {
	return Rule{Kind: KindMin, Bound: bound, Message: msg}
}

// Max fails when the numeric value is above bound, or is not a number.
func Max(bound float64, msg string) Rule {
	return Rule{Kind: KindMax, Bound: bound, Message: msg}
}

// Custom fails when p returns false.
func Custom(p Predicate, msg string) Rule {
	return Rule{Kind: KindCustom, Predicate: p, Message: msg}
}

// WithNotNumber returns a copy of r reporting msg for unparseable input.
func (r Rule) WithNotNumber(msg string) Rule {
	r.NotNumber = msg
	return r
}

// -----------------------------------------------------------------------------
// Evaluation
// -----------------------------------------------------------------------------

// Evaluate checks value against r and returns the rule's message on failure,
// or "" on success.  values is the whole form, passed to Custom predicates.
func Evaluate(value any, r Rule, values Values) string {
	switch r.Kind {
	case KindRequired:
		if IsEmpty(value) {
			return r.Message
		}
		return ""

	case KindCustom:
		if r.Predicate == nil || !r.Predicate(value, values) {
			return r.Message
		}
		return ""
	}

	// Remaining kinds defer blank input to Required.
	if IsEmpty(value) {
		return ""
	}

	switch r.Kind {
	case KindPattern:
		if r.Matcher == nil || !r.Matcher.Match(StringValue(value)) {
			return r.Message
		}
	case KindMinLength:
		if utf8.RuneCountInString(StringValue(value)) < r.Length {
			return r.Message
		}
	case KindMaxLength:
		if utf8.RuneCountInString(StringValue(value)) > r.Length {
			return r.Message
		}
	case KindMin, KindMax:
		n, ok := ParseNumber(value)
		if !ok {
			return r.notNumber()
		}
		if r.Kind == KindMin && n < r.Bound {
			return r.Message
		}
		if r.Kind == KindMax && n > r.Bound {
			return r.Message
		}
	default:
		// Unknown kinds fail closed.
		return r.Message
	}
	return ""
}

func (r Rule) notNumber() string {
	if r.NotNumber != "" {
		return r.NotNumber
	}
	return DefaultNotNumber
}

// -----------------------------------------------------------------------------
// Value helpers
// -----------------------------------------------------------------------------

// IsEmpty reports whether v counts as "no input": nil, a blank string, or an
// empty slice or map.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []byte:
		return strings.TrimSpace(string(t)) == ""
	case fmt.Stringer:
		return strings.TrimSpace(t.String()) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return true
		}
		return IsEmpty(rv.Elem().Interface())
	}
	return false
}

// decimalRe is the string syntax ParseNumber accepts.  ParseFloat alone
// would also take hex floats ("0x1p4") and digit separators ("1_000").
var decimalRe = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// ParseNumber converts v to a finite float64.  Strings are trimmed and must
// be plain decimal notation; "12abc" and "0x10" are not numbers.
func ParseNumber(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int8:
		f = float64(t)
	case int16:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint8:
		f = float64(t)
	case uint16:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		if !decimalRe.MatchString(s) {
			return 0, false
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = p
	case fmt.Stringer:
		return ParseNumber(t.String())
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// StringValue renders a field value as the string that rules, async checks,
// and cache keys see.  nil is "".
func StringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(v)
	}
}
