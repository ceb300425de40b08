// internal/form/schema_test.go
//
// Unit-tests for the schema composer, including the end-to-end scenarios
// for required, pattern, and cross-field failures.

package form

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

var emailRE = MustRegexp(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func emailSchema() Schema {
	return Schema{
		Fields: map[string]FieldSchema{
			"email": {Required("required message"), Pattern(emailRE, "pattern message")},
		},
	}
}

func TestValidate_EmailRequired(t *testing.T) {
	got := Validate(Values{"email": ""}, emailSchema())
	want := ValidationResult{Valid: false, Errors: map[string]string{"email": "required message"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Validate mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate_EmailPattern(t *testing.T) {
	got := Validate(Values{"email": "not-an-email"}, emailSchema())
	want := ValidationResult{Valid: false, Errors: map[string]string{"email": "pattern message"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Validate mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate_Valid(t *testing.T) {
	got := Validate(Values{"email": "a@b.co"}, emailSchema())
	if !got.Valid || len(got.Errors) != 0 {
		t.Fatalf("want valid, got %+v", got)
	}
}

func TestValidate_RequiredShortCircuits(t *testing.T) {
	calls := 0
	probe := Custom(func(any, Values) bool { calls++; return false }, "custom")

	// Required listed last still wins and nothing else runs.
	s := Schema{Fields: map[string]FieldSchema{"name": {probe, MinLength(2, "short"), Required("req")}}}
	got := Validate(Values{}, s)
	if got.Errors["name"] != "req" {
		t.Fatalf("error = %q, want req", got.Errors["name"])
	}
	if calls != 0 {
		t.Fatalf("custom rule ran %d time(s) after required failed", calls)
	}
}

func TestValidate_FirstFailureWins(t *testing.T) {
	s := Schema{Fields: map[string]FieldSchema{
		"code": {MinLength(5, "short"), Pattern(MustRegexp(`^\d+$`), "digits")},
	}}
	if got := Validate(Values{"code": "ab"}, s).Errors["code"]; got != "short" {
		t.Fatalf("got %q, want short", got)
	}
	if got := Validate(Values{"code": "abcdef"}, s).Errors["code"]; got != "digits" {
		t.Fatalf("got %q, want digits", got)
	}
}

func priceSchema() Schema {
	return Schema{
		Fields: map[string]FieldSchema{
			"costPrice":    {Required("cost required"), Min(0, "cost ≥ 0")},
			"sellingPrice": {Required("price required"), Min(0, "price ≥ 0")},
		},
		Cross: []CrossFieldRule{
			AtLeast("sellingPrice", "costPrice", "selling price must be at least cost price"),
		},
	}
}

func TestValidate_CrossField(t *testing.T) {
	got := Validate(Values{"costPrice": 100, "sellingPrice": 50}, priceSchema())
	want := ValidationResult{
		Valid:  false,
		Errors: map[string]string{"sellingPrice": "selling price must be at least cost price"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Validate mismatch (-want +got):\n%s", diff)
	}

	if got := Validate(Values{"costPrice": "100", "sellingPrice": "100"}, priceSchema()); !got.Valid {
		t.Fatalf("equal prices should pass: %+v", got)
	}
}

func TestValidate_CrossOverridesFieldError(t *testing.T) {
	got := Validate(Values{"costPrice": 100, "sellingPrice": ""}, priceSchema())
	if got.Errors["sellingPrice"] != "selling price must be at least cost price" {
		t.Fatalf("cross-field message should win, got %q", got.Errors["sellingPrice"])
	}
}

func TestValidate_Idempotent(t *testing.T) {
	values := Values{"costPrice": "abc", "sellingPrice": 5}
	first := Validate(values, priceSchema())
	second := Validate(values, priceSchema())
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("repeat validation differs:\n%s", diff)
	}
	if first.Errors["costPrice"] != DefaultNotNumber {
		t.Fatalf("costPrice = %q, want not-a-number", first.Errors["costPrice"])
	}
}

func TestValidate_CrossRuleTargetsOneField(t *testing.T) {
	res := Validate(Values{"costPrice": 10, "sellingPrice": 5}, priceSchema())
	if res.Errors["sellingPrice"] == "" {
		t.Fatalf("cross rule not reported on sellingPrice")
	}
	if got, ok := res.Errors["costPrice"]; ok {
		t.Fatalf("costPrice = %q, want pass", got)
	}
}

func TestAfter(t *testing.T) {
	r := After("endDate", "startDate", "end must follow start")
	cases := []struct {
		start, end any
		ok         bool
	}{
		{"2024-01-01", "2024-01-02", true},
		{"2024-01-02", "2024-01-02", false},
		{"2024-02-01", "2024-01-02", false},
		{"", "2024-01-02", true},
		{"2024-01-01", "garbage", true},
	}
	for _, c := range cases {
		if got := r.Check(Values{"startDate": c.start, "endDate": c.end}); got != c.ok {
			t.Errorf("After(%v, %v) = %v, want %v", c.end, c.start, got, c.ok)
		}
	}
}

func TestSchema_FieldNames(t *testing.T) {
	s := Schema{
		Fields: map[string]FieldSchema{"b": nil, "a": nil, "c": nil},
		Order:  []string{"c"},
		Async:  map[string]AsyncRule{"d": {}},
	}
	want := []string{"c", "a", "b", "d"}
	if diff := cmp.Diff(want, s.FieldNames()); diff != "" {
		t.Fatalf("FieldNames mismatch (-want +got):\n%s", diff)
	}
}
