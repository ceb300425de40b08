// internal/form/definition.go
//
// Formgate – Forms subsystem: YAML definition loader.
//
// Context
//   Each form the frontend renders is declared once in YAML: its fields,
//   their rules, their server-side names, which fields need a uniqueness
//   check, and any cross-field comparisons.  At start-up every "*.yaml"
//   under the forms directory is parsed into a Definition and kept in a
//   Registry.  A Definition builds the Schema and FieldNames table for a
//   new form instance, so client and server names live in one file.
//
// Workflow
//   •  Structs mirror the YAML: Definition → StepDef → FieldDef, plus
//      CompareDef for cross-field rules.
//   •  LoadDefinition parses one file and validates structural rules.
//   •  Registry.LoadDir walks a directory and registers every definition.
//   •  Definition.Schema turns declarations into rules.  Uniqueness checks
//      are bound through a caller-supplied CheckerFunc, so this package
//      never talks to the backend itself.
//
//------------------------------------------------------------------------------

package form

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------
// Data structures
// -----------------------------------------------------------------------------

// Definition is one form loaded from YAML.  A form has EITHER a flat Fields
// list OR Steps (a wizard); validation always sees the flattened list.
type Definition struct {
	ID       string       `yaml:"id"       json:"id"`                 // e.g. "inventory.item".
	Title    string       `yaml:"title"    json:"title,omitempty"`    // Display title.
	Resource string       `yaml:"resource" json:"resource,omitempty"` // Backend collection, e.g. "items".
	Fields   []FieldDef   `yaml:"fields"   json:"fields,omitempty"`
	Steps    []StepDef    `yaml:"steps"    json:"steps,omitempty"`
	Compare  []CompareDef `yaml:"compare"  json:"compare,omitempty"`
}

// FieldDef describes one input and its constraints.
type FieldDef struct {
	Name        string            `yaml:"name"        json:"name"`
	Label       string            `yaml:"label"       json:"label"`
	Type        string            `yaml:"type"        json:"type"` // text, textarea, email, number, date, select, password
	Server      string            `yaml:"server"      json:"server,omitempty"`
	Placeholder string            `yaml:"placeholder" json:"placeholder,omitempty"`
	Required    bool              `yaml:"required"    json:"required,omitempty"`
	MinLength   int               `yaml:"minlength"   json:"minlength,omitempty"` // 0 means unset.
	MaxLength   int               `yaml:"maxlength"   json:"maxlength,omitempty"` // 0 means unset.
	Min         *float64          `yaml:"min"         json:"min,omitempty"`
	Max         *float64          `yaml:"max"         json:"max,omitempty"`
	Pattern     string            `yaml:"pattern"     json:"pattern,omitempty"`
	Format      string            `yaml:"format"      json:"format,omitempty"` // validator tag, e.g. "alphanum".
	Options     []string          `yaml:"options"     json:"options,omitempty"`
	Unique      bool              `yaml:"unique"      json:"unique,omitempty"`
	ErrorMsg    string            `yaml:"error"       json:"-"`
	Messages    map[string]string `yaml:"messages"    json:"-"` // Per-kind overrides, keyed by Kind.String().
}

// StepDef groups fields into one wizard step.
type StepDef struct {
	ID     string     `yaml:"id"     json:"id"`
	Title  string     `yaml:"title"  json:"title,omitempty"`
	Fields []FieldDef `yaml:"fields" json:"fields"`
}

// CompareDef declares a cross-field rule.  Op is "gte" (numeric ≥) or
// "after" (date strictly after).
type CompareDef struct {
	Field   string `yaml:"field"   json:"field"`
	Op      string `yaml:"op"      json:"op"`
	Other   string `yaml:"other"   json:"other"`
	Message string `yaml:"message" json:"message,omitempty"`
}

// idRe keeps definition IDs usable as a single URL path segment.
var idRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

var knownTypes = map[string]bool{
	"text": true, "textarea": true, "email": true, "number": true,
	"date": true, "select": true, "password": true,
}

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

// Registry maps definition ID → *Definition.  Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Lookup returns the definition for id.  The boolean is false when unknown.
func (r *Registry) Lookup(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// IDs lists registered definition IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for id := range r.defs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Register inserts or replaces d.  Callers must pass a validated definition.
func (r *Registry) Register(d *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.ID] = d
}

// LoadDir walks dir and registers every "*.yaml" / "*.yml" it finds.  A
// missing directory is not an error; a broken file is.
func (r *Registry) LoadDir(dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if ext := filepath.Ext(d.Name()); ext != ".yaml" && ext != ".yml" {
			return nil
		}
		def, err := LoadDefinition(path)
		if err != nil {
			return err // fail fast so issues surface loudly.
		}
		r.Register(def)
		n++
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return n, err
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Loader
// -----------------------------------------------------------------------------

// LoadDefinition parses and validates one YAML file.
func LoadDefinition(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read form file %s: %w", path, err)
	}
	return ParseDefinition(raw, path)
}

// ParseDefinition parses YAML bytes.  source names the input in errors.
func ParseDefinition(raw []byte, source string) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parse YAML %s: %w", source, err)
	}
	if err := validateDefinition(&d, source); err != nil {
		return nil, err
	}
	return &d, nil
}

// AllFields returns the fields regardless of step structure.
func (d *Definition) AllFields() []FieldDef {
	if len(d.Steps) == 0 {
		return d.Fields
	}
	var out []FieldDef
	for _, s := range d.Steps {
		out = append(out, s.Fields...)
	}
	return out
}

// Field returns the named field.
func (d *Definition) Field(name string) (FieldDef, bool) {
	for _, f := range d.AllFields() {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// ServerName is the backend identifier for f.
func (f FieldDef) ServerName() string {
	if f.Server != "" {
		return f.Server
	}
	return SnakeCase(f.Name)
}

// FieldNames builds the server ↔ client table from the fields' server names.
func (d *Definition) FieldNames() FieldNames {
	pairs := make(map[string]string)
	for _, f := range d.AllFields() {
		pairs[f.ServerName()] = f.Name
	}
	return NewFieldNames(pairs)
}

// -----------------------------------------------------------------------------
// Schema construction
// -----------------------------------------------------------------------------

// CheckerFunc supplies the remote Checker for a field declared unique.
type CheckerFunc func(d *Definition, f FieldDef) Checker

// SchemaOptions configures Definition.Schema.
type SchemaOptions struct {
	Checker   CheckerFunc // nil disables uniqueness checks.
	ExcludeID string      // Record being edited, passed to every Checker.
}

// Schema builds the validation schema for one form instance.
func (d *Definition) Schema(opts SchemaOptions) (Schema, error) {
	s := Schema{
		Fields: make(map[string]FieldSchema),
		Async:  make(map[string]AsyncRule),
	}
	for _, f := range d.AllFields() {
		rules, err := fieldRules(f)
		if err != nil {
			return Schema{}, fmt.Errorf("form %s: %w", d.ID, err)
		}
		s.Fields[f.Name] = rules
		s.Order = append(s.Order, f.Name)

		if f.Unique && opts.Checker != nil {
			if chk := opts.Checker(d, f); chk != nil {
				s.Async[f.Name] = AsyncRule{
					Field:     f.Name,
					Check:     chk,
					Message:   f.message("unique", fmt.Sprintf("%s is already in use.", f.Label)),
					ExcludeID: opts.ExcludeID,
				}
			}
		}
	}
	for _, c := range d.Compare {
		cr, err := compareRule(d, c)
		if err != nil {
			return Schema{}, err
		}
		s.Cross = append(s.Cross, cr)
	}
	return s, nil
}

func fieldRules(f FieldDef) (FieldSchema, error) {
	var rules FieldSchema

	if f.Required {
		rules = append(rules, Required(f.message(KindRequired.String(), "This field is required.")))
	}

	switch f.Type {
	case "email":
		m, err := Tag("email")
		if err != nil {
			return nil, err
		}
		rules = append(rules, Pattern(m, f.message("email", "Enter a valid email address.")))
	case "number":
		rules = append(rules, Custom(func(v any, _ Values) bool {
			_, ok := ParseNumber(v)
			return IsEmpty(v) || ok
		}, f.message("number", DefaultNotNumber)))
	case "date":
		rules = append(rules, Custom(func(v any, _ Values) bool {
			if IsEmpty(v) {
				return true
			}
			_, err := time.Parse(DateLayout, strings.TrimSpace(StringValue(v)))
			return err == nil
		}, f.message("date", "Enter a date as YYYY-MM-DD.")))
	case "select":
		opts := f.Options
		rules = append(rules, Custom(func(v any, _ Values) bool {
			return IsEmpty(v) || optionAllowed(opts, StringValue(v))
		}, f.message("option", "Invalid input.")))
	}

	if f.MinLength > 0 {
		rules = append(rules, MinLength(f.MinLength,
			f.message(KindMinLength.String(), fmt.Sprintf("Must be at least %d characters.", f.MinLength))))
	}
	if f.MaxLength > 0 {
		rules = append(rules, MaxLength(f.MaxLength,
			f.message(KindMaxLength.String(), fmt.Sprintf("Must be at most %d characters.", f.MaxLength))))
	}
	if f.Pattern != "" {
		m, err := Regexp(f.Pattern)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		rules = append(rules, Pattern(m, f.message(KindPattern.String(), "Input does not match required format.")))
	}
	if f.Format != "" {
		m, err := Tag(f.Format)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		rules = append(rules, Pattern(m, f.message(KindPattern.String(), "Input does not match required format.")))
	}
	nan := f.message("number", DefaultNotNumber)
	if f.Min != nil {
		rules = append(rules, Min(*f.Min,
			f.message(KindMin.String(), "Must be at least "+formatBound(*f.Min)+".")).WithNotNumber(nan))
	}
	if f.Max != nil {
		rules = append(rules, Max(*f.Max,
			f.message(KindMax.String(), "Must be at most "+formatBound(*f.Max)+".")).WithNotNumber(nan))
	}
	return rules, nil
}

func compareRule(d *Definition, c CompareDef) (CrossFieldRule, error) {
	msg := c.Message
	switch c.Op {
	case "gte":
		if msg == "" {
			msg = fmt.Sprintf("Must be at least %s.", labelOf(d, c.Other))
		}
		return AtLeast(c.Field, c.Other, msg), nil
	case "after":
		if msg == "" {
			msg = fmt.Sprintf("Must be after %s.", labelOf(d, c.Other))
		}
		return After(c.Field, c.Other, msg), nil
	default:
		return CrossFieldRule{}, fmt.Errorf("form %s: unknown compare op %q", d.ID, c.Op)
	}
}

// message resolves a user-facing message: per-kind override, then the
// field-wide error, then the default.
func (f FieldDef) message(kind, def string) string {
	if m := f.Messages[kind]; m != "" {
		return m
	}
	if f.ErrorMsg != "" {
		return f.ErrorMsg
	}
	return def
}

func labelOf(d *Definition, name string) string {
	if f, ok := d.Field(name); ok && f.Label != "" {
		return f.Label
	}
	return name
}

func formatBound(b float64) string { return strconv.FormatFloat(b, 'f', -1, 64) }

func optionAllowed(opts []string, v string) bool {
	for _, o := range opts {
		if o == v {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Structural validation
// -----------------------------------------------------------------------------

// validateDefinition enforces rules YAML tags cannot express.  Errors name
// the offending source.
func validateDefinition(d *Definition, path string) error {
	if d.ID == "" {
		return fmt.Errorf("form definition %s: missing required 'id'", path)
	}
	if !idRe.MatchString(d.ID) {
		return fmt.Errorf("form definition %s: id '%s' must match %s", path, d.ID, idRe)
	}
	if len(d.Fields) > 0 && len(d.Steps) > 0 {
		return fmt.Errorf("form definition %s: cannot have both 'fields' and 'steps'", path)
	}
	if len(d.Fields) == 0 && len(d.Steps) == 0 {
		return fmt.Errorf("form definition %s: must have 'fields' or 'steps'", path)
	}

	names := make(map[string]struct{})
	servers := make(map[string]string)
	check := func(f *FieldDef) error {
		if err := validateField(f, path); err != nil {
			return err
		}
		if _, dup := names[f.Name]; dup {
			return fmt.Errorf("form %s: duplicate field name '%s'", path, f.Name)
		}
		names[f.Name] = struct{}{}
		if prev, dup := servers[f.ServerName()]; dup {
			return fmt.Errorf("form %s: fields '%s' and '%s' share server name '%s'",
				path, prev, f.Name, f.ServerName())
		}
		servers[f.ServerName()] = f.Name
		return nil
	}

	for i := range d.Fields {
		if err := check(&d.Fields[i]); err != nil {
			return err
		}
	}
	for si := range d.Steps {
		s := &d.Steps[si]
		if s.ID == "" {
			s.ID = fmt.Sprintf("step%d", si+1)
		}
		for fi := range s.Fields {
			if err := check(&s.Fields[fi]); err != nil {
				return err
			}
		}
	}

	for _, c := range d.Compare {
		if c.Op != "gte" && c.Op != "after" {
			return fmt.Errorf("form %s: compare op '%s' must be 'gte' or 'after'", path, c.Op)
		}
		for _, ref := range []string{c.Field, c.Other} {
			if _, ok := names[ref]; !ok {
				return fmt.Errorf("form %s: compare references unknown field '%s'", path, ref)
			}
		}
		if c.Field == c.Other {
			return fmt.Errorf("form %s: compare field '%s' references itself", path, c.Field)
		}
	}
	return nil
}

// validateField confirms essential attributes are present and sane.
func validateField(f *FieldDef, path string) error {
	if f.Name == "" {
		return fmt.Errorf("form %s: field missing 'name'", path)
	}
	if f.Label == "" {
		return fmt.Errorf("form %s: field '%s' missing 'label'", path, f.Name)
	}
	if f.Type == "" {
		f.Type = "text"
	}
	if !knownTypes[f.Type] {
		return fmt.Errorf("form %s: field '%s' has unsupported type '%s'", path, f.Name, f.Type)
	}
	if f.Type == "select" && len(f.Options) == 0 {
		return fmt.Errorf("form %s: select field '%s' has no options", path, f.Name)
	}
	if f.Pattern != "" {
		if _, err := Regexp(f.Pattern); err != nil {
			return fmt.Errorf("form %s: field '%s' invalid regex pattern: %v", path, f.Name, err)
		}
	}
	if f.Format != "" {
		if _, err := Tag(f.Format); err != nil {
			return fmt.Errorf("form %s: field '%s': %v", path, f.Name, err)
		}
	}
	if f.MinLength < 0 || f.MaxLength < 0 {
		return fmt.Errorf("form %s: field '%s' minlength/maxlength cannot be negative", path, f.Name)
	}
	if f.MaxLength > 0 && f.MinLength > f.MaxLength {
		return fmt.Errorf("form %s: field '%s' minlength greater than maxlength", path, f.Name)
	}
	if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
		return fmt.Errorf("form %s: field '%s' min greater than max", path, f.Name)
	}
	return nil
}
