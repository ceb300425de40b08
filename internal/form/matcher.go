// internal/form/matcher.go
//
// Formgate – Forms subsystem: string matchers for Pattern rules.
//
// Context
//   A Pattern rule accepts any predicate over a string.  Two built-ins cover
//   the definitions we load from YAML: Regexp for hand-written expressions,
//   and Tag for go-playground/validator's named formats (email, url,
//   numeric, …) so common formats are not re-expressed as regexes.
//
//------------------------------------------------------------------------------

package form

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// Matcher reports whether s satisfies a pattern.
type Matcher interface {
	Match(s string) bool
}

// MatchFunc adapts a plain function to Matcher.
type MatchFunc func(string) bool

// Match implements Matcher.
func (f MatchFunc) Match(s string) bool { return f(s) }

// -----------------------------------------------------------------------------
// Regexp
// -----------------------------------------------------------------------------

type regexpMatcher struct{ re *regexp.Regexp }

func (m regexpMatcher) Match(s string) bool { return m.re.MatchString(s) }

func (m regexpMatcher) String() string { return m.re.String() }

// Regexp compiles expr once and returns a Matcher backed by it.
func Regexp(expr string) (Matcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	return regexpMatcher{re: re}, nil
}

// MustRegexp is Regexp for package-level patterns.  It panics on a bad expr.
func MustRegexp(expr string) Matcher {
	m, err := Regexp(expr)
	if err != nil {
		panic(err)
	}
	return m
}

// -----------------------------------------------------------------------------
// Validator tags
// -----------------------------------------------------------------------------

// tagValidator is shared; validator.Validate is safe for concurrent use.
var tagValidator = validator.New()

type tagMatcher struct{ tag string }

func (m tagMatcher) Match(s string) bool { return tagValidator.Var(s, m.tag) == nil }

func (m tagMatcher) String() string { return m.tag }

// Tag returns a Matcher that accepts s when validator tag (for example
// "email", "url", or "alphanum") accepts it.  Unknown tags are rejected
// here rather than panicking later inside Var.
func Tag(tag string) (Matcher, error) {
	if err := probeTag(tag); err != nil {
		return nil, err
	}
	return tagMatcher{tag: tag}, nil
}

func probeTag(tag string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unknown format %q: %v", tag, r)
		}
	}()
	_ = tagValidator.Var("", tag)
	return nil
}
