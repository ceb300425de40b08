// internal/form/errors.go
//
// Formgate – Forms subsystem: error taxonomy.
//
// Context
//   Every failure a form can meet is caught at the coordinator and mapped
//   to one of these values.  Field-level failures (local, async, server)
//   share ValidationError so templates and API clients render them the
//   same way.  Non-validation submit failures become TransportError and
//   leave the form's values untouched.
//
//------------------------------------------------------------------------------

package form

import (
	"errors"
	"fmt"
)

var (
	// ErrSubmitInProgress is returned when Submit is called while a previous
	// submission has not returned the form to Idle.
	ErrSubmitInProgress = errors.New("form: submit already in progress")

	// ErrStale is delivered for an async check superseded by a newer value.
	ErrStale = errors.New("form: async result superseded")
)

// ErrorKind classifies a ValidationError.
type ErrorKind int

const (
	LocalValidation ErrorKind = iota + 1
	AsyncValidation
	ServerValidation
)

func (k ErrorKind) String() string {
	switch k {
	case LocalValidation:
		return "local"
	case AsyncValidation:
		return "async"
	case ServerValidation:
		return "server"
	default:
		return "unknown"
	}
}

// ValidationError carries field errors keyed by client field name, plus
// form-level messages that matched no field.
type ValidationError struct {
	Kind   ErrorKind
	Fields map[string]string
	Form   []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("form validation failed (%s): %d field error(s)", ve.Kind, len(ve.Fields))
}

// TransportError wraps a submit failure that carried no field errors:
// network trouble, a 5xx, a panic in the callback.  Resubmitting is safe.
type TransportError struct{ Err error }

func (te *TransportError) Error() string { return "form submit failed: " + te.Err.Error() }

func (te *TransportError) Unwrap() error { return te.Err }

// IsValidationError reports whether err is a *ValidationError of any kind.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransportError reports whether err is a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
