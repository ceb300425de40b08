// internal/form/coordinator.go
//
// Formgate – Forms subsystem: form instance and submission coordinator.
//
// Context
//   A Form is one live instance of a Schema: its current values, the errors
//   on display, its async state, and a submit state machine:
//
//      Idle → Validating → (Invalid | AsyncPending) → Submitting
//           → (Success | ServerRejected) → Idle
//
//   Invalid, Success, and ServerRejected are reported through the OnState
//   hook and the form drops straight back to Idle.  A transport failure
//   goes from Submitting to Idle with a top-level notice.
//
// Workflow
//   •  Set and Blur re-run the pure schema validation and start an async
//      check when the field has one.  Errors show for touched fields only;
//      Submit touches every field.
//   •  Submit validates locally, issues any missing async checks, waits out
//      pending ones, then calls the SubmitFunc exactly once.  A second
//      Submit while the first is running returns ErrSubmitInProgress.
//   •  Server field errors are translated through FieldNames and merged
//      into the displayed errors.  Nothing escapes as a panic.
//
//------------------------------------------------------------------------------

package form

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/yanizio/formgate/internal/metrics"
)

// -----------------------------------------------------------------------------
// States
// -----------------------------------------------------------------------------

// State is the coordinator's position in the submit state machine.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateInvalid
	StateAsyncPending
	StateSubmitting
	StateSuccess
	StateServerRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateInvalid:
		return "invalid"
	case StateAsyncPending:
		return "async_pending"
	case StateSubmitting:
		return "submitting"
	case StateSuccess:
		return "success"
	case StateServerRejected:
		return "server_rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// -----------------------------------------------------------------------------
// Submit contract
// -----------------------------------------------------------------------------

// SubmitOutcome is what a SubmitFunc reports when the backend answered.
// OK=false carries the backend's field errors keyed by server name.
type SubmitOutcome struct {
	OK          bool
	FieldErrors RemoteErrorMap
}

// SubmitFunc sends values to the backend.  A non-nil error means the
// request failed for a reason other than field validation.
type SubmitFunc func(ctx context.Context, values Values) (SubmitOutcome, error)

// DefaultTransportNotice is shown when a submission fails in transport.
var DefaultTransportNotice = "Submission failed.  Please try again."

// DefaultRejectedNotice is shown when the backend rejects a submission
// without naming any field.
var DefaultRejectedNotice = "Submission was rejected."

// -----------------------------------------------------------------------------
// Form
// -----------------------------------------------------------------------------

// Form is one form instance.  It is safe for concurrent use.
type Form struct {
	schema  Schema
	names   FieldNames
	async   *AsyncValidator
	log     *zap.SugaredLogger
	onState func(State)
	ctx     context.Context
	notice  string

	mu        sync.Mutex
	state     State
	values    Values
	touched   map[string]bool
	local     map[string]string // Last schema pass.
	asyncErrs map[string]string // Keyed by field; cleared on change.
	server    map[string]string // From the last rejection; cleared on change.
	formErrs  []string          // Form-level messages and notices.
}

// Option configures a Form.
type Option func(*formOptions)

type formOptions struct {
	values   Values
	names    FieldNames
	log      *zap.SugaredLogger
	onState  func(State)
	ctx      context.Context
	notice   string
	asyncOps []AsyncOption
}

// WithValues seeds the form's initial values, e.g. an existing record.
func WithValues(v Values) Option { return func(o *formOptions) { o.values = v } }

// WithFieldNames sets the server ↔ client name table.
func WithFieldNames(fn FieldNames) Option { return func(o *formOptions) { o.names = fn } }

// WithLogger sets the form's logger.  Defaults to zap.S().
func WithLogger(l *zap.SugaredLogger) Option { return func(o *formOptions) { o.log = l } }

// WithOnState registers a hook called after every state transition, outside
// the form's lock.  Use it to drive a "waiting" indicator.
func WithOnState(fn func(State)) Option { return func(o *formOptions) { o.onState = fn } }

// WithContext sets the parent context for background async checks.
func WithContext(ctx context.Context) Option { return func(o *formOptions) { o.ctx = ctx } }

// WithTransportNotice overrides DefaultTransportNotice.
func WithTransportNotice(msg string) Option { return func(o *formOptions) { o.notice = msg } }

// WithAsyncOptions passes options through to the form's AsyncValidator.
func WithAsyncOptions(opts ...AsyncOption) Option {
	return func(o *formOptions) { o.asyncOps = append(o.asyncOps, opts...) }
}

// New returns an idle Form for s.
func New(s Schema, opts ...Option) *Form {
	o := formOptions{
		log:    zap.S(),
		ctx:    context.Background(),
		notice: DefaultTransportNotice,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = zap.S()
	}

	asyncOps := append([]AsyncOption{WithAsyncLogger(o.log)}, o.asyncOps...)
	f := &Form{
		schema:    s,
		names:     o.names,
		async:     NewAsyncValidator(s.Async, asyncOps...),
		log:       o.log,
		onState:   o.onState,
		ctx:       o.ctx,
		notice:    o.notice,
		state:     StateIdle,
		values:    make(Values, len(o.values)),
		touched:   make(map[string]bool),
		local:     map[string]string{},
		asyncErrs: map[string]string{},
		server:    map[string]string{},
	}
	for k, v := range o.values {
		f.values[k] = v
	}
	f.local = Validate(f.values, s).Errors
	return f
}

// Schema returns the form's schema.
func (f *Form) Schema() Schema { return f.schema }

// Async exposes the form's async validator for read-only inspection.
func (f *Form) Async() *AsyncValidator { return f.async }

// -----------------------------------------------------------------------------
// Field events
// -----------------------------------------------------------------------------

// Set records a new value for field, re-validates, and starts an async check
// when field has one.  It returns the field's displayed error.
func (f *Form) Set(field string, value any) string {
	f.mu.Lock()
	f.values[field] = value
	f.touched[field] = true
	delete(f.asyncErrs, field)
	delete(f.server, field)
	f.local = Validate(f.values, f.schema).Errors
	metrics.ValidationPassesTotal.Inc()
	f.startCheckLocked(field)
	msg := f.errorLocked(field)
	f.mu.Unlock()
	return msg
}

// Blur marks field touched and starts its async check if none has run for
// the current value.  It returns the field's displayed error.
func (f *Form) Blur(field string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[field] = true
	f.local = Validate(f.values, f.schema).Errors
	metrics.ValidationPassesTotal.Inc()
	f.ensureCheckLocked(field)
	return f.errorLocked(field)
}

// startCheckLocked issues an async check for field's current value.  The
// issued-for value is recorded before the lock is released, so a later Set
// always supersedes an earlier one.
func (f *Form) startCheckLocked(field string) {
	if !f.async.Has(field) {
		return
	}
	ch := f.async.Start(f.ctx, field, StringValue(f.values[field]))
	go f.applyAsync(ch)
}

// ensureCheckLocked issues a check unless one is resolved or in flight.
func (f *Form) ensureCheckLocked(field string) {
	if !f.async.Has(field) {
		return
	}
	value := StringValue(f.values[field])
	if _, ok := f.async.Resolved(field, value); ok {
		return
	}
	if st := f.async.State(field); st.Pending {
		return
	}
	f.startCheckLocked(field)
}

func (f *Form) applyAsync(ch <-chan AsyncOutcome) {
	out := <-ch
	if out.Err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if StringValue(f.values[out.Field]) != out.Value {
		return
	}
	if out.Message == "" {
		delete(f.asyncErrs, out.Field)
		return
	}
	f.asyncErrs[out.Field] = out.Message
}

// -----------------------------------------------------------------------------
// Read access
// -----------------------------------------------------------------------------

// State returns the current coordinator state.
func (f *Form) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Values returns a copy of the current values.
func (f *Form) Values() Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copyValuesLocked()
}

// Errors returns the displayed field errors: schema errors for touched
// fields first, then async results, then server rejections.
func (f *Form) Errors() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errorsLocked()
}

// FormErrors returns top-level messages: transport notices and server
// errors that matched no field.
func (f *Form) FormErrors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.formErrs...)
}

// Snapshot is a consistent read of the whole instance.
type Snapshot struct {
	State      State             `json:"state"`
	Values     Values            `json:"values"`
	Errors     map[string]string `json:"errors"`
	FormErrors []string          `json:"form_errors,omitempty"`
	Pending    []string          `json:"pending,omitempty"`
}

// Snapshot returns the instance state in one read.
func (f *Form) Snapshot() Snapshot {
	pending := f.async.PendingFields()
	f.mu.Lock()
	defer f.mu.Unlock()
	return Snapshot{
		State:      f.state,
		Values:     f.copyValuesLocked(),
		Errors:     f.errorsLocked(),
		FormErrors: append([]string(nil), f.formErrs...),
		Pending:    pending,
	}
}

func (f *Form) errorLocked(field string) string {
	if f.touched[field] {
		if msg := f.local[field]; msg != "" {
			return msg
		}
	}
	if msg := f.asyncErrs[field]; msg != "" {
		return msg
	}
	return f.server[field]
}

func (f *Form) errorsLocked() map[string]string {
	out := make(map[string]string)
	for name, msg := range f.server {
		out[name] = msg
	}
	for name, msg := range f.asyncErrs {
		out[name] = msg
	}
	for name, msg := range f.local {
		if f.touched[name] {
			out[name] = msg
		}
	}
	return out
}

func (f *Form) copyValuesLocked() Values {
	out := make(Values, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

// -----------------------------------------------------------------------------
// Submit
// -----------------------------------------------------------------------------

// Submit runs the submit state machine once.  It returns nil on success, a
// *ValidationError for local, async, or server field errors, a
// *TransportError for other submit failures, ErrSubmitInProgress when
// another Submit is running, or ctx's error if ctx ends while waiting on
// async checks.  The form is Idle again when Submit returns.
func (f *Form) Submit(ctx context.Context, submit SubmitFunc) error {
	f.mu.Lock()
	if f.state != StateIdle {
		f.mu.Unlock()
		metrics.SubmissionsTotal.WithLabelValues("ignored").Inc()
		return ErrSubmitInProgress
	}
	// Leave Idle before unlocking so a concurrent Submit cannot pass the
	// check above.
	f.state = StateValidating
	for _, name := range f.schema.FieldNames() {
		f.touched[name] = true
	}
	f.mu.Unlock()
	f.notify(StateValidating)

	values, err := f.validateForSubmit(ctx)
	if err != nil {
		return err
	}

	f.transition(StateSubmitting)
	outcome, err := callSubmit(ctx, submit, values)
	if err != nil {
		f.log.Warnw("form submit failed", "err", err)
		f.mu.Lock()
		f.formErrs = []string{f.notice}
		f.mu.Unlock()
		return f.finish(StateIdle, "transport_error", &TransportError{Err: err})
	}

	if outcome.OK {
		f.mu.Lock()
		f.local = map[string]string{}
		f.asyncErrs = map[string]string{}
		f.server = map[string]string{}
		f.formErrs = nil
		f.mu.Unlock()
		return f.finish(StateSuccess, "success", nil)
	}

	fields, formLevel := f.names.TranslateErrors(outcome.FieldErrors, f.schema)
	if len(fields) == 0 && len(formLevel) == 0 {
		formLevel = []string{DefaultRejectedNotice}
	}
	f.mu.Lock()
	for name, msg := range fields {
		f.server[name] = msg
	}
	f.formErrs = formLevel
	f.mu.Unlock()
	f.log.Infow("form submission rejected by server", "fields", sortedKeys(fields))
	return f.finish(StateServerRejected, "server_rejected", &ValidationError{
		Kind:   ServerValidation,
		Fields: fields,
		Form:   formLevel,
	})
}

// validateForSubmit loops Validating ↔ AsyncPending until the values are
// known good or bad.  It returns the values to submit.
func (f *Form) validateForSubmit(ctx context.Context) (Values, error) {
	for {
		f.mu.Lock()
		values := f.copyValuesLocked()
		res := Validate(values, f.schema)
		f.local = res.Errors
		f.formErrs = nil
		f.mu.Unlock()
		metrics.ValidationPassesTotal.Inc()

		if !res.Valid {
			return nil, f.finish(StateInvalid, "invalid", &ValidationError{
				Kind:   LocalValidation,
				Fields: res.Errors,
			})
		}

		f.mu.Lock()
		for _, name := range f.async.Fields() {
			f.ensureCheckLocked(name)
		}
		f.mu.Unlock()

		if f.async.Pending() {
			f.transition(StateAsyncPending)
			if err := f.async.Wait(ctx); err != nil {
				return nil, f.finish(StateIdle, "cancelled", err)
			}
			f.transition(StateValidating)
			continue
		}

		asyncErrs := make(map[string]string)
		settled := true
		for _, name := range f.async.Fields() {
			msg, ok := f.async.Resolved(name, StringValue(values[name]))
			if !ok {
				settled = false // Value changed under us; go round again.
				break
			}
			if msg != "" {
				asyncErrs[name] = msg
			}
		}
		if !settled {
			continue
		}
		if len(asyncErrs) > 0 {
			f.mu.Lock()
			for name, msg := range asyncErrs {
				f.asyncErrs[name] = msg
			}
			f.mu.Unlock()
			return nil, f.finish(StateInvalid, "invalid", &ValidationError{
				Kind:   AsyncValidation,
				Fields: asyncErrs,
			})
		}
		return values, nil
	}
}

// callSubmit invokes submit, converting a panic into an error.
func callSubmit(ctx context.Context, submit SubmitFunc, values Values) (out SubmitOutcome, err error) {
	if submit == nil {
		return out, fmt.Errorf("no submit callback configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("submit callback panic: %v", r)
		}
	}()
	return submit(ctx, values)
}

// transition moves to s and notifies the hook outside the lock.
func (f *Form) transition(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.notify(s)
}

func (f *Form) notify(s State) {
	if f.onState != nil {
		f.onState(s)
	}
}

// finish reports the terminal state, returns the form to Idle, and passes
// err through.
func (f *Form) finish(s State, outcome string, err error) error {
	if s != StateIdle {
		f.transition(s)
	}
	f.transition(StateIdle)
	metrics.SubmissionsTotal.WithLabelValues(outcome).Inc()
	return err
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
