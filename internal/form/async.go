// internal/form/async.go
//
// Formgate – Forms subsystem: async (remote) field checks.
//
// Context
//   Some rules need the backend, e.g. "is this item code already used?".
//   AsyncValidator runs those checks for one form instance.  It caches
//   results per (field, value), collapses identical in-flight calls, and
//   discards any result whose value is no longer the field's current value.
//
// Workflow
//   •  Start records the issued-for value synchronously, then resolves the
//      check in a goroutine.  A later Start for the same field supersedes it.
//   •  On resolution the result is applied only if the field still holds the
//      issued-for value.  Otherwise the caller receives ErrStale.
//   •  Checker errors, panics, and timeouts fail open: the field is treated
//      as valid and nothing is cached, so the next change retries.
//   •  In-flight network calls are not aborted when superseded.  Their
//      results are ignored on arrival.
//
//------------------------------------------------------------------------------

package form

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/yanizio/formgate/internal/cache"
	"github.com/yanizio/formgate/internal/metrics"
)

// DefaultCheckTimeout bounds one remote check before fail-open applies.
const DefaultCheckTimeout = 8 * time.Second

// Checker performs a remote acceptability check.  It returns true when value
// is acceptable (for example, unique).  excludeID names the record being
// edited so it does not collide with itself.
type Checker func(ctx context.Context, value, excludeID string) (bool, error)

// AsyncRule binds a Checker to one field.
type AsyncRule struct {
	Field     string
	Check     Checker
	Message   string // Reported when Check returns false.
	ExcludeID string
}

// AsyncCheckState is a read-only snapshot of one field's async state.
type AsyncCheckState struct {
	Pending          bool   `json:"pending"`
	Checked          bool   `json:"checked"`
	LastCheckedValue string `json:"last_checked_value"`
	Result           string `json:"result,omitempty"`
}

// AsyncOutcome is delivered once per Start.
type AsyncOutcome struct {
	Field   string
	Value   string
	Message string // "" when the value is acceptable.
	Err     error  // ErrStale when superseded.
}

// CacheKey identifies one cached async result.
type CacheKey struct {
	Field string
	Value string
}

// Store holds resolved async results.  AsyncValidator serialises access, so
// implementations need not be safe for concurrent use.
type Store interface {
	Get(key CacheKey) (string, bool)
	Add(key CacheKey, msg string)
	Len() int
}

type asyncField struct {
	current string // Value most recently issued.
	pending bool
	state   AsyncCheckState
}

// AsyncValidator owns the async state of one form instance.
type AsyncValidator struct {
	rules   map[string]AsyncRule
	timeout time.Duration
	log     *zap.SugaredLogger
	sfg     singleflight.Group

	mu       sync.Mutex
	fields   map[string]*asyncField
	store    Store
	inflight int
	idle     chan struct{} // Closed when inflight drops to zero.
}

// AsyncOption configures an AsyncValidator.
type AsyncOption func(*AsyncValidator)

// WithCheckTimeout overrides DefaultCheckTimeout.  d ≤ 0 is ignored.
func WithCheckTimeout(d time.Duration) AsyncOption {
	return func(a *AsyncValidator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithStore replaces the default unbounded cache, e.g. with a bounded LRU.
func WithStore(s Store) AsyncOption {
	return func(a *AsyncValidator) {
		if s != nil {
			a.store = s
		}
	}
}

// WithAsyncLogger sets the logger used for fail-open warnings.
func WithAsyncLogger(l *zap.SugaredLogger) AsyncOption {
	return func(a *AsyncValidator) {
		if l != nil {
			a.log = l
		}
	}
}

// NewAsyncValidator returns a validator for the given rules.
func NewAsyncValidator(rules map[string]AsyncRule, opts ...AsyncOption) *AsyncValidator {
	a := &AsyncValidator{
		rules:   make(map[string]AsyncRule, len(rules)),
		timeout: DefaultCheckTimeout,
		log:     zap.S(),
		fields:  make(map[string]*asyncField),
		store:   cache.NewMap[CacheKey, string](),
	}
	for name, r := range rules {
		if r.Field == "" {
			r.Field = name
		}
		a.rules[name] = r
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Has reports whether field carries an async rule.
func (a *AsyncValidator) Has(field string) bool {
	_, ok := a.rules[field]
	return ok
}

// Fields lists every field with an async rule, sorted.
func (a *AsyncValidator) Fields() []string {
	out := make([]string, 0, len(a.rules))
	for name := range a.rules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// -----------------------------------------------------------------------------
// Checks
// -----------------------------------------------------------------------------

// Check issues a check and blocks until it resolves.  The message is "" when
// value is acceptable.  ErrStale means a later value superseded this one.
func (a *AsyncValidator) Check(ctx context.Context, field, value string) (string, error) {
	out := <-a.Start(ctx, field, value)
	return out.Message, out.Err
}

// Start records value as field's current value and resolves the check in
// the background.  The returned channel receives exactly one outcome.
func (a *AsyncValidator) Start(ctx context.Context, field, value string) <-chan AsyncOutcome {
	ch := make(chan AsyncOutcome, 1)
	rule, ok := a.rules[field]
	if !ok {
		ch <- AsyncOutcome{Field: field, Value: value}
		return ch
	}

	a.mu.Lock()
	f := a.field(field)
	f.current = value

	if IsEmpty(value) {
		a.resolveLocked(f, value, "")
		a.mu.Unlock()
		ch <- AsyncOutcome{Field: field, Value: value}
		return ch
	}

	key := CacheKey{Field: field, Value: value}
	if msg, hit := a.store.Get(key); hit {
		a.resolveLocked(f, value, msg)
		a.mu.Unlock()
		metrics.AsyncChecksTotal.WithLabelValues("cache_hit").Inc()
		ch <- AsyncOutcome{Field: field, Value: value, Message: msg}
		return ch
	}

	a.setPendingLocked(f, true)
	a.mu.Unlock()

	go func() {
		msg, cacheable := a.run(ctx, rule, value)

		a.mu.Lock()
		defer a.mu.Unlock()
		if f.current != value {
			metrics.AsyncChecksTotal.WithLabelValues("stale").Inc()
			ch <- AsyncOutcome{Field: field, Value: value, Err: ErrStale}
			return
		}
		if cacheable {
			a.store.Add(key, msg)
		}
		a.resolveLocked(f, value, msg)
		ch <- AsyncOutcome{Field: field, Value: value, Message: msg}
	}()
	return ch
}

// run calls the checker with a timeout.  cacheable is false when the call
// failed and the fail-open result must not stick.
func (a *AsyncValidator) run(ctx context.Context, rule AsyncRule, value string) (msg string, cacheable bool) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	key := rule.Field + "\x00" + value
	v, err, _ := a.sfg.Do(key, func() (any, error) {
		return callChecker(ctx, rule, value)
	})
	if err != nil {
		a.log.Warnw("async check failed, treating as valid",
			"field", rule.Field, "err", err)
		metrics.AsyncChecksTotal.WithLabelValues("fail_open").Inc()
		return "", false
	}

	metrics.AsyncChecksTotal.WithLabelValues("remote").Inc()
	if v.(bool) {
		return "", true
	}
	return rule.Message, true
}

type checkResult struct {
	ok  bool
	err error
}

// callChecker runs the checker in its own goroutine so a checker that
// ignores ctx still cannot hold the field past the timeout.
func callChecker(ctx context.Context, rule AsyncRule, value string) (bool, error) {
	if rule.Check == nil {
		return false, fmt.Errorf("field %s: no checker configured", rule.Field)
	}

	done := make(chan checkResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- checkResult{err: fmt.Errorf("checker panic: %v", r)}
			}
		}()
		ok, err := rule.Check(ctx, value, rule.ExcludeID)
		done <- checkResult{ok: ok, err: err}
	}()

	select {
	case r := <-done:
		return r.ok, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// -----------------------------------------------------------------------------
// State
// -----------------------------------------------------------------------------

// State returns a snapshot of field's async state.
func (a *AsyncValidator) State(field string) AsyncCheckState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.fields[field]; ok {
		return f.state
	}
	return AsyncCheckState{}
}

// Resolved returns the result for field when its latest resolved check was
// for value and nothing newer is in flight.
func (a *AsyncValidator) Resolved(field, value string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.fields[field]
	if !ok || f.pending || !f.state.Checked || f.state.LastCheckedValue != value {
		return "", false
	}
	return f.state.Result, true
}

// Pending reports whether any field has an unresolved check.
func (a *AsyncValidator) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight > 0
}

// PendingFields lists fields with unresolved checks, sorted.
func (a *AsyncValidator) PendingFields() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for name, f := range a.fields {
		if f.pending {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Wait blocks until no field is pending or ctx ends.
func (a *AsyncValidator) Wait(ctx context.Context) error {
	for {
		a.mu.Lock()
		if a.inflight == 0 {
			a.mu.Unlock()
			return nil
		}
		idle := a.idle
		a.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CacheLen reports how many results are cached.
func (a *AsyncValidator) CacheLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Len()
}

func (a *AsyncValidator) field(name string) *asyncField {
	f, ok := a.fields[name]
	if !ok {
		f = &asyncField{}
		a.fields[name] = f
	}
	return f
}

func (a *AsyncValidator) resolveLocked(f *asyncField, value, msg string) {
	f.state = AsyncCheckState{Checked: true, LastCheckedValue: value, Result: msg}
	a.setPendingLocked(f, false)
}

func (a *AsyncValidator) setPendingLocked(f *asyncField, pending bool) {
	f.state.Pending = pending
	if f.pending == pending {
		return
	}
	f.pending = pending
	if pending {
		if a.inflight == 0 {
			a.idle = make(chan struct{})
		}
		a.inflight++
		return
	}
	a.inflight--
	if a.inflight == 0 {
		close(a.idle)
	}
}
