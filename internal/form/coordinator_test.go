// internal/form/coordinator_test.go
//
// Unit-tests for the Form submission coordinator.
//
// Context
// -------
// These tests drive the state machine end to end:
//
//   • local failure never reaches the submit callback,
//   • pending async checks hold the submit until they resolve,
//   • server rejections are translated onto client field names,
//   • transport failures surface as one top-level notice,
//   • a second Submit while one is running is refused.

package form

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func itemSchema() Schema {
	return Schema{
		Fields: map[string]FieldSchema{
			"KodeBarang":   {Required("code is required"), MaxLength(20, "code too long")},
			"costPrice":    {Required("cost is required"), Min(0, "cost must be ≥ 0")},
			"sellingPrice": {Required("price is required"), Min(0, "price must be ≥ 0")},
		},
		Order: []string{"KodeBarang", "costPrice", "sellingPrice"},
		Cross: []CrossFieldRule{AtLeast("sellingPrice", "costPrice", "price below cost")},
	}
}

func validItem() Values {
	return Values{"KodeBarang": "BRG-001", "costPrice": "100", "sellingPrice": "150"}
}

func okSubmit(calls *atomic.Int32) SubmitFunc {
	return func(context.Context, Values) (SubmitOutcome, error) {
		calls.Add(1)
		return SubmitOutcome{OK: true}, nil
	}
}

func TestSubmit_ServerRejectedTranslated(t *testing.T) {
	rec := &stateRecorder{}
	f := New(itemSchema(),
		WithValues(validItem()),
		WithFieldNames(NewFieldNames(map[string]string{"kode_barang": "KodeBarang"})),
		WithOnState(rec.record),
	)

	err := f.Submit(context.Background(), func(context.Context, Values) (SubmitOutcome, error) {
		return SubmitOutcome{FieldErrors: RemoteErrorMap{"kode_barang": {"already exists"}}}, nil
	})

	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Kind != ServerValidation {
		t.Fatalf("err = %v, want server ValidationError", err)
	}
	if got := f.Errors()["KodeBarang"]; got != "already exists" {
		t.Fatalf("KodeBarang error = %q", got)
	}
	if f.State() != StateIdle {
		t.Fatalf("state = %v, want idle", f.State())
	}
	want := []State{StateValidating, StateSubmitting, StateServerRejected, StateIdle}
	if diff := cmp.Diff(want, rec.get()); diff != "" {
		t.Fatalf("transitions (-want +got):\n%s", diff)
	}

	// Correcting the field clears the server error.
	f.Set("KodeBarang", "BRG-002")
	if got := f.Errors()["KodeBarang"]; got != "" {
		t.Fatalf("server error survived an edit: %q", got)
	}
}

func TestSubmit_UnknownServerFieldIsFormLevel(t *testing.T) {
	f := New(itemSchema(), WithValues(validItem()))
	err := f.Submit(context.Background(), func(context.Context, Values) (SubmitOutcome, error) {
		return SubmitOutcome{FieldErrors: RemoteErrorMap{
			"warehouse_id":  {"warehouse closed"},
			"selling_price": {" too high ", "too high"},
		}}, nil
	})
	if !IsValidationError(err) {
		t.Fatalf("err = %v", err)
	}
	if diff := cmp.Diff([]string{"warehouse closed"}, f.FormErrors()); diff != "" {
		t.Fatalf("form errors (-want +got):\n%s", diff)
	}
	if got := f.Errors()["sellingPrice"]; got != "too high" {
		t.Fatalf("sellingPrice = %q", got)
	}
}

func TestSubmit_LocalInvalidNeverCallsBack(t *testing.T) {
	var calls atomic.Int32
	rec := &stateRecorder{}
	f := New(itemSchema(), WithValues(Values{"costPrice": 100, "sellingPrice": 50}), WithOnState(rec.record))

	err := f.Submit(context.Background(), okSubmit(&calls))
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Kind != LocalValidation {
		t.Fatalf("err = %v, want local ValidationError", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("submit callback invoked on invalid form")
	}
	wantErrs := map[string]string{"KodeBarang": "code is required", "sellingPrice": "price below cost"}
	if diff := cmp.Diff(wantErrs, f.Errors()); diff != "" {
		t.Fatalf("errors (-want +got):\n%s", diff)
	}
	want := []State{StateValidating, StateInvalid, StateIdle}
	if diff := cmp.Diff(want, rec.get()); diff != "" {
		t.Fatalf("transitions (-want +got):\n%s", diff)
	}
}

func TestSubmit_SuccessClearsErrors(t *testing.T) {
	var calls atomic.Int32
	f := New(itemSchema(), WithValues(validItem()),
		WithFieldNames(NewFieldNames(map[string]string{"kode_barang": "KodeBarang"})))
	_ = f.Submit(context.Background(), func(context.Context, Values) (SubmitOutcome, error) {
		return SubmitOutcome{FieldErrors: RemoteErrorMap{"kode_barang": {"already exists"}}}, nil
	})
	if got := f.Errors()["KodeBarang"]; got != "already exists" {
		t.Fatalf("KodeBarang error before retry = %q", got)
	}

	if err := f.Submit(context.Background(), okSubmit(&calls)); err != nil {
		t.Fatalf("Submit = %v", err)
	}
	if len(f.Errors()) != 0 || len(f.FormErrors()) != 0 {
		t.Fatalf("errors after success: %v %v", f.Errors(), f.FormErrors())
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestSubmit_TransportErrorKeepsValues(t *testing.T) {
	f := New(itemSchema(), WithValues(validItem()))
	err := f.Submit(context.Background(), func(context.Context, Values) (SubmitOutcome, error) {
		return SubmitOutcome{}, errors.New("dial tcp: connection refused")
	})
	if !IsTransportError(err) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if diff := cmp.Diff([]string{DefaultTransportNotice}, f.FormErrors()); diff != "" {
		t.Fatalf("notice (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(validItem(), f.Values()); diff != "" {
		t.Fatalf("values lost (-want +got):\n%s", diff)
	}
	if len(f.Errors()) != 0 {
		t.Fatalf("transport error mapped onto fields: %v", f.Errors())
	}
	if f.State() != StateIdle {
		t.Fatalf("state = %v", f.State())
	}
}

func TestSubmit_PanicBecomesTransportError(t *testing.T) {
	f := New(itemSchema(), WithValues(validItem()))
	err := f.Submit(context.Background(), func(context.Context, Values) (SubmitOutcome, error) {
		panic("nil map")
	})
	if !IsTransportError(err) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if f.State() != StateIdle {
		t.Fatalf("state = %v", f.State())
	}
}

func TestSubmit_RefusesDoubleSubmit(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	submitting := make(chan struct{}, 1)

	f := New(itemSchema(), WithValues(validItem()), WithOnState(func(s State) {
		if s == StateSubmitting {
			submitting <- struct{}{}
		}
	}))
	slow := func(context.Context, Values) (SubmitOutcome, error) {
		calls.Add(1)
		<-release
		return SubmitOutcome{OK: true}, nil
	}

	done := make(chan error, 1)
	go func() { done <- f.Submit(context.Background(), slow) }()
	<-submitting

	if err := f.Submit(context.Background(), slow); !errors.Is(err, ErrSubmitInProgress) {
		t.Fatalf("second Submit = %v, want ErrSubmitInProgress", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Submit = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("callback invoked %d times", calls.Load())
	}
}

func TestSubmit_ConcurrentCallersSubmitOnce(t *testing.T) {
	const callers = 32
	for round := 0; round < 50; round++ {
		var calls atomic.Int32
		release := make(chan struct{})
		f := New(itemSchema(), WithValues(validItem()))
		blocking := func(context.Context, Values) (SubmitOutcome, error) {
			calls.Add(1)
			<-release
			return SubmitOutcome{OK: true}, nil
		}

		start := make(chan struct{})
		errs := make(chan error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				errs <- f.Submit(context.Background(), blocking)
			}()
		}
		close(start)

		// Every caller but the winner is refused without blocking.
		refused := 0
		for refused < callers-1 {
			select {
			case err := <-errs:
				if !errors.Is(err, ErrSubmitInProgress) {
					t.Fatalf("round %d: Submit = %v, want ErrSubmitInProgress", round, err)
				}
				refused++
			case <-time.After(5 * time.Second):
				close(release)
				t.Fatalf("round %d: %d callers refused, callback invoked %d times", round, refused, calls.Load())
			}
		}
		close(release)
		wg.Wait()
		close(errs)
		if err := <-errs; err != nil {
			t.Fatalf("round %d: winning Submit = %v", round, err)
		}
		if n := calls.Load(); n != 1 {
			t.Fatalf("round %d: callback invoked %d times", round, n)
		}
	}
}

func TestSubmit_WaitsForAsync(t *testing.T) {
	g := newGatedChecker("BRG-001")
	s := itemSchema()
	s.Async = map[string]AsyncRule{"KodeBarang": {Check: g.check, Message: "code already used"}}

	asyncPending := make(chan struct{}, 1)
	f := New(s, WithValues(validItem()), WithOnState(func(st State) {
		if st == StateAsyncPending {
			asyncPending <- struct{}{}
		}
	}))

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() { done <- f.Submit(context.Background(), okSubmit(&calls)) }()

	<-asyncPending
	if calls.Load() != 0 {
		t.Fatalf("submitted while async check pending")
	}
	g.gates["BRG-001"] <- true

	if err := <-done; err != nil {
		t.Fatalf("Submit = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestSubmit_AsyncRejectionBlocks(t *testing.T) {
	s := itemSchema()
	s.Async = map[string]AsyncRule{"KodeBarang": {
		Message: "code already used",
		Check:   func(context.Context, string, string) (bool, error) { return false, nil },
	}}
	var calls atomic.Int32
	f := New(s, WithValues(validItem()))

	err := f.Submit(context.Background(), okSubmit(&calls))
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Kind != AsyncValidation {
		t.Fatalf("err = %v, want async ValidationError", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("callback invoked despite async rejection")
	}
	if got := f.Errors()["KodeBarang"]; got != "code already used" {
		t.Fatalf("KodeBarang = %q", got)
	}
}

func TestSubmit_CancelWhileAsyncPending(t *testing.T) {
	g := newGatedChecker("BRG-001")
	s := itemSchema()
	s.Async = map[string]AsyncRule{"KodeBarang": {Check: g.check}}
	f := New(s, WithValues(validItem()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	if err := f.Submit(ctx, okSubmit(&calls)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Submit = %v, want context.Canceled", err)
	}
	if f.State() != StateIdle {
		t.Fatalf("state = %v", f.State())
	}
}

func TestSet_ShowsTouchedErrorsOnly(t *testing.T) {
	f := New(itemSchema())
	if msg := f.Set("costPrice", "100"); msg != "" {
		t.Fatalf("costPrice = %q", msg)
	}
	if msg := f.Set("sellingPrice", "50"); msg != "price below cost" {
		t.Fatalf("sellingPrice = %q", msg)
	}
	if _, shown := f.Errors()["KodeBarang"]; shown {
		t.Fatalf("untouched field error displayed")
	}
	if msg := f.Blur("KodeBarang"); msg != "code is required" {
		t.Fatalf("blur KodeBarang = %q", msg)
	}
	if msg := f.Set("sellingPrice", "abc"); msg != "price below cost" {
		t.Fatalf("non-numeric price = %q", msg)
	}
}

func TestSet_RevalidatesCrossTarget(t *testing.T) {
	f := New(itemSchema(), WithValues(validItem()))
	if msg := f.Set("sellingPrice", "150"); msg != "" {
		t.Fatalf("sellingPrice = %q, want pass", msg)
	}
	// Raising the cost above the price flags the already-touched price.
	f.Set("costPrice", "200")
	if got := f.Errors()["sellingPrice"]; got != "price below cost" {
		t.Fatalf("sellingPrice after cost change = %q", got)
	}
	f.Set("costPrice", "100")
	if got, ok := f.Errors()["sellingPrice"]; ok {
		t.Fatalf("sellingPrice after cost fix = %q", got)
	}
}

func TestSet_AsyncErrorAppliedForCurrentValue(t *testing.T) {
	g := newGatedChecker("A", "AB")
	s := Schema{Async: map[string]AsyncRule{"code": {Check: g.check, Message: "code already used"}}}
	f := New(s)

	f.Set("code", "A")
	f.Set("code", "AB")
	g.gates["A"] <- false
	g.gates["AB"] <- false

	if err := f.Async().Wait(context.Background()); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	snap := waitForError(t, f, "code")
	if snap != "code already used" {
		t.Fatalf("code error = %q", snap)
	}
	if st := f.Async().State("code"); st.LastCheckedValue != "AB" {
		t.Fatalf("last checked = %q", st.LastCheckedValue)
	}
}

// waitForError polls until the async outcome goroutine applied its result.
func waitForError(t *testing.T, f *Form, field string) string {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if msg := f.Errors()[field]; msg != "" {
			return msg
		}
		time.Sleep(time.Millisecond)
	}
	return ""
}
