// internal/form/async_test.go
//
// Unit-tests for AsyncValidator: staleness discard, caching, fail-open,
// timeouts, and Wait.

package form

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yanizio/formgate/internal/cache"
)

// gatedChecker blocks each call until the test releases that value.
type gatedChecker struct {
	mu    sync.Mutex
	gates map[string]chan bool
	calls atomic.Int32
}

func newGatedChecker(values ...string) *gatedChecker {
	g := &gatedChecker{gates: make(map[string]chan bool)}
	for _, v := range values {
		g.gates[v] = make(chan bool)
	}
	return g
}

func (g *gatedChecker) check(ctx context.Context, value, _ string) (bool, error) {
	g.calls.Add(1)
	g.mu.Lock()
	gate := g.gates[value]
	g.mu.Unlock()
	select {
	case ok := <-gate:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestAsync_StaleResultDiscarded(t *testing.T) {
	g := newGatedChecker("A", "AB")
	a := NewAsyncValidator(map[string]AsyncRule{
		"code": {Check: g.check, Message: "code already used"},
	})
	ctx := context.Background()

	chA := a.Start(ctx, "code", "A")
	chAB := a.Start(ctx, "code", "AB")

	// "A" resolves first, as taken.
	g.gates["A"] <- false
	outA := <-chA
	if !errors.Is(outA.Err, ErrStale) {
		t.Fatalf("A outcome err = %v, want ErrStale", outA.Err)
	}

	st := a.State("code")
	if !st.Pending {
		t.Fatalf("field should still be pending on AB")
	}
	if st.Checked || st.Result != "" {
		t.Fatalf("stale A result leaked into state: %+v", st)
	}

	g.gates["AB"] <- true
	outAB := <-chAB
	if outAB.Err != nil || outAB.Message != "" {
		t.Fatalf("AB outcome = %+v", outAB)
	}
	st = a.State("code")
	if st.Pending || !st.Checked || st.LastCheckedValue != "AB" {
		t.Fatalf("final state = %+v", st)
	}
	if a.Pending() {
		t.Fatalf("validator still pending")
	}
}

func TestAsync_CachedPerValue(t *testing.T) {
	var calls atomic.Int32
	a := NewAsyncValidator(map[string]AsyncRule{
		"code": {
			Message: "taken",
			Check: func(_ context.Context, v, _ string) (bool, error) {
				calls.Add(1)
				return v != "X1", nil
			},
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg, err := a.Check(ctx, "code", "X1")
		if err != nil || msg != "taken" {
			t.Fatalf("Check X1 = %q, %v", msg, err)
		}
	}
	if msg, _ := a.Check(ctx, "code", "X2"); msg != "" {
		t.Fatalf("X2 = %q, want accepted", msg)
	}
	if msg, _ := a.Check(ctx, "code", "X1"); msg != "taken" {
		t.Fatalf("X1 again = %q", msg)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("remote calls = %d, want 2", n)
	}
	if a.CacheLen() != 2 {
		t.Fatalf("cache len = %d, want 2", a.CacheLen())
	}
}

func TestAsync_BoundedStore(t *testing.T) {
	var calls atomic.Int32
	a := NewAsyncValidator(map[string]AsyncRule{
		"code": {Check: func(context.Context, string, string) (bool, error) {
			calls.Add(1)
			return true, nil
		}},
	}, WithStore(cache.NewLRU[CacheKey, string](1, 0)))
	ctx := context.Background()

	a.Check(ctx, "code", "a")
	a.Check(ctx, "code", "b") // evicts a
	a.Check(ctx, "code", "a")
	if n := calls.Load(); n != 3 {
		t.Fatalf("remote calls = %d, want 3", n)
	}
	if a.CacheLen() != 1 {
		t.Fatalf("cache len = %d, want 1", a.CacheLen())
	}
}

func TestAsync_FailOpenNotCached(t *testing.T) {
	var calls atomic.Int32
	a := NewAsyncValidator(map[string]AsyncRule{
		"code": {Message: "taken", Check: func(context.Context, string, string) (bool, error) {
			calls.Add(1)
			return false, errors.New("503 service unavailable")
		}},
	})
	ctx := context.Background()

	msg, err := a.Check(ctx, "code", "Z")
	if err != nil || msg != "" {
		t.Fatalf("fail-open Check = %q, %v", msg, err)
	}
	a.Check(ctx, "code", "Z")
	if n := calls.Load(); n != 2 {
		t.Fatalf("failed result was cached: calls = %d", n)
	}
	if msg, ok := a.Resolved("code", "Z"); !ok || msg != "" {
		t.Fatalf("Resolved = %q, %v", msg, ok)
	}
}

func TestAsync_PanicFailsOpen(t *testing.T) {
	a := NewAsyncValidator(map[string]AsyncRule{
		"code": {Message: "taken", Check: func(context.Context, string, string) (bool, error) {
			panic("boom")
		}},
	})
	if msg, err := a.Check(context.Background(), "code", "Z"); err != nil || msg != "" {
		t.Fatalf("Check = %q, %v", msg, err)
	}
}

func TestAsync_TimeoutFailsOpen(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	a := NewAsyncValidator(map[string]AsyncRule{
		"code": {Message: "taken", Check: func(context.Context, string, string) (bool, error) {
			<-block // ignores ctx on purpose
			return false, nil
		}},
	}, WithCheckTimeout(20*time.Millisecond))

	start := time.Now()
	msg, err := a.Check(context.Background(), "code", "slow")
	if err != nil || msg != "" {
		t.Fatalf("Check = %q, %v", msg, err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestAsync_EmptyValueSkipsRemote(t *testing.T) {
	g := newGatedChecker("A")
	a := NewAsyncValidator(map[string]AsyncRule{"code": {Check: g.check, Message: "taken"}})

	chA := a.Start(context.Background(), "code", "A")
	if msg, err := a.Check(context.Background(), "code", ""); msg != "" || err != nil {
		t.Fatalf("empty Check = %q, %v", msg, err)
	}
	if a.Pending() {
		t.Fatalf("clearing the field should clear pending")
	}
	g.gates["A"] <- false
	if out := <-chA; !errors.Is(out.Err, ErrStale) {
		t.Fatalf("A after clear = %+v, want stale", out)
	}
	if g.calls.Load() != 1 {
		t.Fatalf("empty value reached the checker")
	}
}

func TestAsync_Wait(t *testing.T) {
	g := newGatedChecker("A")
	a := NewAsyncValidator(map[string]AsyncRule{"code": {Check: g.check}})
	ch := a.Start(context.Background(), "code", "A")

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := a.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
	if got := a.PendingFields(); len(got) != 1 || got[0] != "code" {
		t.Fatalf("PendingFields = %v", got)
	}

	g.gates["A"] <- true
	<-ch
	if err := a.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after resolve = %v", err)
	}
}

func TestAsync_IndependentFields(t *testing.T) {
	g := newGatedChecker("c1", "s1")
	a := NewAsyncValidator(map[string]AsyncRule{
		"code": {Check: g.check, Message: "code taken"},
		"sku":  {Check: g.check, Message: "sku taken"},
	})
	ctx := context.Background()
	chCode := a.Start(ctx, "code", "c1")
	chSKU := a.Start(ctx, "sku", "s1")

	g.gates["s1"] <- false
	if out := <-chSKU; out.Message != "sku taken" {
		t.Fatalf("sku = %+v", out)
	}
	if !a.State("code").Pending {
		t.Fatalf("code should still be pending")
	}
	g.gates["c1"] <- true
	if out := <-chCode; out.Err != nil || out.Message != "" {
		t.Fatalf("code = %+v", out)
	}
}
