// internal/instance/registry.go
//
// Live form instances.
//
// Context
// -------
// The HTTP gateway is stateless per request, but a form instance is not: it
// carries touched fields, the async cache, in-flight checks, and the
// submission state machine.  Registry keeps each *form.Form in memory
// under a random UUID between requests, the same way the process caches any
// other per-session runtime object.
//
// Workflow
// --------
//  1. Create stores a new instance and returns its ID.
//  2. Acquire refreshes lastSeen and takes a lease for the length of one
//     request.  The handler calls Release when it is done.
//  3. The evictor (evictor.go) drops idle instances and, under pressure,
//     the least-recently-used ones.
//
// Notes
// -----
//   - An instance is retired by swapping its lease count from 0 to -1, so
//     an instance under any lease (a submit in progress included) is never
//     evicted, and a retired instance can no longer be acquired.
package instance

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yanizio/formgate/internal/form"
	"github.com/yanizio/formgate/internal/metrics"
)

// Static defaults.  Override through config.
const (
	IdleTTL       = 30 * time.Minute
	MaxEntries    = 10000
	EvictInterval = time.Minute
)

// ErrNotFound is returned when an ID is unknown or already evicted.
var ErrNotFound = errors.New("form instance not found")

// Instance is one live form.
type Instance struct {
	ID       string
	FormID   string // Definition the instance was built from.
	Form     *form.Form
	Created  time.Time
	lastSeen atomic.Int64 // UnixNano
	leases   atomic.Int32 // Active requests; -1 once retired.
}

// LastSeen reports when the instance was last touched.
func (i *Instance) LastSeen() time.Time { return time.Unix(0, i.lastSeen.Load()) }

func (i *Instance) touch(now time.Time) { i.lastSeen.Store(now.UnixNano()) }

// Release ends a lease taken by Acquire.
func (i *Instance) Release() { i.leases.Add(-1) }

func (i *Instance) acquire() bool {
	for {
		n := i.leases.Load()
		if n < 0 {
			return false
		}
		if i.leases.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// retire succeeds only when no lease is held.
func (i *Instance) retire() bool { return i.leases.CompareAndSwap(0, -1) }

// Registry stores instances in a sync.Map and evicts them on idle TTL or
// LRU pressure.
type Registry struct {
	m          sync.Map // id → *Instance
	count      atomic.Int64
	idleTTL    time.Duration
	maxEntries int
	log        *zap.SugaredLogger
	now        func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// Options configures New.  Zero values select the package defaults.
type Options struct {
	IdleTTL       time.Duration
	MaxEntries    int
	EvictInterval time.Duration
	Logger        *zap.SugaredLogger
}

// New constructs a Registry and starts the background evictor.  Call Close
// to stop it.
func New(opts Options) *Registry {
	r := &Registry{
		idleTTL:    opts.IdleTTL,
		maxEntries: opts.MaxEntries,
		log:        opts.Logger,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	if r.idleTTL <= 0 {
		r.idleTTL = IdleTTL
	}
	if r.maxEntries <= 0 {
		r.maxEntries = MaxEntries
	}
	if r.log == nil {
		r.log = zap.S()
	}
	every := opts.EvictInterval
	if every <= 0 {
		every = EvictInterval
	}
	go r.evictLoop(every)
	return r
}

// Create stores f under a fresh ID.
func (r *Registry) Create(formID string, f *form.Form) *Instance {
	now := r.now()
	inst := &Instance{
		ID:      uuid.NewString(),
		FormID:  formID,
		Form:    f,
		Created: now,
	}
	inst.touch(now)
	r.m.Store(inst.ID, inst)
	r.count.Add(1)
	metrics.ActiveInstances.Inc()
	return inst
}

// Acquire returns the instance for id, marks it as seen, and leases it
// against eviction.  Every successful call must be paired with Release.
func (r *Registry) Acquire(id string) (*Instance, error) {
	v, ok := r.m.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	inst := v.(*Instance)
	if !inst.acquire() {
		return nil, ErrNotFound
	}
	inst.touch(r.now())
	return inst, nil
}

// Delete removes id.  Unknown IDs are ignored.
func (r *Registry) Delete(id string) {
	if _, ok := r.m.LoadAndDelete(id); ok {
		r.count.Add(-1)
		metrics.ActiveInstances.Dec()
	}
}

// Len reports how many instances are live.
func (r *Registry) Len() int { return int(r.count.Load()) }

// Close stops the evictor.  Stored instances stay readable.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}
