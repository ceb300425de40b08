// evictor.go houses the eviction loop for Registry.  Every interval it
// scans the map and removes:
//
//   - instances idle longer than idleTTL
//   - least-recently-used instances when the map exceeds maxEntries
//
// Leased instances (a request, and so any submit, in progress) are skipped by
// both passes.  Each eviction is logged and counted in Prometheus.
package instance

import (
	"sort"
	"time"

	"github.com/yanizio/formgate/internal/metrics"
)

func (r *Registry) evictLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			r.evictOnce()
		}
	}
}

// evictOnce runs one idle pass and one LRU pass.  It returns the number of
// instances removed.
func (r *Registry) evictOnce() int {
	now := r.now()
	removed := 0

	// ----------------------------------------------------------------
	// Idle eviction pass
	// ----------------------------------------------------------------
	r.m.Range(func(key, value any) bool {
		inst := value.(*Instance)
		idle := now.Sub(inst.LastSeen())
		if idle > r.idleTTL && r.evict(key.(string), inst) {
			r.log.Debugw("form instance evicted", "id", key, "form", inst.FormID,
				"idle", idle.Truncate(time.Second))
			removed++
		}
		return true
	})

	// ----------------------------------------------------------------
	// LRU eviction pass
	// ----------------------------------------------------------------
	if over := r.Len() - r.maxEntries; over > 0 {
		type kv struct {
			inst *Instance
			at   int64
		}
		var all []kv
		r.m.Range(func(_, value any) bool {
			inst := value.(*Instance)
			if inst.leases.Load() == 0 {
				all = append(all, kv{inst: inst, at: inst.lastSeen.Load()})
			}
			return true
		})
		sort.Slice(all, func(i, j int) bool { return all[i].at < all[j].at })
		for _, c := range all {
			if over == 0 {
				break
			}
			if r.evict(c.inst.ID, c.inst) {
				r.log.Debugw("form instance evicted (LRU pressure)", "id", c.inst.ID)
				removed++
				over--
			}
		}
	}
	return removed
}

// evict retires inst and removes it.  It reports false when inst is leased
// or was already removed.
func (r *Registry) evict(id string, inst *Instance) bool {
	if !inst.retire() {
		return false
	}
	if !r.m.CompareAndDelete(id, inst) {
		return false
	}
	r.count.Add(-1)
	metrics.InstanceEvictTotal.Inc()
	metrics.ActiveInstances.Dec()
	return true
}
