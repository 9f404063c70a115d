package monitor

import (
	"cmp"
	"slices"

	"github.com/GemAppSec/CxDynEngine/internal/model"
)

type entry struct {
	scan     model.Scan
	counted  bool   // holds a limiter slot
	lastSeen uint64 // cycle which observed the scan last
}

// registry holds the last observed record of every active scan and the
// working set of scans whose engine was already blocked.
type registry struct {
	active  map[int64]*entry
	working map[int64]struct{}
}

func newRegistry() registry {
	return registry{
		active:  make(map[int64]*entry),
		working: make(map[int64]struct{}),
	}
}

func (r *registry) get(id int64) (*entry, bool) {
	e, ok := r.active[id]
	return e, ok
}

func (r *registry) put(scan model.Scan, counted bool, cycle uint64) *entry {
	e := &entry{scan: scan, counted: counted, lastSeen: cycle}
	r.active[scan.ID] = e
	return e
}

// remove deletes the scan from both the registry and the working set.
func (r *registry) remove(id int64) (*entry, bool) {
	e, ok := r.active[id]
	if !ok {
		return nil, false
	}
	delete(r.active, id)
	delete(r.working, id)
	return e, true
}

func (r *registry) isWorking(id int64) bool {
	_, ok := r.working[id]
	return ok
}

func (r *registry) markWorking(id int64) {
	r.working[id] = struct{}{}
}

// stale returns the entries not observed during the last k cycles, ordered by id.
func (r *registry) stale(cycle, k uint64) []*entry {
	var ret []*entry
	for _, e := range r.active {
		if cycle-e.lastSeen >= k {
			ret = append(ret, e)
		}
	}
	slices.SortFunc(ret, func(a, b *entry) int {
		return cmp.Compare(a.scan.ID, b.scan.ID)
	})
	return ret
}
