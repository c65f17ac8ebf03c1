// Package twinheap implements TwinHeaps (component C7): a benefit max-heap
// and a cost min-heap over the same set of non-level-0 segments, used to
// find the single best unit reassignment (give one segment a unit, take one
// away from another) on every adjustment tick.
package twinheap

import (
	"container/heap"
	"math"
	"sync"

	"github.com/dase955/artcache/internal/segment"
	"github.com/dase955/artcache/internal/solver"
)

// NodeSpec is the input to UpsertBatch: a segment's current visit estimate,
// enabled-unit count, and the ceiling TwinHeaps may grow it to.
type NodeSpec struct {
	SID          segment.ID
	VisitCnt     float64
	CurrentUnits int
	UnitsLimit   int
}

// ModifyResult is the outcome of a successful TryModify: swap one unit from
// LossSID to GainSID.
type ModifyResult struct {
	GainSID      segment.ID
	LossSID      segment.ID
	GainNewUnits int
	LossNewUnits int
	Benefit      float64
	Cost         float64
}

type entry struct {
	sid          segment.ID
	visitCnt     float64
	currentUnits int
	unitsLimit   int
	alive        bool
	benefit      float64
	cost         float64
}

func benefitOf(v, rho float64, u, limit int) float64 {
	if u >= limit {
		return 0
	}
	return v * (math.Pow(rho, float64(u)) - math.Pow(rho, float64(u+1)))
}

func costOf(v, rho float64, u, min int) float64 {
	if u <= min {
		return math.Inf(1)
	}
	return v * (math.Pow(rho, float64(u-1)) - math.Pow(rho, float64(u)))
}

// benefitHeap is a max-heap keyed by entry.benefit.
type benefitHeap []*entry

func (h benefitHeap) Len() int            { return len(h) }
func (h benefitHeap) Less(i, j int) bool  { return h[i].benefit > h[j].benefit }
func (h benefitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *benefitHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }
func (h *benefitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// costHeap is a min-heap keyed by entry.cost.
type costHeap []*entry

func (h costHeap) Len() int            { return len(h) }
func (h costHeap) Less(i, j int) bool  { return h[i].cost < h[j].cost }
func (h costHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *costHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }
func (h *costHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Manager owns both heaps and the segment_id -> entry index; all operations
// are guarded by a single lock (internal per-heap locks would be redundant
// since every access funnels through the manager).
type Manager struct {
	mu    sync.Mutex
	items map[segment.ID]*entry

	benefit benefitHeap
	cost    costHeap

	rho      float64
	minUnits int
}

// NewManager builds an empty twin-heap manager. bitsPerKeyPerUnit is the
// filters' bits-per-key setting (the same figure GreedySolver uses to derive
// its own rho, so both components agree on the single-unit false-positive
// rate), and minUnits is MIN_UNITS_NUM, the cost floor below which a
// segment may not give up a unit.
func NewManager(bitsPerKeyPerUnit, minUnits int) *Manager {
	return &Manager{items: make(map[segment.ID]*entry), rho: solver.Rho(bitsPerKeyPerUnit), minUnits: minUnits}
}

// UpsertBatch overwrites or inserts every spec into both heaps, then
// rebuilds both from scratch in O(n).
func (m *Manager) UpsertBatch(specs []NodeSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked(specs)
}

func (m *Manager) upsertLocked(specs []NodeSpec) {
	for _, s := range specs {
		e, ok := m.items[s.SID]
		if !ok {
			e = &entry{sid: s.SID}
			m.items[s.SID] = e
		}
		e.visitCnt = s.VisitCnt
		e.currentUnits = s.CurrentUnits
		e.unitsLimit = s.UnitsLimit
		e.alive = true
		e.benefit = benefitOf(e.visitCnt, m.rho, e.currentUnits, e.unitsLimit)
		e.cost = costOf(e.visitCnt, m.rho, e.currentUnits, m.minUnits)
	}
	m.rebuildLocked()
}

// DeleteBatch marks sids tombstoned; they are swept out on the next rebuild.
func (m *Manager) DeleteBatch(sids []segment.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sid := range sids {
		if e, ok := m.items[sid]; ok {
			e.alive = false
		}
	}
	m.rebuildLocked()
}

// SyncVisitCnt updates approx_visit_cnt for every sid whose drift from the
// heap's recorded value exceeds bound, recomputing value and rebuilding.
func (m *Manager) SyncVisitCnt(current map[segment.ID]float64, bound float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for sid, v := range current {
		e, ok := m.items[sid]
		if !ok || !e.alive {
			continue
		}
		if math.Abs(v-e.visitCnt) > bound {
			e.visitCnt = v
			e.benefit = benefitOf(e.visitCnt, m.rho, e.currentUnits, e.unitsLimit)
			e.cost = costOf(e.visitCnt, m.rho, e.currentUnits, m.minUnits)
			changed = true
		}
	}
	if changed {
		m.rebuildLocked()
	}
}

// SyncUnitsNumLimit updates units_limit for every sid present in limits,
// clamping current_units to the new limit, then rebuilds.
func (m *Manager) SyncUnitsNumLimit(limits map[segment.ID]int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sid, limit := range limits {
		e, ok := m.items[sid]
		if !ok || !e.alive {
			continue
		}
		e.unitsLimit = limit
		if e.currentUnits > limit {
			e.currentUnits = limit
		}
		e.benefit = benefitOf(e.visitCnt, m.rho, e.currentUnits, e.unitsLimit)
		e.cost = costOf(e.visitCnt, m.rho, e.currentUnits, m.minUnits)
	}
	m.rebuildLocked()
}

// SyncCurrentUnits updates current_units for every sid present in units,
// clamping to each node's units_limit, recomputing value and rebuilding.
// Used after a cache update in which some targets may have degraded, so the
// heaps track the units actually enabled rather than the units requested.
func (m *Manager) SyncCurrentUnits(units map[segment.ID]int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for sid, u := range units {
		e, ok := m.items[sid]
		if !ok || !e.alive {
			continue
		}
		if u > e.unitsLimit {
			u = e.unitsLimit
		}
		if u == e.currentUnits {
			continue
		}
		e.currentUnits = u
		e.benefit = benefitOf(e.visitCnt, m.rho, e.currentUnits, e.unitsLimit)
		e.cost = costOf(e.visitCnt, m.rho, e.currentUnits, m.minUnits)
		changed = true
	}
	if changed {
		m.rebuildLocked()
	}
}

// rebuildLocked re-derives both heaps from the live entries in m.items,
// sweeping tombstoned entries out of the index.
func (m *Manager) rebuildLocked() {
	benefitList := make(benefitHeap, 0, len(m.items))
	costList := make(costHeap, 0, len(m.items))

	for sid, e := range m.items {
		if !e.alive {
			delete(m.items, sid)
			continue
		}
		benefitList = append(benefitList, e)
		costList = append(costList, e)
	}

	heap.Init(&benefitList)
	heap.Init(&costList)
	m.benefit = benefitList
	m.cost = costList
}

// TryModify peeks both heap tops and, if they are alive, distinct, and the
// gain's benefit exceeds the loss's cost, swaps one unit from loss to gain
// and reports the change. It never loops: after the swap is applied via
// upsert (which recomputes both entries' values), a subsequent call sees
// updated benefit/cost and may no longer find an improving swap.
func (m *Manager) TryModify() (ModifyResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.benefit) == 0 || len(m.cost) == 0 {
		return ModifyResult{}, false
	}

	gain := m.benefit[0]
	loss := m.cost[0]

	if !gain.alive || !loss.alive || gain.sid == loss.sid {
		return ModifyResult{}, false
	}
	if !(gain.benefit > loss.cost) {
		return ModifyResult{}, false
	}

	result := ModifyResult{
		GainSID:      gain.sid,
		LossSID:      loss.sid,
		GainNewUnits: gain.currentUnits + 1,
		LossNewUnits: loss.currentUnits - 1,
		Benefit:      gain.benefit,
		Cost:         loss.cost,
	}

	m.upsertLocked([]NodeSpec{
		{SID: gain.sid, VisitCnt: gain.visitCnt, CurrentUnits: result.GainNewUnits, UnitsLimit: gain.unitsLimit},
		{SID: loss.sid, VisitCnt: loss.visitCnt, CurrentUnits: result.LossNewUnits, UnitsLimit: loss.unitsLimit},
	})

	return result, true
}

// NodeState is one live node's snapshot as seen by BatchQuery.
type NodeState struct {
	SID          segment.ID
	VisitCnt     float64
	CurrentUnits int
	UnitsLimit   int
}

// BatchQuery returns the state of every requested sid that is tracked and
// alive, in the order given; tombstoned and absent sids are omitted.
func (m *Manager) BatchQuery(sids []segment.ID) []NodeState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]NodeState, 0, len(sids))
	for _, sid := range sids {
		e, ok := m.items[sid]
		if !ok || !e.alive {
			continue
		}
		out = append(out, NodeState{
			SID:          e.sid,
			VisitCnt:     e.visitCnt,
			CurrentUnits: e.currentUnits,
			UnitsLimit:   e.unitsLimit,
		})
	}
	return out
}

// Len returns the number of live (non-tombstoned) segments tracked.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Contains reports whether sid is currently tracked and alive.
func (m *Manager) Contains(sid segment.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[sid]
	return ok && e.alive
}
