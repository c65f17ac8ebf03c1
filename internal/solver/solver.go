// Package solver implements GreedySolver (component C5): a marginal-benefit
// knapsack over filter units, assigning each segment as many units as the
// capacity allows, highest expected benefit first.
package solver

import (
	"container/heap"
	"math"
	"sort"

	"github.com/dase955/artcache/internal/filterunit"
	"github.com/dase955/artcache/internal/segment"
)

// Info is one segment's solver input: its estimated visit count and the
// per-unit storage cost for its filter.
type Info struct {
	VisitCnt    float64
	BitsPerUnit uint64
}

// Trace, if non-nil, is called once per unit assignment Solve makes —
// a diagnostic hook, not a contract the caller depends on.
type Trace func(sid segment.ID, fromUnits, toUnits int, benefit float64)

// Rho returns the single-unit false-positive rate for a filter built with
// bitsPerKeyPerUnit bits per key: (1 - e^(-p/b))^p where p is the clamped
// hash-function count.
func Rho(bitsPerKeyPerUnit int) float64 {
	b := float64(bitsPerKeyPerUnit)
	p := float64(filterunit.HashCount(bitsPerKeyPerUnit))
	return math.Pow(1-math.Exp(-p/b), p)
}

// benefit returns the marginal gain of enabling unit u+1 (0-indexed),
// zero once u has reached maxUnits or v is non-positive.
func benefit(v, rho float64, u, maxUnits int) float64 {
	if u >= maxUnits || v <= 0 {
		return 0
	}
	return v * (math.Pow(rho, float64(u)) - math.Pow(rho, float64(u+1)))
}

type entry struct {
	sid         segment.ID
	visitCnt    float64
	bitsPerUnit uint64
	rho         float64
	units       int
	benefit     float64
	order       int // insertion sequence for stable tie-breaking
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].benefit != h[j].benefit {
		return h[i].benefit > h[j].benefit
	}
	return h[i].order < h[j].order
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) {
	*h = append(*h, x.(*entry))
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Solve assigns solution[sid] in [0, maxUnits] for every sid in infos,
// greedily granting the unit of highest marginal benefit first until
// capBits is exhausted. bitsPerKeyPerUnit is the filter's hash-tuning
// parameter used to derive rho; it is distinct from Info.BitsPerUnit, which
// is the per-segment storage-cost figure.
//
// sids are visited in sorted order when seeding insertion sequence, not map
// iteration order, so tie-breaks among equal-benefit entries are
// deterministic across runs.
func Solve(infos map[segment.ID]Info, capBits uint64, maxUnits int, bitsPerKeyPerUnit int, trace Trace) map[segment.ID]int {
	solution := make(map[segment.ID]int, len(infos))
	rho := Rho(bitsPerKeyPerUnit)

	sids := make([]segment.ID, 0, len(infos))
	for sid := range infos {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })

	h := make(entryHeap, 0, len(infos))
	order := 0
	for _, sid := range sids {
		info := infos[sid]
		solution[sid] = 0
		b := benefit(info.VisitCnt, rho, 0, maxUnits)
		if info.VisitCnt <= 0 || b <= 0 {
			continue
		}
		h = append(h, &entry{
			sid: sid, visitCnt: info.VisitCnt, bitsPerUnit: info.BitsPerUnit,
			rho: rho, units: 0, benefit: b, order: order,
		})
		order++
	}
	heap.Init(&h)

	var used uint64
	for h.Len() > 0 {
		top := heap.Pop(&h).(*entry)

		if top.bitsPerUnit > capBits-used {
			continue // doesn't fit; drop permanently
		}

		used += top.bitsPerUnit
		fromUnits := top.units
		top.units++
		solution[top.sid] = top.units

		if trace != nil {
			trace(top.sid, fromUnits, top.units, top.benefit)
		}

		nextBenefit := benefit(top.visitCnt, top.rho, top.units, maxUnits)
		if top.units >= maxUnits || nextBenefit <= 0 {
			continue
		}

		top.benefit = nextBenefit
		top.order = order
		order++
		heap.Push(&h, top)
	}

	return solution
}
