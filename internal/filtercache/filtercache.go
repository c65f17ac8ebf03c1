// Package filtercache implements FilterCacheMap (component C4): the
// segment_id -> FilterCacheItem mapping with budget accounting split between
// level-0 segments (always fully enabled, excluded from the budget check)
// and everything else.
package filtercache

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dase955/artcache/internal/filterunit"
	"github.com/dase955/artcache/internal/segment"
)

// Map is the budget-tracked segment_id -> Item table.
type Map struct {
	mu    sync.RWMutex
	items map[segment.ID]*filterunit.Item

	usedBits       uint64
	level0UsedBits uint64

	cacheBits uint64
	fullRate  float64
	readyRate float64
}

// New builds an empty Map with the given capacity and thresholds.
func New(cacheBits uint64, fullRate, readyRate float64) *Map {
	return &Map{
		items:     make(map[segment.ID]*filterunit.Item),
		cacheBits: cacheBits,
		fullRate:  fullRate,
		readyRate: readyRate,
	}
}

// Probe returns the membership test for sid, or true (conservative) if sid
// is unknown to the map.
func (m *Map) Probe(sid segment.ID, key []byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[sid]
	if !ok {
		return true
	}
	return item.CheckKey(key)
}

// Target is one (segment, desired enabled-unit count) pair for a batch
// upsert.
type Target struct {
	SegmentID segment.ID
	Units     int
}

// EnableBatch creates missing items from freshItems (keyed by segment id)
// and sets enabled_units for every target, subject to the budget check
// unless forced or the segment is level-0. Segments that don't fit are
// appended to the returned failed slice; an existing item is left unchanged,
// and a new one is still created, at zero enabled units. A target with
// neither an existing item nor a fresh one is failed and not created.
func (m *Map) EnableBatch(targets []Target, freshItems map[segment.ID]*filterunit.Item, forced bool, level0 map[segment.ID]bool) (failed []segment.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range targets {
		isLevel0 := level0[t.SegmentID]
		item, exists := m.items[t.SegmentID]
		if !exists {
			fresh, ok := freshItems[t.SegmentID]
			if !ok {
				failed = append(failed, t.SegmentID)
				continue
			}
			item = fresh
		}

		if !m.tryApply(item, t.Units, forced, isLevel0) {
			failed = append(failed, t.SegmentID)
			if !exists {
				// Degrade to zero units rather than leaving the segment
				// untracked: a zero-unit item costs no budget and keeps
				// probe/twin-heap membership consistent.
				item.EnableUnits(0)
				m.items[t.SegmentID] = item
			}
			continue
		}
		m.items[t.SegmentID] = item
	}

	return failed
}

// UpdateBatch sets enabled_units for every target whose segment already has
// an item; missing segments are recorded as failed and otherwise ignored.
func (m *Map) UpdateBatch(targets []Target, forced bool, level0 map[segment.ID]bool) (failed []segment.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range targets {
		item, exists := m.items[t.SegmentID]
		if !exists {
			failed = append(failed, t.SegmentID)
			continue
		}
		if !m.tryApply(item, t.Units, forced, level0[t.SegmentID]) {
			failed = append(failed, t.SegmentID)
		}
	}

	return failed
}

// tryApply applies enabled_units=n to item if forced, level-0, or the
// resulting used_bits stays within budget; it updates the accounting
// counters on success, and leaves item untouched on rejection. Caller must
// hold m.mu.
func (m *Map) tryApply(item *filterunit.Item, n int, forced, isLevel0 bool) bool {
	oldEnabled := item.EnabledUnits()
	oldBits := item.ApproximateSize()

	item.EnableUnits(n)
	newBits := item.ApproximateSize()

	if !forced && !isLevel0 {
		// The non-level-0 pool is cache_bits*FullRate - level0_used_bits,
		// so checking total used bits against the FullRate budget bounds
		// both pools at once.
		newUsed := m.usedBits - oldBits + newBits
		budget := uint64(float64(m.cacheBits) * m.fullRate)
		if newUsed > budget {
			item.EnableUnits(oldEnabled)
			return false
		}
	}

	m.usedBits = m.usedBits - oldBits + newBits
	if isLevel0 {
		m.level0UsedBits = m.level0UsedBits - oldBits + newBits
	}
	return true
}

// ReleaseBatch removes sids from the map, adjusting both counters.
func (m *Map) ReleaseBatch(sids []segment.ID, level0 map[segment.ID]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := append([]segment.ID(nil), sids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, sid := range sorted {
		item, ok := m.items[sid]
		if !ok {
			continue
		}
		bits := item.ApproximateSize()
		m.usedBits -= bits
		if level0[sid] {
			m.level0UsedBits -= bits
		}
		delete(m.items, sid)
	}
}

// IsFull reports used_bits/cache_bits >= FullRate.
func (m *Map) IsFull() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return float64(m.usedBits) >= float64(m.cacheBits)*m.fullRate
}

// IsReady reports used_bits/cache_bits >= ReadyRate.
func (m *Map) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return float64(m.usedBits) >= float64(m.cacheBits)*m.readyRate
}

// UsedBits returns the current total enabled-unit bits.
func (m *Map) UsedBits() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usedBits
}

// Level0UsedBits returns the current level-0 enabled-unit bits.
func (m *Map) Level0UsedBits() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level0UsedBits
}

// Item returns the item for sid, if present.
func (m *Map) Item(sid segment.ID) (*filterunit.Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[sid]
	return item, ok
}

// Len returns the number of tracked segments.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// CheckInvariant reports whether the map's accounting counters are still
// consistent: level0_used_bits can never exceed used_bits (level-0 segments
// are a subset of all tracked bits), and used_bits can never exceed the
// physical cache_bits capacity regardless of any forced update. A violation
// here means tryApply's bookkeeping has drifted from the items it tracks,
// which indicates a bug rather than a recoverable condition.
func (m *Map) CheckInvariant() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.level0UsedBits > m.usedBits {
		return fmt.Errorf("filtercache: level0_used_bits (%d) exceeds used_bits (%d)", m.level0UsedBits, m.usedBits)
	}
	if m.usedBits > m.cacheBits {
		return fmt.Errorf("filtercache: used_bits (%d) exceeds cache_bits capacity (%d)", m.usedBits, m.cacheBits)
	}
	return nil
}
