// Package visits tracks approximate per-segment visit counts across two
// trailing long periods, so the allocation engine can estimate a segment's
// current visit rate without waiting a full period for fresh data.
package visits

import (
	"sync"

	"github.com/dase955/artcache/internal/segment"
)

// Config carries the period tunables needed for estimate_for_all.
type Config struct {
	PeriodCount  int64
	TrainPeriods int64
}

// Counters is the two-map visit estimator (component C2).
type Counters struct {
	cfg Config

	mu      sync.Mutex
	current map[segment.ID]uint64
	last    map[segment.ID]uint64
}

// New builds an empty Counters.
func New(cfg Config) *Counters {
	return &Counters{
		cfg:     cfg,
		current: make(map[segment.ID]uint64),
		last:    make(map[segment.ID]uint64),
	}
}

// Hit increments the current-period visit count for sid, creating it with 1
// if absent.
func (c *Counters) Hit(sid segment.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current[sid]++
}

// Rollover copies current into last and zeroes current. Fires at long-period
// boundaries.
func (c *Counters) Rollover() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sid, n := range c.current {
		c.last[sid] = n
		c.current[sid] = 0
	}
}

// EstimateForAll fills dst with a blended estimate of each known segment's
// current visit rate:
//
//	p = (shortPeriodsElapsed*PeriodCount + getCnt) / (TrainPeriods*PeriodCount)
//	dst[sid] = current[sid] + (1-p) * last[sid]
//
// p is clamped to at most 1 so the last-period contribution never goes
// negative.
func (c *Counters) EstimateForAll(dst map[segment.ID]float64, shortPeriodsElapsed int64, getCnt int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := float64(shortPeriodsElapsed*c.cfg.PeriodCount+getCnt) / float64(c.cfg.TrainPeriods*c.cfg.PeriodCount)
	if p > 1 {
		p = 1
	}
	if p < 0 {
		p = 0
	}

	seen := make(map[segment.ID]struct{}, len(c.current)+len(c.last))
	for sid := range c.current {
		seen[sid] = struct{}{}
	}
	for sid := range c.last {
		seen[sid] = struct{}{}
	}

	for sid := range seen {
		dst[sid] = float64(c.current[sid]) + (1-p)*float64(c.last[sid])
	}
}

// Inherit removes every old id from both maps and seeds each new id's last
// count with uint(InheritRemainFactor * sum(weights[new][old]*lastCount[old]));
// a new id absent from weights is seeded with level0Base instead. The
// inherited value lands in last (not current) so EstimateForAll blends it
// down as the new segment accrues its own current-period visits. Every new
// id also gets a current entry (seeded to 0), so a freshly inserted segment
// is immediately visible to Hit/EstimateForAll without a map-creation race.
func (c *Counters) Inherit(oldIDs, newIDs []segment.ID, weights map[segment.ID]map[segment.ID]float64, inheritRemainFactor float64, level0Base uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldLast := make(map[segment.ID]uint64, len(oldIDs))
	for _, old := range oldIDs {
		oldLast[old] = c.last[old]
		delete(c.current, old)
		delete(c.last, old)
	}

	for _, n := range newIDs {
		c.current[n] = 0

		w, ok := weights[n]
		if !ok {
			c.last[n] = level0Base
			continue
		}
		var sum float64
		for old, weight := range w {
			sum += weight * float64(oldLast[old])
		}
		c.last[n] = uint64(inheritRemainFactor * sum)
	}
}

// Get returns the raw current and last period counts for sid, for callers
// that need the unblended values (e.g. seeding TwinHeaps/GreedySolver inputs).
func (c *Counters) Get(sid segment.ID) (current, last uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current[sid], c.last[sid]
}

// Delete removes sids from both maps without inheritance (used by
// delete_segments, where no replacement exists).
func (c *Counters) Delete(sids []segment.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sid := range sids {
		delete(c.current, sid)
		delete(c.last, sid)
	}
}

// Decay multiplies every tracked count for sids by factor, used by
// move_segments before re-insertion.
func (c *Counters) Decay(sids []segment.ID, factor float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sid := range sids {
		if v, ok := c.current[sid]; ok {
			c.current[sid] = uint64(factor * float64(v))
		}
		if v, ok := c.last[sid]; ok {
			c.last[sid] = uint64(factor * float64(v))
		}
	}
}
