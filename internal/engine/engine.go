// Package engine implements AllocationEngine (component C8), the
// thread-safe façade that coordinates HeatBuckets, VisitCounters,
// FilterCacheMap, GreedySolver, ClassifierClient, and TwinHeaps around
// lookup, compaction, and the background retrain/adjust loop.
//
// The lookup, observation, compaction, and retrain methods submit their
// work to the background pool (component C9) and return immediately, except
// CheckKey, which performs the probe inline and only defers the hit-count
// update, since it is the only operation on the hot read path. AdjustOnce,
// Stats, and IsReady run on the caller's goroutine.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dase955/artcache/internal/classifier"
	"github.com/dase955/artcache/internal/filtercache"
	"github.com/dase955/artcache/internal/filterunit"
	"github.com/dase955/artcache/internal/heat"
	"github.com/dase955/artcache/internal/segment"
	"github.com/dase955/artcache/internal/solver"
	"github.com/dase955/artcache/internal/twinheap"
	"github.com/dase955/artcache/internal/visits"
	"github.com/dase955/artcache/pkg/config"
	"github.com/dase955/artcache/pkg/logging"
	"github.com/dase955/artcache/pkg/workers"
)

// KeySource supplies the live key set for a segment, needed to build fresh
// Bloom filter units. The engine never persists keys itself.
type KeySource func(sid segment.ID) [][]byte

// NewSegment describes one newly created segment for InsertSegments.
type NewSegment struct {
	ID    segment.ID
	Level int
	Range heat.SegmentRange
}

type segMeta struct {
	level int
	rng   heat.SegmentRange
}

// Engine is the allocation engine façade (component C8).
type Engine struct {
	cfg  *config.Config
	log  *logging.Logger
	pool *workers.Pool

	keys KeySource

	heat       *heat.HeatBuckets
	visits     *visits.Counters
	cache      *filtercache.Map
	twin       *twinheap.Manager
	classifier *classifier.Client

	segMu sync.RWMutex
	segs  map[segment.ID]segMeta

	readyMu sync.Mutex
	ready   bool

	periodMu     sync.Mutex
	reads        int64
	shortPeriods int64
	trainSignal  bool
}

// New builds an Engine wiring every component from cfg, sharing log and the
// background pool. keys supplies the live key set for a segment when the
// engine needs to build fresh filter units; it is never cached by the
// engine itself.
func New(cfg *config.Config, log *logging.Logger, pool *workers.Pool, keys KeySource) *Engine {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}

	return &Engine{
		cfg:  cfg,
		log:  log.WithComponent("engine"),
		pool: pool,
		keys: keys,

		heat: heat.New(heat.Config{
			Alpha:             cfg.BucketsAlpha,
			SamplesLimit:      cfg.SamplesLimit,
			SamplesMaxCnt:     cfg.SamplesMaxCnt,
			DefaultBucketsNum: cfg.DefaultBucketsNum,
			PeriodCount:       uint64(cfg.PeriodCount),
			MagicFactor:       uint64(cfg.MagicFactor),
		}),
		visits: visits.New(visits.Config{
			PeriodCount:  cfg.PeriodCount,
			TrainPeriods: cfg.TrainPeriods,
		}),
		cache: filtercache.New(uint64(cfg.CacheSpaceSizeBits), cfg.FullRate, cfg.ReadyRate),
		twin:  twinheap.NewManager(cfg.BitsPerKeyPerUnit, cfg.MinUnitsNum),
		classifier: classifier.New(classifier.Config{
			Host:                           cfg.Host,
			Port:                           cfg.Port,
			BufferSize:                     cfg.BufferSize,
			DatasetDir:                     cfg.DatasetDir,
			MaxFeaturesNum:                 cfg.MaxFeaturesNum,
			DefaultUnitsNum:                cfg.DefaultUnitsNum,
			MinUnitsNum:                    cfg.MinUnitsNum,
			MaxUnitsNum:                    cfg.MaxUnitsNum,
			HotnessSignificantDigitsFactor: cfg.HotnessSignificantDigitsFactor,
			RateSignificantDigitsFactor:    cfg.RateSignificantDigitsFactor,
		}, log),

		segs: make(map[segment.ID]segMeta),
	}
}

// IsReady reports whether the cache has ever reached ReadyRate usage. It is
// latched: once true, it never reverts to false.
func (e *Engine) IsReady() bool {
	e.readyMu.Lock()
	defer e.readyMu.Unlock()
	return e.ready
}

func (e *Engine) latchReady() {
	if e.cache.IsReady() {
		e.readyMu.Lock()
		e.ready = true
		e.readyMu.Unlock()
	}
}

// CheckKey probes sid's filter for key and submits a background hit-count
// update. Returns true conservatively for unknown segments. Of the methods
// that defer work to the pool, this is the only one that runs part of it
// inline: a single short-held lock inside FilterCacheMap, then return.
func (e *Engine) CheckKey(sid segment.ID, key []byte) bool {
	hit := e.cache.Probe(sid, key)
	e.submit(fmt.Sprintf("sid:%d", sid), fmt.Sprintf("visit-hit-%d", sid), func(ctx context.Context) (interface{}, error) {
		e.visits.Hit(sid)
		return nil, nil
	})
	return hit
}

// PutKeyObserved offers key to the HeatBuckets reservoir until ready, then
// starts counting it as a hit.
func (e *Engine) PutKeyObserved(key string) {
	e.submit("heat", "put-key-observed", func(ctx context.Context) (interface{}, error) {
		if !e.heat.IsReady() {
			e.heat.Sample(key, e.segmentRanges())
			return nil, nil
		}
		e.heat.Hit(key)
		return nil, nil
	})
}

// GetKeyObserved records a read of key against HeatBuckets and drives the
// engine's own short/long period accounting.
func (e *Engine) GetKeyObserved(key string) {
	e.submit("heat", "get-key-observed", func(ctx context.Context) (interface{}, error) {
		if !e.heat.IsReady() {
			return nil, nil
		}
		e.heat.Hit(key)
		e.onRead()
		return nil, nil
	})
}

// onRead advances the read counter and performs the rollover body under the
// period mutex exactly once per PERIOD_COUNT reads. Each short period it
// refreshes the twin-heaps' visit estimates; every TRAIN_PERIODS short
// periods it additionally rolls the visit counters over and raises
// train_signal.
func (e *Engine) onRead() {
	e.periodMu.Lock()

	e.reads++
	if e.reads < e.cfg.PeriodCount {
		e.periodMu.Unlock()
		return
	}
	e.reads = 0
	e.shortPeriods++

	elapsed := e.shortPeriods % e.cfg.TrainPeriods
	longBoundary := elapsed == 0
	if longBoundary {
		elapsed = e.cfg.TrainPeriods
	}

	estimate := make(map[segment.ID]float64)
	e.visits.EstimateForAll(estimate, elapsed, 0)
	if len(estimate) > 0 {
		e.twin.SyncVisitCnt(estimate, float64(e.cfg.VisitCntUpdateBound))
	}

	if longBoundary {
		e.visits.Rollover()
		e.trainSignal = true
	}
	e.periodMu.Unlock()

	// Outside periodMu: the retrain task re-acquires it to consume
	// train_signal.
	if longBoundary {
		e.TryRetrainAndRefresh()
	}
}

// segmentRanges snapshots every tracked segment's key span, used by
// HeatBuckets to pick its bucket stride on initialization.
func (e *Engine) segmentRanges() []heat.SegmentRange {
	e.segMu.RLock()
	defer e.segMu.RUnlock()
	out := make([]heat.SegmentRange, 0, len(e.segs))
	for _, m := range e.segs {
		out = append(out, m.rng)
	}
	return out
}

// InsertSegments deletes the merged-away old segments (inheriting their
// visit counts into the new ones via weights), then inserts each new
// segment: level-0 segments always get MAX_UNITS_NUM and are never tracked
// by TwinHeaps; non-level-0 segments get DEFAULT_UNITS_NUM before the
// engine is ready, or a classifier-predicted label afterward.
func (e *Engine) InsertSegments(merged []segment.ID, news []NewSegment, weights map[segment.ID]map[segment.ID]float64, level0Base uint64) {
	e.submit("topology", "insert-segments", func(ctx context.Context) (interface{}, error) {
		newIDs := make([]segment.ID, len(news))
		for i, n := range news {
			newIDs[i] = n.ID
		}
		e.visits.Inherit(merged, newIDs, weights, e.cfg.InheritRemain, level0Base)
		e.insertSegmentsSync(news)
		e.releaseMerged(merged)
		return nil, nil
	})
}

// insertSegmentsSync creates filter-cache items and, for non-level-0
// segments, twin-heap nodes for every entry in news. Visit-counter seeding
// (inheritance or decay) is the caller's responsibility, performed before
// this runs.
func (e *Engine) insertSegmentsSync(news []NewSegment) {
	ready := e.IsReady()

	keysBySID := make(map[segment.ID][][]byte, len(news))
	for _, n := range news {
		keysBySID[n.ID] = e.keysFor(n.ID)
	}

	var toPredict []NewSegment
	var predictRows []classifier.FeatureRow
	for _, n := range news {
		if n.Level != 0 && ready {
			toPredict = append(toPredict, n)
			predictRows = append(predictRows, e.featureRow(n.Level, keysBySID[n.ID]))
		}
	}
	var predicted []int
	if len(toPredict) > 0 {
		predicted = e.classifier.PredictBatch(predictRows)
	}
	predictedFor := make(map[segment.ID]int, len(toPredict))
	for i, n := range toPredict {
		predictedFor[n.ID] = predicted[i]
	}

	level0Map := make(map[segment.ID]bool)
	var targets []filtercache.Target
	freshItems := make(map[segment.ID]*filterunit.Item)

	for _, n := range news {
		e.segMu.Lock()
		e.segs[n.ID] = segMeta{level: n.Level, rng: n.Range}
		e.segMu.Unlock()

		units := e.cfg.MaxUnitsNum
		if n.Level != 0 {
			level0Map[n.ID] = false
			if ready {
				units = predictedFor[n.ID]
			} else {
				units = e.cfg.DefaultUnitsNum
			}
		} else {
			level0Map[n.ID] = true
		}

		keys := keysBySID[n.ID]
		builtUnits := filterunit.BuildUnits(keys, e.cfg.MaxUnitsNum, e.cfg.BitsPerKeyPerUnit)
		bitsPerUnit := uint64(e.cfg.BitsPerKeyPerUnit * len(keys))
		item := filterunit.NewItem(n.ID, builtUnits, bitsPerUnit)
		freshItems[n.ID] = item

		targetUnits := units
		if n.Level == 0 {
			targetUnits = e.cfg.MaxUnitsNum
		}
		targets = append(targets, filtercache.Target{SegmentID: n.ID, Units: targetUnits})
	}

	failed := e.cache.EnableBatch(targets, freshItems, false, level0Map)
	if len(failed) > 0 {
		e.log.Warnf("budget exceeded for %d of %d inserted segments, degraded to fewer units", len(failed), len(news))
	}

	var nodeSpecs []twinheap.NodeSpec
	for _, n := range news {
		if n.Level == 0 {
			continue
		}
		// Heap nodes mirror the units actually admitted, which may be fewer
		// than requested for segments that failed the budget check.
		enabled := 0
		if item, ok := e.cache.Item(n.ID); ok {
			enabled = item.EnabledUnits()
		}
		cur, last := e.visits.Get(n.ID)
		nodeSpecs = append(nodeSpecs, twinheap.NodeSpec{
			SID:          n.ID,
			VisitCnt:     float64(cur) + float64(last),
			CurrentUnits: enabled,
			UnitsLimit:   e.cfg.MaxUnitsNum,
		})
	}
	if len(nodeSpecs) > 0 {
		e.twin.UpsertBatch(nodeSpecs)
	}

	e.latchReady()
	e.assertCacheInvariant()
}

// releaseMerged removes the old, merged-away segments from TwinHeaps,
// FilterCacheMap, and the level index. Visit counters for these ids were
// already consumed by Inherit before this runs.
func (e *Engine) releaseMerged(merged []segment.ID) {
	if len(merged) == 0 {
		return
	}

	e.segMu.Lock()
	mergedLevel0 := make(map[segment.ID]bool, len(merged))
	for _, sid := range merged {
		mergedLevel0[sid] = e.segs[sid].level == 0
		delete(e.segs, sid)
	}
	e.segMu.Unlock()

	var nonLevel0Merged []segment.ID
	for _, sid := range merged {
		if !mergedLevel0[sid] {
			nonLevel0Merged = append(nonLevel0Merged, sid)
		}
	}
	e.twin.DeleteBatch(nonLevel0Merged)
	e.cache.ReleaseBatch(merged, mergedLevel0)
}

// featureRow assembles a classifier feature row for a segment at level,
// tallying keys (the segment's own live key set) against HeatBuckets to get
// each range's share of the segment's keys, paired with that range's
// current hotness.
func (e *Engine) featureRow(level int, keys [][]byte) classifier.FeatureRow {
	strKeys := make([]string, len(keys))
	for i, k := range keys {
		strKeys[i] = string(k)
	}
	rates := e.heat.KeyRangeRates(strKeys)
	row := classifier.FeatureRow{Level: level}
	for _, r := range rates {
		row.Rates = append(row.Rates, r.Rate)
		row.Hotness = append(row.Hotness, r.Hotness)
	}
	return row
}

// solverTrace returns a debug-level trace hook for GreedySolver, or nil when
// debug logging is disabled so Solve skips the callback entirely.
func (e *Engine) solverTrace() solver.Trace {
	if !e.log.IsEnabled(logging.DebugLevel) {
		return nil
	}
	return func(sid segment.ID, from, to int, benefit float64) {
		e.log.Debugf("solver: segment %d %d->%d units (benefit %.6g)", sid, from, to, benefit)
	}
}

// syncHeapUnitsToCache re-seeds the twin-heap current-unit counts for sids
// from the cache's actual enabled units, so the heaps never drift from what
// the budget admitted.
func (e *Engine) syncHeapUnitsToCache(sids []segment.ID) {
	units := make(map[segment.ID]int, len(sids))
	for _, sid := range sids {
		if item, ok := e.cache.Item(sid); ok {
			units[sid] = item.EnabledUnits()
		}
	}
	e.twin.SyncCurrentUnits(units)
}

func (e *Engine) keysFor(sid segment.ID) [][]byte {
	if e.keys == nil {
		return nil
	}
	return e.keys(sid)
}

// DeleteSegments removes sids from TwinHeaps and FilterCacheMap and drops
// their visit counters. Readiness is monotonic and unaffected.
func (e *Engine) DeleteSegments(sids []segment.ID, levels map[segment.ID]int) {
	e.submit("topology", "delete-segments", func(ctx context.Context) (interface{}, error) {
		level0 := make(map[segment.ID]bool, len(sids))
		var nonLevel0 []segment.ID
		for _, sid := range sids {
			isLevel0 := levels[sid] == 0
			level0[sid] = isLevel0
			if !isLevel0 {
				nonLevel0 = append(nonLevel0, sid)
			}
		}

		e.twin.DeleteBatch(nonLevel0)
		e.cache.ReleaseBatch(sids, level0)
		e.visits.Delete(sids)

		e.segMu.Lock()
		for _, sid := range sids {
			delete(e.segs, sid)
		}
		e.segMu.Unlock()
		return nil, nil
	})
}

// MoveSegments re-levels sids (a compaction moving segments between LSM
// levels without merging). new_levels[sid] must be > 0 for every sid: a
// segment may never move to level 0. Counters are decayed by
// INHERIT_REMAIN_FACTOR, then the segment is removed and reinserted as a
// fresh non-level-0 segment.
func (e *Engine) MoveSegments(sids []segment.ID, oldLevels, newLevels map[segment.ID]int, ranges map[segment.ID]heat.SegmentRange) error {
	for _, sid := range sids {
		if newLevels[sid] <= 0 {
			return fmt.Errorf("move_segments: sid %d new level must be > 0, got %d", sid, newLevels[sid])
		}
	}

	e.submit("topology", "move-segments", func(ctx context.Context) (interface{}, error) {
		level0 := make(map[segment.ID]bool, len(sids))
		var nonLevel0 []segment.ID
		for _, sid := range sids {
			isLevel0 := oldLevels[sid] == 0
			level0[sid] = isLevel0
			if !isLevel0 {
				nonLevel0 = append(nonLevel0, sid)
			}
		}
		e.twin.DeleteBatch(nonLevel0)
		e.cache.ReleaseBatch(sids, level0)
		e.visits.Decay(sids, e.cfg.InheritRemain)

		news := make([]NewSegment, len(sids))
		for i, sid := range sids {
			news[i] = NewSegment{ID: sid, Level: newLevels[sid], Range: ranges[sid]}
		}
		e.insertSegmentsSync(news)
		return nil, nil
	})
	return nil
}

// TryRetrainAndRefresh runs GreedySolver over the current non-level-0
// population, trains the classifier on the resulting labels, then predicts
// fresh labels and refreshes both FilterCacheMap and TwinHeaps' per-segment
// limits. It is a no-op unless a long period boundary has raised
// train_signal, which it clears unconditionally on entry.
func (e *Engine) TryRetrainAndRefresh() {
	e.submit("retrain", "try-retrain-and-refresh", func(ctx context.Context) (interface{}, error) {
		e.periodMu.Lock()
		trigger := e.trainSignal
		e.trainSignal = false
		e.periodMu.Unlock()
		if !trigger {
			return nil, nil
		}

		e.segMu.RLock()
		sids := make([]segment.ID, 0, len(e.segs))
		metas := make(map[segment.ID]segMeta, len(e.segs))
		for sid, m := range e.segs {
			if m.level == 0 {
				continue
			}
			sids = append(sids, sid)
			metas[sid] = m
		}
		e.segMu.RUnlock()
		if len(sids) == 0 {
			return nil, nil
		}
		sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })

		infos := make(map[segment.ID]solver.Info, len(sids))
		for _, sid := range sids {
			_, last := e.visits.Get(sid)
			bitsPerUnit := uint64(e.cfg.BitsPerKeyPerUnit)
			if item, ok := e.cache.Item(sid); ok && item.EnabledUnits() > 0 {
				bitsPerUnit = item.BitsPerUnit()
			}
			infos[sid] = solver.Info{VisitCnt: float64(last), BitsPerUnit: bitsPerUnit}
		}

		budget := uint64(float64(e.cfg.CacheSpaceSizeBits) * e.cfg.FullRate)
		if level0 := e.cache.Level0UsedBits(); level0 < budget {
			budget -= level0
		} else {
			budget = 0
		}
		labels := solver.Solve(infos, budget, e.cfg.MaxUnitsNum, e.cfg.BitsPerKeyPerUnit, e.solverTrace())

		rows := make([]classifier.FeatureRow, len(sids))
		labelInts := make([]int, len(sids))
		weights := make([]uint64, len(sids))
		for i, sid := range sids {
			rows[i] = e.featureRow(metas[sid].level, e.keysFor(sid))
			labelInts[i] = labels[sid]
			_, weights[i] = e.visits.Get(sid)
		}

		e.classifier.Train(rows, labelInts, weights)
		predicted := e.classifier.PredictBatch(rows)

		targets := make([]filtercache.Target, len(sids))
		limits := make(map[segment.ID]int, len(sids))
		for i, sid := range sids {
			targets[i] = filtercache.Target{SegmentID: sid, Units: predicted[i]}
			limits[sid] = predicted[i]
		}
		// Not forced: a prediction that would blow the budget degrades that
		// segment to its current units instead of evicting anything.
		if degraded := e.cache.UpdateBatch(targets, false, nil); len(degraded) > 0 {
			e.log.Warnf("budget exceeded refreshing %d of %d predictions", len(degraded), len(sids))
		}
		e.twin.SyncUnitsNumLimit(limits)
		e.syncHeapUnitsToCache(sids)
		e.assertCacheInvariant()

		return nil, nil
	})
}

// AdjustOnce performs at most one TwinHeaps swap against FilterCacheMap.
// Returns false if the map isn't ready/full yet, or no improving swap
// exists; true if a swap was applied. Intended to be called in a tight
// background loop.
func (e *Engine) AdjustOnce() bool {
	if !e.cache.IsReady() || !e.cache.IsFull() {
		return false
	}

	result, ok := e.twin.TryModify()
	if !ok {
		return false
	}

	targets := []filtercache.Target{
		{SegmentID: result.GainSID, Units: result.GainNewUnits},
		{SegmentID: result.LossSID, Units: result.LossNewUnits},
	}
	e.cache.UpdateBatch(targets, true, nil)
	e.assertCacheInvariant()
	return true
}

// RunAdjustLoop calls AdjustOnce continuously until ctx is cancelled,
// sleeping idleWait between attempts that found no improving swap so an
// already-converged allocation doesn't spin. Intended to be run on its own
// goroutine by the host.
func (e *Engine) RunAdjustLoop(ctx context.Context, idleWait time.Duration) {
	if idleWait <= 0 {
		idleWait = 100 * time.Millisecond
	}
	for {
		if e.AdjustOnce() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(idleWait):
		}
	}
}

// EngineStats is a read-only snapshot of the engine's current utilization,
// for host-side observability. Taking it has no side effects.
type EngineStats struct {
	Ready          bool
	Full           bool
	UsedBits       uint64
	Level0UsedBits uint64
	SegmentCount   int
	TrackedByHeaps int
}

// Stats returns a point-in-time snapshot of cache utilization and segment
// counts. Safe to call from any goroutine; never blocks on the background
// pool.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Ready:          e.IsReady(),
		Full:           e.cache.IsFull(),
		UsedBits:       e.cache.UsedBits(),
		Level0UsedBits: e.cache.Level0UsedBits(),
		SegmentCount:   e.cache.Len(),
		TrackedByHeaps: e.twin.Len(),
	}
}

// assertCacheInvariant checks FilterCacheMap's accounting invariant and
// aborts the process if it has drifted: a counter inconsistency means a
// bug, not something to log and continue past.
func (e *Engine) assertCacheInvariant() {
	if err := e.cache.CheckInvariant(); err != nil {
		e.log.Fatalf("cache invariant violated: %v", err)
	}
}

func (e *Engine) submit(shardKey, taskID string, fn func(ctx context.Context) (interface{}, error)) {
	if e.pool == nil {
		_, _ = fn(context.Background())
		return
	}
	if err := e.pool.Submit(shardKey, workers.SubmitFunc{TaskID: taskID, Fn: fn}); err != nil {
		e.log.Warnf("failed to submit %s: %v", taskID, err)
	}
}
