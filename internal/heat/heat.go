// Package heat maintains an EWMA estimate of read hotness across a fixed
// partition of the key space. Before the partition is known, put traffic is
// reservoir-sampled until enough distinct keys have been seen to pick
// separators; after that the partition is frozen for the process lifetime.
package heat

import (
	"sort"
	"strings"
	"sync"
)

// keyMin and keyMax are sentinel separator bounds guaranteed to sort below
// and above every real key respectively (real keys are non-empty byte
// strings shorter than 64 bytes of 0xFF).
const keyMin = ""

var keyMax = strings.Repeat("\xff", 64)

// SegmentRange describes a known segment's key span, used only while
// choosing the bucket stride during initialization.
type SegmentRange struct {
	Min string
	Max string
}

// RangeHotness pairs a bucket index with its current hotness estimate, as
// returned by SnapshotSorted.
type RangeHotness struct {
	Range   uint32
	Hotness float64
}

// RangeRate pairs a bucket index with the fraction of one segment's own keys
// that land in it and that bucket's current hotness estimate. The rate and
// hotness together form one classifier feature pair.
type RangeRate struct {
	Range   uint32
	Rate    float64
	Hotness float64
}

// Bucket tracks one key range's EWMA hotness and its current-period hit count.
type Bucket struct {
	hotness float64
	hitCnt  uint32
}

// Config carries the tunables HeatBuckets needs from pkg/config.
type Config struct {
	Alpha             float64
	SamplesLimit      int
	SamplesMaxCnt     int64
	DefaultBucketsNum int
	PeriodCount       uint64
	MagicFactor       uint64
}

// HeatBuckets is the hotness estimator (component C1).
type HeatBuckets struct {
	cfg Config

	sampleMu sync.Mutex
	pool     []string
	poolSet  map[string]struct{}
	seen     int64
	ready    bool

	separators []string
	buckets    []Bucket
	bucketMus  []sync.Mutex

	cntMu          sync.Mutex
	totalCnt       uint64
	lastRolloverAt uint64
	updated        bool
}

// New builds a HeatBuckets not yet ready; call Sample until it initializes.
func New(cfg Config) *HeatBuckets {
	return &HeatBuckets{
		cfg:     cfg,
		poolSet: make(map[string]struct{}, cfg.SamplesLimit),
	}
}

// IsReady reports whether separators have been frozen and Hit may be called.
func (hb *HeatBuckets) IsReady() bool {
	hb.sampleMu.Lock()
	defer hb.sampleMu.Unlock()
	return hb.ready
}

// Sample offers a put key to the reservoir. Once samples_seen reaches
// SamplesMaxCnt, it sorts the pool, determines the bucket stride from
// segments, and freezes the separators. Returns true exactly once, on the
// call that triggers initialization.
func (hb *HeatBuckets) Sample(key string, segments []SegmentRange) bool {
	hb.sampleMu.Lock()
	defer hb.sampleMu.Unlock()

	if hb.ready {
		return false
	}

	hb.seen++
	if _, dup := hb.poolSet[key]; !dup && len(hb.pool) < hb.cfg.SamplesLimit {
		hb.poolSet[key] = struct{}{}
		hb.pool = append(hb.pool, key)
	}

	if hb.seen < hb.cfg.SamplesMaxCnt {
		return false
	}

	hb.initLocked(segments)
	hb.ready = true
	return true
}

func (hb *HeatBuckets) initLocked(segments []SegmentRange) {
	sort.Strings(hb.pool)

	k := determineK(hb.pool, segments, hb.cfg.DefaultBucketsNum)

	separators := []string{keyMin}
	for i := 0; i < len(hb.pool); i += k {
		separators = append(separators, hb.pool[i])
	}
	separators = append(separators, keyMax)
	hb.separators = separators

	numBuckets := len(separators) - 1
	hb.buckets = make([]Bucket, numBuckets)
	hb.bucketMus = make([]sync.Mutex, numBuckets)
}

// determineK picks the bucket stride per the initialization rule: at least 2,
// bounded above so every known segment's range contains at least k pool
// entries, falling back to |pool|/DefaultBucketsNum when no segments are known.
func determineK(pool []string, segments []SegmentRange, defaultBucketsNum int) int {
	if len(segments) == 0 {
		k := len(pool) / defaultBucketsNum
		if k < 2 {
			k = 2
		}
		return k
	}

	k := len(pool)
	for _, seg := range segments {
		count := countInRange(pool, seg.Min, seg.Max)
		if count < k {
			k = count
		}
	}
	if k < 2 {
		k = 2
	}
	return k
}

// countInRange returns the number of sorted pool entries within [min, max].
func countInRange(pool []string, min, max string) int {
	lo := sort.SearchStrings(pool, min)
	hi := sort.Search(len(pool), func(i int) bool { return pool[i] > max })
	if hi < lo {
		return 0
	}
	return hi - lo
}

// locate binary-searches separators for the bucket index owning key,
// shared by the hit path and KeyRangeRates.
func (hb *HeatBuckets) locate(key string) int {
	left, right := 0, len(hb.separators)-1
	for left < right-1 {
		mid := left + (right-left)/2
		if hb.separators[mid] > key {
			right = mid
		} else {
			left = mid
		}
	}
	return left
}

// Hit records a read against key's bucket and rolls over the EWMA hotness
// estimate when the period counter crosses a boundary. Returns whether this
// call performed the rollover.
func (hb *HeatBuckets) Hit(key string) bool {
	idx := hb.locate(key)

	hb.bucketMus[idx].Lock()
	hb.buckets[idx].hitCnt++
	hb.bucketMus[idx].Unlock()

	hb.cntMu.Lock()
	defer hb.cntMu.Unlock()

	hb.totalCnt++
	rolled := false

	if hb.totalCnt-hb.lastRolloverAt >= hb.cfg.PeriodCount && !hb.updated {
		hb.rolloverLocked()
		hb.lastRolloverAt = hb.totalCnt
		hb.updated = true
		rolled = true
	}

	guard := hb.cfg.PeriodCount / hb.cfg.MagicFactor
	if hb.updated && hb.totalCnt-hb.lastRolloverAt >= guard {
		hb.updated = false
	}

	return rolled
}

func (hb *HeatBuckets) rolloverLocked() {
	periodTotal := float64(hb.cfg.PeriodCount)
	for i := range hb.buckets {
		hb.bucketMus[i].Lock()
		b := &hb.buckets[i]
		b.hotness = hb.cfg.Alpha*b.hotness + float64(b.hitCnt)/periodTotal
		b.hitCnt = 0
		hb.bucketMus[i].Unlock()
	}
}

// SnapshotSorted returns every bucket's current hotness, sorted by
// descending hotness. Classifier feature rows are built from KeyRangeRates,
// not from this snapshot.
func (hb *HeatBuckets) SnapshotSorted() []RangeHotness {
	out := make([]RangeHotness, len(hb.buckets))
	for i := range hb.buckets {
		hb.bucketMus[i].Lock()
		out[i] = RangeHotness{Range: uint32(i), Hotness: hb.buckets[i].hotness}
		hb.bucketMus[i].Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hotness > out[j].Hotness })
	return out
}

// NumBuckets returns the number of ranges once initialized, else 0.
func (hb *HeatBuckets) NumBuckets() int {
	return len(hb.buckets)
}

// KeyRangeRates tallies keys (a segment's own live key set) into the buckets
// they each land in and returns one RangeRate per bucket actually hit, with
// Rate set to that bucket's share of len(keys) and Hotness set to the
// bucket's current EWMA estimate. This is the feature input for a segment's
// classifier row: which ranges the segment's keys fall into, what fraction
// of its keys each range holds, and how hot that range currently is.
// Sorted by rate descending, ties broken by range id
// ascending. Returns nil before separators are frozen or if keys is empty.
func (hb *HeatBuckets) KeyRangeRates(keys []string) []RangeRate {
	if len(hb.separators) == 0 || len(keys) == 0 {
		return nil
	}

	counts := make(map[uint32]int)
	for _, key := range keys {
		idx := uint32(hb.locate(key))
		counts[idx]++
	}

	total := float64(len(keys))
	out := make([]RangeRate, 0, len(counts))
	for idx, cnt := range counts {
		hb.bucketMus[idx].Lock()
		hotness := hb.buckets[idx].hotness
		hb.bucketMus[idx].Unlock()
		out = append(out, RangeRate{Range: idx, Rate: float64(cnt) / total, Hotness: hotness})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Rate != out[j].Rate {
			return out[i].Rate > out[j].Rate
		}
		return out[i].Range < out[j].Range
	})
	return out
}
