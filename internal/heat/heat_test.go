package heat

import (
	"fmt"
	"testing"
)

func testConfig() Config {
	return Config{
		Alpha:             0.2,
		SamplesLimit:      100,
		SamplesMaxCnt:     50,
		DefaultBucketsNum: 5,
		PeriodCount:       20,
		MagicFactor:       10,
	}
}

func fillSamples(t *testing.T, hb *HeatBuckets, n int) {
	t.Helper()
	ready := false
	for i := 0; i < n; i++ {
		if hb.Sample(fmt.Sprintf("key-%04d", i), nil) {
			ready = true
		}
	}
	if !ready {
		t.Fatalf("expected HeatBuckets to become ready after %d samples", n)
	}
}

func TestSampleBecomesReadyAtMaxCnt(t *testing.T) {
	hb := New(testConfig())
	if hb.IsReady() {
		t.Fatalf("should not be ready before sampling")
	}
	fillSamples(t, hb, 50)
	if !hb.IsReady() {
		t.Fatalf("expected ready after SamplesMaxCnt reached")
	}
	if hb.NumBuckets() == 0 {
		t.Fatalf("expected buckets to be initialized")
	}
}

func TestSampleDeduplicates(t *testing.T) {
	hb := New(testConfig())
	for i := 0; i < 49; i++ {
		hb.Sample("same-key", nil)
	}
	if len(hb.pool) > 1 {
		t.Fatalf("expected deduplicated pool, got %d entries", len(hb.pool))
	}
}

func TestDetermineKWithoutSegments(t *testing.T) {
	pool := make([]string, 100)
	for i := range pool {
		pool[i] = fmt.Sprintf("k%03d", i)
	}
	k := determineK(pool, nil, 10)
	if k != 10 {
		t.Fatalf("expected k=10, got %d", k)
	}
}

func TestDetermineKHasFloorOfTwo(t *testing.T) {
	pool := make([]string, 3)
	for i := range pool {
		pool[i] = fmt.Sprintf("k%d", i)
	}
	k := determineK(pool, nil, 1000)
	if k < 2 {
		t.Fatalf("expected k >= 2, got %d", k)
	}
}

func TestHitLocatesAndRollsOver(t *testing.T) {
	hb := New(testConfig())
	fillSamples(t, hb, 50)

	rolled := false
	for i := 0; i < int(testConfig().PeriodCount); i++ {
		if hb.Hit(fmt.Sprintf("key-%04d", i%50)) {
			rolled = true
		}
	}
	if !rolled {
		t.Fatalf("expected a rollover within one full period of hits")
	}
}

func TestSnapshotSortedDescending(t *testing.T) {
	hb := New(testConfig())
	fillSamples(t, hb, 50)

	for i := 0; i < 5; i++ {
		hb.Hit("key-0000")
	}

	snap := hb.SnapshotSorted()
	for i := 1; i < len(snap); i++ {
		if snap[i].Hotness > snap[i-1].Hotness {
			t.Fatalf("snapshot not sorted descending at index %d", i)
		}
	}
}
