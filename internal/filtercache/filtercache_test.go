package filtercache

import (
	"testing"

	"github.com/dase955/artcache/internal/filterunit"
	"github.com/dase955/artcache/internal/segment"
)

type alwaysTrue struct{}

func (alwaysTrue) Test(key []byte) bool { return true }

func newTestItem(sid segment.ID, maxUnits int, bitsPerUnit uint64) *filterunit.Item {
	units := make([]filterunit.Unit, maxUnits)
	for i := range units {
		units[i] = alwaysTrue{}
	}
	return filterunit.NewItem(sid, units, bitsPerUnit)
}

func TestProbeUnknownSegmentIsConservative(t *testing.T) {
	m := New(10000, 0.98, 0.70)
	if !m.Probe(1, []byte("k")) {
		t.Fatalf("expected true for unknown segment")
	}
}

func TestEnableBatchCreatesAndBudgets(t *testing.T) {
	m := New(10000, 0.98, 0.70) // budget = 9800 bits
	fresh := map[segment.ID]*filterunit.Item{
		1: newTestItem(1, 6, 1000),
		2: newTestItem(2, 6, 1000),
	}
	// 6*1000 + 6*1000 = 12000 > budget (9800), so the second target must fail.
	failed := m.EnableBatch([]Target{{1, 6}, {2, 6}}, fresh, false, nil)
	if len(failed) != 1 || failed[0] != 2 {
		t.Fatalf("expected segment 2 to fail the budget check, got %v", failed)
	}
	if m.UsedBits() != 6000 {
		t.Fatalf("expected only first segment's 6000 bits admitted, got %d", m.UsedBits())
	}
}

func TestEnableBatchForcedBypassesBudget(t *testing.T) {
	m := New(1000, 0.98, 0.70)
	fresh := map[segment.ID]*filterunit.Item{1: newTestItem(1, 6, 1000)}
	failed := m.EnableBatch([]Target{{1, 6}}, fresh, true, nil)
	if len(failed) != 0 {
		t.Fatalf("expected forced upsert to bypass budget, got failures: %v", failed)
	}
	if m.UsedBits() != 6000 {
		t.Fatalf("expected 6000 used bits, got %d", m.UsedBits())
	}
}

func TestEnableBatchLevel0BypassesBudget(t *testing.T) {
	m := New(1000, 0.98, 0.70)
	fresh := map[segment.ID]*filterunit.Item{1: newTestItem(1, 6, 1000)}
	level0 := map[segment.ID]bool{1: true}
	failed := m.EnableBatch([]Target{{1, 6}}, fresh, false, level0)
	if len(failed) != 0 {
		t.Fatalf("expected level-0 upsert to bypass budget, got failures: %v", failed)
	}
	if m.Level0UsedBits() != 6000 {
		t.Fatalf("expected level0_used_bits=6000, got %d", m.Level0UsedBits())
	}
}

func TestUpdateBatchFailsForMissingSegment(t *testing.T) {
	m := New(10000, 0.98, 0.70)
	failed := m.UpdateBatch([]Target{{99, 3}}, false, nil)
	if len(failed) != 1 || failed[0] != 99 {
		t.Fatalf("expected failure for missing segment, got %v", failed)
	}
}

func TestReleaseBatchAdjustsCounters(t *testing.T) {
	m := New(10000, 0.98, 0.70)
	fresh := map[segment.ID]*filterunit.Item{1: newTestItem(1, 6, 1000)}
	m.EnableBatch([]Target{{1, 4}}, fresh, true, nil)
	if m.UsedBits() != 4000 {
		t.Fatalf("expected 4000 used bits before release, got %d", m.UsedBits())
	}
	m.ReleaseBatch([]segment.ID{1}, nil)
	if m.UsedBits() != 0 {
		t.Fatalf("expected 0 used bits after release, got %d", m.UsedBits())
	}
	if m.Len() != 0 {
		t.Fatalf("expected item removed")
	}
}

func TestCheckInvariantPassesForConsistentState(t *testing.T) {
	m := New(10000, 0.98, 0.70)
	fresh := map[segment.ID]*filterunit.Item{1: newTestItem(1, 6, 1000)}
	level0 := map[segment.ID]bool{1: true}
	m.EnableBatch([]Target{{1, 6}}, fresh, true, level0)
	if err := m.CheckInvariant(); err != nil {
		t.Fatalf("expected no invariant violation, got %v", err)
	}
}

func TestCheckInvariantCatchesLevel0ExceedingUsed(t *testing.T) {
	m := New(10000, 0.98, 0.70)
	m.usedBits = 100
	m.level0UsedBits = 200
	if err := m.CheckInvariant(); err == nil {
		t.Fatalf("expected a violation when level0_used_bits exceeds used_bits")
	}
}

func TestCheckInvariantCatchesUsedExceedingCapacity(t *testing.T) {
	m := New(1000, 0.98, 0.70)
	m.usedBits = 1001
	if err := m.CheckInvariant(); err == nil {
		t.Fatalf("expected a violation when used_bits exceeds cache_bits capacity")
	}
}

func TestIsFullAndIsReadyThresholds(t *testing.T) {
	m := New(1000, 0.90, 0.50)
	fresh := map[segment.ID]*filterunit.Item{1: newTestItem(1, 6, 100)}

	m.EnableBatch([]Target{{1, 5}}, fresh, true, nil) // 500 bits = ready, not full
	if !m.IsReady() {
		t.Fatalf("expected ready at 500/1000 >= 0.50")
	}
	if m.IsFull() {
		t.Fatalf("did not expect full at 500/1000 < 0.90")
	}

	m.UpdateBatch([]Target{{1, 6}}, true, nil) // 600 -> still not full at 0.90 threshold
	if m.IsFull() {
		t.Fatalf("did not expect full at 600/1000 < 0.90")
	}
}
