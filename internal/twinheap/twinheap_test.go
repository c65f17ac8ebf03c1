package twinheap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/dase955/artcache/internal/segment"
)

func TestTryModifySwapsHotOverCold(t *testing.T) {
	m := NewManager(10, 0)
	m.UpsertBatch([]NodeSpec{
		{SID: 1, VisitCnt: 1000, CurrentUnits: 2, UnitsLimit: 6}, // A
		{SID: 2, VisitCnt: 5, CurrentUnits: 4, UnitsLimit: 6},    // B
	})

	result, ok := m.TryModify()
	if !ok {
		t.Fatalf("expected a swap to be found")
	}
	want := ModifyResult{GainSID: 1, LossSID: 2, GainNewUnits: 3, LossNewUnits: 3}
	if diff := cmp.Diff(want, result, cmpopts.IgnoreFields(ModifyResult{}, "Benefit", "Cost")); diff != "" {
		t.Fatalf("unexpected swap result (-want +got):\n%s", diff)
	}

	// A subsequent call against the now-converged state must not loop
	// forever: it either finds no improving swap, or eventually stops.
	for i := 0; i < 10; i++ {
		if _, ok := m.TryModify(); !ok {
			return
		}
	}
	t.Fatalf("expected try_modify to converge within a few calls")
}

func TestTryModifyPreservesTotalUnits(t *testing.T) {
	m := NewManager(10, 0)
	m.UpsertBatch([]NodeSpec{
		{SID: 1, VisitCnt: 1000, CurrentUnits: 2, UnitsLimit: 6},
		{SID: 2, VisitCnt: 5, CurrentUnits: 4, UnitsLimit: 6},
	})
	before := 2 + 4

	result, ok := m.TryModify()
	if !ok {
		t.Fatalf("expected a swap")
	}
	after := result.GainNewUnits + result.LossNewUnits
	if after != before {
		t.Fatalf("expected total units preserved across the pair: before=%d after=%d", before, after)
	}
}

func TestTryModifyRejectsWhenSidsIdentical(t *testing.T) {
	m := NewManager(10, 0)
	m.UpsertBatch([]NodeSpec{{SID: 1, VisitCnt: 100, CurrentUnits: 1, UnitsLimit: 6}})
	if _, ok := m.TryModify(); ok {
		t.Fatalf("expected no swap with a single segment")
	}
}

func TestDeleteBatchTombstonesAndSweeps(t *testing.T) {
	m := NewManager(10, 0)
	m.UpsertBatch([]NodeSpec{
		{SID: 1, VisitCnt: 100, CurrentUnits: 1, UnitsLimit: 6},
		{SID: 2, VisitCnt: 50, CurrentUnits: 1, UnitsLimit: 6},
	})
	m.DeleteBatch([]segment.ID{1})

	if m.Contains(1) {
		t.Fatalf("expected segment 1 to be gone after delete")
	}
	if !m.Contains(2) {
		t.Fatalf("expected segment 2 to remain")
	}
	if m.Len() != 1 {
		t.Fatalf("expected len 1 after sweep, got %d", m.Len())
	}
}

func TestSyncUnitsNumLimitClampsCurrentUnits(t *testing.T) {
	m := NewManager(10, 0)
	m.UpsertBatch([]NodeSpec{{SID: 1, VisitCnt: 100, CurrentUnits: 5, UnitsLimit: 6}})
	m.SyncUnitsNumLimit(map[segment.ID]int{1: 3})

	// Force a swap attempt to surface the clamped units via GainNewUnits math:
	// add a cheap donor and confirm the clamp held by checking benefit is zero
	// at the limit (no further swap should ever push segment 1 past 3).
	m.UpsertBatch([]NodeSpec{{SID: 2, VisitCnt: 1, CurrentUnits: 1, UnitsLimit: 6}})
	for i := 0; i < 20; i++ {
		result, ok := m.TryModify()
		if !ok {
			break
		}
		if result.GainSID == 1 && result.GainNewUnits > 3 {
			t.Fatalf("expected segment 1 never to exceed its clamped limit of 3, got %d", result.GainNewUnits)
		}
	}
}

func TestSyncVisitCntIsIdempotent(t *testing.T) {
	build := func() *Manager {
		m := NewManager(10, 0)
		m.UpsertBatch([]NodeSpec{
			{SID: 1, VisitCnt: 1000, CurrentUnits: 2, UnitsLimit: 6},
			{SID: 2, VisitCnt: 5, CurrentUnits: 4, UnitsLimit: 6},
		})
		return m
	}
	counts := map[segment.ID]float64{1: 500, 2: 50}

	once := build()
	once.SyncVisitCnt(counts, 10)
	twice := build()
	twice.SyncVisitCnt(counts, 10)
	twice.SyncVisitCnt(counts, 10)

	got := twice.BatchQuery([]segment.ID{1, 2})
	want := once.BatchQuery([]segment.ID{1, 2})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("double sync diverged from single sync (-want +got):\n%s", diff)
	}
}

func TestBatchQueryOmitsTombstonedAndAbsent(t *testing.T) {
	m := NewManager(10, 0)
	m.UpsertBatch([]NodeSpec{
		{SID: 1, VisitCnt: 100, CurrentUnits: 2, UnitsLimit: 6},
		{SID: 2, VisitCnt: 50, CurrentUnits: 3, UnitsLimit: 6},
	})
	m.DeleteBatch([]segment.ID{2})

	states := m.BatchQuery([]segment.ID{1, 2, 3})
	if len(states) != 1 {
		t.Fatalf("expected only the live segment, got %d states", len(states))
	}
	want := NodeState{SID: 1, VisitCnt: 100, CurrentUnits: 2, UnitsLimit: 6}
	if diff := cmp.Diff(want, states[0]); diff != "" {
		t.Fatalf("unexpected node state (-want +got):\n%s", diff)
	}
}

func TestSyncCurrentUnitsClampsToLimit(t *testing.T) {
	m := NewManager(10, 0)
	m.UpsertBatch([]NodeSpec{{SID: 1, VisitCnt: 100, CurrentUnits: 2, UnitsLimit: 4}})
	m.SyncCurrentUnits(map[segment.ID]int{1: 9})

	states := m.BatchQuery([]segment.ID{1})
	if len(states) != 1 || states[0].CurrentUnits != 4 {
		t.Fatalf("expected current units clamped to limit 4, got %+v", states)
	}
}

func TestSyncVisitCntIgnoresSmallDrift(t *testing.T) {
	m := NewManager(10, 0)
	m.UpsertBatch([]NodeSpec{{SID: 1, VisitCnt: 100, CurrentUnits: 1, UnitsLimit: 6}})
	m.SyncVisitCnt(map[segment.ID]float64{1: 100.5}, 5)

	// No observable state beyond internal fields; just confirm it doesn't
	// panic and the segment remains tracked.
	if !m.Contains(1) {
		t.Fatalf("expected segment to remain tracked after a sub-threshold drift")
	}
}
