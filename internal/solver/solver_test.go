package solver

import (
	"testing"

	"github.com/dase955/artcache/internal/segment"
)

func TestSolveOrdersByVisitCount(t *testing.T) {
	infos := map[segment.ID]Info{
		1: {VisitCnt: 100, BitsPerUnit: 100}, // A
		2: {VisitCnt: 10, BitsPerUnit: 100},  // B
		3: {VisitCnt: 1, BitsPerUnit: 100},   // C
	}

	solution := Solve(infos, 600, 6, 4, nil)

	a, b, c := solution[1], solution[2], solution[3]
	if !(a >= b && b >= c) {
		t.Fatalf("expected solution[A] >= solution[B] >= solution[C], got %d %d %d", a, b, c)
	}

	totalBits := uint64(a+b+c) * 100
	if totalBits > 600 {
		t.Fatalf("expected total bits <= 600, got %d", totalBits)
	}

	if c > 0 && (a == 0 || b == 0) {
		t.Fatalf("expected C to only get a unit once A and B already have one: a=%d b=%d c=%d", a, b, c)
	}
}

func TestSolveZeroVisitCountGetsNothing(t *testing.T) {
	infos := map[segment.ID]Info{
		1: {VisitCnt: 0, BitsPerUnit: 100},
	}
	solution := Solve(infos, 10000, 6, 4, nil)
	if solution[1] != 0 {
		t.Fatalf("expected 0 units for zero visit count, got %d", solution[1])
	}
}

func TestSolveRespectsMaxUnitsCeiling(t *testing.T) {
	infos := map[segment.ID]Info{
		1: {VisitCnt: 1_000_000, BitsPerUnit: 1},
	}
	solution := Solve(infos, 1_000_000, 6, 4, nil)
	if solution[1] > 6 {
		t.Fatalf("expected solution capped at MaxUnits=6, got %d", solution[1])
	}
}

func TestSolveDropsSegmentThatNeverFits(t *testing.T) {
	infos := map[segment.ID]Info{
		1: {VisitCnt: 100, BitsPerUnit: 10}, // fits
		2: {VisitCnt: 1, BitsPerUnit: 1000}, // never fits in a tiny budget
	}
	solution := Solve(infos, 20, 6, 4, nil)
	if solution[2] != 0 {
		t.Fatalf("expected segment 2 to be dropped permanently, got %d units", solution[2])
	}
}

func TestTraceCalledPerUnitAssignment(t *testing.T) {
	infos := map[segment.ID]Info{
		1: {VisitCnt: 100, BitsPerUnit: 10},
	}
	var calls int
	Solve(infos, 60, 6, 4, func(sid segment.ID, from, to int, benefit float64) {
		calls++
	})
	if calls == 0 {
		t.Fatalf("expected trace to be invoked at least once")
	}
}
