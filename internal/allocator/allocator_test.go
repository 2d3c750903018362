package allocator

import (
	"testing"

	"github.com/stratis-storage/stratisd-go"
)

func TestRequestFirstFit(t *testing.T) {
	fl := NewFreeList(1000)
	fl2, got, err := fl.Request(100, 1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(got) != 1 || got[0].Start != 0 || got[0].Length != 100 {
		t.Fatalf("unexpected extents: %+v", got)
	}
	if fl2.Free() != 900 {
		t.Fatalf("expected 900 sectors free, got %d", fl2.Free())
	}
	// Original free list must be untouched.
	if fl.Free() != 1000 {
		t.Fatalf("original free list mutated: free=%d", fl.Free())
	}
}

func TestRequestAlignment(t *testing.T) {
	fl := NewFreeList(1000)
	// Consume sectors [0,10) so the remaining free extent starts at 10,
	// an offset not aligned to 8.
	fl, _, err := fl.Request(10, 1)
	if err != nil {
		t.Fatal(err)
	}
	fl, got, err := fl.Request(16, 8)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got[0].Start%8 != 0 {
		t.Fatalf("expected aligned start, got %d", got[0].Start)
	}
	if got[0].Start != 16 {
		t.Fatalf("expected start 16 (next multiple of 8 at/after 10), got %d", got[0].Start)
	}
}

func TestRequestExhaustion(t *testing.T) {
	fl := NewFreeList(100)
	if _, _, err := fl.Request(200, 1); err == nil {
		t.Fatal("expected resource exhaustion error")
	} else if stratisd.KindOf(err) != stratisd.KindResource {
		t.Fatalf("expected KindResource, got %v", stratisd.KindOf(err))
	}
}

func TestRequestSpansMultipleExtents(t *testing.T) {
	fl := NewFreeList(0)
	fl = fl.Release([]Extent{{Start: 0, Length: 10}, {Start: 20, Length: 10}})
	fl, got, err := fl.Request(15, 1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var total stratisd.Sectors
	for _, e := range got {
		total += e.Length
	}
	if total != 15 {
		t.Fatalf("expected 15 sectors total across extents, got %d", total)
	}
	if fl.Free() != 5 {
		t.Fatalf("expected 5 sectors remaining free, got %d", fl.Free())
	}
}

func TestReleaseCoalesces(t *testing.T) {
	fl := NewFreeList(0)
	fl = fl.Release([]Extent{{Start: 100, Length: 50}})
	fl = fl.Release([]Extent{{Start: 50, Length: 50}})
	extents := fl.Extents()
	if len(extents) != 1 {
		t.Fatalf("expected extents to coalesce into one, got %+v", extents)
	}
	if extents[0].Start != 50 || extents[0].Length != 100 {
		t.Fatalf("unexpected coalesced extent: %+v", extents[0])
	}
}

// TestReleaseCoalescingOrderIndependent is the property
// out directly: releasing a set of adjacent extents produces the same
// FreeList regardless of the order they're released in.
func TestReleaseCoalescingOrderIndependent(t *testing.T) {
	extents := []Extent{
		{Start: 0, Length: 10},
		{Start: 10, Length: 5},
		{Start: 15, Length: 20},
		{Start: 100, Length: 10}, // disjoint run
	}
	orders := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 0, 3, 2},
		{2, 3, 0, 1},
	}
	var want []Extent
	for i, order := range orders {
		fl := NewFreeList(0)
		for _, idx := range order {
			fl = fl.Release([]Extent{extents[idx]})
		}
		got := fl.Extents()
		if i == 0 {
			want = got
			continue
		}
		if len(got) != len(want) {
			t.Fatalf("order %v produced %d extents, want %d (from order %v)", order, len(got), len(want), orders[0])
		}
		for j := range got {
			if got[j] != want[j] {
				t.Fatalf("order %v produced %+v, want %+v", order, got, want)
			}
		}
	}
}

func TestIntegrityReservationDeterministic(t *testing.T) {
	a := IntegrityReservation(10 << 21)
	b := IntegrityReservation(10 << 21)
	if a != b {
		t.Fatalf("integrity reservation not deterministic: %d != %d", a, b)
	}
	if a != 32<<11 {
		t.Fatalf("expected 32 MiB reservation for small device, got %d sectors", a)
	}
}

func TestAlignmentForFallsBackToDefault(t *testing.T) {
	if got := AlignmentFor(0); got != stratisd.DefaultAlignmentSectors {
		t.Fatalf("expected default alignment, got %d", got)
	}
}

func TestAlignmentForRespectsLargerPhysicalBlock(t *testing.T) {
	big := stratisd.DefaultAlignmentSectors * 4
	if got := AlignmentFor(big); got != big {
		t.Fatalf("expected alignment to follow larger physical block size, got %d", got)
	}
}
