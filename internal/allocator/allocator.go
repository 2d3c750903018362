// Package allocator implements the per-block-device free-extent
// bookkeeping: first-fit allocation and release
// with coalescing, backed by an immutable sorted map so a reader can hold
// a consistent snapshot of free space while a mutation is in flight.
package allocator

import (
	"fmt"

	"github.com/benbjohnson/immutable"

	"github.com/stratis-storage/stratisd-go"
)

// Extent is a contiguous run of sectors on one block device.
type Extent struct {
	Start  stratisd.Sectors
	Length stratisd.Sectors
}

// End returns the first sector past the extent.
func (e Extent) End() stratisd.Sectors { return e.Start + e.Length }

// FreeList is the free-space bookkeeping for a single block device. Every
// mutating method returns a new *FreeList rather than mutating in place:
// the underlying immutable.SortedMap is replaced wholesale, so a goroutine
// holding an older *FreeList (e.g. computing a property read) never
// observes a torn intermediate state.
type FreeList struct {
	// m is keyed by extent start sector; the value is the extent length.
	m *immutable.SortedMap[uint64, uint64]
}

// NewFreeList creates a FreeList for a device of the given total size,
// with the whole device free from sector 0.
func NewFreeList(totalSectors stratisd.Sectors) *FreeList {
	m := immutable.NewSortedMap[uint64, uint64](nil)
	if totalSectors > 0 {
		m = m.Set(0, uint64(totalSectors))
	}
	return &FreeList{m: m}
}

// newFreeListFromRecord rebuilds a FreeList from the on-disk extent list
// recorded in a device's metadata record, for use during pool assembly.
func newFreeListFromRecord(extents []Extent) *FreeList {
	m := immutable.NewSortedMap[uint64, uint64](nil)
	for _, e := range extents {
		m = m.Set(uint64(e.Start), uint64(e.Length))
	}
	return &FreeList{m: m}
}

// FromExtents builds a FreeList directly from a list of free extents, as
// read back from a device's metadata record.
func FromExtents(extents []Extent) *FreeList { return newFreeListFromRecord(extents) }

// Extents returns every free extent in start-sector order.
func (f *FreeList) Extents() []Extent {
	out := make([]Extent, 0, f.m.Len())
	itr := f.m.Iterator()
	for !itr.Done() {
		start, length, ok := itr.Next()
		if !ok {
			break
		}
		out = append(out, Extent{Start: stratisd.Sectors(start), Length: stratisd.Sectors(length)})
	}
	return out
}

// Free returns the total number of free sectors.
func (f *FreeList) Free() stratisd.Sectors {
	var total uint64
	itr := f.m.Iterator()
	for !itr.Done() {
		_, length, ok := itr.Next()
		if !ok {
			break
		}
		total += length
	}
	return stratisd.Sectors(total)
}

// Request finds and removes extents totaling at least n sectors, aligned
// to align sectors, using first-fit by start sector: it walks the free
// extents in start-sector order and takes the aligned part of each one
// that has any aligned room, until n sectors are covered, returning the
// unaligned prefix and any excess tail of each to the free list. It does
// not look for a single extent large enough for all n sectors, so it can
// return several extents even when a later extent would have held n.
func (f *FreeList) Request(n stratisd.Sectors, align stratisd.Sectors) (*FreeList, []Extent, error) {
	if n == 0 {
		return f, nil, nil
	}
	if align == 0 {
		align = 1
	}

	cur := f
	var taken []Extent
	var remaining stratisd.Sectors = n

	for remaining > 0 {
		start, length, found := firstFitAligned(cur.m, remaining, align)
		if !found {
			return f, nil, fmt.Errorf("%w: need %d more sectors, free list exhausted", stratisd.NewError(stratisd.KindResource, errNoSpace), remaining)
		}
		alignedStart := stratisd.Sectors(start).AlignUp(align)
		prefix := alignedStart - stratisd.Sectors(start)
		avail := stratisd.Sectors(length) - prefix
		take := avail
		if take > remaining {
			take = remaining
		}

		m := cur.m.Delete(start)
		if prefix > 0 {
			m = m.Set(start, uint64(prefix))
		}
		tailStart := alignedStart + take
		tailLen := (stratisd.Sectors(start) + stratisd.Sectors(length)) - tailStart
		if tailLen > 0 {
			m = m.Set(uint64(tailStart), uint64(tailLen))
		}
		cur = &FreeList{m: m}
		taken = append(taken, Extent{Start: alignedStart, Length: take})
		remaining -= take
	}
	return cur, taken, nil
}

var errNoSpace = fmt.Errorf("no extent large enough")

// firstFitAligned scans m in start-sector order for the first extent
// that, once rounded up to align, still has room for at least one
// aligned sector toward need.
func firstFitAligned(m *immutable.SortedMap[uint64, uint64], need stratisd.Sectors, align stratisd.Sectors) (start, length uint64, ok bool) {
	itr := m.Iterator()
	for !itr.Done() {
		s, l, valid := itr.Next()
		if !valid {
			break
		}
		alignedStart := stratisd.Sectors(s).AlignUp(align)
		if alignedStart >= stratisd.Sectors(s)+stratisd.Sectors(l) {
			continue // rounding up consumed the whole extent
		}
		avail := stratisd.Sectors(s) + stratisd.Sectors(l) - alignedStart
		if avail > 0 {
			return s, l, true
		}
	}
	return 0, 0, false
}

// Release returns the extents to the free list, coalescing any that
// become adjacent to an existing free run. The result is independent of
// the order extents are released in: releasing [a, b] or [b, a] produces
// the same FreeList, which is exercised directly by allocator_test.go.
func (f *FreeList) Release(extents []Extent) *FreeList {
	cur := f
	for _, e := range extents {
		cur = cur.releaseOne(e)
	}
	return cur
}

func (f *FreeList) releaseOne(e Extent) *FreeList {
	m := f.m
	start, length := uint64(e.Start), uint64(e.Length)

	// Merge with a preceding extent that ends exactly at start. A linear
	// scan keeps this independent of whatever reverse-iteration primitives
	// the underlying sorted map does or doesn't expose.
	itr := m.Iterator()
	for !itr.Done() {
		s, l, ok := itr.Next()
		if !ok {
			break
		}
		if s+l == start {
			m = m.Delete(s)
			start = s
			length += l
			break
		}
		if s >= start {
			break // map is in ascending order; nothing further can precede start
		}
	}

	// Merge with a following extent that begins exactly at start+length.
	if nl, ok := m.Get(start + length); ok {
		m = m.Delete(start + length)
		length += nl
	}

	return &FreeList{m: m.Set(start, length)}
}
