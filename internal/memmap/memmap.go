// Package memmap normalizes the physical memory map handed over by firmware
// into sorted, disjoint, priority-resolved regions.
package memmap

import (
	"fmt"

	"github.com/samber/lo"
)

// Type is the priority ordinal of a region. Where two regions of different
// type overlap, the higher type owns the contested bytes.
type Type uint32

// Usable marks memory available for general use
const Usable Type = 1

// Region is one physical memory range
type Region struct {
	Offset uint64
	Extent uint64
	Type   Type
}

// End returns the first address past the region
func (r Region) End() uint64 {
	return r.Offset + r.Extent
}

func (r Region) String() string {
	return fmt.Sprintf("[0x%016x, 0x%016x) type %d", r.Offset, r.End(), r.Type)
}

// Map is an ordered list of regions
type Map []Region

// Sort orders m by ascending offset in place. Memory maps hold tens of
// entries, a selection sort needs no scratch space.
func Sort(m Map) {
	for i := 0; i < len(m); i++ {
		lowest := i
		for j := i + 1; j < len(m); j++ {
			if m[j].Offset < m[lowest].Offset {
				lowest = j
			}
		}
		if lowest != i {
			m[i], m[lowest] = m[lowest], m[i]
		}
	}
}

func remove(m Map, i int) Map {
	copy(m[i:], m[i+1:])
	return m[:len(m)-1]
}

// insert places r at the first index at or after from that keeps m sorted
func insert(m Map, from int, r Region) Map {
	at := from
	for at < len(m) && m[at].Offset <= r.Offset {
		at++
	}
	m = append(m, Region{})
	copy(m[at+1:], m[at:])
	m[at] = r
	return m
}

// settle moves m[i] forward until m is sorted again after its offset grew
func settle(m Map, i int) {
	for ; i+1 < len(m) && m[i+1].Offset < m[i].Offset; i++ {
		m[i], m[i+1] = m[i+1], m[i]
	}
}

// Merge resolves touching and overlapping neighbours of a sorted map in a
// single pass and returns the shortened map, which shares m's storage.
//
// Touching or overlapping regions of the same type are joined. Where types
// differ the higher type keeps the overlap and the other region is trimmed,
// or split in two when the higher region sits strictly inside it.
// Confidence that this function is working: 90%
func Merge(m Map) Map {
	i := 0
	for i+1 < len(m) {
		cur, next := &m[i], &m[i+1]
		if next.Offset > cur.End() {
			i++
			continue
		}

		if cur.Type == next.Type {
			if next.End() > cur.End() {
				cur.Extent = next.End() - cur.Offset
			}
			m = remove(m, i+1)
			continue
		}

		overlap := cur.End() - next.Offset
		if overlap == 0 {
			i++
			continue
		}

		if next.Type > cur.Type {
			if next.End() < cur.End() {
				tail := Region{Offset: next.End(), Extent: cur.End() - next.End(), Type: cur.Type}
				cur.Extent = next.Offset - cur.Offset
				m = insert(m, i+2, tail)
			} else {
				cur.Extent -= overlap
			}
			if m[i].Extent == 0 {
				m = remove(m, i)
				if i > 0 {
					i--
				}
			}
			continue
		}

		if next.End() <= cur.End() {
			m = remove(m, i+1)
			continue
		}
		next.Offset += overlap
		next.Extent -= overlap
		settle(m, i+1)
	}
	return m
}

// Normalize drops empty regions, sorts and merges m. The result shares m's
// storage.
func Normalize(m Map) Map {
	kept := m[:0]
	for _, r := range m {
		if r.Extent > 0 {
			kept = append(kept, r)
		}
	}
	m = kept
	Sort(m)
	return Merge(m)
}

// UsableBytes sums the extent of every usable region
func (m Map) UsableBytes() uint64 {
	return lo.SumBy(m, func(r Region) uint64 {
		if r.Type != Usable {
			return 0
		}
		return r.Extent
	})
}

// UsablePageBytes sums the whole, aligned pages of pageSize bytes that fit in
// usable regions
func (m Map) UsablePageBytes(pageSize uint64) uint64 {
	var total uint64
	for _, r := range m {
		if r.Type != Usable {
			continue
		}
		start := (r.Offset + pageSize - 1) / pageSize * pageSize
		if start >= r.End() {
			continue
		}
		total += (r.End() - start) / pageSize * pageSize
	}
	return total
}
