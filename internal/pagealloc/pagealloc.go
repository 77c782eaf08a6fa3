// Package pagealloc hands out the physical pages that will hold the kernel
// image. It is a single-shot bump allocator over a normalized memory map.
package pagealloc

import (
	"math"

	"github.com/pkg/errors"

	"github.com/xyproto/kdfgen/internal/memmap"
)

// PageSize is the allocation granularity
const PageSize = 4096

// ErrExhausted means the usable regions cannot supply the requested pages
var ErrExhausted = errors.New("usable memory exhausted")

// PageCount returns the number of pages needed to hold size bytes
func PageCount(size uint64) uint64 {
	n := size / PageSize
	if size%PageSize != 0 {
		n++
	}
	return n
}

func alignUp(v uint64) (uint64, bool) {
	if v > math.MaxUint64-(PageSize-1) {
		return 0, false
	}
	return (v + PageSize - 1) &^ (PageSize - 1), true
}

// Allocator walks the usable regions of a memory map in address order. It
// only reads the map.
type Allocator struct {
	regions memmap.Map
	startAt uint64

	// next is the index of the next region to consider
	next   int
	active bool
	cursor uint64
	end    uint64
	done   bool
}

// New returns an allocator over m that never returns a page at or below
// startAt.
func New(m memmap.Map, startAt uint64) *Allocator {
	return &Allocator{regions: m, startAt: startAt}
}

// advance moves to the next usable region
func (a *Allocator) advance() bool {
	for a.next < len(a.regions) {
		r := a.regions[a.next]
		a.next++
		if r.Type != memmap.Usable {
			continue
		}
		start, ok := alignUp(r.Offset)
		if !ok {
			continue
		}
		a.cursor, a.end, a.active = start, r.End(), true
		return true
	}
	a.done = true
	return false
}

// room reports whether the cursor plus two pages still fits in the region
func (a *Allocator) room() bool {
	return a.active && a.end >= a.cursor && a.end-a.cursor >= 2*PageSize
}

// Next returns the next page above the floor, in increasing address order.
// Confidence that this function is working: 90%
func (a *Allocator) Next() (uint64, error) {
	for !a.done {
		if !a.room() {
			a.advance()
			continue
		}

		page := a.cursor
		a.cursor += PageSize
		if page > a.startAt {
			return page, nil
		}

		// every candidate up to the floor would be discarded in turn
		floor, ok := alignUp(a.startAt + 1)
		if a.startAt == math.MaxUint64 || !ok {
			a.done = true
			break
		}
		a.cursor = max(a.cursor, floor)
	}
	return 0, ErrExhausted
}

// Allocate returns PageCount(size) pages above startAt drawn from the usable
// regions of m. On exhaustion the pages obtained so far are returned with an
// error wrapping ErrExhausted.
func Allocate(m memmap.Map, size, startAt uint64) ([]uint64, error) {
	want := PageCount(size)
	a := New(m, startAt)
	pages := make([]uint64, 0, min(want, 1<<16))
	for uint64(len(pages)) < want {
		page, err := a.Next()
		if err != nil {
			return pages, errors.Wrapf(err, "allocated %d of %d pages above 0x%x", len(pages), want, startAt)
		}
		pages = append(pages, page)
	}
	return pages, nil
}
