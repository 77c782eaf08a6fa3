// Package boot runs the memory side of kernel bring-up: it normalizes the
// firmware memory map, reports it, and reserves the physical pages the flat
// kernel image will be copied into.
package boot

import (
	"github.com/pkg/errors"

	"github.com/xyproto/kdfgen/internal/console"
	"github.com/xyproto/kdfgen/internal/memmap"
	"github.com/xyproto/kdfgen/internal/multiboot"
	"github.com/xyproto/kdfgen/internal/pagealloc"
)

// Plan is the outcome of Prepare
type Plan struct {
	OriginalEntries int
	Regions         memmap.Map
	UsableBytes     uint64
	UsablePageBytes uint64

	Extent  uint64
	StartAt uint64
	Pages   []uint64
}

// ImageEnd returns the end of the already loaded boot image, the floor below
// which no page may be handed out
func ImageEnd(h multiboot.Header) uint64 {
	return uint64(max(h.LoadEndAddress, h.BSSEndAddress))
}

// Prepare normalizes raw in place and allocates enough pages above startAt
// to hold extent bytes. Progress goes to con. raw must not be used
// afterwards, the plan owns the normalized regions.
func Prepare(raw memmap.Map, extent, startAt uint64, con *console.Console) (*Plan, error) {
	plan := &Plan{
		OriginalEntries: len(raw),
		Extent:          extent,
		StartAt:         startAt,
	}

	plan.Regions = memmap.Normalize(raw)
	plan.UsableBytes = plan.Regions.UsableBytes()
	plan.UsablePageBytes = plan.Regions.UsablePageBytes(pagealloc.PageSize)

	con.Printf("Original/New Entries: %d / %d\n", plan.OriginalEntries, len(plan.Regions))
	for _, r := range plan.Regions {
		con.Printf("Entry: 0x%016X | 0x%016X | 0x%08X\n", r.Offset, r.Extent, uint32(r.Type))
	}
	con.Printf("Usable Memory: %d KiB\n", plan.UsableBytes/1024)
	con.Printf("Usable Memory Page-wise: %d KiB\n", plan.UsablePageBytes/1024)
	con.Printf("Image End: 0x%016X\n", startAt)

	pages, err := pagealloc.Allocate(plan.Regions, extent, startAt)
	plan.Pages = pages
	if err != nil {
		con.Printf("Out of physical memory: %d of %d pages\n", len(pages), pagealloc.PageCount(extent))
		return plan, errors.Wrap(err, "reserving kernel pages")
	}

	con.Printf("Physical Pages Prepared:\n")
	for i, p := range pages {
		con.Printf("\tPP %d: 0x%016X\n", i, p)
	}
	return plan, nil
}
