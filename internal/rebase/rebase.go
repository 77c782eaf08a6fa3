// Package rebase turns a linked PE32+ kernel into a flat image that a
// multiboot loader can place at a fixed physical address.
package rebase

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/xyproto/kdfgen/internal/format"
	"github.com/xyproto/kdfgen/internal/kdf"
	"github.com/xyproto/kdfgen/internal/multiboot"
	"github.com/xyproto/kdfgen/internal/pe"
)

const (
	// DefaultBase is where the loader puts the image: the first megabyte
	DefaultBase = 0x100000

	// headerFill marks the bytes in front of the lowest section
	headerFill = 0xAB
	// searchWindow bounds the multiboot header search after the lowest section
	searchWindow = 0x2000
	// maxImageSize bounds the flat image, bss included
	maxImageSize = 256 << 20
)

var (
	ErrNoSections   = errors.New("no loadable sections")
	ErrAddressRange = errors.New("image does not fit below 4 GiB")
	ErrTooLarge     = errors.New("image too large to rebase")
)

// Result is a rebased flat image
type Result struct {
	// Image is indexed by RVA with trailing zero bytes removed
	Image []byte
	// Size is the untrimmed size, the end of bss
	Size         uint64
	LowestRVA    uint32
	HeaderOffset int
	Header       multiboot.Header
	Skipped      []string
}

// skipped reports sections that never go into a rebased image: static
// initializer tables in addition to the sections every flat image drops
func skipped(name string) bool {
	return strings.HasPrefix(name, ".CRT")
}

// Rebase lays out the retained sections of the PE32+ image in buf by RVA and
// patches the embedded multiboot header for a load at base.
// Confidence that this function is working: 85%
func Rebase(buf []byte, base uint64) (*Result, error) {
	r := format.NewReader(buf)
	h, err := pe.ResolveHeaders(r)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	sections := lo.Filter(h.Sections, func(s pe.SectionHeader, _ int) bool {
		if skipped(s.NameString()) {
			res.Skipped = append(res.Skipped, s.NameString())
			return false
		}
		return true
	})
	if len(sections) == 0 {
		return nil, ErrNoSections
	}

	res.LowestRVA = lo.MinBy(sections, func(a, b pe.SectionHeader) bool {
		return a.VirtualAddress < b.VirtualAddress
	}).VirtualAddress
	res.Size = uint64(res.LowestRVA)
	for i := range sections {
		res.Size = max(res.Size, sections[i].End())
	}
	if res.Size > maxImageSize {
		return nil, errors.Wrapf(ErrTooLarge, "sections span 0x%x bytes, at most 0x%x", res.Size, maxImageSize)
	}
	if base+res.Size > math.MaxUint32 {
		return nil, errors.Wrapf(ErrAddressRange, "0x%x bytes at 0x%x", res.Size, base)
	}

	out := make([]byte, res.Size)
	for i := range out[:res.LowestRVA] {
		out[i] = headerFill
	}
	for i := range sections {
		s := &sections[i]
		n := min(s.VirtualSize, s.SizeOfRawData)
		if n == 0 {
			continue
		}
		data, ok := r.Slice(int(s.PointerToRawData), int(n))
		if !ok {
			return nil, errors.Wrapf(kdf.ErrTruncatedSection, "%s wants 0x%x bytes at file offset 0x%x",
				s.NameString(), n, s.PointerToRawData)
		}
		copy(out[s.VirtualAddress:], data)
	}

	lowest := int(res.LowestRVA)
	off, hdr, err := multiboot.Find(out, lowest, min(len(out), lowest+searchWindow))
	if err != nil {
		return nil, err
	}

	loaded := len(out)
	for loaded > 0 && out[loaded-1] == 0 {
		loaded--
	}

	hdr.HeaderAddress = uint32(base) + uint32(off)
	hdr.LoadAddress = uint32(base) + res.LowestRVA
	hdr.LoadEndAddress = uint32(base) + uint32(loaded)
	hdr.BSSEndAddress = uint32(base + res.Size)
	hdr.EntryAddress = uint32(base) + h.Optional.AddressOfEntryPoint
	if err := hdr.Put(out[off:]); err != nil {
		return nil, err
	}

	res.Image = out[:loaded]
	res.HeaderOffset = off
	res.Header = hdr
	return res, nil
}
