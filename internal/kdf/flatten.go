// Package kdf turns a linked PE32+ kernel into a flat kernel descriptor: a
// section map plus the raw bytes of every retained section, already laid out
// at their logical addresses.
package kdf

import (
	"sort"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/xyproto/kdfgen/internal/format"
	"github.com/xyproto/kdfgen/internal/pe"
)

// ErrTruncatedSection is returned when the bytes a section needs are not in
// the file.
var ErrTruncatedSection = errors.New("section data truncated")

// Section is one retained section, positioned at its logical address
type Section struct {
	Name           string
	VirtualAddress uint32
	LogicalAddress uint64
	VirtualSize    uint64
	// RawSize is min(virtual size, size on disk). Bytes past it are zero
	// fill that the consumer materialises.
	RawSize uint64
	// Data borrows exactly RawSize bytes from the input buffer
	Data []byte
	Hash uint64
}

// End returns the first logical address past the section
func (s *Section) End() uint64 {
	return s.LogicalAddress + s.VirtualSize
}

// Image is the flattened view of a kernel executable
type Image struct {
	Base uint64
	// Extent is max(virtual address + virtual size) over retained sections,
	// relative to Base.
	Extent  uint64
	Entry   uint64
	Machine pe.Machine
	// Sections are ordered by ascending logical address
	Sections []Section
	Symbols  []pe.Symbol
	// Dropped lists the names of filtered sections, in table order
	Dropped        []string
	SkippedExports int
}

// Exported returns the symbols that go into the emitted symbol table
func (img *Image) Exported() []pe.Symbol {
	return lo.Filter(img.Symbols, func(s pe.Symbol, _ int) bool {
		return !s.Mangled
	})
}

// Mangled returns the symbols that are reported but never emitted
func (img *Image) Mangled() []pe.Symbol {
	return lo.Filter(img.Symbols, func(s pe.Symbol, _ int) bool {
		return s.Mangled
	})
}

// RawBytes returns the number of section bytes carried by the image
func (img *Image) RawBytes() uint64 {
	return lo.SumBy(img.Sections, func(s Section) uint64 {
		return s.RawSize
	})
}

// Flatten resolves the headers and exports of the PE32+ image in buf and lays
// out its retained sections. Section data is borrowed from buf, never copied.
// Confidence that this function is working: 90%
func Flatten(buf []byte, opts ...Option) (*Image, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r := format.NewReader(buf)
	h, err := pe.ResolveHeaders(r)
	if err != nil {
		return nil, err
	}

	img := &Image{
		Base:    h.ImageBase(),
		Entry:   h.ImageBase() + uint64(h.Optional.AddressOfEntryPoint),
		Machine: h.Machine(),
	}

	for i := range h.Dropped {
		name := h.Dropped[i].NameString()
		img.Dropped = append(img.Dropped, name)
		level.Debug(o.logger).Log("msg", "dropping section", "name", name)
	}

	exports := pe.ResolveExports(r, img.Base, h.Directory(pe.DirectoryExport), h.Translator())
	img.Symbols = exports.Symbols
	img.SkippedExports = exports.Skipped
	if exports.Skipped > 0 {
		level.Debug(o.logger).Log("msg", "unresolvable export entries", "count", exports.Skipped)
	}
	for _, sym := range img.Mangled() {
		level.Debug(o.logger).Log("msg", "not exporting decorated symbol", "name", sym.Name)
	}

	img.Sections = make([]Section, 0, len(h.Sections))
	for i := range h.Sections {
		sh := &h.Sections[i]
		sec := Section{
			Name:           sh.NameString(),
			VirtualAddress: sh.VirtualAddress,
			LogicalAddress: img.Base + uint64(sh.VirtualAddress),
			VirtualSize:    uint64(sh.VirtualSize),
			RawSize:        uint64(min(sh.VirtualSize, sh.SizeOfRawData)),
		}
		if sec.RawSize > 0 {
			data, ok := r.Slice(int(sh.PointerToRawData), int(sec.RawSize))
			if !ok {
				return nil, errors.Wrapf(ErrTruncatedSection,
					"%s wants 0x%x bytes at file offset 0x%x, file is 0x%x bytes",
					sec.Name, sec.RawSize, sh.PointerToRawData, r.Len())
			}
			sec.Data = data
		}
		sec.Hash = Checksum(sec.Data)

		img.Extent = max(img.Extent, sh.End())
		img.Sections = append(img.Sections, sec)
	}

	sort.SliceStable(img.Sections, func(i, j int) bool {
		return img.Sections[i].LogicalAddress < img.Sections[j].LogicalAddress
	})

	return img, nil
}
