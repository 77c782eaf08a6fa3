// Package multiboot reads and writes the multiboot (version 1) header that a
// flat kernel image carries, and decodes the memory map a multiboot loader
// hands over.
package multiboot

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/xyproto/kdfgen/internal/format"
	"github.com/xyproto/kdfgen/internal/memmap"
)

// Magic identifies a multiboot header
const Magic = 0x1BADB002

// HeaderSize is the encoded size of Header
const HeaderSize = 11 * 4

// Header flags
const (
	FlagModuleAlign  = 1 << 0
	FlagMemInfo      = 1 << 1
	FlagMemoryMap    = 1 << 6
	FlagValidOffsets = 1 << 16
)

var (
	ErrNoHeader     = errors.New("no multiboot header")
	ErrBadMemoryMap = errors.New("malformed memory map")
)

// Header is the multiboot header embedded near the start of the image. The
// address fields are physical load addresses.
type Header struct {
	Magic    uint32
	Flags    uint32
	Checksum uint32

	HeaderAddress  uint32
	LoadAddress    uint32
	LoadEndAddress uint32
	BSSEndAddress  uint32
	EntryAddress   uint32

	Width  uint32
	Height uint32
	Depth  uint32
}

// NewHeader returns a header with the magic and a matching checksum
func NewHeader(flags uint32) Header {
	return Header{
		Magic:    Magic,
		Flags:    flags,
		Checksum: -(Magic + flags),
	}
}

// Valid reports whether magic, flags and checksum sum to zero
func (h Header) Valid() bool {
	return h.Magic == Magic && h.Magic+h.Flags+h.Checksum == 0
}

// Put encodes h at the start of buf, which must hold HeaderSize bytes
func (h Header) Put(buf []byte) error {
	if _, err := binary.Encode(buf, binary.LittleEndian, h); err != nil {
		return errors.Wrap(err, "encoding multiboot header")
	}
	return nil
}

// Find returns the offset of the first header that starts in [from, limit)
// and fits inside buf.
func Find(buf []byte, from, limit int) (int, Header, error) {
	r := format.NewReader(buf)
	for off := max(from, 0); off < limit; off++ {
		magic, ok := format.Peek[uint32](r, off, false)
		if !ok {
			break
		}
		if magic != Magic {
			continue
		}
		if h, ok := format.Peek[Header](r, off, false); ok {
			return off, h, nil
		}
	}
	return 0, Header{}, errors.Wrapf(ErrNoHeader, "searched 0x%x to 0x%x", from, limit)
}

// Entry layout of the loader memory map: size, base, length and type. size
// counts the bytes after itself.
const entryMinSize = 8 + 8 + 4

type entry struct {
	Base   uint64
	Length uint64
	Type   uint32
}

// ParseMemoryMap decodes a multiboot memory map into regions, in order
func ParseMemoryMap(buf []byte) (memmap.Map, error) {
	r := format.NewReader(buf)
	var m memmap.Map
	for r.Remaining() > 0 {
		at := r.Offset()
		size, ok := format.ReadValue[uint32](r)
		if !ok {
			return nil, errors.Wrapf(ErrBadMemoryMap, "entry at 0x%x: truncated size", at)
		}
		if size < entryMinSize {
			return nil, errors.Wrapf(ErrBadMemoryMap, "entry at 0x%x: size %d is smaller than %d", at, size, entryMinSize)
		}
		e, ok := format.Peek[entry](r, 0, true)
		if !ok || !r.Forward(int(size)) {
			return nil, errors.Wrapf(ErrBadMemoryMap, "entry at 0x%x: %d bytes past the end of the map", at, size)
		}
		m = append(m, memmap.Region{Offset: e.Base, Extent: e.Length, Type: memmap.Type(e.Type)})
	}
	return m, nil
}

// AppendMemoryMap encodes m the way a multiboot loader lays it out
func AppendMemoryMap(b []byte, m memmap.Map) []byte {
	le := binary.LittleEndian
	for _, r := range m {
		b = le.AppendUint32(b, entryMinSize)
		b = le.AppendUint64(b, r.Offset)
		b = le.AppendUint64(b, r.Extent)
		b = le.AppendUint32(b, uint32(r.Type))
	}
	return b
}
