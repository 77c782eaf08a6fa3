package kdf

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/xyproto/kdfgen/internal/format"
	"github.com/xyproto/kdfgen/internal/pe"
)

// Descriptor layout. Every field is a little-endian 8-byte value.
//
//	header   total_size base extent count
//	records  count * (virtual_size logical_address raw_size data_offset hash)
//	blobs    raw bytes of each section with raw_size > 0, 16-byte aligned
//	symbols  symbol_count, then per symbol address name_length name
//	         (name padded to 8 bytes)
const (
	headerSize = 4 * 8
	recordSize = 5 * 8
	blobAlign  = 16
	nameAlign  = 8
)

var (
	ErrBadDescriptor = errors.New("malformed kernel descriptor")
	ErrHashMismatch  = errors.New("section hash mismatch")
)

// Header is the fixed start of a descriptor
type Header struct {
	TotalSize uint64
	Base      uint64
	Extent    uint64
	Count     uint64
}

// Record describes one section in a descriptor
type Record struct {
	VirtualSize    uint64
	LogicalAddress uint64
	RawSize        uint64
	// DataOffset is relative to the start of the descriptor, 0 when RawSize
	// is 0
	DataOffset uint64
	Hash       uint64
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// Size returns the encoded size of the descriptor for img
func (img *Image) Size() uint64 {
	size := alignUp(headerSize+recordSize*uint64(len(img.Sections)), blobAlign)
	for i := range img.Sections {
		size += alignUp(img.Sections[i].RawSize, blobAlign)
	}
	size += 8
	for _, sym := range img.Exported() {
		size += 16 + alignUp(uint64(len(sym.Name)), nameAlign)
	}
	return size
}

// Encode serialises img as a flat kernel descriptor
func Encode(img *Image) []byte {
	total := img.Size()
	out := make([]byte, 0, total)
	le := binary.LittleEndian

	out = le.AppendUint64(out, total)
	out = le.AppendUint64(out, img.Base)
	out = le.AppendUint64(out, img.Extent)
	out = le.AppendUint64(out, uint64(len(img.Sections)))

	offset := alignUp(headerSize+recordSize*uint64(len(img.Sections)), blobAlign)
	for i := range img.Sections {
		s := &img.Sections[i]
		var dataOffset uint64
		if s.RawSize > 0 {
			dataOffset = offset
			offset += alignUp(s.RawSize, blobAlign)
		}
		out = le.AppendUint64(out, s.VirtualSize)
		out = le.AppendUint64(out, s.LogicalAddress)
		out = le.AppendUint64(out, s.RawSize)
		out = le.AppendUint64(out, dataOffset)
		out = le.AppendUint64(out, s.Hash)
	}
	out = pad(out, blobAlign)

	for i := range img.Sections {
		if img.Sections[i].RawSize == 0 {
			continue
		}
		out = append(out, img.Sections[i].Data...)
		out = pad(out, blobAlign)
	}

	exported := img.Exported()
	out = le.AppendUint64(out, uint64(len(exported)))
	for _, sym := range exported {
		out = le.AppendUint64(out, sym.Address)
		out = le.AppendUint64(out, uint64(len(sym.Name)))
		out = append(out, sym.Name...)
		out = pad(out, nameAlign)
	}

	return out
}

func pad(b []byte, a uint64) []byte {
	n := alignUp(uint64(len(b)), a) - uint64(len(b))
	return append(b, make([]byte, n)...)
}

// WriteTo writes the encoded descriptor to w
func (img *Image) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(Encode(img))
	return int64(n), err
}

// Descriptor is a decoded flat kernel descriptor. It borrows the buffer it
// was decoded from.
type Descriptor struct {
	Header
	Records []Record
	Symbols []pe.Symbol

	buf []byte
}

// Data returns the raw bytes of record i
func (d *Descriptor) Data(i int) []byte {
	rec := d.Records[i]
	if rec.RawSize == 0 {
		return nil
	}
	return d.buf[rec.DataOffset : rec.DataOffset+rec.RawSize]
}

// RawBytes returns the number of section bytes carried by the descriptor
func (d *Descriptor) RawBytes() uint64 {
	var n uint64
	for _, rec := range d.Records {
		n += rec.RawSize
	}
	return n
}

// Verify recomputes every section hash and reports all mismatches
func (d *Descriptor) Verify() error {
	var result *multierror.Error
	for i, rec := range d.Records {
		if got := Checksum(d.Data(i)); got != rec.Hash {
			result = multierror.Append(result, errors.Wrapf(ErrHashMismatch,
				"section %d at 0x%016x: stored 0x%016x, computed 0x%016x", i, rec.LogicalAddress, rec.Hash, got))
		}
	}
	return result.ErrorOrNil()
}

func badDescriptor(format string, args ...any) error {
	return errors.Wrap(ErrBadDescriptor, fmt.Sprintf(format, args...))
}

// Decode parses a descriptor produced by Encode.
// Confidence that this function is working: 85%
func Decode(buf []byte) (*Descriptor, error) {
	r := format.NewReader(buf)
	d := &Descriptor{buf: buf}

	var ok bool
	d.Header, ok = format.ReadValue[Header](r)
	if !ok {
		return nil, badDescriptor("%d bytes is shorter than the header", len(buf))
	}
	if d.TotalSize != uint64(len(buf)) {
		return nil, badDescriptor("header says %d bytes, have %d", d.TotalSize, len(buf))
	}
	if d.Count > uint64(r.Remaining())/recordSize {
		return nil, badDescriptor("%d records do not fit in %d bytes", d.Count, len(buf))
	}

	end := alignUp(headerSize+recordSize*d.Count, blobAlign)
	d.Records = make([]Record, 0, d.Count)
	for i := uint64(0); i < d.Count; i++ {
		rec, _ := format.ReadValue[Record](r)
		if rec.RawSize > rec.VirtualSize {
			return nil, badDescriptor("record %d: raw size 0x%x exceeds virtual size 0x%x", i, rec.RawSize, rec.VirtualSize)
		}
		if i > 0 && rec.LogicalAddress < d.Records[i-1].LogicalAddress {
			return nil, badDescriptor("record %d: logical address 0x%x out of order", i, rec.LogicalAddress)
		}
		if rec.RawSize > 0 {
			if _, ok := r.Slice(int(rec.DataOffset), int(rec.RawSize)); !ok || rec.DataOffset > uint64(len(buf)) {
				return nil, badDescriptor("record %d: data at 0x%x+0x%x outside descriptor", i, rec.DataOffset, rec.RawSize)
			}
			end = max(end, alignUp(rec.DataOffset+rec.RawSize, blobAlign))
		}
		d.Records = append(d.Records, rec)
	}

	if !r.Seek(int(end)) {
		return nil, badDescriptor("section data ends past the descriptor")
	}
	count, ok := format.ReadValue[uint64](r)
	if !ok {
		return nil, badDescriptor("missing symbol table")
	}
	for i := uint64(0); i < count; i++ {
		addr, ok1 := format.ReadValue[uint64](r)
		n, ok2 := format.ReadValue[uint64](r)
		if !ok1 || !ok2 || n > uint64(r.Remaining()) {
			return nil, badDescriptor("symbol %d truncated", i)
		}
		name, _ := r.Read(int(n))
		r.Forward(int(alignUp(n, nameAlign) - n))
		d.Symbols = append(d.Symbols, pe.Symbol{Name: string(name), Address: addr})
	}

	return d, nil
}
