// Package petest builds small synthetic PE32+ images for tests.
package petest

import (
	"encoding/binary"

	"github.com/xyproto/kdfgen/internal/pe"
)

const (
	stubSize     = 0x80
	fileAlign    = 0x200
	sectionAlign = 0x1000
	optionalSize = 240
	coffSize     = 20
	sectionSize  = 40
)

// Section describes one section of the synthetic image
type Section struct {
	Name           string
	VirtualAddress uint32
	VirtualSize    uint32
	// RawSize is the declared SizeOfRawData. Zero means len(Data).
	RawSize uint32
	Data    []byte
}

// Export is a named export pointing at an RVA
type Export struct {
	Name string
	RVA  uint32
}

// Image describes a PE32+ file to build. Zero values give a valid AMD64
// image with a DOS stub.
type Image struct {
	Base     uint64
	Entry    uint32
	Machine  uint16
	NoStub   bool
	Sections []Section
	Exports  []Export

	// OptionalMagic overrides the optional header magic when non-zero
	OptionalMagic uint16
	// OptionalSize overrides SizeOfOptionalHeader when non-zero
	OptionalSize uint16
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

// Build serialises the image
func (img *Image) Build() []byte {
	secs := append([]Section(nil), img.Sections...)

	var exportDir pe.DataDirectory
	if len(img.Exports) > 0 {
		edata := img.exportSection(secs)
		secs = append(secs, edata)
		exportDir = pe.DataDirectory{VirtualAddress: edata.VirtualAddress, Size: uint32(len(edata.Data))}
	}

	optSize := uint32(optionalSize)
	if img.OptionalSize != 0 {
		optSize = uint32(img.OptionalSize)
	}
	headerOff := uint32(stubSize)
	if img.NoStub {
		headerOff = 0
	}
	headersEnd := headerOff + 4 + coffSize + optSize + sectionSize*uint32(len(secs))
	fileOff := alignUp(headersEnd, fileAlign)

	headers := make([]pe.SectionHeader, len(secs))
	for i, s := range secs {
		raw := s.RawSize
		if raw == 0 {
			raw = uint32(len(s.Data))
		}
		var name [8]byte
		copy(name[:], s.Name)
		headers[i] = pe.SectionHeader{
			Name:           name,
			VirtualSize:    s.VirtualSize,
			VirtualAddress: s.VirtualAddress,
			SizeOfRawData:  raw,
		}
		if raw > 0 {
			headers[i].PointerToRawData = fileOff
			fileOff += alignUp(raw, fileAlign)
		}
	}

	machine := img.Machine
	if machine == 0 {
		machine = uint16(pe.MachineAMD64)
	}
	magic := img.OptionalMagic
	if magic == 0 {
		magic = 0x020B
	}
	base := img.Base
	if base == 0 {
		base = 0x140000000
	}

	opt := pe.OptionalHeader64{
		Magic:               magic,
		AddressOfEntryPoint: img.Entry,
		ImageBase:           base,
		SectionAlignment:    sectionAlign,
		FileAlignment:       fileAlign,
		NumberOfRvaAndSizes: 16,
	}
	opt.DataDirectory[pe.DirectoryExport] = exportDir

	out := make([]byte, 0, fileOff)
	if !img.NoStub {
		out = binary.LittleEndian.AppendUint16(out, 0x5A4D) // "MZ"
		out = append(out, make([]byte, 0x3C-2)...)
		out = binary.LittleEndian.AppendUint32(out, headerOff)
		out = append(out, make([]byte, stubSize-len(out))...)
	}
	out = binary.LittleEndian.AppendUint32(out, 0x00004550) // "PE\0\0"

	var err error
	out, err = binary.Append(out, binary.LittleEndian, pe.FileHeader{
		Machine:              machine,
		NumberOfSections:     uint16(len(secs)),
		SizeOfOptionalHeader: uint16(optSize),
		Characteristics:      0x0022,
	})
	if err != nil {
		panic(err)
	}

	optBytes, err := binary.Append(nil, binary.LittleEndian, opt)
	if err != nil {
		panic(err)
	}
	if uint32(len(optBytes)) > optSize {
		optBytes = optBytes[:optSize]
	}
	out = append(out, optBytes...)
	out = append(out, make([]byte, optSize-uint32(len(optBytes)))...)

	for _, h := range headers {
		if out, err = binary.Append(out, binary.LittleEndian, h); err != nil {
			panic(err)
		}
	}

	for i, h := range headers {
		if h.SizeOfRawData == 0 {
			continue
		}
		out = append(out, make([]byte, int(h.PointerToRawData)-len(out))...)
		data := secs[i].Data
		if uint32(len(data)) > h.SizeOfRawData {
			data = data[:h.SizeOfRawData]
		}
		out = append(out, data...)
		out = append(out, make([]byte, int(alignUp(h.SizeOfRawData, fileAlign))-len(data))...)
	}

	return out
}

// exportSection lays out an .edata section after the highest existing
// section: directory, function table, name table, ordinal table, names.
func (img *Image) exportSection(secs []Section) Section {
	va := uint32(sectionAlign)
	for _, s := range secs {
		if end := alignUp(s.VirtualAddress+s.VirtualSize, sectionAlign); end > va {
			va = end
		}
	}

	n := uint32(len(img.Exports))
	funcs := uint32(40)
	names := funcs + 4*n
	ords := names + 4*n
	strs := ords + 2*n

	data := make([]byte, strs)
	binary.LittleEndian.PutUint32(data[16:], 1)        // ordinal base
	binary.LittleEndian.PutUint32(data[20:], n)        // number of functions
	binary.LittleEndian.PutUint32(data[24:], n)        // number of names
	binary.LittleEndian.PutUint32(data[28:], va+funcs) // address of functions
	binary.LittleEndian.PutUint32(data[32:], va+names) // address of names
	binary.LittleEndian.PutUint32(data[36:], va+ords)  // address of name ordinals
	for i, e := range img.Exports {
		binary.LittleEndian.PutUint32(data[funcs+4*uint32(i):], e.RVA)
		binary.LittleEndian.PutUint32(data[names+4*uint32(i):], va+uint32(len(data)))
		binary.LittleEndian.PutUint16(data[ords+2*uint32(i):], uint16(i))
		data = append(data, e.Name...)
		data = append(data, 0)
	}

	return Section{
		Name:           ".edata",
		VirtualAddress: va,
		VirtualSize:    uint32(len(data)),
		Data:           data,
	}
}
