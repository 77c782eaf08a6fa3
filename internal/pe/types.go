// Completion: 100% - PE32+ structures needed for flattening
package pe

import (
	"strings"
)

// Magic numbers checked while resolving headers
const (
	dosMagic         = 0x5A4D     // "MZ"
	dosHeaderOffset  = 0x3C       // e_lfanew, offset of the PE header
	peSignature      = 0x00004550 // "PE\0\0"
	optionalMagic32  = 0x010B     // PE32
	optionalMagic64  = 0x020B     // PE32+
	sectionHeaderLen = 40
)

// Data directory indices used by the resolvers
const (
	DirectoryExport = 0
)

// FileHeader is the COFF file header that follows the PE signature
type FileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// OptionalHeader64 represents the PE32+ optional header
type OptionalHeader64 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	ImageBase               uint64
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint64
	SizeOfStackCommit       uint64
	SizeOfHeapReserve       uint64
	SizeOfHeapCommit        uint64
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectory           [16]DataDirectory
}

// DataDirectory represents a data directory entry
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// SectionHeader represents a PE section header
type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// NameString returns the section name with NUL padding removed
func (sh *SectionHeader) NameString() string {
	name := string(sh.Name[:])
	if idx := strings.IndexByte(name, 0); idx != -1 {
		name = name[:idx]
	}
	return name
}

// Contains reports whether the RVA falls inside the section's virtual range
func (sh *SectionHeader) Contains(rva uint32) bool {
	return rva >= sh.VirtualAddress && uint64(rva) < uint64(sh.VirtualAddress)+uint64(sh.VirtualSize)
}

// End returns the first RVA past the section's virtual range
func (sh *SectionHeader) End() uint64 {
	return uint64(sh.VirtualAddress) + uint64(sh.VirtualSize)
}

// exportDirectory is the fixed part of the export directory table
type exportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}
