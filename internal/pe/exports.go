package pe

import (
	"strings"

	"github.com/xyproto/kdfgen/internal/format"
)

// mangledPrefix starts every decorated C++ symbol name
const mangledPrefix = "?"

// Translator maps relative virtual addresses to file offsets using a section
// table.
type Translator []SectionHeader

// Section returns the first section whose virtual range contains rva
func (t Translator) Section(rva uint32) (*SectionHeader, bool) {
	for i := range t {
		if t[i].Contains(rva) {
			return &t[i], true
		}
	}
	return nil, false
}

// Offset converts an RVA to a file offset
func (t Translator) Offset(rva uint32) (int, bool) {
	sec, ok := t.Section(rva)
	if !ok {
		return 0, false
	}
	return int(uint64(sec.PointerToRawData) + uint64(rva-sec.VirtualAddress)), true
}

// Symbol is a named export resolved to an absolute address
type Symbol struct {
	Name    string
	Address uint64
	Ordinal uint16
	// Mangled is set for names without plain C linkage
	Mangled bool
}

// Exports is the result of walking an export directory
type Exports struct {
	Symbols []Symbol
	// Skipped counts name entries whose name, ordinal or function slot
	// could not be resolved
	Skipped int
}

// IsMangled reports whether a symbol name uses C++ decoration
func IsMangled(name string) bool {
	return strings.HasPrefix(name, mangledPrefix)
}

// ResolveExports walks the export directory described by dir. A directory
// that no section contains is not an error: the image simply exports
// nothing.
func ResolveExports(r *format.Reader, base uint64, dir DataDirectory, t Translator) Exports {
	var res Exports
	if dir.VirtualAddress == 0 {
		return res
	}
	off, ok := t.Offset(dir.VirtualAddress)
	if !ok {
		return res
	}
	ed, ok := format.Peek[exportDirectory](r, off, false)
	if !ok {
		return res
	}

	namesOff, namesOK := t.Offset(ed.AddressOfNames)
	ordsOff, ordsOK := t.Offset(ed.AddressOfNameOrdinals)
	funcsOff, funcsOK := t.Offset(ed.AddressOfFunctions)
	if !namesOK || !ordsOK || !funcsOK || uint64(ed.NumberOfNames)*4 > uint64(r.Len()) {
		res.Skipped = int(ed.NumberOfNames)
		return res
	}

	for i := 0; i < int(ed.NumberOfNames); i++ {
		nameRVA, ok := format.Peek[uint32](r, namesOff+4*i, false)
		if !ok {
			res.Skipped++
			continue
		}
		nameOff, ok := t.Offset(nameRVA)
		if !ok {
			res.Skipped++
			continue
		}
		name, ok := r.CString(nameOff)
		if !ok {
			res.Skipped++
			continue
		}
		ordinal, ok := format.Peek[uint16](r, ordsOff+2*i, false)
		if !ok || uint32(ordinal) >= ed.NumberOfFunctions {
			res.Skipped++
			continue
		}
		funcRVA, ok := format.Peek[uint32](r, funcsOff+4*int(ordinal), false)
		if !ok {
			res.Skipped++
			continue
		}

		res.Symbols = append(res.Symbols, Symbol{
			Name:    name,
			Address: base + uint64(funcRVA),
			Ordinal: ordinal + uint16(ed.Base),
			Mangled: IsMangled(name),
		})
	}

	return res
}
