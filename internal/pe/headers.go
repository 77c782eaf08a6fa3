package pe

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/xyproto/kdfgen/internal/format"
)

var (
	ErrBadStub          = errors.New("invalid DOS stub")
	ErrNoPESignature    = errors.New("not a valid PE file")
	ErrNoOptionalHeader = errors.New("no PE32+ optional header")
	ErrTruncated        = errors.New("section table truncated")
)

// Stage names the structural check that failed while resolving headers
type Stage int

const (
	StageStub Stage = iota
	StageSignature
	StageOptionalHeader
	StageSectionTable
)

func (s Stage) String() string {
	switch s {
	case StageStub:
		return "dos stub"
	case StageSignature:
		return "pe signature"
	case StageOptionalHeader:
		return "optional header"
	case StageSectionTable:
		return "section table"
	default:
		return "unknown"
	}
}

// HeaderError reports exactly which structural assumption about the image
// did not hold.
type HeaderError struct {
	Stage  Stage
	Offset int
	Detail string
	err    error
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("%v at offset 0x%x: %s", e.err, e.Offset, e.Detail)
}

func (e *HeaderError) Unwrap() error {
	return e.err
}

func headerError(stage Stage, offset int, err error, format string, args ...any) *HeaderError {
	return &HeaderError{
		Stage:  stage,
		Offset: offset,
		Detail: fmt.Sprintf(format, args...),
		err:    err,
	}
}

// Headers is the validated view of a PE32+ image
type Headers struct {
	// HeaderOffset is where the "PE\0\0" signature was found
	HeaderOffset int
	File         FileHeader
	Optional     OptionalHeader64
	// Sections holds the retained section table in file order
	Sections []SectionHeader
	// Dropped holds sections removed by the fixed filter
	Dropped []SectionHeader
}

// ImageBase returns the preferred load address of the image
func (h *Headers) ImageBase() uint64 {
	return h.Optional.ImageBase
}

// Machine returns the target machine declared in the file header
func (h *Headers) Machine() Machine {
	return Machine(h.File.Machine)
}

// Directory returns the data directory entry at index i, or a zero entry if
// the optional header declares fewer directories.
func (h *Headers) Directory(i int) DataDirectory {
	if i < 0 || i >= len(h.Optional.DataDirectory) || uint32(i) >= h.Optional.NumberOfRvaAndSizes {
		return DataDirectory{}
	}
	return h.Optional.DataDirectory[i]
}

// Translator returns an RVA translator over the retained sections
func (h *Headers) Translator() Translator {
	return Translator(h.Sections)
}

// Dropped reports whether a section is removed before layout. Resources and
// exception unwind data only matter to an OS loader.
func Dropped(name string) bool {
	return name == ".rsrc" || name == ".pdata"
}

// ResolveHeaders validates the stub, signature and optional header of the
// image behind r and reads its section table. The cursor is left just past
// the section table.
func ResolveHeaders(r *format.Reader) (*Headers, error) {
	h := &Headers{}

	r.Rewind()
	if magic, ok := format.Peek[uint16](r, 0, false); ok && magic == dosMagic {
		lfanew, ok := format.Peek[uint32](r, dosHeaderOffset, false)
		if !ok {
			return nil, headerError(StageStub, dosHeaderOffset, ErrBadStub,
				"file too short to hold the PE header offset (%d bytes)", r.Len())
		}
		if uint64(lfanew) >= uint64(r.Len()) {
			return nil, headerError(StageStub, dosHeaderOffset, ErrBadStub,
				"PE header offset 0x%x points past the end of the file (%d bytes)", lfanew, r.Len())
		}
		h.HeaderOffset = int(lfanew)
	}

	if !r.Seek(h.HeaderOffset) {
		return nil, headerError(StageSignature, h.HeaderOffset, ErrNoPESignature, "offset outside file")
	}
	sig, ok := format.Peek[uint32](r, 0, true)
	if !ok {
		return nil, headerError(StageSignature, h.HeaderOffset, ErrNoPESignature, "file ends before the signature")
	}
	if sig != peSignature {
		return nil, headerError(StageSignature, h.HeaderOffset, ErrNoPESignature,
			"found 0x%08x, expected 0x%08x", sig, uint32(peSignature))
	}
	r.Forward(4)

	h.File, ok = format.ReadValue[FileHeader](r)
	if !ok {
		return nil, headerError(StageSignature, r.Offset(), ErrNoPESignature, "file header truncated")
	}

	optOffset := r.Offset()
	magic, ok := format.Peek[uint16](r, 0, true)
	switch {
	case !ok:
		return nil, headerError(StageOptionalHeader, optOffset, ErrNoOptionalHeader, "file ends before the optional header")
	case magic == optionalMagic32:
		return nil, headerError(StageOptionalHeader, optOffset, ErrNoOptionalHeader,
			"PE32 (32-bit) images are not supported, only PE32+")
	case magic != optionalMagic64:
		return nil, headerError(StageOptionalHeader, optOffset, ErrNoOptionalHeader,
			"found magic 0x%04x, expected 0x%04x", magic, uint16(optionalMagic64))
	}

	h.Optional, ok = format.ReadPartial[OptionalHeader64](r, int(h.File.SizeOfOptionalHeader))
	if !ok {
		return nil, headerError(StageOptionalHeader, optOffset, ErrNoOptionalHeader,
			"declared size %d exceeds the file", h.File.SizeOfOptionalHeader)
	}

	count := int(h.File.NumberOfSections)
	if have := r.Remaining() / sectionHeaderLen; have < count {
		return nil, headerError(StageSectionTable, r.Offset(), ErrTruncated,
			"have %d of %d section headers", have, count)
	}
	for i := 0; i < count; i++ {
		sec, ok := format.ReadValue[SectionHeader](r)
		if !ok {
			return nil, headerError(StageSectionTable, r.Offset(), ErrTruncated,
				"have %d of %d section headers", i, count)
		}
		if Dropped(sec.NameString()) {
			h.Dropped = append(h.Dropped, sec)
			continue
		}
		h.Sections = append(h.Sections, sec)
	}

	return h, nil
}
