package kdf

import (
	"fmt"
	"io"
	"strings"
	"text/template"

	"github.com/pkg/errors"

	"github.com/xyproto/kdfgen/internal/pe"
)

const bytesPerRow = 16

const headerText = `// Flat kernel descriptor for PE image {{.Source}}

#pragma once

static const u64 kernelBase = {{hex .Base}};
static const u64 kernelSize = {{.Extent}}ULL;
struct sectionMap
{
	const u64	mSectionLogicalSize;
	const u8	*mSectionLogicalAddress;

	const u64	mSectionRawSize;
	const u8	*mSectionRawAddress;

	const u64	mHash;
};
static const u64 numSections = {{len .Sections}}ULL;
{{range .Blobs}}static _align(0x10) const u8 sectionData_{{.Index}}[] = {
{{range .Rows}}	{{.}}
{{end}}};
{{end}}
static const sectionMap sectionMaps[numSections] = {
{{range $i, $s := .Sections}}	{
		{{hex $s.VirtualSize}},
		(u8 *){{hex $s.LogicalAddress}},
		{{hex $s.RawSize}},
		{{$s.Data}},
		{{hex $s.Hash}}
	}{{if not (last $i $.Sections)}},{{end}}
{{end}}};

{{range $i, $s := .Sections}}static const sectionMap &section_{{$s.Ident}} =		sectionMaps[{{$i}}];
{{end}}
namespace symbols
{
{{range .Symbols}}{{if .Mangled}}	// Could not export: Not using C-style decoration: {{.Name}}
{{else}}	static void * const ptr_{{.Name}} =		(void * const){{hex .Address}};
{{end}}{{end}}}
`

var headerTemplate = template.Must(template.New("header").Funcs(template.FuncMap{
	"hex": func(v uint64) string {
		return fmt.Sprintf("0x%016XULL", v)
	},
	"last": func(i int, s []headerSection) bool {
		return i == len(s)-1
	},
}).Parse(headerText))

type headerSection struct {
	Ident          string
	VirtualSize    uint64
	LogicalAddress uint64
	RawSize        uint64
	Hash           uint64
	Data           string
}

type headerBlob struct {
	Index int
	Rows  []string
}

// Ident turns a section name into a C identifier, ".text" becomes "_text"
func Ident(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func hexRows(data []byte) []string {
	var rows []string
	var sb strings.Builder
	for off := 0; off < len(data); off += bytesPerRow {
		sb.Reset()
		for i, b := range data[off:min(off+bytesPerRow, len(data))] {
			if i > 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "0x%02X", b)
			if off+i != len(data)-1 {
				sb.WriteString(",")
			}
		}
		rows = append(rows, sb.String())
	}
	return rows
}

// WriteHeader emits img as a C header that links the section map and data
// directly into the boot loader. source names the input in the banner.
func WriteHeader(w io.Writer, img *Image, source string) error {
	data := struct {
		Source   string
		Base     uint64
		Extent   uint64
		Sections []headerSection
		Blobs    []headerBlob
		Symbols  []pe.Symbol
	}{
		Source:  source,
		Base:    img.Base,
		Extent:  img.Extent,
		Symbols: img.Symbols,
	}

	for i := range img.Sections {
		s := &img.Sections[i]
		hs := headerSection{
			Ident:          Ident(s.Name),
			VirtualSize:    s.VirtualSize,
			LogicalAddress: s.LogicalAddress,
			RawSize:        s.RawSize,
			Hash:           s.Hash,
			Data:           "nullptr",
		}
		if s.RawSize > 0 {
			blob := headerBlob{Index: len(data.Blobs), Rows: hexRows(s.Data)}
			hs.Data = fmt.Sprintf("sectionData_%d", blob.Index)
			data.Blobs = append(data.Blobs, blob)
		}
		data.Sections = append(data.Sections, hs)
	}

	return errors.Wrap(headerTemplate.Execute(w, data), "writing header")
}
