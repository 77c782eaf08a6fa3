package pe_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyproto/kdfgen/internal/format"
	"github.com/xyproto/kdfgen/internal/pe"
	"github.com/xyproto/kdfgen/internal/petest"
)

func sampleImage() *petest.Image {
	return &petest.Image{
		Base:  0x100000,
		Entry: 0x1010,
		Sections: []petest.Section{
			{Name: ".text", VirtualAddress: 0x1000, VirtualSize: 0x80, Data: make([]byte, 0x80)},
			{Name: ".rsrc", VirtualAddress: 0x2000, VirtualSize: 0x10, Data: make([]byte, 0x10)},
			{Name: ".data", VirtualAddress: 0x3000, VirtualSize: 0x2000, Data: []byte{1, 2, 3, 4}},
			{Name: ".pdata", VirtualAddress: 0x6000, VirtualSize: 0x10, Data: make([]byte, 0x10)},
		},
		Exports: []petest.Export{
			{Name: "kmain", RVA: 0x1010},
			{Name: "?init@@YAXXZ", RVA: 0x1020},
		},
	}
}

func TestResolveHeaders(t *testing.T) {
	r := format.NewReader(sampleImage().Build())
	h, err := pe.ResolveHeaders(r)
	require.NoError(t, err)

	assert.Equal(t, 0x80, h.HeaderOffset)
	assert.Equal(t, uint64(0x100000), h.ImageBase())
	assert.Equal(t, pe.MachineAMD64, h.Machine())
	assert.Equal(t, uint32(0x1010), h.Optional.AddressOfEntryPoint)

	var names []string
	for i := range h.Sections {
		names = append(names, h.Sections[i].NameString())
	}
	assert.Equal(t, []string{".text", ".data", ".edata"}, names)
	require.Len(t, h.Dropped, 2)
	assert.Equal(t, ".rsrc", h.Dropped[0].NameString())
	assert.Equal(t, ".pdata", h.Dropped[1].NameString())
}

func TestResolveHeadersWithoutStub(t *testing.T) {
	img := sampleImage()
	img.NoStub = true
	h, err := pe.ResolveHeaders(format.NewReader(img.Build()))
	require.NoError(t, err)
	assert.Equal(t, 0, h.HeaderOffset)
	assert.Len(t, h.Sections, 3)
}

func TestResolveHeadersSmallOptionalHeader(t *testing.T) {
	img := &petest.Image{
		Base:         0x200000,
		OptionalSize: 112,
		Sections: []petest.Section{
			{Name: ".text", VirtualAddress: 0x1000, VirtualSize: 0x10, Data: make([]byte, 0x10)},
		},
	}
	h, err := pe.ResolveHeaders(format.NewReader(img.Build()))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x200000), h.ImageBase())
	assert.Equal(t, pe.DataDirectory{}, h.Directory(pe.DirectoryExport))
	require.Len(t, h.Sections, 1)
	assert.Equal(t, ".text", h.Sections[0].NameString())
}

func TestResolveHeadersFailures(t *testing.T) {
	good := sampleImage().Build()

	badSig := append([]byte(nil), good...)
	badSig[0x80] = 'X'

	pe32 := sampleImage()
	pe32.OptionalMagic = 0x010B

	unknown := sampleImage()
	unknown.OptionalMagic = 0x1234

	badStub := append([]byte(nil), good...)
	badStub[0x3C], badStub[0x3D], badStub[0x3E] = 0xff, 0xff, 0xff

	tests := []struct {
		name  string
		input []byte
		stage pe.Stage
		err   error
	}{
		{"empty", nil, pe.StageSignature, pe.ErrNoPESignature},
		{"stub too short", []byte{'M', 'Z', 0, 0}, pe.StageStub, pe.ErrBadStub},
		{"stub offset past end", badStub, pe.StageStub, pe.ErrBadStub},
		{"bad signature", badSig, pe.StageSignature, pe.ErrNoPESignature},
		{"pe32 optional header", pe32.Build(), pe.StageOptionalHeader, pe.ErrNoOptionalHeader},
		{"unknown optional magic", unknown.Build(), pe.StageOptionalHeader, pe.ErrNoOptionalHeader},
		{"truncated section table", good[:0x80+4+20+240+40], pe.StageSectionTable, pe.ErrTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pe.ResolveHeaders(format.NewReader(tt.input))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.err), "got %v", err)

			var herr *pe.HeaderError
			require.True(t, errors.As(err, &herr))
			assert.Equal(t, tt.stage, herr.Stage)
		})
	}
}

func TestResolveHeadersTruncatedSectionTable(t *testing.T) {
	good := sampleImage().Build()
	table := 0x80 + 4 + 20 + 240

	_, err := pe.ResolveHeaders(format.NewReader(good[:table+40+39]))
	var herr *pe.HeaderError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, pe.StageSectionTable, herr.Stage)
	assert.Equal(t, table, herr.Offset)
	assert.Equal(t, "have 1 of 5 section headers", herr.Detail)
}

func TestHeaderErrorMessagesAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for _, err := range []error{pe.ErrBadStub, pe.ErrNoPESignature, pe.ErrNoOptionalHeader, pe.ErrTruncated} {
		assert.False(t, seen[err.Error()])
		seen[err.Error()] = true
	}
}

func TestDropped(t *testing.T) {
	assert.True(t, pe.Dropped(".rsrc"))
	assert.True(t, pe.Dropped(".pdata"))
	assert.False(t, pe.Dropped(".text"))
	assert.False(t, pe.Dropped(".rsrc2"))
	assert.False(t, pe.Dropped(".pdat"))
}

func TestTranslator(t *testing.T) {
	tr := pe.Translator{
		{VirtualAddress: 0x1000, VirtualSize: 0x100, PointerToRawData: 0x400},
		{VirtualAddress: 0x2000, VirtualSize: 0x100, PointerToRawData: 0x600},
	}

	off, ok := tr.Offset(0x1010)
	require.True(t, ok)
	assert.Equal(t, 0x410, off)

	off, ok = tr.Offset(0x20ff)
	require.True(t, ok)
	assert.Equal(t, 0x6ff, off)

	_, ok = tr.Offset(0x1100)
	assert.False(t, ok)
	_, ok = tr.Offset(0)
	assert.False(t, ok)
}

func TestResolveExports(t *testing.T) {
	r := format.NewReader(sampleImage().Build())
	h, err := pe.ResolveHeaders(r)
	require.NoError(t, err)

	exp := pe.ResolveExports(r, h.ImageBase(), h.Directory(pe.DirectoryExport), h.Translator())
	assert.Zero(t, exp.Skipped)
	require.Len(t, exp.Symbols, 2)

	assert.Equal(t, pe.Symbol{Name: "kmain", Address: 0x101010, Ordinal: 1}, exp.Symbols[0])
	assert.Equal(t, "?init@@YAXXZ", exp.Symbols[1].Name)
	assert.Equal(t, uint64(0x101020), exp.Symbols[1].Address)
	assert.True(t, exp.Symbols[1].Mangled)
}

func TestResolveExportsMissingTable(t *testing.T) {
	img := sampleImage()
	img.Exports = nil
	r := format.NewReader(img.Build())
	h, err := pe.ResolveHeaders(r)
	require.NoError(t, err)

	exp := pe.ResolveExports(r, h.ImageBase(), h.Directory(pe.DirectoryExport), h.Translator())
	assert.Empty(t, exp.Symbols)

	// A directory outside every section degrades to an empty result.
	exp = pe.ResolveExports(r, h.ImageBase(), pe.DataDirectory{VirtualAddress: 0x900000, Size: 40}, h.Translator())
	assert.Empty(t, exp.Symbols)
	assert.Zero(t, exp.Skipped)
}

func TestMachineString(t *testing.T) {
	assert.Equal(t, "x86_64", pe.MachineAMD64.String())
	assert.Equal(t, "aarch64", pe.MachineARM64.String())
	assert.Equal(t, "machine(0x1234)", pe.Machine(0x1234).String())
}
