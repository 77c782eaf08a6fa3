package rebase

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyproto/kdfgen/internal/multiboot"
	"github.com/xyproto/kdfgen/internal/pe"
	"github.com/xyproto/kdfgen/internal/petest"
)

func loaderImage(headerAt int) *petest.Image {
	text := make([]byte, 0x100)
	if headerAt >= 0 {
		if err := multiboot.NewHeader(multiboot.FlagValidOffsets).Put(text[headerAt:]); err != nil {
			panic(err)
		}
	}
	text[0x80] = 0xC3

	data := make([]byte, 0x10)
	copy(data, []byte{1, 2, 3, 4})

	return &petest.Image{
		Base:  0x100000,
		Entry: 0x1080,
		Sections: []petest.Section{
			{Name: ".text", VirtualAddress: 0x1000, VirtualSize: 0x100, Data: text},
			{Name: ".data", VirtualAddress: 0x2000, VirtualSize: 0x40, Data: data},
			{Name: ".bss", VirtualAddress: 0x3000, VirtualSize: 0x1000},
			{Name: ".CRT", VirtualAddress: 0x4000, VirtualSize: 0x10, Data: bytes.Repeat([]byte{0xff}, 0x10)},
			{Name: ".rsrc", VirtualAddress: 0x5000, VirtualSize: 0x10, Data: bytes.Repeat([]byte{0xee}, 0x10)},
		},
	}
}

func TestRebase(t *testing.T) {
	res, err := Rebase(loaderImage(0x20).Build(), DefaultBase)
	require.NoError(t, err)

	assert.Equal(t, []string{".CRT"}, res.Skipped)
	assert.Equal(t, uint32(0x1000), res.LowestRVA)
	assert.Equal(t, uint64(0x4000), res.Size)
	assert.Equal(t, 0x1020, res.HeaderOffset)
	require.Len(t, res.Image, 0x2004)

	assert.Equal(t, bytes.Repeat([]byte{0xAB}, 0x1000), res.Image[:0x1000])
	assert.Equal(t, byte(0xC3), res.Image[0x1080])
	assert.Equal(t, []byte{1, 2, 3, 4}, res.Image[0x2000:])

	want := multiboot.NewHeader(multiboot.FlagValidOffsets)
	want.HeaderAddress = 0x101020
	want.LoadAddress = 0x101000
	want.LoadEndAddress = 0x102004
	want.BSSEndAddress = 0x104000
	want.EntryAddress = 0x101080
	assert.Equal(t, want, res.Header)
	assert.True(t, res.Header.Valid())

	// the patched header is what ends up in the image
	_, got, err := multiboot.Find(res.Image, 0x1000, 0x1100)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRebaseOtherBase(t *testing.T) {
	res, err := Rebase(loaderImage(0).Build(), 0x200000)
	require.NoError(t, err)
	assert.Equal(t, 0x1000, res.HeaderOffset)
	assert.Equal(t, uint32(0x201000), res.Header.HeaderAddress)
	assert.Equal(t, uint32(0x204000), res.Header.BSSEndAddress)
}

func TestRebaseWithoutHeader(t *testing.T) {
	_, err := Rebase(loaderImage(-1).Build(), DefaultBase)
	assert.True(t, errors.Is(err, multiboot.ErrNoHeader))
}

func TestRebaseHeaderOutsideWindow(t *testing.T) {
	img := loaderImage(-1)
	far := make([]byte, 0x40)
	require.NoError(t, multiboot.NewHeader(0).Put(far))
	img.Sections = append(img.Sections, petest.Section{Name: ".late", VirtualAddress: 0x3000 + 0x1000, VirtualSize: 0x40, Data: far})
	img.Sections[2].VirtualSize = 0x800

	_, err := Rebase(img.Build(), DefaultBase)
	assert.True(t, errors.Is(err, multiboot.ErrNoHeader))
}

func TestRebaseAddressRange(t *testing.T) {
	_, err := Rebase(loaderImage(0x20).Build(), 0xFFFFF000)
	assert.True(t, errors.Is(err, ErrAddressRange))
}

func TestRebaseTooLarge(t *testing.T) {
	img := loaderImage(0x20)
	img.Sections[2].VirtualSize = maxImageSize
	_, err := Rebase(img.Build(), DefaultBase)
	assert.True(t, errors.Is(err, ErrTooLarge), "got %v", err)

	// bss ending one byte past the bound
	img.Sections[2].VirtualSize = maxImageSize - 0x3000 + 1
	_, err = Rebase(img.Build(), DefaultBase)
	assert.True(t, errors.Is(err, ErrTooLarge), "got %v", err)
	assert.Contains(t, err.Error(), "sections span 0x10000001 bytes")
}

func TestRebaseNoSections(t *testing.T) {
	img := &petest.Image{Sections: []petest.Section{
		{Name: ".CRT", VirtualAddress: 0x1000, VirtualSize: 0x10, Data: make([]byte, 0x10)},
	}}
	_, err := Rebase(img.Build(), DefaultBase)
	assert.True(t, errors.Is(err, ErrNoSections))

	_, err = Rebase([]byte("MZ"), DefaultBase)
	assert.True(t, errors.Is(err, pe.ErrBadStub))
}
