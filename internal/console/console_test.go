package console

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintf(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)
	c.Printf("Usable Memory: %d KiB\n", 130559)
	c.Printf("\tPP %d: 0x%016X\n", 0, uint64(0x200000))
	assert.Equal(t, "Usable Memory: 130559 KiB\n\tPP 0: 0x0000000000200000\n", buf.String())
	assert.Zero(t, c.Truncated())
	assert.NoError(t, c.Err())
}

func TestPrintfTruncates(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)
	c.Printf("%s", strings.Repeat("x", 3000))
	require.Equal(t, Capacity, buf.Len())
	assert.Equal(t, 1, c.Truncated())

	buf.Reset()
	c.Printf("%s", strings.Repeat("y", Capacity))
	assert.Equal(t, Capacity, buf.Len())
	assert.Equal(t, 1, c.Truncated())

	// the scratch buffer is reused, not overgrown
	buf.Reset()
	c.Printf("short")
	assert.Equal(t, "short", buf.String())
}

type failingWriter struct{ calls int }

func (f *failingWriter) Write(p []byte) (int, error) {
	f.calls++
	return 0, errors.New("screen gone")
}

func TestPrintfStopsAfterWriteError(t *testing.T) {
	w := &failingWriter{}
	c := New(w)
	c.Printf("one")
	c.Printf("two")
	assert.EqualError(t, c.Err(), "screen gone")
	assert.Equal(t, 1, w.calls)
}
