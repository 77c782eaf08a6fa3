// Package console is the text sink boot-time code reports to. Every message
// is formatted into a fixed scratch buffer and cut at its capacity.
package console

import (
	"fmt"
	"io"
)

// Capacity is the largest message Printf emits
const Capacity = 1024

// Console writes bounded messages to an underlying writer
type Console struct {
	w         io.Writer
	scratch   []byte
	truncated int
	err       error
}

// New returns a Console writing to w
func New(w io.Writer) *Console {
	return &Console{
		w:       w,
		scratch: make([]byte, 0, Capacity),
	}
}

// Printf formats a message and writes at most Capacity bytes of it. Output
// beyond the capacity is dropped without notice to the caller.
func (c *Console) Printf(format string, args ...any) {
	msg := fmt.Appendf(c.scratch[:0], format, args...)
	if len(msg) > Capacity {
		msg = msg[:Capacity]
		c.truncated++
	}
	if c.err != nil {
		return
	}
	_, c.err = c.w.Write(msg)
}

// Truncated returns how many messages were cut at Capacity
func (c *Console) Truncated() int {
	return c.truncated
}

// Err returns the first error from the underlying writer. Messages after a
// failed write are discarded.
func (c *Console) Err() error {
	return c.err
}
