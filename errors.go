// Completion: 100% - Diagnostics for failed inputs and outputs
package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/xyproto/kdfgen/internal/kdf"
	"github.com/xyproto/kdfgen/internal/multiboot"
	"github.com/xyproto/kdfgen/internal/pagealloc"
	"github.com/xyproto/kdfgen/internal/pe"
)

var errUsage = errors.New("arguments must come in input/output pairs")

// ErrorLevel indicates the severity of a diagnostic
type ErrorLevel int

const (
	LevelWarning ErrorLevel = iota
	LevelError
	LevelFatal
)

func (l ErrorLevel) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal error"
	default:
		return "unknown"
	}
}

// FileError names the file whose processing failed and what was being done
// to it
type FileError struct {
	Level ErrorLevel
	File  string
	Op    string
	Err   error
}

func fileError(file, op string, err error) *FileError {
	return &FileError{Level: LevelError, File: file, Op: op, Err: err}
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.File, e.Op, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// hint explains the usual cause of a failure
func hint(err error) string {
	switch {
	case errors.Is(err, errUsage):
		return "usage: kdfgen [flatten] INPUT OUTPUT [INPUT OUTPUT ...]"
	case errors.Is(err, pe.ErrBadStub):
		return "the DOS stub points at a PE header outside the file"
	case errors.Is(err, pe.ErrNoPESignature):
		return "the input must be a linked PE executable"
	case errors.Is(err, pe.ErrNoOptionalHeader):
		return "only 64-bit PE32+ images can be flattened, link with /MACHINE:X64"
	case errors.Is(err, pe.ErrTruncated), errors.Is(err, kdf.ErrTruncatedSection):
		return "the file is shorter than its headers claim, it may still be being written"
	case errors.Is(err, kdf.ErrBadDescriptor), errors.Is(err, kdf.ErrHashMismatch):
		return "regenerate the descriptor from the kernel image"
	case errors.Is(err, multiboot.ErrNoHeader):
		return "the image needs a multiboot header near its start, inside the searched range"
	case errors.Is(err, pagealloc.ErrExhausted):
		return "usable memory above the floor cannot hold the image"
	}
	return ""
}

// Format returns the diagnostic as printed on the terminal
func (e *FileError) Format(useColor bool) string {
	paint := func(c *color.Color, s string) string {
		if !useColor {
			return s
		}
		return c.Sprint(s)
	}

	var sb strings.Builder
	sb.WriteString(paint(color.New(color.FgRed, color.Bold), e.Level.String()+":"))
	sb.WriteString(" ")
	sb.WriteString(e.Op)
	sb.WriteString(" failed: ")
	sb.WriteString(e.Err.Error())
	sb.WriteString("\n")
	if e.File != "" {
		sb.WriteString(paint(color.New(color.FgBlue, color.Bold), "  --> "))
		sb.WriteString(e.File)
		sb.WriteString("\n")
	}
	if h := hint(e.Err); h != "" {
		sb.WriteString(paint(color.New(color.FgCyan, color.Bold), "   note: "))
		sb.WriteString(h)
		sb.WriteString("\n")
	}
	return sb.String()
}

// ErrorCollector accumulates per-file failures of a batch
type ErrorCollector struct {
	keepGoing bool
	result    *multierror.Error
}

// NewErrorCollector returns a collector that stops the batch at the first
// failure unless keepGoing is set
func NewErrorCollector(keepGoing bool) *ErrorCollector {
	return &ErrorCollector{keepGoing: keepGoing}
}

// Add records err and reports whether the batch should stop
func (ec *ErrorCollector) Add(err error) bool {
	if err == nil {
		return false
	}
	ec.result = multierror.Append(ec.result, err)
	return !ec.keepGoing
}

// ErrorCount returns the number of failures
func (ec *ErrorCollector) ErrorCount() int {
	if ec.result == nil {
		return 0
	}
	return len(ec.result.Errors)
}

// Err returns every failure as one error, nil if there were none
func (ec *ErrorCollector) Err() error {
	return ec.result.ErrorOrNil()
}

// Report formats all failures for display
func (ec *ErrorCollector) Report(useColor bool) string {
	if ec.result == nil {
		return ""
	}
	var sb strings.Builder
	for i, err := range ec.result.Errors {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(formatError(err, useColor))
	}
	if n := len(ec.result.Errors); n > 1 {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%d file(s) failed\n", n))
	}
	return sb.String()
}

func formatError(err error, useColor bool) string {
	var fe *FileError
	if errors.As(err, &fe) {
		return fe.Format(useColor)
	}
	return (&FileError{Level: LevelError, Op: "kdfgen", Err: err}).Format(useColor)
}
