// Completion: 100% - flatten, inspect, boot and rebase commands
package main

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/xyproto/kdfgen/internal/boot"
	"github.com/xyproto/kdfgen/internal/console"
	"github.com/xyproto/kdfgen/internal/kdf"
	"github.com/xyproto/kdfgen/internal/memmap"
	"github.com/xyproto/kdfgen/internal/multiboot"
	"github.com/xyproto/kdfgen/internal/pagealloc"
	"github.com/xyproto/kdfgen/internal/pe"
	"github.com/xyproto/kdfgen/internal/rebase"
)

// loaderSearchLimit is how far into a loader image a multiboot header may sit
const loaderSearchLimit = 8192

// cli carries what every command needs
type cli struct {
	fs       afero.Fs
	stdout   io.Writer
	stderr   io.Writer
	logger   log.Logger
	useColor bool

	// mapInputs memory-maps inputs instead of reading them
	mapInputs bool
}

func (a *cli) open(path string) (*input, error) {
	return readInput(a.fs, path, a.mapInputs)
}

func (a *cli) report(err error) {
	ec := NewErrorCollector(true)
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			ec.Add(e)
		}
	} else {
		ec.Add(err)
	}
	fmt.Fprint(a.stderr, ec.Report(a.useColor))
}

// eachPair runs fn over input/output pairs, stopping at the first failure
// unless keepGoing is set
func (a *cli) eachPair(pairs []string, keepGoing bool, fn func(in, out string) error) error {
	if len(pairs)%2 != 0 {
		return errors.Wrapf(errUsage, "got %d arguments", len(pairs))
	}
	ec := NewErrorCollector(keepGoing)
	for i := 0; i < len(pairs); i += 2 {
		if ec.Add(fn(pairs[i], pairs[i+1])) {
			break
		}
	}
	return ec.Err()
}

func (a *cli) writeOutput(path string, data []byte) error {
	if err := afero.WriteFile(a.fs, path, data, 0o644); err != nil {
		return fileError(path, "writing", err)
	}
	return nil
}

// outputFormat resolves auto by the output file extension
func outputFormat(format, out string) string {
	if format != formatAuto {
		return format
	}
	switch strings.ToLower(filepath.Ext(out)) {
	case ".h", ".hh", ".hpp":
		return formatHeader
	}
	return formatBinary
}

func (a *cli) flatten(pairs []string, format string, keepGoing bool) error {
	return a.eachPair(pairs, keepGoing, func(in, out string) error {
		return a.flattenPair(in, out, format)
	})
}

// flattenPair writes the descriptor of the kernel in to out
func (a *cli) flattenPair(in, out, format string) error {
	src, err := a.open(in)
	if err != nil {
		return fileError(in, "reading", err)
	}
	defer src.Close()

	img, err := kdf.Flatten(src.data, kdf.WithLogger(log.With(a.logger, "file", in)))
	if err != nil {
		return fileError(in, "flattening", err)
	}

	var buf bytes.Buffer
	format = outputFormat(format, out)
	if format == formatHeader {
		err = kdf.WriteHeader(&buf, img, in)
	} else {
		_, err = img.WriteTo(&buf)
	}
	if err != nil {
		return fileError(out, "encoding", err)
	}
	if err := a.writeOutput(out, buf.Bytes()); err != nil {
		return err
	}

	level.Info(a.logger).Log(
		"msg", "flattened",
		"in", in,
		"out", out,
		"format", format,
		"sections", len(img.Sections),
		"extent", humanize.IBytes(img.Extent),
		"symbols", len(img.Exported()),
	)
	return nil
}

// isPE reports whether data starts like a PE image, with or without stub
func isPE(data []byte) bool {
	return bytes.HasPrefix(data, []byte("MZ")) || bytes.HasPrefix(data, []byte("PE\x00\x00"))
}

func hex(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}

func (a *cli) inspect(files []string) error {
	ec := NewErrorCollector(true)
	for _, f := range files {
		ec.Add(a.inspectFile(f))
	}
	return ec.Err()
}

func (a *cli) inspectFile(path string) error {
	src, err := a.open(path)
	if err != nil {
		return fileError(path, "reading", err)
	}
	defer src.Close()

	if isPE(src.data) {
		img, err := kdf.Flatten(src.data, kdf.WithLogger(log.With(a.logger, "file", path)))
		if err != nil {
			return fileError(path, "flattening", err)
		}
		a.printImage(path, img)
		return nil
	}

	d, err := kdf.Decode(src.data)
	if err != nil {
		return fileError(path, "decoding", err)
	}
	a.printDescriptor(path, d)
	if err := d.Verify(); err != nil {
		return fileError(path, "verifying", err)
	}
	return nil
}

func (a *cli) printImage(path string, img *kdf.Image) {
	w := a.stdout
	fmt.Fprintf(w, "%s: PE32+ %s image\n", path, img.Machine)
	fmt.Fprintf(w, "\tBase: %s  Entry: %s  Extent: %s  Raw: %s\n",
		hex(img.Base), hex(img.Entry), humanize.IBytes(img.Extent), humanize.IBytes(img.RawBytes()))
	if len(img.Dropped) > 0 {
		fmt.Fprintf(w, "\tDropped: %s\n", strings.Join(img.Dropped, ", "))
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Section", "Logical Address", "Virtual Size", "Raw Size", "Hash"})
	for _, s := range img.Sections {
		table.Append([]string{
			s.Name,
			hex(s.LogicalAddress),
			humanize.IBytes(s.VirtualSize),
			humanize.IBytes(s.RawSize),
			fmt.Sprintf("%016x", s.Hash),
		})
	}
	table.Render()

	a.printSymbols(img.Symbols)
	if img.SkippedExports > 0 {
		fmt.Fprintf(w, "\t%d export entries could not be resolved\n", img.SkippedExports)
	}
}

func (a *cli) printDescriptor(path string, d *kdf.Descriptor) {
	w := a.stdout
	fmt.Fprintf(w, "%s: kernel descriptor, %s\n", path, humanize.IBytes(d.TotalSize))
	fmt.Fprintf(w, "\tBase: %s  Extent: %s  Raw: %s\n",
		hex(d.Base), humanize.IBytes(d.Extent), humanize.IBytes(d.RawBytes()))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Logical Address", "Virtual Size", "Raw Size", "Data Offset", "Hash"})
	for i, rec := range d.Records {
		table.Append([]string{
			fmt.Sprint(i),
			hex(rec.LogicalAddress),
			humanize.IBytes(rec.VirtualSize),
			humanize.IBytes(rec.RawSize),
			hex(rec.DataOffset),
			fmt.Sprintf("%016x", rec.Hash),
		})
	}
	table.Render()

	a.printSymbols(d.Symbols)
}

func (a *cli) printSymbols(symbols []pe.Symbol) {
	if len(symbols) == 0 {
		return
	}
	table := tablewriter.NewWriter(a.stdout)
	table.SetHeader([]string{"Symbol", "Address", "Exported"})
	for _, s := range symbols {
		exported := "yes"
		if s.Mangled {
			exported = "no, decorated"
		}
		table.Append([]string{s.Name, hex(s.Address), exported})
	}
	table.Render()
}

type bootOptions struct {
	memmap  string
	raw     bool
	image   string
	extent  uint64
	startAt uint64
	loader  string
}

// imageExtent returns the virtual extent of a descriptor or PE32+ kernel
func (a *cli) imageExtent(path string) (uint64, error) {
	src, err := a.open(path)
	if err != nil {
		return 0, fileError(path, "reading", err)
	}
	defer src.Close()

	if isPE(src.data) {
		img, err := kdf.Flatten(src.data, kdf.WithLogger(log.With(a.logger, "file", path)))
		if err != nil {
			return 0, fileError(path, "flattening", err)
		}
		return img.Extent, nil
	}
	d, err := kdf.Decode(src.data)
	if err != nil {
		return 0, fileError(path, "decoding", err)
	}
	return d.Extent, nil
}

// loaderEnd returns the end of a rebased loader image, the floor for the
// kernel pages
func (a *cli) loaderEnd(path string) (uint64, error) {
	data, err := afero.ReadFile(a.fs, path)
	if err != nil {
		return 0, fileError(path, "reading", err)
	}
	_, h, err := multiboot.Find(data, 0, min(len(data), loaderSearchLimit))
	if err != nil {
		return 0, fileError(path, "reading loader", err)
	}
	return boot.ImageEnd(h), nil
}

// boot replays the loader's memory setup over a recorded memory map
func (a *cli) boot(o bootOptions) error {
	if (o.image == "") == (o.extent == 0) {
		return errors.New("boot needs exactly one of --image and --extent")
	}
	if o.loader != "" && o.startAt != 0 {
		return errors.New("--loader and --start-at cannot be combined")
	}

	regions, err := loadMemoryMap(a.fs, o.memmap, o.raw)
	if err != nil {
		return fileError(o.memmap, "reading memory map", err)
	}

	extent := o.extent
	if o.image != "" {
		if extent, err = a.imageExtent(o.image); err != nil {
			return err
		}
	}
	startAt := o.startAt
	if o.loader != "" {
		if startAt, err = a.loaderEnd(o.loader); err != nil {
			return err
		}
	}

	con := console.New(a.stdout)
	plan, err := boot.Prepare(regions, extent, startAt, con)
	if con.Truncated() > 0 {
		level.Warn(a.logger).Log("msg", "console messages truncated", "count", con.Truncated())
	}
	if err != nil {
		fe := fileError(o.memmap, "planning", err)
		if errors.Is(err, pagealloc.ErrExhausted) {
			fe.Level = LevelFatal
		}
		return fe
	}
	if err := con.Err(); err != nil {
		return errors.Wrap(err, "writing boot console")
	}

	a.printPlan(plan)
	return nil
}

func regionTypeName(t memmap.Type) string {
	for name, known := range regionTypeNames {
		if known == t {
			return name
		}
	}
	return fmt.Sprint(uint32(t))
}

func (a *cli) printPlan(plan *boot.Plan) {
	table := tablewriter.NewWriter(a.stdout)
	table.SetHeader([]string{"Offset", "End", "Size", "Type"})
	for _, r := range plan.Regions {
		table.Append([]string{hex(r.Offset), hex(r.End()), humanize.IBytes(r.Extent), regionTypeName(r.Type)})
	}
	table.Render()

	fmt.Fprintf(a.stdout, "%d pages (%s) above %s, %s usable\n",
		len(plan.Pages),
		humanize.IBytes(uint64(len(plan.Pages))*pagealloc.PageSize),
		hex(plan.StartAt),
		humanize.IBytes(plan.UsableBytes))
}

func (a *cli) rebase(pairs []string, base uint64, keepGoing bool) error {
	return a.eachPair(pairs, keepGoing, func(in, out string) error {
		return a.rebasePair(in, out, base)
	})
}

// rebasePair writes the flat, rebased image of the kernel in to out
func (a *cli) rebasePair(in, out string, base uint64) error {
	src, err := a.open(in)
	if err != nil {
		return fileError(in, "reading", err)
	}
	defer src.Close()

	res, err := rebase.Rebase(src.data, base)
	if err != nil {
		return fileError(in, "rebasing", err)
	}
	for _, name := range res.Skipped {
		level.Debug(a.logger).Log("msg", "skipping section", "file", in, "section", name)
	}
	if err := a.writeOutput(out, res.Image); err != nil {
		return err
	}

	level.Info(a.logger).Log(
		"msg", "rebased",
		"in", in,
		"out", out,
		"base", hex(base),
		"entry", hex(uint64(res.Header.EntryAddress)),
		"size", humanize.IBytes(uint64(len(res.Image))),
	)
	return nil
}
