// Completion: 100% - CLI entry point, all commands wired
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"
)

// kdfgen converts linked PE32+ kernels into flat kernel descriptors and plans
// where a loader puts them in physical memory

const versionString = "kdfgen 1.0.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, afero.NewOsFs()))
}

// run executes one command line and returns the exit status
func run(args []string, stdout, stderr io.Writer, fs afero.Fs) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "kdfgen: %v\n", err)
		return 1
	}

	app := kingpin.New("kdfgen", "Flat kernel descriptor generator and boot memory planner.").
		UsageWriter(stdout).
		ErrorWriter(stderr)
	exitCode := -1
	app.Terminate(func(code int) { exitCode = code })
	app.Version(versionString)
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable debug logging.").Short('v').Default(strconv.FormatBool(cfg.verbose)).BoolVar(&cfg.verbose)
	app.Flag("no-color", "Disable colored diagnostics.").Default(strconv.FormatBool(cfg.noColor)).BoolVar(&cfg.noColor)

	flattenCmd := app.Command("flatten", "Flatten PE32+ kernels into descriptors (default command).").Default()
	flattenPairs := flattenCmd.Arg("pairs", "INPUT OUTPUT pairs.").Required().Strings()
	flattenCmd.Flag("format", "Output format: auto picks header for .h outputs.").
		Default(cfg.format).EnumVar(&cfg.format, formatAuto, formatBinary, formatHeader)
	flattenCmd.Flag("keep-going", "Process every pair even after a failure.").Short('k').
		Default(strconv.FormatBool(cfg.keepGoing)).BoolVar(&cfg.keepGoing)

	inspectCmd := app.Command("inspect", "Print the layout of descriptors or PE32+ kernels.")
	inspectFiles := inspectCmd.Arg("file", "Descriptor or PE32+ file.").Required().Strings()

	var bootOpts bootOptions
	bootCmd := app.Command("boot", "Plan kernel pages over a recorded memory map.")
	bootCmd.Flag("memmap", "Memory map file, YAML unless --raw.").Required().StringVar(&bootOpts.memmap)
	bootCmd.Flag("raw", "The memory map holds raw multiboot entries.").BoolVar(&bootOpts.raw)
	bootCmd.Flag("image", "Descriptor or PE32+ kernel whose extent is placed.").StringVar(&bootOpts.image)
	bootCmd.Flag("extent", "Bytes to place, instead of --image.").Uint64Var(&bootOpts.extent)
	bootCmd.Flag("start-at", "Pages are handed out above this address.").Uint64Var(&bootOpts.startAt)
	bootCmd.Flag("loader", "Rebased loader image whose end is the floor, instead of --start-at.").StringVar(&bootOpts.loader)

	rebaseCmd := app.Command("rebase", "Rebase PE32+ images carrying a multiboot header into flat images.")
	rebasePairs := rebaseCmd.Arg("pairs", "INPUT OUTPUT pairs.").Required().Strings()
	rebaseCmd.Flag("base", "Physical load address.").Default(fmt.Sprintf("%#x", cfg.base)).Uint64Var(&cfg.base)
	rebaseCmd.Flag("keep-going", "Process every pair even after a failure.").Short('k').
		Default(strconv.FormatBool(cfg.keepGoing)).BoolVar(&cfg.keepGoing)

	watchCmd := app.Command("watch", "Flatten again whenever the input changes.")
	watchIn := watchCmd.Arg("input", "PE32+ kernel.").Required().String()
	watchOut := watchCmd.Arg("output", "Descriptor to write.").Required().String()
	watchDelay := watchCmd.Flag("delay", "Quiet period before rebuilding.").Default("500ms").Duration()
	watchCmd.Flag("format", "Output format.").Default(cfg.format).EnumVar(&cfg.format, formatAuto, formatBinary, formatHeader)

	parsedCmd, err := app.Parse(args)
	if exitCode >= 0 {
		return exitCode
	}
	if err != nil {
		fmt.Fprintf(stderr, "kdfgen: %v, try --help\n", err)
		return 1
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(stderr))
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	a := &cli{
		fs:       fs,
		stdout:   stdout,
		stderr:   stderr,
		logger:   logger,
		useColor: !cfg.noColor && !color.NoColor,

		mapInputs: true,
	}

	switch parsedCmd {
	case flattenCmd.FullCommand():
		err = a.flatten(*flattenPairs, cfg.format, cfg.keepGoing)
	case inspectCmd.FullCommand():
		err = a.inspect(*inspectFiles)
	case bootCmd.FullCommand():
		err = a.boot(bootOpts)
	case rebaseCmd.FullCommand():
		err = a.rebase(*rebasePairs, cfg.base, cfg.keepGoing)
	case watchCmd.FullCommand():
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		err = a.watch(ctx, *watchIn, *watchOut, cfg.format, *watchDelay)
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
		return 1
	}
	if err != nil {
		a.report(err)
		return 1
	}
	return 0
}
