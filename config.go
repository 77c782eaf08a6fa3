package main

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/xyproto/env/v2"

	"github.com/xyproto/kdfgen/internal/rebase"
)

// Output formats for flatten
const (
	formatAuto   = "auto"
	formatBinary = "binary"
	formatHeader = "header"
)

// config holds the flag defaults taken from the environment
type config struct {
	verbose   bool
	format    string
	keepGoing bool
	base      uint64
	noColor   bool
}

// loadConfig reads the environment as it is now, since run may be called
// again after it changed
func loadConfig() (config, error) {
	env.Load()
	cfg := config{
		verbose:   env.Bool("KDFGEN_VERBOSE"),
		format:    env.Str("KDFGEN_FORMAT", formatAuto),
		keepGoing: env.Bool("KDFGEN_KEEP_GOING"),
		base:      rebase.DefaultBase,
		noColor:   env.Has("NO_COLOR"),
	}
	switch cfg.format {
	case formatAuto, formatBinary, formatHeader:
	default:
		return cfg, errors.Errorf("KDFGEN_FORMAT: unknown format %q", cfg.format)
	}
	if s := env.Str("KDFGEN_BASE"); s != "" {
		base, err := parseAddress(s)
		if err != nil {
			return cfg, errors.Wrap(err, "KDFGEN_BASE")
		}
		cfg.base = base
	}
	return cfg, nil
}

// parseAddress accepts decimal, 0x hex and 0o octal numbers
func parseAddress(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Errorf("invalid address %q", s)
	}
	return v, nil
}
