// Completion: 100% - Rebuilds a descriptor whenever its kernel changes
package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// watch flattens in to out, then again after every change to in that is
// followed by delay without further changes. It returns when ctx is done.
//
// The directory is watched rather than the file, since linkers usually
// replace the output instead of writing to it.
func (a *cli) watch(ctx context.Context, in, out, format string, delay time.Duration) error {
	absIn, err := filepath.Abs(in)
	if err != nil {
		return fileError(in, "watching", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating file watcher")
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(absIn)); err != nil {
		return fileError(in, "watching", err)
	}

	// A mapping faults when the linker truncates the file under it
	reader := *a
	reader.mapInputs = false
	// Failed rebuilds are warnings, the watch goes on
	rebuild := func() {
		if err := reader.flattenPair(in, out, format); err != nil {
			var fe *FileError
			if errors.As(err, &fe) {
				fe.Level = LevelWarning
			}
			reader.report(err)
		}
	}
	rebuild()

	// One timer serves as the debounce for the single watched file
	timer := time.NewTimer(delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != absIn {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			level.Debug(a.logger).Log("msg", "input changed", "file", in, "op", ev.Op.String())
			timer.Reset(delay)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			level.Warn(a.logger).Log("msg", "file watcher", "err", err)
		case <-timer.C:
			rebuild()
		}
	}
}
