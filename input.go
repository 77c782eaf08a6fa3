package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var errNotMappable = errors.New("file cannot be mapped")

// input holds the contents of a file. Everything decoded from data borrows
// it, so Close must wait until the results have been written out.
type input struct {
	data    []byte
	release func() error
}

// readInput maps path read-only when mapped is set and it lives on the OS
// filesystem, and reads it otherwise
func readInput(fs afero.Fs, path string, mapped bool) (*input, error) {
	if _, ok := fs.(*afero.OsFs); ok && mapped {
		data, release, err := mapFile(path)
		if err == nil {
			return &input{data: data, release: release}, nil
		}
		if !errors.Is(err, errNotMappable) {
			return nil, err
		}
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	return &input{data: data}, nil
}

func (in *input) Close() error {
	if in.release == nil {
		return nil
	}
	err := in.release()
	in.release = nil
	in.data = nil
	return err
}
