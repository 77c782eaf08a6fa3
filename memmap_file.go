package main

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/xyproto/kdfgen/internal/memmap"
	"github.com/xyproto/kdfgen/internal/multiboot"
)

// Memory map files list the firmware regions in the order they were reported:
//
//	regions:
//	  - offset: 0x100000
//	    extent: 0x7ee0000
//	    type: usable
//
// type is a number or one of the names below.

var regionTypeNames = map[string]memmap.Type{
	"usable":   memmap.Usable,
	"reserved": 2,
	"acpi":     3,
	"nvs":      4,
	"bad":      5,
}

type address uint64

func (a *address) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseAddress(node.Value)
	if err != nil {
		return errors.Errorf("line %d: %v", node.Line, err)
	}
	*a = address(v)
	return nil
}

type regionType memmap.Type

func (t *regionType) UnmarshalYAML(node *yaml.Node) error {
	if known, ok := regionTypeNames[strings.ToLower(node.Value)]; ok {
		*t = regionType(known)
		return nil
	}
	v, err := parseAddress(node.Value)
	if err != nil || v > 0xFFFFFFFF {
		return errors.Errorf("line %d: unknown region type %q", node.Line, node.Value)
	}
	*t = regionType(v)
	return nil
}

type memoryMapFile struct {
	Regions []struct {
		Offset address    `yaml:"offset"`
		Extent address    `yaml:"extent"`
		Type   regionType `yaml:"type"`
	} `yaml:"regions"`
}

// parseMemoryMapYAML decodes a memory map file
func parseMemoryMapYAML(data []byte) (memmap.Map, error) {
	var f memoryMapFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parsing memory map")
	}
	m := make(memmap.Map, 0, len(f.Regions))
	for _, r := range f.Regions {
		m = append(m, memmap.Region{
			Offset: uint64(r.Offset),
			Extent: uint64(r.Extent),
			Type:   memmap.Type(r.Type),
		})
	}
	return m, nil
}

// loadMemoryMap reads a YAML memory map, or raw multiboot entries when raw
// is set
func loadMemoryMap(fs afero.Fs, path string, raw bool) (memmap.Map, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	if raw {
		return multiboot.ParseMemoryMap(data)
	}
	return parseMemoryMapYAML(data)
}
