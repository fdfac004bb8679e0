// Package platform supplies what the kernel learns from the machine before
// it can schedule anything: the processor count, the bootloader memory map
// and the per-core descriptor tables with their dedicated stacks.
//
// On the modelled machine both facts come from a manifest file:
//
//	processors: 4
//	memory:
//	  - {start: 0, end: 1048576, kind: firmware}
//	  - {start: 1048576, end: 67108864, kind: usable}
//
// TOML and JSON manifests carry the same fields.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
)

var (
	// ErrNoProcessors is returned when discovery found no usable core.
	ErrNoProcessors = errors.New("platform reports no processors")

	// ErrNoMemoryMap is returned when the bootloader handed over nothing.
	ErrNoMemoryMap = errors.New("platform reports an empty memory map")

	// ErrUnknownFormat is returned for a manifest with an unknown extension.
	ErrUnknownFormat = errors.New("unknown manifest format")
)

// Platform is the discovery collaborator consumed at boot.
type Platform interface {
	ProcessorCount() (int, error)
	MemoryMap() ([]frame.Region, error)
}

// Manifest describes a modelled machine.
type Manifest struct {
	Processors int            `yaml:"processors" toml:"processors" json:"processors"`
	Memory     []frame.Region `yaml:"memory" toml:"memory" json:"memory"`
}

// ProcessorCount implements Platform.
func (m *Manifest) ProcessorCount() (int, error) {
	if m.Processors <= 0 {
		return 0, ErrNoProcessors
	}
	return m.Processors, nil
}

// MemoryMap implements Platform.
func (m *Manifest) MemoryMap() ([]frame.Region, error) {
	if len(m.Memory) == 0 {
		return nil, ErrNoMemoryMap
	}
	return slices.Clone(m.Memory), nil
}

// DefaultManifest describes a machine with the first MiB reserved for
// firmware and the rest of memory usable.
func DefaultManifest(processors int, memory uint64) *Manifest {
	const firmware = 1 << 20
	return &Manifest{
		Processors: processors,
		Memory: []frame.Region{
			{Start: 0, End: firmware, Kind: frame.Firmware},
			{Start: firmware, End: max(memory, firmware), Kind: frame.Usable},
		},
	}
}

// Format is a manifest encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%s: %w", path, ErrUnknownFormat)
	}
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data, format)
}

// ParseManifest decodes a manifest.
func ParseManifest(data []byte, format Format) (*Manifest, error) {
	var (
		m   Manifest
		err error
	)
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &m)
	case FormatTOML:
		err = toml.Unmarshal(data, &m)
	case FormatJSON:
		err = sonic.Unmarshal(data, &m)
	default:
		return nil, fmt.Errorf("%q: %w", format, ErrUnknownFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s manifest: %w", format, err)
	}
	return &m, nil
}
