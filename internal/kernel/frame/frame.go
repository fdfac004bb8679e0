package frame

import (
	"fmt"
	"math"
)

const (
	// PageShift is log2 of the frame size.
	PageShift = 12

	// PageSize is the size of one physical frame in bytes.
	PageSize = 1 << PageShift
)

// Frame describes a physical memory frame index.
type Frame uint64

// InvalidFrame is returned alongside errors when no frame could be produced.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of the frame.
func (f Frame) Address() uint64 {
	return uint64(f) << PageShift
}

func (f Frame) String() string {
	return fmt.Sprintf("frame#%d", uint64(f))
}

// FromAddress returns the frame containing the given physical address.
func FromAddress(addr uint64) Frame {
	return Frame(addr >> PageShift)
}

// RegionKind classifies a bootloader memory region.
type RegionKind int

const (
	Reserved RegionKind = iota
	Usable
	Bootloader
	Firmware
)

var regionKindNames = map[RegionKind]string{
	Reserved:   "reserved",
	Usable:     "usable",
	Bootloader: "bootloader",
	Firmware:   "firmware",
}

func (k RegionKind) String() string {
	if name, ok := regionKindNames[k]; ok {
		return name
	}
	return "reserved"
}

// MarshalText implements encoding.TextMarshaler.
func (k RegionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so memory maps can be
// written with kind names.
func (k *RegionKind) UnmarshalText(text []byte) error {
	for kind, name := range regionKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown memory region kind %q", text)
}

// Region is one entry of the memory map handed over by the bootloader.
// Start is inclusive and End exclusive, both physical byte addresses.
type Region struct {
	Start uint64     `yaml:"start" toml:"start" json:"start"`
	End   uint64     `yaml:"end" toml:"end" json:"end"`
	Kind  RegionKind `yaml:"kind" toml:"kind" json:"kind"`
}

// Len returns the region size in bytes.
func (r Region) Len() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Frames returns the half-open range of frames wholly contained in the region.
func (r Region) Frames() (first, end Frame) {
	first = Frame((r.Start + PageSize - 1) >> PageShift)
	end = Frame(r.End >> PageShift)
	if end < first {
		end = first
	}
	return first, end
}
