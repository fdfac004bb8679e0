package paging

import (
	"encoding/binary"

	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
)

// Entry is one 64-bit page table entry.
type Entry uint64

const (
	// FlagPresent is set when the entry points at a frame.
	FlagPresent Entry = 1 << iota

	// FlagWritable allows writes through this entry.
	FlagWritable

	// FlagUser makes the entry reachable from user mode.
	FlagUser

	// FlagWriteThrough selects write-through caching.
	FlagWriteThrough

	// FlagNoCache disables caching for the page.
	FlagNoCache

	// FlagAccessed is set by the MMU on access.
	FlagAccessed

	// FlagDirty is set by the MMU on write.
	FlagDirty

	// FlagHuge marks a large page leaf at a non-terminal level.
	FlagHuge

	// FlagGlobal keeps the translation across root switches.
	FlagGlobal

	// FlagNoExecute forbids instruction fetches.
	FlagNoExecute Entry = 1 << 63
)

// addressMask extracts the physical frame address, bits 12-51.
const addressMask = Entry(0x000f_ffff_ffff_f000)

// NewEntry builds an entry pointing at f with the given flags.
func NewEntry(f frame.Frame, flags Entry) Entry {
	return Entry(f.Address())&addressMask | flags&^addressMask
}

// Present reports whether the entry is in use.
func (e Entry) Present() bool {
	return e&FlagPresent != 0
}

// Frame returns the frame the entry points at.
func (e Entry) Frame() frame.Frame {
	return frame.FromAddress(uint64(e & addressMask))
}

// Flags returns the entry without its address bits.
func (e Entry) Flags() Entry {
	return e &^ addressMask
}

// Has reports whether all bits of flag are set.
func (e Entry) Has(flag Entry) bool {
	return e&flag == flag
}

// Profile selects one of the two fixed leaf flag sets.
type Profile int

const (
	// Privileged leaves are global, write-through and not user accessible.
	Privileged Profile = iota
	// User leaves are user accessible and not global.
	User
)

func (p Profile) String() string {
	if p == User {
		return "user"
	}
	return "privileged"
}

func (p Profile) leafFlags() Entry {
	if p == User {
		return FlagPresent | FlagWritable | FlagUser
	}
	return FlagPresent | FlagWritable | FlagWriteThrough | FlagGlobal
}

func (p Profile) tableFlags() Entry {
	if p == User {
		return FlagPresent | FlagWritable | FlagUser
	}
	return FlagPresent | FlagWritable
}

func readEntry(mem frame.Memory, table frame.Frame, index int) Entry {
	return Entry(binary.LittleEndian.Uint64(mem.Bytes(table)[index*8:]))
}

func writeEntry(mem frame.Memory, table frame.Frame, index int, e Entry) {
	binary.LittleEndian.PutUint64(mem.Bytes(table)[index*8:], uint64(e))
}
