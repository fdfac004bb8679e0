package paging

import (
	"fmt"

	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
)

const (
	// Levels is the depth of the page table tree.
	Levels = 4

	// EntriesPerTable is the fan-out of every table.
	EntriesPerTable = 512

	// KernelHalfStart is the first top-level index of the shared kernel half.
	KernelHalfStart = EntriesPerTable / 2

	// HigherHalf is the first canonical kernel virtual address.
	HigherHalf uint64 = 0xffff_8000_0000_0000

	levelBits = 9
	levelMask = EntriesPerTable - 1
)

// UserPageLimit is the first page past the user half. Pages at or above it
// either fall in the kernel half or alias it through the top-level index.
const UserPageLimit Page = KernelHalfStart << (levelBits * (Levels - 1))

// Page describes a virtual memory page index.
type Page uint64

// PageFromAddress returns the page containing the virtual address.
func PageFromAddress(addr uint64) Page {
	return Page(addr >> frame.PageShift)
}

// Address returns the virtual address of the first byte of the page.
func (p Page) Address() uint64 {
	return uint64(p) << frame.PageShift
}

// Index returns the table index used for p at the given level, where level
// Levels-1 is the top-level table and level 0 holds the leaves.
func (p Page) Index(level int) int {
	return int(uint64(p)>>(levelBits*level)) & levelMask
}

// Kernel reports whether p lies in the shared higher half.
func (p Page) Kernel() bool {
	return p.Index(Levels-1) >= KernelHalfStart
}

// User reports whether p lies in the user half without aliasing.
func (p Page) User() bool {
	return p < UserPageLimit
}

func (p Page) String() string {
	return fmt.Sprintf("page@%#x", p.Address())
}
