package paging

import (
	"errors"
	"fmt"
	"sync"

	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
)

var (
	// ErrAlreadyMapped is returned when a leaf for the page already exists.
	ErrAlreadyMapped = errors.New("page already mapped")

	// ErrNotMapped is returned when unmapping or translating an absent page.
	ErrNotMapped = errors.New("page not mapped")

	// ErrWrongHalf is returned when a profile is used in the other half of
	// the address space.
	ErrWrongHalf = errors.New("page profile does not match address space half")

	// ErrDestroyed is returned for any operation on a destroyed space.
	ErrDestroyed = errors.New("address space destroyed")

	// ErrKernelTemplate is returned when destroying the kernel template.
	ErrKernelTemplate = errors.New("kernel address space cannot be destroyed")
)

// FrameSource is the subset of the frame allocator an address space needs.
type FrameSource interface {
	Allocate() (frame.Frame, error)
	Deallocate(frame.Frame) error
	Memory() frame.Memory
}

// Invalidator drops cached translations of page for the space rooted at
// root on every core that may observe it.
type Invalidator interface {
	Invalidate(root frame.Frame, page Page)
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(root frame.Frame, page Page)

// Invalidate calls f.
func (f InvalidatorFunc) Invalidate(root frame.Frame, page Page) { f(root, page) }

type nopInvalidator struct{}

func (nopInvalidator) Invalidate(frame.Frame, Page) {}

// Stats counts what an address space currently holds in its user half.
type Stats struct {
	Root   frame.Frame `json:"root"`
	Tables int         `json:"tables"`
	Pages  int         `json:"pages"`
}

// AddressSpace is a four-level page table tree. It owns its root frame and
// every frame reachable through present entries of the user half. The
// kernel half is shared with the kernel template and never freed here.
type AddressSpace struct {
	mu        sync.Mutex
	frames    FrameSource
	mem       frame.Memory
	inv       Invalidator
	root      frame.Frame
	template  bool
	destroyed bool
	tables    int
	pages     int
}

// NewKernel builds the kernel template address space. Its higher half is
// copied into every address space created afterwards.
func NewKernel(frames FrameSource, inv Invalidator) (*AddressSpace, error) {
	as, err := newSpace(frames, inv)
	if err != nil {
		return nil, err
	}
	as.template = true
	return as, nil
}

// New builds an empty user address space sharing kernel's higher half.
func New(frames FrameSource, kernel *AddressSpace, inv Invalidator) (*AddressSpace, error) {
	as, err := newSpace(frames, inv)
	if err != nil {
		return nil, err
	}
	if kernel != nil {
		kernel.mu.Lock()
		for i := KernelHalfStart; i < EntriesPerTable; i++ {
			writeEntry(as.mem, as.root, i, readEntry(kernel.mem, kernel.root, i))
		}
		kernel.mu.Unlock()
	}
	return as, nil
}

func newSpace(frames FrameSource, inv Invalidator) (*AddressSpace, error) {
	if inv == nil {
		inv = nopInvalidator{}
	}
	root, err := frames.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate root table: %w", err)
	}
	return &AddressSpace{
		frames: frames,
		mem:    frames.Memory(),
		inv:    inv,
		root:   root,
	}, nil
}

// Root returns the frame of the top-level table.
func (as *AddressSpace) Root() frame.Frame {
	return as.root
}

// Stats returns the number of user-half tables and leaves.
func (as *AddressSpace) Stats() Stats {
	as.mu.Lock()
	defer as.mu.Unlock()
	return Stats{Root: as.root, Tables: as.tables, Pages: as.pages}
}

// Map inserts a leaf mapping page to f with the given profile, creating
// intermediate tables on demand.
func (as *AddressSpace) Map(page Page, f frame.Frame, profile Profile) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.destroyed {
		return ErrDestroyed
	}
	return as.mapLocked(page, f, profile)
}

// MapRange maps consecutive pages starting at start onto frames. Either all
// pages are mapped or none are.
func (as *AddressSpace) MapRange(start Page, frames []frame.Frame, profile Profile) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.destroyed {
		return ErrDestroyed
	}
	if err := as.ownsRange("map", start, len(frames)); err != nil {
		return err
	}
	for i := range frames {
		if _, ok := as.lookupLocked(start + Page(i)); ok {
			return fmt.Errorf("map %s: %w", start+Page(i), ErrAlreadyMapped)
		}
	}
	for i, f := range frames {
		if err := as.mapLocked(start+Page(i), f, profile); err != nil {
			for j := i - 1; j >= 0; j-- {
				_, _ = as.unmapLocked(start + Page(j))
			}
			return err
		}
	}
	return nil
}

// Unmap removes the leaf for page and hands its frame back to the caller.
// Intermediate tables stay until the space is destroyed.
func (as *AddressSpace) Unmap(page Page) (frame.Frame, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.destroyed {
		return frame.InvalidFrame, ErrDestroyed
	}
	return as.unmapLocked(page)
}

// UnmapRange removes count consecutive leaves starting at start. Either all
// pages are unmapped or none are.
func (as *AddressSpace) UnmapRange(start Page, count int) ([]frame.Frame, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.destroyed {
		return nil, ErrDestroyed
	}
	if err := as.ownsRange("unmap", start, count); err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		if _, ok := as.lookupLocked(start + Page(i)); !ok {
			return nil, fmt.Errorf("unmap %s: %w", start+Page(i), ErrNotMapped)
		}
	}
	frames := make([]frame.Frame, 0, count)
	for i := 0; i < count; i++ {
		f, err := as.unmapLocked(start + Page(i))
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// Translate returns the leaf entry for page.
func (as *AddressSpace) Translate(page Page) (Entry, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.destroyed {
		return 0, false
	}
	return as.lookupLocked(page)
}

// Reserve makes sure the top-level kernel-half entry covering page exists,
// so that address spaces created later share the region.
func (as *AddressSpace) Reserve(page Page) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !page.Kernel() {
		return fmt.Errorf("reserve %s: %w", page, ErrWrongHalf)
	}
	_, err := as.tableLocked(as.root, page.Index(Levels-1), Privileged)
	return err
}

// Destroy frees every frame owned through the user half, then the root.
// Each present child is visited once and freed before its parent table.
// It returns how many frames were released.
func (as *AddressSpace) Destroy() (int, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.template {
		return 0, ErrKernelTemplate
	}
	if as.destroyed {
		return 0, ErrDestroyed
	}
	as.destroyed = true

	freed := 0
	var errs []error
	for i := 0; i < KernelHalfStart; i++ {
		e := readEntry(as.mem, as.root, i)
		if !e.Present() {
			continue
		}
		n, err := as.freeTable(e.Frame(), Levels-2)
		freed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := as.frames.Deallocate(as.root); err != nil {
		errs = append(errs, err)
	} else {
		freed++
	}
	as.tables, as.pages = 0, 0
	return freed, errors.Join(errs...)
}

func (as *AddressSpace) freeTable(table frame.Frame, level int) (int, error) {
	freed := 0
	var errs []error
	for i := 0; i < EntriesPerTable; i++ {
		e := readEntry(as.mem, table, i)
		if !e.Present() {
			continue
		}
		if level == 0 || e.Has(FlagHuge) {
			if err := as.frames.Deallocate(e.Frame()); err != nil {
				errs = append(errs, err)
				continue
			}
			freed++
			continue
		}
		n, err := as.freeTable(e.Frame(), level-1)
		freed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := as.frames.Deallocate(table); err != nil {
		errs = append(errs, err)
	} else {
		freed++
	}
	return freed, errors.Join(errs...)
}

// owns reports whether page lies in the half this space may change: the
// kernel half for the template, the user half for every other space.
func (as *AddressSpace) owns(page Page) bool {
	if as.template {
		return page.Kernel()
	}
	return page.User()
}

func (as *AddressSpace) ownsRange(op string, start Page, count int) error {
	for i := 0; i < count; i++ {
		if !as.owns(start + Page(i)) {
			return fmt.Errorf("%s %s: %w", op, start+Page(i), ErrWrongHalf)
		}
	}
	return nil
}

func (as *AddressSpace) mapLocked(page Page, f frame.Frame, profile Profile) error {
	if !as.owns(page) || page.Kernel() != (profile == Privileged) {
		return fmt.Errorf("map %s as %s: %w", page, profile, ErrWrongHalf)
	}

	table := as.root
	for level := Levels - 1; level > 0; level-- {
		next, err := as.tableLocked(table, page.Index(level), profile)
		if err != nil {
			return err
		}
		table = next
	}

	index := page.Index(0)
	if readEntry(as.mem, table, index).Present() {
		return fmt.Errorf("map %s: %w", page, ErrAlreadyMapped)
	}
	writeEntry(as.mem, table, index, NewEntry(f, profile.leafFlags()))
	if !as.template {
		as.pages++
	}
	as.inv.Invalidate(as.root, page)
	return nil
}

// tableLocked returns the table referenced by entry index of table,
// allocating a zeroed one when absent.
func (as *AddressSpace) tableLocked(table frame.Frame, index int, profile Profile) (frame.Frame, error) {
	e := readEntry(as.mem, table, index)
	if e.Present() {
		if e.Has(FlagHuge) {
			return frame.InvalidFrame, ErrAlreadyMapped
		}
		return e.Frame(), nil
	}
	child, err := as.frames.Allocate()
	if err != nil {
		return frame.InvalidFrame, fmt.Errorf("allocate page table: %w", err)
	}
	writeEntry(as.mem, table, index, NewEntry(child, profile.tableFlags()))
	if profile == User {
		as.tables++
	}
	return child, nil
}

func (as *AddressSpace) lookupLocked(page Page) (Entry, bool) {
	table := as.root
	for level := Levels - 1; level > 0; level-- {
		e := readEntry(as.mem, table, page.Index(level))
		if !e.Present() {
			return 0, false
		}
		if e.Has(FlagHuge) {
			return e, true
		}
		table = e.Frame()
	}
	e := readEntry(as.mem, table, page.Index(0))
	return e, e.Present()
}

func (as *AddressSpace) unmapLocked(page Page) (frame.Frame, error) {
	if !as.owns(page) {
		return frame.InvalidFrame, fmt.Errorf("unmap %s: %w", page, ErrWrongHalf)
	}
	table := as.root
	for level := Levels - 1; level > 0; level-- {
		e := readEntry(as.mem, table, page.Index(level))
		if !e.Present() || e.Has(FlagHuge) {
			return frame.InvalidFrame, fmt.Errorf("unmap %s: %w", page, ErrNotMapped)
		}
		table = e.Frame()
	}
	index := page.Index(0)
	e := readEntry(as.mem, table, index)
	if !e.Present() {
		return frame.InvalidFrame, fmt.Errorf("unmap %s: %w", page, ErrNotMapped)
	}
	writeEntry(as.mem, table, index, 0)
	if !as.template {
		as.pages--
	}
	as.inv.Invalidate(as.root, page)
	return e.Frame(), nil
}
