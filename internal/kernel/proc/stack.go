package proc

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
	"github.com/GriffinCanCode/saltwater/internal/kernel/paging"
)

const (
	// DefaultStackPages is the size of a kernel stack in pages.
	DefaultStackPages = 4

	// StackRegion is where kernel stacks are mapped in the shared half.
	StackRegion uint64 = 0xffff_ff00_0000_0000
)

// Stack is one kernel-mode stack mapped in the shared half. A guard page
// below it is never mapped.
type Stack struct {
	slot  uint
	base  paging.Page
	pages int
}

// Slot returns the pool slot the stack occupies.
func (s *Stack) Slot() uint { return s.slot }

// Base returns the lowest mapped page of the stack.
func (s *Stack) Base() paging.Page { return s.base }

// Top returns the initial stack pointer: one past the highest byte.
func (s *Stack) Top() uint64 {
	return (s.base + paging.Page(s.pages)).Address()
}

// StackPool hands out kernel stacks. A released slot is reused before the
// pool grows.
type StackPool struct {
	mu     sync.Mutex
	frames paging.FrameSource
	space  *paging.AddressSpace
	pages  int
	region paging.Page
	slots  *bitset.BitSet
	logger *zap.Logger
}

// NewStackPool maps stacks of pages pages into the kernel template space.
// The region is reserved up front so every address space shares it.
func NewStackPool(frames paging.FrameSource, kernel *paging.AddressSpace, pages int, logger *zap.Logger) (*StackPool, error) {
	if pages <= 0 {
		pages = DefaultStackPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	region := paging.PageFromAddress(StackRegion)
	if err := kernel.Reserve(region); err != nil {
		return nil, fmt.Errorf("reserve stack region: %w", err)
	}
	return &StackPool{
		frames: frames,
		space:  kernel,
		pages:  pages,
		region: region,
		slots:  bitset.New(0),
		logger: logger,
	}, nil
}

// Acquire maps a fresh zeroed stack in the lowest free slot.
func (p *StackPool) Acquire() (*Stack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.slots.NextClear(0)
	if !ok {
		slot = p.slots.Len()
	}
	stack := &Stack{
		slot:  slot,
		base:  p.region + paging.Page(slot)*paging.Page(p.pages+1) + 1,
		pages: p.pages,
	}

	frames := make([]frame.Frame, 0, p.pages)
	for i := 0; i < p.pages; i++ {
		f, err := p.frames.Allocate()
		if err != nil {
			p.free(frames)
			return nil, fmt.Errorf("allocate kernel stack: %w", err)
		}
		frames = append(frames, f)
	}
	if err := p.space.MapRange(stack.base, frames, paging.Privileged); err != nil {
		p.free(frames)
		return nil, fmt.Errorf("map kernel stack: %w", err)
	}
	p.slots.Set(slot)

	p.logger.Debug("kernel stack acquired", zap.Uint("slot", slot), zap.Stringer("base", stack.base))
	return stack, nil
}

// Release unmaps s and frees its frames.
func (p *StackPool) Release(s *Stack) error {
	if s == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.slots.Test(s.slot) {
		return fmt.Errorf("release kernel stack slot %d: not in use", s.slot)
	}
	frames, err := p.space.UnmapRange(s.base, s.pages)
	if err != nil {
		return fmt.Errorf("unmap kernel stack: %w", err)
	}
	p.free(frames)
	p.slots.Clear(s.slot)
	return nil
}

// InUse returns how many stacks are currently handed out.
func (p *StackPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.slots.Count())
}

func (p *StackPool) free(frames []frame.Frame) {
	for _, f := range frames {
		if err := p.frames.Deallocate(f); err != nil {
			p.logger.Warn("kernel stack frame release failed", zap.Stringer("frame", f), zap.Error(err))
		}
	}
}

func (p *StackPool) release(s *Stack) error {
	if p == nil || s == nil {
		return nil
	}
	return p.Release(s)
}
