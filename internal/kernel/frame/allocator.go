package frame

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"
)

var (
	// ErrExhausted is returned when no free frame exists anywhere.
	ErrExhausted = errors.New("no free page frame")

	// ErrNotReady is returned when the allocator is used before Initialise.
	ErrNotReady = errors.New("page frame allocator not initialised")

	// ErrNoUsableMemory is returned when the memory map has nothing usable,
	// or nothing large enough to hold the bitmap.
	ErrNoUsableMemory = errors.New("memory map has no usable region for the page frame bitmap")

	// ErrNotAllocated is returned when freeing a frame that is not live.
	ErrNotAllocated = errors.New("page frame is not allocated")
)

// Stats is a point-in-time view of the allocator.
type Stats struct {
	Total       uint64 `json:"total"`
	Free        uint64 `json:"free"`
	Allocated   uint64 `json:"allocated"`
	BitmapStart Frame  `json:"bitmap_start"`
	BitmapLen   uint64 `json:"bitmap_frames"`
}

// Observer is notified after every successful allocation or deallocation.
type Observer interface {
	FrameAllocated(free uint64)
	FrameReleased(free uint64)
	FrameExhausted()
}

// Allocator is a bitmap physical frame allocator. A set bit means the frame
// is reserved or allocated; a clear bit means it is free.
type Allocator struct {
	mu       sync.Mutex
	mem      Memory
	bitmap   *bitset.BitSet
	reserved *bitset.BitSet
	total    uint
	next     uint

	bitmapStart  Frame
	bitmapFrames uint64

	logger   *zap.Logger
	observer Observer
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger attaches a logger to the allocator.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Allocator) {
		a.logger = logger
	}
}

// WithObserver attaches an allocation observer, typically metrics.
func WithObserver(o Observer) Option {
	return func(a *Allocator) {
		a.observer = o
	}
}

// NewAllocator returns an allocator over mem. It is unusable until
// Initialise has run.
func NewAllocator(mem Memory, opts ...Option) *Allocator {
	a := &Allocator{
		mem:    mem,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Initialise builds the bitmap from the bootloader memory map. Usable frames
// are released first and the bitmap's own backing frames are reserved last,
// so the allocator can never hand out its own metadata.
func (a *Allocator) Initialise(regions []Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bitmap != nil {
		panic("page frame allocator initialised twice")
	}

	for i, region := range regions {
		a.logger.Debug("memory region",
			zap.Int("index", i),
			zap.Uint64("start", region.Start),
			zap.Uint64("end", region.End),
			zap.Stringer("kind", region.Kind),
		)
	}

	var maxEnd uint64
	for _, region := range regions {
		if region.Kind == Usable && region.End > maxEnd {
			maxEnd = region.End
		}
	}
	if maxEnd == 0 {
		return ErrNoUsableMemory
	}

	total := uint((maxEnd + PageSize - 1) / PageSize)
	bitmapBytes := uint64((total + 7) / 8)

	var bitmapAddr uint64
	found := false
	for _, region := range regions {
		first, end := region.Frames()
		if region.Kind == Usable && uint64(end-first)*PageSize > bitmapBytes {
			bitmapAddr = first.Address()
			found = true
			break
		}
	}
	if !found {
		return ErrNoUsableMemory
	}

	bitmap := bitset.New(total)
	for i := uint(0); i < total; i++ {
		bitmap.Set(i)
	}

	for _, region := range regions {
		if region.Kind != Usable {
			continue
		}
		first, end := region.Frames()
		for f := first; f < end && uint(f) < total; f++ {
			bitmap.Clear(uint(f))
		}
	}

	a.bitmapStart = FromAddress(bitmapAddr)
	a.bitmapFrames = (bitmapBytes + PageSize - 1) / PageSize
	for i := uint64(0); i < a.bitmapFrames; i++ {
		bitmap.Set(uint(a.bitmapStart) + uint(i))
	}

	a.bitmap = bitmap
	a.reserved = bitmap.Clone()
	a.total = total
	a.next = 0

	a.logger.Info("page frame allocator initialised",
		zap.Uint("total_frames", total),
		zap.Uint64("bitmap_bytes", bitmapBytes),
		zap.Stringer("bitmap_frame", a.bitmapStart),
		zap.Uint("free_frames", total-a.reserved.Count()),
	)
	return nil
}

// Allocate reserves a free frame and zero-fills it. The scan starts just
// after the last allocated index and wraps around once.
func (a *Allocator) Allocate() (Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bitmap == nil {
		return InvalidFrame, ErrNotReady
	}

	index, ok := a.bitmap.NextClear(a.next)
	if !ok && a.next > 0 {
		index, ok = a.bitmap.NextClear(0)
	}
	if !ok {
		if a.observer != nil {
			a.observer.FrameExhausted()
		}
		return InvalidFrame, ErrExhausted
	}

	a.bitmap.Set(index)
	a.next = (index + 1) % a.total

	f := Frame(index)
	zero(a.mem, f)

	if a.observer != nil {
		a.observer.FrameAllocated(a.freeLocked())
	}
	return f, nil
}

// Deallocate returns f to the free pool. The frame is not zeroed.
func (a *Allocator) Deallocate(f Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bitmap == nil {
		return ErrNotReady
	}
	if uint64(f) >= uint64(a.total) || !a.bitmap.Test(uint(f)) {
		return fmt.Errorf("deallocate %s: %w", f, ErrNotAllocated)
	}
	if a.reserved.Test(uint(f)) {
		return fmt.Errorf("deallocate %s: frame is reserved by the memory map: %w", f, ErrNotAllocated)
	}

	a.bitmap.Clear(uint(f))

	if a.observer != nil {
		a.observer.FrameReleased(a.freeLocked())
	}
	return nil
}

// IsFree reports whether f is currently free.
func (a *Allocator) IsFree(f Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bitmap == nil || uint64(f) >= uint64(a.total) {
		return false
	}
	return !a.bitmap.Test(uint(f))
}

// Free returns the number of free frames.
func (a *Allocator) Free() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked()
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bitmap == nil {
		return Stats{}
	}
	free := a.freeLocked()
	return Stats{
		Total:       uint64(a.total),
		Free:        free,
		Allocated:   uint64(a.total) - free - uint64(a.reserved.Count()),
		BitmapStart: a.bitmapStart,
		BitmapLen:   a.bitmapFrames,
	}
}

// Memory returns the direct mapping the allocator zeroes frames through.
func (a *Allocator) Memory() Memory {
	return a.mem
}

func (a *Allocator) freeLocked() uint64 {
	if a.bitmap == nil {
		return 0
	}
	return uint64(a.total - a.bitmap.Count())
}
