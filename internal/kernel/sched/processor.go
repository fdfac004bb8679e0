package sched

import (
	"context"
	"errors"
	"slices"
	"sync"
	"weak"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
	"github.com/GriffinCanCode/saltwater/internal/kernel/paging"
	"github.com/GriffinCanCode/saltwater/internal/kernel/proc"
)

// Executor runs a thread's user program until its next trap.
type Executor interface {
	Execute(ctx context.Context, core int, t *proc.Thread) proc.Trap
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, core int, t *proc.Thread) proc.Trap

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, core int, t *proc.Thread) proc.Trap {
	return f(ctx, core, t)
}

// Observer is told about scheduling events, typically by metrics.
type Observer interface {
	Dispatched(core int, trap proc.Trap)
	Switched(core int)
	Rebalanced(threads int)
	Shootdown(page paging.Page)
}

// ProcessorStats is a point-in-time view of one core.
type ProcessorStats struct {
	Core           int         `json:"core"`
	Ready          int         `json:"ready"`
	Current        string      `json:"current_thread,omitempty"`
	Process        string      `json:"current_process,omitempty"`
	Root           frame.Frame `json:"root"`
	Dispatches     uint64      `json:"dispatches"`
	Switches       uint64      `json:"switches"`
	Flushes        uint64      `json:"flushes"`
	PendingFlushes int         `json:"pending_flushes"`
}

// ProcessorScheduler is the per-core short-term scheduler: a FIFO ready
// queue, the process whose address space is loaded and the thread running.
type ProcessorScheduler struct {
	core     int
	placer   proc.Placer
	observer Observer
	logger   *zap.Logger

	mu         sync.Mutex
	ready      []*proc.Thread
	current    weak.Pointer[proc.Process]
	thread     *proc.Thread
	regs       proc.Registers
	iframe     proc.InterruptFrame
	root       frame.Frame
	pending    []paging.Page
	dispatches uint64
	switches   uint64
	flushes    uint64
}

func newProcessorScheduler(core int, placer proc.Placer, observer Observer, logger *zap.Logger) *ProcessorScheduler {
	return &ProcessorScheduler{
		core:     core,
		placer:   placer,
		observer: observer,
		logger:   logger.With(zap.Int("core", core)),
		root:     frame.InvalidFrame,
	}
}

// Core returns the index of the core this scheduler drives.
func (s *ProcessorScheduler) Core() int { return s.core }

// Enqueue appends t to the back of the ready queue.
func (s *ProcessorScheduler) Enqueue(t *proc.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = append(s.ready, t)
}

// Len returns the number of queued threads.
func (s *ProcessorScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

// Drain empties the ready queue and returns what it held.
func (s *ProcessorScheduler) Drain() []*proc.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	ready := s.ready
	s.ready = nil
	return ready
}

// Current returns the loaded process and the running thread, if any.
func (s *ProcessorScheduler) Current() (*proc.Process, *proc.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Value(), s.thread
}

// Dispatch runs the thread at the front of the queue until it traps. It
// reports false when the queue was empty.
func (s *ProcessorScheduler) Dispatch(ctx context.Context, exec Executor) bool {
	s.mu.Lock()
	if len(s.ready) == 0 {
		s.mu.Unlock()
		return false
	}
	t := s.ready[0]
	s.ready[0] = nil
	s.ready = s.ready[1:]
	s.mu.Unlock()

	if err := t.Dispatch(s.core); err != nil {
		// A copy queued twice is dropped once its twin has it running.
		if errors.Is(err, proc.ErrBusy) && t.Status().State == proc.Ready {
			s.Enqueue(t)
		}
		return true
	}

	p := t.Process()
	if p == nil || p.Exited() {
		_ = t.Abort()
		t.Vacate()
		return true
	}
	s.load(p, t)

	trap := exec.Execute(ctx, s.core, t)

	s.mu.Lock()
	regs, iframe := s.regs, s.iframe
	s.thread = nil
	s.mu.Unlock()
	t.SetRegisters(regs)
	t.SetInterruptFrame(iframe)
	t.Vacate()

	switch trap {
	case proc.TrapAbort:
		if err := p.AbortThread(t); err != nil && !errors.Is(err, proc.ErrNotMember) {
			s.logger.Warn("abort thread failed", zap.Stringer("thread", t.ID()), zap.Error(err))
		}
	case proc.TrapExit:
		if err := p.Exit(); err != nil {
			s.logger.Warn("process exit failed", zap.Stringer("process", p.ID()), zap.Error(err))
			_ = p.AbortThread(t)
		}
	}

	if t.Status().State == proc.Executing && t.Preempt() == nil {
		s.placer.Place(t)
	}
	if s.observer != nil {
		s.observer.Dispatched(s.core, trap)
	}
	return true
}

// load installs p's address space if another one is loaded, applies the
// pending invalidations, restores t's saved registers and records t as
// running.
func (s *ProcessorScheduler) load(p *proc.Process, t *proc.Thread) {
	root := p.AddressSpace().Root()
	regs, iframe := t.Registers(), t.InterruptFrame()

	s.mu.Lock()
	s.regs, s.iframe = regs, iframe
	switched := root != s.root
	if switched {
		s.root = root
		s.switches++
		// Only global translations survive a switch.
		s.pending = slices.DeleteFunc(s.pending, func(page paging.Page) bool { return !page.Kernel() })
	}
	s.flushes += uint64(len(s.pending))
	s.pending = s.pending[:0]
	s.current = weak.Make(p)
	s.thread = t
	s.dispatches++
	s.mu.Unlock()

	if switched && s.observer != nil {
		s.observer.Switched(s.core)
	}
}

// Context returns the register file and interrupt frame live on the core.
func (s *ProcessorScheduler) Context() (proc.Registers, proc.InterruptFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs, s.iframe
}

// SetContext replaces the live state. It is saved into the running thread
// when the thread traps.
func (s *ProcessorScheduler) SetContext(regs proc.Registers, iframe proc.InterruptFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs, s.iframe = regs, iframe
}

// invalidate queues a translation flush for page when it may be cached on
// this core: kernel pages always, user pages only under the loaded root.
func (s *ProcessorScheduler) invalidate(root frame.Frame, page paging.Page) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !page.Kernel() && root != s.root {
		return false
	}
	s.pending = append(s.pending, page)
	return true
}

// Stats returns a snapshot of the core.
func (s *ProcessorScheduler) Stats() ProcessorStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := ProcessorStats{
		Core:           s.core,
		Ready:          len(s.ready),
		Root:           s.root,
		Dispatches:     s.dispatches,
		Switches:       s.switches,
		Flushes:        s.flushes,
		PendingFlushes: len(s.pending),
	}
	if s.thread != nil {
		st.Current = s.thread.ID().String()
	}
	if p := s.current.Value(); p != nil {
		st.Process = p.ID().String()
	}
	return st
}
