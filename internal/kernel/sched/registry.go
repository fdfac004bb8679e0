package sched

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
	"github.com/GriffinCanCode/saltwater/internal/kernel/paging"
	"github.com/GriffinCanCode/saltwater/internal/kernel/proc"
	"github.com/GriffinCanCode/saltwater/internal/platform"
)

// ErrNoTables is returned by Run when a core has no descriptor tables.
var ErrNoTables = errors.New("processor has no descriptor tables")

// DefaultIdleInterval is how long an idle core sleeps before it looks for
// work again without being signalled.
const DefaultIdleInterval = 10 * time.Millisecond

// Processor is one logical core.
type Processor struct {
	ID        int
	Scheduler *ProcessorScheduler
	Tables    *platform.DescriptorTables
}

// Registry holds one Processor per core. It is fixed at boot.
type Registry struct {
	processors []*Processor
	wake       []chan struct{}
	longterm   *LongTerm
	observer   Observer
	logger     *zap.Logger
	idle       time.Duration
	shootdowns atomic.Uint64
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithObserver reports scheduling events to o.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

// WithLongTerm sets the scheduler idle cores use to rebalance.
func WithLongTerm(l *LongTerm) RegistryOption {
	return func(r *Registry) { r.longterm = l }
}

// WithIdleInterval overrides DefaultIdleInterval.
func WithIdleInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.idle = d
		}
	}
}

// NewRegistry creates count processors with empty queues.
func NewRegistry(count int, opts ...RegistryOption) (*Registry, error) {
	if count <= 0 {
		return nil, platform.ErrNoProcessors
	}
	r := &Registry{
		logger: zap.NewNop(),
		idle:   DefaultIdleInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range count {
		r.processors = append(r.processors, &Processor{
			ID:        i,
			Scheduler: newProcessorScheduler(i, r, r.observer, r.logger),
		})
		r.wake = append(r.wake, make(chan struct{}, 1))
	}
	return r, nil
}

// Attach installs the descriptor tables of core.
func (r *Registry) Attach(core int, tables *platform.DescriptorTables) error {
	p, err := r.Processor(core)
	if err != nil {
		return err
	}
	p.Tables = tables
	return nil
}

// Processors returns every processor in core order.
func (r *Registry) Processors() []*Processor {
	return r.processors
}

// Processor returns core i.
func (r *Registry) Processor(i int) (*Processor, error) {
	if i < 0 || i >= len(r.processors) {
		return nil, fmt.Errorf("processor %d of %d: out of range", i, len(r.processors))
	}
	return r.processors[i], nil
}

// LongTerm returns the configured long-term scheduler, if any.
func (r *Registry) LongTerm() *LongTerm { return r.longterm }

// Place queues t on the core with the shortest ready queue and nudges that
// core if it is idle.
func (r *Registry) Place(t *proc.Thread) {
	best := 0
	bestLen := r.processors[0].Scheduler.Len()
	for i := 1; i < len(r.processors); i++ {
		if n := r.processors[i].Scheduler.Len(); n < bestLen {
			best, bestLen = i, n
		}
	}
	r.processors[best].Scheduler.Enqueue(t)
	r.signal(best)
}

func (r *Registry) signal(core int) {
	select {
	case r.wake[core] <- struct{}{}:
	default:
	}
}

func (r *Registry) signalAll() {
	for i := range r.wake {
		r.signal(i)
	}
}

// Invalidate flushes page on every core that may cache it. It makes the
// registry the paging.Invalidator of every address space.
func (r *Registry) Invalidate(root frame.Frame, page paging.Page) {
	hit := false
	for _, p := range r.processors {
		if p.Scheduler.invalidate(root, page) {
			hit = true
		}
	}
	if !hit {
		return
	}
	r.shootdowns.Add(1)
	if r.observer != nil {
		r.observer.Shootdown(page)
	}
}

// Shootdowns returns how many invalidations reached at least one core.
func (r *Registry) Shootdowns() uint64 {
	return r.shootdowns.Load()
}

// Drain empties every ready queue.
func (r *Registry) Drain() []*proc.Thread {
	var out []*proc.Thread
	for _, p := range r.processors {
		out = append(out, p.Scheduler.Drain()...)
	}
	return out
}

// Len returns the number of queued threads over all cores.
func (r *Registry) Len() int {
	n := 0
	for _, p := range r.processors {
		n += p.Scheduler.Len()
	}
	return n
}

// Stats returns a snapshot of every core.
func (r *Registry) Stats() []ProcessorStats {
	out := make([]ProcessorStats, 0, len(r.processors))
	for _, p := range r.processors {
		out = append(out, p.Scheduler.Stats())
	}
	return out
}

// Run drives every core on its own goroutine until ctx is done. An idle
// core asks the long-term scheduler for work under root, then sleeps until
// it is signalled or the idle interval passes.
func (r *Registry) Run(ctx context.Context, root *proc.Process, exec Executor) error {
	for _, p := range r.processors {
		if p.Tables == nil {
			return fmt.Errorf("core %d: %w", p.ID, ErrNoTables)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range r.processors {
		g.Go(func() error {
			return r.loop(ctx, p, root, exec)
		})
	}
	return g.Wait()
}

func (r *Registry) loop(ctx context.Context, p *Processor, root *proc.Process, exec Executor) error {
	p.Tables.Load()
	r.logger.Info("core online", zap.Int("core", p.ID))

	ticker := time.NewTicker(r.idle)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			r.logger.Info("core offline", zap.Int("core", p.ID))
			return nil
		}
		if p.Scheduler.Dispatch(ctx, exec) {
			continue
		}
		if r.longterm != nil && root != nil {
			r.longterm.Rebalance(r, root)
			if p.Scheduler.Len() > 0 {
				continue
			}
		}
		select {
		case <-ctx.Done():
		case <-r.wake[p.ID]:
		case <-ticker.C:
		}
	}
}
