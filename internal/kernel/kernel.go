// Package kernel ties the kernel components together. It runs the phased
// boot sequence, owns the process-wide singletons built there (frame
// allocator, kernel address space template, stack pool, processor registry,
// boot process) and implements the syscall surface threads use to map
// memory and exchange messages.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
	"github.com/GriffinCanCode/saltwater/internal/kernel/ipc"
	"github.com/GriffinCanCode/saltwater/internal/kernel/paging"
	"github.com/GriffinCanCode/saltwater/internal/kernel/proc"
	"github.com/GriffinCanCode/saltwater/internal/kernel/sched"
	"github.com/GriffinCanCode/saltwater/internal/platform"
	"github.com/GriffinCanCode/saltwater/internal/shared/id"
)

// ErrNotBooted is returned by operations that need the boot singletons.
var ErrNotBooted = errors.New("kernel not booted")

// Observer receives every event the kernel components report. The metrics
// collector implements it.
type Observer interface {
	frame.Observer
	proc.Observer
	sched.Observer
	SyscallObserver
	BootObserver
}

// BootObserver is told how long each boot phase took.
type BootObserver interface {
	BootPhase(name string, d time.Duration)
}

// Config holds the tunables of a kernel instance.
type Config struct {
	Logger *zap.Logger

	// Observer may be nil.
	Observer Observer

	// Processors overrides the platform's processor count when positive.
	Processors int

	// StackPages is the size of every kernel stack.
	StackPages int

	Weights           sched.Weights
	RebalanceInterval time.Duration
	RebalanceBurst    int
	IdleInterval      time.Duration
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Logger:            zap.NewNop(),
		StackPages:        proc.DefaultStackPages,
		Weights:           sched.DefaultWeights,
		RebalanceInterval: 50 * time.Millisecond,
		RebalanceBurst:    1,
		IdleInterval:      sched.DefaultIdleInterval,
	}
}

// Kernel is one booted instance of the modelled machine.
type Kernel struct {
	cfg    Config
	logger *zap.Logger
	bootID id.BootID

	booted atomic.Bool

	frames   *frame.Allocator
	template *paging.AddressSpace
	stacks   *proc.StackPool
	longterm *sched.LongTerm
	registry *sched.Registry
	root     *proc.Process
	sys      *ipc.Server
}

// New creates an unbooted kernel.
func New(cfg Config) *Kernel {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Weights == (sched.Weights{}) {
		cfg.Weights = sched.DefaultWeights
	}
	bootID := id.NewBootID()
	return &Kernel{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.Stringer("boot_id", bootID)),
		bootID: bootID,
	}
}

type phase struct {
	name string
	run  func() error
}

// Boot brings the kernel up from what plat reports. The phases run in a
// fixed order: each one depends on the singletons built before it. A failed
// phase is fatal for the instance. Booting twice is a programming error and
// panics.
func (k *Kernel) Boot(ctx context.Context, plat platform.Platform) error {
	if !k.booted.CompareAndSwap(false, true) {
		panic("kernel: Boot called twice")
	}

	var (
		regions    []frame.Region
		processors int
	)
	phases := []phase{
		{"memory map", func() (err error) {
			regions, err = plat.MemoryMap()
			return err
		}},
		{"frame allocator", func() error {
			k.frames = frame.NewAllocator(frame.NewSparseMemory(),
				frame.WithLogger(k.logger.Named("frame")),
				frame.WithObserver(k.cfg.Observer))
			return k.frames.Initialise(regions)
		}},
		{"processors", func() (err error) {
			if k.cfg.Processors > 0 {
				processors = k.cfg.Processors
				return nil
			}
			processors, err = plat.ProcessorCount()
			return err
		}},
		{"scheduler", func() (err error) {
			k.longterm = sched.NewLongTerm(k.logger.Named("longterm"), k.cfg.Observer,
				sched.WithWeights(k.cfg.Weights),
				sched.WithInterval(k.cfg.RebalanceInterval, k.cfg.RebalanceBurst))
			k.registry, err = sched.NewRegistry(processors,
				sched.WithLogger(k.logger.Named("sched")),
				sched.WithObserver(k.cfg.Observer),
				sched.WithLongTerm(k.longterm),
				sched.WithIdleInterval(k.cfg.IdleInterval))
			return err
		}},
		{"kernel address space", func() (err error) {
			k.template, err = paging.NewKernel(k.frames, k.registry)
			return err
		}},
		{"kernel stacks", func() (err error) {
			k.stacks, err = proc.NewStackPool(k.frames, k.template, k.cfg.StackPages, k.logger.Named("stacks"))
			return err
		}},
		{"descriptor tables", func() error {
			for _, p := range k.registry.Processors() {
				tables, err := platform.NewDescriptorTables(p.ID, k.stacks)
				if err != nil {
					return err
				}
				if err := k.registry.Attach(p.ID, tables); err != nil {
					return err
				}
			}
			return nil
		}},
		{"boot process", func() (err error) {
			k.root, err = proc.NewRoot(proc.Config{
				Frames:      k.frames,
				Kernel:      k.template,
				Invalidator: k.registry,
				Stacks:      k.stacks,
				Placer:      k.registry,
				Observer:    k.cfg.Observer,
				Logger:      k.logger.Named("proc"),
			})
			return err
		}},
		{"kernel servers", func() error {
			k.sys = ipc.NewKernelServer("sys", k.sysHandler())
			return nil
		}},
	}

	for _, ph := range phases {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("boot interrupted before %s: %w", ph.name, err)
		}
		start := time.Now()
		if err := ph.run(); err != nil {
			k.logger.Error("boot phase failed", zap.String("phase", ph.name), zap.Error(err))
			return fmt.Errorf("boot phase %s: %w", ph.name, err)
		}
		d := time.Since(start)
		if k.cfg.Observer != nil {
			k.cfg.Observer.BootPhase(ph.name, d)
		}
		k.logger.Debug("boot phase done", zap.String("phase", ph.name), zap.Duration("took", d))
	}

	st := k.frames.Stats()
	k.logger.Info("kernel booted",
		zap.Int("processors", processors),
		zap.Uint64("frames_total", st.Total),
		zap.Uint64("frames_free", st.Free),
	)
	return nil
}

func (k *Kernel) ready() error {
	if k.root == nil {
		return ErrNotBooted
	}
	return nil
}

// Run drives every core until ctx is done.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.ready(); err != nil {
		return err
	}
	return k.registry.Run(ctx, k.root, k.Executor())
}

// Executor runs each thread's Entry. A thread without one has nothing to
// execute and is aborted.
func (k *Kernel) Executor() sched.Executor {
	return sched.ExecutorFunc(func(ctx context.Context, _ int, t *proc.Thread) proc.Trap {
		entry := t.Entry()
		if entry == nil {
			return proc.TrapAbort
		}
		return entry(ctx, t)
	})
}

func (k *Kernel) BootID() id.BootID              { return k.bootID }
func (k *Kernel) Logger() *zap.Logger            { return k.logger }
func (k *Kernel) Frames() *frame.Allocator       { return k.frames }
func (k *Kernel) Template() *paging.AddressSpace { return k.template }
func (k *Kernel) Stacks() *proc.StackPool        { return k.stacks }
func (k *Kernel) Registry() *sched.Registry      { return k.registry }
func (k *Kernel) LongTerm() *sched.LongTerm      { return k.longterm }
func (k *Kernel) Root() *proc.Process            { return k.root }
func (k *Kernel) Sys() *ipc.Server               { return k.sys }

// Spawn creates a child of parent running one thread per entry. The threads
// are placed on cores straight away.
func (k *Kernel) Spawn(parent *proc.Process, entries ...proc.Entry) (*proc.Process, error) {
	if err := k.ready(); err != nil {
		return nil, err
	}
	child, err := parent.AddChild()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, err := k.Start(child, e); err != nil {
			return child, err
		}
	}
	return child, nil
}

// Start adds a thread running entry to p and places it.
func (k *Kernel) Start(p *proc.Process, entry proc.Entry) (*proc.Thread, error) {
	if err := k.ready(); err != nil {
		return nil, err
	}
	t, err := p.AddThread(entry)
	if err != nil {
		return nil, fmt.Errorf("start thread in %s: %w", p.ID(), err)
	}
	k.registry.Place(t)
	return t, nil
}

// Host creates a user server named name hosted by p and returns it with its
// server index in p.
func (k *Kernel) Host(p *proc.Process, name string) (*ipc.Server, int, error) {
	s := ipc.NewUserServer(name)
	idx, err := p.HostServer(s)
	if err != nil {
		return nil, 0, err
	}
	k.logger.Debug("server hosted", zap.String("server", name), zap.Stringer("process", p.ID()))
	return s, idx, nil
}

// Grant gives p a descriptor for path on s, limited to mask, and returns
// its descriptor index.
func (k *Kernel) Grant(p *proc.Process, s *ipc.Server, path string, mask ipc.State) (int, error) {
	d, err := ipc.NewDescriptor(s, path, mask)
	if err != nil {
		return 0, err
	}
	return p.AddDescriptor(d)
}

// Process finds a live process by ID.
func (k *Kernel) Process(pid id.ProcessID) (*proc.Process, bool) {
	if k.root == nil {
		return nil, false
	}
	var found *proc.Process
	k.root.Walk(func(p *proc.Process) {
		if found == nil && p.ID() == pid && !p.Exited() {
			found = p
		}
	})
	return found, found != nil
}

// Boost grants p and its current descendants the scheduler priority v,
// capped at proc.MaxPriority. Their threads are weighed by it from the next
// rebalance on; v of 0 withdraws an earlier grant.
func (k *Kernel) Boost(p *proc.Process, v uint64) error {
	if err := k.ready(); err != nil {
		return err
	}
	if p.Exited() {
		return fmt.Errorf("boost %s: %w", p.ID(), proc.ErrExited)
	}
	n := 0
	p.Walk(func(q *proc.Process) {
		if !q.Exited() {
			q.Propagate(v)
			n++
		}
	})
	k.logger.Info("priority granted",
		zap.Stringer("process", p.ID()),
		zap.Uint64("priority", min(v, proc.MaxPriority)),
		zap.Int("processes", n),
	)
	return nil
}

// Processes returns a snapshot of every live process, depth first.
func (k *Kernel) Processes() []proc.Stats {
	if k.root == nil {
		return nil
	}
	var out []proc.Stats
	k.root.Walk(func(p *proc.Process) {
		out = append(out, p.Stats())
	})
	return out
}

// Servers returns a snapshot of the kernel servers and every hosted server.
func (k *Kernel) Servers() []ipc.Stats {
	if k.root == nil {
		return nil
	}
	out := []ipc.Stats{k.sys.Stats()}
	k.root.Walk(func(p *proc.Process) {
		for _, s := range p.Servers() {
			out = append(out, s.Stats())
		}
	})
	return out
}
