package proc

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"weak"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
	"github.com/GriffinCanCode/saltwater/internal/kernel/ipc"
	"github.com/GriffinCanCode/saltwater/internal/kernel/paging"
	"github.com/GriffinCanCode/saltwater/internal/shared/id"
)

var (
	// ErrExited is returned for operations on a process that has exited.
	ErrExited = errors.New("process has exited")

	// ErrRootExit is returned when the boot process is asked to exit.
	ErrRootExit = errors.New("boot process cannot exit")

	// ErrNotMember is returned for a thread owned by another process.
	ErrNotMember = errors.New("thread does not belong to process")

	// ErrBadHandle is returned for an unknown server or descriptor index.
	ErrBadHandle = errors.New("no such handle")
)

// Placer puts a thread that became ready on some core's queue.
type Placer interface {
	Place(t *Thread)
}

// Observer is told about lifecycle events, typically by metrics.
type Observer interface {
	ProcessCreated()
	ProcessDestroyed()
	ThreadCreated()
	ThreadTransition(from, to State)
}

// Config is shared by every process of one tree.
type Config struct {
	Frames      paging.FrameSource
	Kernel      *paging.AddressSpace
	Invalidator paging.Invalidator
	Stacks      *StackPool
	Placer      Placer
	Observer    Observer
	Logger      *zap.Logger
}

// Process is a node of the process tree. It owns its address space,
// threads, children and hosted servers; its parent is referenced weakly.
type Process struct {
	id  id.ProcessID
	env *Config

	set        atomic.Uint64
	propagated atomic.Uint64

	mu          sync.RWMutex
	parent      weak.Pointer[Process]
	space       *paging.AddressSpace
	threads     []*Thread
	children    []*Process
	outbound    []weak.Pointer[ipc.Message]
	inbound     []*ipc.Message
	servers     []*ipc.Server
	descriptors []*ipc.Descriptor
	exited      bool
}

// NewRoot creates the boot process. It has no parent and runs at
// MaxPriority.
func NewRoot(cfg Config) (*Process, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	p, err := newProcess(&cfg, nil)
	if err != nil {
		return nil, err
	}
	p.set.Store(MaxPriority)
	return p, nil
}

func newProcess(env *Config, parent *Process) (*Process, error) {
	space, err := paging.New(env.Frames, env.Kernel, env.Invalidator)
	if err != nil {
		return nil, fmt.Errorf("create address space: %w", err)
	}
	p := &Process{id: id.NewProcessID(), env: env, space: space}
	if parent != nil {
		p.parent = weak.Make(parent)
	}
	if env.Observer != nil {
		env.Observer.ProcessCreated()
	}
	return p, nil
}

func (p *Process) ID() id.ProcessID { return p.id }

// Parent returns the parent process, or nil for the root or once the parent
// is gone.
func (p *Process) Parent() *Process {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.parent.Value()
}

// AddressSpace returns the process's address space.
func (p *Process) AddressSpace() *paging.AddressSpace {
	return p.space
}

// Priority returns the set and propagated priority of the process.
func (p *Process) Priority() Priority {
	return Priority{Set: p.set.Load(), Propagated: p.propagated.Load()}
}

// SetPriority sets the priority new threads are seeded with.
func (p *Process) SetPriority(v uint64) {
	p.set.Store(min(v, MaxPriority))
}

// Propagate grants a scheduler priority to the process and its threads.
func (p *Process) Propagate(v uint64) {
	v = min(v, MaxPriority)
	p.propagated.Store(v)
	for _, t := range p.Threads() {
		t.Propagate(v)
	}
}

// Exited reports whether the process has been torn down.
func (p *Process) Exited() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exited
}

// AddChild creates an empty child process: fresh address space, no threads,
// no descriptors, priority 0. It is appended to p's children.
func (p *Process) AddChild() (*Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited {
		return nil, ErrExited
	}
	child, err := newProcess(p.env, p)
	if err != nil {
		return nil, err
	}
	p.children = append(p.children, child)

	p.env.Logger.Debug("process created", zap.Stringer("process", child.id), zap.Stringer("parent", p.id))
	return child, nil
}

// AddThread creates a Ready thread running entry, with a fresh kernel stack
// and priorities seeded from the process.
func (p *Process) AddThread(entry Entry) (*Thread, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited {
		return nil, ErrExited
	}
	var stack *Stack
	if p.env.Stacks != nil {
		var err error
		if stack, err = p.env.Stacks.Acquire(); err != nil {
			return nil, err
		}
	}

	t := &Thread{
		id:      id.NewThreadID(),
		process: weak.Make(p),
		entry:   entry,
		stack:   stack,
		env:     p.env,
		status:  Status{State: Ready},
	}
	if stack != nil {
		t.regs.StackPointer = stack.Top()
		t.iframe.SP = stack.Top()
	}
	t.set.Store(p.set.Load())
	t.propagated.Store(p.propagated.Load())
	p.threads = append(p.threads, t)

	if p.env.Observer != nil {
		p.env.Observer.ThreadCreated()
	}
	p.env.Logger.Debug("thread created", zap.Stringer("thread", t.id), zap.Stringer("process", p.id))
	return t, nil
}

// AbortThread aborts t and releases what it owns: its kernel stack and the
// messages it still has queued, whose frames are freed.
func (p *Process) AbortThread(t *Thread) error {
	p.mu.Lock()
	i := slices.Index(p.threads, t)
	if i < 0 {
		p.mu.Unlock()
		return ErrNotMember
	}
	p.threads = slices.Delete(p.threads, i, i+1)
	outbound := p.takeOutboundLocked(t)
	p.mu.Unlock()

	return p.reap(t, outbound)
}

// takeOutboundLocked removes the live outbound messages sent by t, or by
// any thread when t is nil.
func (p *Process) takeOutboundLocked(t *Thread) []*ipc.Message {
	var taken []*ipc.Message
	p.outbound = slices.DeleteFunc(p.outbound, func(wp weak.Pointer[ipc.Message]) bool {
		m := wp.Value()
		if m == nil {
			return true
		}
		if t != nil && m.Sender() != ipc.Sender(t) {
			return false
		}
		taken = append(taken, m)
		return true
	})
	return taken
}

func (p *Process) reap(t *Thread, outbound []*ipc.Message) error {
	var errs []error
	waitingOn := t.Status().Server()
	if err := t.Abort(); err != nil && !errors.Is(err, ErrInvalidTransition) {
		errs = append(errs, err)
	}
	if waitingOn != nil {
		waitingOn.Forget(t)
	}
	for _, m := range outbound {
		p.freeFrames(m.Withdraw())
	}
	if err := p.env.Stacks.release(t.stack); err != nil {
		errs = append(errs, err)
	}
	p.env.Logger.Debug("thread aborted", zap.Stringer("thread", t.id), zap.Int("withdrawn", len(outbound)))
	return errors.Join(errs...)
}

func (p *Process) freeFrames(frames []frame.Frame) {
	for _, f := range frames {
		if err := p.env.Frames.Deallocate(f); err != nil {
			p.env.Logger.Warn("frame release failed", zap.Stringer("frame", f), zap.Error(err))
		}
	}
}

// Exit tears the process down: threads are aborted, hosted servers closed
// so their peers fail with ipc.ErrPeerGone, children are handed to the
// parent and the address space is destroyed.
func (p *Process) Exit() error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return ErrExited
	}
	parent := p.parent.Value()
	if parent == nil {
		p.mu.Unlock()
		return ErrRootExit
	}
	p.exited = true
	threads := p.threads
	servers := p.servers
	children := p.children
	outbound := p.takeOutboundLocked(nil)
	p.threads, p.servers, p.children = nil, nil, nil
	p.descriptors, p.inbound = nil, nil
	p.mu.Unlock()

	var errs []error
	for _, m := range outbound {
		p.freeFrames(m.Withdraw())
	}
	for _, t := range threads {
		if err := p.reap(t, nil); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range servers {
		p.freeFrames(s.Close())
	}

	for _, c := range children {
		c.mu.Lock()
		c.parent = weak.Make(parent)
		c.mu.Unlock()
	}
	parent.mu.Lock()
	parent.children = slices.DeleteFunc(parent.children, func(c *Process) bool { return c == p })
	parent.children = append(parent.children, children...)
	parent.mu.Unlock()

	freed, err := p.space.Destroy()
	if err != nil {
		errs = append(errs, err)
	}
	if p.env.Observer != nil {
		p.env.Observer.ProcessDestroyed()
	}
	p.env.Logger.Debug("process exited",
		zap.Stringer("process", p.id),
		zap.Int("threads", len(threads)),
		zap.Int("reparented", len(children)),
		zap.Int("frames_freed", freed),
	)
	return errors.Join(errs...)
}

// Threads returns a copy of the thread list.
func (p *Process) Threads() []*Thread {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.threads)
}

// Children returns a copy of the child list.
func (p *Process) Children() []*Process {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.children)
}

// Walk calls fn for p and then, depth first, for every descendant.
func (p *Process) Walk(fn func(*Process)) {
	fn(p)
	for _, c := range p.Children() {
		c.Walk(fn)
	}
}

// HostServer makes p the host of s and returns its server index.
func (p *Process) HostServer(s *ipc.Server) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited {
		return 0, ErrExited
	}
	p.servers = append(p.servers, s)
	return len(p.servers) - 1, nil
}

// Server returns the hosted server at idx.
func (p *Process) Server(idx int) (*ipc.Server, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if idx < 0 || idx >= len(p.servers) {
		return nil, fmt.Errorf("server %d: %w", idx, ErrBadHandle)
	}
	return p.servers[idx], nil
}

// Servers returns a copy of the hosted servers.
func (p *Process) Servers() []*ipc.Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.servers)
}

// AddDescriptor installs d and returns its index.
func (p *Process) AddDescriptor(d *ipc.Descriptor) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited {
		return 0, ErrExited
	}
	for i, slot := range p.descriptors {
		if slot == nil {
			p.descriptors[i] = d
			return i, nil
		}
	}
	p.descriptors = append(p.descriptors, d)
	return len(p.descriptors) - 1, nil
}

// Descriptor returns the descriptor at idx.
func (p *Process) Descriptor(idx int) (*ipc.Descriptor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if idx < 0 || idx >= len(p.descriptors) || p.descriptors[idx] == nil {
		return nil, fmt.Errorf("descriptor %d: %w", idx, ErrBadHandle)
	}
	return p.descriptors[idx], nil
}

// CloseDescriptor frees the descriptor slot idx.
func (p *Process) CloseDescriptor(idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx < 0 || idx >= len(p.descriptors) || p.descriptors[idx] == nil {
		return fmt.Errorf("descriptor %d: %w", idx, ErrBadHandle)
	}
	p.descriptors[idx] = nil
	return nil
}

// TrackOutbound records a message sent by one of p's threads.
func (p *Process) TrackOutbound(m *ipc.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outbound = append(p.outbound, weak.Make(m))
}

// Outbound finds a message sent by one of p's threads.
func (p *Process) Outbound(msgID uint64) (*ipc.Message, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, wp := range p.outbound {
		if m := wp.Value(); m != nil && m.ID() == msgID {
			return m, true
		}
	}
	for _, m := range p.inbound {
		if m.ID() == msgID {
			return m, true
		}
	}
	return nil, false
}

// Deliver moves an answered message from the outbound list to the inbound
// response queue, where it stays until collected.
func (p *Process) Deliver(m *ipc.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited {
		return
	}
	p.outbound = slices.DeleteFunc(p.outbound, func(wp weak.Pointer[ipc.Message]) bool {
		x := wp.Value()
		return x == nil || x == m
	})
	p.inbound = append(p.inbound, m)
}

// Collect removes an answered message from the inbound queue.
func (p *Process) Collect(msgID uint64) (*ipc.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, m := range p.inbound {
		if m.ID() == msgID {
			p.inbound = slices.Delete(p.inbound, i, i+1)
			return m, true
		}
	}
	return nil, false
}

// Reprioritise recomputes the inherited priority of p's threads: the
// highest ceiling among the servers p hosts.
func (p *Process) Reprioritise() uint64 {
	p.mu.RLock()
	servers := slices.Clone(p.servers)
	threads := slices.Clone(p.threads)
	p.mu.RUnlock()

	var ceiling uint64
	for _, s := range servers {
		ceiling = max(ceiling, s.Ceiling())
	}
	for _, t := range threads {
		t.inherited.Store(min(ceiling, MaxPriority))
	}
	return ceiling
}

// Stats is a point-in-time view of a process.
type Stats struct {
	ID          id.ProcessID `json:"id"`
	Parent      id.ProcessID `json:"parent,omitempty"`
	Priority    Priority     `json:"priority"`
	Threads     []ThreadInfo `json:"threads"`
	Children    int          `json:"children"`
	Servers     int          `json:"servers"`
	Descriptors int          `json:"descriptors"`
	Outbound    int          `json:"outbound"`
	Inbound     int          `json:"inbound"`
	Space       paging.Stats `json:"address_space"`
}

// ThreadInfo describes one thread in Stats.
type ThreadInfo struct {
	ID       id.ThreadID `json:"id"`
	Status   string      `json:"status"`
	Priority Priority    `json:"priority"`
}

// Stats returns a snapshot of p.
func (p *Process) Stats() Stats {
	p.mu.RLock()
	st := Stats{
		ID:       p.id,
		Priority: p.Priority(),
		Children: len(p.children),
		Servers:  len(p.servers),
		Outbound: len(p.outbound),
		Inbound:  len(p.inbound),
	}
	if parent := p.parent.Value(); parent != nil {
		st.Parent = parent.id
	}
	for _, d := range p.descriptors {
		if d != nil {
			st.Descriptors++
		}
	}
	threads := slices.Clone(p.threads)
	p.mu.RUnlock()

	for _, t := range threads {
		st.Threads = append(st.Threads, ThreadInfo{ID: t.id, Status: t.Status().String(), Priority: t.Priorities()})
	}
	if !p.Exited() {
		st.Space = p.space.Stats()
	}
	return st
}
