package proc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/GriffinCanCode/saltwater/internal/kernel/ipc"
	"github.com/GriffinCanCode/saltwater/internal/kernel/paging"
	"github.com/GriffinCanCode/saltwater/internal/shared/id"
)

// ErrBusy is returned when dispatching a thread whose previous run has not
// yet returned to its core.
var ErrBusy = errors.New("thread still on a core")

// MaxPriority is the priority of the boot process.
const MaxPriority uint64 = 255

// Priority holds the three priority components of a thread.
type Priority struct {
	Set        uint64 `json:"set"`
	Propagated uint64 `json:"propagated"`
	Inherited  uint64 `json:"inherited"`
}

// Effective is the priority the thread runs at.
func (p Priority) Effective() uint64 {
	return max(p.Set, p.Propagated, p.Inherited)
}

// Trap is why a thread stopped running on its core.
type Trap int

const (
	TrapYield Trap = iota
	TrapBlock
	TrapAbort
	TrapExit
)

func (t Trap) String() string {
	switch t {
	case TrapYield:
		return "yield"
	case TrapBlock:
		return "block"
	case TrapAbort:
		return "abort"
	case TrapExit:
		return "exit"
	default:
		return fmt.Sprintf("trap(%d)", int(t))
	}
}

// Entry is the user program a thread runs between traps.
type Entry func(ctx context.Context, t *Thread) Trap

// Registers is the saved general purpose register file.
type Registers struct {
	General      [16]uint64
	StackPointer uint64
}

// InterruptFrame is the state restored when returning to user mode.
type InterruptFrame struct {
	IP    uint64
	CS    uint64
	Flags uint64
	SP    uint64
	SS    uint64
}

// Thread is a schedulable unit owned by exactly one process.
type Thread struct {
	id      id.ThreadID
	process weak.Pointer[Process]
	entry   Entry
	stack   *Stack
	env     *Config

	set        atomic.Uint64
	propagated atomic.Uint64
	inherited  atomic.Uint64
	reply      atomic.Uint64

	mu      sync.Mutex
	status  Status
	regs    Registers
	iframe  InterruptFrame
	onCore  bool
	wakeErr error
}

func (t *Thread) ID() id.ThreadID { return t.id }
func (t *Thread) Entry() Entry { return t.entry }
func (t *Thread) Stack() *Stack { return t.stack }

// Process returns the owning process, or nil once it is gone.
func (t *Thread) Process() *Process {
	return t.process.Value()
}

// AddressSpace returns the address space of the owning process.
func (t *Thread) AddressSpace() *paging.AddressSpace {
	if p := t.Process(); p != nil {
		return p.AddressSpace()
	}
	return nil
}

// Status returns the current status.
func (t *Thread) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Registers returns the saved register file.
func (t *Thread) Registers() Registers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regs
}

// SetRegisters replaces the saved register file.
func (t *Thread) SetRegisters(r Registers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regs = r
}

// InterruptFrame returns the saved interrupt-return frame.
func (t *Thread) InterruptFrame() InterruptFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iframe
}

// SetInterruptFrame replaces the saved interrupt-return frame.
func (t *Thread) SetInterruptFrame(f InterruptFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.iframe = f
}

// Priorities returns the three priority components.
func (t *Thread) Priorities() Priority {
	return Priority{
		Set:        t.set.Load(),
		Propagated: t.propagated.Load(),
		Inherited:  t.inherited.Load(),
	}
}

// Priority returns the effective priority.
func (t *Thread) Priority() uint64 {
	return t.Priorities().Effective()
}

// SetPriority sets the user-chosen priority, capped at MaxPriority.
func (t *Thread) SetPriority(v uint64) {
	t.set.Store(min(v, MaxPriority))
}

// Propagate sets the scheduler-granted priority.
func (t *Thread) Propagate(v uint64) {
	t.propagated.Store(min(v, MaxPriority))
}

// KeepReply records msgID as the answer to the thread's latest kernel call
// and returns the one it replaces, or 0.
func (t *Thread) KeepReply(msgID uint64) uint64 {
	return t.reply.Swap(msgID)
}

// Dispatch moves a ready thread onto core.
func (t *Thread) Dispatch(core int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.onCore {
		return ErrBusy
	}
	if err := t.setLocked(Status{State: Executing, Core: core}); err != nil {
		return err
	}
	t.onCore = true
	return nil
}

// Vacate records that the thread's run on its core has returned.
func (t *Thread) Vacate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCore = false
}

// Preempt returns an executing thread to Ready.
func (t *Thread) Preempt() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.State != Executing {
		return fmt.Errorf("preempt %s: %w", t.status.State, ErrInvalidTransition)
	}
	return t.setLocked(Status{State: Ready})
}

// AwaitRequest parks an executing thread on s until a request arrives.
func (t *Thread) AwaitRequest(s *ipc.Server) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setLocked(Status{State: AwaitingRequest, server: weak.Make(s)})
}

// AwaitResponse parks an executing thread until m is answered.
func (t *Thread) AwaitResponse(m *ipc.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setLocked(Status{State: AwaitingResponse, message: weak.Make(m)})
}

// Wake resolves an IPC wait. A thread that is not waiting is left alone.
// err is kept until the thread collects it with TakeWakeError.
func (t *Thread) Wake(err error) {
	t.mu.Lock()
	state := t.status.State
	if state != AwaitingRequest && state != AwaitingResponse {
		t.mu.Unlock()
		return
	}
	_ = t.setLocked(Status{State: Ready})
	t.wakeErr = err
	t.mu.Unlock()

	if t.env.Placer != nil {
		t.env.Placer.Place(t)
	}
}

// TakeWakeError returns and clears the error the last wake carried.
func (t *Thread) TakeWakeError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.wakeErr
	t.wakeErr = nil
	return err
}

// Abort moves the thread to its terminal state. Callers normally go through
// Process.AbortThread, which also releases what the thread owns.
func (t *Thread) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setLocked(Status{State: Aborted})
}

func (t *Thread) setLocked(next Status) error {
	if err := t.status.transition(next.State); err != nil {
		return err
	}
	from := t.status.State
	t.status = next
	if t.env.Observer != nil {
		t.env.Observer.ThreadTransition(from, next.State)
	}
	return nil
}
