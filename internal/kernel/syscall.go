package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
	"github.com/GriffinCanCode/saltwater/internal/kernel/ipc"
	"github.com/GriffinCanCode/saltwater/internal/kernel/paging"
	"github.com/GriffinCanCode/saltwater/internal/kernel/proc"
)

var (
	// ErrProtocolMisuse is returned for an unknown selector or malformed
	// arguments.
	ErrProtocolMisuse = errors.New("protocol misuse")

	// ErrWouldBlock is returned by Receive on an empty queue.
	ErrWouldBlock = errors.New("operation would block")
)

// Selector picks the syscall.
type Selector uint64

const (
	SelAbort Selector = iota
	SelMap
	SelLength
	SelSend
	SelQuery
	SelReceive
	SelRespond
	SelBlock
	SelCheck
	selectorCount
)

var selectorNames = [selectorCount]string{
	"abort", "map", "length", "send", "query", "receive", "respond", "block", "check",
}

func (s Selector) String() string {
	if s < selectorCount {
		return selectorNames[s]
	}
	return fmt.Sprintf("selector(%d)", uint64(s))
}

// Registers is what a thread passes when it traps into the kernel.
type Registers struct {
	Selector Selector
	Args     [5]uint64
}

// ErrorCode is the error word of a syscall result. Zero means success.
type ErrorCode uint64

const (
	OK ErrorCode = iota
	ResourceExhaustion
	AllocatorNotReady
	MappingFailure
	PermissionDenied
	PeerGone
	ProtocolMisuse
	WouldBlock
)

var errorCodeNames = map[ErrorCode]string{
	OK:                 "ok",
	ResourceExhaustion: "resource_exhaustion",
	AllocatorNotReady:  "allocator_not_ready",
	MappingFailure:     "mapping_failure",
	PermissionDenied:   "permission_denied",
	PeerGone:           "peer_gone",
	ProtocolMisuse:     "protocol_misuse",
	WouldBlock:         "would_block",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error(%d)", uint64(c))
}

// CodeOf maps an error to the code a thread sees.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, frame.ErrExhausted):
		return ResourceExhaustion
	case errors.Is(err, frame.ErrNotReady):
		return AllocatorNotReady
	case errors.Is(err, paging.ErrAlreadyMapped),
		errors.Is(err, paging.ErrNotMapped),
		errors.Is(err, paging.ErrWrongHalf),
		errors.Is(err, paging.ErrDestroyed):
		return MappingFailure
	case errors.Is(err, ipc.ErrPermissionDenied):
		return PermissionDenied
	case errors.Is(err, ipc.ErrPeerGone), errors.Is(err, proc.ErrExited):
		return PeerGone
	case errors.Is(err, ErrWouldBlock), errors.Is(err, ipc.ErrEmpty):
		return WouldBlock
	default:
		return ProtocolMisuse
	}
}

// Result is the error/value pair a syscall returns.
type Result struct {
	Error ErrorCode
	Value uint64
}

// Outcome says what the calling thread must do after a syscall.
type Outcome int

const (
	// Continue lets the thread keep running.
	Continue Outcome = iota
	// Suspend means the thread now waits; it must trap with TrapBlock.
	Suspend
	// Terminate means the thread must trap with TrapAbort.
	Terminate
)

// Trap returns the trap the thread must take, if any.
func (o Outcome) Trap() (proc.Trap, bool) {
	switch o {
	case Suspend:
		return proc.TrapBlock, true
	case Terminate:
		return proc.TrapAbort, true
	default:
		return proc.TrapYield, false
	}
}

// SyscallObserver is told about every syscall.
type SyscallObserver interface {
	Syscall(sel Selector, code ErrorCode, d time.Duration)
}

// Map modes.
const (
	MapAllocate uint64 = iota
	MapRelease
)

const (
	// MaxTransferPages bounds the page count of one syscall.
	MaxTransferPages = 512

	// pageLimit is the first page index a thread may not name: the start
	// of the kernel half.
	pageLimit = uint64(paging.UserPageLimit)
)

// Syscall executes one trap of t. A failing syscall is reported in the
// result and the thread continues.
func (k *Kernel) Syscall(ctx context.Context, t *proc.Thread, regs Registers) (Result, Outcome) {
	start := time.Now()
	value, outcome, err := k.syscall(ctx, t, regs)
	res := Result{Error: CodeOf(err), Value: value}
	if err != nil {
		res.Value = 0
		k.logger.Debug("syscall failed",
			zap.Stringer("selector", regs.Selector),
			zap.Stringer("thread", t.ID()),
			zap.Stringer("code", res.Error),
			zap.Error(err),
		)
	}
	if k.cfg.Observer != nil {
		k.cfg.Observer.Syscall(regs.Selector, res.Error, time.Since(start))
	}
	return res, outcome
}

func (k *Kernel) syscall(_ context.Context, t *proc.Thread, regs Registers) (uint64, Outcome, error) {
	if err := k.ready(); err != nil {
		return 0, Continue, err
	}
	a := regs.Args
	switch regs.Selector {
	case SelAbort:
		return 0, Terminate, nil

	case SelMap:
		page, count, err := pageArgs(a[0], a[1])
		if err != nil {
			return 0, Continue, err
		}
		switch a[2] {
		case MapAllocate:
			return uint64(count), Continue, k.MapPages(t, page, count)
		case MapRelease:
			return uint64(count), Continue, k.UnmapPages(t, page, count)
		default:
			return 0, Continue, fmt.Errorf("map mode %d: %w", a[2], ErrProtocolMisuse)
		}

	case SelLength:
		n, err := k.Length(t, a[0])
		return uint64(n), Continue, err

	case SelSend:
		desc, err := intArg(a[0])
		if err != nil {
			return 0, Continue, err
		}
		op := ipc.Op(a[1])
		if a[1] > 0xff || !op.Valid() {
			return 0, Continue, fmt.Errorf("op %d: %w", a[1], ErrProtocolMisuse)
		}
		page, count, err := pageArgs(a[2], a[3])
		if err != nil {
			return 0, Continue, err
		}
		m, blocked, err := k.Invoke(t, desc, op, "", page, count, a[4])
		if m == nil {
			return 0, Continue, err
		}
		if blocked {
			return m.ID(), Suspend, err
		}
		return m.ID(), Continue, err

	case SelQuery:
		done, err := k.Query(t, a[0])
		return boolValue(done), Continue, err

	case SelReceive:
		srv, err := intArg(a[0])
		if err != nil {
			return 0, Continue, err
		}
		page, _, err := pageArgs(a[1], 0)
		if err != nil {
			return 0, Continue, err
		}
		m, err := k.Receive(t, srv, page)
		if err != nil {
			return 0, Continue, err
		}
		return m.ID(), Continue, nil

	case SelRespond:
		srv, err := intArg(a[0])
		if err != nil {
			return 0, Continue, err
		}
		page, count, err := pageArgs(a[2], a[3])
		if err != nil {
			return 0, Continue, err
		}
		return 0, Continue, k.Respond(t, srv, a[1], page, count, a[4])

	case SelBlock:
		var (
			ready bool
			err   error
		)
		switch a[1] {
		case BlockMessage:
			ready, err = k.BlockOnMessage(t, a[0])
		case BlockServer:
			srv, aerr := intArg(a[0])
			if aerr != nil {
				return 0, Continue, aerr
			}
			ready, err = k.BlockOnServer(t, srv)
		default:
			return 0, Continue, fmt.Errorf("block kind %d: %w", a[1], ErrProtocolMisuse)
		}
		if err != nil {
			return 0, Continue, err
		}
		if ready {
			return 1, Continue, nil
		}
		return 0, Suspend, nil

	case SelCheck:
		srv, err := intArg(a[0])
		if err != nil {
			return 0, Continue, err
		}
		ready, err := k.Check(t, srv)
		return boolValue(ready), Continue, err

	default:
		return 0, Continue, fmt.Errorf("%s: %w", regs.Selector, ErrProtocolMisuse)
	}
}

func intArg(v uint64) (int, error) {
	if v >= 1<<31 {
		return 0, fmt.Errorf("handle %d: %w", v, ErrProtocolMisuse)
	}
	return int(v), nil
}

func pageArgs(page, count uint64) (paging.Page, int, error) {
	if count > MaxTransferPages || page >= pageLimit || page+count > pageLimit {
		return 0, 0, fmt.Errorf("pages %#x+%d: %w", page, count, ErrProtocolMisuse)
	}
	return paging.Page(page), int(count), nil
}

func boolValue(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
