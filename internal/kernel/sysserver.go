package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/saltwater/internal/kernel/ipc"
	"github.com/GriffinCanCode/saltwater/internal/kernel/proc"
)

// ErrUnsupported is returned by kernel servers for operations they do not
// implement.
var ErrUnsupported = errors.New("operation not supported")

// Paths answered by the sys server.
const (
	SysFrames     = "/frames"
	SysProcesses  = "/processes"
	SysProcessors = "/processors"
)

// sysHandler answers the sys server. read writes the counter as a little
// endian uint64 at the start of the first page sent along and also returns
// it as the reply value; tell returns the number of pages sent.
func (k *Kernel) sysHandler() ipc.Handler {
	return ipc.HandlerFunc(func(req ipc.Request) (ipc.Reply, error) {
		switch req.Op {
		case ipc.OpTell:
			return ipc.Reply{Tag: req.Tag, Value: uint64(len(req.Frames))}, nil
		case ipc.OpRead, ipc.OpPeek:
		case ipc.OpWalk, ipc.OpReadState:
			if _, err := k.sysCounter(req.Path); err != nil && req.Path != "/" {
				return ipc.Reply{}, err
			}
			return ipc.Reply{Tag: req.Tag}, nil
		default:
			return ipc.Reply{}, fmt.Errorf("sys %s: %w", req.Op, ErrUnsupported)
		}

		v, err := k.sysCounter(req.Path)
		if err != nil {
			return ipc.Reply{}, err
		}
		if len(req.Frames) > 0 {
			binary.LittleEndian.PutUint64(k.frames.Memory().Bytes(req.Frames[0]), v)
		}
		return ipc.Reply{Tag: req.Tag, Value: v}, nil
	})
}

func (k *Kernel) sysCounter(path string) (uint64, error) {
	switch path {
	case SysFrames:
		return k.frames.Free(), nil
	case SysProcesses:
		var n uint64
		k.root.Walk(func(p *proc.Process) {
			if !p.Exited() {
				n++
			}
		})
		return n, nil
	case SysProcessors:
		return uint64(len(k.registry.Processors())), nil
	default:
		return 0, fmt.Errorf("sys %q: %w", path, ipc.ErrBadPath)
	}
}
