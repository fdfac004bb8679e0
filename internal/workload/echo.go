// Package workload contains user programs written against the syscall
// surface. They run as ordinary threads and are used by the daemon's demo
// mode and by end-to-end tests.
package workload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/saltwater/internal/kernel"
	"github.com/GriffinCanCode/saltwater/internal/kernel/ipc"
	"github.com/GriffinCanCode/saltwater/internal/kernel/paging"
	"github.com/GriffinCanCode/saltwater/internal/kernel/proc"
)

// Pages the programs use in their own address spaces.
const (
	SendPage    = paging.Page(0x100)
	ReceivePage = paging.Page(0x200)
)

// ErrMismatch is recorded when a reply does not carry the expected value.
var ErrMismatch = errors.New("echo reply mismatch")

// EchoConfig sizes an echo workload.
type EchoConfig struct {
	Clients int
	Rounds  int
	Logger  *zap.Logger
}

// Echo is one echo server process and its client processes. Each client
// sends Rounds one-page read requests; the server increments the first byte
// of the page and responds. A client checks the byte and exits after its
// last round.
type Echo struct {
	k      *kernel.Kernel
	cfg    EchoConfig
	logger *zap.Logger

	host    *proc.Process
	server  *ipc.Server
	srv     int
	clients []*proc.Process

	completed atomic.Uint64
	dropped   atomic.Uint64
	finished  atomic.Int64
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// StartEcho spawns the server and the clients under the kernel's root and
// places their threads.
func StartEcho(k *kernel.Kernel, cfg EchoConfig) (*Echo, error) {
	if cfg.Clients <= 0 || cfg.Rounds <= 0 {
		return nil, fmt.Errorf("echo with %d clients of %d rounds: %w", cfg.Clients, cfg.Rounds, kernel.ErrProtocolMisuse)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	e := &Echo{k: k, cfg: cfg, logger: cfg.Logger, done: make(chan struct{})}

	host, err := k.Spawn(k.Root())
	if err != nil {
		return nil, fmt.Errorf("spawn echo server: %w", err)
	}
	s, srv, err := k.Host(host, "echo")
	if err != nil {
		return nil, err
	}
	e.host, e.server, e.srv = host, s, srv
	if _, err := k.Start(host, e.serve(srv)); err != nil {
		return nil, err
	}

	for i := range cfg.Clients {
		c, err := k.Spawn(k.Root())
		if err != nil {
			return nil, fmt.Errorf("spawn echo client %d: %w", i, err)
		}
		desc, err := k.Grant(c, s, "/", ipc.StateRead)
		if err != nil {
			return nil, err
		}
		e.clients = append(e.clients, c)
		cl := &echoClient{echo: e, process: c, desc: desc}
		if _, err := k.Start(c, cl.run); err != nil {
			return nil, err
		}
	}
	e.logger.Info("echo workload started",
		zap.Stringer("server", host.ID()),
		zap.Int("clients", cfg.Clients),
		zap.Int("rounds", cfg.Rounds),
	)
	return e, nil
}

// Done is closed once every client has finished.
func (e *Echo) Done() <-chan struct{} { return e.done }

// Completed returns the number of rounds answered so far.
func (e *Echo) Completed() uint64 { return e.completed.Load() }

// Dropped returns the number of requests the server could not answer.
func (e *Echo) Dropped() uint64 { return e.dropped.Load() }

// Server returns the echo server.
func (e *Echo) Server() *ipc.Server { return e.server }

// Err returns the first failure a client saw.
func (e *Echo) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Stop exits the server process. Pending requests fail with ErrPeerGone.
func (e *Echo) Stop() error {
	if e.host.Exited() {
		return nil
	}
	return e.host.Exit()
}

func (e *Echo) fail(err error) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
	e.logger.Warn("echo client failed", zap.Error(err))
}

func (e *Echo) finish() {
	if e.finished.Add(1) == int64(len(e.clients)) {
		close(e.done)
	}
}

// page returns the bytes mapped at page in p, or nil.
func (e *Echo) page(p *proc.Process, page paging.Page) []byte {
	entry, ok := p.AddressSpace().Translate(page)
	if !ok {
		return nil
	}
	return e.k.Frames().Memory().Bytes(entry.Frame())
}

func (e *Echo) serve(srv int) proc.Entry {
	return func(ctx context.Context, t *proc.Thread) proc.Trap {
		res, _ := e.k.Syscall(ctx, t, kernel.Registers{
			Selector: kernel.SelReceive,
			Args:     [5]uint64{uint64(srv), uint64(ReceivePage)},
		})
		switch res.Error {
		case kernel.OK:
		case kernel.WouldBlock:
			_, out := e.k.Syscall(ctx, t, kernel.Registers{
				Selector: kernel.SelBlock,
				Args:     [5]uint64{uint64(srv), kernel.BlockServer},
			})
			if trap, ok := out.Trap(); ok {
				return trap
			}
			return proc.TrapYield
		default:
			return proc.TrapAbort
		}

		msgID := res.Value
		length, _ := e.k.Syscall(ctx, t, kernel.Registers{Selector: kernel.SelLength, Args: [5]uint64{msgID}})
		if b := e.page(t.Process(), ReceivePage); length.Value > 0 && b != nil {
			b[0]++
		}
		res, _ = e.k.Syscall(ctx, t, kernel.Registers{
			Selector: kernel.SelRespond,
			Args:     [5]uint64{uint64(srv), msgID, uint64(ReceivePage), length.Value, 0},
		})
		if res.Error != kernel.OK {
			e.dropped.Add(1)
			e.logger.Warn("echo respond failed",
				zap.Uint64("message", msgID),
				zap.Stringer("code", res.Error),
			)
			// The kernel reclaims the pages only when the client is gone.
			if res.Error != kernel.PeerGone && length.Value > 0 {
				e.k.Syscall(ctx, t, kernel.Registers{
					Selector: kernel.SelMap,
					Args:     [5]uint64{uint64(ReceivePage), length.Value, kernel.MapRelease},
				})
			}
		}
		return proc.TrapYield
	}
}

// echoClient is the state of one client thread between dispatches.
type echoClient struct {
	echo    *Echo
	process *proc.Process
	desc    int

	round   int
	pending bool
	msgID   uint64
	want    byte
}

func (c *echoClient) run(ctx context.Context, t *proc.Thread) proc.Trap {
	k := c.echo.k
	if c.pending {
		res, _ := k.Syscall(ctx, t, kernel.Registers{Selector: kernel.SelQuery, Args: [5]uint64{c.msgID}})
		if res.Error != kernel.OK {
			c.echo.fail(fmt.Errorf("round %d: %s", c.round, res.Error))
			c.echo.finish()
			return proc.TrapExit
		}
		if res.Value == 0 {
			_, out := k.Syscall(ctx, t, kernel.Registers{
				Selector: kernel.SelBlock,
				Args:     [5]uint64{c.msgID, kernel.BlockMessage},
			})
			if trap, ok := out.Trap(); ok {
				return trap
			}
			return proc.TrapYield
		}
		c.pending = false
		if got := c.echo.page(c.process, SendPage)[0]; got != c.want {
			c.echo.fail(fmt.Errorf("round %d: got %d, want %d: %w", c.round, got, c.want, ErrMismatch))
		}
		c.echo.completed.Add(1)
		c.round++
		if c.round == c.echo.cfg.Rounds {
			c.echo.finish()
			return proc.TrapExit
		}
	}

	if c.echo.page(c.process, SendPage) == nil {
		res, _ := k.Syscall(ctx, t, kernel.Registers{
			Selector: kernel.SelMap,
			Args:     [5]uint64{uint64(SendPage), 1, kernel.MapAllocate},
		})
		if res.Error != kernel.OK {
			c.echo.fail(fmt.Errorf("map send page: %s", res.Error))
			c.echo.finish()
			return proc.TrapExit
		}
	}
	b := c.echo.page(c.process, SendPage)
	b[0] = byte(c.round)
	c.want = byte(c.round + 1)

	res, out := k.Syscall(ctx, t, kernel.Registers{
		Selector: kernel.SelSend,
		Args:     [5]uint64{uint64(c.desc), uint64(ipc.OpRead), uint64(SendPage), 1, uint64(c.round)},
	})
	if res.Error != kernel.OK {
		c.echo.fail(fmt.Errorf("send round %d: %s", c.round, res.Error))
		c.echo.finish()
		return proc.TrapExit
	}
	c.pending = true
	c.msgID = res.Value
	if trap, ok := out.Trap(); ok {
		return trap
	}
	return proc.TrapYield
}
