package kernel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
	"github.com/GriffinCanCode/saltwater/internal/kernel/ipc"
	"github.com/GriffinCanCode/saltwater/internal/kernel/paging"
	"github.com/GriffinCanCode/saltwater/internal/kernel/proc"
	"github.com/GriffinCanCode/saltwater/internal/platform"
)

const (
	sendPage    = paging.Page(0x100)
	receivePage = paging.Page(0x200)
)

func boot(t *testing.T) *Kernel {
	t.Helper()
	k := New(DefaultConfig())
	require.NoError(t, k.Boot(context.Background(), platform.DefaultManifest(2, 8<<20)))
	return k
}

// running adds a thread to p and puts it on core 0 as if dispatched.
func running(t *testing.T, p *proc.Process) *proc.Thread {
	t.Helper()
	th, err := p.AddThread(nil)
	require.NoError(t, err)
	require.NoError(t, th.Dispatch(0))
	return th
}

func resume(t *testing.T, th *proc.Thread) {
	t.Helper()
	th.Vacate()
	require.NoError(t, th.Dispatch(0))
}

func call(k *Kernel, th *proc.Thread, sel Selector, args ...uint64) (Result, Outcome) {
	regs := Registers{Selector: sel}
	copy(regs.Args[:], args)
	return k.Syscall(context.Background(), th, regs)
}

func frameAt(t *testing.T, space *paging.AddressSpace, page paging.Page) frame.Frame {
	t.Helper()
	e, ok := space.Translate(page)
	require.True(t, ok, "%s not mapped", page)
	return e.Frame()
}

func isMapped(space *paging.AddressSpace, page paging.Page) bool {
	_, ok := space.Translate(page)
	return ok
}

// pair is a client process holding a descriptor to a server hosted by a
// second process.
type pair struct {
	client, host *proc.Process
	a, b         *proc.Thread
	server       *ipc.Server
	srv, desc    int
}

func newPair(t *testing.T, k *Kernel, mask ipc.State) *pair {
	t.Helper()
	host, err := k.Root().AddChild()
	require.NoError(t, err)
	client, err := k.Root().AddChild()
	require.NoError(t, err)

	s, srv, err := k.Host(host, "svc")
	require.NoError(t, err)
	desc, err := k.Grant(client, s, "/", mask)
	require.NoError(t, err)

	return &pair{
		client: client, host: host,
		a: running(t, client), b: running(t, host),
		server: s, srv: srv, desc: desc,
	}
}

func TestBootBuildsSingletonsInOrder(t *testing.T) {
	k := boot(t)

	require.NotNil(t, k.Root())
	assert.Equal(t, proc.MaxPriority, k.Root().Priority().Set)
	assert.Len(t, k.Registry().Processors(), 2)
	for _, p := range k.Registry().Processors() {
		require.NotNil(t, p.Tables, "core %d", p.ID)
		assert.Len(t, p.Tables.Stacks(), 3)
	}
	assert.Equal(t, 6, k.Stacks().InUse())
	assert.Equal(t, ipc.KindKernel, k.Sys().Kind())
	assert.NotEmpty(t, k.BootID())
}

func TestBootTwicePanics(t *testing.T) {
	k := boot(t)
	assert.Panics(t, func() {
		_ = k.Boot(context.Background(), platform.DefaultManifest(1, 8<<20))
	})
}

func TestBootFailures(t *testing.T) {
	tests := []struct {
		name string
		plat platform.Platform
		want error
	}{
		{"empty memory map", &platform.Manifest{Processors: 1}, platform.ErrNoMemoryMap},
		{"no processors", platform.DefaultManifest(0, 8<<20), platform.ErrNoProcessors},
		{"no usable memory", &platform.Manifest{
			Processors: 1,
			Memory:     []frame.Region{{Start: 0, End: 1 << 20, Kind: frame.Firmware}},
		}, frame.ErrNoUsableMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(DefaultConfig()).Boot(context.Background(), tt.plat)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBootProcessorOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Processors = 3
	k := New(cfg)
	require.NoError(t, k.Boot(context.Background(), platform.DefaultManifest(1, 8<<20)))
	assert.Len(t, k.Registry().Processors(), 3)
}

func TestOperationsBeforeBoot(t *testing.T) {
	k := New(DefaultConfig())
	assert.ErrorIs(t, k.Run(context.Background()), ErrNotBooted)
	_, err := k.Spawn(nil)
	assert.ErrorIs(t, err, ErrNotBooted)
	assert.Nil(t, k.Processes())
}

func TestSendReceiveRespond(t *testing.T) {
	k := boot(t)
	pr := newPair(t, k, ipc.StateAll)
	aSpace, bSpace := pr.client.AddressSpace(), pr.host.AddressSpace()

	res, out := call(k, pr.a, SelMap, uint64(sendPage), 1, MapAllocate)
	require.Equal(t, OK, res.Error)
	require.Equal(t, Continue, out)
	f := frameAt(t, aSpace, sendPage)
	k.Frames().Memory().Bytes(f)[0] = 42

	res, out = call(k, pr.a, SelSend, uint64(pr.desc), uint64(ipc.OpRead), uint64(sendPage), 1, 7)
	require.Equal(t, OK, res.Error)
	assert.Equal(t, Suspend, out)
	msgID := res.Value
	assert.Equal(t, proc.AwaitingResponse, pr.a.Status().State)
	assert.False(t, isMapped(aSpace, sendPage), "frame left the sender")

	m, ok := pr.client.Outbound(msgID)
	require.True(t, ok)
	assert.Equal(t, ipc.StatusSent, m.Status())

	res, _ = call(k, pr.b, SelCheck, uint64(pr.srv))
	assert.Equal(t, uint64(1), res.Value)

	res, _ = call(k, pr.b, SelReceive, uint64(pr.srv), uint64(receivePage))
	require.Equal(t, OK, res.Error)
	assert.Equal(t, msgID, res.Value)
	assert.Equal(t, ipc.StatusReceived, m.Status())
	assert.Equal(t, f, frameAt(t, bSpace, receivePage))
	assert.Equal(t, byte(42), k.Frames().Memory().Bytes(f)[0])

	res, _ = call(k, pr.b, SelLength, msgID)
	assert.Equal(t, uint64(1), res.Value)

	res, out = call(k, pr.b, SelRespond, uint64(pr.srv), msgID, uint64(receivePage), 1, 9)
	require.Equal(t, OK, res.Error)
	assert.Equal(t, Continue, out)
	assert.Equal(t, ipc.StatusResponded, m.Status())
	assert.Equal(t, uint64(9), m.Tag())
	assert.Equal(t, proc.Ready, pr.a.Status().State)
	assert.False(t, isMapped(bSpace, receivePage), "frame left the server")
	assert.Equal(t, f, frameAt(t, aSpace, sendPage))
	assert.Equal(t, 1, m.Len())

	resume(t, pr.a)
	res, _ = call(k, pr.a, SelQuery, msgID)
	require.Equal(t, OK, res.Error)
	assert.Equal(t, uint64(1), res.Value)

	res, _ = call(k, pr.a, SelQuery, msgID)
	assert.Equal(t, ProtocolMisuse, res.Error, "answered messages are collected once")
}

func TestSendWithoutPermissionSendsNothing(t *testing.T) {
	k := boot(t)
	pr := newPair(t, k, ipc.StateAll&^ipc.StateRead)

	res, _ := call(k, pr.a, SelMap, uint64(sendPage), 1, MapAllocate)
	require.Equal(t, OK, res.Error)

	res, out := call(k, pr.a, SelSend, uint64(pr.desc), uint64(ipc.OpRead), uint64(sendPage), 1, 0)
	assert.Equal(t, PermissionDenied, res.Error)
	assert.Equal(t, Continue, out)
	assert.Equal(t, proc.Executing, pr.a.Status().State)
	assert.True(t, isMapped(pr.client.AddressSpace(), sendPage))
	assert.False(t, pr.server.Check())
	assert.Zero(t, pr.client.Stats().Outbound)
}

func TestSendToClosedServerReturnsFrames(t *testing.T) {
	k := boot(t)
	pr := newPair(t, k, ipc.StateAll)
	pr.server.Close()

	res, _ := call(k, pr.a, SelMap, uint64(sendPage), 1, MapAllocate)
	require.Equal(t, OK, res.Error)

	res, out := call(k, pr.a, SelSend, uint64(pr.desc), uint64(ipc.OpRead), uint64(sendPage), 1, 0)
	assert.Equal(t, PeerGone, res.Error)
	assert.Equal(t, Continue, out, "a failed send does not suspend")
	assert.Zero(t, res.Value)
	assert.Equal(t, proc.Executing, pr.a.Status().State)
	assert.NoError(t, pr.a.TakeWakeError())
	assert.True(t, isMapped(pr.client.AddressSpace(), sendPage))
}

func TestServerExitFailsQueuedMessage(t *testing.T) {
	k := boot(t)
	pr := newPair(t, k, ipc.StateAll)
	aSpace := pr.client.AddressSpace()

	call(k, pr.a, SelMap, uint64(sendPage), 1, MapAllocate)
	f := frameAt(t, aSpace, sendPage)
	res, out := call(k, pr.a, SelSend, uint64(pr.desc), uint64(ipc.OpRead), uint64(sendPage), 1, 0)
	require.Equal(t, OK, res.Error)
	require.Equal(t, Suspend, out)

	require.NoError(t, pr.host.Exit())

	assert.Equal(t, proc.Ready, pr.a.Status().State, "sender woken")
	assert.ErrorIs(t, pr.a.TakeWakeError(), ipc.ErrPeerGone)
	assert.Equal(t, f, frameAt(t, aSpace, sendPage), "frame returned")

	resume(t, pr.a)
	res, _ = call(k, pr.a, SelQuery, res.Value)
	assert.Equal(t, PeerGone, res.Error)
}

func TestServerExitFailsMessageInFlight(t *testing.T) {
	k := boot(t)
	pr := newPair(t, k, ipc.StateAll)

	call(k, pr.a, SelMap, uint64(sendPage), 1, MapAllocate)
	res, _ := call(k, pr.a, SelSend, uint64(pr.desc), uint64(ipc.OpRead), uint64(sendPage), 1, 0)
	msgID := res.Value
	res, _ = call(k, pr.b, SelReceive, uint64(pr.srv), uint64(receivePage))
	require.Equal(t, OK, res.Error)

	free := k.Frames().Free()
	require.NoError(t, pr.host.Exit())
	assert.Greater(t, k.Frames().Free(), free, "host space and the received frame are freed")

	assert.Equal(t, proc.Ready, pr.a.Status().State)
	m, ok := pr.client.Outbound(msgID)
	require.True(t, ok)
	assert.Equal(t, ipc.StatusFailed, m.Status())
	assert.ErrorIs(t, m.Err(), ipc.ErrPeerGone)
}

func TestRespondAfterSenderAbortFreesFrames(t *testing.T) {
	k := boot(t)
	pr := newPair(t, k, ipc.StateAll)

	call(k, pr.a, SelMap, uint64(sendPage), 1, MapAllocate)
	res, _ := call(k, pr.a, SelSend, uint64(pr.desc), uint64(ipc.OpRead), uint64(sendPage), 1, 0)
	msgID := res.Value
	res, _ = call(k, pr.b, SelReceive, uint64(pr.srv), uint64(receivePage))
	require.Equal(t, OK, res.Error)

	require.NoError(t, pr.client.AbortThread(pr.a))
	free := k.Frames().Free()

	res, _ = call(k, pr.b, SelRespond, uint64(pr.srv), msgID, uint64(receivePage), 1, 0)
	assert.Equal(t, PeerGone, res.Error)
	assert.False(t, isMapped(pr.host.AddressSpace(), receivePage))
	assert.Equal(t, free+1, k.Frames().Free())

	res, _ = call(k, pr.b, SelLength, msgID)
	assert.Equal(t, ProtocolMisuse, res.Error, "message no longer in flight")
}

func TestRespondAfterSenderAbortFreesReceivedPages(t *testing.T) {
	k := boot(t)
	pr := newPair(t, k, ipc.StateAll)
	hostSpace := pr.host.AddressSpace()
	const replyPage = receivePage + 0x40

	call(k, pr.a, SelMap, uint64(sendPage), 2, MapAllocate)
	res, _ := call(k, pr.a, SelSend, uint64(pr.desc), uint64(ipc.OpRead), uint64(sendPage), 2, 0)
	msgID := res.Value
	res, _ = call(k, pr.b, SelReceive, uint64(pr.srv), uint64(receivePage))
	require.Equal(t, OK, res.Error)
	received := []frame.Frame{frameAt(t, hostSpace, receivePage), frameAt(t, hostSpace, receivePage+1)}

	// The server keeps other pages of its own at the page it answers from.
	res, _ = call(k, pr.b, SelMap, uint64(replyPage), 2, MapAllocate)
	require.Equal(t, OK, res.Error)
	own := frameAt(t, hostSpace, replyPage)

	require.NoError(t, pr.client.AbortThread(pr.a))
	free := k.Frames().Free()

	res, _ = call(k, pr.b, SelRespond, uint64(pr.srv), msgID, uint64(replyPage), 2, 0)
	assert.Equal(t, PeerGone, res.Error)
	assert.False(t, isMapped(hostSpace, receivePage))
	assert.False(t, isMapped(hostSpace, receivePage+1))
	assert.Equal(t, own, frameAt(t, hostSpace, replyPage), "pages at the reply page stay")
	assert.True(t, isMapped(hostSpace, replyPage+1))
	assert.Equal(t, free+2, k.Frames().Free())
	for _, f := range received {
		assert.True(t, k.Frames().IsFree(f), "%s freed", f)
	}
}

func TestSenderAbortWithdrawsQueuedMessage(t *testing.T) {
	k := boot(t)
	pr := newPair(t, k, ipc.StateAll)

	call(k, pr.a, SelMap, uint64(sendPage), 2, MapAllocate)
	res, _ := call(k, pr.a, SelSend, uint64(pr.desc), uint64(ipc.OpWalk), uint64(sendPage), 2, 0)
	require.Equal(t, OK, res.Error)
	free := k.Frames().Free()

	require.NoError(t, pr.client.AbortThread(pr.a))
	assert.False(t, pr.server.Check())
	assert.Equal(t, free+2+proc.DefaultStackPages, k.Frames().Free(), "message pages and the kernel stack")

	res, _ = call(k, pr.b, SelReceive, uint64(pr.srv), uint64(receivePage))
	assert.Equal(t, WouldBlock, res.Error)
}

func TestRespondMustReturnEveryPage(t *testing.T) {
	k := boot(t)
	pr := newPair(t, k, ipc.StateAll)

	call(k, pr.a, SelMap, uint64(sendPage), 2, MapAllocate)
	res, _ := call(k, pr.a, SelSend, uint64(pr.desc), uint64(ipc.OpRead), uint64(sendPage), 2, 0)
	msgID := res.Value
	call(k, pr.b, SelReceive, uint64(pr.srv), uint64(receivePage))

	res, _ = call(k, pr.b, SelRespond, uint64(pr.srv), msgID, uint64(receivePage), 1, 0)
	assert.Equal(t, ProtocolMisuse, res.Error)
	assert.True(t, isMapped(pr.host.AddressSpace(), receivePage))
	assert.True(t, isMapped(pr.host.AddressSpace(), receivePage+1))

	res, _ = call(k, pr.b, SelRespond, uint64(pr.srv), msgID, uint64(receivePage), 2, 0)
	assert.Equal(t, OK, res.Error)
	assert.True(t, isMapped(pr.client.AddressSpace(), sendPage+1))
}

func TestBlockOnServerWakesOnSend(t *testing.T) {
	k := boot(t)
	pr := newPair(t, k, ipc.StateAll)

	res, out := call(k, pr.b, SelBlock, uint64(pr.srv), BlockServer)
	require.Equal(t, OK, res.Error)
	assert.Equal(t, Suspend, out)
	assert.Equal(t, proc.AwaitingRequest, pr.b.Status().State)

	res, _ = call(k, pr.a, SelSend, uint64(pr.desc), uint64(ipc.OpTell), 0, 0, 0)
	require.Equal(t, OK, res.Error)
	assert.Equal(t, proc.Ready, pr.b.Status().State)

	resume(t, pr.b)
	res, out = call(k, pr.b, SelBlock, uint64(pr.srv), BlockServer)
	assert.Equal(t, uint64(1), res.Value)
	assert.Equal(t, Continue, out)
}

func TestBlockOnMessage(t *testing.T) {
	k := boot(t)
	pr := newPair(t, k, ipc.StateAll)

	res, _ := call(k, pr.a, SelSend, uint64(pr.desc), uint64(ipc.OpTell), 0, 0, 0)
	msgID := res.Value
	call(k, pr.b, SelReceive, uint64(pr.srv), uint64(receivePage))

	// Woken by a spurious wake, the sender parks again on the message.
	pr.a.Wake(nil)
	resume(t, pr.a)
	res, out := call(k, pr.a, SelBlock, msgID, BlockMessage)
	require.Equal(t, OK, res.Error)
	assert.Equal(t, Suspend, out)
	assert.Equal(t, proc.AwaitingResponse, pr.a.Status().State)

	res, _ = call(k, pr.b, SelRespond, uint64(pr.srv), msgID, uint64(receivePage), 0, 0)
	require.Equal(t, OK, res.Error)
	assert.Equal(t, proc.Ready, pr.a.Status().State)

	resume(t, pr.a)
	res, out = call(k, pr.a, SelBlock, msgID, BlockMessage)
	assert.Equal(t, uint64(1), res.Value)
	assert.Equal(t, Continue, out)
}

func TestSysServer(t *testing.T) {
	k := boot(t)
	p, err := k.Root().AddChild()
	require.NoError(t, err)
	th := running(t, p)

	tests := []struct {
		path string
		want func() uint64
	}{
		{SysFrames, func() uint64 { return k.Frames().Free() }},
		{SysProcesses, func() uint64 { return 2 }},
		{SysProcessors, func() uint64 { return 2 }},
	}
	require.NoError(t, k.MapPages(th, sendPage, 1))
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			desc, err := k.Grant(p, k.Sys(), tt.path, ipc.StateRead|ipc.StateTell)
			require.NoError(t, err)

			m, blocked, err := k.Invoke(th, desc, ipc.OpRead, "", sendPage, 1, 3)
			require.NoError(t, err)
			assert.False(t, blocked)
			assert.Equal(t, ipc.StatusResponded, m.Status())
			assert.Equal(t, uint64(3), m.Tag())
			assert.Equal(t, tt.want(), m.Value())

			f := frameAt(t, p.AddressSpace(), sendPage)
			assert.Equal(t, m.Value(), binary.LittleEndian.Uint64(k.Frames().Memory().Bytes(f)))

			m, _, err = k.Invoke(th, desc, ipc.OpTell, "", sendPage, 1, 0)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), m.Value())
		})
	}
}

func TestKernelRepliesDoNotPileUp(t *testing.T) {
	k := boot(t)
	p, err := k.Root().AddChild()
	require.NoError(t, err)
	th := running(t, p)
	desc, err := k.Grant(p, k.Sys(), SysFrames, ipc.StateRead)
	require.NoError(t, err)

	var ids []uint64
	for range 10 {
		res, out := call(k, th, SelSend, uint64(desc), uint64(ipc.OpRead), 0, 0, 0)
		require.Equal(t, OK, res.Error)
		require.Equal(t, Continue, out)
		ids = append(ids, res.Value)
	}
	assert.Equal(t, 1, p.Stats().Inbound, "only the latest kernel answer is kept")

	res, _ := call(k, th, SelQuery, ids[len(ids)-2])
	assert.Equal(t, ProtocolMisuse, res.Error, "replaced answers are dropped")
	res, _ = call(k, th, SelQuery, ids[len(ids)-1])
	require.Equal(t, OK, res.Error)
	assert.Equal(t, uint64(1), res.Value)
	assert.Zero(t, p.Stats().Inbound)
}

func TestBoostReachesThreadWeight(t *testing.T) {
	k := boot(t)
	plain, err := k.Spawn(k.Root(), nil)
	require.NoError(t, err)
	boosted, err := k.Spawn(k.Root(), nil)
	require.NoError(t, err)
	grandchild, err := k.Spawn(boosted, nil)
	require.NoError(t, err)

	require.NoError(t, k.Boost(boosted, 40))
	w := k.LongTerm().Weights()
	for _, p := range []*proc.Process{boosted, grandchild} {
		assert.Equal(t, uint64(40), p.Priority().Propagated)
		for _, th := range p.Threads() {
			assert.Equal(t, uint64(40), th.Priorities().Propagated)
			assert.Equal(t, w.Base+40, w.Of(th))
		}
	}
	assert.Equal(t, w.Base, w.Of(plain.Threads()[0]))

	// Threads started later are seeded with the grant.
	late, err := k.Start(boosted, nil)
	require.NoError(t, err)
	assert.Equal(t, w.Base+40, w.Of(late))

	for _, c := range k.LongTerm().Scan(k.Root()) {
		if c.Thread.Process() == grandchild {
			assert.Equal(t, w.Base+40, c.Weight)
		}
	}

	require.NoError(t, k.Boost(boosted, 1000))
	assert.Equal(t, proc.MaxPriority, grandchild.Priority().Propagated)
	require.NoError(t, k.Boost(boosted, 0))
	assert.Equal(t, w.Base, w.Of(late))

	require.NoError(t, plain.Exit())
	assert.ErrorIs(t, k.Boost(plain, 1), proc.ErrExited)

	got, ok := k.Process(grandchild.ID())
	require.True(t, ok)
	assert.Same(t, grandchild, got)
	_, ok = k.Process(plain.ID())
	assert.False(t, ok)
}

func TestSysServerRejections(t *testing.T) {
	k := boot(t)
	p, err := k.Root().AddChild()
	require.NoError(t, err)
	th := running(t, p)
	require.NoError(t, k.MapPages(th, sendPage, 1))

	desc, err := k.Grant(p, k.Sys(), "/", ipc.StateAll)
	require.NoError(t, err)

	_, _, err = k.Invoke(th, desc, ipc.OpRead, "nothing", sendPage, 1, 0)
	assert.ErrorIs(t, err, ipc.ErrBadPath)
	assert.True(t, isMapped(p.AddressSpace(), sendPage), "pages come back when the handler fails")

	_, _, err = k.Invoke(th, desc, ipc.OpInsert, "frames", 0, 0, 0)
	assert.ErrorIs(t, err, ErrUnsupported)

	frames, err := k.Grant(p, k.Sys(), SysFrames, ipc.StateAll)
	require.NoError(t, err)
	_, _, err = k.Invoke(th, frames, ipc.OpRead, "../processes", 0, 0, 0)
	assert.ErrorIs(t, err, ipc.ErrPermissionDenied)
}

func TestSyscallABI(t *testing.T) {
	k := boot(t)
	p, err := k.Root().AddChild()
	require.NoError(t, err)
	th := running(t, p)

	tests := []struct {
		name    string
		regs    Registers
		code    ErrorCode
		outcome Outcome
	}{
		{"unknown selector", Registers{Selector: 99}, ProtocolMisuse, Continue},
		{"abort", Registers{Selector: SelAbort}, OK, Terminate},
		{"bad map mode", Registers{Selector: SelMap, Args: [5]uint64{uint64(sendPage), 1, 7}}, ProtocolMisuse, Continue},
		{"oversized transfer", Registers{Selector: SelMap, Args: [5]uint64{uint64(sendPage), MaxTransferPages + 1}}, ProtocolMisuse, Continue},
		{"kernel half", Registers{Selector: SelMap, Args: [5]uint64{uint64(paging.KernelHalfStart) << 27, 1}}, ProtocolMisuse, Continue},
		{"handle out of range", Registers{Selector: SelCheck, Args: [5]uint64{1 << 31}}, ProtocolMisuse, Continue},
		{"non-canonical page", Registers{Selector: SelMap, Args: [5]uint64{uint64(paging.PageFromAddress(paging.HigherHalf)), 1}}, ProtocolMisuse, Continue},
		{"unmap absent", Registers{Selector: SelMap, Args: [5]uint64{uint64(sendPage), 1, MapRelease}}, MappingFailure, Continue},
		{"bad descriptor", Registers{Selector: SelSend, Args: [5]uint64{4}}, ProtocolMisuse, Continue},
		{"bad op", Registers{Selector: SelSend, Args: [5]uint64{0, 200}}, ProtocolMisuse, Continue},
		{"unknown message", Registers{Selector: SelQuery, Args: [5]uint64{1 << 40}}, ProtocolMisuse, Continue},
		{"no server", Registers{Selector: SelCheck, Args: [5]uint64{0}}, ProtocolMisuse, Continue},
		{"bad block kind", Registers{Selector: SelBlock, Args: [5]uint64{0, 5}}, ProtocolMisuse, Continue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, out := k.Syscall(context.Background(), th, tt.regs)
			assert.Equal(t, tt.code, res.Error)
			assert.Equal(t, tt.outcome, out)
			if res.Error != OK {
				assert.Zero(t, res.Value)
			}
			assert.Equal(t, proc.Executing, th.Status().State, "a failing syscall lets the thread continue")
		})
	}
}

func TestMapAndRelease(t *testing.T) {
	k := boot(t)
	p, err := k.Root().AddChild()
	require.NoError(t, err)
	th := running(t, p)
	free := k.Frames().Free()

	res, _ := call(k, th, SelMap, uint64(sendPage), 4, MapAllocate)
	require.Equal(t, OK, res.Error)
	assert.Equal(t, uint64(4), res.Value)

	res, _ = call(k, th, SelMap, uint64(sendPage)+3, 2, MapAllocate)
	assert.Equal(t, MappingFailure, res.Error, "overlapping range")

	res, _ = call(k, th, SelMap, uint64(sendPage), 4, MapRelease)
	require.Equal(t, OK, res.Error)

	// The page tables stay until the space is destroyed.
	assert.Equal(t, free-3, k.Frames().Free())
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{nil, OK},
		{fmt.Errorf("x: %w", frame.ErrExhausted), ResourceExhaustion},
		{frame.ErrNotReady, AllocatorNotReady},
		{paging.ErrAlreadyMapped, MappingFailure},
		{paging.ErrWrongHalf, MappingFailure},
		{ipc.ErrPermissionDenied, PermissionDenied},
		{ipc.ErrPeerGone, PeerGone},
		{proc.ErrExited, PeerGone},
		{ipc.ErrEmpty, WouldBlock},
		{ErrProtocolMisuse, ProtocolMisuse},
		{errors.New("anything else"), ProtocolMisuse},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeOf(tt.err), "%v", tt.err)
	}
	assert.Equal(t, "peer_gone", PeerGone.String())
	assert.Equal(t, "respond", SelRespond.String())
}

func TestRunPingPong(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RebalanceInterval = time.Millisecond
	cfg.IdleInterval = time.Millisecond
	k := New(cfg)
	require.NoError(t, k.Boot(context.Background(), platform.DefaultManifest(2, 8<<20)))

	host, err := k.Spawn(k.Root())
	require.NoError(t, err)
	s, srv, err := k.Host(host, "echo")
	require.NoError(t, err)
	client, err := k.Spawn(k.Root())
	require.NoError(t, err)
	desc, err := k.Grant(client, s, "/", ipc.StateAll)
	require.NoError(t, err)

	server := func(ctx context.Context, th *proc.Thread) proc.Trap {
		res, _ := k.Syscall(ctx, th, Registers{Selector: SelReceive, Args: [5]uint64{uint64(srv), uint64(receivePage)}})
		if res.Error == WouldBlock {
			_, out := k.Syscall(ctx, th, Registers{Selector: SelBlock, Args: [5]uint64{uint64(srv), BlockServer}})
			if trap, ok := out.Trap(); ok {
				return trap
			}
			return proc.TrapYield
		}
		if res.Error != OK {
			return proc.TrapAbort
		}
		f, _ := host.AddressSpace().Translate(receivePage)
		k.Frames().Memory().Bytes(f.Frame())[0]++
		k.Syscall(ctx, th, Registers{Selector: SelRespond, Args: [5]uint64{uint64(srv), res.Value, uint64(receivePage), 1, 0}})
		return proc.TrapYield
	}

	got := make(chan byte, 1)
	var msgID uint64
	sent := false
	clientEntry := func(ctx context.Context, th *proc.Thread) proc.Trap {
		if !sent {
			sent = true
			if res, _ := k.Syscall(ctx, th, Registers{Selector: SelMap, Args: [5]uint64{uint64(sendPage), 1}}); res.Error != OK {
				return proc.TrapAbort
			}
			f, _ := client.AddressSpace().Translate(sendPage)
			k.Frames().Memory().Bytes(f.Frame())[0] = 41

			res, out := k.Syscall(ctx, th, Registers{Selector: SelSend, Args: [5]uint64{uint64(desc), uint64(ipc.OpRead), uint64(sendPage), 1, 0}})
			if res.Error != OK {
				return proc.TrapAbort
			}
			msgID = res.Value
			if trap, ok := out.Trap(); ok {
				return trap
			}
		}
		res, _ := k.Syscall(ctx, th, Registers{Selector: SelQuery, Args: [5]uint64{msgID}})
		if res.Value != 1 {
			return proc.TrapYield
		}
		f, _ := client.AddressSpace().Translate(sendPage)
		got <- k.Frames().Memory().Bytes(f.Frame())[0]
		return proc.TrapExit
	}

	_, err = k.Start(host, server)
	require.NoError(t, err)
	_, err = k.Start(client, clientEntry)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	select {
	case b := <-got:
		assert.Equal(t, byte(42), b)
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
	}
	require.Eventually(t, client.Exited, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
