package kernel

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
	"github.com/GriffinCanCode/saltwater/internal/kernel/ipc"
	"github.com/GriffinCanCode/saltwater/internal/kernel/paging"
	"github.com/GriffinCanCode/saltwater/internal/kernel/proc"
)

// Block kinds.
const (
	BlockMessage uint64 = iota
	BlockServer
)

func owner(t *proc.Thread) (*proc.Process, error) {
	p := t.Process()
	if p == nil || p.Exited() {
		return nil, fmt.Errorf("thread %s: %w", t.ID(), proc.ErrExited)
	}
	return p, nil
}

// Invoke performs one descriptor operation: it checks the descriptor's
// mask, moves count pages starting at page out of the caller's address
// space into a message and delivers it to the server that answers the
// operation. sub is appended to the descriptor's path.
//
// A kernel server answers before Invoke returns and the pages are back in
// place; the answer stays queryable until the thread's next kernel call. A
// user server queues the message and the caller waits for the response;
// blocked reports that the thread must now trap. Failures before the
// message is queued leave the caller's pages untouched and the caller
// running.
func (k *Kernel) Invoke(t *proc.Thread, desc int, op ipc.Op, sub string, page paging.Page, count int, tag uint64) (m *ipc.Message, blocked bool, err error) {
	p, err := owner(t)
	if err != nil {
		return nil, false, err
	}
	d, err := p.Descriptor(desc)
	if err != nil {
		return nil, false, err
	}
	target, err := d.Prepare(op, sub)
	if err != nil {
		return nil, false, err
	}

	space := p.AddressSpace()
	var frames []frame.Frame
	if count > 0 {
		if frames, err = space.UnmapRange(page, count); err != nil {
			return nil, false, fmt.Errorf("send %d pages at %s: %w", count, page, err)
		}
	}
	m = ipc.NewMessage(t, op, target.Path, tag, frames, page)

	switch target.Server.Kind() {
	case ipc.KindKernel:
		p.TrackOutbound(m)
		err = target.Server.Call(m, func(frames []frame.Frame) error {
			if len(frames) == 0 {
				return nil
			}
			return space.MapRange(page, frames, paging.User)
		})
		switch m.Status() {
		case ipc.StatusSent:
			k.restore(space, page, m.Withdraw())
		case ipc.StatusFailed:
			k.free(m.Frames())
		}
		p.Deliver(m)
		if prev := t.KeepReply(m.ID()); prev != 0 {
			p.Collect(prev)
		}
		return m, false, err

	case ipc.KindUser:
		p.TrackOutbound(m)
		if err := target.Server.Enqueue(m); err != nil {
			k.restore(space, page, m.Withdraw())
			return m, false, err
		}
		if err := t.AwaitResponse(m); err != nil {
			k.restore(space, page, m.Withdraw())
			return nil, false, err
		}
		// The server may have answered before the thread was parked.
		if m.Status().Terminal() {
			t.Wake(m.Err())
		}
		return m, true, nil

	default:
		k.restore(space, page, m.Withdraw())
		return nil, false, fmt.Errorf("server %s: %w", target.Server.Kind(), ipc.ErrWrongKind)
	}
}

// Receive takes the oldest request queued on the caller's server srv and
// maps its pages at page. The message moves to the server's in-flight set.
func (k *Kernel) Receive(t *proc.Thread, srv int, page paging.Page) (*ipc.Message, error) {
	p, err := owner(t)
	if err != nil {
		return nil, err
	}
	s, err := p.Server(srv)
	if err != nil {
		return nil, err
	}
	space := p.AddressSpace()
	m, err := s.ReceiveWith(page, func(_ *ipc.Message, frames []frame.Frame) error {
		if len(frames) == 0 {
			return nil
		}
		return space.MapRange(page, frames, paging.User)
	})
	if errors.Is(err, ipc.ErrEmpty) {
		return nil, fmt.Errorf("receive on %s: %w", s.Name(), ErrWouldBlock)
	}
	return m, err
}

// Respond answers the in-flight message msgID on the caller's server srv.
// The count pages at page go back to the sender's return page; count must
// equal the number of pages the request carried. When the sender is gone
// the request pages are unmapped from where Receive mapped them, freed, and
// ipc.ErrPeerGone returned.
func (k *Kernel) Respond(t *proc.Thread, srv int, msgID uint64, page paging.Page, count int, tag uint64) error {
	p, err := owner(t)
	if err != nil {
		return err
	}
	s, err := p.Server(srv)
	if err != nil {
		return err
	}
	space := p.AddressSpace()

	m, err := s.Complete(msgID, func(m *ipc.Message, n int) (ipc.Reply, error) {
		if count != n {
			return ipc.Reply{}, fmt.Errorf("respond with %d pages to a %d page request: %w", count, n, ErrProtocolMisuse)
		}
		if n == 0 {
			return ipc.Reply{Tag: tag}, nil
		}
		dst := m.Sender().AddressSpace()
		if dst == nil {
			return ipc.Reply{}, ipc.ErrPeerGone
		}
		frames, err := space.UnmapRange(page, n)
		if err != nil {
			return ipc.Reply{}, err
		}
		if err := dst.MapRange(m.ReturnPage(), frames, paging.User); err != nil {
			k.restore(space, page, frames)
			return ipc.Reply{}, err
		}
		return ipc.Reply{Tag: tag}, nil
	})
	if errors.Is(err, ipc.ErrPeerGone) && m != nil {
		if n := m.Len(); n > 0 {
			frames, uerr := space.UnmapRange(m.MappedAt(), n)
			if uerr != nil {
				k.logger.Debug("request pages already gone", zap.Uint64("message", m.ID()), zap.Error(uerr))
			} else {
				k.free(frames)
			}
		}
		return err
	}
	if err != nil {
		return err
	}

	if sender, ok := m.Sender().(*proc.Thread); ok {
		if sp := sender.Process(); sp != nil {
			sp.Deliver(m)
		}
	}
	return nil
}

// Query reports whether the caller's message msgID has been answered. An
// answered or failed message is collected and cannot be queried again.
func (k *Kernel) Query(t *proc.Thread, msgID uint64) (bool, error) {
	p, err := owner(t)
	if err != nil {
		return false, err
	}
	m, ok := p.Outbound(msgID)
	if !ok {
		return false, fmt.Errorf("query %d: %w", msgID, ipc.ErrUnknownMessage)
	}
	switch m.Status() {
	case ipc.StatusResponded:
		p.Collect(msgID)
		return true, nil
	case ipc.StatusFailed:
		p.Collect(msgID)
		return false, m.Err()
	default:
		return false, nil
	}
}

// Length returns the page count of msgID, which is either in flight on one
// of the caller's servers or one of the caller's own messages.
func (k *Kernel) Length(t *proc.Thread, msgID uint64) (int, error) {
	p, err := owner(t)
	if err != nil {
		return 0, err
	}
	for _, s := range p.Servers() {
		if m, ok := s.InFlight(msgID); ok {
			return m.Len(), nil
		}
	}
	if m, ok := p.Outbound(msgID); ok {
		return m.Len(), nil
	}
	return 0, fmt.Errorf("length of %d: %w", msgID, ipc.ErrUnknownMessage)
}

// BlockOnMessage parks the caller until msgID is answered. It reports true
// without parking when the answer is already there.
func (k *Kernel) BlockOnMessage(t *proc.Thread, msgID uint64) (bool, error) {
	p, err := owner(t)
	if err != nil {
		return false, err
	}
	m, ok := p.Outbound(msgID)
	if !ok {
		return false, fmt.Errorf("block on %d: %w", msgID, ipc.ErrUnknownMessage)
	}
	if m.Status().Terminal() {
		return true, nil
	}
	if err := t.AwaitResponse(m); err != nil {
		return false, err
	}
	// The answer may have landed before the thread was parked.
	if m.Status().Terminal() {
		t.Wake(m.Err())
	}
	return false, nil
}

// BlockOnServer parks the caller until a request is queued on its server
// srv. It reports true without parking when one already is.
func (k *Kernel) BlockOnServer(t *proc.Thread, srv int) (bool, error) {
	p, err := owner(t)
	if err != nil {
		return false, err
	}
	s, err := p.Server(srv)
	if err != nil {
		return false, err
	}
	return s.Wait(t, func() error { return t.AwaitRequest(s) })
}

// Check reports whether a request is queued on the caller's server srv.
func (k *Kernel) Check(t *proc.Thread, srv int) (bool, error) {
	p, err := owner(t)
	if err != nil {
		return false, err
	}
	s, err := p.Server(srv)
	if err != nil {
		return false, err
	}
	return s.Check(), nil
}

// MapPages backs count pages starting at page with fresh zeroed frames.
func (k *Kernel) MapPages(t *proc.Thread, page paging.Page, count int) error {
	p, err := owner(t)
	if err != nil {
		return err
	}
	frames := make([]frame.Frame, 0, count)
	for range count {
		f, err := k.frames.Allocate()
		if err != nil {
			k.free(frames)
			return fmt.Errorf("map %d pages: %w", count, err)
		}
		frames = append(frames, f)
	}
	if err := p.AddressSpace().MapRange(page, frames, paging.User); err != nil {
		k.free(frames)
		return err
	}
	return nil
}

// UnmapPages removes count pages starting at page and frees their frames.
func (k *Kernel) UnmapPages(t *proc.Thread, page paging.Page, count int) error {
	p, err := owner(t)
	if err != nil {
		return err
	}
	frames, err := p.AddressSpace().UnmapRange(page, count)
	if err != nil {
		return err
	}
	k.free(frames)
	return nil
}

// restore maps frames back at page, freeing them when that fails.
func (k *Kernel) restore(space *paging.AddressSpace, page paging.Page, frames []frame.Frame) {
	if len(frames) == 0 {
		return
	}
	if err := space.MapRange(page, frames, paging.User); err != nil {
		k.logger.Warn("could not return frames to sender", zap.Stringer("page", page), zap.Error(err))
		k.free(frames)
	}
}

func (k *Kernel) free(frames []frame.Frame) {
	for _, f := range frames {
		if err := k.frames.Deallocate(f); err != nil {
			k.logger.Warn("frame release failed", zap.Stringer("frame", f), zap.Error(err))
		}
	}
}
