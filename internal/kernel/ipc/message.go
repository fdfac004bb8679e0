package ipc

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
	"github.com/GriffinCanCode/saltwater/internal/kernel/paging"
)

// Status is the position of a message in its exchange.
type Status int

const (
	StatusSent Status = iota
	StatusReceived
	StatusResponded
	// StatusFailed is terminal and records that a peer went away or the
	// server rejected the request.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusReceived:
		return "received"
	case StatusResponded:
		return "responded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusResponded || s == StatusFailed
}

func (s Status) canBecome(next Status) bool {
	switch next {
	case StatusReceived:
		return s == StatusSent
	case StatusResponded:
		return s == StatusReceived
	case StatusFailed:
		return !s.Terminal()
	default:
		return false
	}
}

// Waiter is resumed when a blocking IPC wait resolves; err is nil on
// success and ErrPeerGone when the other side disappeared.
type Waiter interface {
	Wake(err error)
}

// Sender is the thread that owns an outbound message.
type Sender interface {
	Waiter
	AddressSpace() *paging.AddressSpace
	Priority() uint64
}

var lastMessageID atomic.Uint64

// Message is one request/response exchange carrying frames between
// address spaces. The frames belong to the message while it is queued and
// to the server's address space while it is in flight.
type Message struct {
	id         uint64
	op         Op
	path       string
	sender     Sender
	returnPage paging.Page
	priority   uint64
	server     weak.Pointer[Server]

	mu      sync.Mutex
	status  Status
	frames  []frame.Frame
	length  int
	mapped  paging.Page
	counted bool
	tag     uint64
	value   uint64
	err     error
	done    chan struct{}
}

// NewMessage builds a message in StatusSent. frames have already been
// taken out of the sender's address space starting at returnPage, where the
// response will be mapped back.
func NewMessage(sender Sender, op Op, path string, tag uint64, frames []frame.Frame, returnPage paging.Page) *Message {
	m := &Message{
		id:         lastMessageID.Add(1),
		op:         op,
		path:       path,
		sender:     sender,
		returnPage: returnPage,
		status:     StatusSent,
		frames:     slices.Clone(frames),
		length:     len(frames),
		tag:        tag,
		done:       make(chan struct{}),
	}
	if sender != nil {
		m.priority = sender.Priority()
	}
	return m
}

func (m *Message) ID() uint64 { return m.id }
func (m *Message) Op() Op { return m.op }
func (m *Message) Path() string { return m.path }
func (m *Message) Sender() Sender { return m.sender }
func (m *Message) ReturnPage() paging.Page { return m.returnPage }
func (m *Message) Priority() uint64 { return m.priority }
func (m *Message) Done() <-chan struct{} { return m.done }
func (m *Message) Len() int { return m.length }

// Server returns the server the message was delivered to, if it is alive.
func (m *Message) Server() *Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server.Value()
}

// Status returns the current status.
func (m *Message) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Frames returns the frames the message currently carries. They are only
// carried while the message is queued; once received they live in the
// server's address space.
func (m *Message) Frames() []frame.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.frames)
}

// MappedAt returns the page the server received the request's frames at.
// It is only meaningful once the message has been received.
func (m *Message) MappedAt() paging.Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapped
}

// Tag returns the request tag, or the response tag once responded.
func (m *Message) Tag() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tag
}

// Value returns the scalar result of a responded message.
func (m *Message) Value() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// Err returns why the message failed, if it did.
func (m *Message) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Withdraw detaches m from a sender that is going away. A queued message
// leaves its server and the frames it carried are returned for the caller
// to free. An in-flight message is marked failed; the server's response
// will then be rejected with ErrPeerGone.
func (m *Message) Withdraw() []frame.Frame {
	if s := m.Server(); s != nil {
		return s.withdraw(m)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Terminal() {
		return nil
	}
	frames := m.frames
	m.frames = nil
	m.failLocked(ErrPeerGone)
	return frames
}

// setStatusLocked moves m forward or reports an ordering violation.
func (m *Message) setStatusLocked(next Status) error {
	if !m.status.canBecome(next) {
		return fmt.Errorf("message %d %s -> %s: %w", m.id, m.status, next, ErrInvalidStatus)
	}
	m.status = next
	return nil
}

func (m *Message) failLocked(err error) {
	if m.status.Terminal() {
		return
	}
	m.status = StatusFailed
	m.err = err
	close(m.done)
}

func (m *Message) respondLocked(reply Reply) error {
	if err := m.setStatusLocked(StatusResponded); err != nil {
		return err
	}
	m.frames = nil
	m.tag = reply.Tag
	m.value = reply.Value
	close(m.done)
	return nil
}
