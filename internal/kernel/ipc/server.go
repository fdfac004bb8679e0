package ipc

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"weak"

	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
	"github.com/GriffinCanCode/saltwater/internal/kernel/paging"
	"github.com/GriffinCanCode/saltwater/internal/shared/id"
)

var (
	// ErrPermissionDenied is returned when a state mask rejects an operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrPeerGone is returned when the other side of an exchange vanished.
	ErrPeerGone = errors.New("peer gone")

	// ErrEmpty is returned by a receive on a server with no queued request.
	ErrEmpty = errors.New("no pending request")

	// ErrUnknownMessage is returned for a message ID the server does not hold.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrInvalidStatus is returned for an out-of-order status transition.
	ErrInvalidStatus = errors.New("invalid message status transition")

	// ErrWrongKind is returned for a queue operation on a kernel server.
	ErrWrongKind = errors.New("operation not supported by server kind")

	// ErrBadPath is returned for a relative or otherwise malformed path.
	ErrBadPath = errors.New("malformed path")

	// ErrBindingDepth is returned when resolution follows too many bindings.
	ErrBindingDepth = errors.New("too many nested bindings")
)

// MaxBindingDepth bounds how many bindings one resolution may follow.
const MaxBindingDepth = 8

// Kind selects the server variant.
type Kind int

const (
	KindUser Kind = iota
	KindKernel
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindKernel:
		return "kernel"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Request is what a kernel server handler sees of a message.
type Request struct {
	ID     uint64
	Op     Op
	Path   string
	Tag    uint64
	Frames []frame.Frame
}

// Reply is the answer to a message.
type Reply struct {
	Tag   uint64
	Value uint64
}

// Handler answers requests addressed to a kernel server.
type Handler interface {
	Handle(req Request) (Reply, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req Request) (Reply, error)

// Handle calls f.
func (f HandlerFunc) Handle(req Request) (Reply, error) { return f(req) }

// Binding redirects a path prefix into another server, filtered by a mask.
type Binding struct {
	Prefix string
	To     string
	Mask   State
	target weak.Pointer[Server]
}

// Target returns the server the binding points at, or nil once it is gone.
func (b Binding) Target() *Server {
	return b.target.Value()
}

type userServer struct {
	requests    []*Message
	inFlight    map[uint64]*Message
	prioritySum uint64
	waiting     []Waiter
}

type kernelServer struct {
	handler Handler
}

// Server is a path-addressed IPC endpoint. User servers queue messages for a
// hosting thread; kernel servers answer synchronously.
type Server struct {
	id   id.ServerID
	name string
	kind Kind

	mu       sync.Mutex
	bindings []Binding
	closed   bool
	user     *userServer
	kernel   *kernelServer
}

// NewUserServer creates a server whose requests are received by threads.
func NewUserServer(name string) *Server {
	return &Server{
		id:   id.NewServerID(),
		name: name,
		kind: KindUser,
		user: &userServer{inFlight: make(map[uint64]*Message)},
	}
}

// NewKernelServer creates a server answered in-kernel by h.
func NewKernelServer(name string, h Handler) *Server {
	return &Server{
		id:     id.NewServerID(),
		name:   name,
		kind:   KindKernel,
		kernel: &kernelServer{handler: h},
	}
}

func (s *Server) ID() id.ServerID { return s.id }
func (s *Server) Name() string { return s.name }
func (s *Server) Kind() Kind { return s.kind }

// Closed reports whether the server has been shut down.
func (s *Server) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Bind redirects paths under prefix into target at to, permitting at most
// mask. A later binding with the same prefix replaces the earlier one.
func (s *Server) Bind(prefix string, target *Server, to string, mask State) error {
	prefix, err := cleanPath(prefix)
	if err != nil {
		return err
	}
	if to, err = cleanPath(to); err != nil {
		return err
	}
	if target == nil {
		return ErrPeerGone
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrPeerGone
	}
	b := Binding{Prefix: prefix, To: to, Mask: mask, target: weak.Make(target)}
	for i := range s.bindings {
		if s.bindings[i].Prefix == prefix {
			s.bindings[i] = b
			return nil
		}
	}
	s.bindings = append(s.bindings, b)
	return nil
}

// Unbind removes the binding for prefix.
func (s *Server) Unbind(prefix string) bool {
	prefix, err := cleanPath(prefix)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.bindings {
		if s.bindings[i].Prefix == prefix {
			s.bindings = slices.Delete(s.bindings, i, i+1)
			return true
		}
	}
	return false
}

// Bindings returns a copy of the binding list in insertion order.
func (s *Server) Bindings() []Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.bindings)
}

// Resolve follows bindings from s for p. The longest matching prefix wins
// at each step, the remainder is appended to the binding's target path and
// the masks are intersected.
func (s *Server) Resolve(p string, mask State) (*Server, string, State, error) {
	p, err := cleanPath(p)
	if err != nil {
		return nil, "", StateNone, err
	}

	current := s
	for depth := 0; ; depth++ {
		b, rest, ok := current.match(p)
		if !ok {
			if current.Closed() {
				return nil, "", StateNone, ErrPeerGone
			}
			return current, p, mask, nil
		}
		if depth == MaxBindingDepth {
			return nil, "", StateNone, fmt.Errorf("resolve %s: %w", p, ErrBindingDepth)
		}
		next := b.Target()
		if next == nil {
			return nil, "", StateNone, fmt.Errorf("resolve %s via %s: %w", p, b.Prefix, ErrPeerGone)
		}
		current = next
		p = path.Join(b.To, rest)
		mask &= b.Mask
	}
}

func (s *Server) match(p string) (Binding, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best     Binding
		bestRest string
		found    bool
	)
	for _, b := range s.bindings {
		rest, ok := stripPrefix(b.Prefix, p)
		if !ok {
			continue
		}
		if !found || len(b.Prefix) > len(best.Prefix) {
			best, bestRest, found = b, rest, true
		}
	}
	return best, bestRest, found
}

func stripPrefix(prefix, p string) (string, bool) {
	switch {
	case prefix == "/":
		return p, true
	case p == prefix:
		return "", true
	case strings.HasPrefix(p, prefix+"/"):
		return p[len(prefix):], true
	default:
		return "", false
	}
}

func cleanPath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%q: %w", p, ErrBadPath)
	}
	return path.Clean(p), nil
}

// Enqueue appends m to the request queue and wakes one waiting receiver.
func (s *Server) Enqueue(m *Message) error {
	s.mu.Lock()
	if s.kind != KindUser {
		s.mu.Unlock()
		return fmt.Errorf("enqueue on %s server: %w", s.kind, ErrWrongKind)
	}
	if s.closed {
		s.mu.Unlock()
		return ErrPeerGone
	}

	m.mu.Lock()
	if m.status != StatusSent {
		m.mu.Unlock()
		s.mu.Unlock()
		return fmt.Errorf("enqueue message %d in %s: %w", m.id, m.status, ErrInvalidStatus)
	}
	m.server = weak.Make(s)
	m.counted = true
	m.mu.Unlock()

	s.user.requests = append(s.user.requests, m)
	s.user.prioritySum += m.priority

	var w Waiter
	if len(s.user.waiting) > 0 {
		w = s.user.waiting[0]
		s.user.waiting = s.user.waiting[1:]
	}
	s.mu.Unlock()

	if w != nil {
		w.Wake(nil)
	}
	return nil
}

// Check reports whether a request is waiting to be received.
func (s *Server) Check() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind == KindUser && len(s.user.requests) > 0
}

// Wait parks w until a request arrives. When the queue is already non-empty
// it returns true without parking. park runs under the server lock before w
// is registered, so an Enqueue cannot slip in between.
func (s *Server) Wait(w Waiter, park func() error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kind != KindUser {
		return false, fmt.Errorf("wait on %s server: %w", s.kind, ErrWrongKind)
	}
	if s.closed {
		return false, ErrPeerGone
	}
	if len(s.user.requests) > 0 {
		return true, nil
	}
	if err := park(); err != nil {
		return false, err
	}
	s.user.waiting = append(s.user.waiting, w)
	return false, nil
}

// Forget drops w from the waiting receivers.
func (s *Server) Forget(w Waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kind != KindUser {
		return
	}
	s.user.waiting = slices.DeleteFunc(s.user.waiting, func(x Waiter) bool { return x == w })
}

// ReceiveWith takes the oldest request. accept runs with the message locked
// and moves its frames into the receiver at page at; the message only
// becomes Received and leaves the queue when accept succeeds.
func (s *Server) ReceiveWith(at paging.Page, accept func(m *Message, frames []frame.Frame) error) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kind != KindUser {
		return nil, fmt.Errorf("receive on %s server: %w", s.kind, ErrWrongKind)
	}
	if s.closed {
		return nil, ErrPeerGone
	}
	if len(s.user.requests) == 0 {
		return nil, ErrEmpty
	}

	m := s.user.requests[0]
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := accept(m, m.frames); err != nil {
		return nil, err
	}
	if err := m.setStatusLocked(StatusReceived); err != nil {
		return nil, err
	}
	m.frames = nil
	m.mapped = at
	s.user.requests = s.user.requests[1:]
	s.user.inFlight[m.id] = m
	return m, nil
}

// InFlight returns the received message with the given ID.
func (s *Server) InFlight(msgID uint64) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kind != KindUser {
		return nil, false
	}
	m, ok := s.user.inFlight[msgID]
	return m, ok
}

// Complete answers the in-flight message msgID. deliver runs with the
// message locked, is told how many frames the request carried, and must move
// exactly that many response frames into the sender before returning the
// reply. When the sender is gone deliver is not called; the message is
// dropped and ErrPeerGone returned so the caller can reclaim its frames.
func (s *Server) Complete(msgID uint64, deliver func(m *Message, count int) (Reply, error)) (*Message, error) {
	s.mu.Lock()
	if s.kind != KindUser {
		s.mu.Unlock()
		return nil, fmt.Errorf("respond on %s server: %w", s.kind, ErrWrongKind)
	}
	m, ok := s.user.inFlight[msgID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("respond to %d: %w", msgID, ErrUnknownMessage)
	}

	m.mu.Lock()
	if m.status == StatusFailed {
		delete(s.user.inFlight, msgID)
		m.mu.Unlock()
		s.mu.Unlock()
		return m, ErrPeerGone
	}
	reply, err := deliver(m, m.length)
	if err == nil {
		err = m.respondLocked(reply)
	}
	if err != nil {
		m.mu.Unlock()
		s.mu.Unlock()
		return m, err
	}
	delete(s.user.inFlight, msgID)
	s.uncountLocked(m)
	m.mu.Unlock()
	s.mu.Unlock()

	if m.sender != nil {
		m.sender.Wake(nil)
	}
	return m, nil
}

// Call runs a kernel server's handler for m. restore runs with the message
// locked and moves the frames back into the sender, whether the handler
// succeeded or not.
func (s *Server) Call(m *Message, restore func(frames []frame.Frame) error) error {
	s.mu.Lock()
	if s.kind != KindKernel {
		s.mu.Unlock()
		return fmt.Errorf("call on %s server: %w", s.kind, ErrWrongKind)
	}
	if s.closed {
		s.mu.Unlock()
		return ErrPeerGone
	}
	h := s.kernel.handler
	s.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.server = weak.Make(s)
	if err := m.setStatusLocked(StatusReceived); err != nil {
		return err
	}
	reply, herr := h.Handle(Request{ID: m.id, Op: m.op, Path: m.path, Tag: m.tag, Frames: slices.Clone(m.frames)})
	if err := restore(m.frames); err != nil {
		m.failLocked(err)
		return err
	}
	if herr != nil {
		m.frames = nil
		m.failLocked(herr)
		return herr
	}
	return m.respondLocked(reply)
}

// Close shuts the server down. Queued requests fail and their frames go
// back to their senders; in-flight requests fail; all of their senders and
// every waiting receiver wake with ErrPeerGone. Frames that could not be
// returned to a sender are handed back for the caller to free.
func (s *Server) Close() []frame.Frame {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.bindings = nil

	var (
		orphans []frame.Frame
		woken   []Waiter
	)
	if s.kind == KindUser {
		for _, m := range s.user.requests {
			m.mu.Lock()
			if !returnFrames(m) {
				orphans = append(orphans, m.frames...)
			}
			m.frames = nil
			m.failLocked(ErrPeerGone)
			m.mu.Unlock()
			if m.sender != nil {
				woken = append(woken, m.sender)
			}
		}
		for _, m := range s.user.inFlight {
			m.mu.Lock()
			live := m.status != StatusFailed
			m.failLocked(ErrPeerGone)
			m.mu.Unlock()
			if live && m.sender != nil {
				woken = append(woken, m.sender)
			}
		}
		woken = append(woken, s.user.waiting...)
		s.user.requests = nil
		s.user.inFlight = make(map[uint64]*Message)
		s.user.waiting = nil
		s.user.prioritySum = 0
	}
	s.mu.Unlock()

	for _, w := range woken {
		w.Wake(ErrPeerGone)
	}
	return orphans
}

func returnFrames(m *Message) bool {
	if m.sender == nil || len(m.frames) == 0 {
		return len(m.frames) == 0
	}
	space := m.sender.AddressSpace()
	if space == nil {
		return false
	}
	return space.MapRange(m.returnPage, m.frames, paging.User) == nil
}

func (s *Server) withdraw(m *Message) []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	var frames []frame.Frame
	switch m.status {
	case StatusSent:
		if s.kind == KindUser {
			s.user.requests = slices.DeleteFunc(s.user.requests, func(x *Message) bool { return x == m })
		}
		frames = m.frames
		m.frames = nil
	case StatusReceived:
	default:
		return nil
	}
	if s.kind == KindUser {
		s.uncountLocked(m)
	}
	m.failLocked(ErrPeerGone)
	return frames
}

func (s *Server) uncountLocked(m *Message) {
	if m.counted {
		s.user.prioritySum -= m.priority
		m.counted = false
	}
}

// PrioritySum returns the summed priority of senders with a request queued
// or in flight.
func (s *Server) PrioritySum() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kind != KindUser {
		return 0
	}
	return s.user.prioritySum
}

// Ceiling returns the highest priority among senders with a request queued
// or in flight. Threads serving s run at least at this priority.
func (s *Server) Ceiling() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kind != KindUser {
		return 0
	}
	var ceiling uint64
	for _, m := range s.user.requests {
		ceiling = max(ceiling, m.priority)
	}
	for _, m := range s.user.inFlight {
		m.mu.Lock()
		if m.counted {
			ceiling = max(ceiling, m.priority)
		}
		m.mu.Unlock()
	}
	return ceiling
}

// Stats is a point-in-time view of a server.
type Stats struct {
	ID          id.ServerID `json:"id"`
	Name        string      `json:"name"`
	Kind        string      `json:"kind"`
	Queued      int         `json:"queued"`
	InFlight    int         `json:"in_flight"`
	Waiting     int         `json:"waiting"`
	PrioritySum uint64      `json:"priority_sum"`
	Bindings    []string    `json:"bindings,omitempty"`
	Closed      bool        `json:"closed"`
}

// Stats returns a snapshot of the server.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{ID: s.id, Name: s.name, Kind: s.kind.String(), Closed: s.closed}
	for _, b := range s.bindings {
		st.Bindings = append(st.Bindings, fmt.Sprintf("%s -> %s [%s]", b.Prefix, b.To, b.Mask))
	}
	if s.kind == KindUser {
		st.Queued = len(s.user.requests)
		st.InFlight = len(s.user.inFlight)
		st.Waiting = len(s.user.waiting)
		st.PrioritySum = s.user.prioritySum
	}
	return st
}
