package proc

import (
	"errors"
	"fmt"
	"weak"

	"github.com/GriffinCanCode/saltwater/internal/kernel/ipc"
)

// ErrInvalidTransition is returned for a status change the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid thread status transition")

// State is the kind of a thread status.
type State int

const (
	Ready State = iota
	Executing
	AwaitingRequest
	AwaitingResponse
	Aborted
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Executing:
		return "executing"
	case AwaitingRequest:
		return "awaiting_request"
	case AwaitingResponse:
		return "awaiting_response"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// States lists every state, in declaration order.
var States = []State{Ready, Executing, AwaitingRequest, AwaitingResponse, Aborted}

// Status is a thread status together with what it refers to: the core for
// Executing, the server for AwaitingRequest, the message for
// AwaitingResponse. The references are weak.
type Status struct {
	State   State
	Core    int
	server  weak.Pointer[ipc.Server]
	message weak.Pointer[ipc.Message]
}

// Server returns the server a thread in AwaitingRequest waits on.
func (s Status) Server() *ipc.Server {
	return s.server.Value()
}

// Message returns the message a thread in AwaitingResponse waits for.
func (s Status) Message() *ipc.Message {
	return s.message.Value()
}

func (s Status) String() string {
	if s.State == Executing {
		return fmt.Sprintf("executing(%d)", s.Core)
	}
	return s.State.String()
}

func (s Status) transition(next State) error {
	ok := false
	switch next {
	case Executing:
		ok = s.State == Ready
	case Ready:
		ok = s.State == Executing || s.State == AwaitingRequest || s.State == AwaitingResponse
	case AwaitingRequest, AwaitingResponse:
		ok = s.State == Executing
	case Aborted:
		ok = s.State != Aborted
	}
	if !ok {
		return fmt.Errorf("%s -> %s: %w", s.State, next, ErrInvalidTransition)
	}
	return nil
}
