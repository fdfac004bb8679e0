package ipc

import (
	"fmt"
	"strings"
)

// State is the set of operations a descriptor or binding permits.
type State uint16

const (
	StateWalk State = 1 << iota
	StateRename
	StateMake
	StateRemove
	StateRead
	StateInsert
	StateOverwrite
	StateTruncate
	StateSeekForward
	StateSeekBackward
	StateSeekStart
	StateSeekEnd
	StateTell
	StateLock

	// StateNone permits nothing beyond read_state.
	StateNone State = 0

	// StateAll permits every operation.
	StateAll State = StateLock<<1 - 1
)

var stateNames = []string{
	"walk", "rename", "make", "remove", "read", "insert", "overwrite",
	"truncate", "seek_forward", "seek_backward", "seek_start", "seek_end",
	"tell", "lock",
}

// Has reports whether every bit of other is permitted.
func (s State) Has(other State) bool {
	return s&other == other
}

func (s State) String() string {
	if s == StateNone {
		return "none"
	}
	var names []string
	for i, name := range stateNames {
		if s&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// ParseState parses a "|" separated list of permission names.
func ParseState(text string) (State, error) {
	if text == "" || text == "none" {
		return StateNone, nil
	}
	if text == "all" {
		return StateAll, nil
	}
	var s State
	for _, part := range strings.Split(text, "|") {
		found := false
		for i, name := range stateNames {
			if name == part {
				s |= 1 << i
				found = true
				break
			}
		}
		if !found {
			return StateNone, fmt.Errorf("unknown permission %q", part)
		}
	}
	return s, nil
}

// Op is one descriptor operation. Each op produces exactly one message.
type Op uint8

const (
	OpReadState Op = iota
	OpWriteState
	OpWalk
	OpList
	OpListPeek
	OpListSeekForward
	OpListSeekBackward
	OpListSeekStart
	OpListSeekEnd
	OpListTell
	OpMake
	OpRemove
	OpRename
	OpRead
	OpPeek
	OpInsert
	OpOverwrite
	OpTruncate
	OpSeekForward
	OpSeekBackward
	OpSeekStart
	OpSeekEnd
	OpTell

	opCount
)

var opNames = [opCount]string{
	"read_state", "write_state", "walk", "list", "list_peek",
	"list_seek_forward", "list_seek_backward", "list_seek_start",
	"list_seek_end", "list_tell", "make", "remove", "rename", "read", "peek",
	"insert", "overwrite", "truncate", "seek_forward", "seek_backward",
	"seek_start", "seek_end", "tell",
}

var opRequires = [opCount]State{
	OpReadState:        StateNone,
	OpWriteState:       StateLock,
	OpWalk:             StateWalk,
	OpList:             StateWalk,
	OpListPeek:         StateWalk,
	OpListSeekForward:  StateWalk,
	OpListSeekBackward: StateWalk,
	OpListSeekStart:    StateWalk,
	OpListSeekEnd:      StateWalk,
	OpListTell:         StateTell,
	OpMake:             StateMake,
	OpRemove:           StateRemove,
	OpRename:           StateRename,
	OpRead:             StateRead,
	OpPeek:             StateRead,
	OpInsert:           StateInsert,
	OpOverwrite:        StateOverwrite,
	OpTruncate:         StateTruncate,
	OpSeekForward:      StateSeekForward,
	OpSeekBackward:     StateSeekBackward,
	OpSeekStart:        StateSeekStart,
	OpSeekEnd:          StateSeekEnd,
	OpTell:             StateTell,
}

// Valid reports whether o names a known operation.
func (o Op) Valid() bool {
	return o < opCount
}

// Requires returns the permission bits o needs.
func (o Op) Requires() State {
	if !o.Valid() {
		return StateAll
	}
	return opRequires[o]
}

func (o Op) String() string {
	if !o.Valid() {
		return fmt.Sprintf("op(%d)", uint8(o))
	}
	return opNames[o]
}

// ParseOp returns the op with the given name.
func ParseOp(name string) (Op, error) {
	for i, n := range opNames {
		if n == name {
			return Op(i), nil
		}
	}
	return 0, fmt.Errorf("unknown descriptor operation %q", name)
}
