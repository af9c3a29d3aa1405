// Package dialogue implements the conversation state machines that
// constrain which message schemas are legal at each point of an
// agent-to-agent exchange, and the per-session engine that enforces
// them.
package dialogue

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSuchTransition reports a message schema with no edge out of
	// the session's current state. The session keeps its prior state.
	ErrNoSuchTransition = errors.New("dialogue: no such transition")

	// ErrOutOfTurn reports a message from the participant whose turn
	// it is not. The session keeps its prior state.
	ErrOutOfTurn = errors.New("dialogue: out of turn")

	// ErrSessionExpired reports a session idle past the engine's
	// timeout.
	ErrSessionExpired = errors.New("dialogue: session expired")

	// ErrSessionClosed reports a message on a session that already
	// reached a terminal state. Start a fresh session id instead.
	ErrSessionClosed = errors.New("dialogue: session closed")

	// ErrSessionNotFound is returned by stores for unknown session ids.
	ErrSessionNotFound = errors.New("dialogue: session not found")

	// ErrUnknownDialogue reports an envelope whose protocol digest has
	// no dialogue attached to the engine.
	ErrUnknownDialogue = errors.New("dialogue: no dialogue for protocol")

	// ErrInvalidGraph reports a dialogue definition that fails
	// construction-time validation.
	ErrInvalidGraph = errors.New("dialogue: invalid graph")
)

// Direction says which session participant a transition belongs to.
// Only that participant may trigger the edge.
type Direction int

const (
	// InitiatorToResponder: the participant that opened the session
	// sends this message.
	InitiatorToResponder Direction = iota
	// ResponderToInitiator: the other participant sends it.
	ResponderToInitiator
)

func (d Direction) String() string {
	if d == InitiatorToResponder {
		return "initiator->responder"
	}
	return "responder->initiator"
}

// StateID indexes a state node in a dialogue's arena. IDs are only
// meaningful within the dialogue that issued them.
type StateID int

// NoState is the zero-value-safe sentinel for "no state".
const NoState StateID = -1

type state struct {
	name     string
	terminal bool
}

// edge is one labeled transition. Source and destination are arena
// indices, which keeps cyclic graphs (terminal looping back to
// initial) free of ownership knots.
type edge struct {
	from, to StateID
	schema   string
	dir      Direction
	handler  Handler
}

// Dialogue is an immutable, validated conversation graph. Build it
// with a Builder; a Dialogue that exists always satisfies the graph
// invariants (one initial state, at least one terminal state, every
// state reachable from the initial one).
type Dialogue struct {
	name    string
	states  []state
	edges   []edge
	initial StateID
	// out[s] lists indices into edges for transitions leaving s.
	out [][]int
}

// Name returns the dialogue's name.
func (d *Dialogue) Name() string { return d.name }

// Initial returns the designated initial state.
func (d *Dialogue) Initial() StateID { return d.initial }

// StateName returns the name of a state, or "" for NoState.
func (d *Dialogue) StateName(id StateID) string {
	if id < 0 || int(id) >= len(d.states) {
		return ""
	}
	return d.states[id].name
}

// Terminal reports whether id is a terminal state.
func (d *Dialogue) Terminal(id StateID) bool {
	if id < 0 || int(id) >= len(d.states) {
		return false
	}
	return d.states[id].terminal
}

// match finds the transition out of from labeled with schema.
func (d *Dialogue) match(from StateID, schema string) (edge, bool) {
	for _, i := range d.out[from] {
		if d.edges[i].schema == schema {
			return d.edges[i], true
		}
	}
	return edge{}, false
}

func (d *Dialogue) String() string {
	return fmt.Sprintf("Dialogue{%s, %d states, %d transitions}", d.name, len(d.states), len(d.edges))
}
