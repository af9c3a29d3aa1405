package dialogue

import (
	"fmt"
)

// Builder assembles a Dialogue. Methods record definitions and defer
// all validation to Build, so error handling happens once.
type Builder struct {
	name     string
	states   []state
	byName   map[string]StateID
	initial  StateID
	edges    []edgeDef
	firstErr error
}

type edgeDef struct {
	from, to string
	schema   string
	dir      Direction
	handler  Handler
}

// New starts a dialogue definition.
func New(name string) *Builder {
	return &Builder{
		name:    name,
		byName:  make(map[string]StateID),
		initial: NoState,
	}
}

// StateOption configures a state being added.
type StateOption func(*state, *Builder, StateID)

// Initial marks the state as the dialogue's initial state. Exactly one
// state must carry it.
func Initial() StateOption {
	return func(s *state, b *Builder, id StateID) {
		if b.initial != NoState {
			b.fail(fmt.Errorf("%w: both %s and %s marked initial", ErrInvalidGraph, b.states[b.initial].name, s.name))
			return
		}
		b.initial = id
	}
}

// Terminal marks the state as terminal. Reaching it closes the session.
func Terminal() StateOption {
	return func(s *state, _ *Builder, _ StateID) {
		s.terminal = true
	}
}

// State adds a named state.
func (b *Builder) State(name string, opts ...StateOption) *Builder {
	if _, dup := b.byName[name]; dup {
		b.fail(fmt.Errorf("%w: duplicate state %s", ErrInvalidGraph, name))
		return b
	}
	id := StateID(len(b.states))
	b.states = append(b.states, state{name: name})
	b.byName[name] = id
	for _, opt := range opts {
		opt(&b.states[id], b, id)
	}
	return b
}

// Transition adds a labeled edge. handler may be nil; when set it runs
// on the receiving side after the session advances over this edge.
func (b *Builder) Transition(from, to, schema string, dir Direction, handler Handler) *Builder {
	b.edges = append(b.edges, edgeDef{from: from, to: to, schema: schema, dir: dir, handler: handler})
	return b
}

func (b *Builder) fail(err error) {
	if b.firstErr == nil {
		b.firstErr = err
	}
}

// Build validates the definition and returns the immutable Dialogue.
// Validation requires: one initial state, at least one terminal state,
// every edge endpoint defined, unique schema labels per source state,
// and every state reachable from the initial state.
func (b *Builder) Build() (*Dialogue, error) {
	if b.firstErr != nil {
		return nil, b.firstErr
	}
	if b.name == "" {
		return nil, fmt.Errorf("%w: dialogue name is required", ErrInvalidGraph)
	}
	if b.initial == NoState {
		return nil, fmt.Errorf("%w: no initial state", ErrInvalidGraph)
	}
	hasTerminal := false
	for _, s := range b.states {
		if s.terminal {
			hasTerminal = true
			break
		}
	}
	if !hasTerminal {
		return nil, fmt.Errorf("%w: no terminal state", ErrInvalidGraph)
	}

	d := &Dialogue{
		name:    b.name,
		states:  append([]state(nil), b.states...),
		initial: b.initial,
		out:     make([][]int, len(b.states)),
	}
	for _, def := range b.edges {
		from, ok := b.byName[def.from]
		if !ok {
			return nil, fmt.Errorf("%w: transition %s from unknown state %s", ErrInvalidGraph, def.schema, def.from)
		}
		to, ok := b.byName[def.to]
		if !ok {
			return nil, fmt.Errorf("%w: transition %s to unknown state %s", ErrInvalidGraph, def.schema, def.to)
		}
		for _, i := range d.out[from] {
			if d.edges[i].schema == def.schema {
				return nil, fmt.Errorf("%w: state %s has two transitions labeled %s", ErrInvalidGraph, def.from, def.schema)
			}
		}
		d.edges = append(d.edges, edge{from: from, to: to, schema: def.schema, dir: def.dir, handler: def.handler})
		d.out[from] = append(d.out[from], len(d.edges)-1)
	}

	if unreached := d.unreachable(); len(unreached) > 0 {
		return nil, fmt.Errorf("%w: states unreachable from %s: %v", ErrInvalidGraph, d.states[d.initial].name, unreached)
	}
	return d, nil
}

// unreachable runs a depth-first traversal from the initial state and
// returns the names of states the traversal never visits.
func (d *Dialogue) unreachable() []string {
	visited := make([]bool, len(d.states))
	stack := []StateID{d.initial}
	visited[d.initial] = true
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, i := range d.out[s] {
			next := d.edges[i].to
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	var missing []string
	for i, ok := range visited {
		if !ok {
			missing = append(missing, d.states[i].name)
		}
	}
	return missing
}
