// Package stack implements the C2 layered protocol stack: an ordered
// chain of Protocols, each with an upward and downward entry point,
// composed so events not consumed by a layer flow to its neighbor
// (spec.md §4.2).
package stack

import (
	"groupkit/event"
	"groupkit/internal/logging"
)

// Protocol is one layer of the stack. Up handles events ascending from
// the network toward the application; Down handles events descending
// from the application toward the network. A layer that does not
// consume an event should forward it to its neighbor and return the
// neighbor's result, which Base's UpProt/DownProt helpers do for
// embedders that don't need to intercept everything.
type Protocol interface {
	Name() string
	Init() error
	Start() error
	Stop()
	Up(evt event.Event) (any, error)
	Down(evt event.Event) (any, error)
	RequiredUpServices() []event.Type
	RequiredDownServices() []event.Type
	setNeighbors(up, down Protocol)
	upNeighbor() Protocol
	downNeighbor() Protocol
	setID(id int)
	id() int
	setStack(s *Stack)
}

// Base is embedded by concrete protocols to get the up/down neighbor
// bookkeeping and default forwarding behavior for free, the way
// org.jgroups.stack.Protocol gives every subclass up_prot/down_prot for
// free. Neighbors are non-owning references (spec.md §9): the Stack
// alone owns the Protocol values; Base only points at them.
type Base struct {
	name       string
	Log        *logging.Logger
	up, down   Protocol
	assignedID int
	stack      *Stack
}

// NewBase constructs a Base for a protocol named name, logging under
// that name.
func NewBase(name string, log *logging.Logger) Base {
	return Base{name: name, Log: log}
}

func (b *Base) Name() string { return b.name }

func (b *Base) setNeighbors(up, down Protocol) {
	b.up = up
	b.down = down
}

func (b *Base) upNeighbor() Protocol   { return b.up }
func (b *Base) downNeighbor() Protocol { return b.down }

func (b *Base) setID(id int) { b.assignedID = id }
func (b *Base) id() int      { return b.assignedID }
func (b *Base) ID() int      { return b.assignedID }

func (b *Base) setStack(s *Stack) { b.stack = s }

// Stack returns the Stack this protocol was inserted into, or nil if it
// has not been inserted anywhere yet. Layers use this sparingly: mainly
// to consult cross-cutting state like Stack.HasFlush that no single
// layer owns (spec.md §4.4's flush-aware short-circuit).
func (b *Base) Stack() *Stack { return b.stack }

// UpProt forwards evt to the neighbor above, if any. Layers at the top
// of the stack (the channel facade) have no upward neighbor and get
// (nil, nil) back.
func (b *Base) UpProt(evt event.Event) (any, error) {
	if b.up == nil {
		return nil, nil
	}
	return b.up.Up(evt)
}

// DownProt forwards evt to the neighbor below, if any.
func (b *Base) DownProt(evt event.Event) (any, error) {
	if b.down == nil {
		return nil, nil
	}
	return b.down.Down(evt)
}

// Init is a no-op default; protocols that need one-time setup override it.
func (b *Base) Init() error { return nil }

// Start is a no-op default.
func (b *Base) Start() error { return nil }

// Stop is a no-op default. Lifecycle operations must be idempotent
// (spec.md §4.2); a no-op trivially is.
func (b *Base) Stop() {}

// RequiredUpServices is empty by default: most layers pass everything
// through and require nothing special of their upward neighbor.
func (b *Base) RequiredUpServices() []event.Type { return nil }

// RequiredDownServices is empty by default.
func (b *Base) RequiredDownServices() []event.Type { return nil }
