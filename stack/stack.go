package stack

import (
	"fmt"

	"groupkit/event"
	"groupkit/internal/logging"
)

// ConfigError reports a fatal stack misconfiguration: a required
// up/down service unmet, or two protocols disagreeing about being the
// sole owner of some cross-cutting concern (state-transfer detects this
// itself via a CONFIG event, see protocols/statetransfer). Per spec.md
// §7 this is surfaced as a channel-creation failure, never a panic.
type ConfigError struct {
	Protocol string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("stack: %s: %s", e.Protocol, e.Reason)
}

// Stack is an ordered chain of Protocols, bottom to top. It is the sole
// owner of every Protocol in the chain; Protocols only hold non-owning
// references to their immediate neighbors (spec.md §9).
type Stack struct {
	layers   []Protocol // index 0 = bottom, last = top
	registry *event.Registry
	log      *logging.Logger
	started  bool
	flush    bool
}

// New builds an empty Stack. registry assigns protocol ids as layers are
// inserted.
func New(registry *event.Registry, log *logging.Logger) *Stack {
	return &Stack{registry: registry, log: log}
}

// InsertAtTop adds p as the new topmost layer.
func (s *Stack) InsertAtTop(p Protocol) {
	p.setID(s.registry.IDFor(p.Name()))
	p.setStack(s)
	if len(s.layers) > 0 {
		old := s.layers[len(s.layers)-1]
		old.setNeighbors(p, neighborDown(old))
		p.setNeighbors(nil, old)
	} else {
		p.setNeighbors(nil, nil)
	}
	s.layers = append(s.layers, p)
}

// InsertAtBottom adds p as the new bottommost layer.
func (s *Stack) InsertAtBottom(p Protocol) {
	p.setStack(s)
	if len(s.layers) > 0 {
		old := s.layers[0]
		old.setNeighbors(neighborUp(old), p)
		p.setNeighbors(old, nil)
	} else {
		p.setNeighbors(nil, nil)
	}
	p.setID(s.registry.IDFor(p.Name()))
	s.layers = append([]Protocol{p}, s.layers...)
}

// FindByType returns the first layer for which match returns true, and
// whether one was found.
func (s *Stack) FindByType(match func(Protocol) bool) (Protocol, bool) {
	for _, l := range s.layers {
		if match(l) {
			return l, true
		}
	}
	return nil, false
}

// Top returns the topmost layer (nearest the application), or nil for
// an empty stack.
func (s *Stack) Top() Protocol {
	if len(s.layers) == 0 {
		return nil
	}
	return s.layers[len(s.layers)-1]
}

// Bottom returns the bottommost layer (nearest the network), or nil for
// an empty stack.
func (s *Stack) Bottom() Protocol {
	if len(s.layers) == 0 {
		return nil
	}
	return s.layers[0]
}

// Start initializes and starts every layer bottom-to-top, validating
// before starting anything that each layer declaring required down
// services has a layer below it and each layer declaring required up
// services has a layer above it. Which events those neighbors actually
// honor is not checked. Fails loudly (spec.md §4.2): a stack that fails
// this check never partially starts.
func (s *Stack) Start() error {
	if s.started {
		return nil
	}
	if err := s.validate(); err != nil {
		return err
	}
	for _, l := range s.layers {
		if err := l.Init(); err != nil {
			return &ConfigError{Protocol: l.Name(), Reason: err.Error()}
		}
	}
	for _, l := range s.layers {
		if err := l.Start(); err != nil {
			return &ConfigError{Protocol: l.Name(), Reason: err.Error()}
		}
	}
	s.started = true
	return nil
}

// Stop stops every layer top-to-bottom. Idempotent.
func (s *Stack) Stop() {
	if !s.started {
		return
	}
	for i := len(s.layers) - 1; i >= 0; i-- {
		s.layers[i].Stop()
	}
	s.started = false
}

// Up injects evt into the bottommost layer, the entry point for events
// ascending from the network.
func (s *Stack) Up(evt event.Event) (any, error) {
	b := s.Bottom()
	if b == nil {
		return nil, nil
	}
	return b.Up(evt)
}

// Down injects evt into the topmost layer, the entry point for events
// descending from the application.
func (s *Stack) Down(evt event.Event) (any, error) {
	if evt.Type == event.CONFIG {
		if bag, ok := evt.Arg.(event.ConfigBag); ok {
			if v, ok := bag["flush_supported"]; ok {
				if b, ok := v.(bool); ok && b {
					s.flush = true
				}
			}
		}
	}
	t := s.Top()
	if t == nil {
		return nil, nil
	}
	return t.Down(evt)
}

// HasFlush reports whether a CONFIG{flush_supported: true} event has
// been passed to this Stack's Down; a CONFIG event exchanged directly
// between layers is not observed. When true,
// state-transfer skips digest capture and barrier closing entirely
// (spec.md §4.4's isDigestNeeded short-circuit).
func (s *Stack) HasFlush() bool { return s.flush }

func (s *Stack) validate() error {
	for i, l := range s.layers {
		if len(l.RequiredDownServices()) > 0 && i == 0 {
			return &ConfigError{Protocol: l.Name(), Reason: "requires a lower layer but is the bottommost layer"}
		}
		if len(l.RequiredUpServices()) > 0 && i == len(s.layers)-1 {
			return &ConfigError{Protocol: l.Name(), Reason: "requires an upper layer but is the topmost layer"}
		}
	}
	return nil
}

func neighborUp(p Protocol) Protocol   { return p.upNeighbor() }
func neighborDown(p Protocol) Protocol { return p.downNeighbor() }
