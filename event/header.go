package event

import (
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Header is a polymorphic, protocol-owned value keyed by protocol id in
// a Message's header map. Each variant provides a serialization
// contract (spec.md §4.1): a byte-stream codec and a size used for
// framing budgets.
type Header interface {
	WriteTo(w io.Writer) error
	ReadFrom(r io.Reader) error
	Size() int
}

// Registry is the one piece of process-wide state the whole stack
// needs (spec.md §9): a name→id mapping for protocols, populated before
// any Stack built from those protocols starts. It must never be mutated
// concurrently with a running Stack.
type Registry struct {
	mu   sync.Mutex
	ids  map[string]int
	next int
}

// NewRegistry returns an empty protocol-id registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]int)}
}

// IDFor returns the id assigned to name, assigning the next free id on
// first use. Stable for the lifetime of the Registry.
func (r *Registry) IDFor(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[name]; ok {
		return id
	}
	id := r.next
	r.next++
	r.ids[name] = id
	return id
}

// ConfigBag is the map[string]any carried by a CONFIG event
// (spec.md §3). In-process it is passed as a plain map; EncodeConfigBag
// and DecodeConfigBag turn it into bytes and back for a transport that
// needs to send it over a wire, using structpb.Struct rather than a
// hand-rolled encoding since it is already a generic string-keyed map of
// scalars. No transport in this module calls them: the in-memory
// Loopback passes Messages by pointer.
type ConfigBag map[string]any

// EncodeConfigBag marshals a ConfigBag to protobuf bytes via
// structpb.Struct.
func EncodeConfigBag(bag ConfigBag) ([]byte, error) {
	s, err := structpb.NewStruct(bag)
	if err != nil {
		return nil, fmt.Errorf("event: encode config bag: %w", err)
	}
	return proto.Marshal(s)
}

// DecodeConfigBag reverses EncodeConfigBag.
func DecodeConfigBag(b []byte) (ConfigBag, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("event: decode config bag: %w", err)
	}
	return ConfigBag(s.AsMap()), nil
}
