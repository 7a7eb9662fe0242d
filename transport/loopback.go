package transport

import (
	"fmt"
	"sync"

	"groupkit/event"
	"groupkit/view"
)

// Hub is a shared in-process directory of Loopback transports, the
// in-memory stand-in for the IP directory the teacher's PriorityNetwork
// reads from drtips.txt (network/priority/network.go's ReadIPs). Every
// Loopback registers itself with a Hub at construction so its peers can
// find it by address without a real socket.
type Hub struct {
	mu    sync.RWMutex
	peers map[view.Address]*Loopback
}

// NewHub builds an empty peer directory.
func NewHub() *Hub {
	return &Hub{peers: make(map[view.Address]*Loopback)}
}

func (h *Hub) register(addr view.Address, lb *Loopback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[addr] = lb
}

func (h *Hub) unregister(addr view.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, addr)
}

func (h *Hub) lookup(addr view.Address) (*Loopback, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	lb, ok := h.peers[addr]
	return lb, ok
}

func (h *Hub) all() []*Loopback {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Loopback, 0, len(h.peers))
	for _, lb := range h.peers {
		out = append(out, lb)
	}
	return out
}

// Loopback is an in-memory Transport, one per node, connected through a
// shared Hub instead of TCP sockets. It plays the role of the teacher's
// PriorityNetwork.Cons: a buffered inbox per node, shared by all senders,
// that a dedicated goroutine drains and dispatches to the installed
// receiver.
type Loopback struct {
	addr    view.Address
	hub     *Hub
	inbox   chan *event.Message
	recv    func(*event.Message)
	recvMu  sync.RWMutex
	stopped chan struct{}
	once    sync.Once
}

// NewLoopback builds a Loopback for addr on hub and registers it
// immediately so peers created afterward can address it.
func NewLoopback(addr view.Address, hub *Hub) *Loopback {
	lb := &Loopback{
		addr:    addr,
		hub:     hub,
		inbox:   make(chan *event.Message, 256),
		stopped: make(chan struct{}),
	}
	hub.register(addr, lb)
	return lb
}

func (lb *Loopback) SetReceiver(fn func(*event.Message)) {
	lb.recvMu.Lock()
	defer lb.recvMu.Unlock()
	lb.recv = fn
}

// Start launches the dispatch loop that drains inbox and hands each
// Message to the installed receiver, mirroring HandleConn's
// accept-and-route loop without the TCP accept.
func (lb *Loopback) Start() error {
	go lb.dispatch()
	return nil
}

func (lb *Loopback) dispatch() {
	for {
		select {
		case msg := <-lb.inbox:
			lb.recvMu.RLock()
			fn := lb.recv
			lb.recvMu.RUnlock()
			if fn != nil {
				fn(msg)
			}
		case <-lb.stopped:
			return
		}
	}
}

// Stop deregisters lb from its hub and halts its dispatch loop.
// Idempotent.
func (lb *Loopback) Stop() {
	lb.once.Do(func() {
		lb.hub.unregister(lb.addr)
		close(lb.stopped)
	})
}

// Send delivers msg to msg.Dest's inbox, or every registered peer's
// inbox (including lb's own) when msg.Dest is nil.
func (lb *Loopback) Send(msg *event.Message) error {
	if msg.Dest == nil {
		for _, peer := range lb.hub.all() {
			peer.deliver(msg)
		}
		return nil
	}
	peer, ok := lb.hub.lookup(*msg.Dest)
	if !ok {
		return fmt.Errorf("transport: no such peer %v", *msg.Dest)
	}
	peer.deliver(msg)
	return nil
}

func (lb *Loopback) deliver(msg *event.Message) {
	select {
	case lb.inbox <- msg:
	case <-lb.stopped:
	}
}
