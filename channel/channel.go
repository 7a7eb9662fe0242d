// Package channel implements the C7 facade: the single object an
// application talks to, sitting atop a node's protocol stack and
// transport.
package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"groupkit/event"
	"groupkit/internal/logging"
	"groupkit/protocols/statetransfer"
	"groupkit/stack"
	"groupkit/transport"
	"groupkit/view"
)

// Errors a Channel operation can fail with, per spec.md §7's error
// taxonomy: channel-closed and null-argument are rejected synchronously.
var (
	ErrClosed       = errors.New("channel: closed")
	ErrNotConnected = errors.New("channel: not connected")
	ErrNilMessage   = errors.New("channel: message is nil")
)

// Receiver gets views and messages delivered from a channel's dedicated
// up-thread, mirroring org.jgroups.ReceiverAdapter's viewAccepted/receive
// callbacks being invoked off JGroups' up-handler thread rather than an
// I/O thread.
type Receiver interface {
	ViewAccepted(v view.View)
	Receive(msg *event.Message)
}

// StateProvider is an optional extension a Receiver may also implement
// to answer this node's GET_APPLSTATE request: the bytes state-transfer
// hands to a peer that calls GetState against this channel.
type StateProvider interface {
	GetLocalState() []byte
}

type state int

const (
	stateOpen state = iota
	stateConnected
	stateClosed
)

// Channel is the topmost layer of a node's stack: connect/disconnect/close,
// send, get_state, and the view/address/receiver accessors spec.md §4.6
// enumerates.
type Channel struct {
	stack.Base

	local      view.Address
	underlying *stack.Stack
	transport  transport.Transport

	mu          sync.Mutex
	st          state
	clusterName string
	currentView view.View
	receiver    Receiver

	transportStarted bool

	upCh     chan event.Event
	upStop   chan struct{}
	upActive bool

	stateMu      sync.Mutex
	stateWaiters []chan *statetransfer.Info
}

// New builds a Channel bound to local's address, inserts it as the
// topmost layer of s, and wires it to t. Every other layer of s must
// already be inserted; New only adds the facade.
func New(local view.Address, s *stack.Stack, t transport.Transport, log *logging.Logger) *Channel {
	c := &Channel{
		local:      local,
		underlying: s,
		transport:  t,
		upCh:       make(chan event.Event, 256),
	}
	c.Base = stack.NewBase("CHANNEL", log)
	s.InsertAtTop(c)
	return c
}

// Up receives events ascending from the stack. It never runs
// ViewAccepted or Receive inline: VIEW_CHANGE and MSG are handed to the
// channel's dedicated up-thread and Up returns immediately, so a slow
// receiver cannot stall the layers below it on those events.
// GET_STATE_OK and GET_APPLSTATE are answered synchronously; the latter
// calls the receiver's GetLocalState inline.
func (c *Channel) Up(evt event.Event) (any, error) {
	switch evt.Type {
	case event.VIEW_CHANGE:
		if v, ok := evt.Arg.(view.View); ok {
			c.mu.Lock()
			c.currentView = v
			c.mu.Unlock()
		}
		c.enqueueUp(evt)
	case event.MSG:
		c.enqueueUp(evt)
	case event.GET_STATE_OK:
		c.resolveGetState(evt)
	case event.GET_APPLSTATE:
		return c.provideLocalState(), nil
	}
	return nil, nil
}

// resolveGetState hands a GET_STATE_OK's payload to the oldest
// outstanding GetState call, if any. Handled synchronously here rather
// than via the up-thread queue, since GetState blocks a caller
// synchronously on it and must not wait behind buffered MSG/VIEW_CHANGE
// deliveries.
func (c *Channel) resolveGetState(evt event.Event) {
	info, ok := evt.Arg.(*statetransfer.Info)
	if !ok || info == nil {
		info = &statetransfer.Info{}
	}
	c.stateMu.Lock()
	if len(c.stateWaiters) == 0 {
		c.stateMu.Unlock()
		return
	}
	w := c.stateWaiters[0]
	c.stateWaiters = c.stateWaiters[1:]
	c.stateMu.Unlock()
	w <- info
}

// provideLocalState answers a GET_APPLSTATE request ascending from
// state-transfer with the current receiver's state, if it implements
// StateProvider.
func (c *Channel) provideLocalState() *statetransfer.Info {
	c.mu.Lock()
	r := c.receiver
	c.mu.Unlock()
	if sp, ok := r.(StateProvider); ok {
		return &statetransfer.Info{State: sp.GetLocalState()}
	}
	return &statetransfer.Info{}
}

func (c *Channel) removeStateWaiter(ch chan *statetransfer.Info) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for i, w := range c.stateWaiters {
		if w == ch {
			c.stateWaiters = append(c.stateWaiters[:i], c.stateWaiters[i+1:]...)
			return
		}
	}
}

// Down forwards evt downward. Channel is always the topmost layer, so
// this only matters if something above it ever exists; kept for
// interface completeness and symmetry with Up.
func (c *Channel) Down(evt event.Event) (any, error) { return c.DownProt(evt) }

func (c *Channel) enqueueUp(evt event.Event) {
	select {
	case c.upCh <- evt:
	default:
		c.Log.Warn("up-thread queue full, dropping event", map[string]any{"type": evt.Type.String()})
	}
}

func (c *Channel) runUpThread() {
	for {
		select {
		case evt := <-c.upCh:
			c.deliver(evt)
		case <-c.upStop:
			return
		}
	}
}

func (c *Channel) deliver(evt event.Event) {
	c.mu.Lock()
	r := c.receiver
	c.mu.Unlock()
	if r == nil {
		return
	}
	switch evt.Type {
	case event.VIEW_CHANGE:
		if v, ok := evt.Arg.(view.View); ok {
			r.ViewAccepted(v)
		}
	case event.MSG:
		if msg, ok := evt.Arg.(*event.Message); ok {
			r.Receive(msg)
		}
	}
}

// Connect starts the stack and transport (idempotently) and joins
// clusterName. Connecting while already connected disconnects first,
// mirroring JChannel.connect's reconnect behavior.
func (c *Channel) Connect(clusterName string) error {
	c.mu.Lock()
	switch c.st {
	case stateClosed:
		c.mu.Unlock()
		return ErrClosed
	case stateConnected:
		c.mu.Unlock()
		if err := c.Disconnect(); err != nil {
			return err
		}
		c.mu.Lock()
	}
	c.mu.Unlock()

	if err := c.underlying.Start(); err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	c.mu.Lock()
	if !c.transportStarted {
		c.mu.Unlock()
		if err := c.transport.Start(); err != nil {
			return fmt.Errorf("channel: start transport: %w", err)
		}
		c.mu.Lock()
		c.transportStarted = true
	}
	c.mu.Unlock()

	if _, err := c.underlying.Down(event.New(event.SET_LOCAL_ADDRESS, c.local)); err != nil {
		return fmt.Errorf("channel: set local address: %w", err)
	}

	c.mu.Lock()
	c.clusterName = clusterName
	c.st = stateConnected
	if !c.upActive {
		c.upStop = make(chan struct{})
		c.upActive = true
		go c.runUpThread()
	}
	c.mu.Unlock()
	return nil
}

// Disconnect leaves the cluster without tearing down the stack; a
// disconnected channel can Connect again.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == stateClosed {
		return ErrClosed
	}
	if c.st != stateConnected {
		return nil
	}
	c.st = stateOpen
	c.clusterName = ""
	c.currentView = view.View{}
	return nil
}

// Close disconnects if necessary and permanently closes the channel.
// Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.st == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.st = stateClosed
	c.clusterName = ""
	c.currentView = view.View{}
	stopUp := c.upActive
	var stopCh chan struct{}
	if stopUp {
		stopCh = c.upStop
		c.upActive = false
	}
	c.mu.Unlock()

	if stopUp {
		close(stopCh)
	}
	c.transport.Stop()
	c.underlying.Stop()
	return nil
}

// Send delivers msg. msg.Dest nil means multicast to the whole view.
func (c *Channel) Send(msg *event.Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	c.mu.Lock()
	connected := c.st == stateConnected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	m := *msg
	m.Src = c.local
	if _, err := c.underlying.Down(event.New(event.MSG, &m)); err != nil {
		return fmt.Errorf("channel: send: %w", err)
	}
	return nil
}

// GetState requests state from target (or the coordinator, if target is
// nil), suspending the caller until a matching GET_STATE_OK arrives or
// timeout elapses, and returns the received state (nil for a synthetic
// null response, per spec.md §4.6).
func (c *Channel) GetState(target *view.Address, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	connected := c.st == stateConnected
	c.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	resultCh, err := c.beginGetState(target, timeout)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-resultCh:
		return res.State, nil
	case <-time.After(timeout):
		c.removeStateWaiter(resultCh)
		return nil, fmt.Errorf("channel: get state: timed out after %s", timeout)
	}
}

// beginGetState registers a waiter for the next GET_STATE_OK and fires
// the downward GET_STATE request, returning once the request has been
// handed to the stack (split out of GetState so tests can drive the
// provider-crash timing deterministically between the request and the
// view change that resolves it).
func (c *Channel) beginGetState(target *view.Address, timeout time.Duration) (chan *statetransfer.Info, error) {
	resultCh := make(chan *statetransfer.Info, 1)
	c.stateMu.Lock()
	c.stateWaiters = append(c.stateWaiters, resultCh)
	c.stateMu.Unlock()

	info := &statetransfer.Info{Target: target, Timeout: timeout}
	if _, err := c.underlying.Down(event.New(event.GET_STATE, info)); err != nil {
		c.removeStateWaiter(resultCh)
		return nil, fmt.Errorf("channel: get state: %w", err)
	}
	return resultCh, nil
}

// SetReceiver installs r as the target of future ViewAccepted/Receive
// callbacks, replacing any previous receiver.
func (c *Channel) SetReceiver(r Receiver) {
	c.mu.Lock()
	c.receiver = r
	c.mu.Unlock()
}

// GetView returns the last view delivered while connected, or the zero
// View if not connected.
func (c *Channel) GetView() view.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != stateConnected {
		return view.View{}
	}
	return c.currentView
}

// GetAddress returns the channel's local address while connected, or
// the zero Address otherwise.
func (c *Channel) GetAddress() view.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != stateConnected {
		return view.Address{}
	}
	return c.local
}

// GetClusterName returns the name passed to the most recent Connect, or
// "" if not connected.
func (c *Channel) GetClusterName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clusterName
}

// IsOpen reports whether the channel has not been closed.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st != stateClosed
}

// IsConnected reports whether the channel is currently connected.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == stateConnected
}
