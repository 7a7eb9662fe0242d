// Package transport implements the wire path a Stack's bottommost layer
// hands messages to: something that gets a Message from one node's
// local address to another's. Real deployments plug in TCP; tests and
// the demo binary use the in-memory Loopback in loopback.go.
package transport

import "groupkit/event"

// Transport is the network-facing collaborator the bottommost stack
// layer talks to. It knows nothing about views, digests, or state
// transfer: it moves bytes between addresses, the way the teacher's
// PriorityNetwork moves ConsOutMsg between replica ids without
// understanding what a block is.
type Transport interface {
	// Send delivers msg to msg.Dest, or to every known peer, the sender
	// included, if msg.Dest is nil (multicast).
	Send(msg *event.Message) error

	// SetReceiver installs the callback invoked for every Message this
	// transport receives, including ones it multicasts to itself.
	SetReceiver(fn func(*event.Message))

	// Start begins accepting and dispatching messages.
	Start() error

	// Stop shuts the transport down. Idempotent.
	Stop()
}
