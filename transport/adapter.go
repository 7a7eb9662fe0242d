package transport

import (
	"groupkit/event"
	"groupkit/internal/logging"
	"groupkit/stack"
)

// Adapter is the bottommost stack layer bridging a Transport to a
// Stack: downward MSG events go out over the wire, and messages the
// Transport receives are injected back in at Stack.Up. It carries no
// membership, digest, or barrier semantics of its own — those belong to
// the reliable-delivery layer spec.md §1 treats as an external
// collaborator; Adapter only makes that collaborator's Send/Receive
// surface reachable from a Stack.
type Adapter struct {
	stack.Base
	transport Transport
}

// NewAdapter builds an Adapter over t. It installs itself as t's
// receiver immediately; the Stack it is eventually inserted into need
// not exist yet, since the receiver callback only fires after t.Start.
func NewAdapter(t Transport, log *logging.Logger) *Adapter {
	a := &Adapter{transport: t}
	a.Base = stack.NewBase("TRANSPORT", log)
	t.SetReceiver(func(msg *event.Message) {
		if s := a.Stack(); s != nil {
			s.Up(event.New(event.MSG, msg))
		}
	})
	return a
}

func (a *Adapter) Up(evt event.Event) (any, error) { return a.UpProt(evt) }

func (a *Adapter) Down(evt event.Event) (any, error) {
	if evt.Type == event.MSG {
		if msg, ok := evt.Arg.(*event.Message); ok && msg != nil {
			if err := a.transport.Send(msg); err != nil {
				a.Log.Error("send failed", err, map[string]any{"dest": msg.Dest})
			}
		}
		return nil, nil
	}
	return nil, nil
}
