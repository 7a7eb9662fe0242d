package executor

import (
	"fmt"
	"sync"
)

// Execute runs a dispatched task's payload and reports its outcome.
// cancel fires if a CANCEL_REQUEST for this task arrives while it is
// running; an Execute that honors it should stop promptly and return
// cancelled=true rather than a value or error.
type Execute func(payload []byte, cancel <-chan struct{}) (result []byte, err error, cancelled bool)

// Runner is the ExecutionRunner-equivalent consumer loop: advertise
// readiness, block for a dispatch, execute, reply, repeat. One Runner
// occupies one node's consumer role at a time.
type Runner struct {
	proto   *Protocol
	execute Execute
	stopCh  chan struct{}
}

// NewRunner builds a Runner bound to proto, executing dispatched
// payloads with execute.
func NewRunner(proto *Protocol, execute Execute) *Runner {
	return &Runner{proto: proto, execute: execute, stopCh: make(chan struct{})}
}

// Run blocks, advertising readiness and executing dispatched tasks
// until Stop is called.
func (r *Runner) Run() {
	for {
		r.proto.AdvertiseReady()
		frame, ok := r.proto.NextDispatch(r.stopCh)
		if !ok {
			r.proto.AdvertiseUnready()
			return
		}

		cancel := r.proto.beginExecuting(frame.Owner)
		result, execErr, cancelled := r.execute(frame.Body, cancel)
		r.proto.finishExecuting()

		switch {
		case cancelled:
			r.proto.sendResult(frame.Owner, TaskCancelled, nil)
		case execErr != nil:
			r.proto.sendResult(frame.Owner, TaskException, []byte(execErr.Error()))
		default:
			r.proto.sendResult(frame.Owner, TaskResult, result)
		}
	}
}

// Stop ends the Run loop after any task currently executing finishes.
func (r *Runner) Stop() { close(r.stopCh) }

// ConstructorFunc reconstructs and runs a PortableCallable's args on the
// consumer side, honoring cancel the same way Execute does.
type ConstructorFunc func(args [][]byte, cancel <-chan struct{}) (result []byte, err error, cancelled bool)

// ConstructorRegistry resolves a PortableCallable's constructor name to
// a ConstructorFunc, the consumer-side counterpart to
// Service.SubmitPortable: it lets a submitter hand over a callable that
// has no shared Go type with the consumer, the same way
// Executions.serializableCallable lets a JVM-less consumer reconstruct
// a non-Serializable Callable from a constructor descriptor and args.
type ConstructorRegistry struct {
	mu    sync.RWMutex
	funcs map[string]ConstructorFunc
}

// NewConstructorRegistry builds an empty registry.
func NewConstructorRegistry() *ConstructorRegistry {
	return &ConstructorRegistry{funcs: make(map[string]ConstructorFunc)}
}

// Register binds name to fn, replacing any previous binding.
func (r *ConstructorRegistry) Register(name string, fn ConstructorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Execute is an Execute adapter: it decodes payload as a
// PortableCallable and dispatches to the constructor it names. Pass it
// to NewRunner to run a consumer that only ever receives portable
// callables.
func (r *ConstructorRegistry) Execute(payload []byte, cancel <-chan struct{}) ([]byte, error, bool) {
	pc, err := DecodePortableCallable(payload)
	if err != nil {
		return nil, fmt.Errorf("executor: decode portable callable: %w", err), false
	}
	r.mu.RLock()
	fn, ok := r.funcs[pc.Constructor]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("executor: no constructor registered for %q", pc.Constructor), false
	}
	return fn(pc.Args, cancel)
}
