package executor

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrShutdown is returned by Submit once a Service has been shut down.
var ErrShutdown = errors.New("executor: service is shut down")

// Service is the ExecutionService-equivalent submitter-side facade: it
// turns Protocol.Submit's raw request-id/channel pair into Futures, and
// layers InvokeAny/Shutdown/AwaitTermination on top.
type Service struct {
	proto *Protocol

	mu       sync.Mutex
	shutdown bool

	wg sync.WaitGroup
}

// NewService wraps proto in the ExecutionService surface.
func NewService(proto *Protocol) *Service {
	return &Service{proto: proto}
}

// Submit sends payload for execution by whichever consumer becomes
// available first, returning a Future for its outcome.
func (s *Service) Submit(payload []byte) (*Future, error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	reqID, resultCh, err := s.proto.Submit(payload)
	if err != nil {
		s.wg.Done()
		return nil, err
	}
	f := &Future{requestID: reqID, resultCh: resultCh, proto: s.proto, done: make(chan struct{})}
	go func() {
		f.Wait()
		s.wg.Done()
	}()
	return f, nil
}

// SubmitPortable submits a callable that has no shared Go type with the
// consumer: constructor names a ConstructorFunc registered on the
// consumer side's ConstructorRegistry, and args are its serialized
// parameters. Grounded on ExecutingServiceTest.testNonSerializableCallable's
// Executions.serializableCallable(constructor, value) call.
func (s *Service) SubmitPortable(constructor string, args [][]byte) (*Future, error) {
	body, err := PortableCallable{Constructor: constructor, Args: args}.Encode()
	if err != nil {
		return nil, fmt.Errorf("executor: encode portable callable: %w", err)
	}
	return s.Submit(body)
}

// InvokeAny submits every payload and returns the value of whichever
// completes first without error or cancellation, cancelling the rest.
func (s *Service) InvokeAny(payloads [][]byte) ([]byte, error) {
	if len(payloads) == 0 {
		return nil, errors.New("executor: invokeAny requires at least one callable")
	}

	futures := make([]*Future, len(payloads))
	for i, payload := range payloads {
		f, err := s.Submit(payload)
		if err != nil {
			for j := 0; j < i; j++ {
				futures[j].Cancel(true)
			}
			return nil, err
		}
		futures[i] = f
	}

	type outcome struct {
		idx int
		res Result
	}
	ch := make(chan outcome, len(futures))
	for i, f := range futures {
		go func(i int, f *Future) {
			ch <- outcome{i, f.Wait()}
		}(i, f)
	}

	winner := -1
	var winnerRes Result
	for range futures {
		o := <-ch
		if o.res.Err == nil && !o.res.Cancelled {
			winner = o.idx
			winnerRes = o.res
			break
		}
	}
	for i, f := range futures {
		if i != winner {
			f.Cancel(true)
		}
	}
	if winner < 0 {
		return nil, errors.New("executor: invokeAny: every callable failed or was cancelled")
	}
	return winnerRes.Value, nil
}

// Shutdown stops accepting new submissions; outstanding ones still run
// to completion.
func (s *Service) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
}

// ShutdownNow stops accepting new submissions and attempts to cancel
// every outstanding local submission, returning the owners it asked the
// coordinator to cancel.
func (s *Service) ShutdownNow() []Owner {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	p := s.proto
	p.pendingMu.Lock()
	owners := make([]Owner, 0, len(p.pendingSubmissions))
	for reqID := range p.pendingSubmissions {
		owners = append(owners, Owner{Address: p.localAddr(), RequestID: reqID})
	}
	p.pendingMu.Unlock()

	for _, o := range owners {
		if err := p.Cancel(o.RequestID, true); err != nil {
			p.Log.Error("shutdown now: cancel failed", err, map[string]any{"owner": o})
		}
	}
	return owners
}

// AwaitTermination blocks until every submission accepted before
// Shutdown has completed, or timeout elapses.
func (s *Service) AwaitTermination(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Future is a DistributedFuture-equivalent handle on a submitted task's
// eventual Result.
type Future struct {
	requestID uint64
	resultCh  <-chan Result
	proto     *Protocol

	once   sync.Once
	done   chan struct{}
	result Result
}

// Wait blocks until the task completes and returns its Result. Safe to
// call more than once or from more than one goroutine: only the first
// caller actually receives from resultCh, storing the outcome before
// closing done; every other caller, past or concurrent, just waits on
// done and reads the same stored Result.
func (f *Future) Wait() Result {
	f.once.Do(func() {
		f.result = <-f.resultCh
		close(f.done)
	})
	<-f.done
	return f.result
}

// Cancel asks the coordinator to cancel the task, forcibly interrupting
// it if already dispatched and mayInterrupt is set.
func (f *Future) Cancel(mayInterrupt bool) error {
	if err := f.proto.Cancel(f.requestID, mayInterrupt); err != nil {
		return fmt.Errorf("executor: cancel: %w", err)
	}
	return nil
}
