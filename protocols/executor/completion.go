package executor

import "time"

// CompletionService is the ExecutionCompletionService-equivalent
// wrapper: it submits through an underlying Service and hands futures
// back out in completion order rather than submission order.
type CompletionService struct {
	service   *Service
	completed chan *Future
}

// NewCompletionService wraps service, buffering up to capacity
// completed-but-unpolled futures. Submit itself never blocks; once the
// buffer is full, each further completed Future waits in its own
// goroutine until Take or Poll makes room.
func NewCompletionService(service *Service, capacity int) *CompletionService {
	if capacity <= 0 {
		capacity = 16
	}
	return &CompletionService{service: service, completed: make(chan *Future, capacity)}
}

// Submit behaves like Service.Submit, but also queues the Future for
// Poll/Take once it completes.
func (c *CompletionService) Submit(payload []byte) (*Future, error) {
	f, err := c.service.Submit(payload)
	if err != nil {
		return nil, err
	}
	go func() {
		f.Wait()
		c.completed <- f
	}()
	return f, nil
}

// Take blocks until a submitted Future completes, returning them in
// completion order.
func (c *CompletionService) Take() *Future {
	return <-c.completed
}

// Poll waits up to timeout for a completed Future, returning ok=false
// on timeout.
func (c *CompletionService) Poll(timeout time.Duration) (*Future, bool) {
	select {
	case f := <-c.completed:
		return f, true
	case <-time.After(timeout):
		return nil, false
	}
}
