// Package executor implements the C6 distributed executor protocol: a
// coordinator-mediated task queue that matches submitted callables
// against ready consumers, with resend-on-failover so a coordinator
// crash never silently drops a submission (spec.md §4.5).
package executor

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"groupkit/event"
	"groupkit/internal/logging"
	"groupkit/internal/store"
	"groupkit/stack"
	"groupkit/view"
)

// taskState tracks a pending task record's lifecycle at the coordinator
// (spec.md §3's {owner, callable_bytes, assigned_consumer?, state}).
type taskState int

const (
	stateQueued taskState = iota
	stateDispatched
	stateCancelled
)

type pendingTask struct {
	owner            Owner
	payload          []byte
	assignedConsumer *view.Address
	state            taskState
}

// pendingSubmission is a local submitter's bookkeeping for a request it
// originated: the callable it sent (kept around for resend-on-failover)
// and the channel its eventual result lands on.
type pendingSubmission struct {
	payload  []byte
	resultCh chan Result
}

// Result is what a Future resolves to: either a value, a task-side
// error, or a cancellation.
type Result struct {
	Value     []byte
	Err       error
	Cancelled bool
}

// cancelToken is fired at most once to interrupt a task a Runner is
// currently executing.
type cancelToken struct {
	ch   chan struct{}
	once sync.Once
}

func newCancelToken() *cancelToken { return &cancelToken{ch: make(chan struct{})} }
func (c *cancelToken) fire()       { c.once.Do(func() { close(c.ch) }) }
func (c *cancelToken) C() <-chan struct{} {
	if c == nil {
		return nil
	}
	return c.ch
}

// Protocol is the CENTRAL_EXECUTOR-equivalent layer: every node runs
// one, but only the current view coordinator's copy holds live queue
// state. Submitters and consumers address it via Submit/Cancel and
// AdvertiseReady/NextDispatch respectively; wire traffic is entirely
// Frame-headed MSG events.
type Protocol struct {
	stack.Base

	addrMu sync.RWMutex
	local  view.Address

	viewMu  sync.Mutex
	members view.View

	// consumerLock guards the coordinator-side queues, mirroring the
	// original CENTRAL_EXECUTOR's single _consumerLock over
	// _awaitingConsumer and _runRequests.
	consumerLock     sync.Mutex
	awaitingConsumer []view.Address
	runRequests      []*pendingTask

	nextRequestID uint64

	pendingMu          sync.Mutex
	pendingSubmissions map[uint64]*pendingSubmission

	currentMu     sync.Mutex
	currentOwner  *Owner
	currentCancel *cancelToken

	dispatchCh chan *Frame

	store *store.Store
}

// New builds an executor Protocol. store may be nil, in which case the
// coordinator-side queue is memory-only and does not survive a restart.
func New(log *logging.Logger, st *store.Store) *Protocol {
	p := &Protocol{
		pendingSubmissions: make(map[uint64]*pendingSubmission),
		dispatchCh:         make(chan *Frame, 1),
		store:              st,
	}
	p.Base = stack.NewBase("EXECUTOR", log)
	return p
}

// Start reloads any persisted run-request queue, letting a restarted
// coordinator pick back up where a crash left it.
func (p *Protocol) Start() error {
	if p.store == nil {
		return nil
	}
	return p.store.Range([]byte(storeKeyPrefix), func(key, value []byte) error {
		owner, err := parseRunRequestKey(key)
		if err != nil {
			return err
		}
		payload := append([]byte(nil), value...)
		p.consumerLock.Lock()
		p.runRequests = append(p.runRequests, &pendingTask{owner: owner, payload: payload, state: stateQueued})
		p.consumerLock.Unlock()
		return nil
	})
}

func (p *Protocol) localAddr() view.Address {
	p.addrMu.RLock()
	defer p.addrMu.RUnlock()
	return p.local
}

func (p *Protocol) setLocalAddr(a view.Address) {
	p.addrMu.Lock()
	p.local = a
	p.addrMu.Unlock()
}

func (p *Protocol) coordinator() view.Address {
	p.viewMu.Lock()
	defer p.viewMu.Unlock()
	return p.members.Coordinator()
}

// Up handles frames addressed to this node and forwards everything else.
func (p *Protocol) Up(evt event.Event) (any, error) {
	switch evt.Type {
	case event.MSG:
		if msg, ok := evt.Arg.(*event.Message); ok && msg != nil {
			if h := msg.Header(p.ID()); h != nil {
				if frame, ok := h.(*Frame); ok {
					p.handleFrame(frame)
					return nil, nil
				}
			}
		}
	case event.TMP_VIEW, event.VIEW_CHANGE:
		if v, ok := evt.Arg.(view.View); ok {
			p.handleViewChange(v)
		}
	}
	return p.UpProt(evt)
}

// Down handles the local address/view-change bookkeeping and forwards
// everything else. Executor operations (Submit, Cancel,
// AdvertiseReady) go straight to DownProt from their own methods rather
// than riding through Down, since they aren't part of the fixed
// event.Type set.
func (p *Protocol) Down(evt event.Event) (any, error) {
	switch evt.Type {
	case event.SET_LOCAL_ADDRESS:
		if addr, ok := evt.Arg.(view.Address); ok {
			p.setLocalAddr(addr)
		}
	case event.TMP_VIEW, event.VIEW_CHANGE:
		if v, ok := evt.Arg.(view.View); ok {
			p.handleViewChange(v)
		}
	}
	return p.DownProt(evt)
}

func (p *Protocol) handleFrame(frame *Frame) {
	switch frame.Type {
	case RunRequest:
		p.handleRunRequest(frame.Owner, frame.Body)
	case ConsumerReady:
		p.handleConsumerReady(frame.Owner.Address)
	case ConsumerUnready:
		p.handleConsumerUnready(frame.Owner.Address)
	case TaskDispatch:
		select {
		case p.dispatchCh <- frame:
		default:
			p.Log.Warn("dispatch queue full, dropping dispatch", map[string]any{"owner": frame.Owner})
		}
	case TaskResult, TaskException, TaskCancelled:
		p.resolveLocal(frame)
	case CancelRequest:
		p.handleCancelRequest(frame)
	}
}

// handleViewChange re-sends every outstanding local submission to the
// new coordinator when the old one has left the view, and re-derives
// the current membership for coordinator() lookups. Grounded on the
// resend/dedup semantics the original tests exercise in
// testCoordinatorWentDownWhileSendingMessage: unlike STATE_TRANSFER's
// per-instance flush check, executor failover needs no analogous
// concept, but the up/down dual interception convention is carried over
// from STATE_TRANSFER for consistency.
func (p *Protocol) handleViewChange(v view.View) {
	p.viewMu.Lock()
	oldCoord := p.members.Coordinator()
	p.members = v
	newCoord := v.Coordinator()
	p.viewMu.Unlock()

	if oldCoord.IsZero() || v.Contains(oldCoord) || newCoord.IsZero() {
		return
	}

	local := p.localAddr()
	p.pendingMu.Lock()
	type resend struct {
		reqID   uint64
		payload []byte
	}
	pending := make([]resend, 0, len(p.pendingSubmissions))
	for reqID, sub := range p.pendingSubmissions {
		pending = append(pending, resend{reqID, sub.payload})
	}
	p.pendingMu.Unlock()

	for _, r := range pending {
		p.sendRunRequest(newCoord, Owner{Address: local, RequestID: r.reqID}, r.payload)
	}
}

// Submit sends payload as a RunRequest to the current coordinator and
// returns a request id plus the channel its eventual Result lands on.
func (p *Protocol) Submit(payload []byte) (uint64, <-chan Result, error) {
	reqID := atomic.AddUint64(&p.nextRequestID, 1) - 1
	resultCh := make(chan Result, 1)

	p.pendingMu.Lock()
	p.pendingSubmissions[reqID] = &pendingSubmission{payload: payload, resultCh: resultCh}
	p.pendingMu.Unlock()

	coord := p.coordinator()
	if coord.IsZero() {
		return reqID, resultCh, fmt.Errorf("executor: no coordinator in current view")
	}
	p.sendRunRequest(coord, Owner{Address: p.localAddr(), RequestID: reqID}, payload)
	return reqID, resultCh, nil
}

// Cancel asks the coordinator to drop a queued task, or to interrupt a
// dispatched one when mayInterrupt is set.
func (p *Protocol) Cancel(requestID uint64, mayInterrupt bool) error {
	p.pendingMu.Lock()
	_, ok := p.pendingSubmissions[requestID]
	p.pendingMu.Unlock()
	if !ok {
		return fmt.Errorf("executor: unknown request id %d", requestID)
	}

	owner := Owner{Address: p.localAddr(), RequestID: requestID}
	coord := p.coordinator()
	body := []byte{0}
	if mayInterrupt {
		body[0] = 1
	}
	dst := coord
	f := &Frame{Type: CancelRequest, Owner: owner, Body: body}
	msg := event.NewMessage(&dst, p.localAddr(), nil).WithHeader(p.ID(), f)
	_, err := p.DownProt(event.New(event.MSG, &msg))
	return err
}

// AdvertiseReady announces this node as an available consumer to the
// current coordinator.
func (p *Protocol) AdvertiseReady() {
	p.sendControl(ConsumerReady)
}

// AdvertiseUnready withdraws a prior AdvertiseReady.
func (p *Protocol) AdvertiseUnready() {
	p.sendControl(ConsumerUnready)
}

func (p *Protocol) sendControl(t FrameType) {
	coord := p.coordinator()
	if coord.IsZero() {
		return
	}
	dst := coord
	f := &Frame{Type: t, Owner: Owner{Address: p.localAddr()}}
	msg := event.NewMessage(&dst, p.localAddr(), nil).WithHeader(p.ID(), f)
	if _, err := p.DownProt(event.New(event.MSG, &msg)); err != nil {
		p.Log.Error("send control frame failed", err, map[string]any{"frame": t.String()})
	}
}

// NextDispatch blocks until a TaskDispatch frame arrives for this node
// or stop is closed, in which case it returns (nil, false).
func (p *Protocol) NextDispatch(stop <-chan struct{}) (*Frame, bool) {
	select {
	case f := <-p.dispatchCh:
		return f, true
	case <-stop:
		return nil, false
	}
}

// beginExecuting records the task a Runner is about to execute so an
// incoming CancelRequest can be matched to it, and returns the token
// that fires on interruption.
func (p *Protocol) beginExecuting(owner Owner) <-chan struct{} {
	tok := newCancelToken()
	p.currentMu.Lock()
	p.currentOwner = &owner
	p.currentCancel = tok
	p.currentMu.Unlock()
	return tok.C()
}

func (p *Protocol) finishExecuting() {
	p.currentMu.Lock()
	p.currentOwner = nil
	p.currentCancel = nil
	p.currentMu.Unlock()
}

// sendResult replies directly to owner.Address, bypassing the
// coordinator: in-flight dispatches are a direct conversation between
// consumer and submitter (spec.md §4.5).
func (p *Protocol) sendResult(owner Owner, kind FrameType, body []byte) {
	dst := owner.Address
	f := &Frame{Type: kind, Owner: owner, Body: body}
	msg := event.NewMessage(&dst, p.localAddr(), nil).WithHeader(p.ID(), f)
	if _, err := p.DownProt(event.New(event.MSG, &msg)); err != nil {
		p.Log.Error("send task result failed", err, map[string]any{"owner": owner})
	}
}

func (p *Protocol) sendRunRequest(dest view.Address, owner Owner, payload []byte) {
	dst := dest
	f := &Frame{Type: RunRequest, Owner: owner, Body: payload}
	msg := event.NewMessage(&dst, p.localAddr(), nil).WithHeader(p.ID(), f)
	if _, err := p.DownProt(event.New(event.MSG, &msg)); err != nil {
		p.Log.Error("send run request failed", err, map[string]any{"owner": owner})
	}
}

func (p *Protocol) sendDispatch(consumer view.Address, task *pendingTask) {
	dst := consumer
	f := &Frame{Type: TaskDispatch, Owner: task.owner, Body: task.payload}
	msg := event.NewMessage(&dst, p.localAddr(), nil).WithHeader(p.ID(), f)
	if _, err := p.DownProt(event.New(event.MSG, &msg)); err != nil {
		p.Log.Error("send task dispatch failed", err, map[string]any{"owner": task.owner})
	}
}

func (p *Protocol) handleRunRequest(owner Owner, payload []byte) {
	p.consumerLock.Lock()
	defer p.consumerLock.Unlock()

	for _, t := range p.runRequests {
		if t.owner == owner {
			return // dedupe: already known, likely a resend after failover
		}
	}
	task := &pendingTask{owner: owner, payload: payload, state: stateQueued}
	p.runRequests = append(p.runRequests, task)
	p.persistTask(task)
	p.tryDispatchLocked()
}

func (p *Protocol) handleConsumerReady(consumer view.Address) {
	p.consumerLock.Lock()
	defer p.consumerLock.Unlock()

	for _, c := range p.awaitingConsumer {
		if c == consumer {
			return
		}
	}
	p.awaitingConsumer = append(p.awaitingConsumer, consumer)
	p.tryDispatchLocked()
}

func (p *Protocol) handleConsumerUnready(consumer view.Address) {
	p.consumerLock.Lock()
	defer p.consumerLock.Unlock()

	for i, c := range p.awaitingConsumer {
		if c == consumer {
			p.awaitingConsumer = append(p.awaitingConsumer[:i], p.awaitingConsumer[i+1:]...)
			return
		}
	}
}

// tryDispatchLocked matches queued tasks against waiting consumers,
// FIFO on both sides. Callers must hold consumerLock.
func (p *Protocol) tryDispatchLocked() {
	for len(p.awaitingConsumer) > 0 {
		var next *pendingTask
		for _, t := range p.runRequests {
			if t.state == stateQueued {
				next = t
				break
			}
		}
		if next == nil {
			return
		}
		consumer := p.awaitingConsumer[0]
		p.awaitingConsumer = p.awaitingConsumer[1:]
		next.state = stateDispatched
		next.assignedConsumer = &consumer
		p.persistTask(next)
		p.sendDispatch(consumer, next)
	}
}

func (p *Protocol) handleCancelRequest(frame *Frame) {
	mayInterrupt := len(frame.Body) > 0 && frame.Body[0] == 1

	p.currentMu.Lock()
	isCurrent := p.currentOwner != nil && *p.currentOwner == frame.Owner
	tok := p.currentCancel
	p.currentMu.Unlock()

	if isCurrent {
		if mayInterrupt && tok != nil {
			tok.fire()
		}
		return
	}

	p.consumerLock.Lock()
	idx := -1
	for i, t := range p.runRequests {
		if t.owner == frame.Owner {
			idx = i
			break
		}
	}
	if idx == -1 {
		p.consumerLock.Unlock()
		return
	}
	task := p.runRequests[idx]
	switch task.state {
	case stateQueued:
		p.runRequests = append(p.runRequests[:idx], p.runRequests[idx+1:]...)
		task.state = stateCancelled
		p.persistTask(task)
		p.consumerLock.Unlock()
		p.sendResult(frame.Owner, TaskCancelled, nil)
	case stateDispatched:
		consumer := task.assignedConsumer
		p.consumerLock.Unlock()
		if mayInterrupt && consumer != nil {
			dst := *consumer
			f := &Frame{Type: CancelRequest, Owner: frame.Owner, Body: []byte{1}}
			msg := event.NewMessage(&dst, p.localAddr(), nil).WithHeader(p.ID(), f)
			if _, err := p.DownProt(event.New(event.MSG, &msg)); err != nil {
				p.Log.Error("forward cancel request failed", err, map[string]any{"owner": frame.Owner})
			}
		}
	default:
		p.consumerLock.Unlock()
	}
}

func (p *Protocol) resolveLocal(frame *Frame) {
	p.pendingMu.Lock()
	sub, ok := p.pendingSubmissions[frame.Owner.RequestID]
	if ok {
		delete(p.pendingSubmissions, frame.Owner.RequestID)
	}
	p.pendingMu.Unlock()
	if !ok {
		return
	}

	var res Result
	switch frame.Type {
	case TaskResult:
		res = Result{Value: frame.Body}
	case TaskException:
		res = Result{Err: fmt.Errorf("executor: task failed: %s", string(frame.Body))}
	case TaskCancelled:
		res = Result{Cancelled: true}
	}
	sub.resultCh <- res
	close(sub.resultCh)
}

// AwaitingConsumerQueue snapshots the coordinator-side ready-consumer
// queue, for tests observing dispatch ordering.
func (p *Protocol) AwaitingConsumerQueue() []view.Address {
	p.consumerLock.Lock()
	defer p.consumerLock.Unlock()
	out := make([]view.Address, len(p.awaitingConsumer))
	copy(out, p.awaitingConsumer)
	return out
}

// RunRequests snapshots the coordinator-side queue's still-live owners
// (queued or dispatched), for tests observing failover dedup.
func (p *Protocol) RunRequests() []Owner {
	p.consumerLock.Lock()
	defer p.consumerLock.Unlock()
	out := make([]Owner, 0, len(p.runRequests))
	for _, t := range p.runRequests {
		if t.state != stateCancelled {
			out = append(out, t.owner)
		}
	}
	return out
}

const storeKeyPrefix = "executor/run_request/"

func (p *Protocol) persistTask(t *pendingTask) {
	if p.store == nil {
		return
	}
	key := runRequestKey(t.owner)
	if t.state == stateCancelled {
		if err := p.store.Delete(key); err != nil {
			p.Log.Error("persist cancel failed", err, map[string]any{"owner": t.owner})
		}
		return
	}
	if err := p.store.Put(key, t.payload); err != nil {
		p.Log.Error("persist run request failed", err, map[string]any{"owner": t.owner})
	}
}

func runRequestKey(owner Owner) []byte {
	return []byte(fmt.Sprintf("%s%s/%d", storeKeyPrefix, owner.Address.String(), owner.RequestID))
}

func parseRunRequestKey(key []byte) (Owner, error) {
	rest := strings.TrimPrefix(string(key), storeKeyPrefix)
	i := strings.LastIndex(rest, "/")
	if i < 0 {
		return Owner{}, fmt.Errorf("executor: malformed run request key %q", key)
	}
	reqID, err := strconv.ParseUint(rest[i+1:], 10, 64)
	if err != nil {
		return Owner{}, fmt.Errorf("executor: malformed run request key %q: %w", key, err)
	}
	return Owner{Address: view.NewAddress(rest[:i]), RequestID: reqID}, nil
}
