// Package statetransfer implements the C5 state-transfer protocol:
// synchronizing a joining or reconnecting member with a chosen
// provider's application state and delivery checkpoint (spec.md §4.4),
// grounded method-for-method on
// org.jgroups.protocols.pbcast.STATE_TRANSFER.
package statetransfer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"groupkit/digest"
	"groupkit/event"
	"groupkit/internal/logging"
	"groupkit/stack"
	"groupkit/view"
)

// Info is the StateTransferInfo payload carried by GET_STATE,
// GET_STATE_OK, GET_APPLSTATE and GET_APPLSTATE_OK (spec.md §3).
// Target == nil on a GET_STATE means "pick the coordinator".
type Info struct {
	Target    *view.Address
	Timeout   time.Duration
	State     []byte
	Provider  view.Address
	Requester view.Address
}

// Protocol is the C5 layer. Embed via Base like every other layer; the
// zero value is not usable, construct with New.
type Protocol struct {
	stack.Base

	enableMerkleChecks bool

	addrMu sync.RWMutex
	local  view.Address

	viewMu  sync.Mutex
	members view.View

	reqMu      sync.Mutex
	requesters map[view.Address]bool

	waiting atomic.Bool

	timeMu    sync.Mutex
	startTime time.Time
	stopTime  time.Time

	statsMu      sync.Mutex
	numStateReqs int64
	numBytesSent int64
	avgStateSize float64
}

// New builds a state-transfer layer. enableMerkleChecks turns on the
// Merkle-root integrity check the provider computes over its state
// before replying and the requester verifies after receiving it.
func New(log *logging.Logger, enableMerkleChecks bool) *Protocol {
	return &Protocol{
		Base:               stack.NewBase("STATE_TRANSFER", log),
		enableMerkleChecks: enableMerkleChecks,
		requesters:         make(map[view.Address]bool),
	}
}

// RequiredDownServices reports the digest operations this layer expects
// its downward neighbor (the reliable-delivery layer) to honor.
func (p *Protocol) RequiredDownServices() []event.Type {
	return []event.Type{event.GET_DIGEST, event.OVERWRITE_DIGEST}
}

// Start announces this layer's presence upward so a duplicate
// state-transfer layer elsewhere in the stack can detect the conflict
// (spec.md §4.4, the original's start()).
func (p *Protocol) Start() error {
	bag := event.ConfigBag{"state_transfer": true, "protocol_class": "STATE_TRANSFER"}
	_, err := p.UpProt(event.New(event.CONFIG, bag))
	return err
}

// Stop clears any in-flight wait. Idempotent.
func (p *Protocol) Stop() {
	p.waiting.Store(false)
}

// ResetStats zeroes the request/byte counters (spec.md's supplemented
// resetStats operation, absent from the distilled spec but present on
// the original).
func (p *Protocol) ResetStats() {
	atomic.StoreInt64(&p.numStateReqs, 0)
	atomic.StoreInt64(&p.numBytesSent, 0)
	p.statsMu.Lock()
	p.avgStateSize = 0
	p.statsMu.Unlock()
}

func (p *Protocol) NumStateRequests() int64 { return atomic.LoadInt64(&p.numStateReqs) }
func (p *Protocol) NumBytesSent() int64     { return atomic.LoadInt64(&p.numBytesSent) }

func (p *Protocol) AvgStateSize() float64 {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.avgStateSize
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

// Up handles messages carrying this layer's header and membership
// notifications ascending from below.
func (p *Protocol) Up(evt event.Event) (any, error) {
	switch evt.Type {
	case event.MSG:
		msg, ok := evt.Arg.(*event.Message)
		if ok && msg != nil {
			if h := msg.Header(p.ID()); h != nil {
				if hdr, ok := h.(*Header); ok {
					switch hdr.Type {
					case StateReq:
						p.handleStateReq(hdr.Sender)
					case StateRsp:
						p.handleStateRsp(hdr, msg.Payload)
					default:
						p.Log.Error("unknown state header type", nil, map[string]any{"type": hdr.Type})
					}
					return nil, nil
				}
			}
		}

	case event.TMP_VIEW, event.VIEW_CHANGE:
		if v, ok := evt.Arg.(view.View); ok {
			p.handleViewChange(v)
		}

	case event.CONFIG:
		if bag, ok := evt.Arg.(event.ConfigBag); ok {
			if _, dup := bag["state_transfer"]; dup {
				p.Log.Error("protocol stack cannot contain two state transfer protocols", nil, nil)
				return nil, errors.New("statetransfer: protocol stack cannot contain two state transfer protocols")
			}
		}
	}
	return p.UpProt(evt)
}

// Down handles GET_STATE requests descending from the application and
// membership/address notifications.
func (p *Protocol) Down(evt event.Event) (any, error) {
	switch evt.Type {
	case event.TMP_VIEW, event.VIEW_CHANGE:
		if v, ok := evt.Arg.(view.View); ok {
			p.handleViewChange(v)
		}

	case event.GET_STATE:
		p.handleGetState(evt)
		return nil, nil // don't pass down any further

	case event.SET_LOCAL_ADDRESS:
		if addr, ok := evt.Arg.(view.Address); ok {
			p.setLocalAddr(addr)
		}
	}
	return p.DownProt(evt)
}

func (p *Protocol) handleGetState(evt event.Event) {
	info, _ := evt.Arg.(*Info)
	if info == nil {
		info = &Info{}
	}

	var target *view.Address
	if info.Target == nil {
		target = p.determineCoordinator()
	} else if *info.Target == p.localAddr() {
		p.Log.Error("cannot fetch state from myself", nil, nil)
		target = nil
	} else {
		t := *info.Target
		target = &t
	}

	if target == nil {
		p.Log.Debug("first member, no state to fetch", nil)
		p.UpProt(event.New(event.GET_STATE_OK, &Info{}))
		return
	}

	p.Log.Debug("asking for state", map[string]any{"target": target.String()})
	p.DownProt(event.New(event.SUSPEND_STABLE, info.Timeout))
	p.waiting.Store(true)
	p.timeMu.Lock()
	p.startTime = time.Now()
	p.timeMu.Unlock()

	hdr := &Header{Type: StateReq, ID: time.Now().UnixNano(), Sender: p.localAddr()}
	dest := *target
	msg := event.NewMessage(&dest, p.localAddr(), nil).WithHeader(p.ID(), hdr)
	if _, err := p.DownProt(event.New(event.MSG, &msg)); err != nil {
		p.Log.Error("sending state request failed", err, map[string]any{"target": target.String()})
	}
}

// determineCoordinator returns the first member that isn't the local
// address, or nil if there is none (spec.md §4.4).
func (p *Protocol) determineCoordinator() *view.Address {
	p.viewMu.Lock()
	defer p.viewMu.Unlock()
	local := p.localAddr()
	for _, m := range p.members.Members {
		if m != local {
			addr := m
			return &addr
		}
	}
	return nil
}

// handleViewChange updates the membership snapshot and, if a state
// response is pending and the previous view's coordinator is not in the
// new view, unblocks the requester with a synthetic null state response
// (spec.md §4.4's provider-crash recovery). Only the previous
// coordinator is checked, whichever member the request went to.
func (p *Protocol) handleViewChange(v view.View) {
	p.viewMu.Lock()
	var oldCoord *view.Address
	if len(p.members.Members) > 0 {
		c := p.members.Coordinator()
		oldCoord = &c
	}
	p.members = v
	sendNullRsp := p.waiting.Load() && oldCoord != nil && !v.Contains(*oldCoord)
	p.viewMu.Unlock()

	if sendNullRsp {
		p.Log.Warn("state provider crashed, returning null state to application", map[string]any{"provider": oldCoord.String()})
		p.handleStateRsp(&Header{Type: StateRsp, Sender: p.localAddr()}, nil)
	}
}

// isDigestNeeded reports whether digest capture/install is required.
// When a flush protocol is present in the stack, digests are skipped
// entirely (spec.md §4.4 step 2, the original's isDigestNeeded).
func (p *Protocol) isDigestNeeded() bool {
	s := p.Stack()
	if s == nil {
		return true
	}
	return !s.HasFlush()
}

// handleStateReq implements spec.md §4.4's handle_state_req.
func (p *Protocol) handleStateReq(sender view.Address) {
	if sender.IsZero() {
		p.Log.Error("state request with no sender", nil, nil)
		return
	}

	p.reqMu.Lock()
	wasEmpty := len(p.requesters) == 0
	p.requesters[sender] = true
	p.reqMu.Unlock()

	if !p.isDigestNeeded() {
		// A flush protocol is present: no barrier is closed and no
		// digest is captured, so just fetch the state and reply.
		p.requestApplicationStates(nil, false)
		return
	}

	if !wasEmpty {
		return
	}

	if _, err := p.DownProt(event.New(event.CLOSE_BARRIER, nil)); err != nil {
		p.Log.Error("close barrier failed", err, nil)
	}
	res, err := p.DownProt(event.New(event.GET_DIGEST, nil))
	if err != nil {
		p.Log.Error("get digest failed", err, nil)
	}
	var d *digest.Digest
	if dg, ok := res.(digest.Digest); ok {
		d = &dg
	}
	p.requestApplicationStates(d, true)
}

func (p *Protocol) requestApplicationStates(d *digest.Digest, openBarrier bool) {
	res, err := p.UpProt(event.New(event.GET_APPLSTATE, &Info{}))
	var state []byte
	if err != nil {
		p.Log.Error("get application state failed", err, nil)
	} else if info, ok := res.(*Info); ok {
		state = info.State
	}
	if openBarrier {
		if _, err := p.DownProt(event.New(event.OPEN_BARRIER, nil)); err != nil {
			p.Log.Error("open barrier failed", err, nil)
		}
	}
	p.sendApplicationStateResponse(state, d)
}

func (p *Protocol) sendApplicationStateResponse(state []byte, d *digest.Digest) {
	p.reqMu.Lock()
	if len(p.requesters) == 0 {
		p.reqMu.Unlock()
		p.Log.Warn("received application state, but there are no requesters", nil)
		return
	}
	requesters := make([]view.Address, 0, len(p.requesters))
	for addr := range p.requesters {
		requesters = append(requesters, addr)
	}
	p.requesters = make(map[view.Address]bool)

	atomic.AddInt64(&p.numStateReqs, 1)
	if state != nil {
		atomic.AddInt64(&p.numBytesSent, int64(len(state)))
	}
	p.statsMu.Lock()
	p.avgStateSize = float64(atomic.LoadInt64(&p.numBytesSent)) / float64(atomic.LoadInt64(&p.numStateReqs))
	p.statsMu.Unlock()
	p.reqMu.Unlock()

	var merkleRoot []byte
	if p.enableMerkleChecks {
		root, err := digest.MerkleRoot(state)
		if err != nil {
			p.Log.Error("computing merkle root failed", err, nil)
		} else {
			merkleRoot = root
		}
	}

	payload, compressed := event.CompressPayload(state)
	for _, requester := range requesters {
		dest := requester
		hdr := &Header{Type: StateRsp, Sender: p.localAddr(), Digest: d, MerkleRoot: merkleRoot, Compressed: compressed}
		msg := event.NewMessage(&dest, p.localAddr(), payload).WithHeader(p.ID(), hdr)
		if _, err := p.DownProt(event.New(event.MSG, &msg)); err != nil {
			p.Log.Error("sending state response failed", err, map[string]any{"to": dest.String()})
		}
	}
}

// handleStateRsp implements spec.md §4.4's handle_state_rsp.
func (p *Protocol) handleStateRsp(hdr *Header, payload []byte) {
	digestNeeded := p.isDigestNeeded()
	if digestNeeded {
		if _, err := p.DownProt(event.New(event.CLOSE_BARRIER, nil)); err != nil {
			p.Log.Error("close barrier failed", err, nil)
		}
	}
	defer func() {
		if digestNeeded {
			if _, err := p.DownProt(event.New(event.OPEN_BARRIER, nil)); err != nil {
				p.Log.Error("open barrier failed", err, nil)
			}
		}
	}()

	p.waiting.Store(false)

	state, err := event.DecompressPayload(payload, hdr.Compressed)
	if err != nil {
		p.Log.Error("decompressing state payload failed", err, nil)
		state = nil
	}

	if digestNeeded && hdr.Digest != nil {
		if _, err := p.DownProt(event.New(event.OVERWRITE_DIGEST, *hdr.Digest)); err != nil {
			p.Log.Error("overwrite digest failed", err, nil)
		}
	}

	if p.enableMerkleChecks && len(state) > 0 && len(hdr.MerkleRoot) > 0 {
		ok, err := digest.VerifyRoot(state, hdr.MerkleRoot)
		if err != nil {
			p.Log.Error("verifying merkle root failed", err, nil)
		} else if !ok {
			p.Log.Warn("state transfer merkle root mismatch", map[string]any{"from": hdr.Sender.String()})
		}
	}

	p.timeMu.Lock()
	p.stopTime = time.Now()
	elapsed := p.stopTime.Sub(p.startTime)
	p.timeMu.Unlock()

	if _, err := p.DownProt(event.New(event.RESUME_STABLE, nil)); err != nil {
		p.Log.Error("resume stable failed", err, nil)
	}

	p.Log.Debug("received state", map[string]any{"bytes": len(state), "elapsed": elapsed.String()})
	p.UpProt(event.New(event.GET_STATE_OK, &Info{Provider: hdr.Sender, State: state}))
}
