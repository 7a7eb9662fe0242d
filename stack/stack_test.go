package stack

import (
	"testing"

	"groupkit/event"
	"groupkit/internal/logging"
)

// fakeProtocol is a minimal Protocol used to exercise Stack wiring
// without pulling in a real layer implementation.
type fakeProtocol struct {
	Base
	upReq, downReq []event.Type
	started        bool
	stopped        bool
	ups, downs     int
}

func newFake(name string) *fakeProtocol {
	return &fakeProtocol{Base: NewBase(name, logging.NewConsole(name))}
}

func (f *fakeProtocol) Up(evt event.Event) (any, error)   { f.ups++; return f.UpProt(evt) }
func (f *fakeProtocol) Down(evt event.Event) (any, error) { f.downs++; return f.DownProt(evt) }
func (f *fakeProtocol) Start() error                      { f.started = true; return nil }
func (f *fakeProtocol) Stop()                             { f.stopped = true }
func (f *fakeProtocol) RequiredUpServices() []event.Type   { return f.upReq }
func (f *fakeProtocol) RequiredDownServices() []event.Type { return f.downReq }

func TestInsertAtTopPreservesChain(t *testing.T) {
	s := New(event.NewRegistry(), logging.NewConsole("test"))
	bottom := newFake("BOTTOM")
	middle := newFake("MIDDLE")
	top := newFake("TOP")

	s.InsertAtTop(bottom)
	s.InsertAtTop(middle)
	s.InsertAtTop(top)

	if s.Bottom() != Protocol(bottom) {
		t.Fatalf("expected bottom layer BOTTOM, got %v", s.Bottom().Name())
	}
	if s.Top() != Protocol(top) {
		t.Fatalf("expected top layer TOP, got %v", s.Top().Name())
	}
	if middle.upNeighbor() != Protocol(top) {
		t.Fatalf("expected MIDDLE's up neighbor to be TOP")
	}
	if middle.downNeighbor() != Protocol(bottom) {
		t.Fatalf("expected MIDDLE's down neighbor to be BOTTOM")
	}
	if bottom.upNeighbor() != Protocol(middle) {
		t.Fatalf("expected BOTTOM's up neighbor to be MIDDLE after insertion, chain was severed")
	}
}

func TestInsertAtBottomPreservesChain(t *testing.T) {
	s := New(event.NewRegistry(), logging.NewConsole("test"))
	top := newFake("TOP")
	middle := newFake("MIDDLE")
	bottom := newFake("BOTTOM")

	s.InsertAtBottom(top)
	s.InsertAtBottom(middle)
	s.InsertAtBottom(bottom)

	if s.Bottom() != Protocol(bottom) {
		t.Fatalf("expected bottom layer BOTTOM, got %v", s.Bottom().Name())
	}
	if s.Top() != Protocol(top) {
		t.Fatalf("expected top layer TOP, got %v", s.Top().Name())
	}
	if middle.downNeighbor() != Protocol(bottom) {
		t.Fatalf("expected MIDDLE's down neighbor to be BOTTOM")
	}
	if top.downNeighbor() != Protocol(middle) {
		t.Fatalf("expected TOP's down neighbor to be MIDDLE after insertion, chain was severed")
	}
}

func TestFindByType(t *testing.T) {
	s := New(event.NewRegistry(), logging.NewConsole("test"))
	a := newFake("A")
	b := newFake("B")
	s.InsertAtTop(a)
	s.InsertAtTop(b)

	found, ok := s.FindByType(func(p Protocol) bool { return p.Name() == "B" })
	if !ok || found != Protocol(b) {
		t.Fatalf("expected to find B")
	}
	_, ok = s.FindByType(func(p Protocol) bool { return p.Name() == "C" })
	if ok {
		t.Fatalf("expected not to find nonexistent layer")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s := New(event.NewRegistry(), logging.NewConsole("test"))
	a := newFake("A")
	s.InsertAtTop(a)

	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error starting stack: %v", err)
	}
	if !a.started {
		t.Fatalf("expected layer to be started")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("second Start should be a no-op, got error: %v", err)
	}

	s.Stop()
	if !a.stopped {
		t.Fatalf("expected layer to be stopped")
	}
	a.stopped = false
	s.Stop()
	if a.stopped {
		t.Fatalf("second Stop should be a no-op")
	}
}

func TestValidateRejectsUnmetDownService(t *testing.T) {
	s := New(event.NewRegistry(), logging.NewConsole("test"))
	bottom := newFake("BOTTOM")
	bottom.downReq = []event.Type{event.MSG}
	s.InsertAtTop(bottom)

	err := s.Start()
	if err == nil {
		t.Fatalf("expected ConfigError for bottommost layer requiring a lower layer")
	}
	if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
}

func TestValidateRejectsUnmetUpService(t *testing.T) {
	s := New(event.NewRegistry(), logging.NewConsole("test"))
	top := newFake("TOP")
	top.upReq = []event.Type{event.MSG}
	s.InsertAtTop(top)

	err := s.Start()
	if err == nil {
		t.Fatalf("expected ConfigError for topmost layer requiring an upper layer")
	}
}

func TestUpDownEnterAtCorrectEnds(t *testing.T) {
	s := New(event.NewRegistry(), logging.NewConsole("test"))
	bottom := newFake("BOTTOM")
	top := newFake("TOP")
	s.InsertAtTop(bottom)
	s.InsertAtTop(top)

	// Down enters at Top and, since neither fake consumes anything,
	// forwards all the way down through BOTTOM's nil down neighbor.
	if _, err := s.Down(event.New(event.MSG, nil)); err != nil {
		t.Fatalf("unexpected error on Down: %v", err)
	}
	if top.downs != 1 || bottom.downs != 1 || top.ups != 0 || bottom.ups != 0 {
		t.Fatalf("expected Down to pass TOP then BOTTOM once each, got top.downs=%d bottom.downs=%d", top.downs, bottom.downs)
	}
	// Up enters at Bottom and forwards up through TOP's nil up neighbor.
	if _, err := s.Up(event.New(event.MSG, nil)); err != nil {
		t.Fatalf("unexpected error on Up: %v", err)
	}
	if bottom.ups != 1 || top.ups != 1 {
		t.Fatalf("expected Up to pass BOTTOM then TOP once each, got bottom.ups=%d top.ups=%d", bottom.ups, top.ups)
	}
}
