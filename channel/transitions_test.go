package channel

import "testing"

func TestChangeStateLockedPanicsOnIllegalTransition(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on CLOSED -> OPEN")
		}
	}()
	reg := NewRegistry()
	ch, _ := newTestChannel(reg)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.changeStateLocked(StateOpen)
}

func TestChangeStateLockedPanicsWithoutClosingReason(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic entering CLOSING without a reason set")
		}
	}()
	reg := NewRegistry()
	ch, _ := newTestChannel(reg)
	ch.TransitionTo(StateOpening)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.changeStateLocked(StateClosing)
}

func TestChangeStateLockedPanicsOnClosedWithQueuedCells(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic entering CLOSED with a non-empty queue")
		}
	}()
	reg := NewRegistry()
	ch, _ := newTestChannel(reg)
	ch.TransitionTo(StateOpening)
	ch.mu.Lock()
	ch.cellQueue = append(ch.cellQueue, nil)
	ch.reasonForClosing = ReasonRequested
	ch.changeStateLocked(StateClosing)
	ch.changeStateLocked(StateClosed)
	ch.mu.Unlock()
}

func TestRequestCloseCallsTransportClose(t *testing.T) {
	reg := NewRegistry()
	ch, tr := newTestChannel(reg)
	ch.TransitionTo(StateOpening)
	reg.Register(ch)

	ch.RequestClose()

	if ch.State() != StateClosing {
		t.Fatalf("expected CLOSING, got %s", ch.State())
	}
	if ch.ReasonForClosing() != ReasonRequested {
		t.Fatalf("expected REQUESTED, got %s", ch.ReasonForClosing())
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.closed {
		t.Fatal("expected transport.Close to have been called")
	}
}

func TestRequestCloseIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	ch, _ := newTestChannel(reg)
	ch.TransitionTo(StateOpening)
	ch.RequestClose()
	ch.RequestClose() // must not panic or double-transition
	if ch.State() != StateClosing {
		t.Fatalf("expected CLOSING, got %s", ch.State())
	}
}

func TestClosedUnlinksCircuitsAndRespectsReason(t *testing.T) {
	reg := NewRegistry()
	ch, _ := newTestChannel(reg)
	ch.TransitionTo(StateOpening)
	ch.reasonForClosing = ReasonForError
	ch.TransitionTo(StateClosing)

	circuits := &fakeCircuits{}
	ch.Closed(circuits, 42)

	if ch.State() != StateError {
		t.Fatalf("expected ERROR after Closed with FOR_ERROR reason, got %s", ch.State())
	}
	if len(circuits.doneOK) != 1 || circuits.doneOK[0] != false {
		t.Fatalf("expected one NChanDone(false) call, got %v", circuits.doneOK)
	}
	if len(circuits.unlinked) != 1 || circuits.unlinked[0] != 42 {
		t.Fatalf("expected UnlinkAllFromChannel(42), got %v", circuits.unlinked)
	}
}

func TestClosedWithoutErrorReasonEndsClosed(t *testing.T) {
	reg := NewRegistry()
	ch, _ := newTestChannel(reg)
	ch.TransitionTo(StateOpening)
	ch.reasonForClosing = ReasonFromBelow
	ch.TransitionTo(StateClosing)

	circuits := &fakeCircuits{}
	ch.Closed(circuits, 7)

	if ch.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", ch.State())
	}
	if len(circuits.doneOK) != 0 {
		t.Fatalf("expected no NChanDone call on a non-error close, got %v", circuits.doneOK)
	}
}

func TestTransitionToOpenFlushesOutgoingQueue(t *testing.T) {
	reg := NewRegistry()
	ch, tr := newTestChannel(reg)
	ch.TransitionTo(StateOpening)

	if err := ch.WriteCell(testCell(t, ch)); err != nil {
		t.Fatalf("WriteCell in OPENING: %v", err)
	}
	ch.mu.Lock()
	queued := len(ch.outgoingQueue)
	ch.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected cell to queue while OPENING, got %d queued", queued)
	}

	ch.TransitionTo(StateOpen)

	if len(tr.Written()) != 1 {
		t.Fatalf("expected the queued cell to flush to the transport on entering OPEN, got %d written", len(tr.Written()))
	}
}

func TestDoOpenActionsRunsOnlyOnFirstOpen(t *testing.T) {
	reg := NewRegistry()
	circuits := &fakeCircuits{}
	ch, _ := newTestChannel(reg, WithCircuitLayer(circuits))

	ch.TransitionTo(StateOpening)
	ch.TransitionTo(StateOpen)
	if circuits.notifiedOpen != 1 {
		t.Fatalf("expected NotifyOpen once after OPENING->OPEN, got %d", circuits.notifiedOpen)
	}

	ch.TransitionTo(StateMaint)
	ch.TransitionTo(StateOpen)
	if circuits.notifiedOpen != 1 {
		t.Fatalf("expected NotifyOpen NOT to run again on MAINT->OPEN, got %d", circuits.notifiedOpen)
	}
}
