package channel

import "fmt"

// changeStateLocked moves the channel from its current state to to,
// enforcing the transition table of spec §4.2. A rejected transition is a
// programming error (it panics without mutating anything) per spec §7's
// "programming errors are assertions, not recoverable errors".
//
// Callers must hold ch.mu when calling changeStateLocked. It never touches
// the registry itself; callers are responsible for calling
// ch.registry.resync(ch) after releasing ch.mu, so that the registry's own
// lock is never acquired while ch.mu is held.
func (ch *Channel) changeStateLocked(to State) {
	from := ch.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		panic(fmt.Sprintf("channel %d: illegal state transition %s -> %s", ch.id, from, to))
	}
	if requiresClosingReason(to) && ch.reasonForClosing == ReasonNotClosing {
		panic(fmt.Sprintf("channel %d: entering %s without reason_for_closing set", ch.id, to))
	}
	if to == StateClosed {
		if len(ch.outgoingQueue) != 0 || len(ch.cellQueue) != 0 || len(ch.varCellQueue) != 0 || len(ch.incomingList) != 0 {
			panic(fmt.Sprintf("channel %d: entering CLOSED with non-empty queues", ch.id))
		}
	}
	ch.state = to
}

// RequestClose begins a locally-initiated close: reason=REQUESTED,
// transition to CLOSING, call the transport's Close hook. The transport is
// responsible for eventually driving CLOSING -> CLOSED or -> ERROR.
func (ch *Channel) RequestClose() {
	ch.mu.Lock()
	if ch.state == StateClosing || ch.state == StateClosed || ch.state == StateError {
		ch.mu.Unlock()
		return
	}
	ch.reasonForClosing = ReasonRequested
	ch.changeStateLocked(StateClosing)
	transport := ch.transport
	ch.mu.Unlock()

	ch.resyncRegistry()

	ch.ref()
	defer ch.unref()
	if transport != nil {
		_ = transport.Close()
	}
}

// CloseFromLowerLayer handles a graceful, transport-initiated close:
// reason=FROM_BELOW, transition to CLOSING. The transport's Close hook is
// NOT invoked (it is the one telling us it already finished).
func (ch *Channel) CloseFromLowerLayer() {
	ch.mu.Lock()
	if ch.state == StateClosing || ch.state == StateClosed || ch.state == StateError {
		ch.mu.Unlock()
		return
	}
	ch.reasonForClosing = ReasonFromBelow
	ch.changeStateLocked(StateClosing)
	ch.mu.Unlock()

	ch.resyncRegistry()
}

// CloseForError handles a faulty-transport close: reason=FOR_ERROR,
// transition to CLOSING.
func (ch *Channel) CloseForError() {
	ch.mu.Lock()
	if ch.state == StateClosing || ch.state == StateClosed || ch.state == StateError {
		ch.mu.Unlock()
		return
	}
	ch.reasonForClosing = ReasonForError
	ch.changeStateLocked(StateClosing)
	ch.mu.Unlock()

	ch.resyncRegistry()
}

// Closed is called by the transport once it has finished tearing down.
// Before the transition, if reason is FOR_ERROR, pending-but-unattached
// circuits are notified of failure; then, whatever the reason, every
// attached circuit is unlinked with channelClosedReason. The channel ends
// in CLOSED, or ERROR if reason was FOR_ERROR.
func (ch *Channel) Closed(circuits CircuitLayer, channelClosedReason int) {
	ch.mu.Lock()
	if ch.state == StateClosed || ch.state == StateError {
		ch.mu.Unlock()
		return
	}
	reason := ch.reasonForClosing
	ch.mu.Unlock()

	if circuits != nil {
		if reason == ReasonForError {
			circuits.NChanDone(ch, false)
		}
		circuits.UnlinkAllFromChannel(ch, channelClosedReason)
	}

	ch.mu.Lock()
	if ch.state == StateClosed || ch.state == StateError {
		ch.mu.Unlock()
		return
	}
	if reason == ReasonForError {
		ch.changeStateLocked(StateError)
	} else {
		ch.changeStateLocked(StateClosed)
	}
	ch.mu.Unlock()

	ch.resyncRegistry()
}

// TransitionTo performs an explicit, externally-driven state change (used
// by the TLS transport to report OPENING->OPEN, OPEN<->MAINT, and to move
// CLOSED->LISTENING or CLOSED->OPENING at construction time). It panics on
// an illegal transition, same as changeStateLocked.
//
// Entering OPEN from any prior state flushes the outgoing queue to the
// transport and dispatches any already-queued inbound cells to installed
// handlers (spec §4.4: "on entering OPEN, queued traffic in both
// directions is drained"). Entering OPEN specifically from OPENING (the
// first handshake completion, not a MAINT recovery) additionally runs the
// one-time open-time actions of spec §4.6.
func (ch *Channel) TransitionTo(to State) {
	ch.mu.Lock()
	from := ch.state
	ch.changeStateLocked(to)
	ch.mu.Unlock()

	ch.resyncRegistry()

	if to == StateOpen {
		ch.flushOutgoing()
		ch.processCells()
		ch.processVarCells()
		if from == StateOpening {
			ch.doOpenActions()
		}
	}
}

// ReasonForClosing returns the reason currently recorded for closing.
func (ch *Channel) ReasonForClosing() ReasonForClosing {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.reasonForClosing
}

// resyncRegistry re-indexes the channel into its registry's state buckets.
// Must be called with ch.mu NOT held.
func (ch *Channel) resyncRegistry() {
	ch.mu.Lock()
	reg := ch.registry
	ch.mu.Unlock()
	if reg != nil {
		reg.resync(ch)
	}
}
