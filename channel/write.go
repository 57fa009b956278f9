package channel

import (
	"fmt"

	"github.com/orlink/chanproto/cell"
)

// writable reports the states in which a caller may hand a cell to the
// channel for transmission (spec §4.4).
func writable(s State) bool {
	return s == StateOpening || s == StateOpen || s == StateMaint
}

// WriteCell hands a fixed-length cell to the channel for transmission
// (spec §4.4 "channel_write_cell"). Non-padding cells update
// timestamp_last_added_nonpadding. When the channel is OPEN and nothing is
// already queued, the cell goes straight to the transport (the fast
// path); otherwise it is appended to outgoing_queue and, if OPEN, the
// queue is flushed immediately.
func (ch *Channel) WriteCell(c cell.Cell) error {
	ch.mu.Lock()
	if !writable(ch.state) {
		ch.mu.Unlock()
		return fmt.Errorf("channel %d: write_cell in state %s", ch.id, ch.state)
	}
	if c.Command() != cell.CmdPadding && c.Command() != cell.CmdVPadding {
		ch.touchNonpadding()
	}
	if ch.state == StateOpen && len(ch.outgoingQueue) == 0 {
		transport := ch.transport
		ch.mu.Unlock()
		if transport == nil {
			return fmt.Errorf("channel %d: no transport bound", ch.id)
		}
		ch.ref()
		defer ch.unref()
		return transport.WriteCell(c)
	}
	ch.outgoingQueue = append(ch.outgoingQueue, c)
	shouldFlush := ch.state == StateOpen
	ch.mu.Unlock()
	if shouldFlush {
		ch.flushOutgoing()
	}
	return nil
}

// WriteVarCell hands a variable-length cell to the channel, following the
// same fast/slow path rule as WriteCell.
func (ch *Channel) WriteVarCell(c cell.Cell) error {
	ch.mu.Lock()
	if !writable(ch.state) {
		ch.mu.Unlock()
		return fmt.Errorf("channel %d: write_var_cell in state %s", ch.id, ch.state)
	}
	if c.Command() != cell.CmdPadding && c.Command() != cell.CmdVPadding {
		ch.touchNonpadding()
	}
	if ch.state == StateOpen && len(ch.outgoingQueue) == 0 {
		transport := ch.transport
		ch.mu.Unlock()
		if transport == nil {
			return fmt.Errorf("channel %d: no transport bound", ch.id)
		}
		ch.ref()
		defer ch.unref()
		return transport.WriteVarCell(c)
	}
	ch.outgoingQueue = append(ch.outgoingQueue, c)
	shouldFlush := ch.state == StateOpen
	ch.mu.Unlock()
	if shouldFlush {
		ch.flushOutgoing()
	}
	return nil
}

// flushOutgoing drains outgoing_queue to the transport in FIFO order. It
// stops (leaving the remainder queued) the moment the channel is no
// longer OPEN, or when a write fails, in which case the channel is moved
// to CLOSING via CloseForError (reason FOR_ERROR).
func (ch *Channel) flushOutgoing() {
	ch.ref()
	defer ch.unref()
	for {
		ch.mu.Lock()
		if ch.state != StateOpen || len(ch.outgoingQueue) == 0 {
			ch.mu.Unlock()
			return
		}
		c := ch.outgoingQueue[0]
		ch.outgoingQueue = ch.outgoingQueue[1:]
		if len(ch.outgoingQueue) == 0 {
			ch.outgoingQueue = nil
		}
		transport := ch.transport
		ch.mu.Unlock()

		if transport == nil {
			continue
		}
		var err error
		if cell.IsVariableLength(c.Command()) {
			err = transport.WriteVarCell(c)
		} else {
			err = transport.WriteCell(c)
		}
		if err != nil {
			ch.CloseForError()
			return
		}
	}
}

// SendDestroy builds and writes a DESTROY cell for circID carrying reason,
// propagated verbatim without range-checking it against the known
// end-circuit-reason codes (spec §4.4 "channel_send_destroy"; the reason
// byte is opaque to the channel layer).
func (ch *Channel) SendDestroy(circID uint32, reason uint8) error {
	c := cell.NewFixedCell(circID, cell.CmdDestroy)
	payload := c.Payload()
	payload[0] = reason
	return ch.WriteCell(c)
}
