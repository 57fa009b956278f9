package channel

import "github.com/orlink/chanproto/cell"

// QueueCell enqueues an inbound fixed-length cell (spec §4.3
// "channel_queue_cell"). If a handler is already installed the cell is
// dispatched immediately instead of being buffered.
func (ch *Channel) QueueCell(c cell.Cell) {
	ch.mu.Lock()
	if ch.cellHandler == nil {
		ch.cellQueue = append(ch.cellQueue, c)
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()
	ch.processCells()
	ch.mu.Lock()
	ch.cellQueue = append(ch.cellQueue, c)
	ch.mu.Unlock()
	ch.processCells()
}

// QueueVarCell enqueues an inbound variable-length cell (spec §4.3
// "channel_queue_var_cell").
func (ch *Channel) QueueVarCell(c cell.Cell) {
	ch.mu.Lock()
	if ch.varCellHandler == nil {
		ch.varCellQueue = append(ch.varCellQueue, c)
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()
	ch.processVarCells()
	ch.mu.Lock()
	ch.varCellQueue = append(ch.varCellQueue, c)
	ch.mu.Unlock()
	ch.processVarCells()
}

// processCells drains the fixed-cell queue through the installed handler,
// in FIFO order, stopping (spec §4.3 "channel_process_cells") the moment
// no handler is installed. Cells are dispatched outside the channel's own
// mutex so a handler may itself call back into the channel (e.g. to write
// a reply) without deadlocking.
func (ch *Channel) processCells() {
	for {
		ch.mu.Lock()
		if ch.cellHandler == nil || len(ch.cellQueue) == 0 {
			ch.mu.Unlock()
			return
		}
		c := ch.cellQueue[0]
		ch.cellQueue = ch.cellQueue[1:]
		if len(ch.cellQueue) == 0 {
			ch.cellQueue = nil
		}
		handler := ch.cellHandler
		ch.mu.Unlock()

		ch.ref()
		handler(ch, c)
		ch.unref()
	}
}

// processVarCells is processCells's variable-length-cell counterpart.
func (ch *Channel) processVarCells() {
	for {
		ch.mu.Lock()
		if ch.varCellHandler == nil || len(ch.varCellQueue) == 0 {
			ch.mu.Unlock()
			return
		}
		c := ch.varCellQueue[0]
		ch.varCellQueue = ch.varCellQueue[1:]
		if len(ch.varCellQueue) == 0 {
			ch.varCellQueue = nil
		}
		handler := ch.varCellHandler
		ch.mu.Unlock()

		ch.ref()
		handler(ch, c)
		ch.unref()
	}
}
