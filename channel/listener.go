package channel

// QueueIncoming records a freshly-accepted child channel on a LISTENING
// channel, dispatching it immediately if a listener callback is already
// installed, or buffering it in incoming_list otherwise (spec §4.5
// "channel_queue_incoming"). The child is marked remotely-initiated before
// it is ever handed to the callback.
func (ch *Channel) QueueIncoming(incoming *Channel) {
	incoming.SetInitiatedRemotely(true)

	ch.mu.Lock()
	if ch.listener == nil {
		ch.incomingList = append(ch.incomingList, incoming)
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()
	ch.ProcessIncoming()
	ch.mu.Lock()
	ch.incomingList = append(ch.incomingList, incoming)
	ch.mu.Unlock()
	ch.ProcessIncoming()
}

// ProcessIncoming drains incoming_list through the installed listener
// callback in FIFO order (spec §4.5 "channel_process_incoming"). Draining
// is permitted even while the listening channel itself is in CLOSING, so a
// shutting-down listener still delivers any backlog it already accepted.
func (ch *Channel) ProcessIncoming() {
	for {
		ch.mu.Lock()
		if ch.listener == nil || len(ch.incomingList) == 0 {
			ch.mu.Unlock()
			return
		}
		incoming := ch.incomingList[0]
		ch.incomingList = ch.incomingList[1:]
		if len(ch.incomingList) == 0 {
			ch.incomingList = nil
		}
		listener := ch.listener
		ch.mu.Unlock()

		ch.ref()
		incoming.ref()
		listener(ch, incoming)
		incoming.unref()
		ch.unref()
	}
}
