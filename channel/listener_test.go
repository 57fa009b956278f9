package channel

import "testing"

func TestQueueIncomingBuffersUntilListenerInstalled(t *testing.T) {
	reg := NewRegistry()
	listener, _ := newTestChannel(reg)
	listener.TransitionTo(StateListening)

	child, _ := newTestChannel(reg)
	listener.QueueIncoming(child)

	if !child.InitiatedRemotely() {
		t.Fatal("expected QueueIncoming to mark the child as remotely-initiated")
	}

	listener.mu.Lock()
	backlog := len(listener.incomingList)
	listener.mu.Unlock()
	if backlog != 1 {
		t.Fatalf("expected 1 buffered incoming channel, got %d", backlog)
	}

	var dispatched []*Channel
	listener.SetListener(func(l, incoming *Channel) {
		dispatched = append(dispatched, incoming)
	})

	if len(dispatched) != 1 || dispatched[0] != child {
		t.Fatalf("expected the buffered child dispatched once a listener was installed, got %v", dispatched)
	}
}

func TestProcessIncomingDrainsInOrder(t *testing.T) {
	reg := NewRegistry()
	listener, _ := newTestChannel(reg)
	listener.TransitionTo(StateListening)

	var order []uint64
	listener.SetListener(func(l, incoming *Channel) {
		order = append(order, incoming.ID())
	})

	a, _ := newTestChannel(reg)
	b, _ := newTestChannel(reg)
	listener.QueueIncoming(a)
	listener.QueueIncoming(b)

	if len(order) != 2 || order[0] != a.ID() || order[1] != b.ID() {
		t.Fatalf("expected FIFO dispatch order [a, b], got %v", order)
	}
}

func TestProcessIncomingDrainsBacklogWhileClosing(t *testing.T) {
	reg := NewRegistry()
	listener, _ := newTestChannel(reg)
	listener.TransitionTo(StateListening)

	child, _ := newTestChannel(reg)
	listener.QueueIncoming(child)

	listener.reasonForClosing = ReasonRequested
	listener.TransitionTo(StateClosing)

	var dispatched int
	listener.SetListener(func(l, incoming *Channel) { dispatched++ })
	if dispatched != 1 {
		t.Fatalf("expected backlog still drained while CLOSING, got %d dispatched", dispatched)
	}
}
