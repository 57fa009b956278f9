package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/orlink/chanproto/channel"
)

// Manager is the concrete channel.CircuitLayer collaborator (spec §6.7): the
// table of circuits multiplexed over each channel, and the bridge between
// channel-level lifecycle events (open, guard rejection, close) and the
// circuits actually riding that channel. It is the package's stand-in for
// the out-of-scope circuit multiplexer (spec §1).
type Manager struct {
	mu        sync.Mutex
	byChannel map[uint64][]*Circuit
	waiters   map[uint64]chan error
	log       *slog.Logger
}

// NewManager returns an empty Manager.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		byChannel: make(map[uint64][]*Circuit),
		waiters:   make(map[uint64]chan error),
		log:       log,
	}
}

// WaitOpen blocks until ch either reaches OPEN (NotifyOpen fires) or is
// declared permanently unusable (NChanDone(ch, false), e.g. guard
// rejection), or ctx is done. Dialing a channel returns long before the
// handshake completes — OPEN is driven asynchronously by the background
// read loop (spec §4.7, §4.8) — so a caller that wants to CREATE2 over a
// freshly dialed channel waits here first.
func (m *Manager) WaitOpen(ctx context.Context, ch *channel.Channel) error {
	waiter := make(chan error, 1)
	m.mu.Lock()
	m.waiters[ch.ID()] = waiter
	m.mu.Unlock()

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.waiters, ch.ID())
		m.mu.Unlock()
		return ctx.Err()
	}
}

// NotifyOpen implements channel.CircuitLayer (spec §4.6, end of open-time
// actions: "notify the circuit layer that pending circuits may now
// proceed").
func (m *Manager) NotifyOpen(ch *channel.Channel) {
	m.signal(ch.ID(), nil)
}

// NChanDone implements channel.CircuitLayer (spec §4.6 guard rejection:
// "cancel circuits pending on the channel but leave the channel OPEN"). ok
// is only ever false in this codebase: a successful open already signals
// through NotifyOpen, so Manager only needs to wake a waiter with an error
// here.
func (m *Manager) NChanDone(ch *channel.Channel, ok bool) {
	if ok {
		return
	}
	m.log.Info("channel rejected as usable, cancelling circuits pending on it", "channel", ch.ID())
	m.signal(ch.ID(), fmt.Errorf("channel %d: rejected by guard subsystem", ch.ID()))
}

func (m *Manager) signal(chID uint64, err error) {
	m.mu.Lock()
	w, ok := m.waiters[chID]
	delete(m.waiters, chID)
	m.mu.Unlock()
	if ok {
		w <- err
	}
}

// UnlinkAllFromChannel implements channel.CircuitLayer (spec §4.2
// "closed": "unlink all attached circuits with CHANNEL_CLOSED reason").
// Every circuit riding ch is detached from the manager and marked dead, so
// subsequent SendRelay/ReceiveRelay calls on it fail instead of touching a
// channel that is gone.
func (m *Manager) UnlinkAllFromChannel(ch *channel.Channel, reason int) {
	m.mu.Lock()
	circs := m.byChannel[ch.ID()]
	delete(m.byChannel, ch.ID())
	m.mu.Unlock()

	for _, c := range circs {
		c.markDead(reason)
	}
	if len(circs) > 0 {
		m.log.Info("unlinked circuits from closed channel",
			"channel", ch.ID(), "count", len(circs), "reason", reason)
	}
}

// track registers c as riding the channel identified by chID, so a later
// UnlinkAllFromChannel can find and kill it.
func (m *Manager) track(chID uint64, c *Circuit) {
	m.mu.Lock()
	m.byChannel[chID] = append(m.byChannel[chID], c)
	m.mu.Unlock()
}

// untrack removes c from its channel's circuit list, e.g. once it has been
// torn down deliberately via Destroy rather than by the channel closing.
func (m *Manager) untrack(chID uint64, c *Circuit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	circs := m.byChannel[chID]
	for i, existing := range circs {
		if existing == c {
			m.byChannel[chID] = append(circs[:i], circs[i+1:]...)
			return
		}
	}
}
