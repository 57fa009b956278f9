// Package channel implements the OR-link channel abstraction: the
// transport-abstract carrier of cells between two onion routers, sitting
// between a relay's TCP/TLS connections and its circuit multiplexer.
//
// A Channel is a state machine (see state.go), a pair of cell queues with
// handler dispatch (queue.go, write.go, listener.go), and a ref-counted
// object whose lifetime is shared between a process-wide Registry
// (registry.go) and a polymorphic Transport implementation (interfaces.go).
// The concrete TLS-backed transport lives in package link.
package channel

import (
	"fmt"
	"sync"

	"github.com/orlink/chanproto/cell"
)

var nextID struct {
	mu sync.Mutex
	n  uint64
}

func allocateID() uint64 {
	nextID.mu.Lock()
	defer nextID.mu.Unlock()
	nextID.n++
	return nextID.n
}

// Channel represents one logical OR-link (spec §3).
type Channel struct {
	mu sync.Mutex

	id    uint64
	state State

	refcount   int
	registered bool

	reasonForClosing ReasonForClosing
	initiatedRemotely bool

	identityDigest [20]byte
	hasIdentity    bool
	nickname       string
	remoteAddr     string
	isCanonical    bool

	timestampLastAddedNonpadding int64

	nextCircID uint32 // 15-bit seed, spec §4.9
	dirReqID   uint64
	clientUsed int64

	cellHandler    CellHandler
	varCellHandler VarCellHandler
	listener       ListenerHandler

	transport Transport

	outgoingQueue []cell.Cell // spec §3: cells not yet given to the transport
	cellQueue     []cell.Cell // spec §3: inbound cells awaiting a handler
	varCellQueue  []cell.Cell

	incomingList []*Channel // LISTENING: accepted-but-undispatched children

	registry *Registry

	clock Clock
	log   Logger

	circuits   CircuitLayer
	guards     GuardManager
	routers    RouterDB
	geoip      GeoIP
	controller Controller

	isPublicServer bool
}

// Option configures a Channel at construction time.
type Option func(*Channel)

// WithClock overrides the Clock collaborator (default: wall-clock).
func WithClock(c Clock) Option {
	return func(ch *Channel) { ch.clock = c }
}

// WithLogger overrides the Logger collaborator.
func WithLogger(l Logger) Option {
	return func(ch *Channel) { ch.log = l }
}

// WithCircuitLayer installs the circuit-layer collaborator used by
// open-time actions and Closed (spec §4.6, §4.2).
func WithCircuitLayer(c CircuitLayer) Option {
	return func(ch *Channel) { ch.circuits = c }
}

// WithGuardManager installs the entry-guard collaborator (spec §4.6).
func WithGuardManager(g GuardManager) Option {
	return func(ch *Channel) { ch.guards = g }
}

// WithRouterDB installs the router-descriptor collaborator (spec §4.6).
func WithRouterDB(r RouterDB) Option {
	return func(ch *Channel) { ch.routers = r }
}

// WithGeoIP installs the geoip collaborator (spec §4.6).
func WithGeoIP(g GeoIP) Option {
	return func(ch *Channel) { ch.geoip = g }
}

// WithController installs the control-event sink (spec §4.8 clock skew).
func WithController(c Controller) Option {
	return func(ch *Channel) { ch.controller = c }
}

// WithPublicServer marks the channel as belonging to a publicly-reachable
// relay, which the handshake engine uses to decide whether to send
// AUTH_CHALLENGE/AUTHENTICATE.
func WithPublicServer(v bool) Option {
	return func(ch *Channel) { ch.isPublicServer = v }
}

// IsPublicServer reports whether this channel belongs to a publicly
// reachable relay.
func (ch *Channel) IsPublicServer() bool {
	return ch.isPublicServer
}

// Controller returns the control-event sink configured for this channel,
// or nil if none was installed. The link-layer handshake engine uses this
// to report clock skew observed in a NETINFO cell (spec §4.8).
func (ch *Channel) Controller() Controller {
	return ch.controller
}

// Clock returns the channel's time source, for collaborators (such as the
// handshake engine) that need to reason about "now" the same way the
// channel itself does.
func (ch *Channel) Clock() Clock {
	return ch.clock
}

// Log returns the channel's logger, for collaborators that want to log
// under the same channel-identifying fields the channel itself uses.
func (ch *Channel) Log() Logger {
	return ch.log
}

// New allocates a Channel in CLOSED state, not yet registered, with a
// fresh process-unique ID and a random next_circ_id seed. The caller must
// set a Transport (SetTransport) before any write, then transition it to
// OPENING or LISTENING and Register it.
func New(registry *Registry, rng Rng, opts ...Option) *Channel {
	ch := &Channel{
		id:    allocateID(),
		state: StateClosed,
	}
	seed, err := rng.Uint15()
	if err == nil {
		ch.nextCircID = seed
	}
	ch.registry = registry
	for _, o := range opts {
		o(ch)
	}
	if ch.clock == nil {
		ch.clock = systemClock{}
	}
	if ch.log == nil {
		ch.log = noopLogger{}
	}
	return ch
}

// Rng is the cryptographic random source the channel layer consumes (spec
// §6.7, §4.9).
type Rng interface {
	// Uint15 returns a uniform value in [0, 2^15).
	Uint15() (uint32, error)
}

// ID returns the channel's process-unique identifier.
func (ch *Channel) ID() uint64 {
	return ch.id
}

// State returns the channel's current state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// SetTransport binds the polymorphic transport hooks. Must be called
// before the channel leaves CLOSED.
func (ch *Channel) SetTransport(t Transport) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.transport = t
}

// InitiatedRemotely reports whether this channel originated from an
// incoming connection to a listener.
func (ch *Channel) InitiatedRemotely() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.initiatedRemotely
}

// SetInitiatedRemotely marks the channel as server-side-accepted.
func (ch *Channel) SetInitiatedRemotely(v bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.initiatedRemotely = v
}

// IdentityDigest returns the remote peer identity fingerprint and whether
// it is known yet.
func (ch *Channel) IdentityDigest() ([20]byte, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.identityDigest, ch.hasIdentity
}

// SetRemoteEnd records the remote peer's identity digest and nickname
// (spec §4.2 "set_remote_end").
func (ch *Channel) SetRemoteEnd(digest [20]byte, nickname string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.identityDigest = digest
	ch.hasIdentity = true
	ch.nickname = nickname
}

// RemoteAddr returns the remote socket address recorded for this channel,
// if any (set by the transport at accept/dial time).
func (ch *Channel) RemoteAddr() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.remoteAddr
}

// SetRemoteAddr records the remote socket address, consumed by open-time
// geoip bookkeeping (spec §4.6).
func (ch *Channel) SetRemoteAddr(addr string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.remoteAddr = addr
}

// ClearRemoteEnd zeroes remote-end metadata (spec §4.2 "clear_remote_end").
func (ch *Channel) ClearRemoteEnd() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.identityDigest = [20]byte{}
	ch.hasIdentity = false
	ch.nickname = ""
}

// IsCanonical reports whether the peer's NETINFO "other addresses" included
// our own real_addr, i.e. the peer considers this connection reachable on
// the address it believes is ours (spec §4.8 "set the connection's
// is_canonical flag", glossary "Canonical address").
func (ch *Channel) IsCanonical() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.isCanonical
}

// SetCanonical records the canonical-address bit computed by the handshake
// engine's NETINFO handler.
func (ch *Channel) SetCanonical(v bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.isCanonical = v
}

// NextCircID returns and advances the 15-bit circuit-ID seed. Parity (the
// high bit) is applied by the caller, link.Link.NextCircID via
// applyCircIDParity, once both identity digests are known (spec §4.9);
// NextCircID itself only hands out the low 15 bits.
func (ch *Channel) NextCircID() uint32 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := ch.nextCircID
	ch.nextCircID = (ch.nextCircID + 1) & 0x7FFF
	return id
}

// touchNonpadding updates timestamp_last_added_nonpadding to now. Called by
// the write path (write.go) with ch.mu held.
func (ch *Channel) touchNonpadding() {
	ch.timestampLastAddedNonpadding = ch.clock.Now()
}

// SetCellHandler installs the fixed-cell handler slot, per spec §4.3.
// Installing a non-nil handler while matching-tagged cells are queued
// drains them before returning (handler monotonicity, spec §8 invariant 5).
func (ch *Channel) SetCellHandler(h CellHandler) {
	ch.mu.Lock()
	ch.cellHandler = h
	hadQueued := len(ch.cellQueue) > 0
	ch.mu.Unlock()
	if h != nil && hadQueued {
		ch.processCells()
	}
}

// SetVarCellHandler installs the variable-cell handler slot.
func (ch *Channel) SetVarCellHandler(h VarCellHandler) {
	ch.mu.Lock()
	ch.varCellHandler = h
	hadQueued := len(ch.varCellQueue) > 0
	ch.mu.Unlock()
	if h != nil && hadQueued {
		ch.processVarCells()
	}
}

// SetListener installs the listener slot on a LISTENING channel, draining
// any backlog of accepted children (spec §4.5).
func (ch *Channel) SetListener(l ListenerHandler) {
	ch.mu.Lock()
	ch.listener = l
	hasBacklog := len(ch.incomingList) > 0
	ch.mu.Unlock()
	if l != nil && hasBacklog {
		ch.ProcessIncoming()
	}
}

func (ch *Channel) String() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return fmt.Sprintf("channel(id=%d, state=%s)", ch.id, ch.state)
}

type systemClock struct{}

func (systemClock) Now() int64 { return wallClockNow() }

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
