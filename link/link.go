package link

import (
	"context"
	"fmt"
	"sync"

	"github.com/orlink/chanproto/cell"
	"github.com/orlink/chanproto/channel"
)

// Link is a thin, blocking-call facade over a *channel.Channel (spec §9
// "Polymorphism without inheritance": the channel core stays callback
// driven; Link exists for callers — circuit construction — that want to
// read and write cells synchronously rather than install handlers).
type Link struct {
	ch *channel.Channel

	fixed chan cell.Cell
	vari  chan cell.Cell

	mu      sync.Mutex
	circIDs map[uint32]bool

	localIdentityDigest [20]byte
	hasLocalIdentity    bool
}

// Wrap installs cell handlers on ch and returns a Link reading from them.
// ch must already be past CLOSED (typically OPENING, mid-handshake).
// identity is our own identity, used for circuit-id parity (spec §4.9);
// pass nil if this endpoint has no long-term identity.
func Wrap(ch *channel.Channel, identity *Identity) *Link {
	l := &Link{
		ch:      ch,
		fixed:   make(chan cell.Cell, 64),
		vari:    make(chan cell.Cell, 64),
		circIDs: make(map[uint32]bool),
	}
	if identity != nil && identity.IDKey != nil {
		l.localIdentityDigest = identityDigest(&identity.IDKey.PublicKey)
		l.hasLocalIdentity = true
	}
	ch.SetCellHandler(func(_ *channel.Channel, c cell.Cell) { l.fixed <- c })
	ch.SetVarCellHandler(func(_ *channel.Channel, c cell.Cell) { l.vari <- c })
	return l
}

// Dial connects to addr and returns a Link wrapping the resulting Channel
// (spec §4.7, §4.8).
func Dial(addr string, cfg DialConfig) (*Link, error) {
	ch, err := dialChannel(addr, cfg)
	if err != nil {
		return nil, err
	}
	return Wrap(ch, cfg.Identity), nil
}

// Channel returns the underlying channel, for callers that need direct
// access to state, identity, or the Registry relationship.
func (l *Link) Channel() *channel.Channel { return l.ch }

// WriteCell hands a fixed-length cell to the channel for transmission.
func (l *Link) WriteCell(c cell.Cell) error { return l.ch.WriteCell(c) }

// WriteVarCell hands a variable-length cell to the channel for
// transmission.
func (l *Link) WriteVarCell(c cell.Cell) error { return l.ch.WriteVarCell(c) }

// ReadCell blocks until a fixed-length cell arrives or ctx is done. Closing
// the channel does not by itself unblock it.
func (l *Link) ReadCell(ctx context.Context) (cell.Cell, error) {
	select {
	case c := <-l.fixed:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadVarCell blocks until a variable-length cell arrives or ctx is done.
// Closing the channel does not by itself unblock it.
func (l *Link) ReadVarCell(ctx context.Context) (cell.Cell, error) {
	select {
	case c := <-l.vari:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ClaimCircID registers a circuit ID on this link exactly as given; parity
// is applied earlier, by NextCircID. Returns false if already in use.
func (l *Link) ClaimCircID(id uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.circIDs[id] {
		return false
	}
	l.circIDs[id] = true
	return true
}

// ReleaseCircID removes a circuit ID from this link's tracking.
func (l *Link) ReleaseCircID(id uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.circIDs, id)
}

// NextCircID allocates the next outbound circuit ID, parity-adjusted
// against the peer's identity digest once it is known (spec §4.9).
func (l *Link) NextCircID() (uint32, error) {
	seed := l.ch.NextCircID()
	if !l.hasLocalIdentity {
		return seed, fmt.Errorf("no local identity configured, cannot assign circuit-id parity")
	}
	remoteDigest, hasRemote := l.ch.IdentityDigest()
	if !hasRemote {
		return seed, fmt.Errorf("peer identity not yet known, cannot assign circuit-id parity")
	}
	// The numeric circuit-id space stays 16-bit even though the channel
	// layer's canonical Cell carries CircID in a 4-byte field (spec §4.9,
	// §6.1): this engine's wire format never widens past link protocol 3.
	high := circIDParityHigh(l.localIdentityDigest, remoteDigest)
	return applyCircIDParity(cell.CircIDLen2, seed, high), nil
}

// IdentityDigest returns the peer's identity digest, if known.
func (l *Link) IdentityDigest() ([20]byte, bool) { return l.ch.IdentityDigest() }

// RemoteAddr returns the remote socket address recorded for this link.
func (l *Link) RemoteAddr() string { return l.ch.RemoteAddr() }

// IsCanonical reports whether the peer's NETINFO confirmed our address as
// the one it considers this link reachable on (spec §4.8, §8 scenario 1).
func (l *Link) IsCanonical() bool { return l.ch.IsCanonical() }

// Close requests an orderly shutdown of the underlying channel (spec
// §4.2 "channel_request_close").
func (l *Link) Close() error {
	l.ch.RequestClose()
	return nil
}
