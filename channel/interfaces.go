package channel

import "github.com/orlink/chanproto/cell"

// Transport is the polymorphic hook set a concrete channel implementation
// (e.g. the TLS channel in package link) supplies. It replaces the
// base-channel/subclass/function-pointer pattern of the original C
// implementation with a small interface value (spec §9 "Polymorphism
// without inheritance").
type Transport interface {
	// Close begins transport-level teardown (e.g. TLS shutdown). It must
	// not block; eventual completion is reported via Closed/CloseForError
	// on the owning Channel.
	Close() error
	// WriteCell hands a fixed-length cell to the transport for immediate
	// transmission.
	WriteCell(c cell.Cell) error
	// WriteVarCell hands a variable-length cell to the transport.
	WriteVarCell(c cell.Cell) error
	// Free releases any transport-owned resources. Called at most once,
	// only from Channel.unref, after the channel is unregistered, has
	// refcount zero, and is in a terminal state.
	Free()
}

// CellHandler processes one fixed-length cell delivered to the upper
// (circuit) layer.
type CellHandler func(ch *Channel, c cell.Cell)

// VarCellHandler processes one variable-length cell delivered to the upper
// layer.
type VarCellHandler func(ch *Channel, c cell.Cell)

// ListenerHandler is invoked with a freshly-accepted child channel on a
// LISTENING channel.
type ListenerHandler func(listener, incoming *Channel)

// Clock is the time source the channel layer consumes (spec §6.7). It is
// abstract so handshake-skew tests can control "now" precisely.
type Clock interface {
	Now() int64 // seconds since epoch
}

// CircuitLayer is the external collaborator that owns circuits multiplexed
// over a channel (spec §1, §6.7). The channel core never constructs
// circuits; it only reports channel-level lifecycle events to this
// interface.
type CircuitLayer interface {
	// UnlinkAllFromChannel detaches every circuit riding this channel,
	// delivering reason to each (spec §4.2 "closed").
	UnlinkAllFromChannel(ch *Channel, reason int)
	// NChanDone notifies circuits pending on this channel that it either
	// became usable (ok=true) or will never be (ok=false, e.g. guard
	// rejection, spec §4.6).
	NChanDone(ch *Channel, ok bool)
	// NotifyOpen tells the circuit layer that circuits may now be built
	// over this channel (spec §4.6, end of open-time actions).
	NotifyOpen(ch *Channel)
}

// GuardManager models the entry-guard subsystem (spec §4.6).
type GuardManager interface {
	// RegisterConnectStatus records a (successful or failed) connection
	// attempt to the given identity. Returning an error means the guard
	// subsystem has rejected this channel as a usable guard; the channel
	// stays OPEN but pending circuits on it must be cancelled.
	RegisterConnectStatus(identityDigest [20]byte, succeeded bool) error
}

// RouterDB is the read-only router-descriptor collaborator (spec §6.7).
type RouterDB interface {
	ByIDDigest(identityDigest [20]byte) (known bool, isTrustedDir bool)
	SetReachable(identityDigest [20]byte)
}

// GeoIP models client-sighting/dirreq bookkeeping for remotely-initiated
// channels (spec §4.6, §6.7).
type GeoIP interface {
	NoteClientSeen(identityDigest [20]byte, remoteAddr string)
}

// Controller models the control-port event sink (spec §6.7).
type Controller interface {
	EmitClockSkew(ch *Channel, skewSeconds int64, trusted bool)
}

// Logger is the minimal leveled-logging surface the channel layer needs;
// satisfied directly by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}
