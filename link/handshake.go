package link

import (
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/orlink/chanproto/cell"
	"github.com/orlink/chanproto/channel"
)

// orSubState tracks where a link is in the handshake described by spec
// §4.8, independent of the owning Channel's own state machine (the Channel
// sits in OPENING for the whole of subStateHandshaking, and is driven to
// OPEN the instant the engine reaches subStateOpen).
type orSubState int

const (
	subStateHandshaking orSubState = iota
	subStateOpen
)

// skewWindowSeconds bounds how long after we send VERSIONS a peer's
// NETINFO timestamp is still considered informative about clock skew
// (spec §4.8 "NETINFO").
const skewWindowSeconds = 180

// skewWarnThresholdSeconds is the apparent-skew magnitude that is worth a
// log line and a controller event (spec §4.8).
const skewWarnThresholdSeconds = 3600

// Engine drives one link's v2/v3 handshake (spec §4.8): VERSIONS, then
// either a bare NETINFO exchange (v2) or CERTS/AUTH_CHALLENGE/AUTHENTICATE
// followed by NETINFO (v3). It writes handshake cells straight to the
// owning channel's Transport, bypassing the Channel's own cell queue —
// exactly like the one-time VERSIONS/CERTS exchange in the original
// protocol runs ahead of normal cell traffic, which only starts flowing
// once the Channel reaches OPEN.
type Engine struct {
	ch        *channel.Channel
	transport channel.Transport
	logger    channel.Logger
	clock     channel.Clock
	routers   channel.RouterDB

	identity       *Identity
	startedHere    bool
	isPublicServer bool

	realAddr net.IP // our own address, if known (for NETINFO my_addr and the canonical check)
	peerAddr net.IP // the address we believe the peer is reachable at

	tlsState   tls.ConnectionState
	tlsPeerKey *rsa.PublicKey

	subState orSubState
	linkProto uint16

	receivedVersions      bool
	receivedCerts         bool
	receivedAuthChallenge bool
	receivedAuthenticate  bool
	receivedNetInfo       bool
	authenticated         bool

	sentVersionsAt int64

	peerIdentityDigest    [20]byte
	hasPeerIdentityDigest bool

	serverCerts *decodedCerts // retained server-side, for verifying the client's AUTHENTICATE cell

	// sentDigest/recvDigest are the per-direction handshake digests
	// (CLOG/SLOG in real tor's terms) that AUTHENTICATE's authenticator is
	// built from: sentDigest covers the CERTS/AUTH_CHALLENGE cells this
	// engine wrote, recvDigest the ones it read off the wire. Mixing these
	// into one shared digest fed in local arrival order would make the
	// client's and server's Sum()s diverge, since CERTS/AUTH_CHALLENGE
	// arrive in different relative orders on each side.
	sentDigest *handshakeDigest
	recvDigest *handshakeDigest
}

// NewEngine builds a handshake engine bound to ch's transport. tlsState is
// the completed TLS handshake state of the underlying connection;
// startedHere matches the Channel's own InitiatedRemotely in the opposite
// sense (true if we dialed out). realAddr/peerAddr may be nil if unknown.
func NewEngine(ch *channel.Channel, transport channel.Transport, tlsState tls.ConnectionState, identity *Identity, startedHere, isPublicServer bool, realAddr, peerAddr net.IP) (*Engine, error) {
	if len(tlsState.PeerCertificates) == 0 {
		return nil, fmt.Errorf("TLS peer presented no certificate")
	}
	peerKey, ok := tlsState.PeerCertificates[0].PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("TLS peer certificate key is not RSA")
	}
	return &Engine{
		ch:             ch,
		transport:      transport,
		logger:         ch.Log(),
		clock:          ch.Clock(),
		routers:        nil,
		identity:       identity,
		startedHere:    startedHere,
		isPublicServer: isPublicServer,
		realAddr:       realAddr,
		peerAddr:       peerAddr,
		tlsState:       tlsState,
		tlsPeerKey:     peerKey,
		sentDigest:     newHandshakeDigest(),
		recvDigest:     newHandshakeDigest(),
	}, nil
}

// WithRouterDB installs the router-descriptor collaborator used to decide
// how loudly to log an apparent clock skew (spec §4.8 "NETINFO").
func (e *Engine) WithRouterDB(r channel.RouterDB) *Engine {
	e.routers = r
	return e
}

// Done reports whether the handshake has completed and the channel has
// been driven to OPEN; once true the caller should stop routing cells
// through the engine and let the Channel's own queue/handler dispatch
// take over.
func (e *Engine) Done() bool {
	return e.subState == subStateOpen
}

// LinkProtocol returns the negotiated link protocol version, or 0 before
// VERSIONS has been processed.
func (e *Engine) LinkProtocol() uint16 {
	return e.linkProto
}

// Start sends our VERSIONS cell if we're the connecting side (spec §4.8:
// the side that dialed out always speaks first).
func (e *Engine) Start() error {
	if !e.startedHere {
		return nil
	}
	if err := e.transport.WriteVarCell(buildVersionsCell()); err != nil {
		return fmt.Errorf("write VERSIONS: %w", err)
	}
	e.sentVersionsAt = e.clock.Now()
	return nil
}

func (e *Engine) writeRaw(c cell.Cell) error {
	if cell.IsVariableLength(c.CommandW(cell.CircIDLen2)) {
		return e.transport.WriteVarCell(c)
	}
	return e.transport.WriteCell(c)
}

// sendAndDigest folds a cell into our sent-side handshake digest and then
// writes it, so the digest already covers the cell if the peer's reply is
// processed before the write returns. Only CERTS and AUTH_CHALLENGE are
// sent this way; VPADDING and AUTHORIZE cells received during the
// handshake are ignored and are not folded into the received-side digest.
func (e *Engine) sendAndDigest(c cell.Cell) error {
	e.sentDigest.Append(c)
	return e.writeRaw(c)
}

// OnVersions processes the peer's VERSIONS cell and, for v3, sends our own
// reply batch (spec §4.8 "VERSIONS").
func (e *Engine) OnVersions(peerVersions []uint16) error {
	if e.receivedVersions {
		return fmt.Errorf("duplicate VERSIONS cell")
	}
	e.receivedVersions = true

	proto := negotiateLinkProtocol(peerVersions)
	if proto == 0 {
		return fmt.Errorf("no shared link protocol with peer (offered %v)", peerVersions)
	}
	e.linkProto = proto
	e.logger.Debug("negotiated link protocol", "channel", e.ch.ID(), "protocol", proto)

	if proto == 2 {
		e.authenticated = true // v2 has no authentication step at all
		return e.sendNetInfo()
	}

	sendVersions := !e.startedHere
	sendCerts := !e.startedHere || e.isPublicServer
	sendChallenge := !e.startedHere && e.isPublicServer
	sendNetInfo := !e.startedHere

	if sendVersions {
		if err := e.transport.WriteVarCell(buildVersionsCell()); err != nil {
			return fmt.Errorf("write VERSIONS: %w", err)
		}
		e.sentVersionsAt = e.clock.Now()
	}
	if sendCerts {
		c, err := e.buildOwnCertsCell()
		if err != nil {
			return fmt.Errorf("build CERTS: %w", err)
		}
		if err := e.sendAndDigest(c); err != nil {
			return fmt.Errorf("write CERTS: %w", err)
		}
	}
	if sendChallenge {
		c, challenge, err := buildAuthChallengeCell()
		if err != nil {
			return fmt.Errorf("build AUTH_CHALLENGE: %w", err)
		}
		_ = challenge // our own offered challenge is not re-verified; the authenticator binds to the TLS session and handshake digest instead
		if err := e.sendAndDigest(c); err != nil {
			return fmt.Errorf("write AUTH_CHALLENGE: %w", err)
		}
	}
	if sendNetInfo {
		if err := e.sendNetInfo(); err != nil {
			return err
		}
	}
	return nil
}

// OnCell processes one non-VERSIONS handshake cell (spec §4.8's
// CERTS/AUTH_CHALLENGE/AUTHENTICATE/NETINFO handlers).
func (e *Engine) OnCell(c cell.Cell) error {
	cmd := c.CommandW(cell.CircIDLen2)
	switch cmd {
	case cell.CmdVPadding, cell.CmdAuthorize:
		e.logger.Debug("ignoring cell during handshake", "channel", e.ch.ID(), "command", cmd)
		return nil
	case cell.CmdCerts:
		return e.onCerts(c)
	case cell.CmdAuthChallenge:
		return e.onAuthChallenge(c)
	case cell.CmdAuthenticate:
		return e.onAuthenticate(c)
	case cell.CmdNetInfo:
		return e.onNetInfo(c)
	default:
		return fmt.Errorf("unexpected command %d before link handshake completes", cmd)
	}
}

func (e *Engine) onCerts(c cell.Cell) error {
	if e.linkProto < 3 {
		return fmt.Errorf("CERTS cell not valid on link protocol %d", e.linkProto)
	}
	if e.receivedCerts {
		return fmt.Errorf("duplicate CERTS cell")
	}
	if c.CircIDW(cell.CircIDLen2) != 0 {
		return fmt.Errorf("CERTS cell with nonzero circ_id")
	}
	e.receivedCerts = true
	e.recvDigest.Append(c)

	dc, err := parseCertsPayload(c.PayloadW(cell.CircIDLen2), e.logger)
	if err != nil {
		return fmt.Errorf("parse CERTS: %w", err)
	}

	if e.startedHere {
		digest, err := validateClientSideCerts(dc, e.tlsPeerKey, e.logger)
		if err != nil {
			return fmt.Errorf("validate server certs: %w", err)
		}
		e.peerIdentityDigest = digest
		e.hasPeerIdentityDigest = true
		e.ch.SetRemoteEnd(digest, "")
		// Client-side authentication *is* CERTS validation: we have just
		// verified LINK matches the TLS session key and is signed by ID,
		// and ID is self-signed (spec §4.8 CERTS, client side, "On success
		// set authenticated"). We will never send or receive AUTHENTICATE.
		e.authenticated = true

		if !e.isPublicServer {
			// We will never AUTHENTICATE; our NETINFO is due now.
			if err := e.sendNetInfo(); err != nil {
				return err
			}
		}
		return nil
	}

	if err := validateServerSideCerts(dc); err != nil {
		return fmt.Errorf("validate client certs: %w", err)
	}
	e.serverCerts = dc
	return nil
}

func (e *Engine) onAuthChallenge(c cell.Cell) error {
	if !e.startedHere {
		return fmt.Errorf("AUTH_CHALLENGE not expected on the accepting side")
	}
	if !e.receivedCerts {
		return fmt.Errorf("AUTH_CHALLENGE received before CERTS")
	}
	if e.receivedAuthChallenge {
		return fmt.Errorf("duplicate AUTH_CHALLENGE cell")
	}
	if c.CircIDW(cell.CircIDLen2) != 0 {
		return fmt.Errorf("AUTH_CHALLENGE cell with nonzero circ_id")
	}
	e.receivedAuthChallenge = true
	e.recvDigest.Append(c)

	offersOurMethod, err := parseAuthChallengePayload(c.PayloadW(cell.CircIDLen2))
	if err != nil {
		return fmt.Errorf("parse AUTH_CHALLENGE: %w", err)
	}

	if e.isPublicServer {
		if offersOurMethod && e.identity != nil && e.identity.AuthKey != nil {
			ourDigest := identityDigest(&e.identity.IDKey.PublicKey)
			// CLOG is what we (the client) sent; SLOG is what the server
			// sent — CERTS here, plus the AUTH_CHALLENGE we just received.
			authBody, err := computeAuthBody(e.tlsState, ourDigest, e.peerIdentityDigest, e.sentDigest.Sum(), e.recvDigest.Sum())
			if err != nil {
				return fmt.Errorf("compute authenticator: %w", err)
			}
			authCell, err := buildAuthenticateCell(authBody, e.identity.AuthKey)
			if err != nil {
				return fmt.Errorf("build AUTHENTICATE: %w", err)
			}
			if err := e.writeRaw(authCell); err != nil {
				return fmt.Errorf("write AUTHENTICATE: %w", err)
			}
		} else {
			e.logger.Warn("not authenticating to peer", "channel", e.ch.ID(), "offered", offersOurMethod)
		}
		if err := e.sendNetInfo(); err != nil {
			return err
		}
	}
	// Non-public-server clients send nothing here: their NETINFO already
	// went out when CERTS validated, and authenticated was already set
	// there too (client-side authentication is CERTS validation, not this
	// cell; see onCerts).
	return nil
}

func (e *Engine) onAuthenticate(c cell.Cell) error {
	if e.startedHere {
		return fmt.Errorf("AUTHENTICATE not expected on the connecting side")
	}
	if e.receivedAuthenticate {
		return fmt.Errorf("duplicate AUTHENTICATE cell")
	}
	e.receivedAuthenticate = true

	if e.serverCerts == nil || e.serverCerts.auth == nil || e.serverCerts.id == nil {
		return fmt.Errorf("AUTHENTICATE without a preceding AUTH_1024 cert")
	}
	if e.identity == nil {
		return fmt.Errorf("no local identity configured to authenticate against")
	}

	clientDigest := identityDigest(e.serverCerts.id.key)
	ourDigest := identityDigest(&e.identity.IDKey.PublicKey)
	// CLOG is what the client sent (its CERTS, which we received); SLOG is
	// what we (the server) sent — our own CERTS and AUTH_CHALLENGE.
	expected, err := computeAuthBody(e.tlsState, clientDigest, ourDigest, e.recvDigest.Sum(), e.sentDigest.Sum())
	if err != nil {
		return fmt.Errorf("compute expected authenticator: %w", err)
	}
	if err := verifyAuthenticatePayload(c.PayloadW(cell.CircIDLen2), expected, e.serverCerts.auth.key); err != nil {
		return fmt.Errorf("verify AUTHENTICATE: %w", err)
	}

	e.peerIdentityDigest = clientDigest
	e.hasPeerIdentityDigest = true
	e.ch.SetRemoteEnd(clientDigest, "")
	e.authenticated = true
	return nil
}

func (e *Engine) onNetInfo(c cell.Cell) error {
	if e.receivedNetInfo {
		return fmt.Errorf("duplicate NETINFO cell")
	}
	e.receivedNetInfo = true

	if e.linkProto >= 3 {
		if e.startedHere && !e.authenticated {
			return fmt.Errorf("NETINFO received before handshake authentication completed")
		}
		if !e.startedHere && !e.authenticated {
			// The client chose not to authenticate: treat it as anonymous.
			e.ch.ClearRemoteEnd()
			e.hasPeerIdentityDigest = false
		}
	}

	body, err := parseNetInfoPayload(c.PayloadW(cell.CircIDLen2))
	if err != nil {
		return fmt.Errorf("parse NETINFO: %w", err)
	}

	e.checkClockSkew(body.timestamp)

	if e.realAddr != nil && body.isCanonical(e.realAddr) {
		e.ch.SetCanonical(true)
		e.logger.Debug("peer confirms our address as canonical", "channel", e.ch.ID())
	}

	e.subState = subStateOpen
	e.ch.TransitionTo(channel.StateOpen)
	return nil
}

// checkClockSkew implements spec §4.8's NETINFO skew check: only
// meaningful within skewWindowSeconds of our own VERSIONS, and only worth
// reporting past skewWarnThresholdSeconds.
func (e *Engine) checkClockSkew(peerTimestamp uint32) {
	if e.sentVersionsAt == 0 {
		return
	}
	now := e.clock.Now()
	if now-e.sentVersionsAt > skewWindowSeconds {
		return
	}
	skew := now - int64(peerTimestamp)
	abs := skew
	if abs < 0 {
		abs = -abs
	}
	if abs <= skewWarnThresholdSeconds {
		return
	}

	direction := "behind"
	if skew < 0 {
		direction = "ahead"
	}
	msg := fmt.Sprintf("peer clock is %s ours by %d seconds", direction, abs)

	trusted := false
	if e.routers != nil && e.hasPeerIdentityDigest {
		_, trusted = e.routers.ByIDDigest(e.peerIdentityDigest)
	}
	if trusted {
		if ctl := e.ch.Controller(); ctl != nil {
			ctl.EmitClockSkew(e.ch, skew, trusted)
		}
		e.logger.Warn(msg, "channel", e.ch.ID(), "skew_seconds", skew, "direction", direction)
	} else {
		e.logger.Info(msg, "channel", e.ch.ID(), "skew_seconds", skew, "direction", direction)
	}
}

// sendNetInfo writes our NETINFO cell directly, without folding it into
// the handshake digest: the digest backing AUTHENTICATE's authenticator
// must be identical on both ends by the time AUTHENTICATE is built or
// verified, and NETINFO delivery is not ordered relative to AUTHENTICATE
// (spec §4.8 — the authenticator covers CERTS and AUTH_CHALLENGE only).
func (e *Engine) sendNetInfo() error {
	ts := uint32(e.clock.Now())
	c := buildNetInfoCell(ts, e.realAddr, e.peerAddr)
	return e.writeRaw(c)
}

func (e *Engine) buildOwnCertsCell() (cell.Cell, error) {
	if e.identity == nil || e.identity.IDCert == nil {
		return nil, fmt.Errorf("no identity certificate configured")
	}
	if e.startedHere {
		if e.identity.AuthCert == nil {
			return nil, fmt.Errorf("no AUTH_1024 certificate configured for a public-server client")
		}
		return buildCertsCell([]certEntry{
			{typ: certTypeID1024, der: e.identity.IDCert.Raw},
			{typ: certTypeAuth1024, der: e.identity.AuthCert.Raw},
		}), nil
	}
	if e.identity.LinkCert == nil {
		return nil, fmt.Errorf("no TLS_LINK certificate configured for the accepting side")
	}
	return buildCertsCell([]certEntry{
		{typ: certTypeID1024, der: e.identity.IDCert.Raw},
		{typ: certTypeTLSLink, der: e.identity.LinkCert.Raw},
	}), nil
}
