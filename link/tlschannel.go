package link

import (
	"bufio"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/orlink/chanproto/cell"
	"github.com/orlink/chanproto/channel"
)

// tlsTransport is the channel.Transport implementation backing every link
// in this package: a TLS connection plus the width translation between the
// channel layer's canonical 4-byte-CircID Cell representation and this
// engine's 2-byte-CircID wire format (link protocols 2/3 never widen the
// CircID field; protocol 4's 4-byte CircID is out of scope, see
// versions.go).
type tlsTransport struct {
	conn *tls.Conn
}

func (t *tlsTransport) WriteCell(c cell.Cell) error {
	_, err := t.conn.Write(translate4to2(c))
	return err
}

func (t *tlsTransport) WriteVarCell(c cell.Cell) error {
	_, err := t.conn.Write(translate4to2(c))
	return err
}

func (t *tlsTransport) Close() error {
	return t.conn.Close()
}

func (t *tlsTransport) Free() {}

// translate4to2 re-frames a canonical (4-byte CircID) Cell into this
// engine's 2-byte-CircID wire format.
func translate4to2(c cell.Cell) cell.Cell {
	circID := c.CircID()
	cmd := c.Command()
	if cell.IsVariableLength(cmd) {
		return cell.NewVarCellW(cell.CircIDLen2, circID, cmd, c.Payload())
	}
	out := cell.NewFixedCellW(cell.CircIDLen2, circID, cmd)
	copy(out.PayloadW(cell.CircIDLen2), c.Payload())
	return out
}

// translate2to4 re-frames a 2-byte-CircID wire cell into the channel
// layer's canonical 4-byte-CircID representation.
func translate2to4(c cell.Cell) cell.Cell {
	circID := c.CircIDW(cell.CircIDLen2)
	cmd := c.CommandW(cell.CircIDLen2)
	payload := c.PayloadW(cell.CircIDLen2)
	if cell.IsVariableLength(cmd) {
		return cell.NewVarCell(circID, cmd, payload)
	}
	out := cell.NewFixedCell(circID, cmd)
	copy(out.Payload(), payload)
	return out
}

// cryptoRng satisfies channel.Rng with crypto/rand, the CircID seed source
// spec §4.9 calls for.
type cryptoRng struct{}

func (cryptoRng) Uint15() (uint32, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return uint32(binary.BigEndian.Uint16(b[:])) & 0x7FFF, nil
}

// DialConfig configures an outbound link (spec §4.7 "tls_connect").
type DialConfig struct {
	Registry       *channel.Registry
	Identity       *Identity
	IsPublicServer bool
	RealAddr       net.IP
	CircuitLayer   channel.CircuitLayer
	GuardManager   channel.GuardManager
	RouterDB       channel.RouterDB
	GeoIP          channel.GeoIP
	Controller     channel.Controller
	Clock          channel.Clock
	Logger         channel.Logger
	DialTimeout    time.Duration
	HandshakeDeadline time.Duration
}

// dialChannel opens a TCP connection to addr, completes the TLS handshake,
// and drives the OR-link handshake engine, returning the resulting Channel
// already transitioning through OPENING (spec §4.7, §4.8). The returned
// Channel reaches OPEN asynchronously, once NETINFO completes; callers
// that need to wait should poll Channel.State or install a circuit-layer
// NotifyOpen collaborator.
func dialChannel(addr string, cfg DialConfig) (*channel.Channel, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	tcpConn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	tuneTCPConn(tcpConn)

	tlsConn := tls.Client(tcpConn, &tls.Config{
		InsecureSkipVerify:     true, // identity is proven via CERTS/AUTHENTICATE, not TLS PKI (spec §4.8)
		SessionTicketsDisabled: true,
		MinVersion:             tls.VersionTLS12,
	})
	deadline := cfg.HandshakeDeadline
	if deadline == 0 {
		deadline = 30 * time.Second
	}
	_ = tlsConn.SetDeadline(time.Now().Add(deadline))
	if err := tlsConn.Handshake(); err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("parse dial address %s: %w", addr, err)
	}
	peerAddr := net.ParseIP(host)

	ch := channel.New(cfg.Registry, cryptoRng{},
		channel.WithCircuitLayer(cfg.CircuitLayer),
		channel.WithGuardManager(cfg.GuardManager),
		channel.WithRouterDB(cfg.RouterDB),
		channel.WithGeoIP(cfg.GeoIP),
		channel.WithController(cfg.Controller),
		channel.WithClock(cfg.Clock),
		channel.WithLogger(cfg.Logger),
		channel.WithPublicServer(cfg.IsPublicServer),
	)
	transport := &tlsTransport{conn: tlsConn}
	ch.SetTransport(transport)
	ch.SetRemoteAddr(addr)
	ch.TransitionTo(channel.StateOpening)
	cfg.Registry.Register(ch)

	engine, err := NewEngine(ch, transport, tlsConn.ConnectionState(), cfg.Identity, true, cfg.IsPublicServer, cfg.RealAddr, peerAddr)
	if err != nil {
		_ = tlsConn.Close()
		ch.CloseForError()
		return nil, fmt.Errorf("build handshake engine for %s: %w", addr, err)
	}

	return ch, startHandshake(ch, tlsConn, engine, cfg.RouterDB, deadline)
}

func startHandshake(ch *channel.Channel, tlsConn *tls.Conn, engine *Engine, routers channel.RouterDB, deadline time.Duration) error {
	if routers != nil {
		engine.WithRouterDB(routers)
	}
	if err := engine.Start(); err != nil {
		ch.CloseForError()
		return fmt.Errorf("send VERSIONS: %w", err)
	}
	go runReadLoop(ch, tlsConn, engine)
	return nil
}

// runReadLoop pumps cells off the wire for the life of a link: handshake
// cells are handed to engine until it reaches OPEN, after which cells are
// translated to the channel layer's canonical width and queued for
// circuit-layer dispatch (spec §4.8, §4.3).
func runReadLoop(ch *channel.Channel, conn *tls.Conn, engine *Engine) {
	logger := ch.Log()
	br := bufio.NewReader(conn)
	cr := cell.NewReaderW(br, cell.CircIDLen2)

	versionsCell, err := cr.ReadVersionsCell()
	if err != nil {
		logger.Warn("read VERSIONS failed", "channel", ch.ID(), "err", err)
		ch.CloseForError()
		return
	}
	if err := engine.OnVersions(cell.ParseVersions(versionsCell)); err != nil {
		logger.Warn("VERSIONS rejected", "channel", ch.ID(), "err", err)
		ch.CloseForError()
		return
	}

	for {
		c, err := cr.ReadCell()
		if err != nil {
			logger.Debug("link read loop ending", "channel", ch.ID(), "err", err)
			ch.CloseFromLowerLayer()
			return
		}

		if !engine.Done() {
			if err := engine.OnCell(c); err != nil {
				logger.Warn("handshake cell rejected", "channel", ch.ID(), "err", err)
				ch.CloseForError()
				return
			}
			continue
		}

		canonical := translate2to4(c)
		if cell.IsVariableLength(c.CommandW(cell.CircIDLen2)) {
			ch.QueueVarCell(canonical)
		} else {
			ch.QueueCell(canonical)
		}
	}
}
