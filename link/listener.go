package link

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/orlink/chanproto/channel"
)

// ListenConfig configures an accepting OR-link endpoint (spec §4.5's
// LISTENING state, §4.7's server-side "tls_connect" counterpart).
type ListenConfig struct {
	Registry       *channel.Registry
	TLSConfig      *tls.Config // must carry the certificate matching Identity.LinkCert's key
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
	HandshakeDeadline time.Duration
}

// Listen opens addr for incoming OR connections and returns a LISTENING
// Channel (spec §4.5). Each accepted connection becomes a child Channel
// delivered through the listener's ListenerHandler (channel.SetListener)
// once its TLS handshake has completed and its link handshake has started;
// the child is still OPENING when delivered and reaches OPEN later, when
// NETINFO is processed by its read loop.
func Listen(addr string, cfg ListenConfig) (*channel.Channel, error) {
	tcpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	listenerCh := channel.New(cfg.Registry, cryptoRng{},
		channel.WithCircuitLayer(cfg.CircuitLayer),
		channel.WithGuardManager(cfg.GuardManager),
		channel.WithRouterDB(cfg.RouterDB),
		channel.WithGeoIP(cfg.GeoIP),
		channel.WithController(cfg.Controller),
		channel.WithClock(cfg.Clock),
		channel.WithLogger(cfg.Logger),
		channel.WithPublicServer(cfg.IsPublicServer),
	)
	listenerCh.SetRemoteAddr(addr)
	listenerCh.TransitionTo(channel.StateListening)
	cfg.Registry.Register(listenerCh)

	go acceptLoop(listenerCh, tcpListener, cfg)
	return listenerCh, nil
}

func acceptLoop(listenerCh *channel.Channel, tcpListener net.Listener, cfg ListenConfig) {
	logger := listenerCh.Log()
	for {
		conn, err := tcpListener.Accept()
		if listenerCh.State() != channel.StateListening {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			logger.Warn("accept failed", "err", err)
			continue
		}
		if conn == nil {
			continue
		}
		go acceptOne(listenerCh, conn, cfg)
	}
}

func acceptOne(listenerCh *channel.Channel, conn net.Conn, cfg ListenConfig) {
	logger := listenerCh.Log()
	tuneTCPConn(conn)

	tlsConn := tls.Server(conn, cfg.TLSConfig)
	deadline := cfg.HandshakeDeadline
	if deadline == 0 {
		deadline = 30 * time.Second
	}
	_ = tlsConn.SetDeadline(time.Now().Add(deadline))
	if err := tlsConn.Handshake(); err != nil {
		logger.Warn("inbound TLS handshake failed", "remote", conn.RemoteAddr(), "err", err)
		_ = conn.Close()
		return
	}

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
	ch.SetRemoteAddr(conn.RemoteAddr().String())
	ch.TransitionTo(channel.StateOpening)
	cfg.Registry.Register(ch)

	var peerAddr net.IP
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		peerAddr = net.ParseIP(host)
	}

	engine, err := NewEngine(ch, transport, tlsConn.ConnectionState(), cfg.Identity, false, cfg.IsPublicServer, cfg.RealAddr, peerAddr)
	if err != nil {
		logger.Warn("build handshake engine failed", "remote", conn.RemoteAddr(), "err", err)
		ch.CloseForError()
		return
	}
	if cfg.RouterDB != nil {
		engine.WithRouterDB(cfg.RouterDB)
	}
	if err := engine.Start(); err != nil {
		logger.Warn("handshake start failed", "remote", conn.RemoteAddr(), "err", err)
		ch.CloseForError()
		return
	}

	listenerCh.QueueIncoming(ch)
	runReadLoop(ch, tlsConn, engine)
}
