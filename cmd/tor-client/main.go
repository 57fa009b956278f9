package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orlink/chanproto/channel"
	"github.com/orlink/chanproto/circuit"
	"github.com/orlink/chanproto/link"
	"github.com/orlink/chanproto/stream"
)

// registry is the process-wide channel bookkeeping for every OR link this
// client opens (spec §3 "Registry").
var registry = channel.NewRegistry()

func main() {
	var (
		relayAddr = flag.String("relay", "", "relay address, host:port")
		nodeIDHex = flag.String("node-id", "", "relay RSA identity digest, 40 hex chars")
		ntorHex   = flag.String("ntor-key", "", "relay ntor onion key, 64 hex chars")
		target    = flag.String("target", "", "optional host:port to RELAY_BEGIN once the circuit is up")
	)
	flag.Parse()

	logFile, err := os.OpenFile("tor-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})

	if *relayAddr == "" || *nodeIDHex == "" || *ntorHex == "" {
		fmt.Println("usage: tor-client -relay host:port -node-id <40 hex> -ntor-key <64 hex> [-target host:port]")
		os.Exit(2)
	}

	relayInfo, err := parseRelayInfo(*relayAddr, *nodeIDHex, *ntorHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad relay flags: %v\n", err)
		os.Exit(2)
	}

	mgr := circuit.NewManager(logger)

	fmt.Printf("Dialing %s...\n", *relayAddr)
	l, err := link.Dial(*relayAddr, link.DialConfig{
		Registry:     registry,
		CircuitLayer: mgr,
		Logger:       logger,
	})
	if err != nil {
		fmt.Printf("  Dial failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := mgr.WaitOpen(ctx, l.Channel()); err != nil {
		cancel()
		l.Close()
		fmt.Printf("  Link never reached OPEN: %v\n", err)
		os.Exit(1)
	}
	cancel()
	fmt.Println("  Link OPEN")

	circ, err := circuit.Create(mgr, l, relayInfo, logger)
	if err != nil {
		l.Close()
		fmt.Printf("  Circuit create failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Circuit built (ID: 0x%08x)\n", circ.ID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		circ.Destroy()
		l.Close()
		os.Exit(0)
	}()

	if *target != "" {
		fmt.Printf("Opening stream to %s...\n", *target)
		st, err := stream.Begin(circ, *target)
		if err != nil {
			fmt.Printf("  RELAY_BEGIN failed: %v\n", err)
			circ.Destroy()
			l.Close()
			os.Exit(1)
		}
		fmt.Println("  Stream connected")
		st.Close()
	}

	fmt.Println("Ready. Ctrl-C to tear down the circuit and exit.")
	select {}
}

// parseRelayInfo turns the command-line relay coordinates into the
// circuit.RelayInfo the ntor handshake and EXTEND2 link specifiers need.
func parseRelayInfo(addr, nodeIDHex, ntorHex string) (*circuit.RelayInfo, error) {
	host, portStr, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}

	nodeID, err := hex.DecodeString(nodeIDHex)
	if err != nil || len(nodeID) != 20 {
		return nil, fmt.Errorf("node-id must be 40 hex chars (SHA-1 digest)")
	}
	ntorKey, err := hex.DecodeString(ntorHex)
	if err != nil || len(ntorKey) != 32 {
		return nil, fmt.Errorf("ntor-key must be 64 hex chars (Curve25519 public key)")
	}

	info := &circuit.RelayInfo{Address: host, ORPort: portStr}
	copy(info.NodeID[:], nodeID)
	copy(info.NtorOnionKey[:], ntorKey)
	return info, nil
}

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("relay address: %w", err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port <= 0 || port > 0xFFFF {
		return "", 0, fmt.Errorf("relay address: invalid port %q", portStr)
	}
	return host, uint16(port), nil
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
