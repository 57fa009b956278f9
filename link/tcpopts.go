package link

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneTCPConn disables Nagle's algorithm on a freshly-dialed or -accepted OR
// connection: cells are written as discrete, already-batched units, and
// Nagle's coalescing only adds latency to the handshake and to
// small-cell traffic (spec §4.7 "tls_connect").
func tuneTCPConn(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetNoDelay(true)

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return
	}
	_ = rawConn.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
}
