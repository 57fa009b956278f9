package link

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/orlink/chanproto/cell"
)

const (
	addrTypeIPv4 = 4
	addrTypeIPv6 = 6
)

// netinfoAddr is one decoded address record from a NETINFO cell body
// (spec §6.6).
type netinfoAddr struct {
	typ  uint8
	addr []byte
}

func (a netinfoAddr) ip() net.IP {
	switch a.typ {
	case addrTypeIPv4, addrTypeIPv6:
		return net.IP(a.addr)
	default:
		return nil
	}
}

// netinfoBody is a decoded NETINFO cell payload.
type netinfoBody struct {
	timestamp uint32
	myAddr    netinfoAddr
	hasMyAddr bool
	others    []netinfoAddr
}

// encodeNetinfoAddr appends {type, len, bytes} for an address, using the
// type implied by the IP's length (spec §6.6 "address codec").
func encodeNetinfoAddr(out []byte, ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		out = append(out, addrTypeIPv4, byte(len(v4)))
		return append(out, v4...)
	}
	if v6 := ip.To16(); v6 != nil {
		out = append(out, addrTypeIPv6, byte(len(v6)))
		return append(out, v6...)
	}
	return out
}

// buildNetInfoCell encodes our NETINFO cell (spec §6.6). timestamp is 0
// when the caller wants to avoid fingerprinting (matching the teacher's
// buildNetInfo); myAddr is our own address if known; otherAddr is the
// address we believe the peer is reachable at (typically the address we
// dialed).
func buildNetInfoCell(timestamp uint32, myAddr net.IP, otherAddr net.IP) cell.Cell {
	var p []byte
	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], timestamp)
	p = append(p, ts[:]...)

	if myAddr != nil {
		p = encodeNetinfoAddr(p, myAddr)
	} else {
		p = append(p, 0, 0) // ATYPE=0 (unspecified), ALEN=0
	}

	if otherAddr != nil {
		p = append(p, 1)
		p = encodeNetinfoAddr(p, otherAddr)
	} else {
		p = append(p, 0)
	}

	c := cell.NewFixedCellW(cell.CircIDLen2, 0, cell.CmdNetInfo)
	copy(c.PayloadW(cell.CircIDLen2), p)
	return c
}

// parseNetInfoPayload decodes a NETINFO cell body (spec §6.6). Any
// overrun is fatal, per spec §4.8 "NETINFO".
func parseNetInfoPayload(payload []byte) (*netinfoBody, error) {
	if len(payload) < 4+2 {
		return nil, fmt.Errorf("NETINFO payload too short: %d bytes", len(payload))
	}
	body := &netinfoBody{timestamp: binary.BigEndian.Uint32(payload[0:4])}
	pos := 4

	myAddrLen := int(payload[pos+1])
	if pos+2+myAddrLen > len(payload) {
		return nil, fmt.Errorf("NETINFO my_addr overruns cell")
	}
	myType := payload[pos]
	if myType != 0 {
		body.myAddr = netinfoAddr{typ: myType, addr: append([]byte(nil), payload[pos+2:pos+2+myAddrLen]...)}
		body.hasMyAddr = true
	}
	pos += 2 + myAddrLen

	if pos >= len(payload) {
		return nil, fmt.Errorf("NETINFO missing n_other")
	}
	nOther := int(payload[pos])
	pos++

	for i := 0; i < nOther; i++ {
		if pos+2 > len(payload) {
			return nil, fmt.Errorf("NETINFO other-address %d truncated", i)
		}
		typ := payload[pos]
		length := int(payload[pos+1])
		pos += 2
		if pos+length > len(payload) {
			return nil, fmt.Errorf("NETINFO other-address %d overruns cell", i)
		}
		body.others = append(body.others, netinfoAddr{typ: typ, addr: append([]byte(nil), payload[pos:pos+length]...)})
		pos += length
	}

	return body, nil
}

// isCanonical reports whether realAddr (our known public IP) appears
// among the peer's advertised "other addresses" (spec §4.8: "If any of
// the peer-advertised other addresses equals our real_addr, set the
// connection's is_canonical flag").
func (b *netinfoBody) isCanonical(realAddr net.IP) bool {
	if realAddr == nil {
		return false
	}
	for _, other := range b.others {
		if ip := other.ip(); ip != nil && ip.Equal(realAddr) {
			return true
		}
	}
	return false
}
