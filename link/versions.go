package link

import "github.com/orlink/chanproto/cell"

// supportedLinkProtocols are the link protocol versions this engine can
// actually speak end to end: the classic v2 (CERTS-less, straight to
// NETINFO) and v3 (CERTS/AUTH_CHALLENGE/AUTHENTICATE) handshakes of spec
// §4.8. v1 has no VERSIONS cell at all and is explicitly unsupported
// (spec §1); protocol 4 and above (Ed25519 CERTS) is a different
// handshake this engine does not implement.
var supportedLinkProtocols = []uint16{2, 3}

func isSupportedLinkProtocol(v uint16) bool {
	for _, s := range supportedLinkProtocols {
		if s == v {
			return true
		}
	}
	return false
}

// negotiateLinkProtocol selects the highest link protocol both the peer's
// offered list and supportedLinkProtocols agree on, or 0 if there is no
// overlap (spec §4.8 "VERSIONS").
func negotiateLinkProtocol(peerVersions []uint16) uint16 {
	var best uint16
	for _, v := range peerVersions {
		if isSupportedLinkProtocol(v) && v > best {
			best = v
		}
	}
	return best
}

// circIDLenForLinkProto returns the CircID width a negotiated link
// protocol uses on the wire (spec §6.1).
func circIDLenForLinkProto(v uint16) cell.CircIDLen {
	if v >= 4 {
		return cell.CircIDLen4
	}
	return cell.CircIDLen2
}

// buildVersionsCell encodes our supported link protocol list as a VERSIONS
// cell. VERSIONS is always framed with a 2-byte CircID regardless of what
// gets negotiated (spec §6.1).
func buildVersionsCell() cell.Cell {
	return cell.NewVersionsCell(supportedLinkProtocols)
}
