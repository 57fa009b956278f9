package link

import (
	"bytes"

	"github.com/orlink/chanproto/cell"
)

// circIDParityHigh reports which endpoint gets the high half of the
// circuit-ID space: whoever holds the numerically larger identity digest
// (compared lexicographically as a 20-byte big-endian value), per the
// original implementation's channel_set_circid_type (spec §4.9 only says
// "fixed later... from the received identity key"; the exact comparison
// rule is carried over from original_source/src/or/channeltls.c).
func circIDParityHigh(localDigest, remoteDigest [20]byte) bool {
	return bytes.Compare(localDigest[:], remoteDigest[:]) > 0
}

// highBitFor returns the high bit of a CircID at width w: 0x8000 for the
// 2-byte CircIDs of link protocols <= 3, 0x80000000 for the 4-byte CircIDs
// of link protocol 4 and above.
func highBitFor(w cell.CircIDLen) uint32 {
	if w == cell.CircIDLen2 {
		return 0x8000
	}
	return 0x80000000
}

// applyCircIDParity sets or clears the high bit of a freshly allocated
// 15-bit circuit-ID seed according to parity, at the given CircID width,
// producing the final CircID a channel will start allocating from.
func applyCircIDParity(w cell.CircIDLen, seed uint32, high bool) uint32 {
	seed &= 0x7FFF
	if high {
		return seed | highBitFor(w)
	}
	return seed
}
