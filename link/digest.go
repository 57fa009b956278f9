package link

import (
	"crypto/sha256"
	"hash"
)

// handshakeDigest is the running SHA-256 digest of a set of v3 handshake
// variable-length cells (CERTS and, on the public-server side, also
// AUTH_CHALLENGE), excluding AUTHENTICATE itself. An Engine keeps one of
// these per direction — cells it sent, and cells it received — since real
// tor's CLOG/SLOG authenticator inputs are defined as "bytes the client
// sent" and "bytes the server sent" respectively, not as a single digest
// fed in local arrival order (spec §4.8, §8 invariant 7).
type handshakeDigest struct {
	h hash.Hash
}

func newHandshakeDigest() *handshakeDigest {
	return &handshakeDigest{h: sha256.New()}
}

// Append feeds raw wire bytes of a handshake cell into the digest. Callers
// are responsible for excluding AUTHENTICATE cells before calling this.
func (d *handshakeDigest) Append(b []byte) {
	d.h.Write(b)
}

// Sum returns the SHA-256 digest of everything appended so far, without
// resetting the running state.
func (d *handshakeDigest) Sum() [32]byte {
	var out [32]byte
	copy(out[:], d.h.Sum(nil))
	return out
}
