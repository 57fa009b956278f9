package link

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"encoding/binary"
	"fmt"

	"github.com/orlink/chanproto/cell"
)

// orAuthChallengeLen is the length, in bytes, of the random challenge in
// an AUTH_CHALLENGE cell (spec §6.4 OR_AUTH_CHALLENGE_LEN).
const orAuthChallengeLen = 32

// authMethodRSASHA256TLSSecret is the only AUTHENTICATE method this
// engine speaks (spec §6.4, §6.5).
const authMethodRSASHA256TLSSecret uint16 = 1

// v3AuthBodyLen is the length, in bytes, of the fixed authenticator
// portion of an AUTHENTICATE body (spec §6.5): an 8-byte type tag, the
// two endpoints' 20-byte identity digests, the two per-direction handshake
// digests, and TLS
// exported keying material, SHA-256'd down to one 32-byte authenticator.
const v3AuthBodyLen = 32

// buildAuthChallengeCell generates a fresh random challenge and encodes
// an AUTH_CHALLENGE cell offering authMethodRSASHA256TLSSecret (spec
// §6.4).
func buildAuthChallengeCell() (cell.Cell, [orAuthChallengeLen]byte, error) {
	var challenge [orAuthChallengeLen]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return nil, challenge, fmt.Errorf("generate auth challenge: %w", err)
	}
	payload := make([]byte, 0, orAuthChallengeLen+2+2)
	payload = append(payload, challenge[:]...)
	var nMethods [2]byte
	binary.BigEndian.PutUint16(nMethods[:], 1)
	payload = append(payload, nMethods[:]...)
	var method [2]byte
	binary.BigEndian.PutUint16(method[:], authMethodRSASHA256TLSSecret)
	payload = append(payload, method[:]...)
	return cell.NewVarCellW(cell.CircIDLen2, 0, cell.CmdAuthChallenge, payload), challenge, nil
}

// parseAuthChallengePayload decodes an AUTH_CHALLENGE cell body (spec
// §6.4) and reports whether authMethodRSASHA256TLSSecret was offered.
func parseAuthChallengePayload(payload []byte) (offersOurMethod bool, err error) {
	if len(payload) < orAuthChallengeLen+2 {
		return false, fmt.Errorf("AUTH_CHALLENGE payload too short: %d bytes", len(payload))
	}
	pos := orAuthChallengeLen
	nMethods := int(binary.BigEndian.Uint16(payload[pos:]))
	pos += 2
	if pos+2*nMethods > len(payload) {
		return false, fmt.Errorf("AUTH_CHALLENGE method list overruns cell")
	}
	for i := 0; i < nMethods; i++ {
		m := binary.BigEndian.Uint16(payload[pos+2*i:])
		if m == authMethodRSASHA256TLSSecret {
			offersOurMethod = true
		}
	}
	return offersOurMethod, nil
}

// computeAuthBody derives the fixed authenticator bytes an AUTHENTICATE
// cell's body must begin with: SHA-256 over a type tag, both endpoints'
// identity digests, the two per-direction handshake digests, and TLS
// exported keying material unique to this connection (spec §6.5's
// "deterministic authenticator over TLS session and handshake digest").
//
// clog is the digest of the bytes the client sent during the handshake
// (its CERTS cell); slog is the digest of the bytes the server sent (its
// CERTS and AUTH_CHALLENGE cells). Both endpoints must supply the same
// clog/slog pair: the client derives clog from what it itself sent and
// slog from what it received, while the server derives clog from what it
// received and slog from what it itself sent.
func computeAuthBody(state tls.ConnectionState, clientDigest, serverDigest [20]byte, clog, slog [32]byte) ([v3AuthBodyLen]byte, error) {
	var out [v3AuthBodyLen]byte
	keyingMaterial, err := state.ExportKeyingMaterial("chanproto-v3-authenticate", nil, 32)
	if err != nil {
		return out, fmt.Errorf("export TLS keying material: %w", err)
	}
	h := sha256.New()
	h.Write([]byte("AUTH0001"))
	h.Write(clientDigest[:])
	h.Write(serverDigest[:])
	h.Write(clog[:])
	h.Write(slog[:])
	h.Write(keyingMaterial)
	copy(out[:], h.Sum(nil))
	return out, nil
}

// buildAuthenticateCell signs the computed authenticator with our
// AUTH_1024 private key and encodes the AUTHENTICATE cell body (spec
// §6.5).
func buildAuthenticateCell(authBody [v3AuthBodyLen]byte, signer *rsa.PrivateKey) (cell.Cell, error) {
	digest := sha256.Sum256(authBody[:])
	sig, err := rsa.SignPKCS1v15(rand.Reader, signer, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign authenticator: %w", err)
	}
	body := make([]byte, 0, v3AuthBodyLen+len(sig))
	body = append(body, authBody[:]...)
	body = append(body, sig...)

	payload := make([]byte, 0, 4+len(body))
	var typ, length [2]byte
	binary.BigEndian.PutUint16(typ[:], authMethodRSASHA256TLSSecret)
	binary.BigEndian.PutUint16(length[:], uint16(len(body)))
	payload = append(payload, typ[:]...)
	payload = append(payload, length[:]...)
	payload = append(payload, body...)

	return cell.NewVarCellW(cell.CircIDLen2, 0, cell.CmdAuthenticate, payload), nil
}

// verifyAuthenticatePayload decodes an AUTHENTICATE cell body and checks
// it against the expected authenticator, verifying the trailing RSA
// signature with the client's AUTH_1024 public key (spec §4.8
// "AUTHENTICATE").
func verifyAuthenticatePayload(payload []byte, expected [v3AuthBodyLen]byte, authKey *rsa.PublicKey) error {
	if len(payload) < 4 {
		return fmt.Errorf("AUTHENTICATE payload too short: %d bytes", len(payload))
	}
	typ := binary.BigEndian.Uint16(payload[0:2])
	length := int(binary.BigEndian.Uint16(payload[2:4]))
	if 4+length > len(payload) {
		return fmt.Errorf("AUTHENTICATE body overruns cell")
	}
	if typ != authMethodRSASHA256TLSSecret {
		return fmt.Errorf("unrecognized AUTHENTICATE type %d", typ)
	}
	body := payload[4 : 4+length]
	if len(body) <= v3AuthBodyLen {
		return fmt.Errorf("AUTHENTICATE body too short to contain a signature")
	}
	if subtle.ConstantTimeCompare(body[:v3AuthBodyLen], expected[:]) != 1 {
		return fmt.Errorf("AUTHENTICATE authenticator mismatch")
	}
	digest := sha256.Sum256(body[:v3AuthBodyLen])
	if err := rsa.VerifyPKCS1v15(authKey, crypto.SHA256, digest[:], body[v3AuthBodyLen:]); err != nil {
		return fmt.Errorf("AUTHENTICATE signature verification failed: %w", err)
	}
	return nil
}
