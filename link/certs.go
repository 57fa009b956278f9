package link

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/binary"
	"fmt"

	"github.com/orlink/chanproto/cell"
	"github.com/orlink/chanproto/channel"
)

// CERTS cell certificate types (spec §6.3).
const (
	certTypeTLSLink  = 1
	certTypeID1024   = 2
	certTypeAuth1024 = 3
)

// parsedCert is one decoded X.509 certificate entry from a CERTS cell,
// along with its RSA public key (all three cert types used here are RSA
// leaf certs per the classic v3 handshake; non-RSA-keyed entries are a
// protocol violation).
type parsedCert struct {
	cert *x509.Certificate
	key  *rsa.PublicKey
}

func parseCertEntry(der []byte) (*parsedCert, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse x509 certificate: %w", err)
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate public key is not RSA")
	}
	return &parsedCert{cert: cert, key: key}, nil
}

// identityDigest computes SHA1 over the identity certificate's RSA public
// key, in PKCS1 form — the "identity_digest = SHA1(ID cert subject key)"
// of spec §8 scenario 1.
func identityDigest(idKey *rsa.PublicKey) [20]byte {
	return sha1.Sum(x509.MarshalPKCS1PublicKey(idKey))
}

// decodedCerts holds the CERTS cell entries relevant to the v3 handshake;
// other cert types are decoded (to validate cell framing) and discarded.
type decodedCerts struct {
	id   *parsedCert // ID_1024
	link *parsedCert // TLS_LINK (client side only)
	auth *parsedCert // AUTH_1024 (server side only)
}

// parseCertsPayload parses a CERTS cell body (spec §6.3): n (u8), then n
// entries of {type: u8, len: u16 BE, bytes[len]}. At most one of each of
// TLS_LINK/ID_1024/AUTH_1024 is accepted; a duplicate is fatal. Any
// truncation is fatal. Other cert types are decoded-and-discarded per
// spec §4.8 "CERTS".
func parseCertsPayload(payload []byte, logger channel.Logger) (*decodedCerts, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("empty CERTS payload")
	}
	n := payload[0]
	pos := 1

	out := &decodedCerts{}
	for i := uint8(0); i < n; i++ {
		if pos+3 > len(payload) {
			return nil, fmt.Errorf("certs cell truncated at entry %d", i)
		}
		certType := payload[pos]
		certLen := int(binary.BigEndian.Uint16(payload[pos+1:]))
		pos += 3
		if certLen < 0 || pos+certLen > len(payload) {
			return nil, fmt.Errorf("cert %d data overflows (type=%d, len=%d)", i, certType, certLen)
		}
		der := payload[pos : pos+certLen]
		pos += certLen

		switch certType {
		case certTypeTLSLink:
			if out.link != nil {
				return nil, fmt.Errorf("duplicate TLS_LINK cert")
			}
			pc, err := parseCertEntry(der)
			if err != nil {
				return nil, fmt.Errorf("parse TLS_LINK cert: %w", err)
			}
			out.link = pc
		case certTypeID1024:
			if out.id != nil {
				return nil, fmt.Errorf("duplicate ID_1024 cert")
			}
			pc, err := parseCertEntry(der)
			if err != nil {
				return nil, fmt.Errorf("parse ID_1024 cert: %w", err)
			}
			out.id = pc
		case certTypeAuth1024:
			if out.auth != nil {
				return nil, fmt.Errorf("duplicate AUTH_1024 cert")
			}
			pc, err := parseCertEntry(der)
			if err != nil {
				return nil, fmt.Errorf("parse AUTH_1024 cert: %w", err)
			}
			out.auth = pc
		default:
			logger.Debug("skipping unrecognized cert type in CERTS cell", "type", certType, "len", certLen)
		}
	}
	return out, nil
}

// validateClientSideCerts implements the client branch of spec §4.8
// "CERTS": require {ID, LINK}; LINK must match the TLS session's key;
// LINK must be signed by ID (and not self-signed); ID must be
// self-signed. Returns the server's identity digest on success.
func validateClientSideCerts(dc *decodedCerts, tlsSessionKey *rsa.PublicKey, logger channel.Logger) ([20]byte, error) {
	var zero [20]byte
	if dc.id == nil {
		return zero, fmt.Errorf("missing ID_1024 cert")
	}
	if dc.link == nil {
		return zero, fmt.Errorf("missing TLS_LINK cert")
	}
	if !rsaPublicKeysEqual(dc.link.key, tlsSessionKey) {
		return zero, fmt.Errorf("TLS_LINK cert key does not match TLS session key")
	}
	if err := dc.id.cert.CheckSignature(dc.link.cert.SignatureAlgorithm, dc.link.cert.RawTBSCertificate, dc.link.cert.Signature); err != nil {
		return zero, fmt.Errorf("TLS_LINK cert not signed by ID cert: %w", err)
	}
	if rsaPublicKeysEqual(dc.link.key, dc.id.key) {
		return zero, fmt.Errorf("TLS_LINK cert must not be self-signed by its own key")
	}
	if err := dc.id.cert.CheckSignature(dc.id.cert.SignatureAlgorithm, dc.id.cert.RawTBSCertificate, dc.id.cert.Signature); err != nil {
		return zero, fmt.Errorf("ID cert is not self-signed: %w", err)
	}
	digest := identityDigest(dc.id.key)
	logger.Debug("client-side certs validated", "identity", fmt.Sprintf("%x", digest))
	return digest, nil
}

// validateServerSideCerts implements the server branch of spec §4.8
// "CERTS": require {ID, AUTH}; AUTH must be signed by ID; ID must be
// self-signed. Returns the decoded certs for later AUTHENTICATE
// verification (auth_cert carries the client's authentication key).
func validateServerSideCerts(dc *decodedCerts) error {
	if dc.id == nil {
		return fmt.Errorf("missing ID_1024 cert")
	}
	if dc.auth == nil {
		return fmt.Errorf("missing AUTH_1024 cert")
	}
	if err := dc.id.cert.CheckSignature(dc.auth.cert.SignatureAlgorithm, dc.auth.cert.RawTBSCertificate, dc.auth.cert.Signature); err != nil {
		return fmt.Errorf("AUTH_1024 cert not signed by ID cert: %w", err)
	}
	if err := dc.id.cert.CheckSignature(dc.id.cert.SignatureAlgorithm, dc.id.cert.RawTBSCertificate, dc.id.cert.Signature); err != nil {
		return fmt.Errorf("ID cert is not self-signed: %w", err)
	}
	return nil
}

// certEntry is one outgoing CERTS cell entry awaiting encoding.
type certEntry struct {
	typ uint8
	der []byte
}

// buildCertsCell encodes our own CERTS cell (spec §6.3) with a 2-byte
// CircID, matching the width every other handshake cell but VERSIONS uses
// on the wire (spec §6.1).
func buildCertsCell(entries []certEntry) cell.Cell {
	payload := []byte{byte(len(entries))}
	for _, e := range entries {
		var length [2]byte
		binary.BigEndian.PutUint16(length[:], uint16(len(e.der)))
		payload = append(payload, e.typ)
		payload = append(payload, length[:]...)
		payload = append(payload, e.der...)
	}
	return cell.NewVarCellW(cell.CircIDLen2, 0, cell.CmdCerts, payload)
}

func rsaPublicKeysEqual(a, b *rsa.PublicKey) bool {
	if a == nil || b == nil {
		return false
	}
	return a.E == b.E && a.N.Cmp(b.N) == 0
}
