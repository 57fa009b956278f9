package link

import "crypto/rsa"
import "crypto/x509"

// Identity bundles the RSA keys and X.509 certificates a link handshake
// endpoint presents (spec §6.3's CERTS cell types, §6.5's AUTHENTICATE).
// Certificate issuance/rotation is out of scope (spec §1: cryptographic
// primitives and certificate decoding are external collaborators); callers
// construct an Identity from whatever key-management layer they use.
type Identity struct {
	// IDKey/IDCert are the long-term, self-signed identity keypair
	// (CERTS type ID_1024).
	IDKey  *rsa.PrivateKey
	IDCert *x509.Certificate

	// LinkKey/LinkCert are presented when accepting connections (server
	// role): LinkCert's public key must equal the TLS certificate's key
	// used for the connection, and LinkCert must be signed by IDKey
	// (CERTS type TLS_LINK).
	LinkKey  *rsa.PrivateKey
	LinkCert *x509.Certificate

	// AuthKey/AuthCert are presented when dialing out as a public server
	// that must authenticate itself back to the accepting relay (CERTS
	// type AUTH_1024); nil for a pure client that never authenticates.
	AuthKey  *rsa.PrivateKey
	AuthCert *x509.Certificate
}
