package circuit

// RelayInfo carries the fields needed to CREATE2/EXTEND2 to a given relay:
// its ntor handshake key material, plus (for EXTEND2) the link specifiers
// describing it to the previous hop. It replaces the richer
// descriptor-derived relay record a full consensus/microdescriptor client
// would use; this package only needs what the ntor handshake and EXTEND2
// link specifiers require.
type RelayInfo struct {
	NodeID       [20]byte // SHA-1 of the relay's RSA identity key
	NtorOnionKey [32]byte // Curve25519 public key
	Address      string   // IPv4 address
	ORPort       uint16   // OR port
}
