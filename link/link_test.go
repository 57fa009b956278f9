package link

import (
	"testing"

	"github.com/orlink/chanproto/channel"
)

type fixedRng struct{ v uint32 }

func (r fixedRng) Uint15() (uint32, error) { return r.v, nil }

func newTestChannel(t *testing.T, seed uint32) *channel.Channel {
	t.Helper()
	return channel.New(nil, fixedRng{v: seed})
}

func newTestIdentity(t *testing.T) *Identity {
	t.Helper()
	idKey := genRSAKey(t)
	return &Identity{IDKey: idKey, IDCert: selfSignedCert(t, idKey, 1)}
}

func TestLinkClaimAndReleaseCircID(t *testing.T) {
	l := Wrap(newTestChannel(t, 0), nil)

	if !l.ClaimCircID(5) {
		t.Fatal("expected first claim of circID 5 to succeed")
	}
	if l.ClaimCircID(5) {
		t.Fatal("expected second claim of the same circID to fail")
	}
	l.ReleaseCircID(5)
	if !l.ClaimCircID(5) {
		t.Fatal("expected circID 5 to be claimable again after release")
	}
}

func TestLinkNextCircIDWithoutIdentity(t *testing.T) {
	l := Wrap(newTestChannel(t, 0), nil)
	if _, err := l.NextCircID(); err == nil {
		t.Fatal("expected error allocating a circuit id with no local identity configured")
	}
}

func TestLinkNextCircIDWithoutPeerIdentity(t *testing.T) {
	l := Wrap(newTestChannel(t, 0), newTestIdentity(t))
	if _, err := l.NextCircID(); err == nil {
		t.Fatal("expected error allocating a circuit id before the peer's identity is known")
	}
}

func TestLinkNextCircIDAppliesParity(t *testing.T) {
	ch := newTestChannel(t, 0x42)
	identity := newTestIdentity(t)
	l := Wrap(ch, identity)

	localDigest := identityDigest(&identity.IDKey.PublicKey)
	// Pick a remote digest guaranteed smaller than ours so we get parity high.
	remoteDigest := [20]byte{}
	if localDigest[0] == 0 {
		remoteDigest = [20]byte{} // local already the minimum; any equal digest keeps high=false, fine either way
	}
	ch.SetRemoteEnd(remoteDigest, "")

	id, err := l.NextCircID()
	if err != nil {
		t.Fatalf("NextCircID: %v", err)
	}

	wantHigh := circIDParityHigh(localDigest, remoteDigest)
	gotHigh := id&0x8000 != 0
	if gotHigh != wantHigh {
		t.Errorf("parity bit = %v, want %v", gotHigh, wantHigh)
	}
}

func TestWrapWithNilIdentity(t *testing.T) {
	l := Wrap(newTestChannel(t, 0), nil)
	if l.hasLocalIdentity {
		t.Error("expected hasLocalIdentity false when Wrap is given nil")
	}
}

func TestWrapPopulatesLocalIdentityDigest(t *testing.T) {
	identity := newTestIdentity(t)
	l := Wrap(newTestChannel(t, 0), identity)
	if !l.hasLocalIdentity {
		t.Fatal("expected hasLocalIdentity true")
	}
	want := identityDigest(&identity.IDKey.PublicKey)
	if l.localIdentityDigest != want {
		t.Error("localIdentityDigest does not match the identity's public key digest")
	}
}
