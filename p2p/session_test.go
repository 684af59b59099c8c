package p2p

import (
	"testing"

	"github.com/eth2030/node/p2p/enode"
)

func TestEncodeDecodeHello(t *testing.T) {
	h := &HelloPacket{
		Version:    baseProtocolVersion,
		ClientID:   "node/v0.1.0",
		Caps:       []Cap{{Name: "eth", Version: 68}},
		ListenPort: 30303,
	}
	data, err := encodeHello(h)
	if err != nil {
		t.Fatalf("encodeHello: %v", err)
	}
	got, err := decodeHello(data)
	if err != nil {
		t.Fatalf("decodeHello: %v", err)
	}
	if got.Version != h.Version || got.ClientID != h.ClientID || got.ListenPort != h.ListenPort {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, h)
	}
	if len(got.Caps) != 1 || got.Caps[0] != h.Caps[0] {
		t.Fatalf("caps roundtrip mismatch: got %+v", got.Caps)
	}
}

func TestNegotiateCapsTakesMinVersion(t *testing.T) {
	local := []Cap{{Name: "eth", Version: 68}, {Name: "snap", Version: 1}}
	remote := []Cap{{Name: "eth", Version: 67}, {Name: "les", Version: 4}}

	matched := negotiateCaps(local, remote)
	if len(matched) != 1 {
		t.Fatalf("expected exactly one matching cap, got %+v", matched)
	}
	if matched[0].Name != "eth" || matched[0].Version != 67 {
		t.Fatalf("expected eth/67 (min of 68,67), got %+v", matched[0])
	}
}

func TestNegotiateCapsOrdering(t *testing.T) {
	local := []Cap{{Name: "eth", Version: 68}, {Name: "eth", Version: 67}, {Name: "snap", Version: 1}}
	remote := []Cap{{Name: "eth", Version: 68}, {Name: "snap", Version: 1}}

	matched := negotiateCaps(local, remote)
	for i := 1; i < len(matched); i++ {
		a, b := matched[i-1], matched[i]
		if a.Name > b.Name || (a.Name == b.Name && a.Version < b.Version) {
			t.Fatalf("caps not sorted by (name, version desc): %+v", matched)
		}
	}
}

func TestDisconnectReasonString(t *testing.T) {
	if DiscTooManyPeers.String() != "too many peers" {
		t.Fatalf("unexpected string for DiscTooManyPeers: %q", DiscTooManyPeers.String())
	}
	if got := DisconnectReason(0xaa).String(); got == "" {
		t.Fatalf("unknown reason should still stringify, got %q", got)
	}
}

func TestHelloNodeIDRoundTrip(t *testing.T) {
	var id enode.Identity
	for i := range id {
		id[i] = byte(i)
	}
	h := &HelloPacket{Version: baseProtocolVersion, NodeID: [enode.IdentityLen]byte(id)}
	data, err := encodeHello(h)
	if err != nil {
		t.Fatalf("encodeHello: %v", err)
	}
	got, err := decodeHello(data)
	if err != nil {
		t.Fatalf("decodeHello: %v", err)
	}
	if got.NodeID != h.NodeID {
		t.Fatalf("node id roundtrip mismatch")
	}
}
