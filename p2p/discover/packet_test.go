package discover

import (
	"net"
	"testing"
	"time"

	"github.com/eth2030/node/crypto"
	"github.com/eth2030/node/p2p/enode"
)

func testKeyAndRecord(t *testing.T) (*crypto.PrivateKey, *enode.PeerRecord) {
	t.Helper()
	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	id := enode.IdentityFromPublicKey(priv.PublicKey())
	rec := &enode.PeerRecord{ID: id, IP: net.ParseIP("127.0.0.1"), UDPPort: 30303, TCPPort: 30303}
	return priv, rec
}

func TestPingRoundTrip(t *testing.T) {
	priv, from := testKeyAndRecord(t)
	_, to := testKeyAndRecord(t)

	raw, err := EncodePing(priv, from, to, time.Now().Add(20*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(raw, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	ping, ok := decoded.(*DecodedPing)
	if !ok {
		t.Fatalf("got %T, want *DecodedPing", decoded)
	}
	if ping.Sender != from.ID {
		t.Fatal("recovered sender identity does not match signer")
	}
}

func TestPongEchoesPingHash(t *testing.T) {
	priv, from := testKeyAndRecord(t)
	_, to := testKeyAndRecord(t)
	pingRaw, err := EncodePing(priv, from, to, time.Now().Add(20*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	pingDecoded, err := decodePacket(pingRaw)
	if err != nil {
		t.Fatal(err)
	}

	pongRaw, err := EncodePong(priv, to, pingDecoded.Hash, time.Now().Add(20*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(pongRaw, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	pong := decoded.(*DecodedPong)
	if string(pong.PingHash) != string(pingDecoded.Hash) {
		t.Fatal("pong did not echo the ping hash")
	}
}

func TestFindNodeAndNeighborsRoundTrip(t *testing.T) {
	priv, _ := testKeyAndRecord(t)
	_, target := testKeyAndRecord(t)

	raw, err := EncodeFindNode(priv, target.ID, time.Now().Add(20*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(raw, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	fn := decoded.(*DecodedFindNode)
	if fn.Target != target.ID {
		t.Fatal("target mismatch")
	}

	_, n1 := testKeyAndRecord(t)
	_, n2 := testKeyAndRecord(t)
	nraw, err := EncodeNeighbors(priv, []*enode.PeerRecord{n1, n2}, time.Now().Add(20*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	ndecoded, err := Decode(nraw, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	neighbors := ndecoded.(*DecodedNeighbors)
	if len(neighbors.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(neighbors.Nodes))
	}
	if neighbors.Nodes[0].ID != n1.ID || neighbors.Nodes[1].ID != n2.ID {
		t.Fatal("neighbour identities mismatch")
	}
}

func TestDecodeRejectsTamperedHash(t *testing.T) {
	priv, from := testKeyAndRecord(t)
	_, to := testKeyAndRecord(t)
	raw, err := EncodePing(priv, from, to, time.Now().Add(20*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	raw[0] ^= 0xff
	if _, err := Decode(raw, time.Now()); err != ErrPacketHashMismatch {
		t.Fatalf("got %v, want ErrPacketHashMismatch", err)
	}
}

func TestDecodeRejectsTamperedSignature(t *testing.T) {
	priv, from := testKeyAndRecord(t)
	_, to := testKeyAndRecord(t)
	raw, err := EncodePing(priv, from, to, time.Now().Add(20*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	raw[macSize+sigSize-1] = 0xff // recovery id out of range
	hash := crypto.Keccak256(raw[macSize:])
	copy(raw[:macSize], hash)
	if _, err := Decode(raw, time.Now()); err != ErrPacketBadSignature {
		t.Fatalf("got %v, want ErrPacketBadSignature", err)
	}
}

func TestDecodeRejectsExpiredPacket(t *testing.T) {
	priv, from := testKeyAndRecord(t)
	_, to := testKeyAndRecord(t)
	raw, err := EncodePing(priv, from, to, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(raw, time.Now()); err != ErrPacketExpired {
		t.Fatalf("got %v, want ErrPacketExpired", err)
	}
}

func TestDecodeRejectsTooSmallPacket(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}, time.Now()); err != ErrPacketTooSmall {
		t.Fatalf("got %v, want ErrPacketTooSmall", err)
	}
}
