package p2p

import (
	"testing"

	"github.com/eth2030/node/crypto"
	"github.com/eth2030/node/p2p/enode"
	"github.com/holiman/uint256"
)

func testIdentity(b byte) enode.Identity {
	var id enode.Identity
	id[0] = b
	return id
}

func TestPeerSetRegisterAndLookup(t *testing.T) {
	ps := NewPeerSet()
	id := testIdentity(1)
	peer := &Peer{id: id, td: uint256.NewInt(0)}

	if err := ps.Register(peer); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := ps.Register(peer); err != ErrPeerAlreadyRegistered {
		t.Fatalf("expected ErrPeerAlreadyRegistered, got %v", err)
	}
	if got := ps.Peer(id); got != peer {
		t.Fatalf("Peer lookup mismatch")
	}
	if ps.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", ps.Len())
	}
	if err := ps.Unregister(id); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := ps.Unregister(id); err != ErrPeerNotRegistered {
		t.Fatalf("expected ErrPeerNotRegistered, got %v", err)
	}
}

func TestPeerSetBestPeerByTD(t *testing.T) {
	ps := NewPeerSet()
	low := &Peer{id: testIdentity(1), td: uint256.NewInt(10)}
	high := &Peer{id: testIdentity(2), td: uint256.NewInt(100)}
	ps.Register(low)
	ps.Register(high)

	best := ps.BestPeer()
	if best != high {
		t.Fatalf("BestPeer returned %v, want the higher-TD peer", best.id)
	}
}

func TestPeerSetInboundLen(t *testing.T) {
	ps := NewPeerSet()
	ps.Register(&Peer{id: testIdentity(1), inbound: true, td: uint256.NewInt(0)})
	ps.Register(&Peer{id: testIdentity(2), inbound: false, td: uint256.NewInt(0)})
	ps.Register(&Peer{id: testIdentity(3), inbound: true, td: uint256.NewInt(0)})

	if n := ps.InboundLen(); n != 2 {
		t.Fatalf("InboundLen() = %d, want 2", n)
	}
}

func TestPeerSetHas(t *testing.T) {
	ps := NewPeerSet()
	id := testIdentity(7)
	if ps.Has(id) {
		t.Fatalf("Has() true before registration")
	}
	ps.Register(&Peer{id: id, td: uint256.NewInt(0)})
	if !ps.Has(id) {
		t.Fatalf("Has() false after registration")
	}
}

func TestPeerSetHeadAndTDUpdate(t *testing.T) {
	p := &Peer{id: testIdentity(1), td: uint256.NewInt(0)}
	newHash := crypto.Hash{1, 2, 3}
	p.SetHead(newHash, uint256.NewInt(500))

	if p.Head() != newHash {
		t.Fatalf("Head() mismatch after SetHead")
	}
	if p.TD().Cmp(uint256.NewInt(500)) != 0 {
		t.Fatalf("TD() mismatch after SetHead")
	}
}
