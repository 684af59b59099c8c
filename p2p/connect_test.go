package p2p

import (
	"net"
	"testing"
	"time"

	"github.com/eth2030/node/crypto"
	"github.com/eth2030/node/p2p/enode"
	"github.com/holiman/uint256"
)

func TestNewHandshakerEstablishesPeerBothSides(t *testing.T) {
	initiatorKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	responderKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	connA, connB := net.Pipe()

	initStatus := NewLocalStatus(1, uint256.NewInt(0), crypto.Hash{1}, crypto.Hash{9}, ForkID{})
	respStatus := NewLocalStatus(1, uint256.NewInt(0), crypto.Hash{2}, crypto.Hash{9}, ForkID{})

	initHS := NewHandshaker(initiatorKey, 30303, initStatus, responderKey.PublicKey(), true)
	respHS := NewHandshaker(responderKey, 30303, respStatus, nil, false)

	type result struct {
		peer *Peer
		err  error
	}
	chInit := make(chan result, 1)
	chResp := make(chan result, 1)

	go func() {
		p, err := initHS(netConn{connA})
		chInit <- result{p, err}
	}()
	go func() {
		p, err := respHS(netConn{connB})
		chResp <- result{p, err}
	}()

	var initRes, respRes result
	select {
	case initRes = <-chInit:
	case <-time.After(5 * time.Second):
		t.Fatal("initiator handshaker timed out")
	}
	select {
	case respRes = <-chResp:
	case <-time.After(5 * time.Second):
		t.Fatal("responder handshaker timed out")
	}

	if initRes.err != nil {
		t.Fatalf("initiator handshaker: %v", initRes.err)
	}
	if respRes.err != nil {
		t.Fatalf("responder handshaker: %v", respRes.err)
	}

	wantRespID := enode.IdentityFromPublicKey(responderKey.PublicKey())
	wantInitID := enode.IdentityFromPublicKey(initiatorKey.PublicKey())

	if initRes.peer.ID() != wantRespID {
		t.Fatalf("initiator's peer ID does not match responder's identity")
	}
	if respRes.peer.ID() != wantInitID {
		t.Fatalf("responder's peer ID does not match initiator's identity")
	}
	if !respRes.peer.Inbound() || initRes.peer.Inbound() {
		t.Fatalf("inbound flag mismatch: initiator=%v responder=%v", initRes.peer.Inbound(), respRes.peer.Inbound())
	}
	if initRes.peer.EthStream() == nil || respRes.peer.EthStream() == nil {
		t.Fatalf("eth stream not established on both sides")
	}
}

func TestPoolAllowInboundAttemptRateLimits(t *testing.T) {
	p := NewPool(PoolConfig{MaxPeers: 25}, nil, nil, nil)

	allowed := 0
	for i := 0; i < inboundAcceptBurst+5; i++ {
		if p.AllowInboundAttempt() {
			allowed++
		}
	}
	if allowed > inboundAcceptBurst {
		t.Fatalf("allowed %d attempts immediately, want at most the burst size %d", allowed, inboundAcceptBurst)
	}
	if allowed == 0 {
		t.Fatalf("expected at least one attempt to be allowed immediately")
	}
}
