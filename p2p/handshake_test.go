package p2p

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/eth2030/node/crypto"
)

func TestDoHandshakeEstablishesMatchingSecrets(t *testing.T) {
	initiatorKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	responderKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	connA, connB := net.Pipe()

	type result struct {
		fc  *FrameCodec
		err error
	}
	chInit := make(chan result, 1)
	chResp := make(chan result, 1)

	go func() {
		fc, err := DoHandshake(connA, initiatorKey, responderKey.PublicKey(), true)
		chInit <- result{fc, err}
	}()
	go func() {
		fc, err := DoHandshake(connB, responderKey, nil, false)
		chResp <- result{fc, err}
	}()

	var initRes, respRes result
	select {
	case initRes = <-chInit:
	case <-time.After(5 * time.Second):
		t.Fatal("initiator handshake timed out")
	}
	select {
	case respRes = <-chResp:
	case <-time.After(5 * time.Second):
		t.Fatal("responder handshake timed out")
	}

	if initRes.err != nil {
		t.Fatalf("initiator DoHandshake: %v", initRes.err)
	}
	if respRes.err != nil {
		t.Fatalf("responder DoHandshake: %v", respRes.err)
	}
	defer initRes.fc.Close()
	defer respRes.fc.Close()

	want := Msg{Code: 5, Payload: []byte("post-handshake frame")}
	errCh := make(chan error, 1)
	go func() { errCh <- initRes.fc.WriteMsg(want) }()

	got, err := respRes.fc.ReadMsg()
	if err != nil {
		t.Fatalf("ReadMsg over handshaked codec: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteMsg over handshaked codec: %v", err)
	}
	if got.Code != want.Code || string(got.Payload) != string(want.Payload) {
		t.Fatalf("post-handshake frame mismatch: got %+v, want %+v", got, want)
	}
}

func TestResponderRecoversInitiatorStaticKey(t *testing.T) {
	initiatorKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	responderKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	connA, connB := net.Pipe()

	respDone := make(chan *Handshake, 1)
	go func() {
		h, err := NewHandshake(responderKey, nil, false)
		if err != nil {
			t.Error(err)
			respDone <- nil
			return
		}
		connB.SetDeadline(time.Now().Add(5 * time.Second))
		br := bufio.NewReader(connB)
		if err := h.ReadAuth(br); err != nil {
			t.Error(err)
			respDone <- nil
			return
		}
		respDone <- h
	}()

	go func() {
		h, err := NewHandshake(initiatorKey, responderKey.PublicKey(), true)
		if err != nil {
			t.Error(err)
			return
		}
		auth, err := h.MakeAuthEIP8()
		if err != nil {
			t.Error(err)
			return
		}
		connA.SetDeadline(time.Now().Add(5 * time.Second))
		connA.Write(auth)
	}()

	h := <-respDone
	if h == nil {
		t.Fatal("responder handshake failed")
	}
	if h.RemoteStaticPub() == nil {
		t.Fatal("responder did not recover initiator's static public key")
	}
	want := initiatorKey.PublicKey().Bytes()
	got := h.RemoteStaticPub().Bytes()
	if string(got) != string(want) {
		t.Fatalf("recovered static pubkey mismatch")
	}
}
