package p2p

import (
	"io"
	"testing"
	"time"
)

func TestMultiplexerAssignsCodeRangesInOrder(t *testing.T) {
	fcA, fcB := newTestCodecPair(t)
	defer fcA.Close()
	defer fcB.Close()

	caps := []Cap{{Name: "eth", Version: 68}, {Name: "snap", Version: 1}}
	lengths := map[string]uint64{"eth": 17, "snap": 8}

	mux := NewMultiplexer(fcA, caps, lengths)
	eth := mux.Stream("eth")
	snap := mux.Stream("snap")
	if eth == nil || snap == nil {
		t.Fatalf("expected both streams to be assigned")
	}
	// Sorted by name: "eth" < "snap", so eth gets the lower range.
	if eth.offset != baseCodeSpace {
		t.Fatalf("eth offset = %d, want %d", eth.offset, baseCodeSpace)
	}
	if snap.offset != baseCodeSpace+17 {
		t.Fatalf("snap offset = %d, want %d", snap.offset, baseCodeSpace+17)
	}
}

func TestMultiplexerRoutesToCorrectStream(t *testing.T) {
	fcA, fcB := newTestCodecPair(t)
	defer fcA.Close()
	defer fcB.Close()

	caps := []Cap{{Name: "eth", Version: 68}}
	lengths := map[string]uint64{"eth": 17}

	muxA := NewMultiplexer(fcA, caps, lengths)
	muxB := NewMultiplexer(fcB, caps, lengths)

	go muxB.ReadLoop()

	ethA := muxA.Stream("eth")
	if err := muxA.WriteMsg(ethA, Msg{Code: EthStatusMsg, Payload: []byte("status")}); err != nil {
		t.Fatalf("WriteMsg: %v", err)
	}

	ethB := muxB.Stream("eth")
	msg, err := ethB.ReadMsg()
	if err != nil {
		t.Fatalf("ReadMsg: %v", err)
	}
	if msg.Code != EthStatusMsg || string(msg.Payload) != "status" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestMultiplexerHandlesPingPongInline(t *testing.T) {
	fcA, fcB := newTestCodecPair(t)
	defer fcA.Close()
	defer fcB.Close()

	caps := []Cap{{Name: "eth", Version: 68}}
	lengths := map[string]uint64{"eth": 17}
	muxB := NewMultiplexer(fcB, caps, lengths)
	go muxB.ReadLoop()

	if err := fcA.WriteMsg(Msg{Code: pingMsgCode}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	done := make(chan struct{})
	go func() {
		fcA.ReadMsg()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for automatic pong")
	}
}

func TestMultiplexerDisconnectClosesWithEOF(t *testing.T) {
	fcA, fcB := newTestCodecPair(t)
	defer fcA.Close()
	defer fcB.Close()

	caps := []Cap{{Name: "eth", Version: 68}}
	lengths := map[string]uint64{"eth": 17}
	muxB := NewMultiplexer(fcB, caps, lengths)

	go fcA.WriteMsg(Msg{Code: discMsgCode, Payload: []byte{byte(DiscRequested)}})

	err := muxB.ReadLoop()
	if err != io.EOF {
		t.Fatalf("expected io.EOF after Disconnect, got %v", err)
	}
}

func TestMultiplexerOverflowTriggersCallback(t *testing.T) {
	fcA, fcB := newTestCodecPair(t)
	defer fcA.Close()
	defer fcB.Close()

	caps := []Cap{{Name: "eth", Version: 68}}
	lengths := map[string]uint64{"eth": 17}
	muxB := NewMultiplexer(fcB, caps, lengths)

	overflowed := make(chan DisconnectReason, 1)
	muxB.OnOverflow(func(r DisconnectReason) { overflowed <- r })

	go muxB.ReadLoop()

	muxA := NewMultiplexer(fcA, caps, lengths)
	ethA := muxA.Stream("eth")
	go func() {
		for i := 0; i < defaultStreamQueueSize+10; i++ {
			_ = muxA.WriteMsg(ethA, Msg{Code: EthTransactionsMsg, Payload: []byte{byte(i)}})
		}
	}()

	select {
	case r := <-overflowed:
		if r != DiscTooManyPeers {
			t.Fatalf("expected DiscTooManyPeers, got %v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for overflow callback (eth stream was never drained)")
	}
}
