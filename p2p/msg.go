// Package p2p implements the RLPx transport: the ECIES authenticated
// handshake, the framed/MAC'd session codec, devp2p Hello/Disconnect/
// Ping/Pong, sub-protocol multiplexing, the ETH status exchange, and the
// peer pool that glues discovery to dialing.
package p2p

import (
	"errors"
	"io"
	"sync"
)

// Msg is a single devp2p frame: a message code and its RLP-encoded payload.
// Unlike a sub-protocol's own message types, Msg is the raw unit the frame
// codec and multiplexer exchange.
type Msg struct {
	Code    uint64
	Payload []byte
}

// Transport is anything that can exchange framed Msgs -- implemented by
// FrameCodec and by MsgPipeEnd for tests.
type Transport interface {
	ReadMsg() (Msg, error)
	WriteMsg(Msg) error
}

// Send writes a message with the given code and payload to a Transport.
func Send(t Transport, code uint64, payload []byte) error {
	return t.WriteMsg(Msg{Code: code, Payload: payload})
}

// MsgPipe creates two connected in-memory Transports for testing protocol
// handlers without a real socket.
func MsgPipe() (*MsgPipeEnd, *MsgPipeEnd) {
	ch1 := make(chan Msg, 16)
	ch2 := make(chan Msg, 16)
	done := make(chan struct{})
	once := new(sync.Once)

	a := &MsgPipeEnd{send: ch1, recv: ch2, done: done, closeOnce: once}
	b := &MsgPipeEnd{send: ch2, recv: ch1, done: done, closeOnce: once}
	return a, b
}

// MsgPipeEnd is one side of a MsgPipe.
type MsgPipeEnd struct {
	send      chan Msg
	recv      chan Msg
	done      chan struct{}
	closeOnce *sync.Once
}

func (p *MsgPipeEnd) ReadMsg() (Msg, error) {
	select {
	case msg, ok := <-p.recv:
		if !ok {
			return Msg{}, io.EOF
		}
		return msg, nil
	case <-p.done:
		return Msg{}, io.EOF
	}
}

func (p *MsgPipeEnd) WriteMsg(msg Msg) error {
	select {
	case p.send <- msg:
		return nil
	case <-p.done:
		return errors.New("p2p: pipe closed")
	}
}

func (p *MsgPipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
