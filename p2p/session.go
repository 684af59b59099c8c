package p2p

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/eth2030/node/p2p/enode"
	"github.com/eth2030/node/rlp"
)

// devp2p base protocol message codes (§4.4): codes 0x00..0x0f are reserved
// for the session layer itself, before any negotiated capability's range.
const (
	helloMsgCode      = 0x00
	discMsgCode       = 0x01
	pingMsgCode       = 0x02
	pongMsgCode       = 0x03
)

const baseProtocolVersion = 5

var (
	ErrHandshakeTimeout    = errors.New("p2p: hello handshake timeout")
	ErrIncompatibleVersion = errors.New("p2p: incompatible protocol version")
	ErrNoMatchingCaps      = errors.New("p2p: no matching capabilities")
)

// Cap names one supported sub-protocol at a given version, e.g. {"eth", 68}.
type Cap struct {
	Name    string
	Version uint
}

// HelloPacket is the first message exchanged on a fresh RLPx session:
// rlp([version=5, clientId, capabilities, listenPort, nodeId]) (§4.4).
type HelloPacket struct {
	Version    uint64
	ClientID   string
	Caps       []Cap
	ListenPort uint64
	NodeID     [enode.IdentityLen]byte
}

func encodeHello(h *HelloPacket) ([]byte, error) {
	return rlp.EncodeToBytes(h)
}

func decodeHello(data []byte) (*HelloPacket, error) {
	var h HelloPacket
	if err := rlp.DecodeBytes(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// DisconnectReason is the 1-byte reason code carried by a Disconnect message.
type DisconnectReason uint8

const (
	DiscRequested                     DisconnectReason = 0x00
	DiscNetworkError                  DisconnectReason = 0x01
	DiscBadProtocol                   DisconnectReason = 0x02
	DiscUselessPeer                   DisconnectReason = 0x03
	DiscTooManyPeers                  DisconnectReason = 0x04
	DiscAlreadyConnected              DisconnectReason = 0x05
	DiscIncompatibleP2PProtocolVersion DisconnectReason = 0x06
	DiscTimeoutReceiving              DisconnectReason = 0x07
	DiscSubprotocolError              DisconnectReason = 0x10
)

func (r DisconnectReason) String() string {
	switch r {
	case DiscRequested:
		return "requested"
	case DiscNetworkError:
		return "network error"
	case DiscBadProtocol:
		return "bad protocol"
	case DiscUselessPeer:
		return "useless peer"
	case DiscTooManyPeers:
		return "too many peers"
	case DiscAlreadyConnected:
		return "already connected"
	case DiscIncompatibleP2PProtocolVersion:
		return "incompatible protocol version"
	case DiscTimeoutReceiving:
		return "timeout receiving"
	case DiscSubprotocolError:
		return "sub-protocol error"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// helloTimeout bounds the WaitHello state of the session state machine
// (FrameReady -> SendHello -> WaitHello -> Negotiated, §4.4).
const helloTimeout = 10 * time.Second

// Session wraps a ready FrameCodec with the post-handshake Hello/Disconnect/
// Ping/Pong wire protocol and the negotiated capability set.
type Session struct {
	fc         *FrameCodec
	local      *HelloPacket
	Remote     *HelloPacket
	Negotiated []Cap
}

// NewSession performs the Hello exchange over an already-established
// FrameCodec and returns a ready Session, or an error after sending the
// appropriate Disconnect.
func NewSession(fc *FrameCodec, local *HelloPacket) (*Session, error) {
	type helloResult struct {
		hello *HelloPacket
		err   error
	}
	recvCh := make(chan helloResult, 1)
	sendCh := make(chan error, 1)

	go func() {
		payload, err := encodeHello(local)
		if err != nil {
			sendCh <- err
			return
		}
		sendCh <- fc.WriteMsg(Msg{Code: helloMsgCode, Payload: payload})
	}()

	go func() {
		msg, err := fc.ReadMsg()
		if err != nil {
			recvCh <- helloResult{nil, fmt.Errorf("p2p: hello read: %w", err)}
			return
		}
		if msg.Code == discMsgCode {
			reason := DisconnectReason(0xff)
			if len(msg.Payload) > 0 {
				reason = DisconnectReason(msg.Payload[0])
			}
			recvCh <- helloResult{nil, fmt.Errorf("p2p: remote disconnected during hello: %s", reason)}
			return
		}
		if msg.Code != helloMsgCode {
			recvCh <- helloResult{nil, fmt.Errorf("p2p: expected hello (0x%02x), got 0x%02x", helloMsgCode, msg.Code)}
			return
		}
		remote, err := decodeHello(msg.Payload)
		if err != nil {
			recvCh <- helloResult{nil, err}
			return
		}
		recvCh <- helloResult{remote, nil}
	}()

	if err := <-sendCh; err != nil {
		return nil, fmt.Errorf("p2p: hello write: %w", err)
	}

	var res helloResult
	select {
	case res = <-recvCh:
	case <-time.After(helloTimeout):
		sendDisconnect(fc, DiscTimeoutReceiving)
		return nil, ErrHandshakeTimeout
	}
	if res.err != nil {
		return nil, res.err
	}

	if res.hello.Version < baseProtocolVersion {
		sendDisconnect(fc, DiscIncompatibleP2PProtocolVersion)
		return nil, fmt.Errorf("%w: remote=%d, local=%d", ErrIncompatibleVersion, res.hello.Version, baseProtocolVersion)
	}

	matched := negotiateCaps(local.Caps, res.hello.Caps)
	if len(matched) == 0 {
		sendDisconnect(fc, DiscUselessPeer)
		return nil, ErrNoMatchingCaps
	}

	return &Session{fc: fc, local: local, Remote: res.hello, Negotiated: matched}, nil
}

// negotiateCaps intersects local and remote capabilities by name, keeping
// the lower of the two advertised versions, and orders the result by
// (name, version descending) per §4.4.
func negotiateCaps(local, remote []Cap) []Cap {
	remoteByName := make(map[string]Cap, len(remote))
	for _, c := range remote {
		if existing, ok := remoteByName[c.Name]; !ok || c.Version > existing.Version {
			remoteByName[c.Name] = c
		}
	}
	var matched []Cap
	for _, lc := range local {
		if rc, ok := remoteByName[lc.Name]; ok {
			v := lc.Version
			if rc.Version < v {
				v = rc.Version
			}
			matched = append(matched, Cap{Name: lc.Name, Version: v})
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Name != matched[j].Name {
			return matched[i].Name < matched[j].Name
		}
		return matched[i].Version > matched[j].Version
	})
	return matched
}

func sendDisconnect(fc *FrameCodec, reason DisconnectReason) {
	go func() {
		_ = fc.WriteMsg(Msg{Code: discMsgCode, Payload: []byte{byte(reason)}})
	}()
}

// Disconnect sends a Disconnect message with the given reason and closes
// the underlying codec, best-effort within 2s per §4.4.
func (s *Session) Disconnect(reason DisconnectReason) {
	done := make(chan struct{})
	go func() {
		_ = s.fc.WriteMsg(Msg{Code: discMsgCode, Payload: []byte{byte(reason)}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	s.fc.Close()
}
