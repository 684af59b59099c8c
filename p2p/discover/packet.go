package discover

import (
	"errors"
	"net"
	"time"

	"github.com/eth2030/node/crypto"
	"github.com/eth2030/node/p2p/enode"
	"github.com/eth2030/node/rlp"
)

// Packet type tags, placed immediately after the hash and signature on the
// wire (§4.6's discv4 packet list).
const (
	pingPacket       = 0x01
	pongPacket       = 0x02
	findNodePacket   = 0x03
	neighborsPacket  = 0x04
)

// macSize and sigSize bound the fixed prefix of every discv4 datagram:
// hash(32) || signature(65) || type(1) || rlp-payload.
const (
	macSize = 32
	sigSize = 65
	headSize = macSize + sigSize
)

var (
	ErrPacketTooSmall  = errors.New("discover: packet too small")
	ErrPacketHashMismatch = errors.New("discover: packet hash mismatch")
	ErrPacketBadSignature = errors.New("discover: packet signature does not recover")
	ErrPacketExpired   = errors.New("discover: packet expiration timestamp elapsed")
	ErrUnknownPacketType = errors.New("discover: unknown packet type")
)

// endpoint mirrors a discv4 wire endpoint triple (ip, udpPort, tcpPort).
type endpoint struct {
	IP      net.IP
	UDPPort uint16
	TCPPort uint16
}

func endpointFromRecord(p *enode.PeerRecord) endpoint {
	return endpoint{IP: p.IP, UDPPort: p.UDPPort, TCPPort: p.TCPPort}
}

// pingPayload is the RLP payload of a Ping packet.
type pingPayload struct {
	Version    uint32
	From       endpoint
	To         endpoint
	Expiration uint64
}

// pongPayload is the RLP payload of a Pong packet -- it echoes the ping
// hash so the sender can correlate the reply.
type pongPayload struct {
	To         endpoint
	PingHash   []byte
	Expiration uint64
}

// findNodePayload requests the neighbours closest to Target.
type findNodePayload struct {
	Target     enode.Identity
	Expiration uint64
}

// neighborsPayload answers a FindNode with a batch of known peers.
type neighborsPayload struct {
	Nodes      []neighborNode
	Expiration uint64
}

type neighborNode struct {
	IP      net.IP
	UDPPort uint16
	TCPPort uint16
	ID      enode.Identity
}

// expirationWindow bounds how long a packet's Expiration field may lag
// behind now before it's dropped as stale (§4.6).
const expirationWindow = 20 * time.Second

// buildPacket signs and frames payload as packetType, returning the full
// wire datagram: keccak256(sig||type||payload) || sig || type || rlp(payload).
func buildPacket(priv *crypto.PrivateKey, packetType byte, payload interface{}) ([]byte, error) {
	body, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, err
	}
	signed := append([]byte{packetType}, body...)
	digest := crypto.Keccak256(signed)
	sig, err := crypto.Sign(priv, digest)
	if err != nil {
		return nil, err
	}
	packet := make([]byte, 0, macSize+sigSize+len(signed))
	packet = append(packet, make([]byte, macSize)...)
	packet = append(packet, sig[:]...)
	packet = append(packet, signed...)
	hash := crypto.Keccak256(packet[macSize:])
	copy(packet[:macSize], hash)
	return packet, nil
}

// decodedPacket is the result of verifying and unframing a raw datagram.
type decodedPacket struct {
	Type   byte
	Sender enode.Identity
	Hash   []byte
	Body   []byte
}

// decodePacket verifies the hash and signature prefix of a raw datagram and
// returns the sender's identity (recovered from the signature, never taken
// from the payload) alongside the packet type and RLP body.
func decodePacket(raw []byte) (*decodedPacket, error) {
	if len(raw) < headSize+1 {
		return nil, ErrPacketTooSmall
	}
	wantHash := crypto.Keccak256(raw[macSize:])
	if !equalBytes(wantHash, raw[:macSize]) {
		return nil, ErrPacketHashMismatch
	}
	var sig [sigSize]byte
	copy(sig[:], raw[macSize:macSize+sigSize])
	signed := raw[macSize+sigSize:]
	digest := crypto.Keccak256(signed)
	pub, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return nil, ErrPacketBadSignature
	}
	return &decodedPacket{
		Type:   signed[0],
		Sender: enode.IdentityFromPublicKey(pub),
		Hash:   raw[:macSize],
		Body:   signed[1:],
	}, nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// isExpired reports whether an Expiration unix-second timestamp has lapsed
// beyond expirationWindow's tolerance for clock skew (§4.6 drop rule).
func isExpired(expiration uint64, now time.Time) bool {
	deadline := time.Unix(int64(expiration), 0)
	return now.After(deadline.Add(expirationWindow))
}

// EncodePing builds a signed Ping datagram.
func EncodePing(priv *crypto.PrivateKey, from, to *enode.PeerRecord, expiration time.Time) ([]byte, error) {
	return buildPacket(priv, pingPacket, pingPayload{
		Version:    4,
		From:       endpointFromRecord(from),
		To:         endpointFromRecord(to),
		Expiration: uint64(expiration.Unix()),
	})
}

// EncodePong builds a signed Pong datagram echoing pingHash.
func EncodePong(priv *crypto.PrivateKey, to *enode.PeerRecord, pingHash []byte, expiration time.Time) ([]byte, error) {
	return buildPacket(priv, pongPacket, pongPayload{
		To:         endpointFromRecord(to),
		PingHash:   pingHash,
		Expiration: uint64(expiration.Unix()),
	})
}

// EncodeFindNode builds a signed FindNode datagram requesting peers near target.
func EncodeFindNode(priv *crypto.PrivateKey, target enode.Identity, expiration time.Time) ([]byte, error) {
	return buildPacket(priv, findNodePacket, findNodePayload{
		Target:     target,
		Expiration: uint64(expiration.Unix()),
	})
}

// EncodeNeighbors builds a signed Neighbours datagram listing nodes.
func EncodeNeighbors(priv *crypto.PrivateKey, nodes []*enode.PeerRecord, expiration time.Time) ([]byte, error) {
	out := make([]neighborNode, len(nodes))
	for i, n := range nodes {
		out[i] = neighborNode{IP: n.IP, UDPPort: n.UDPPort, TCPPort: n.TCPPort, ID: n.ID}
	}
	return buildPacket(priv, neighborsPacket, neighborsPayload{
		Nodes:      out,
		Expiration: uint64(expiration.Unix()),
	})
}

// DecodedPing is a verified, freshly-arrived Ping ready for dispatch.
type DecodedPing struct {
	Sender     enode.Identity
	Hash       []byte
	From       endpoint
	Expiration uint64
}

// DecodedPong is a verified, freshly-arrived Pong.
type DecodedPong struct {
	Sender   enode.Identity
	PingHash []byte
}

// DecodedFindNode is a verified, freshly-arrived FindNode request.
type DecodedFindNode struct {
	Sender enode.Identity
	Target enode.Identity
}

// DecodedNeighbors is a verified, freshly-arrived Neighbours reply.
type DecodedNeighbors struct {
	Sender enode.Identity
	Nodes  []*enode.PeerRecord
}

// Decode verifies raw against the hash/signature framing and decodes its
// RLP body into one of the Decoded* types, dropping expired packets per
// §4.6. The returned value's concrete type depends on the wire packet type.
func Decode(raw []byte, now time.Time) (interface{}, error) {
	pkt, err := decodePacket(raw)
	if err != nil {
		return nil, err
	}
	switch pkt.Type {
	case pingPacket:
		var p pingPayload
		if err := rlp.DecodeBytes(pkt.Body, &p); err != nil {
			return nil, err
		}
		if isExpired(p.Expiration, now) {
			return nil, ErrPacketExpired
		}
		return &DecodedPing{Sender: pkt.Sender, Hash: pkt.Hash, From: p.From, Expiration: p.Expiration}, nil

	case pongPacket:
		var p pongPayload
		if err := rlp.DecodeBytes(pkt.Body, &p); err != nil {
			return nil, err
		}
		if isExpired(p.Expiration, now) {
			return nil, ErrPacketExpired
		}
		return &DecodedPong{Sender: pkt.Sender, PingHash: p.PingHash}, nil

	case findNodePacket:
		var p findNodePayload
		if err := rlp.DecodeBytes(pkt.Body, &p); err != nil {
			return nil, err
		}
		if isExpired(p.Expiration, now) {
			return nil, ErrPacketExpired
		}
		return &DecodedFindNode{Sender: pkt.Sender, Target: p.Target}, nil

	case neighborsPacket:
		var p neighborsPayload
		if err := rlp.DecodeBytes(pkt.Body, &p); err != nil {
			return nil, err
		}
		if isExpired(p.Expiration, now) {
			return nil, ErrPacketExpired
		}
		nodes := make([]*enode.PeerRecord, len(p.Nodes))
		for i, n := range p.Nodes {
			nodes[i] = &enode.PeerRecord{ID: n.ID, IP: n.IP, UDPPort: n.UDPPort, TCPPort: n.TCPPort}
		}
		return &DecodedNeighbors{Sender: pkt.Sender, Nodes: nodes}, nil

	default:
		return nil, ErrUnknownPacketType
	}
}
