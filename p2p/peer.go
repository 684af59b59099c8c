package p2p

import (
	"errors"
	"sync"
	"time"

	"github.com/eth2030/node/crypto"
	"github.com/eth2030/node/p2p/enode"
	"github.com/holiman/uint256"
)

var (
	// ErrPeerAlreadyRegistered is returned when attempting to register a peer
	// that already exists in the peer set.
	ErrPeerAlreadyRegistered = errors.New("p2p: peer already registered")

	// ErrPeerNotRegistered is returned when attempting to unregister a peer
	// that is not in the peer set.
	ErrPeerNotRegistered = errors.New("p2p: peer not registered")
)

// Peer represents a connected, post-handshake remote node: its session
// (Hello-negotiated capabilities), its multiplexer, and the eth sub-protocol
// state layered on top of it (§4.5, §4.7).
type Peer struct {
	id         enode.Identity
	remoteAddr string
	inbound    bool
	connectedAt time.Time

	session *Session
	mux     *Multiplexer
	eth     *EthProtocol

	mu         sync.RWMutex
	head       crypto.Hash
	td         *uint256.Int
}

// NewPeer wraps an established Session/Multiplexer pair (and, once the
// Status handshake has run, its EthProtocol) into a Peer the pool can track.
func NewPeer(id enode.Identity, remoteAddr string, inbound bool, session *Session, mux *Multiplexer, eth *EthProtocol) *Peer {
	p := &Peer{
		id:          id,
		remoteAddr:  remoteAddr,
		inbound:     inbound,
		connectedAt: time.Now(),
		session:     session,
		mux:         mux,
		eth:         eth,
		td:          uint256.NewInt(0),
	}
	if eth != nil {
		p.head = eth.Remote.BestHash
		p.td = eth.Remote.TotalDifficulty
	}
	return p
}

// ID returns the peer's node identity (its static public key).
func (p *Peer) ID() enode.Identity { return p.id }

// RemoteAddr returns the peer's remote network address.
func (p *Peer) RemoteAddr() string { return p.remoteAddr }

// Inbound reports whether this connection was accepted rather than dialed.
func (p *Peer) Inbound() bool { return p.inbound }

// ConnectedAt returns when the peer was registered.
func (p *Peer) ConnectedAt() time.Time { return p.connectedAt }

// Caps returns the negotiated capability set from the Hello exchange.
func (p *Peer) Caps() []Cap { return p.session.Negotiated }

// Head returns the hash of the peer's best known block, as last reported.
func (p *Peer) Head() crypto.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head
}

// TD returns the total difficulty of the peer's best known block.
func (p *Peer) TD() *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(uint256.Int).Set(p.td)
}

// SetHead updates the peer's known head block hash and total difficulty,
// as reported by NewBlock/NewBlockHashes announcements.
func (p *Peer) SetHead(hash crypto.Hash, td *uint256.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.head = hash
	if td != nil {
		p.td = new(uint256.Int).Set(td)
	}
}

// EthStream returns the Stream backing this peer's eth sub-protocol, or nil
// if eth was never negotiated.
func (p *Peer) EthStream() *Stream {
	if p.eth == nil {
		return nil
	}
	return p.eth.stream
}

// WriteEthMsg sends a message on the peer's eth Stream.
func (p *Peer) WriteEthMsg(msg Msg) error {
	if p.eth == nil {
		return errors.New("p2p: peer has no eth sub-protocol")
	}
	return p.mux.WriteMsg(p.eth.stream, msg)
}

// Disconnect tears the peer's session down with the given reason.
func (p *Peer) Disconnect(reason DisconnectReason) {
	p.session.Disconnect(reason)
}

// PeerSet is a thread-safe collection of connected peers, keyed by identity.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[enode.Identity]*Peer
}

// NewPeerSet creates an empty PeerSet.
func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[enode.Identity]*Peer)}
}

// Register adds a peer to the set. Returns ErrPeerAlreadyRegistered if
// a peer with the same identity already exists.
func (ps *PeerSet) Register(p *Peer) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, exists := ps.peers[p.id]; exists {
		return ErrPeerAlreadyRegistered
	}
	ps.peers[p.id] = p
	return nil
}

// Unregister removes a peer from the set. Returns ErrPeerNotRegistered if
// the peer is not found.
func (ps *PeerSet) Unregister(id enode.Identity) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, exists := ps.peers[id]; !exists {
		return ErrPeerNotRegistered
	}
	delete(ps.peers, id)
	return nil
}

// Peer returns the peer with the given identity, or nil if not found.
func (ps *PeerSet) Peer(id enode.Identity) *Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.peers[id]
}

// Len returns the number of peers in the set.
func (ps *PeerSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// InboundLen returns the number of inbound-accepted peers, used by the pool
// to enforce its inbound/outbound admission ratio.
func (ps *PeerSet) InboundLen() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	n := 0
	for _, p := range ps.peers {
		if p.inbound {
			n++
		}
	}
	return n
}

// BestPeer returns the peer with the highest total difficulty, or nil if
// the set is empty.
func (ps *PeerSet) BestPeer() *Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var best *Peer
	var bestTD *uint256.Int
	for _, p := range ps.peers {
		td := p.TD()
		if bestTD == nil || td.Cmp(bestTD) > 0 {
			best = p
			bestTD = td
		}
	}
	return best
}

// Peers returns a snapshot of all peers in the set.
func (ps *PeerSet) Peers() []*Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	list := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		list = append(list, p)
	}
	return list
}

// Has reports whether id is already connected.
func (ps *PeerSet) Has(id enode.Identity) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	_, ok := ps.peers[id]
	return ok
}
