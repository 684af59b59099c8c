package p2p

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/eth2030/node/p2p/discover"
	"github.com/eth2030/node/p2p/enode"
	"golang.org/x/time/rate"
)

// Pool-level defaults (§4.7, §6).
const (
	defaultMaxPeers       = 25
	dialBackoffInitial    = 1 * time.Second
	dialBackoffMax        = 30 * time.Second
	dialBackoffMultiplier = 2.0
	poolCloseDrainDeadline = 2 * time.Second

	// inboundAcceptRate/inboundAcceptBurst throttle the rate at which new
	// inbound connections are admitted into the handshake path, independent
	// of the MaxPeers/MaxInbound ceilings -- it bounds how fast an attacker
	// can make this node spend CPU on ECIES handshakes, not how many peers
	// it ends up with.
	inboundAcceptRate  = 10 // per second
	inboundAcceptBurst = 20
)

// Dialer abstracts outbound connection establishment so Pool can be tested
// without real sockets.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Conn is the minimal connection surface a Dialer returns and the pool's
// handshake callback receives.
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	RemoteAddr() string
}

// dialEntry tracks one candidate's outbound retry state.
type dialEntry struct {
	id       enode.Identity
	addr     string
	attempt  int
	nextTry  time.Time
	cancel   context.CancelFunc
}

// PoolConfig configures admission policy and connection management.
type PoolConfig struct {
	MaxPeers   int
	MaxInbound int // defaults to MaxPeers/2
}

// Pool owns the set of connected peers, enforces admission policy (§4.7),
// drives the outbound dial queue with exponential backoff, and fans
// broadcasts out to subscribed peers. Each I/O boundary (dial, accept, a
// peer's read loop) runs in its own goroutine; Pool itself only ever
// touches its maps under its own mutex, so there is no single shared event
// loop thread -- concurrency is pushed to the edges and synchronized here.
type Pool struct {
	cfg     PoolConfig
	peers   *PeerSet
	dialer  Dialer
	log     *slog.Logger
	accept  *rate.Limiter
	banlist *discover.BanList

	mu      sync.Mutex
	dialing map[enode.Identity]*dialEntry
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewPool creates a Pool with the given configuration and dialer. banlist is
// the shared ban list consulted before admitting a peer and written to on
// handshake/protocol failure (§7); a nil banlist gets its own fresh, private
// instance rather than sharing discovery's.
func NewPool(cfg PoolConfig, dialer Dialer, banlist *discover.BanList, log *slog.Logger) *Pool {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.MaxInbound <= 0 {
		cfg.MaxInbound = cfg.MaxPeers / 2
	}
	if log == nil {
		log = slog.Default()
	}
	if banlist == nil {
		banlist = discover.NewBanList(0)
	}
	return &Pool{
		cfg:     cfg,
		peers:   NewPeerSet(),
		dialer:  dialer,
		log:     log,
		accept:  rate.NewLimiter(rate.Limit(inboundAcceptRate), inboundAcceptBurst),
		banlist: banlist,
		dialing: make(map[enode.Identity]*dialEntry),
		closeCh: make(chan struct{}),
	}
}

// AllowInboundAttempt reports whether a newly accepted raw connection should
// proceed to the handshake, independent of admitInbound's peer-count policy.
// Callers should check this immediately after Accept(), before spending any
// CPU on ECIES key agreement, and close the connection if it returns false.
func (p *Pool) AllowInboundAttempt() bool {
	return p.accept.Allow()
}

// Peers exposes the underlying peer set for lookups and broadcasting.
func (p *Pool) Peers() *PeerSet { return p.peers }

// BanOnError classifies err and, if its Kind carries a ban-list TTL (§7),
// bans key for that duration. Callers use the peer's identity when known
// (outbound dials) and the raw remote address when a handshake failed
// before an identity could be recovered (inbound accepts).
func (p *Pool) BanOnError(key string, err error) {
	ttl, ok := ClassifyError(err).BanDuration()
	if !ok {
		return
	}
	p.banlist.Add(key, ttl)
	p.log.Warn("banning peer after connection failure", "key", key, "ttl", ttl, "err", err)
}

// Banned reports whether key is currently on the shared ban list.
func (p *Pool) Banned(key string) bool { return p.banlist.Has(key) }

// admitInbound reports whether an inbound connection attempt should proceed,
// enforcing the total peer cap and the inbound-share ratio (§4.7): inbound
// connections may not exceed MaxInbound, which defaults to half of MaxPeers
// so outbound dials -- the ones the node itself chooses -- always have room.
func (p *Pool) admitInbound(id enode.Identity) bool {
	if p.banlist.Has(id.String()) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if p.peers.Has(id) {
		return false
	}
	if p.peers.Len() >= p.cfg.MaxPeers {
		return false
	}
	if p.peers.InboundLen() >= p.cfg.MaxInbound {
		return false
	}
	return true
}

// admitOutbound reports whether the pool has room to start (or keep
// retrying) an outbound dial to id; a banned id is never admitted (§7).
func (p *Pool) admitOutbound(id enode.Identity) bool {
	if p.banlist.Has(id.String()) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if p.peers.Has(id) {
		return false
	}
	return p.peers.Len() < p.cfg.MaxPeers
}

// RegisterInbound admits an already-handshaken inbound peer into the pool,
// or returns false if admission policy rejects it (caller should disconnect
// with DiscTooManyPeers/DiscAlreadyConnected).
func (p *Pool) RegisterInbound(peer *Peer) bool {
	if !p.admitInbound(peer.ID()) {
		return false
	}
	if err := p.peers.Register(peer); err != nil {
		return false
	}
	p.log.Info("peer registered", "id", peer.ID(), "inbound", true, "addr", peer.RemoteAddr())
	return true
}

// Dial enqueues an outbound dial attempt for (id, addr), returning
// immediately; connection and handshake happen on a background goroutine
// with exponential backoff (base 1s, cap 30s, reset on success, §4.7).
// handshake is called once a raw Conn is established and must return a
// ready Peer or an error; it is supplied by the caller so Pool stays
// transport-agnostic.
func (p *Pool) Dial(id enode.Identity, addr string, handshake func(Conn) (*Peer, error)) {
	p.mu.Lock()
	if p.closed || p.dialing[id] != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	entry := &dialEntry{id: id, addr: addr, cancel: cancel}
	p.dialing[id] = entry
	p.mu.Unlock()

	p.wg.Add(1)
	go p.dialLoop(ctx, entry, handshake)
}

// CancelDial aborts an in-flight or pending dial for id.
func (p *Pool) CancelDial(id enode.Identity) {
	p.mu.Lock()
	entry := p.dialing[id]
	p.mu.Unlock()
	if entry != nil {
		entry.cancel()
	}
}

func (p *Pool) dialLoop(ctx context.Context, entry *dialEntry, handshake func(Conn) (*Peer, error)) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.dialing, entry.id)
		p.mu.Unlock()
	}()

	for {
		if !p.admitOutbound(entry.id) {
			return
		}

		conn, err := p.dialer.Dial(ctx, entry.addr)
		if err == nil {
			peer, hsErr := handshake(conn)
			if hsErr == nil {
				if p.admitOutbound(entry.id) {
					if regErr := p.peers.Register(peer); regErr == nil {
						p.log.Info("peer registered", "id", entry.id, "inbound", false, "addr", entry.addr)
						return
					}
				}
				peer.Disconnect(DiscAlreadyConnected)
				return
			}
			err = hsErr
			conn.Close()
			p.BanOnError(entry.id.String(), hsErr)
		}

		entry.attempt++
		p.log.Debug("dial failed, backing off", "id", entry.id, "addr", entry.addr, "attempt", entry.attempt, "err", err)

		wait := backoffDuration(entry.attempt)
		select {
		case <-ctx.Done():
			return
		case <-p.closeCh:
			return
		case <-time.After(wait):
		}
	}
}

// backoffDuration computes the dial retry delay for the given attempt
// count, doubling from dialBackoffInitial up to dialBackoffMax.
func backoffDuration(attempt int) time.Duration {
	if attempt <= 1 {
		return dialBackoffInitial
	}
	d := float64(dialBackoffInitial) * math.Pow(dialBackoffMultiplier, float64(attempt-1))
	if d > float64(dialBackoffMax) {
		d = float64(dialBackoffMax)
	}
	return time.Duration(d)
}

// Remove unregisters a peer, e.g. after its read loop observes a closed
// connection or protocol error.
func (p *Pool) Remove(id enode.Identity) {
	_ = p.peers.Unregister(id)
}

// BroadcastTransactions sends a NewPooledTransactionHashes announcement to
// every connected peer with an eth sub-protocol, best-effort: a write
// failure closes only that one peer rather than aborting the broadcast
// (§4.7).
func (p *Pool) BroadcastTransactions(payload []byte) {
	p.fanOut(EthNewPooledTransactionHashesMsg, payload)
}

// BroadcastNewBlockHashes sends a NewBlockHashes announcement to every
// connected peer with an eth sub-protocol, best-effort.
func (p *Pool) BroadcastNewBlockHashes(payload []byte) {
	p.fanOut(EthNewBlockHashesMsg, payload)
}

func (p *Pool) fanOut(code uint64, payload []byte) {
	for _, peer := range p.peers.Peers() {
		if peer.EthStream() == nil {
			continue
		}
		go func(pr *Peer) {
			if err := pr.WriteEthMsg(Msg{Code: code, Payload: payload}); err != nil {
				p.log.Debug("broadcast write failed, dropping peer", "id", pr.ID(), "err", err)
				p.Remove(pr.ID())
				pr.Disconnect(DiscNetworkError)
			}
		}(peer)
	}
}

// Close cancels all in-flight dials and disconnects every peer, waiting up
// to poolCloseDrainDeadline for dial goroutines to unwind before returning.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closeCh)
	for _, entry := range p.dialing {
		entry.cancel()
	}
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(poolCloseDrainDeadline):
		p.log.Warn("pool close: dial goroutines did not drain in time")
	}

	for _, peer := range p.peers.Peers() {
		peer.Disconnect(DiscRequested)
	}
}
