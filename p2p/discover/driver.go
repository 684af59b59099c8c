package discover

import (
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/eth2030/node/crypto"
	"github.com/eth2030/node/p2p/enode"
)

// RefreshInterval is how often the driver seeds a random-id lookup per
// bucket depth to keep distant parts of the table populated (§4.6).
const RefreshInterval = 60 * time.Second

// pingTimeout bounds how long the driver waits for a Pong before treating a
// liveness check as failed.
const pingTimeout = 5 * time.Second

// packetExpiry is how far in the future outgoing packets set their
// Expiration field.
const packetExpiry = 20 * time.Second

// discoveryEventCacheSize bounds the duplicate-suppression LRU for
// peer:discovery events (§5: "delivered at most once per (id,endpoint)").
const discoveryEventCacheSize = 10000

// discv4AbuseBanTTL bans an endpoint that repeatedly sends invalid packets
// (tampered signature, expired timestamp, truncated encoding) -- mirrors
// the Protocol-kind hard-ban duration from §7; kept as its own constant
// rather than importing p2p.HardBanDuration, since p2p already imports this
// package and a back-import would cycle.
const discv4AbuseBanTTL = time.Hour

// maxBadPacketStrikes is how many consecutive validation failures from one
// endpoint are tolerated before that endpoint is banned.
const maxBadPacketStrikes = 5

// Driver runs the discv4 UDP packet server: it owns the routing Table and
// holds the BanList (which BanList() shares with the pool), handles incoming
// packets, drives bootstrap and periodic refresh, and emits peer:discovery
// events to the pool.
type Driver struct {
	priv *crypto.PrivateKey
	self enode.Identity
	addr *enode.PeerRecord

	conn net.PacketConn
	log  *slog.Logger

	table   *Table
	banlist *BanList

	mu       sync.Mutex
	pending  map[string]pendingPing // keyed by the raw ping hash bytes
	seen     *BanList                // duplicate-suppression cache, reused LRU shape
	onDiscover func(*enode.PeerRecord)
	badPackets map[string]int // endpointBanKey -> consecutive validation failures

	closeCh chan struct{}
	wg      sync.WaitGroup
}

type pendingPing struct {
	to     *enode.PeerRecord
	result chan bool
}

// NewDriver constructs a discovery driver bound to conn, signing outgoing
// packets with priv and advertising self as the local endpoint.
func NewDriver(priv *crypto.PrivateKey, self *enode.PeerRecord, conn net.PacketConn, logger *slog.Logger) *Driver {
	id := enode.IdentityFromPublicKey(priv.PublicKey())
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		priv:    priv,
		self:    id,
		addr:    self,
		conn:    conn,
		log:     logger,
		table:   NewTable(id),
		banlist: NewBanList(BanListCapacity),
		pending: make(map[string]pendingPing),
		seen:    NewBanList(discoveryEventCacheSize),
		badPackets: make(map[string]int),
		closeCh: make(chan struct{}),
	}
}

// Table returns the underlying routing table.
func (d *Driver) Table() *Table { return d.table }

// BanList returns the shared ban list.
func (d *Driver) BanList() *BanList { return d.banlist }

// OnDiscover registers the callback invoked for each novel peer:discovery
// event (at most once per (id,endpoint) pair, per §5).
func (d *Driver) OnDiscover(fn func(*enode.PeerRecord)) {
	d.mu.Lock()
	d.onDiscover = fn
	d.mu.Unlock()
}

// Start launches the read loop and the periodic refresh timer.
func (d *Driver) Start() {
	d.wg.Add(2)
	go d.readLoop()
	go d.refreshLoop()
}

// Close stops the driver and releases the socket.
func (d *Driver) Close() {
	close(d.closeCh)
	d.conn.Close()
	d.wg.Wait()
}

// Bootstrap pings every configured bootnode; each Pong triggers a
// FindNode(self) to populate nearby buckets (§4.6).
func (d *Driver) Bootstrap(bootnodes []*enode.PeerRecord) {
	for _, bn := range bootnodes {
		d.ping(bn, func(ok bool) {
			if ok {
				d.sendFindNode(bn, d.self)
			}
		})
	}
}

func (d *Driver) readLoop() {
	defer d.wg.Done()
	buf := make([]byte, 1280)
	for {
		select {
		case <-d.closeCh:
			return
		default:
		}
		n, addr, err := d.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-d.closeCh:
				return
			default:
				d.log.Debug("discover: read error", "err", err)
				continue
			}
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		d.handlePacket(udpAddr, data)
	}
}

func (d *Driver) refreshLoop() {
	defer d.wg.Done()
	t := time.NewTicker(RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-d.closeCh:
			return
		case <-t.C:
			d.refresh()
		}
	}
}

// refresh seeds a lookup with a random identity at each known bucket depth
// so distant parts of the table stay populated (§4.6).
func (d *Driver) refresh() {
	depths := map[int]bool{}
	for _, p := range d.table.All() {
		depths[enode.LogDistance(d.self, p.ID)] = true
	}
	if len(depths) == 0 {
		depths[0] = true
	}
	for depth := range depths {
		target := randomIdentityAtDistance(d.self, depth)
		for _, closest := range d.table.Closest(target, 3) {
			d.sendFindNode(closest, target)
		}
	}
}

func (d *Driver) handlePacket(from *net.UDPAddr, raw []byte) {
	key := endpointBanKey(from.IP, uint16(from.Port))
	if d.banlist.Has(key) {
		return
	}
	decoded, err := Decode(raw, time.Now())
	if err != nil {
		d.log.Debug("discover: dropping packet", "from", from, "err", err)
		d.recordBadPacket(key)
		return
	}
	d.clearBadPackets(key)
	switch pkt := decoded.(type) {
	case *DecodedPing:
		d.handlePing(from, pkt)
	case *DecodedPong:
		d.handlePong(pkt)
	case *DecodedFindNode:
		d.handleFindNode(from, pkt)
	case *DecodedNeighbors:
		d.handleNeighbors(pkt)
	}
}

func (d *Driver) handlePing(from *net.UDPAddr, ping *DecodedPing) {
	remote := &enode.PeerRecord{ID: ping.Sender, IP: from.IP, UDPPort: uint16(from.Port), TCPPort: ping.From.TCPPort, VectorClock: 1, LastSeen: time.Now().Unix()}
	raw, err := EncodePong(d.priv, remote, ping.Hash, time.Now().Add(packetExpiry))
	if err != nil {
		return
	}
	d.conn.WriteTo(raw, from)
	d.offerDiscovery(remote)
}

func (d *Driver) handlePong(pong *DecodedPong) {
	key := string(pong.PingHash)
	d.mu.Lock()
	pp, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		select {
		case pp.result <- true:
		default:
		}
		d.offerDiscovery(pp.to)
	}
}

func (d *Driver) handleFindNode(from *net.UDPAddr, req *DecodedFindNode) {
	closest := d.table.Closest(req.Target, BucketSize)
	raw, err := EncodeNeighbors(d.priv, closest, time.Now().Add(packetExpiry))
	if err != nil {
		return
	}
	d.conn.WriteTo(raw, from)
}

func (d *Driver) handleNeighbors(reply *DecodedNeighbors) {
	for _, n := range reply.Nodes {
		d.ping(n, nil)
	}
}

// recordBadPacket tracks a validation failure from key (endpointBanKey),
// banning the endpoint once it crosses maxBadPacketStrikes.
func (d *Driver) recordBadPacket(key string) {
	d.mu.Lock()
	d.badPackets[key]++
	strikes := d.badPackets[key]
	if strikes >= maxBadPacketStrikes {
		delete(d.badPackets, key)
	}
	d.mu.Unlock()

	if strikes >= maxBadPacketStrikes {
		d.banlist.Add(key, discv4AbuseBanTTL)
		d.log.Warn("discover: banning endpoint after repeated invalid packets", "endpoint", key, "strikes", strikes)
	}
}

// clearBadPackets resets key's failure streak after a packet from it decodes
// cleanly.
func (d *Driver) clearBadPackets(key string) {
	d.mu.Lock()
	delete(d.badPackets, key)
	d.mu.Unlock()
}

// offerDiscovery records the peer in the routing table, resolving any
// queued liveness checks the table produced, and fires the at-most-once
// peer:discovery callback.
func (d *Driver) offerDiscovery(p *enode.PeerRecord) {
	if d.banlist.Has(p.ID.String()) || d.banlist.Has(endpointBanKey(p.IP, p.TCPPort)) {
		return
	}
	p.LastSeen = time.Now().Unix()
	d.table.Add(p)
	d.drainPings()

	dedupeKey := p.ID.String() + "@" + p.TCPAddr().String()
	if d.seen.Has(dedupeKey) {
		return
	}
	d.seen.Add(dedupeKey, 0)

	d.mu.Lock()
	cb := d.onDiscover
	d.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}

// drainPings consumes liveness-check candidates the table queued for full,
// non-splittable leaves: it pings the existing contacts, evicts the dead
// ones, and lets the table retry inserting the candidate (§4.6).
func (d *Driver) drainPings() {
	for _, pc := range d.table.DrainPingQueue() {
		pc := pc
		go func() {
			var dead []enode.Identity
			var mu sync.Mutex
			var wg sync.WaitGroup
			for _, contact := range pc.ToPing {
				contact := contact
				wg.Add(1)
				go func() {
					defer wg.Done()
					if !d.pingSync(contact) {
						mu.Lock()
						dead = append(dead, contact.ID)
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			d.table.ResolvePing(pc, dead)
		}()
	}
}

// ping sends a Ping and invokes done(true) if a Pong arrives before
// pingTimeout, done(false) otherwise. done may be nil.
func (d *Driver) ping(to *enode.PeerRecord, done func(bool)) {
	raw, err := EncodePing(d.priv, d.addr, to, time.Now().Add(packetExpiry))
	if err != nil {
		return
	}
	hash := raw[:macSize]
	result := make(chan bool, 1)
	d.mu.Lock()
	d.pending[string(hash)] = pendingPing{to: to, result: result}
	d.mu.Unlock()

	if _, err := d.conn.WriteTo(raw, to.UDPAddr()); err != nil {
		d.mu.Lock()
		delete(d.pending, string(hash))
		d.mu.Unlock()
		if done != nil {
			done(false)
		}
		return
	}

	go func() {
		select {
		case ok := <-result:
			if done != nil {
				done(ok)
			}
		case <-time.After(pingTimeout):
			d.mu.Lock()
			delete(d.pending, string(hash))
			d.mu.Unlock()
			if done != nil {
				done(false)
			}
		}
	}()
}

// pingSync blocks until the ping resolves or times out.
func (d *Driver) pingSync(to *enode.PeerRecord) bool {
	resultCh := make(chan bool, 1)
	d.ping(to, func(ok bool) { resultCh <- ok })
	return <-resultCh
}

func (d *Driver) sendFindNode(to *enode.PeerRecord, target enode.Identity) {
	raw, err := EncodeFindNode(d.priv, target, time.Now().Add(packetExpiry))
	if err != nil {
		return
	}
	d.conn.WriteTo(raw, to.UDPAddr())
}

// endpointBanKey formats an (ip, port) pair as the "ip:tcpPort" ban-list key (§4.6).
func endpointBanKey(ip net.IP, port uint16) string {
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
}

// randomIdentityAtDistance returns an identity whose log-distance from self
// is approximately depth, for seeding a refresh lookup in that bucket range.
func randomIdentityAtDistance(self enode.Identity, depth int) enode.Identity {
	target := self
	if depth <= 0 {
		return target
	}
	bitIdx := enode.IdentityLen*8 - depth
	byteIdx := bitIdx / 8
	bitInByte := 7 - (bitIdx % 8)
	target[byteIdx] ^= 1 << uint(bitInByte)
	var noise [enode.IdentityLen]byte
	copy(noise[:], target[:])
	for i := byteIdx + 1; i < enode.IdentityLen; i++ {
		noise[i] = target[i] ^ byte(i*31+depth)
	}
	return noise
}
