// Package discover implements the discv4 UDP discovery protocol: a
// binary-tree Kademlia routing table with dynamic bucket splitting, the
// ping/pong/findnode/neighbours packet exchange, a ban list, and the
// bootstrap/refresh driver that feeds discovered peers to the pool.
package discover

import (
	"sort"
	"sync"

	"github.com/eth2030/node/p2p/enode"
)

// BucketSize is K: the maximum number of contacts held by a single leaf.
const BucketSize = 16

// MaxReplacements bounds each leaf's replacement cache.
const MaxReplacements = 10

// MaxDepth bounds how deep the tree may split -- one level per bit of a
// 64-byte (512-bit) identity.
const MaxDepth = enode.IdentityLen * 8

// bucket is a leaf of the routing-table tree (§3's KBucket).
type bucket struct {
	contacts     []*enode.PeerRecord
	replacements []*enode.PeerRecord
	noSplit      bool
}

// node is either a leaf (bucket != nil) or an internal fork (left/right != nil).
type node struct {
	bucket      *bucket
	left, right *node
}

// PingCandidate describes a full, non-splittable bucket that received an
// insertion attempt: the driver should ping the listed existing contacts
// and, if any fail to respond, evict them and retry inserting candidate.
type PingCandidate struct {
	ToPing    []*enode.PeerRecord
	Candidate *enode.PeerRecord
}

// Table is the binary-tree Kademlia routing table described in §3/§4.6.
type Table struct {
	mu        sync.Mutex
	self      enode.Identity
	root      *node
	pingQueue []PingCandidate
}

// NewTable creates an empty routing table for the given local identity.
func NewTable(self enode.Identity) *Table {
	return &Table{
		self: self,
		root: &node{bucket: &bucket{}},
	}
}

// Self returns the local node identity.
func (t *Table) Self() enode.Identity { return t.self }

// bitAt returns the bit at the given depth (0 = MSB of byte 0).
func bitAt(id enode.Identity, depth int) int {
	byteIdx := depth / 8
	bitIdx := 7 - (depth % 8)
	return int((id[byteIdx] >> uint(bitIdx)) & 1)
}

// Add inserts or updates a peer record in the table. If the peer's leaf is
// full and splittable (on the path to self), the leaf splits and insertion
// retries. If the leaf is full and not splittable, the candidate is queued
// for a liveness check against the existing contacts (§4.6) and NOT
// inserted synchronously -- callers should drain PingCandidates via
// DrainPingQueue and resolve them with ResolvePing.
func (t *Table) Add(p *enode.PeerRecord) {
	if p.ID == t.self {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addLocked(t.root, 0, p)
}

func (t *Table) addLocked(n *node, depth int, p *enode.PeerRecord) {
	for n.bucket == nil {
		if bitAt(p.ID, depth) == 0 {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	b := n.bucket

	for i, c := range b.contacts {
		if c.ID == p.ID {
			b.contacts[i] = arbitrate(c, p)
			return
		}
	}

	if len(b.contacts) < BucketSize {
		b.contacts = append(b.contacts, p)
		return
	}

	if t.onPath(n, depth) && !b.noSplit && depth < MaxDepth {
		t.split(n, depth)
		t.addLocked(n, depth, p)
		return
	}

	for i, c := range b.replacements {
		if c.ID == p.ID {
			b.replacements[i] = arbitrate(c, p)
			return
		}
	}
	if len(b.replacements) < MaxReplacements {
		b.replacements = append(b.replacements, p)
	}
	t.pingQueue = append(t.pingQueue, PingCandidate{
		ToPing:    append([]*enode.PeerRecord(nil), b.contacts...),
		Candidate: p,
	})
}

// arbitrate resolves a same-id collision: keep the record with the larger
// vectorClock; ties prefer the incoming candidate (§4.6).
func arbitrate(existing, incoming *enode.PeerRecord) *enode.PeerRecord {
	if incoming.VectorClock >= existing.VectorClock {
		return incoming
	}
	return existing
}

// onPath reports whether the leaf at (n, depth) lies on the path to self --
// i.e. every bit examined so far agreed with self's corresponding bit. The
// traversal in addLocked already guarantees this for all ancestors except
// the final comparison, so we simply recheck from the root.
func (t *Table) onPath(target *node, depth int) bool {
	n := t.root
	for d := 0; d < depth; d++ {
		if n == target {
			return true
		}
		if bitAt(t.self, d) == 0 {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n == target
}

// split converts a leaf into two children, redistributing its contacts and
// replacements by the bit at `depth`. Exactly one child remains on the path
// to self and stays splittable; the other is marked noSplit (§3 invariant).
func (t *Table) split(n *node, depth int) {
	old := n.bucket
	left := &bucket{}
	right := &bucket{}
	for _, c := range old.contacts {
		if bitAt(c.ID, depth) == 0 {
			left.contacts = append(left.contacts, c)
		} else {
			right.contacts = append(right.contacts, c)
		}
	}
	for _, c := range old.replacements {
		if bitAt(c.ID, depth) == 0 {
			left.replacements = append(left.replacements, c)
		} else {
			right.replacements = append(right.replacements, c)
		}
	}
	selfBit := bitAt(t.self, depth)
	if selfBit == 1 {
		left.noSplit = true
	} else {
		right.noSplit = true
	}
	n.left = &node{bucket: left}
	n.right = &node{bucket: right}
	n.bucket = nil
}

// DrainPingQueue returns and clears pending liveness-check candidates
// produced by Add calls that hit a full, non-splittable bucket.
func (t *Table) DrainPingQueue() []PingCandidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.pingQueue
	t.pingQueue = nil
	return q
}

// ResolvePing is called by the driver once it knows which of a
// PingCandidate's ToPing contacts are still alive. Unresponsive contacts
// are evicted and the candidate is (re-)inserted in their place, bounded by
// however many slots were freed.
func (t *Table) ResolvePing(pc PingCandidate, deadIDs []enode.Identity) {
	if len(deadIDs) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range deadIDs {
		t.removeLocked(id)
	}
	t.addLocked(t.root, 0, pc.Candidate)
}

// Remove deletes a peer from the table, promoting a replacement if one exists.
func (t *Table) Remove(id enode.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
}

func (t *Table) removeLocked(id enode.Identity) {
	n, depth := t.root, 0
	for n.bucket == nil {
		if bitAt(id, depth) == 0 {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	b := n.bucket
	for i, c := range b.contacts {
		if c.ID == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			if len(b.replacements) > 0 {
				b.contacts = append(b.contacts, b.replacements[0])
				b.replacements = b.replacements[1:]
			}
			return
		}
	}
}

// Closest returns the n contacts with smallest XOR distance to target,
// traversing the whole table and sorting -- correct for any tree shape and
// cheap at the sizes this table is bounded to.
func (t *Table) Closest(target enode.Identity, n int) []*enode.PeerRecord {
	t.mu.Lock()
	all := t.allLocked()
	t.mu.Unlock()

	sort.SliceStable(all, func(i, j int) bool {
		return enode.DistCmp(target, all[i].ID, all[j].ID) < 0
	})
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// Count returns the total number of contacts across all leaves.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.allLocked())
}

// All returns every contact currently in the table.
func (t *Table) All() []*enode.PeerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allLocked()
}

func (t *Table) allLocked() []*enode.PeerRecord {
	var out []*enode.PeerRecord
	var walk func(*node)
	walk = func(n *node) {
		if n.bucket != nil {
			out = append(out, n.bucket.contacts...)
			return
		}
		walk(n.left)
		walk(n.right)
	}
	walk(t.root)
	return out
}

// LeafCount returns the number of leaves in the tree -- used by the size-law test.
func (t *Table) LeafCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	var walk func(*node)
	walk = func(nd *node) {
		if nd.bucket != nil {
			n++
			return
		}
		walk(nd.left)
		walk(nd.right)
	}
	walk(t.root)
	return n
}
