package discover

import (
	"crypto/rand"
	"testing"

	"github.com/eth2030/node/p2p/enode"
)

func randomIdentity(t *testing.T) enode.Identity {
	t.Helper()
	var id enode.Identity
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestRoutingTableSizeLaw(t *testing.T) {
	self := randomIdentity(t)
	tbl := NewTable(self)

	inserted := map[enode.Identity]bool{}
	for i := 0; i < 1000; i++ {
		id := randomIdentity(t)
		inserted[id] = true
		tbl.Add(&enode.PeerRecord{ID: id, VectorClock: 1})
	}

	count := tbl.Count()
	if count > len(inserted) {
		t.Fatalf("count %d exceeds unique inserted ids %d", count, len(inserted))
	}
	if max := tbl.LeafCount() * BucketSize; count > max {
		t.Fatalf("count %d exceeds leaves*K = %d", count, max)
	}
}

func TestClosestNCorrectness(t *testing.T) {
	self := randomIdentity(t)
	tbl := NewTable(self)
	for i := 0; i < 500; i++ {
		tbl.Add(&enode.PeerRecord{ID: randomIdentity(t), VectorClock: 1})
	}

	target := randomIdentity(t)
	closest := tbl.Closest(target, 16)
	if len(closest) != 16 {
		t.Fatalf("got %d contacts, want 16", len(closest))
	}
	for i := 1; i < len(closest); i++ {
		if enode.DistCmp(target, closest[i-1].ID, closest[i].ID) > 0 {
			t.Fatalf("closest(%d) not sorted by ascending distance at index %d", len(closest), i)
		}
	}

	// Every returned contact must be no farther than any contact left out.
	all := tbl.All()
	worstIncluded := closest[len(closest)-1]
	for _, c := range all {
		included := false
		for _, inc := range closest {
			if inc.ID == c.ID {
				included = true
				break
			}
		}
		if !included && enode.DistCmp(target, c.ID, worstIncluded.ID) < 0 {
			t.Fatalf("excluded contact %x is closer than included contact %x", c.ID, worstIncluded.ID)
		}
	}
}

func TestBucketSplitsOnLocalPath(t *testing.T) {
	var self enode.Identity // all-zero
	tbl := NewTable(self)

	// Fill the root bucket with BucketSize contacts that share the top bit
	// with self (bit 0 of byte 0 = 0), forcing a split on the local path.
	for i := 0; i < BucketSize; i++ {
		id := self
		id[0] = 0x00
		id[enode.IdentityLen-1] = byte(i + 1) // distinguish entries, keep top bit 0
		tbl.Add(&enode.PeerRecord{ID: id, VectorClock: 1})
	}
	if tbl.LeafCount() != 1 {
		t.Fatalf("expected no split yet with exactly K contacts, got %d leaves", tbl.LeafCount())
	}

	// One more insertion differing from local only in bit 0 (MSB) forces
	// the root to split: this new id's MSB is 1, landing in the sibling
	// leaf, which must come back marked noSplit since self's MSB is 0.
	var extra enode.Identity
	extra[0] = 0x80 // bit 0 = 1, differs from self's bit 0 = 0
	tbl.Add(&enode.PeerRecord{ID: extra, VectorClock: 1})

	if tbl.LeafCount() < 2 {
		t.Fatalf("expected bucket to have split, got %d leaves", tbl.LeafCount())
	}
	found := false
	for _, c := range tbl.All() {
		if c.ID == extra {
			found = true
		}
	}
	if !found {
		t.Fatal("candidate differing by bit 0 should land in its own leaf after split")
	}

	if tbl.root.bucket != nil {
		t.Fatal("root should have split into two children")
	}
	// The child on self's path (bit0==0) must remain splittable.
	if tbl.root.left.bucket == nil {
		t.Fatal("left child should be a leaf")
	}
	if tbl.root.left.bucket.noSplit {
		t.Fatal("leaf on local path must not be marked noSplit")
	}
	if !tbl.root.right.bucket.noSplit {
		t.Fatal("sibling leaf off the local path must be marked noSplit")
	}
}

func TestAddSameIDArbitratesByVectorClock(t *testing.T) {
	self := randomIdentity(t)
	tbl := NewTable(self)
	id := randomIdentity(t)
	tbl.Add(&enode.PeerRecord{ID: id, VectorClock: 5, TCPPort: 1})
	tbl.Add(&enode.PeerRecord{ID: id, VectorClock: 3, TCPPort: 2})

	all := tbl.All()
	if len(all) != 1 {
		t.Fatalf("expected exactly one contact after collision, got %d", len(all))
	}
	if all[0].TCPPort != 1 {
		t.Fatalf("expected the higher-vectorClock record to survive, got port %d", all[0].TCPPort)
	}
}

func TestFullNoSplitBucketQueuesPingCandidate(t *testing.T) {
	var self enode.Identity
	self[0] = 0x80 // self's MSB is 1, so the left child (MSB=0) is noSplit
	tbl := NewTable(self)

	// Force a split first.
	for i := 0; i < BucketSize; i++ {
		id := self
		id[enode.IdentityLen-1] = byte(i + 1)
		tbl.Add(&enode.PeerRecord{ID: id, VectorClock: 1})
	}
	var sibling enode.Identity // MSB 0, lands in the noSplit sibling leaf
	tbl.Add(&enode.PeerRecord{ID: sibling, VectorClock: 1})

	// Now fill the noSplit sibling leaf to capacity and overflow it.
	for i := 0; i < BucketSize; i++ {
		id := enode.Identity{}
		id[enode.IdentityLen-1] = byte(100 + i)
		tbl.Add(&enode.PeerRecord{ID: id, VectorClock: 1})
	}
	overflow := enode.Identity{}
	overflow[enode.IdentityLen-1] = 0xff
	tbl.Add(&enode.PeerRecord{ID: overflow, VectorClock: 1})

	pq := tbl.DrainPingQueue()
	if len(pq) == 0 {
		t.Fatal("expected a ping candidate to be queued for the full noSplit leaf")
	}
}
