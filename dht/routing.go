package dht

import (
	"sync"
	"time"
)

// BucketSize is K in the spec §3 RoutingTable invariant.
const BucketSize = 8

// numBuckets is the number of XOR-distance bit positions (160-bit ids).
const numBuckets = IDLen * 8

// nodeEntry is one routing-table row (spec §3 DHTNode).
type nodeEntry struct {
	ID           ID
	Addr         NodeAddr
	LastSeen     time.Time
	failedPings  int
}

// bucket holds up to BucketSize entries, ordered least-recently-seen
// first so eviction is O(1) to find a candidate.
type bucket struct {
	nodes []nodeEntry
	// canSplit is true only for the bucket that currently spans our
	// own id's range (spec §4.3: "only the bucket containing our id
	// may split").
	canSplit bool
}

// RoutingTable is the 160-bucket Kademlia table of spec §3.
type RoutingTable struct {
	mu      sync.Mutex
	self    ID
	buckets [numBuckets]bucket
}

// NewRoutingTable creates an empty table identified by self.
func NewRoutingTable(self ID) *RoutingTable {
	rt := &RoutingTable{self: self}
	// Bucket 0 (the most significant, widest-radius bucket) always
	// contains our own id's range until the table has grown past a
	// single bucket, so it starts as the splittable one.
	rt.buckets[0].canSplit = true
	return rt
}

// Insert records activity from (id, addr) — spec §3: "inserted on any
// RPC response, refreshed on observed activity".
func (rt *RoutingTable) Insert(id ID, addr NodeAddr) {
	if id == rt.self {
		return
	}
	idx := BucketIndex(rt.self, id)
	if idx < 0 {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := &rt.buckets[idx]
	for i := range b.nodes {
		if b.nodes[i].ID == id {
			b.nodes[i].Addr = addr
			b.nodes[i].LastSeen = nowOrZero()
			b.nodes[i].failedPings = 0
			// Move to the back (most-recently-seen).
			entry := b.nodes[i]
			b.nodes = append(append(b.nodes[:i:i], b.nodes[i+1:]...), entry)
			return
		}
	}
	entry := nodeEntry{ID: id, Addr: addr, LastSeen: nowOrZero()}
	if len(b.nodes) < BucketSize {
		b.nodes = append(b.nodes, entry)
		return
	}
	if b.canSplit && idx+1 < numBuckets {
		rt.splitInto(idx, entry)
		return
	}
	// Full, non-splittable bucket: the new node is dropped. Insert sends
	// no ping and evicts nothing; MarkUnresponsive below removes a node
	// after three failed pings, which frees its slot for a later Insert.
}

// splitInto moves nodes belonging in bucket idx+1 out of bucket idx,
// since idx is allowed to split (it still spans our own id).
func (rt *RoutingTable) splitInto(idx int, newEntry nodeEntry) {
	b := &rt.buckets[idx]
	next := &rt.buckets[idx+1]
	var kept []nodeEntry
	for _, n := range b.nodes {
		if BucketIndex(rt.self, n.ID) > idx {
			next.nodes = append(next.nodes, n)
		} else {
			kept = append(kept, n)
		}
	}
	kept = append(kept, newEntry)
	b.nodes = kept
	next.canSplit = true
	b.canSplit = len(b.nodes) >= BucketSize // may still need another split later
}

// MarkUnresponsive records a failed ping against id. After three
// consecutive failures the node is evicted (spec §4.3 failure
// semantics).
func (rt *RoutingTable) MarkUnresponsive(id ID) {
	idx := BucketIndex(rt.self, id)
	if idx < 0 {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := &rt.buckets[idx]
	for i := range b.nodes {
		if b.nodes[i].ID != id {
			continue
		}
		b.nodes[i].failedPings++
		if b.nodes[i].failedPings >= 3 {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
		}
		return
	}
}

// Closest returns up to k nodes closest to target across the whole
// table (spec §4.3 step 1 seeding, and find_node/get_peers `nodes`
// responses).
func (rt *RoutingTable) Closest(target ID, k int) []NodeInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var all []NodeInfo
	for i := range rt.buckets {
		for _, n := range rt.buckets[i].nodes {
			all = append(all, NodeInfo{ID: n.ID, Addr: n.Addr})
		}
	}
	sortByDistance(all, target)
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func sortByDistance(nodes []NodeInfo, target ID) {
	// Simple insertion sort: routing tables are small (≤ 160*8 entries,
	// typically far fewer), so O(n^2) is not a concern here.
	for i := 1; i < len(nodes); i++ {
		j := i
		for j > 0 && Less(target, nodes[j].ID, nodes[j-1].ID) {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
			j--
		}
	}
}

func nowOrZero() time.Time { return time.Now() }
