package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingTableInsertAndClosest(t *testing.T) {
	self := ID{}
	rt := NewRoutingTable(self)

	var target ID
	target[19] = 0x10

	for i := 0; i < 5; i++ {
		id := RandomID()
		rt.Insert(id, NodeAddr{IP: net.ParseIP("127.0.0.1").To4(), Port: uint16(6881 + i)})
	}
	closest := rt.Closest(target, 3)
	assert.LessOrEqual(t, len(closest), 3)
}

func TestRoutingTableIgnoresSelf(t *testing.T) {
	self := RandomID()
	rt := NewRoutingTable(self)
	rt.Insert(self, NodeAddr{IP: net.ParseIP("127.0.0.1").To4(), Port: 6881})
	assert.Empty(t, rt.Closest(self, 10))
}

func TestRoutingTableMarkUnresponsiveEvictsAfterThreeFailures(t *testing.T) {
	self := ID{}
	rt := NewRoutingTable(self)
	id := RandomID()
	addr := NodeAddr{IP: net.ParseIP("10.0.0.1").To4(), Port: 6881}
	rt.Insert(id, addr)
	require.NotEmpty(t, rt.Closest(id, 1))

	rt.MarkUnresponsive(id)
	rt.MarkUnresponsive(id)
	require.NotEmpty(t, rt.Closest(id, 1))
	rt.MarkUnresponsive(id)
	assert.Empty(t, rt.Closest(id, 1))
}

func TestRoutingTableBucketFillsUpToCapacity(t *testing.T) {
	self := ID{}
	rt := NewRoutingTable(self)
	// All of these ids share the same top bit pattern relative to self
	// (self is all-zero, so bucket index is determined by the id's
	// highest set bit) — force them into bucket 0 by setting the top bit.
	for i := 0; i < BucketSize; i++ {
		id := RandomID()
		id[0] |= 0x80 // ensure bucket 0 (highest bit set)
		rt.Insert(id, NodeAddr{IP: net.ParseIP("127.0.0.1").To4(), Port: uint16(7000 + i)})
	}
	all := rt.Closest(ID{}, 64)
	assert.LessOrEqual(t, len(all), BucketSize*2) // bucket 0 may have split into 0/1
}
