package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactNodesRoundTrip(t *testing.T) {
	nodes := []NodeInfo{
		{ID: RandomID(), Addr: NodeAddr{IP: net.ParseIP("1.2.3.4").To4(), Port: 6881}},
		{ID: RandomID(), Addr: NodeAddr{IP: net.ParseIP("5.6.7.8").To4(), Port: 51413}},
	}
	encoded := EncodeCompactNodes(nodes)
	assert.Len(t, encoded, len(nodes)*CompactNodeSize)

	decoded, err := DecodeCompactNodes(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	for i := range nodes {
		assert.Equal(t, nodes[i].ID, decoded[i].ID)
		assert.Equal(t, nodes[i].Addr.IP.String(), decoded[i].Addr.IP.String())
		assert.Equal(t, nodes[i].Addr.Port, decoded[i].Addr.Port)
	}
}

func TestDecodeCompactNodesRejectsBadLength(t *testing.T) {
	_, err := DecodeCompactNodes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestBucketIndexIsDistanceMSB(t *testing.T) {
	var self, other ID
	// Differ only in the highest bit of the first byte.
	other[0] = 0x80
	assert.Equal(t, 0, BucketIndex(self, other))

	other = ID{}
	other[19] = 0x01
	assert.Equal(t, 159, BucketIndex(self, other))

	assert.Equal(t, -1, BucketIndex(self, self))
}

func TestLessOrdersByXORDistance(t *testing.T) {
	target := ID{}
	near := ID{}
	near[19] = 0x01
	far := ID{}
	far[0] = 0x01
	assert.True(t, Less(target, near, far))
	assert.False(t, Less(target, far, near))
}
