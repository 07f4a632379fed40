package dht

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	n, err := NewNode(0, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// TestIterativeGetPeersTerminatesAndFindsAnnouncedPeer exercises spec
// §8 scenario 6: a two-node network where one node has announced
// itself for an info-hash; the lookup from the other node must
// terminate (not hang) and surface that peer.
func TestIterativeGetPeersTerminatesAndFindsAnnouncedPeer(t *testing.T) {
	seeder := newTestNode(t)
	seeker := newTestNode(t)

	seederUDPAddr := seeder.conn.LocalAddr().(*net.UDPAddr)
	seederAddr := NodeAddr{IP: net.ParseIP("127.0.0.1"), Port: uint16(seederUDPAddr.Port)}

	// Seed the seeker's table with the seeder directly so the lookup
	// has somewhere to start.
	seeker.rt.Insert(seeder.Self(), seederAddr)

	var infoHash ID
	infoHash[0] = 0x42

	res, err := seeker.GetPeers(seederAddr, infoHash)
	require.NoError(t, err)
	require.NotNil(t, res.Token)

	err = seeder.AnnouncePeer(seederAddr, infoHash, 6881, res.Token)
	require.NoError(t, err)

	done := make(chan GetPeersResult, 1)
	go func() { done <- seeker.IterativeGetPeers(infoHash) }()

	select {
	case result := <-done:
		require.NotEmpty(t, result.Peers, "expected the announced peer to be found")
	case <-time.After(5 * time.Second):
		t.Fatal("iterative get_peers lookup did not terminate")
	}
}

// TestIterativeGetPeersBoundedAgainstUnreachableNodes exercises the
// round/time bound directly: a table full of nodes that never reply
// must still make IterativeGetPeers return well within
// MaxLookupDuration instead of looping until every candidate is
// queried one alpha-batch at a time.
func TestIterativeGetPeersBoundedAgainstUnreachableNodes(t *testing.T) {
	seeker := newTestNode(t)

	var infoHash ID
	infoHash[0] = 0x99

	// Unreachable UDP endpoints: each query will time out after
	// QueryTimeout, so each round takes one QueryTimeout and the round
	// cap bounds this lookup at MaxLookupRounds*QueryTimeout.
	for i := 0; i < 20; i++ {
		var id ID
		id[0] = byte(i + 1)
		seeker.rt.Insert(id, NodeAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	}

	start := time.Now()
	done := make(chan GetPeersResult, 1)
	go func() { done <- seeker.IterativeGetPeers(infoHash) }()

	select {
	case <-done:
		elapsed := time.Since(start)
		require.Less(t, elapsed, MaxLookupDuration+5*time.Second)
	case <-time.After(MaxLookupDuration + 10*time.Second):
		t.Fatal("iterative get_peers lookup exceeded its bounded time")
	}
}
