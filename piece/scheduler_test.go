package piece

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSchedulerVerifiesTwoPieces exercises spec §8 scenario 5: piece
// verification across two pieces, one of which hashes correctly and
// one that doesn't.
func TestSchedulerVerifiesTwoPieces(t *testing.T) {
	good := []byte("abcd")
	bad := []byte("efgh")
	hashes := [][sha1.Size]byte{sha1.Sum(good), sha1.Sum([]byte("WRONG"))}

	s, err := NewScheduler(8, 4, hashes, 4)
	require.NoError(t, err)

	complete, err := s.ReceiveBlock(0, 0, good, "peerA")
	require.NoError(t, err)
	assert.True(t, complete)
	res, err := s.Verify(0)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, Verified, s.Status(0))

	complete, err = s.ReceiveBlock(1, 0, bad, "peerB")
	require.NoError(t, err)
	assert.True(t, complete)
	res, err = s.Verify(1)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, Missing, s.Status(1))
}

func TestSchedulerNextRequestRespectsPeerHasAndRarestFirst(t *testing.T) {
	h := [][sha1.Size]byte{{}, {}}
	s, err := NewScheduler(8192, 4096, h, 4)
	require.NoError(t, err)

	s.MarkAvailable(0) // piece 0 common
	s.MarkAvailable(0)
	s.MarkAvailable(1) // piece 1 rarer

	hasAll := func(int) bool { return true }
	index, begin, length, ok := s.NextRequest("peerA", hasAll)
	require.True(t, ok)
	assert.Equal(t, 1, index) // rarer piece picked first
	assert.Equal(t, 0, begin)
	assert.Equal(t, 4096, length)
}

func TestSchedulerNextRequestHonorsPeerBitfield(t *testing.T) {
	h := [][sha1.Size]byte{{}, {}}
	s, err := NewScheduler(8192, 4096, h, 4)
	require.NoError(t, err)

	onlyPiece1 := func(i int) bool { return i == 1 }
	index, _, _, ok := s.NextRequest("peerA", onlyPiece1)
	require.True(t, ok)
	assert.Equal(t, 1, index)
}

func TestSchedulerBitfieldReflectsVerifiedPieces(t *testing.T) {
	data := []byte("abcd")
	hashes := [][sha1.Size]byte{sha1.Sum(data)}
	s, err := NewScheduler(4, 4, hashes, 4)
	require.NoError(t, err)

	_, err = s.ReceiveBlock(0, 0, data, "peerA")
	require.NoError(t, err)
	_, err = s.Verify(0)
	require.NoError(t, err)

	bf := s.Bitfield()
	assert.Equal(t, byte(0b10000000), bf[0])
}

// TestSchedulerNextRequestFillsPipelineWithDistinctBlocks exercises
// the session's fillPipeline loop directly: repeated NextRequest calls
// against one peer, none of whose blocks have arrived yet, must keep
// advancing to new blocks instead of re-handing out the same one.
func TestSchedulerNextRequestFillsPipelineWithDistinctBlocks(t *testing.T) {
	h := [][sha1.Size]byte{{}}
	s, err := NewScheduler(16384, 16384, h, 4, WithBlockLength(4096))
	require.NoError(t, err)

	hasAll := func(int) bool { return true }
	seen := make(map[[2]int]bool)
	for i := 0; i < 4; i++ {
		index, begin, length, ok := s.NextRequest("peerA", hasAll)
		require.True(t, ok, "call %d should still find a block to request", i)
		assert.Equal(t, 4096, length)
		key := [2]int{index, begin}
		assert.False(t, seen[key], "block %v requested twice before any timeout or receipt", key)
		seen[key] = true
	}
	// Every block of the single piece is now in flight; a fifth call
	// must find nothing left until one times out or arrives.
	_, _, _, ok := s.NextRequest("peerA", hasAll)
	assert.False(t, ok)
}

// TestSchedulerNextRequestReleasesStaleBlockAfterTimeout exercises the
// §4.5 lost-block timeout: a block whose dispatch has aged past the
// scheduler's request timeout becomes eligible again.
func TestSchedulerNextRequestReleasesStaleBlockAfterTimeout(t *testing.T) {
	h := [][sha1.Size]byte{{}}
	s, err := NewScheduler(4096, 4096, h, 4, WithBlockLength(4096), WithRequestTimeout(time.Millisecond))
	require.NoError(t, err)

	hasAll := func(int) bool { return true }
	index, begin, _, ok := s.NextRequest("peerA", hasAll)
	require.True(t, ok)

	_, _, _, ok = s.NextRequest("peerB", hasAll)
	assert.False(t, ok, "the only block is already in flight")

	time.Sleep(2 * time.Millisecond)
	index2, begin2, _, ok := s.NextRequest("peerB", hasAll)
	require.True(t, ok, "stale request should become eligible again")
	assert.Equal(t, index, index2)
	assert.Equal(t, begin, begin2)
}

// TestSchedulerReleasePeerRequestsFreesInFlightBlocks covers the
// choke/disconnect release path: a block assigned to a peer that
// drops becomes immediately eligible for another peer, without
// waiting for the timeout.
func TestSchedulerReleasePeerRequestsFreesInFlightBlocks(t *testing.T) {
	h := [][sha1.Size]byte{{}}
	s, err := NewScheduler(4096, 4096, h, 4, WithBlockLength(4096))
	require.NoError(t, err)

	hasAll := func(int) bool { return true }
	index, begin, _, ok := s.NextRequest("peerA", hasAll)
	require.True(t, ok)

	_, _, _, ok = s.NextRequest("peerB", hasAll)
	assert.False(t, ok, "the only block is already dispatched to peerA")

	s.ReleasePeerRequests("peerA")
	index2, begin2, _, ok := s.NextRequest("peerB", hasAll)
	require.True(t, ok, "releasing peerA's assignment should free the block immediately")
	assert.Equal(t, index, index2)
	assert.Equal(t, begin, begin2)
}

func TestSchedulerLastContributorTracksReceivers(t *testing.T) {
	hashes := [][sha1.Size]byte{sha1.Sum([]byte("abcd"))}
	s, err := NewScheduler(4, 4, hashes, 4)
	require.NoError(t, err)
	_, err = s.ReceiveBlock(0, 0, []byte("abcd"), "peerA")
	require.NoError(t, err)
	from, ok := s.LastContributor(0, 0)
	require.True(t, ok)
	assert.Equal(t, "peerA", from)
}
