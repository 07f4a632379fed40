package peerwire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeSessions(t *testing.T, numPieces int) (*PeerSession, *PeerSession) {
	t.Helper()
	a, b := net.Pipe()
	var id1, id2, ih [20]byte
	s1 := NewPeerSession(a, id1, ih, numPieces)
	s2 := NewPeerSession(b, id2, ih, numPieces)
	return s1, s2
}

func TestPeerSessionBitfieldDecodingScenario(t *testing.T) {
	// Spec §8 scenario 4: peer sends bitfield 0b10110000 for an 8-piece
	// torrent -> pieces {0, 2, 3} known.
	s1, s2 := pipeSessions(t, 8)
	defer s1.Conn.Close()
	defer s2.Conn.Close()

	var haves []int
	s2.OnHave = func(index int) { haves = append(haves, index) }
	go func() { _ = s2.ReadLoop() }()

	require.NoError(t, s1.SendBitfield([]byte{0b10110000}))
	time.Sleep(50 * time.Millisecond)

	assert.ElementsMatch(t, []int{0, 2, 3}, haves)
	assert.True(t, s2.PeerHasPiece(0))
	assert.True(t, s2.PeerHasPiece(2))
	assert.True(t, s2.PeerHasPiece(3))
	assert.False(t, s2.PeerHasPiece(1))
}

func TestPeerSessionRejectsBitfieldAfterInitialExchange(t *testing.T) {
	s1, s2 := pipeSessions(t, 8)
	defer s1.Conn.Close()
	defer s2.Conn.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- s2.ReadLoop() }()

	require.NoError(t, s1.SendBitfield([]byte{0}))
	require.NoError(t, s1.SendBitfield([]byte{0}))

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected ReadLoop to return a protocol violation")
	}
}

func TestPeerSessionChokeClearsOutstandingRequests(t *testing.T) {
	s1, s2 := pipeSessions(t, 4)
	defer s1.Conn.Close()
	defer s2.Conn.Close()

	go func() { _ = s2.ReadLoop() }()
	// net.Pipe is unbuffered: s1 must read for s2's request write to return.
	go func() { _ = s1.ReadLoop() }()

	require.NoError(t, s2.SendRequest(0, 0, 16384))
	assert.Equal(t, 1, s2.OutstandingCount())

	require.NoError(t, s1.SendChoke())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, s2.OutstandingCount())
}

func TestPeerSessionChokeInvokesOnChoke(t *testing.T) {
	s1, s2 := pipeSessions(t, 4)
	defer s1.Conn.Close()
	defer s2.Conn.Close()

	choked := make(chan struct{}, 1)
	s2.OnChoke = func() { choked <- struct{}{} }
	go func() { _ = s2.ReadLoop() }()

	require.NoError(t, s1.SendChoke())
	select {
	case <-choked:
	case <-time.After(time.Second):
		t.Fatal("OnChoke was not invoked on a choke message")
	}
}

func TestPeerSessionPieceCallback(t *testing.T) {
	s1, s2 := pipeSessions(t, 4)
	defer s1.Conn.Close()
	defer s2.Conn.Close()

	received := make(chan []byte, 1)
	s2.OnPiece = func(index, begin int, block []byte) {
		cp := append([]byte{}, block...)
		received <- cp
	}
	go func() { _ = s2.ReadLoop() }()

	require.NoError(t, s1.send(PieceMsg(0, 0, []byte("hello"))))
	select {
	case block := <-received:
		assert.Equal(t, "hello", string(block))
	case <-time.After(time.Second):
		t.Fatal("piece callback was not invoked")
	}
}
