package peerwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageSerializeRoundTrip(t *testing.T) {
	m := Request(3, 16384, 16384)
	var buf bytes.Buffer
	buf.Write(m.Serialize())

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	index, begin, length, err := ParseRequest(got)
	require.NoError(t, err)
	assert.Equal(t, 3, index)
	assert.Equal(t, 16384, begin)
	assert.Equal(t, 16384, length)
}

func TestReadMessageKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(KeepAlive().Serialize())
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.True(t, got.IsKeepAlive())
}

func TestParsePieceRejectsOutOfRangeOffset(t *testing.T) {
	m := PieceMsg(0, 100, []byte("data"))
	_, _, _, err := ParsePiece(m, 50)
	assert.Error(t, err)
}

func TestParsePieceRejectsOverrunningBlock(t *testing.T) {
	m := PieceMsg(0, 40, make([]byte, 20))
	_, _, _, err := ParsePiece(m, 50)
	assert.Error(t, err)
}

func TestParsePieceAcceptsExactFit(t *testing.T) {
	m := PieceMsg(2, 32768, make([]byte, 16384))
	index, begin, block, err := ParsePiece(m, 49152)
	require.NoError(t, err)
	assert.Equal(t, 2, index)
	assert.Equal(t, 32768, begin)
	assert.Len(t, block, 16384)
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	oversized := Message{ID: Piece, Payload: make([]byte, 8)}
	raw := oversized.Serialize()
	// Corrupt the length prefix to claim something absurd.
	raw[0], raw[1], raw[2], raw[3] = 0x7F, 0xFF, 0xFF, 0xFF
	buf.Write(raw)
	_, err := ReadMessage(&buf)
	assert.Error(t, err)
}
