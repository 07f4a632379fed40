package piece

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountAndLengthAt(t *testing.T) {
	// 6 bytes total, 4-byte pieces -> 2 pieces, lengths 4 then 2.
	assert.Equal(t, 2, Count(6, 4))
	l0, err := LengthAt(0, 6, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, l0)
	l1, err := LengthAt(1, 6, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, l1)
}

func TestLengthAtRejectsOutOfRange(t *testing.T) {
	_, err := LengthAt(5, 6, 4)
	assert.Error(t, err)
}

func TestOffsetBounds(t *testing.T) {
	start, end, err := OffsetBounds(1, 6, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 4, start)
	assert.EqualValues(t, 6, end)
}

func TestBlockCountAndBounds(t *testing.T) {
	pieceLen := 2*DefaultBlockLength + 100
	assert.Equal(t, 3, BlockCount(pieceLen, DefaultBlockLength))

	begin, length, err := BlockBounds(pieceLen, DefaultBlockLength, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, begin)
	assert.Equal(t, DefaultBlockLength, length)

	begin, length, err = BlockBounds(pieceLen, DefaultBlockLength, 2)
	require.NoError(t, err)
	assert.Equal(t, 2*DefaultBlockLength, begin)
	assert.Equal(t, 100, length)
}

func TestBlockBoundsRejectsOutOfRange(t *testing.T) {
	_, _, err := BlockBounds(DefaultBlockLength, DefaultBlockLength, 1)
	assert.Error(t, err)
}

func TestBlockCountAndBoundsHonorCustomBlockLength(t *testing.T) {
	const blockLen = 4096
	pieceLen := 2*blockLen + 50
	assert.Equal(t, 3, BlockCount(pieceLen, blockLen))

	begin, length, err := BlockBounds(pieceLen, blockLen, 2)
	require.NoError(t, err)
	assert.Equal(t, 2*blockLen, begin)
	assert.Equal(t, 50, length)
}
