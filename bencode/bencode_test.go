package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	cases := []string{
		"i0e",
		"i-42e",
		"i9223372036854775807e",
		"0:",
		"3:abc",
		"le",
		"l4:spam4:eggse",
		"de",
		"d3:cow3:moo4:spam4:eggse",
	}
	for _, c := range cases {
		v, n, err := Decode([]byte(c))
		require.NoError(t, err, c)
		assert.Equal(t, len(c), n, c)
		assert.Equal(t, []byte(c), Encode(v), c)
	}
}

func TestDecodeRejectsLeadingZero(t *testing.T) {
	_, _, err := Decode([]byte("i-0e"))
	assert.Error(t, err)

	_, _, err = Decode([]byte("i04e"))
	assert.Error(t, err)

	v, _, err := Decode([]byte("i0e"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, v.Int)
}

func TestDecodeOpaqueBytes(t *testing.T) {
	raw := []byte{0x00, 0xFF, 0x10, 0x02}
	input := append([]byte("4:"), raw...)
	v, n, err := Decode(input)
	require.NoError(t, err)
	assert.Equal(t, len(input), n)
	assert.Equal(t, raw, v.Str)
}

func TestDecodeTolerableNonCanonicalDictOrder(t *testing.T) {
	// "z" before "a": non-canonical, must still decode.
	v, _, err := Decode([]byte("d1:zi1e1:ai2ee"))
	require.NoError(t, err)
	a, ok := v.GetInt("a")
	require.True(t, ok)
	assert.EqualValues(t, 2, a)

	// Encoding the same tree always sorts keys.
	assert.Equal(t, []byte("d1:ai2e1:zi1ee"), Encode(v))
}

func TestDecodeWithSpansLiftsSubValueBytes(t *testing.T) {
	src := []byte("d4:infod6:lengthi10e4:name4:testee")
	root, n, err := DecodeWithSpans(src)
	require.NoError(t, err)
	assert.Equal(t, len(src), n)

	info, ok := root.GetDict("info")
	require.True(t, ok)
	raw := src[info.Span.Start:info.Span.End]
	assert.Equal(t, []byte("d6:lengthi10e4:name4:teste"), raw)

	// Re-decoding the lifted slice must reproduce the same value.
	reDecoded, _, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, Encode(info), Encode(reDecoded))
}

func TestDecodeMalformedInputs(t *testing.T) {
	bad := []string{
		"",
		"i",
		"ie",
		"3:ab",
		"l",
		"d1:ae",
		"9999999999999999999999:x",
	}
	for _, b := range bad {
		_, _, err := Decode([]byte(b))
		assert.Error(t, err, b)
	}
}

func TestEncodeEmptyContainers(t *testing.T) {
	assert.Equal(t, []byte("le"), Encode(List()))
	assert.Equal(t, []byte("de"), Encode(Dict(map[string]Value{})))
	assert.Equal(t, []byte("0:"), Encode(Bytes(nil)))
}
