package metainfo

import (
	"bytes"
	"crypto/sha1"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSingleFileTorrent(t *testing.T, pieceLen int, pieces []byte, length int, name string, otherKeysAfterInfo bool) []byte {
	t.Helper()
	info := "d6:lengthi" + itoa(length) + "e4:name" + itoa(len(name)) + ":" + name +
		"12:piece lengthi" + itoa(pieceLen) + "e6:pieces" + itoa(len(pieces)) + ":" + string(pieces) + "e"
	const announce = "http://tracker.example"
	var buf bytes.Buffer
	buf.WriteString("d8:announce" + itoa(len(announce)) + ":" + announce + "4:info")
	buf.WriteString(info)
	buf.WriteString("e")
	return buf.Bytes()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func TestParseSingleFileTorrentComputesInfoHashFromRawBytes(t *testing.T) {
	h1 := sha1.Sum([]byte("abcd"))
	h2 := sha1.Sum([]byte("ef"))
	pieces := append(append([]byte{}, h1[:]...), h2[:]...)

	raw := buildSingleFileTorrent(t, 4, pieces, 6, "test", false)
	m, err := Parse(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, "http://tracker.example", m.Announce)
	assert.Equal(t, "test", m.Name)
	assert.EqualValues(t, 4, m.PieceLength)
	assert.EqualValues(t, 6, m.TotalLength)
	assert.Len(t, m.PieceHashes, 2)
	assert.True(t, m.IsSingleFile())
	assert.EqualValues(t, 4, m.PieceLen(0))
	// last piece: 6 - 1*4 = 2
	assert.EqualValues(t, 2, m.PieceLen(1))

	// Info hash must equal SHA-1 of the raw info dict bytes, not a
	// re-serialization of the parsed struct.
	infoStart := bytes.Index(raw, []byte("4:info")) + len("4:info")
	expected := sha1.Sum(raw[infoStart : len(raw)-1])
	assert.Equal(t, expected, [20]byte(m.InfoHash))
}

func TestParseRejectsBothLengthAndFiles(t *testing.T) {
	raw := []byte("d4:infod6:lengthi1e5:filesle4:name1:x12:piece lengthi1e6:pieces0:ee")
	_, err := Parse(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestParseRejectsUnsafeMultiFilePaths(t *testing.T) {
	raw := []byte("d4:infod5:filesld6:lengthi1e4:pathl2:..eee4:name1:x12:piece lengthi1e6:pieces0:ee")
	_, err := Parse(bytes.NewReader(raw))
	require.Error(t, err)
	assert.Contains(t, strings.ToLower(err.Error()), "unsafe")
}

func TestTrackersDeduplicatesAcrossAnnounceList(t *testing.T) {
	m := &Metadata{
		Announce: "http://a",
		AnnounceList: [][]string{
			{"http://a", "http://b"},
			{"http://c"},
		},
	}
	assert.Equal(t, []string{"http://a", "http://b", "http://c"}, m.Trackers())
}
