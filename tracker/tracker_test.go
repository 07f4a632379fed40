package tracker

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecompactIPv4RoundTrip(t *testing.T) {
	peers := []Peer{
		{IP: net.ParseIP("192.168.1.1").To4(), Port: 6881},
		{IP: net.ParseIP("10.0.0.1").To4(), Port: 51413},
	}
	compact := CompactIPv4(peers)
	got, err := DecompactIPv4(compact)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, peers[0].IP.String(), got[0].IP.String())
	assert.Equal(t, peers[0].Port, got[0].Port)
	assert.Equal(t, peers[1].IP.String(), got[1].IP.String())
	assert.Equal(t, peers[1].Port, got[1].Port)
}

func TestDecompactIPv4ScenarioFromSpec(t *testing.T) {
	// d8:intervali1800e5:peers6:\xC0\xA8\x01\x01\x1A\xE1e -> interval 1800,
	// peers [("192.168.1.1", 6881)] (spec §8 scenario 1).
	raw := []byte{0xC0, 0xA8, 0x01, 0x01, 0x1A, 0xE1}
	peers, err := DecompactIPv4(raw)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "192.168.1.1", peers[0].IP.String())
	assert.EqualValues(t, 6881, peers[0].Port)
}

func TestDecompactIPv4RejectsBadLength(t *testing.T) {
	_, err := DecompactIPv4([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestPercentEncodeOctetsIsPerByteNotText(t *testing.T) {
	b := []byte{0x00, 0xFF, 'A', 0x2F}
	assert.Equal(t, "%00%FF%41%2F", PercentEncodeOctets(b))
}

func TestDecompactIPv6(t *testing.T) {
	ip := net.ParseIP("2001:db8::1")
	entry := append(append([]byte{}, ip.To16()...), 0x1A, 0xE1)
	peers, err := DecompactIPv6(entry)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, ip.String(), peers[0].IP.String())
	assert.EqualValues(t, 6881, peers[0].Port)
}
