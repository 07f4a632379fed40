package peerwire

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeSerializeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	infoHash[0] = 0xAB
	peerID[0] = 0xCD
	h := NewHandshake(infoHash, peerID, true)

	var buf bytes.Buffer
	buf.Write(h.Serialize())
	got, err := ReadHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, ProtocolString, got.Pstr)
	assert.Equal(t, infoHash, got.InfoHash)
	assert.Equal(t, peerID, got.PeerID)
	assert.True(t, got.SupportsDHT())
}

func TestDialAndHandshakeRoundTripOverLoopback(t *testing.T) {
	var infoHash, serverPeerID, clientPeerID [20]byte
	infoHash[0] = 0x11
	serverPeerID[0] = 0x22
	clientPeerID[0] = 0x33

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(3 * time.Second))
		_, err = AcceptHandshake(conn, serverPeerID, false, func(h [20]byte) bool { return h == infoHash })
		serverDone <- err
	}()

	conn, peerHS, err := DialAndHandshake(ln.Addr().String(), infoHash, clientPeerID, false)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, serverPeerID, peerHS.PeerID)
	require.NoError(t, <-serverDone)
}

func TestDialAndHandshakeRejectsInfoHashMismatch(t *testing.T) {
	var serverHash, clientHash, serverPeerID, clientPeerID [20]byte
	serverHash[0] = 0x01
	clientHash[0] = 0x02

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Server replies with its own (different) handshake, simulating
		// a peer serving a different torrent.
		conn.SetDeadline(time.Now().Add(3 * time.Second))
		hs := NewHandshake(serverHash, serverPeerID, false)
		_, _ = ReadHandshake(conn)
		_, _ = conn.Write(hs.Serialize())
	}()

	_, _, err = DialAndHandshake(ln.Addr().String(), clientHash, clientPeerID, false)
	assert.Error(t, err)
}
