package peerwire

import (
	"bytes"
	"io"
	"net"
	"time"

	"github.com/relaylabs/gorent/xerrors"
)

// ProtocolString is the pstr field of every handshake (spec §4.4).
const ProtocolString = "BitTorrent protocol"

// HandshakeTimeout bounds how long a dial or accept waits for the
// peer's handshake.
const HandshakeTimeout = 3 * time.Second

// Handshake is the 68-byte wire preamble (spec §4.4).
type Handshake struct {
	Pstr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds an outgoing handshake with our DHT-support bit
// set in the reserved bytes (bit 0 of byte 7, BEP 5), which the
// teacher's Handshake leaves permanently zeroed.
func NewHandshake(infoHash, peerID [20]byte, dhtSupport bool) Handshake {
	h := Handshake{Pstr: ProtocolString, InfoHash: infoHash, PeerID: peerID}
	if dhtSupport {
		h.Reserved[7] |= 0x01
	}
	return h
}

// SupportsDHT reports whether the reserved bytes carry BEP 5's bit.
func (h Handshake) SupportsDHT() bool { return h.Reserved[7]&0x01 != 0 }

// Serialize encodes h as the fixed 68-byte (for the standard pstr)
// handshake frame.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, 1+len(h.Pstr)+8+20+20)
	cursor := 0
	buf[cursor] = byte(len(h.Pstr))
	cursor++
	cursor += copy(buf[cursor:], h.Pstr)
	cursor += copy(buf[cursor:], h.Reserved[:])
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// ReadHandshake parses a handshake frame from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Handshake{}, err
	}
	pstrlen := int(lenBuf[0])
	rest := make([]byte, pstrlen+8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, err
	}
	var h Handshake
	h.Pstr = string(rest[:pstrlen])
	cursor := pstrlen
	copy(h.Reserved[:], rest[cursor:cursor+8])
	cursor += 8
	copy(h.InfoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], rest[cursor:cursor+20])
	return h, nil
}

// DialAndHandshake connects to addr and performs the outbound
// handshake, verifying the peer echoes our info-hash (spec §4.4
// "handshake round trip", §8 scenario 3), returning the peer's
// handshake so callers can inspect its DHT-support bit and peer id.
func DialAndHandshake(addr string, infoHash, ourPeerID [20]byte, dhtSupport bool) (net.Conn, Handshake, error) {
	conn, err := net.DialTimeout("tcp", addr, HandshakeTimeout)
	if err != nil {
		return nil, Handshake{}, xerrors.Wrap(xerrors.PeerUnreachable, err, "dialing peer")
	}
	peerHS, err := doHandshake(conn, infoHash, ourPeerID, dhtSupport)
	if err != nil {
		conn.Close()
		return nil, Handshake{}, err
	}
	return conn, peerHS, nil
}

// AcceptHandshake performs the inbound side of the handshake on an
// already-accepted connection, a supplemented feature for sessions
// that also accept peers rather than only dialing out.
func AcceptHandshake(conn net.Conn, ourPeerID [20]byte, dhtSupport bool, acceptInfoHash func(h [20]byte) bool) (Handshake, error) {
	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	peerHS, err := ReadHandshake(conn)
	if err != nil {
		return Handshake{}, xerrors.Wrap(xerrors.IO, err, "reading inbound handshake")
	}
	if !acceptInfoHash(peerHS.InfoHash) {
		return Handshake{}, xerrors.New(xerrors.ProtocolViolation, "unknown info-hash in inbound handshake")
	}
	ours := NewHandshake(peerHS.InfoHash, ourPeerID, dhtSupport)
	if _, err := conn.Write(ours.Serialize()); err != nil {
		return Handshake{}, xerrors.Wrap(xerrors.IO, err, "writing handshake reply")
	}
	return peerHS, nil
}

func doHandshake(conn net.Conn, infoHash, ourPeerID [20]byte, dhtSupport bool) (Handshake, error) {
	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	ours := NewHandshake(infoHash, ourPeerID, dhtSupport)
	if _, err := conn.Write(ours.Serialize()); err != nil {
		return Handshake{}, xerrors.Wrap(xerrors.IO, err, "writing handshake")
	}
	theirs, err := ReadHandshake(conn)
	if err != nil {
		return Handshake{}, xerrors.Wrap(xerrors.IO, err, "reading handshake")
	}
	if !bytes.Equal(theirs.InfoHash[:], infoHash[:]) {
		return Handshake{}, xerrors.New(xerrors.ProtocolViolation, "peer echoed a different info-hash")
	}
	return theirs, nil
}
