// Package peerwire implements the BitTorrent peer wire protocol of
// spec §4.4: the 68-byte handshake, the length-prefixed message
// framing, and the choke/interested state machine, covering the full
// ten-message id set (through port) and bidirectional sessions (both
// dialing out and accepting inbound connections).
package peerwire

import (
	"encoding/binary"
	"io"

	"github.com/relaylabs/gorent/xerrors"
)

// ID identifies a wire message type (spec §4.4 message table).
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9
)

// MaxMessageLength bounds the length prefix accepted from a peer,
// guarding against a malicious or buggy peer claiming an enormous
// payload (spec §4.4 framing-violation handling).
const MaxMessageLength = 1 << 20 // 1 MiB, comfortably above any real piece message

// Message is one framed wire message. The zero-length keep-alive is
// marked by an unexported flag (see KeepAlive and IsKeepAlive), not by
// its ID.
type Message struct {
	ID      ID
	Payload []byte
	keepAlive bool
}

// KeepAlive constructs the zero-length keep-alive message.
func KeepAlive() Message { return Message{keepAlive: true} }

func (m Message) IsKeepAlive() bool { return m.keepAlive }

// Serialize encodes m as a length-prefixed frame.
func (m Message) Serialize() []byte {
	if m.keepAlive {
		return []byte{0, 0, 0, 0}
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage reads one framed message from r, returning a keep-alive
// Message for a zero-length frame.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return KeepAlive(), nil
	}
	if length > MaxMessageLength {
		return Message{}, xerrors.New(xerrors.ProtocolViolation, "message length exceeds maximum")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	return Message{ID: ID(body[0]), Payload: body[1:]}, nil
}

// HaveMsg builds a have message (spec §4.4).
func HaveMsg(index int) Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, uint32(index))
	return Message{ID: Have, Payload: p}
}

// Request builds a request message (spec §4.4, §4.5 16KiB blocks).
func Request(index, begin, length int) Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], uint32(index))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	binary.BigEndian.PutUint32(p[8:12], uint32(length))
	return Message{ID: Request, Payload: p}
}

// CancelMsg builds a cancel message for an outstanding request (spec §4.4).
func CancelMsg(index, begin, length int) Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], uint32(index))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	binary.BigEndian.PutUint32(p[8:12], uint32(length))
	return Message{ID: Cancel, Payload: p}
}

// PortMsg builds a port message announcing our DHT port (spec §4.4
// message id 9, BEP 5).
func PortMsg(port uint16) Message {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, port)
	return Message{ID: Port, Payload: p}
}

// PieceMsg builds a piece message carrying block data.
func PieceMsg(index, begin int, block []byte) Message {
	p := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(p[0:4], uint32(index))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	copy(p[8:], block)
	return Message{ID: Piece, Payload: p}
}

// BitfieldMsg builds a bitfield message.
func BitfieldMsg(bits []byte) Message {
	return Message{ID: Bitfield, Payload: bits}
}

// ParseHave extracts the piece index from a have message.
func ParseHave(m Message) (int, error) {
	if m.ID != Have {
		return 0, xerrors.New(xerrors.ProtocolViolation, "expected have message")
	}
	if len(m.Payload) != 4 {
		return 0, xerrors.New(xerrors.ProtocolViolation, "have payload must be 4 bytes")
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParseRequest extracts (index, begin, length) from a request or
// cancel message.
func ParseRequest(m Message) (index, begin, length int, err error) {
	if m.ID != Request && m.ID != Cancel {
		return 0, 0, 0, xerrors.New(xerrors.ProtocolViolation, "expected request or cancel message")
	}
	if len(m.Payload) != 12 {
		return 0, 0, 0, xerrors.New(xerrors.ProtocolViolation, "request payload must be 12 bytes")
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return index, begin, length, nil
}

// ParsePiece extracts (index, begin, block) from a piece message,
// validating begin+len(block) against bufLen (the piece's total
// length) to catch out-of-range writes before the caller ever touches
// storage (spec §4.4 framing-violation detection).
func ParsePiece(m Message, bufLen int) (index, begin int, block []byte, err error) {
	if m.ID != Piece {
		return 0, 0, nil, xerrors.New(xerrors.ProtocolViolation, "expected piece message")
	}
	if len(m.Payload) < 8 {
		return 0, 0, nil, xerrors.New(xerrors.ProtocolViolation, "piece payload shorter than 8 bytes")
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	block = m.Payload[8:]
	if begin < 0 || begin > bufLen {
		return 0, 0, nil, xerrors.New(xerrors.ProtocolViolation, "piece begin offset out of range")
	}
	if begin+len(block) > bufLen {
		return 0, 0, nil, xerrors.New(xerrors.ProtocolViolation, "piece block runs past end of piece")
	}
	return index, begin, block, nil
}

// ParsePort extracts the DHT port from a port message.
func ParsePort(m Message) (uint16, error) {
	if m.ID != Port {
		return 0, xerrors.New(xerrors.ProtocolViolation, "expected port message")
	}
	if len(m.Payload) != 2 {
		return 0, xerrors.New(xerrors.ProtocolViolation, "port payload must be 2 bytes")
	}
	return binary.BigEndian.Uint16(m.Payload), nil
}
