package peerwire

import (
	"net"
	"sync"
	"time"

	"github.com/relaylabs/gorent/bitfield"
	"github.com/relaylabs/gorent/xerrors"
)

// PieceCallback is invoked whenever a complete piece message arrives.
// It must not block — session processing stalls until it returns.
type PieceCallback func(index, begin int, block []byte)

// HaveCallback is invoked whenever a have or bitfield message updates
// the peer's known pieces.
type HaveCallback func(index int)

// PeerSession is a live connection to one peer, tracking the four
// choke/interest flags of spec §4.4 plus the outstanding-request,
// last-activity, and bitfield bookkeeping a full wire engine needs.
type PeerSession struct {
	Conn     net.Conn
	PeerID   [20]byte
	InfoHash [20]byte

	mu            sync.Mutex
	amChoking     bool
	amInterested  bool
	peerChoking   bool
	peerInterested bool
	peerBitfield  bitfield.Bitfield
	haveReceivedBitfield bool
	outstanding   map[blockKey]struct{}
	lastActivity  time.Time

	numPieces int

	OnPiece PieceCallback
	OnHave  HaveCallback
	// OnChoke fires whenever the peer chokes us, so the caller can
	// release any blocks it had assigned to this peer for re-request
	// elsewhere (spec §4.5: a choke voids in-flight requests).
	OnChoke func()
}

type blockKey struct {
	index, begin, length int
}

// NewPeerSession wraps an already-handshaken connection. numPieces is
// the torrent's total piece count, used to bounds-check have/bitfield
// messages.
func NewPeerSession(conn net.Conn, peerID, infoHash [20]byte, numPieces int) *PeerSession {
	return &PeerSession{
		Conn:         conn,
		PeerID:       peerID,
		InfoHash:     infoHash,
		amChoking:    true,
		peerChoking:  true,
		outstanding:  make(map[blockKey]struct{}),
		lastActivity: time.Now(),
		numPieces:    numPieces,
	}
}

func (s *PeerSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *PeerSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *PeerSession) AmChoking() bool      { s.mu.Lock(); defer s.mu.Unlock(); return s.amChoking }
func (s *PeerSession) AmInterested() bool   { s.mu.Lock(); defer s.mu.Unlock(); return s.amInterested }
func (s *PeerSession) PeerChoking() bool    { s.mu.Lock(); defer s.mu.Unlock(); return s.peerChoking }
func (s *PeerSession) PeerInterested() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.peerInterested }

// PeerHasPiece reports whether the peer's last known bitfield/have
// state claims piece index.
func (s *PeerSession) PeerHasPiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerBitfield == nil {
		return false
	}
	return s.peerBitfield.HasPiece(index)
}

// OutstandingCount reports how many block requests are in flight
// (spec §4.5 per-peer pipeline depth).
func (s *PeerSession) OutstandingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

func (s *PeerSession) send(m Message) error {
	_, err := s.Conn.Write(m.Serialize())
	if err != nil {
		return xerrors.Wrap(xerrors.PeerUnreachable, err, "writing to peer")
	}
	return nil
}

func (s *PeerSession) SendChoke() error {
	s.mu.Lock()
	s.amChoking = true
	s.mu.Unlock()
	return s.send(Message{ID: Choke})
}

func (s *PeerSession) SendUnchoke() error {
	s.mu.Lock()
	s.amChoking = false
	s.mu.Unlock()
	return s.send(Message{ID: Unchoke})
}

func (s *PeerSession) SendInterested() error {
	s.mu.Lock()
	s.amInterested = true
	s.mu.Unlock()
	return s.send(Message{ID: Interested})
}

func (s *PeerSession) SendNotInterested() error {
	s.mu.Lock()
	s.amInterested = false
	s.mu.Unlock()
	return s.send(Message{ID: NotInterested})
}

func (s *PeerSession) SendBitfield(bits []byte) error {
	return s.send(BitfieldMsg(bits))
}

func (s *PeerSession) SendHave(index int) error {
	return s.send(HaveMsg(index))
}

func (s *PeerSession) SendPort(port uint16) error {
	return s.send(PortMsg(port))
}

// SendRequest issues a block request and records it as outstanding.
func (s *PeerSession) SendRequest(index, begin, length int) error {
	key := blockKey{index, begin, length}
	s.mu.Lock()
	s.outstanding[key] = struct{}{}
	s.mu.Unlock()
	if err := s.send(Request(index, begin, length)); err != nil {
		s.mu.Lock()
		delete(s.outstanding, key)
		s.mu.Unlock()
		return err
	}
	return nil
}

// SendCancel withdraws a previously-sent request.
func (s *PeerSession) SendCancel(index, begin, length int) error {
	s.mu.Lock()
	delete(s.outstanding, blockKey{index, begin, length})
	s.mu.Unlock()
	return s.send(CancelMsg(index, begin, length))
}

// ReadLoop blocks, dispatching inbound messages until the connection
// closes or a protocol violation is detected (spec §4.4
// framing-violation detection: a bitfield after have, or an
// out-of-range piece index in a have or piece message, ends the
// session). A piece block whose offset+length exceeds its piece's real
// size is not detected here, since PeerSession does not know piece
// sizes; it is passed to OnPiece. The caller runs this in its own
// goroutine, one per peer.
func (s *PeerSession) ReadLoop() error {
	for {
		msg, err := ReadMessage(s.Conn)
		if err != nil {
			return xerrors.Wrap(xerrors.IO, err, "reading peer message")
		}
		s.touch()
		if msg.IsKeepAlive() {
			continue
		}
		if err := s.dispatch(msg); err != nil {
			return err
		}
	}
}

func (s *PeerSession) dispatch(msg Message) error {
	switch msg.ID {
	case Choke:
		s.mu.Lock()
		s.peerChoking = true
		s.outstanding = make(map[blockKey]struct{}) // all in-flight requests are void once choked
		s.mu.Unlock()
		if s.OnChoke != nil {
			s.OnChoke()
		}
	case Unchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()
	case Interested:
		s.mu.Lock()
		s.peerInterested = true
		s.mu.Unlock()
	case NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()
	case Bitfield:
		s.mu.Lock()
		if s.haveReceivedBitfield {
			s.mu.Unlock()
			return xerrors.New(xerrors.ProtocolViolation, "bitfield message after initial exchange")
		}
		bf := bitfield.Bitfield(append([]byte{}, msg.Payload...))
		if len(bf) != bitfield.ByteLen(s.numPieces) {
			s.mu.Unlock()
			return xerrors.New(xerrors.ProtocolViolation, "bitfield length does not match piece count")
		}
		s.peerBitfield = bf
		s.haveReceivedBitfield = true
		s.mu.Unlock()
		if s.OnHave != nil {
			for i := 0; i < s.numPieces; i++ {
				if bf.HasPiece(i) {
					s.OnHave(i)
				}
			}
		}
	case Have:
		index, err := ParseHave(msg)
		if err != nil {
			return err
		}
		if index < 0 || index >= s.numPieces {
			return xerrors.New(xerrors.ProtocolViolation, "have references out-of-range piece index")
		}
		s.mu.Lock()
		s.haveReceivedBitfield = true
		if s.peerBitfield == nil {
			s.peerBitfield = bitfield.New(s.numPieces)
		}
		s.peerBitfield.SetPiece(index)
		s.mu.Unlock()
		if s.OnHave != nil {
			s.OnHave(index)
		}
	case Request:
		// Handled by the caller (piece supplier); PeerSession only
		// validates framing here, leaving fulfillment to the session
		// owner which knows piece lengths.
	case Piece:
		// Bound-checking against the actual piece length happens in
		// the piece package, which knows each piece's real size; here
		// we only strip the 8-byte header.
		if len(msg.Payload) < 8 {
			return xerrors.New(xerrors.ProtocolViolation, "piece payload shorter than 8 bytes")
		}
		index, begin, block, err := ParsePiece(msg, maxPieceBound)
		if err != nil {
			return err
		}
		if index < 0 || index >= s.numPieces {
			return xerrors.New(xerrors.ProtocolViolation, "piece references out-of-range piece index")
		}
		s.mu.Lock()
		delete(s.outstanding, blockKey{index, begin, len(block)})
		s.mu.Unlock()
		if s.OnPiece != nil {
			s.OnPiece(index, begin, block)
		}
	case Cancel:
		// No-op for a pure downloader stance; a full uploader would
		// drop the matching queued request here.
	case Port:
		if _, err := ParsePort(msg); err != nil {
			return err
		}
	default:
		return xerrors.New(xerrors.ProtocolViolation, "unknown message id")
	}
	return nil
}

// maxPieceBound relaxes ParsePiece's bounds check to MaxMessageLength
// since PeerSession doesn't know individual piece lengths; the piece
// package re-validates against the real piece size before writing to
// storage.
const maxPieceBound = MaxMessageLength
