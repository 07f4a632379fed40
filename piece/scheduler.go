package piece

import (
	"crypto/sha1"
	"sync"
	"time"
)

// PieceStatus is a piece's lifecycle state (spec §4.5 PieceState table).
type PieceStatus uint8

const (
	Missing PieceStatus = iota
	Requested
	Complete
	Verified
)

// DefaultOutstandingPerPeer is the per-peer pipeline depth (spec §6
// outstanding_requests_per_peer default).
const DefaultOutstandingPerPeer = 4

type blockSlot struct {
	have          bool
	requested     bool      // a request for this block is currently in flight
	requestedAt   time.Time // dispatch time, for the spec §4.5 lost-block timeout
	dispatchedTo  string    // peer currently assigned this in-flight block
	requestedFrom string    // peer that actually supplied the received bytes
}

type pieceEntry struct {
	status     PieceStatus
	length     int
	sha        [sha1.Size]byte
	blocks     []blockSlot
	doneBlocks int
	data       []byte
	availability int
}

// Scheduler assigns blocks to peers following the rarest-first,
// requested-first, lowest-index tie-break order of spec §4.5, and
// verifies completed pieces against their SHA-1 digest.
type Scheduler struct {
	mu             sync.Mutex
	totalSize      int64
	pieceLength    int64
	pieces         []pieceEntry
	perPeer        int
	blockLength    int
	requestTimeout time.Duration
}

// SchedulerOption mutates a Scheduler being built by NewScheduler.
type SchedulerOption func(*Scheduler)

// WithBlockLength overrides the default 16KiB block granularity (spec
// §6 block_size_bytes).
func WithBlockLength(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.blockLength = n
		}
	}
}

// WithRequestTimeout overrides the default lost-block timeout (spec
// §4.5, §6 piece_request_timeout default 30s): a dispatched block not
// received within this window becomes eligible for re-request by any
// peer.
func WithRequestTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// NewScheduler builds a scheduler for a torrent of totalSize bytes cut
// into pieceLength-byte pieces, each with its expected sha1 digest.
func NewScheduler(totalSize, pieceLength int64, hashes [][sha1.Size]byte, perPeer int, opts ...SchedulerOption) (*Scheduler, error) {
	n := Count(totalSize, pieceLength)
	if len(hashes) != n {
		return nil, errPieceHashCountMismatch
	}
	if perPeer <= 0 {
		perPeer = DefaultOutstandingPerPeer
	}
	s := &Scheduler{
		totalSize:      totalSize,
		pieceLength:    pieceLength,
		perPeer:        perPeer,
		pieces:         make([]pieceEntry, n),
		blockLength:    DefaultBlockLength,
		requestTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := 0; i < n; i++ {
		length, err := LengthAt(i, totalSize, pieceLength)
		if err != nil {
			return nil, err
		}
		s.pieces[i] = pieceEntry{
			length: length,
			sha:    hashes[i],
			blocks: make([]blockSlot, BlockCount(length, s.blockLength)),
			data:   make([]byte, length),
		}
	}
	return s, nil
}

// NumPieces returns the total piece count.
func (s *Scheduler) NumPieces() int { return len(s.pieces) }

// MarkAvailable bumps a piece's rarity counter when a peer is
// observed to have it (spec §4.5 rarest-first).
func (s *Scheduler) MarkAvailable(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.pieces) {
		return
	}
	s.pieces[index].availability++
}

// Status reports a piece's current lifecycle state.
func (s *Scheduler) Status(index int) PieceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.pieces) {
		return Missing
	}
	return s.pieces[index].status
}

// NextRequest picks the next un-dispatched block to request from a
// peer that has peerHas(index) true, following rarest-first among
// missing pieces, then already-partially-requested pieces, then
// lowest index, and within a piece the first block that is neither
// held nor already in flight (a block whose dispatch timestamp has
// aged past the scheduler's request timeout counts as not in flight,
// so it can be handed to another peer — spec §4.5 lost-block timeout).
// Returns ok=false when there is nothing left to request from this
// peer. peerAddr is recorded against the dispatched block so a later
// choke or disconnect from that same peer can release it immediately.
func (s *Scheduler) NextRequest(peerAddr string, peerHas func(index int) bool) (index, begin, length int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []int
	for i := range s.pieces {
		p := &s.pieces[i]
		if p.status == Complete || p.status == Verified {
			continue
		}
		if !peerHas(i) {
			continue
		}
		candidates = append(candidates, i)
	}
	insertionSortByPreference(candidates, s.pieces)

	now := time.Now()
	for _, pi := range candidates {
		p := &s.pieces[pi]
		for b := range p.blocks {
			blk := &p.blocks[b]
			if blk.have {
				continue
			}
			if blk.requested && now.Sub(blk.requestedAt) < s.requestTimeout {
				continue
			}
			begin, length, err := BlockBounds(p.length, s.blockLength, b)
			if err != nil {
				continue
			}
			blk.requested = true
			blk.requestedAt = now
			blk.dispatchedTo = peerAddr
			p.status = Requested
			return pi, begin, length, true
		}
	}
	return 0, 0, 0, false
}

// insertionSortByPreference orders piece indices rarest (lowest
// availability) first, then Requested over Missing, then lowest
// index, matching dht's own small-N insertion sort style.
func insertionSortByPreference(order []int, pieces []pieceEntry) {
	for i := 1; i < len(order); i++ {
		j := i
		for j > 0 && lessPreferred(pieces, order[j], order[j-1]) {
			order[j], order[j-1] = order[j-1], order[j]
			j--
		}
	}
}

// lessPreferred reports whether piece a should be scheduled before
// piece b: rarer first, then Requested over Missing, then lower index.
func lessPreferred(pieces []pieceEntry, a, b int) bool {
	pa, pb := &pieces[a], &pieces[b]
	if pa.availability != pb.availability {
		return pa.availability < pb.availability
	}
	if (pa.status == Requested) != (pb.status == Requested) {
		return pa.status == Requested
	}
	return a < b
}

// ReleaseStaleRequests clears the in-flight flag of any block whose
// dispatch timestamp has aged past the scheduler's request timeout,
// so NextRequest will hand it to another peer (spec §4.5: "if no block
// reply arrives within T, consider the request lost"). Intended to be
// called periodically by the session driving this scheduler.
func (s *Scheduler) ReleaseStaleRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for pi := range s.pieces {
		p := &s.pieces[pi]
		for b := range p.blocks {
			blk := &p.blocks[b]
			if blk.requested && !blk.have && now.Sub(blk.requestedAt) >= s.requestTimeout {
				blk.requested = false
			}
		}
	}
}

// ReleasePeerRequests clears the in-flight flag of every block last
// dispatched to peerAddr, freeing them for re-request by another peer.
// Called when a peer chokes us or disconnects, since its in-flight
// requests are void the moment it stops serving them.
func (s *Scheduler) ReleasePeerRequests(peerAddr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pi := range s.pieces {
		p := &s.pieces[pi]
		for b := range p.blocks {
			blk := &p.blocks[b]
			if blk.requested && !blk.have && blk.dispatchedTo == peerAddr {
				blk.requested = false
			}
		}
	}
}

// ReceiveBlock records a received block's bytes, tracks which peer
// last supplied it, and reports whether the owning piece is now
// byte-complete and ready for verification.
func (s *Scheduler) ReceiveBlock(index, begin int, data []byte, fromPeer string) (pieceComplete bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.pieces) {
		return false, errBlockIndexOutOfRange
	}
	p := &s.pieces[index]
	if begin < 0 || begin+len(data) > p.length {
		return false, errBlockOutOfRange
	}
	blockIdx := begin / s.blockLength
	if blockIdx < 0 || blockIdx >= len(p.blocks) {
		return false, errBlockOutOfRange
	}
	copy(p.data[begin:], data)
	if !p.blocks[blockIdx].have {
		p.blocks[blockIdx].have = true
		p.blocks[blockIdx].requested = false
		p.blocks[blockIdx].requestedFrom = fromPeer
		p.doneBlocks++
	} else {
		// Endgame-mode duplicate delivery: last contributor wins
		// attribution without double-counting doneBlocks.
		p.blocks[blockIdx].requestedFrom = fromPeer
	}
	if p.doneBlocks == len(p.blocks) {
		p.status = Complete
		return true, nil
	}
	return false, nil
}

// VerifyResult is returned by Verify.
type VerifyResult struct {
	OK   bool
	Data []byte
}

// Verify hashes a Complete piece's assembled bytes against its
// expected digest (spec §4.5, §8 scenario 5). On success the piece
// transitions to Verified; on failure it resets to Missing so its
// blocks are re-requested.
func (s *Scheduler) Verify(index int) (VerifyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.pieces) {
		return VerifyResult{}, errBlockIndexOutOfRange
	}
	p := &s.pieces[index]
	sum := sha1.Sum(p.data)
	if sum == p.sha {
		p.status = Verified
		return VerifyResult{OK: true, Data: append([]byte{}, p.data...)}, nil
	}
	p.status = Missing
	p.doneBlocks = 0
	for b := range p.blocks {
		p.blocks[b] = blockSlot{}
	}
	return VerifyResult{OK: false}, nil
}

// LastContributor returns the peer address that most recently
// supplied blockIdx of index, for re-request attribution after a
// failed verification.
func (s *Scheduler) LastContributor(index, blockIdx int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.pieces) {
		return "", false
	}
	p := &s.pieces[index]
	if blockIdx < 0 || blockIdx >= len(p.blocks) {
		return "", false
	}
	if !p.blocks[blockIdx].have {
		return "", false
	}
	return p.blocks[blockIdx].requestedFrom, true
}

// RestoreBitfield seeds verified-piece state from a previously saved
// bitfield (spec's supplemented "resume state" feature), letting a
// session skip re-downloading pieces it already has on disk. Pieces
// not marked in bits keep their current status.
func (s *Scheduler) RestoreBitfield(bits []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pieces {
		if i/8 >= len(bits) {
			break
		}
		if bits[i/8]&(1<<(7-uint(i%8))) != 0 {
			s.pieces[i].status = Verified
			s.pieces[i].data = nil
		}
	}
}

// Bitfield renders the current Verified-piece set as a wire bitfield.
func (s *Scheduler) Bitfield() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, (len(s.pieces)+7)/8)
	for i, p := range s.pieces {
		if p.status == Verified {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}

// Progress returns (verifiedPieces, totalPieces).
func (s *Scheduler) Progress() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pieces {
		if p.status == Verified {
			n++
		}
	}
	return n, len(s.pieces)
}
