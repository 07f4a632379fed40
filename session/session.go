package session

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/relaylabs/gorent/dht"
	"github.com/relaylabs/gorent/metainfo"
	"github.com/relaylabs/gorent/peerwire"
	"github.com/relaylabs/gorent/piece"
	"github.com/relaylabs/gorent/resume"
	"github.com/relaylabs/gorent/tracker"
)

// Session orchestrates one torrent download: the tracker announce and
// DHT lookup loops run under one errgroup.Group (spec §5 concurrency
// model) and each peer session in its own goroutine, with peer-count
// and pipeline-depth bounded by the configurable limits of spec §6.
type Session struct {
	cfg  Config
	meta *metainfo.Metadata

	peerID [20]byte
	log    *logrus.Entry

	scheduler *piece.Scheduler
	storage   *piece.Storage
	metrics   *metrics
	resumeDB  *resume.Store

	dhtNode  *dht.Node
	listener *peerwire.Listener

	events chan Event

	mu      sync.Mutex
	running bool
	peers   map[string]*peerwire.PeerSession
}

// New builds a Session for meta, writing output under downloadRoot.
// resumeDB may be nil to disable resume support.
func New(cfg Config, meta *metainfo.Metadata, downloadRoot string, log *logrus.Logger, resumeDB *resume.Store) (*Session, error) {
	hashes := make([][20]byte, len(meta.PieceHashes))
	copy(hashes, meta.PieceHashes)

	scheduler, err := piece.NewScheduler(meta.TotalLength, meta.PieceLength, hashes, cfg.OutstandingRequestsPerPeer,
		piece.WithBlockLength(cfg.BlockSizeBytes), piece.WithRequestTimeout(cfg.PieceRequestTimeout))
	if err != nil {
		return nil, err
	}
	storage, err := piece.OpenStorage(downloadRoot, meta)
	if err != nil {
		return nil, err
	}

	if resumeDB != nil {
		if bits, ok, err := resumeDB.Load(meta.InfoHash.String()); err == nil && ok {
			scheduler.RestoreBitfield(bits)
		}
	}

	var peerID [20]byte
	copy(peerID[:], "-GR0001-")
	_, _ = rand.Read(peerID[8:])

	s := &Session{
		cfg:       cfg,
		meta:      meta,
		peerID:    peerID,
		log:       log.WithField("info_hash", meta.InfoHash.String()),
		scheduler: scheduler,
		storage:   storage,
		metrics:   newMetrics(meta.InfoHash.String()),
		resumeDB:  resumeDB,
		events:    make(chan Event, 64),
		peers:     make(map[string]*peerwire.PeerSession),
	}
	return s, nil
}

// Events returns the structured event stream (spec §7).
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) emit(kind EventKind, msg string, err error) {
	select {
	case s.events <- Event{Kind: kind, Message: msg, Err: err}:
	default:
		// Event buffer full; drop rather than block the caller's hot
		// path (a slow event consumer must not stall the download).
	}
}

func (s *Session) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Session) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

// Run drives the session until ctx is cancelled, every piece is
// verified, or a fatal error occurs (spec §7: "IO on a storage write
// is fatal for the torrent"). It starts the DHT node (if enabled),
// the tracker announce loop, and the peer connection manager under a
// single errgroup.
func (s *Session) Run(ctx context.Context) error {
	s.setRunning(true)
	defer s.setRunning(false)

	if s.cfg.EnableDHT {
		node, err := dht.NewNode(s.cfg.DHTPort, loggerFromEntry(s.log))
		if err != nil {
			s.emit(EventInfo, "dht unavailable, continuing without it", err)
		} else {
			s.dhtNode = node
			defer node.Close()
			go node.Bootstrap()
		}
	}

	ln, err := peerwire.Listen(s.cfg.ListenPort, loggerFromEntry(s.log))
	if err != nil {
		s.emit(EventInfo, "inbound peer listener unavailable, continuing outbound-only", err)
	} else {
		s.listener = ln
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	peerSem := semaphore.NewWeighted(int64(s.cfg.MaxPeersPerTorrent))

	g.Go(func() error { return s.announceLoop(gctx, peerSem) })
	if s.dhtNode != nil {
		g.Go(func() error { return s.dhtLoop(gctx, peerSem) })
	}
	if s.listener != nil {
		g.Go(func() error { return s.inboundLoop(gctx, peerSem) })
		// Accept does not watch ctx; closing the listener unblocks it.
		g.Go(func() error {
			<-gctx.Done()
			_ = s.listener.Close()
			return gctx.Err()
		})
	}
	completed := false
	g.Go(func() error {
		err := s.completionWatcher(gctx)
		if err == nil {
			// Every piece is verified: stop the other loops as well.
			completed = true
			stop()
		}
		return err
	})
	g.Go(func() error { return s.staleRequestSweeper(gctx) })

	err = g.Wait()
	if completed {
		err = nil
	}
	s.announceEvent(tracker.EventStopped)
	if s.resumeDB != nil {
		_ = s.resumeDB.Save(s.meta.InfoHash.String(), s.scheduler.Bitfield())
	}
	return err
}

// staleRequestSweeper periodically releases block requests that have
// aged past PieceRequestTimeout without a reply (spec §4.5 lost-block
// timeout), letting the scheduler hand them to a different peer.
func (s *Session) staleRequestSweeper(ctx context.Context) error {
	interval := s.cfg.PieceRequestTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.scheduler.ReleaseStaleRequests()
		}
	}
}

// loggerFromEntry recovers the *logrus.Logger backing an Entry, since
// the dht/peerwire constructors take a Logger, not an Entry (they add
// their own component field).
func loggerFromEntry(e *logrus.Entry) *logrus.Logger { return e.Logger }

// completionWatcher stops the session once every piece is verified.
func (s *Session) completionWatcher(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			verified, total := s.scheduler.Progress()
			if total > 0 && verified == total {
				s.emit(EventInfo, "torrent complete", nil)
				s.announceEvent(tracker.EventCompleted)
				return nil
			}
		}
	}
}

// announceLoop walks every tracker in Trackers() order, retrying the
// tier-fallback policy of spec §4.2/§7: "other trackers in the tier
// are tried; DHT is still consulted regardless".
func (s *Session) announceLoop(ctx context.Context, sem *semaphore.Weighted) error {
	trackers := s.meta.Trackers()
	first := true
	for {
		event := tracker.EventPeriodic
		if first {
			event = tracker.EventStarted
		}
		for _, raw := range trackers {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			peers, err := s.announceOne(raw, event)
			if err != nil {
				s.metrics.trackerFailures.Inc()
				s.emit(EventTrackerFailure, "tracker announce failed: "+raw, err)
				continue
			}
			for _, p := range peers {
				s.connectPeer(ctx, sem, p.String())
			}
		}
		first = false
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.AnnounceTimeout * 4):
			// Periodic re-announce at a fixed cadence; the interval a
			// tracker returns in its response is not used.
		}
	}
}

func (s *Session) announceOne(raw string, event tracker.Event) ([]tracker.Peer, error) {
	req := tracker.AnnounceRequest{
		InfoHash: [20]byte(s.meta.InfoHash),
		PeerID:   s.peerID,
		Port:     s.cfg.ListenPort,
		Left:     s.meta.TotalLength,
		Event:    event,
	}
	resp, err := tracker.Announce(raw, req)
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// announceEvent sends a one-off lifecycle announce (completed or
// stopped, spec §4.5/§5) to every tracker, best-effort: a failure here
// doesn't affect the session's outcome, since the download is already
// finished or tearing down.
func (s *Session) announceEvent(event tracker.Event) {
	for _, raw := range s.meta.Trackers() {
		if _, err := s.announceOne(raw, event); err != nil {
			s.emit(EventTrackerFailure, "lifecycle announce failed: "+raw, err)
		}
	}
}

// dhtLoop periodically runs an iterative get_peers lookup and
// connects to any peers it surfaces.
func (s *Session) dhtLoop(ctx context.Context, sem *semaphore.Weighted) error {
	var infoHash dht.ID
	copy(infoHash[:], s.meta.InfoHash[:])
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result := s.dhtNode.IterativeGetPeers(infoHash)
		for _, addr := range result.Peers {
			s.connectPeer(ctx, sem, addr.UDPAddr().String())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.DHTQueryTimeout * 12):
		}
	}
}

func (s *Session) inboundLoop(ctx context.Context, sem *semaphore.Weighted) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		inbound, err := s.listener.Accept(s.peerID, s.dhtNode != nil, func(h [20]byte) bool {
			return h == [20]byte(s.meta.InfoHash)
		})
		if err != nil {
			continue
		}
		if !sem.TryAcquire(1) {
			inbound.Conn.Close()
			continue
		}
		go s.runPeerSession(ctx, sem, inbound.Conn, inbound.PeerHS.PeerID)
	}
}

func (s *Session) connectPeer(ctx context.Context, sem *semaphore.Weighted, addr string) {
	s.mu.Lock()
	_, already := s.peers[addr]
	s.mu.Unlock()
	if already {
		return
	}
	if !sem.TryAcquire(1) {
		return
	}
	go func() {
		conn, hs, err := peerwire.DialAndHandshake(addr, [20]byte(s.meta.InfoHash), s.peerID, s.dhtNode != nil)
		if err != nil {
			sem.Release(1)
			return
		}
		s.runPeerSessionWithConn(ctx, sem, conn, hs.PeerID, addr)
	}()
}

func (s *Session) runPeerSession(ctx context.Context, sem *semaphore.Weighted, conn net.Conn, peerID [20]byte) {
	s.runPeerSessionWithConn(ctx, sem, conn, peerID, conn.RemoteAddr().String())
}

func (s *Session) runPeerSessionWithConn(ctx context.Context, sem *semaphore.Weighted, conn net.Conn, peerID [20]byte, addr string) {
	defer sem.Release(1)
	defer conn.Close()

	sess := peerwire.NewPeerSession(conn, peerID, [20]byte(s.meta.InfoHash), s.scheduler.NumPieces())
	sess.OnHave = func(index int) { s.scheduler.MarkAvailable(index) }
	sess.OnPiece = func(index, begin int, block []byte) {
		s.handleBlock(sess, addr, index, begin, block)
	}
	sess.OnChoke = func() { s.scheduler.ReleasePeerRequests(addr) }

	s.mu.Lock()
	s.peers[addr] = sess
	s.mu.Unlock()
	s.metrics.activePeers.Inc()
	defer func() {
		s.mu.Lock()
		delete(s.peers, addr)
		s.mu.Unlock()
		s.metrics.activePeers.Dec()
		// A dropped peer's in-flight requests are as void as a choke;
		// free them immediately rather than waiting out the timeout.
		s.scheduler.ReleasePeerRequests(addr)
	}()

	if err := sess.SendBitfield(s.scheduler.Bitfield()); err != nil {
		return
	}
	if err := sess.SendUnchoke(); err != nil {
		return
	}
	if err := sess.SendInterested(); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sess.ReadLoop()
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.fillPipeline(sess, addr)
		}
	}
}

// fillPipeline tops up a peer's outstanding request count to
// OutstandingRequestsPerPeer (spec §4.5, §8 "at most P requests in
// flight").
func (s *Session) fillPipeline(sess *peerwire.PeerSession, addr string) {
	if sess.PeerChoking() {
		return
	}
	for sess.OutstandingCount() < s.cfg.OutstandingRequestsPerPeer {
		index, begin, length, ok := s.scheduler.NextRequest(addr, sess.PeerHasPiece)
		if !ok {
			return
		}
		if err := sess.SendRequest(index, begin, length); err != nil {
			return
		}
	}
}

func (s *Session) handleBlock(sess *peerwire.PeerSession, addr string, index, begin int, block []byte) {
	complete, err := s.scheduler.ReceiveBlock(index, begin, block, addr)
	if err != nil {
		s.emit(EventInfo, "dropped malformed block", err)
		return
	}
	s.metrics.bytesDownloaded.Add(float64(len(block)))
	if !complete {
		return
	}
	result, err := s.scheduler.Verify(index)
	if err != nil {
		s.emit(EventFatal, "piece verification error", err)
		return
	}
	if !result.OK {
		s.emit(EventHashMismatch, "piece failed verification, re-requesting", nil)
		return
	}
	s.metrics.piecesVerified.Inc()
	start, _, err := piece.OffsetBounds(index, s.meta.TotalLength, s.meta.PieceLength)
	if err != nil {
		s.emit(EventFatal, "offset computation error", err)
		return
	}
	if err := s.storage.WritePiece(start, result.Data); err != nil {
		s.emit(EventFatal, "storage write failed", err)
		return
	}
	s.broadcastHave(index)
}

func (s *Session) broadcastHave(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		_ = p.SendHave(index)
	}
}
