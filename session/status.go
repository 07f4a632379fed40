package session

// Status is the user-visible snapshot of spec §7: "the orchestrator
// exposes a status snapshot (torrent name, info-hash hex, total size,
// downloaded bytes, peer count, piece progress fraction, running flag)".
type Status struct {
	Name            string
	InfoHashHex     string
	TotalLength     int64
	DownloadedBytes int64
	PeerCount       int
	ProgressFraction float64
	Running         bool
}

// Event is a structured error/notice delivered through the session's
// event stream (spec §7 "errors are reported via a structured event
// stream or callback").
type Event struct {
	Kind    EventKind
	Message string
	Err     error
}

// EventKind classifies an Event for callers that want to filter the
// stream without string-matching Message.
type EventKind uint8

const (
	EventInfo EventKind = iota
	EventPeerDisconnected
	EventTrackerFailure
	EventHashMismatch
	EventFatal
)

// Snapshot returns the current Status, safe to call concurrently with
// a running Session.
func (s *Session) Snapshot() Status {
	verified, total := s.scheduler.Progress()
	downloaded := int64(gather(s.metrics.bytesDownloaded))
	frac := 0.0
	if total > 0 {
		frac = float64(verified) / float64(total)
	}
	return Status{
		Name:             s.meta.Name,
		InfoHashHex:      s.meta.InfoHash.String(),
		TotalLength:      s.meta.TotalLength,
		DownloadedBytes:  downloaded,
		PeerCount:        int(gather(s.metrics.activePeers)),
		ProgressFraction: frac,
		Running:          s.isRunning(),
	}
}
