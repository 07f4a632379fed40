// Package tracker implements the tracker client of spec §4.2: given a
// tracker URL and announce parameters, it produces a peer list plus
// an announce interval, speaking either HTTP(S) or UDP depending on
// the announce URL's scheme. The HTTP request-building style follows
// a RequestPeers/buildTrackerURL shape; the UDP half follows chihaya's
// wire-layout parsing (bittorrent/udp-parser.go) for the byte-exact
// request/response shapes BEP 15 requires.
package tracker

import (
	"net"
	"net/url"

	"github.com/relaylabs/gorent/xerrors"
)

// Event is the tracker announce lifecycle event (spec §4.2).
type Event uint8

const (
	EventPeriodic Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

// udpEventID maps Event to the UDP wire encoding (spec §4.2 step 2).
func (e Event) udpEventID() uint32 { return uint32(e) }

// httpEventName maps Event to the HTTP query-parameter value; Periodic
// omits the parameter entirely (spec §4.2/§6).
func (e Event) httpEventName() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceRequest carries the common parameters of spec §4.2.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int32 // -1 = default, per UDP wire meaning; HTTP ignores this
}

// Peer is a discovered peer endpoint (spec §3 PeerEndpoint).
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), portString(p.Port))
}

func portString(port uint16) string {
	const digits = "0123456789"
	if port == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for port > 0 {
		i--
		buf[i] = digits[port%10]
		port /= 10
	}
	return string(buf[i:])
}

// AnnounceResponse is what a successful announce yields (spec §4.2).
type AnnounceResponse struct {
	Interval   int
	MinInterval int
	Complete   int
	Incomplete int
	Peers      []Peer
}

// Announce dispatches to the HTTP or UDP client based on the
// tracker URL scheme, per spec §4.2.
func Announce(trackerURL string, req AnnounceRequest) (*AnnounceResponse, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Configuration, err, "parsing tracker URL")
	}
	switch u.Scheme {
	case "http", "https":
		return AnnounceHTTP(u, req)
	case "udp":
		return AnnounceUDP(u, req)
	default:
		return nil, xerrors.New(xerrors.Configuration, "unsupported tracker scheme: "+u.Scheme)
	}
}

// DecompactIPv4 parses the spec §4.2 compact 6-byte-per-entry (4-byte
// IPv4 + 2-byte big-endian port) peer encoding.
func DecompactIPv4(b []byte) ([]Peer, error) {
	const entrySize = 6
	if len(b)%entrySize != 0 {
		return nil, xerrors.New(xerrors.Malformed, "compact ipv4 peers length not a multiple of 6")
	}
	n := len(b) / entrySize
	peers := make([]Peer, n)
	for i := 0; i < n; i++ {
		off := i * entrySize
		ip := make(net.IP, 4)
		copy(ip, b[off:off+4])
		peers[i] = Peer{IP: ip, Port: beUint16(b[off+4 : off+6])}
	}
	return peers, nil
}

// DecompactIPv6 parses the spec §4.2 compact 18-byte-per-entry
// (16-byte IPv6 + 2-byte port) `peers6` encoding.
func DecompactIPv6(b []byte) ([]Peer, error) {
	const entrySize = 18
	if len(b)%entrySize != 0 {
		return nil, xerrors.New(xerrors.Malformed, "compact ipv6 peers length not a multiple of 18")
	}
	n := len(b) / entrySize
	peers := make([]Peer, n)
	for i := 0; i < n; i++ {
		off := i * entrySize
		ip := make(net.IP, 16)
		copy(ip, b[off:off+16])
		peers[i] = Peer{IP: ip, Port: beUint16(b[off+16 : off+18])}
	}
	return peers, nil
}

// CompactIPv4 is the inverse of DecompactIPv4 (spec §8 round-trip law).
func CompactIPv4(peers []Peer) []byte {
	out := make([]byte, 0, len(peers)*6)
	for _, p := range peers {
		v4 := p.IP.To4()
		if v4 == nil {
			continue
		}
		out = append(out, v4...)
		out = append(out, byte(p.Port>>8), byte(p.Port))
	}
	return out
}

func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

// PercentEncodeOctets percent-encodes every byte of b as %HH, used for
// info_hash and peer_id in HTTP announce requests (spec §6): these are
// opaque octets, not text, so url.QueryEscape (which treats them as a
// string and leaves "safe" ASCII bytes un-encoded) is not used.
func PercentEncodeOctets(b []byte) string {
	const hex = "0123456789ABCDEF"
	buf := make([]byte, 0, len(b)*3)
	for _, c := range b {
		buf = append(buf, '%', hex[c>>4], hex[c&0xF])
	}
	return string(buf)
}
