package tracker

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/relaylabs/gorent/bencode"
	"github.com/relaylabs/gorent/xerrors"
)

// DefaultAnnounceTimeout is the per-request deadline (spec §6
// announce_timeout_seconds default).
const DefaultAnnounceTimeout = 15 * time.Second

// httpClient is shared across announces; resty.Client is safe for
// concurrent use and gives us per-request timeouts and retry-on
// transient-error without a hand-rolled backoff loop.
var httpClient = resty.New().
	SetTimeout(DefaultAnnounceTimeout).
	SetRetryCount(2).
	SetRetryWaitTime(500 * time.Millisecond)

// AnnounceHTTP performs an HTTP/HTTPS announce (spec §4.2 HTTP/HTTPS
// variant, §6 request shape).
func AnnounceHTTP(u *url.URL, req AnnounceRequest) (*AnnounceResponse, error) {
	q := url.Values{
		"port":       {strconv.Itoa(int(req.Port))},
		"uploaded":   {strconv.FormatInt(req.Uploaded, 10)},
		"downloaded": {strconv.FormatInt(req.Downloaded, 10)},
		"left":       {strconv.FormatInt(req.Left, 10)},
		"compact":    {"1"},
	}
	if name := req.Event.httpEventName(); name != "" {
		q.Set("event", name)
	}
	raw := *u
	raw.RawQuery = q.Encode() +
		"&info_hash=" + PercentEncodeOctets(req.InfoHash[:]) +
		"&peer_id=" + PercentEncodeOctets(req.PeerID[:])

	resp, err := httpClient.R().
		SetHeader("User-Agent", "gorent/1.0").
		Get(raw.String())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IO, err, "http announce request")
	}
	if resp.IsError() {
		return nil, xerrors.New(xerrors.IO, "tracker returned http status "+resp.Status())
	}

	v, _, err := bencode.Decode(resp.Body())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Malformed, err, "decoding tracker response")
	}
	if reason, ok := v.GetString("failure reason"); ok {
		return nil, xerrors.New(xerrors.TrackerRejected, string(reason))
	}

	out := &AnnounceResponse{}
	if iv, ok := v.GetInt("interval"); ok {
		out.Interval = int(iv)
	}
	if mi, ok := v.GetInt("min interval"); ok {
		out.MinInterval = int(mi)
	}
	if c, ok := v.GetInt("complete"); ok {
		out.Complete = int(c)
	}
	if ic, ok := v.GetInt("incomplete"); ok {
		out.Incomplete = int(ic)
	}

	peers, err := decodePeersField(v)
	if err != nil {
		return nil, err
	}
	out.Peers = peers

	if peers6, ok := v.GetString("peers6"); ok {
		v6, err := DecompactIPv6(peers6)
		if err != nil {
			return nil, err
		}
		out.Peers = append(out.Peers, v6...)
	}
	return out, nil
}

// decodePeersField handles the §4.2 "string/binary quirk": some
// trackers emit the compact form as a bencode string (common), others
// as a bencode list of {ip, port, peer id?} dictionaries.
func decodePeersField(v bencode.Value) ([]Peer, error) {
	if compact, ok := v.GetString("peers"); ok {
		return DecompactIPv4(compact)
	}
	if list, ok := v.GetList("peers"); ok {
		peers := make([]Peer, 0, len(list))
		for _, entry := range list {
			ipStr, ok := entry.GetString("ip")
			if !ok {
				return nil, xerrors.New(xerrors.Malformed, "peers[] entry missing ip")
			}
			portNum, ok := entry.GetInt("port")
			if !ok {
				return nil, xerrors.New(xerrors.Malformed, "peers[] entry missing port")
			}
			ip := net.ParseIP(string(ipStr))
			if ip == nil {
				return nil, xerrors.New(xerrors.Malformed, "peers[] entry has unparseable ip: "+string(ipStr))
			}
			peers = append(peers, Peer{IP: ip, Port: uint16(portNum)})
		}
		return peers, nil
	}
	return nil, nil
}
