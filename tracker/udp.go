package tracker

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"net/url"
	"time"

	"github.com/relaylabs/gorent/xerrors"
)

// udpProtocolMagic is the BEP 15 connect-request magic constant
// (spec §4.2 step 1).
const udpProtocolMagic uint64 = 0x41727101980

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3
)

// udpInitialTimeout and udpMaxRetries implement spec §4.2's
// retransmission policy: 15s timeout, doubling, up to 4 retries.
const (
	udpInitialTimeout = 15 * time.Second
	udpMaxRetries     = 4
)

// AnnounceUDP performs the two-step UDP announce protocol (spec §4.2
// UDP variant): connect, then announce, verifying the echoed
// transaction id on every response and discarding mismatched
// datagrams. The wire layout follows chihaya's bittorrent/udp-parser.go
// (ParseAnnounce byte offsets), adapted into the client
// (request-building) direction.
func AnnounceUDP(u *url.URL, req AnnounceRequest) (*AnnounceResponse, error) {
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Configuration, err, "resolving udp tracker address")
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IO, err, "dialing udp tracker")
	}
	defer conn.Close()

	connID, err := udpConnect(conn)
	if err != nil {
		return nil, err
	}
	return udpAnnounce(conn, connID, req)
}

func udpConnect(conn *net.UDPConn) (uint64, error) {
	txID := randomUint32()
	request := make([]byte, 16)
	binary.BigEndian.PutUint64(request[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(request[8:12], actionConnect)
	binary.BigEndian.PutUint32(request[12:16], txID)

	resp, err := udpRoundTrip(conn, request, 16, txID)
	if err != nil {
		return 0, err
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	if action == actionError {
		return 0, xerrors.New(xerrors.TrackerRejected, string(resp[8:]))
	}
	if action != actionConnect {
		return 0, xerrors.New(xerrors.Malformed, "unexpected action in connect response")
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func udpAnnounce(conn *net.UDPConn, connID uint64, req AnnounceRequest) (*AnnounceResponse, error) {
	txID := randomUint32()
	key := randomUint32()

	request := make([]byte, 98)
	binary.BigEndian.PutUint64(request[0:8], connID)
	binary.BigEndian.PutUint32(request[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(request[12:16], txID)
	copy(request[16:36], req.InfoHash[:])
	copy(request[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(request[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(request[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(request[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(request[80:84], req.Event.udpEventID())
	binary.BigEndian.PutUint32(request[84:88], 0) // ip: 0 = use sender
	binary.BigEndian.PutUint32(request[88:92], key)
	numWant := req.NumWant
	if numWant == 0 {
		numWant = -1
	}
	binary.BigEndian.PutUint32(request[92:96], uint32(int32(numWant)))
	binary.BigEndian.PutUint16(request[96:98], req.Port)

	resp, err := udpRoundTrip(conn, request, 20, txID)
	if err != nil {
		return nil, err
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	if action == actionError {
		return nil, xerrors.New(xerrors.TrackerRejected, string(resp[8:]))
	}
	if action != actionAnnounce {
		return nil, xerrors.New(xerrors.Malformed, "unexpected action in announce response")
	}
	if len(resp) < 20 {
		return nil, xerrors.New(xerrors.Malformed, "announce response shorter than 20 bytes")
	}
	out := &AnnounceResponse{
		Interval:   int(binary.BigEndian.Uint32(resp[8:12])),
		Incomplete: int(binary.BigEndian.Uint32(resp[12:16])),
		Complete:   int(binary.BigEndian.Uint32(resp[16:20])),
	}
	peers, err := DecompactIPv4(resp[20:])
	if err != nil {
		return nil, err
	}
	out.Peers = peers
	return out, nil
}

// udpRoundTrip sends request and waits for an at-least-expectLen
// response whose echoed transaction id matches txID, retrying with
// doubling timeouts per spec §4.2.
func udpRoundTrip(conn *net.UDPConn, request []byte, expectLen int, txID uint32) ([]byte, error) {
	timeout := udpInitialTimeout
	buf := make([]byte, 2048)
	for attempt := 0; attempt <= udpMaxRetries; attempt++ {
		if _, err := conn.Write(request); err != nil {
			return nil, xerrors.Wrap(xerrors.IO, err, "writing udp tracker request")
		}
		conn.SetReadDeadline(time.Now().Add(timeout))
		for {
			n, err := conn.Read(buf)
			if err != nil {
				if netErrIsTimeout(err) {
					break // retry with a longer timeout
				}
				return nil, xerrors.Wrap(xerrors.IO, err, "reading udp tracker response")
			}
			if n < 8 {
				continue // too short to even carry an action+txid; keep listening
			}
			if binary.BigEndian.Uint32(buf[4:8]) != txID {
				continue // mismatched datagram per spec §4.2, discard and keep listening
			}
			if n < expectLen && binary.BigEndian.Uint32(buf[0:4]) != actionError {
				continue
			}
			out := make([]byte, n)
			copy(out, buf[:n])
			return out, nil
		}
		timeout *= 2
	}
	return nil, xerrors.New(xerrors.Timeout, "udp tracker did not respond")
}

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func netErrIsTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
