package peerwire

import (
	"net"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/relaylabs/gorent/xerrors"
)

// Listener accepts inbound peer connections, a supplemented feature
// beyond a pure outbound-only downloader.
type Listener struct {
	ln     net.Listener
	log    *logrus.Entry
	closed chan struct{}
}

// Listen binds a TCP listener on port.
func Listen(port uint16, log *logrus.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(port))))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IO, err, "binding peer listener")
	}
	return &Listener{ln: ln, log: log.WithField("component", "peerwire"), closed: make(chan struct{})}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error {
	close(l.closed)
	return l.ln.Close()
}

// InboundHandshake is the result of accepting and handshaking one
// inbound connection, ready to be promoted to a PeerSession once the
// caller resolves InfoHash to a live torrent and piece count.
type InboundHandshake struct {
	Conn     net.Conn
	PeerHS   Handshake
}

// Accept blocks for the next inbound connection, performs the
// handshake using acceptInfoHash to validate the requested torrent,
// and returns it for promotion to a PeerSession.
func (l *Listener) Accept(ourPeerID [20]byte, dhtSupport bool, acceptInfoHash func(h [20]byte) bool) (*InboundHandshake, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IO, err, "accepting peer connection")
	}
	hs, err := AcceptHandshake(conn, ourPeerID, dhtSupport, acceptInfoHash)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &InboundHandshake{Conn: conn, PeerHS: hs}, nil
}
