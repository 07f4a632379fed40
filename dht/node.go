package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaylabs/gorent/xerrors"
)

// QueryTimeout is the per-outstanding-query deadline (spec §6
// dht_query_timeout_seconds default).
const QueryTimeout = 5 * time.Second

// BootstrapNodes are the well-known public bootstrap endpoints used
// when the routing table is empty (spec §4.3 "Bootstrap").
var BootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
}

// PeerFound pairs an info-hash with a peer endpoint found for it (spec
// §4.3 get_peers "values" result). Node has no callback that delivers
// it; IterativeGetPeers returns found peers in GetPeersResult.Peers.
type PeerFound struct {
	InfoHash ID
	Addr     NodeAddr
}

// pendingQuery tracks one outstanding request awaiting a matching
// transaction id.
type pendingQuery struct {
	deadline time.Time
	done     chan message
}

// Node is a single Mainline DHT participant: a UDP socket, a routing
// table, and the query/response machinery of spec §4.3. The
// transaction-table and dispatch shape follows a connection-accept
// idiom translated onto connectionless UDP with per-txid channels.
type Node struct {
	self ID
	conn *net.UDPConn
	rt   *RoutingTable
	log  *logrus.Entry

	mu      sync.Mutex
	pending map[string]*pendingQuery
	nextTx  uint32

	tokenMu sync.Mutex
	tokenSecret [20]byte

	announced   map[ID]map[string]NodeAddr
	announcedMu sync.Mutex

	closed chan struct{}
}

// NewNode binds a UDP socket on port and starts serving incoming KRPC
// datagrams. Returns the node with a random id (spec §4.3).
func NewNode(port uint16, log *logrus.Logger) (*Node, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IO, err, "binding dht udp socket")
	}
	self := RandomID()
	n := &Node{
		self:      self,
		conn:      conn,
		rt:        NewRoutingTable(self),
		log:       log.WithField("component", "dht"),
		pending:   make(map[string]*pendingQuery),
		announced: make(map[ID]map[string]NodeAddr),
		closed:    make(chan struct{}),
	}
	if _, err := rand.Read(n.tokenSecret[:]); err != nil {
		return nil, xerrors.Wrap(xerrors.IO, err, "seeding dht token secret")
	}
	go n.serve()
	return n, nil
}

func (n *Node) Self() ID { return n.self }

func (n *Node) Close() error {
	close(n.closed)
	return n.conn.Close()
}

func (n *Node) serve() {
	buf := make([]byte, 2048)
	for {
		nbytes, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-n.closed:
				return
			default:
				n.log.WithError(err).Debug("dht read error")
				continue
			}
		}
		raw := make([]byte, nbytes)
		copy(raw, buf[:nbytes])
		go n.handleDatagram(raw, from)
	}
}

func (n *Node) handleDatagram(raw []byte, from *net.UDPAddr) {
	msg, err := decodeMessage(raw)
	if err != nil {
		n.log.WithError(err).Debug("dropping malformed krpc datagram")
		return
	}
	switch msg.Class {
	case classQuery:
		n.handleQuery(msg, from)
	case classResponse, classError:
		n.mu.Lock()
		p, ok := n.pending[msg.TxID]
		if ok {
			delete(n.pending, msg.TxID)
		}
		n.mu.Unlock()
		if ok {
			p.done <- msg
		}
	}
}

func (n *Node) handleQuery(msg message, from *net.UDPAddr) {
	n.rt.Insert(msg.Args.ID, NodeAddr{IP: from.IP, Port: uint16(from.Port)})
	switch msg.Query {
	case "ping":
		n.reply(from, msg.TxID, queryResult{ID: n.self})
	case "find_node":
		if msg.Args.Target == nil {
			return
		}
		nodes := n.rt.Closest(*msg.Args.Target, BucketSize)
		n.reply(from, msg.TxID, queryResult{ID: n.self, Nodes: nodes})
	case "get_peers":
		if msg.Args.InfoHash == nil {
			return
		}
		token := n.issueToken(from)
		n.announcedMu.Lock()
		peers := n.announced[*msg.Args.InfoHash]
		n.announcedMu.Unlock()
		res := queryResult{ID: n.self, Token: token}
		if len(peers) > 0 {
			for _, addr := range peers {
				res.Values = append(res.Values, addr)
			}
		} else {
			res.Nodes = n.rt.Closest(*msg.Args.InfoHash, BucketSize)
		}
		n.reply(from, msg.TxID, res)
	case "announce_peer":
		if msg.Args.InfoHash == nil || !n.validToken(from, msg.Args.Token) {
			n.replyError(from, msg.TxID, 203, "bad token")
			return
		}
		port := msg.Args.Port
		if msg.Args.ImpliedPort {
			port = uint16(from.Port)
		}
		n.announcedMu.Lock()
		if n.announced[*msg.Args.InfoHash] == nil {
			n.announced[*msg.Args.InfoHash] = make(map[string]NodeAddr)
		}
		n.announced[*msg.Args.InfoHash][from.String()] = NodeAddr{IP: from.IP, Port: port}
		n.announcedMu.Unlock()
		n.reply(from, msg.TxID, queryResult{ID: n.self})
	}
}

// issueToken derives a per-IP announce token from the node's secret
// and the requester's IP. Tokens are verified by recomputing them, not
// stored, so spoofed get_peers floods cannot grow memory.
func (n *Node) issueToken(from *net.UDPAddr) []byte {
	n.tokenMu.Lock()
	defer n.tokenMu.Unlock()
	h := sha1.New()
	h.Write(n.tokenSecret[:])
	h.Write(from.IP)
	return h.Sum(nil)[:8]
}

func (n *Node) validToken(from *net.UDPAddr, token []byte) bool {
	expected := n.issueToken(from)
	if len(token) != len(expected) {
		return false
	}
	for i := range token {
		if token[i] != expected[i] {
			return false
		}
	}
	return true
}

func (n *Node) reply(to *net.UDPAddr, txID string, res queryResult) {
	_, _ = n.conn.WriteToUDP(encodeResponse(txID, res), to)
}

func (n *Node) replyError(to *net.UDPAddr, txID string, code int64, msg string) {
	_, _ = n.conn.WriteToUDP(encodeKRPCError(txID, code, msg), to)
}

// query sends a KRPC query to addr and blocks for a matching response
// or QueryTimeout, whichever comes first (spec §4.3 per-query deadline).
func (n *Node) query(addr *net.UDPAddr, name string, args queryArgs) (message, error) {
	txID := n.newTxID()
	p := &pendingQuery{deadline: time.Now().Add(QueryTimeout), done: make(chan message, 1)}
	n.mu.Lock()
	n.pending[txID] = p
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, txID)
		n.mu.Unlock()
	}()

	args.ID = n.self
	if _, err := n.conn.WriteToUDP(encodeQuery(txID, name, args), addr); err != nil {
		return message{}, xerrors.Wrap(xerrors.IO, err, "sending dht query")
	}
	select {
	case resp := <-p.done:
		if resp.Class == classError {
			return message{}, xerrors.New(xerrors.TrackerRejected, resp.ErrMsg)
		}
		return resp, nil
	case <-time.After(QueryTimeout):
		return message{}, xerrors.New(xerrors.Timeout, "dht query timed out")
	}
}

func (n *Node) newTxID() string {
	n.mu.Lock()
	n.nextTx++
	id := n.nextTx
	n.mu.Unlock()
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return string(b[:])
}

// Ping queries addr's liveness and, on success, records it in the
// routing table.
func (n *Node) Ping(addr NodeAddr) (ID, error) {
	resp, err := n.query(addr.UDPAddr(), "ping", queryArgs{})
	if err != nil {
		return ID{}, err
	}
	n.rt.Insert(resp.Res.ID, addr)
	return resp.Res.ID, nil
}

// FindNode queries addr for nodes closest to target.
func (n *Node) FindNode(addr NodeAddr, target ID) ([]NodeInfo, error) {
	resp, err := n.query(addr.UDPAddr(), "find_node", queryArgs{Target: &target})
	if err != nil {
		return nil, err
	}
	n.rt.Insert(resp.Res.ID, addr)
	return resp.Res.Nodes, nil
}

// GetPeers queries addr for peers of infoHash, returning either
// directly-known peer endpoints or closer nodes plus an announce
// token (spec §4.3 get_peers).
func (n *Node) GetPeers(addr NodeAddr, infoHash ID) (queryResult, error) {
	resp, err := n.query(addr.UDPAddr(), "get_peers", queryArgs{InfoHash: &infoHash})
	if err != nil {
		return queryResult{}, err
	}
	n.rt.Insert(resp.Res.ID, addr)
	return resp.Res, nil
}

// AnnouncePeer tells addr that we have infoHash, using a token
// previously obtained from that same node via GetPeers.
func (n *Node) AnnouncePeer(addr NodeAddr, infoHash ID, port uint16, token []byte) error {
	_, err := n.query(addr.UDPAddr(), "announce_peer", queryArgs{
		InfoHash: &infoHash,
		Port:     port,
		Token:    token,
	})
	return err
}

// Bootstrap seeds the routing table from BootstrapNodes (spec §4.3).
func (n *Node) Bootstrap() {
	for _, host := range BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", host)
		if err != nil {
			continue
		}
		na := NodeAddr{IP: addr.IP, Port: uint16(addr.Port)}
		if _, err := n.FindNode(na, n.self); err != nil {
			n.log.WithError(err).WithField("node", host).Debug("bootstrap node unreachable")
		}
	}
}

// RoutingTable exposes the node's table for status reporting.
func (n *Node) RoutingTable() *RoutingTable { return n.rt }
