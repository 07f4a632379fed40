// Package dht implements the Mainline DHT node of spec §4.3: Kademlia
// over UDP with bencoded KRPC messages, a 160-bucket routing table,
// and the iterative get_peers lookup. The KRPC struct shape follows
// af5b7190_yarikk-dht__krpc-msg.go.go (Msg/MsgArgs/Return), translated
// onto this module's own bencode.Value rather than struct tags, since
// this module has no reflection-based bencode marshaler.
package dht

import (
	"crypto/rand"
	"net"

	"github.com/relaylabs/gorent/xerrors"
)

var errMalformedCompactNodes = xerrors.New(xerrors.Malformed, "compact node list length not a multiple of 26")

// IDLen is the Kademlia node-id length in bytes (160 bits).
const IDLen = 20

// ID is a 160-bit Kademlia node identifier.
type ID [IDLen]byte

// RandomID generates a random node id (spec §4.3: "our 20-byte node
// id (random, stable across the process lifetime)").
func RandomID() ID {
	var id ID
	_, _ = rand.Read(id[:])
	return id
}

// Distance returns the XOR distance between a and b (the Kademlia
// metric).
func Distance(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether a is closer to target than b is (smaller XOR
// distance, compared as an unsigned big-endian integer).
func Less(target, a, b ID) bool {
	da, db := Distance(target, a), Distance(target, b)
	for i := range da {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return false
}

// BucketIndex returns the position of the highest bit (MSB-first, 0
// indexed from the left) where id XOR self is 1 — spec §4.3's bucket
// index rule. Returns -1 if id == self (no bucket, the id is ours).
func BucketIndex(self, id ID) int {
	d := Distance(self, id)
	for byteIdx, b := range d {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>uint(bit)) != 0 {
				return byteIdx*8 + bit
			}
		}
	}
	return -1
}

// NodeAddr pairs an endpoint with its UDP address family-neutral form.
type NodeAddr struct {
	IP   net.IP
	Port uint16
}

func (n NodeAddr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: n.IP, Port: int(n.Port)}
}

// NodeInfo is an (id, endpoint) pair as exchanged in compact node
// lists (spec §4.3 find_node/get_peers `nodes`).
type NodeInfo struct {
	ID   ID
	Addr NodeAddr
}

// CompactNodeSize is the per-entry size of a compact node-info list
// (20-byte id + 4-byte IPv4 + 2-byte port).
const CompactNodeSize = IDLen + 4 + 2

// DecodeCompactNodes parses the spec §4.3 find_node `nodes` encoding.
func DecodeCompactNodes(b []byte) ([]NodeInfo, error) {
	if len(b)%CompactNodeSize != 0 {
		return nil, errMalformedCompactNodes
	}
	n := len(b) / CompactNodeSize
	out := make([]NodeInfo, n)
	for i := 0; i < n; i++ {
		off := i * CompactNodeSize
		var id ID
		copy(id[:], b[off:off+IDLen])
		ip := make(net.IP, 4)
		copy(ip, b[off+IDLen:off+IDLen+4])
		port := uint16(b[off+IDLen+4])<<8 | uint16(b[off+IDLen+5])
		out[i] = NodeInfo{ID: id, Addr: NodeAddr{IP: ip, Port: port}}
	}
	return out, nil
}

// EncodeCompactNodes is the inverse of DecodeCompactNodes (spec §8
// round-trip law).
func EncodeCompactNodes(nodes []NodeInfo) []byte {
	out := make([]byte, 0, len(nodes)*CompactNodeSize)
	for _, n := range nodes {
		out = append(out, n.ID[:]...)
		v4 := n.Addr.IP.To4()
		if v4 == nil {
			v4 = make(net.IP, 4)
		}
		out = append(out, v4...)
		out = append(out, byte(n.Addr.Port>>8), byte(n.Addr.Port))
	}
	return out
}
