package dht

import (
	"github.com/relaylabs/gorent/bencode"
	"github.com/relaylabs/gorent/xerrors"
)

// krpc message types (spec §4.3 KRPC envelope: t, y, q/a or r, e).
type msgClass string

const (
	classQuery    msgClass = "q"
	classResponse msgClass = "r"
	classError    msgClass = "e"
)

// queryArgs mirrors yarikk-dht's MsgArgs: the union of every field any
// query type might carry, since this module has no struct-tag-driven
// marshaler to select fields by query name.
type queryArgs struct {
	ID          ID
	Target      *ID
	InfoHash    *ID
	Port        uint16
	ImpliedPort bool
	Token       []byte
}

// queryResult mirrors yarikk-dht's Return: the union of fields any
// response might carry.
type queryResult struct {
	ID     ID
	Nodes  []NodeInfo
	Token  []byte
	Values []NodeAddr // peer endpoints, spec §4.3 get_peers "values" reply
}

// message is one KRPC datagram payload, decoded or ready to encode.
type message struct {
	TxID  string
	Class msgClass
	Query string // set when Class == classQuery
	Args  queryArgs
	Res   queryResult
	ErrMsg string
	ErrCode int64
}

func encodeQuery(txID, query string, args queryArgs) []byte {
	a := map[string]bencode.Value{"id": bencode.Bytes(args.ID[:])}
	switch query {
	case "find_node":
		a["target"] = bencode.Bytes(args.Target[:])
	case "get_peers":
		a["info_hash"] = bencode.Bytes(args.InfoHash[:])
	case "announce_peer":
		a["info_hash"] = bencode.Bytes(args.InfoHash[:])
		a["port"] = bencode.Int64(int64(args.Port))
		a["token"] = bencode.Bytes(args.Token)
		if args.ImpliedPort {
			a["implied_port"] = bencode.Int64(1)
		} else {
			a["implied_port"] = bencode.Int64(0)
		}
	case "ping":
		// id only
	}
	top := map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(string(classQuery)),
		"q": bencode.String(query),
		"a": bencode.Dict(a),
	}
	return bencode.Encode(bencode.Dict(top))
}

func encodeResponse(txID string, res queryResult) []byte {
	r := map[string]bencode.Value{"id": bencode.Bytes(res.ID[:])}
	if res.Nodes != nil {
		r["nodes"] = bencode.Bytes(EncodeCompactNodes(res.Nodes))
	}
	if res.Token != nil {
		r["token"] = bencode.Bytes(res.Token)
	}
	if res.Values != nil {
		vals := make([]bencode.Value, len(res.Values))
		for i, v := range res.Values {
			vals[i] = bencode.Bytes(encodeCompactPeer(v))
		}
		r["values"] = bencode.List(vals...)
	}
	top := map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(string(classResponse)),
		"r": bencode.Dict(r),
	}
	return bencode.Encode(bencode.Dict(top))
}

func encodeKRPCError(txID string, code int64, msg string) []byte {
	top := map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(string(classError)),
		"e": bencode.List(bencode.Int64(code), bencode.String(msg)),
	}
	return bencode.Encode(bencode.Dict(top))
}

func encodeCompactPeer(addr NodeAddr) []byte {
	v4 := addr.IP.To4()
	out := make([]byte, 6)
	copy(out, v4)
	out[4] = byte(addr.Port >> 8)
	out[5] = byte(addr.Port)
	return out
}

func decodeCompactPeer(b []byte) (NodeAddr, error) {
	if len(b) != 6 {
		return NodeAddr{}, xerrors.New(xerrors.Malformed, "compact peer endpoint must be 6 bytes")
	}
	ip := make([]byte, 4)
	copy(ip, b[0:4])
	return NodeAddr{IP: ip, Port: uint16(b[4])<<8 | uint16(b[5])}, nil
}

// decodeMessage parses a raw KRPC datagram (spec §4.3 envelope).
func decodeMessage(raw []byte) (message, error) {
	v, _, err := bencode.Decode(raw)
	if err != nil {
		return message{}, xerrors.Wrap(xerrors.Malformed, err, "decoding krpc datagram")
	}
	txID, ok := v.GetString("t")
	if !ok {
		return message{}, xerrors.New(xerrors.Malformed, "krpc message missing t")
	}
	yb, ok := v.GetString("y")
	if !ok {
		return message{}, xerrors.New(xerrors.Malformed, "krpc message missing y")
	}
	m := message{TxID: string(txID), Class: msgClass(yb)}

	switch m.Class {
	case classQuery:
		qb, ok := v.GetString("q")
		if !ok {
			return message{}, xerrors.New(xerrors.Malformed, "krpc query missing q")
		}
		m.Query = string(qb)
		a, ok := v.GetDict("a")
		if !ok {
			return message{}, xerrors.New(xerrors.Malformed, "krpc query missing a")
		}
		args, err := decodeArgs(a)
		if err != nil {
			return message{}, err
		}
		m.Args = args
	case classResponse:
		r, ok := v.GetDict("r")
		if !ok {
			return message{}, xerrors.New(xerrors.Malformed, "krpc response missing r")
		}
		res, err := decodeResult(r)
		if err != nil {
			return message{}, err
		}
		m.Res = res
	case classError:
		elist, ok := v.GetList("e")
		if !ok || len(elist) != 2 {
			return message{}, xerrors.New(xerrors.Malformed, "krpc error missing e")
		}
		m.ErrCode = elist[0].Int
		m.ErrMsg = string(elist[1].Str)
	default:
		return message{}, xerrors.New(xerrors.Malformed, "unknown krpc message class: "+string(m.Class))
	}
	return m, nil
}

func decodeArgs(a bencode.Value) (queryArgs, error) {
	var args queryArgs
	idb, ok := a.GetString("id")
	if !ok || len(idb) != IDLen {
		return args, xerrors.New(xerrors.Malformed, "krpc args missing valid id")
	}
	copy(args.ID[:], idb)
	if tb, ok := a.GetString("target"); ok && len(tb) == IDLen {
		var t ID
		copy(t[:], tb)
		args.Target = &t
	}
	if ib, ok := a.GetString("info_hash"); ok && len(ib) == IDLen {
		var ih ID
		copy(ih[:], ib)
		args.InfoHash = &ih
	}
	if p, ok := a.GetInt("port"); ok {
		args.Port = uint16(p)
	}
	if ip, ok := a.GetInt("implied_port"); ok && ip == 1 {
		args.ImpliedPort = true
	}
	if tok, ok := a.GetString("token"); ok {
		args.Token = tok
	}
	return args, nil
}

func decodeResult(r bencode.Value) (queryResult, error) {
	var res queryResult
	idb, ok := r.GetString("id")
	if !ok || len(idb) != IDLen {
		return res, xerrors.New(xerrors.Malformed, "krpc result missing valid id")
	}
	copy(res.ID[:], idb)
	if nb, ok := r.GetString("nodes"); ok {
		nodes, err := DecodeCompactNodes(nb)
		if err != nil {
			return res, err
		}
		res.Nodes = nodes
	}
	if tok, ok := r.GetString("token"); ok {
		res.Token = tok
	}
	if vals, ok := r.GetList("values"); ok {
		for _, entry := range vals {
			addr, err := decodeCompactPeer(entry.Str)
			if err != nil {
				return res, err
			}
			res.Values = append(res.Values, addr)
		}
	}
	return res, nil
}
