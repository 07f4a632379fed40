// Package bencode implements the bencode codec described in spec §4.1:
// a four-type value tree (integer, byte string, list, dictionary) that
// round-trips faithfully and can report the exact byte span a
// sub-value occupied in its source, so callers can lift the raw bytes
// of the `info` dictionary for SHA-1 hashing without re-serializing it.
//
// This is hand-rolled rather than built on a reflection-based bencode
// library because no such library exposes the source byte range a
// decoded value came from — the one capability §4.1 requires, and
// which a re-Marshal-a-decoded-struct approach to info-hash computation
// gets wrong.
package bencode

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/relaylabs/gorent/xerrors"
)

// Kind tags the four bencode value types.
type Kind uint8

const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// Value is a decoded bencode node. Exactly one of Int, Str, List, Dict
// is meaningful, selected by Kind. Str holds opaque bytes, never text.
type Value struct {
	Kind Kind
	Int  int64
	Str  []byte
	List []Value
	Dict map[string]Value

	// DictKeys preserves the order keys were encountered during
	// decode, which may be non-canonical; Encode always re-sorts.
	DictKeys []string

	// Span is the [start,end) byte range this value occupied in the
	// buffer passed to DecodeWithSpans. Zero value (0,0) when the
	// value was produced any other way (e.g. by hand in tests).
	Span Span
}

// Span is a half-open byte range into the original decode buffer.
type Span struct {
	Start, End int
}

func (s Span) Len() int { return s.End - s.Start }

// Int64 constructs an integer value.
func Int64(v int64) Value { return Value{Kind: KindInt, Int: v} }

// Bytes constructs a byte-string value.
func Bytes(b []byte) Value { return Value{Kind: KindString, Str: b} }

// String constructs a byte-string value from text.
func String(s string) Value { return Value{Kind: KindString, Str: []byte(s)} }

// List constructs a list value.
func List(vs ...Value) Value { return Value{Kind: KindList, List: vs} }

// Dict constructs a dictionary value from a map; DictKeys is set to the
// map's keys in sorted order.
func Dict(m map[string]Value) Value {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Value{Kind: KindDict, Dict: m, DictKeys: keys}
}

// GetString returns the byte-string value at key, or ok=false if the
// value is absent or not a string.
func (v Value) GetString(key string) ([]byte, bool) {
	if v.Kind != KindDict {
		return nil, false
	}
	sub, ok := v.Dict[key]
	if !ok || sub.Kind != KindString {
		return nil, false
	}
	return sub.Str, true
}

// GetInt returns the integer value at key, or ok=false if absent/not an int.
func (v Value) GetInt(key string) (int64, bool) {
	if v.Kind != KindDict {
		return 0, false
	}
	sub, ok := v.Dict[key]
	if !ok || sub.Kind != KindInt {
		return 0, false
	}
	return sub.Int, true
}

// GetList returns the list value at key, or ok=false if absent/not a list.
func (v Value) GetList(key string) ([]Value, bool) {
	if v.Kind != KindDict {
		return nil, false
	}
	sub, ok := v.Dict[key]
	if !ok || sub.Kind != KindList {
		return nil, false
	}
	return sub.List, true
}

// GetDict returns the dict value at key, or ok=false if absent/not a dict.
func (v Value) GetDict(key string) (Value, bool) {
	if v.Kind != KindDict {
		return Value{}, false
	}
	sub, ok := v.Dict[key]
	if !ok || sub.Kind != KindDict {
		return Value{}, false
	}
	return sub, true
}

type decoder struct {
	buf        []byte
	pos        int
	withSpans  bool
}

// Decode parses a single bencode value from buf and returns it along
// with the number of bytes consumed.
func Decode(buf []byte) (Value, int, error) {
	d := &decoder{buf: buf}
	v, err := d.decodeValue()
	if err != nil {
		return Value{}, 0, err
	}
	return v, d.pos, nil
}

// DecodeWithSpans parses a single bencode value from buf, annotating
// every node (including nested ones) with the exact byte range it
// occupied in buf, so a caller can slice buf[span.Start:span.End] to
// recover the untouched source bytes of any sub-value.
func DecodeWithSpans(buf []byte) (Value, int, error) {
	d := &decoder{buf: buf, withSpans: true}
	v, err := d.decodeValue()
	if err != nil {
		return Value{}, 0, err
	}
	return v, d.pos, nil
}

func (d *decoder) decodeValue() (Value, error) {
	if d.pos >= len(d.buf) {
		return Value{}, xerrors.New(xerrors.Malformed, "unexpected end of input")
	}
	start := d.pos
	var v Value
	var err error
	switch c := d.buf[d.pos]; {
	case c == 'i':
		v, err = d.decodeInt()
	case c == 'l':
		v, err = d.decodeList()
	case c == 'd':
		v, err = d.decodeDict()
	case c >= '0' && c <= '9':
		v, err = d.decodeString()
	default:
		err = xerrors.New(xerrors.Malformed, fmt.Sprintf("unexpected byte %q at offset %d", c, d.pos))
	}
	if err != nil {
		return Value{}, err
	}
	if d.withSpans {
		v.Span = Span{Start: start, End: d.pos}
	}
	return v, nil
}

func (d *decoder) decodeInt() (Value, error) {
	// i ASCII-decimal e
	end := bytes.IndexByte(d.buf[d.pos:], 'e')
	if end < 0 {
		return Value{}, xerrors.New(xerrors.Malformed, "unterminated integer")
	}
	digits := d.buf[d.pos+1 : d.pos+end]
	n, err := parseSignedInt(digits)
	if err != nil {
		return Value{}, err
	}
	d.pos += end + 1
	return Value{Kind: KindInt, Int: n}, nil
}

func parseSignedInt(digits []byte) (int64, error) {
	if len(digits) == 0 {
		return 0, xerrors.New(xerrors.Malformed, "empty integer")
	}
	neg := false
	s := digits
	if s[0] == '-' {
		neg = true
		s = s[1:]
		if len(s) == 0 {
			return 0, xerrors.New(xerrors.Malformed, "bare minus sign")
		}
	}
	if s[0] == '0' && len(s) > 1 {
		return 0, xerrors.New(xerrors.Malformed, "leading zero in integer")
	}
	if neg && s[0] == '0' {
		return 0, xerrors.New(xerrors.Malformed, "negative zero is not allowed")
	}
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, xerrors.New(xerrors.Malformed, "non-digit in integer")
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

func (d *decoder) decodeString() (Value, error) {
	colon := bytes.IndexByte(d.buf[d.pos:], ':')
	if colon < 0 {
		return Value{}, xerrors.New(xerrors.Malformed, "unterminated string length")
	}
	lenDigits := d.buf[d.pos : d.pos+colon]
	if len(lenDigits) > 1 && lenDigits[0] == '0' {
		return Value{}, xerrors.New(xerrors.Malformed, "leading zero in string length")
	}
	length := 0
	for _, c := range lenDigits {
		if c < '0' || c > '9' {
			return Value{}, xerrors.New(xerrors.Malformed, "non-digit in string length")
		}
		length = length*10 + int(c-'0')
	}
	start := d.pos + colon + 1
	end := start + length
	if end > len(d.buf) || end < start {
		return Value{}, xerrors.New(xerrors.Malformed, "string runs past end of input")
	}
	d.pos = end
	return Value{Kind: KindString, Str: d.buf[start:end]}, nil
}

func (d *decoder) decodeList() (Value, error) {
	d.pos++ // consume 'l'
	var items []Value
	for {
		if d.pos >= len(d.buf) {
			return Value{}, xerrors.New(xerrors.Malformed, "unterminated list")
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			break
		}
		v, err := d.decodeValue()
		if err != nil {
			return Value{}, err
		}
		items = append(items, v)
	}
	return Value{Kind: KindList, List: items}, nil
}

func (d *decoder) decodeDict() (Value, error) {
	d.pos++ // consume 'd'
	m := make(map[string]Value)
	var keys []string
	prevKey := ""
	first := true
	for {
		if d.pos >= len(d.buf) {
			return Value{}, xerrors.New(xerrors.Malformed, "unterminated dict")
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			break
		}
		keyVal, err := d.decodeValue()
		if err != nil {
			return Value{}, err
		}
		if keyVal.Kind != KindString {
			return Value{}, xerrors.New(xerrors.Malformed, "dict key is not a string")
		}
		key := string(keyVal.Str)
		if !first && key <= prevKey {
			// Tolerated per §4.1: non-canonical key order is recorded,
			// not rejected, on decode.
		}
		first = false
		prevKey = key
		val, err := d.decodeValue()
		if err != nil {
			return Value{}, err
		}
		if _, dup := m[key]; !dup {
			keys = append(keys, key)
		}
		m[key] = val
	}
	return Value{Kind: KindDict, Dict: m, DictKeys: keys}, nil
}

// Encode serializes v deterministically: dictionary keys are always
// emitted in lexicographic byte order regardless of DictKeys.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindInt:
		fmt.Fprintf(buf, "i%de", v.Int)
	case KindString:
		fmt.Fprintf(buf, "%d:", len(v.Str))
		buf.Write(v.Str)
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeInto(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(buf, "%d:", len(k))
			buf.WriteString(k)
			encodeInto(buf, v.Dict[k])
		}
		buf.WriteByte('e')
	}
}
