// Package metainfo provides the structural view of a .torrent file
// (spec §3 TorrentMetadata) and its content-addressing InfoHash. It is
// built on this module's own bencode codec (package bencode) rather
// than a reflection-based decoder, because the info hash must be
// SHA-1 of the exact source bytes of the `info` dictionary (spec §4.1
// decode_with_spans) — re-Marshaling a decoded struct instead of
// hashing its original byte span is the bug spec §9 flags as one to
// not replicate.
package metainfo

import (
	"crypto/sha1"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/relaylabs/gorent/bencode"
	"github.com/relaylabs/gorent/xerrors"
)

// InfoHash is the 20-byte SHA-1 identity of a torrent.
type InfoHash [20]byte

func (h InfoHash) String() string {
	const hexDigits = "0123456789abcdef"
	var b strings.Builder
	b.Grow(40)
	for _, c := range h {
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0xF])
	}
	return b.String()
}

// File describes one file within a multi-file torrent (spec §3,
// `info.files[]`). PathComponents is the path as it appeared in the
// torrent; Parse has already rejected any component that is empty,
// ".", ".." or contains a path separator.
type File struct {
	Length         int64
	PathComponents []string
}

// Metadata is the immutable, already-validated structural view of a
// .torrent's contents (spec §3 TorrentMetadata).
type Metadata struct {
	Announce     string
	AnnounceList [][]string // ordered tiers, each an ordered list of URLs
	CreationDate int64
	Comment      string
	CreatedBy    string
	Encoding     string

	Name        string
	PieceLength int64
	PieceHashes [][20]byte // N x 20-byte SHA-1 digests
	Files       []File     // len==1 and PathComponents==nil for single-file torrents
	TotalLength int64

	InfoHash InfoHash
}

// IsSingleFile reports whether this torrent declared `info.length`
// rather than `info.files`.
func (m *Metadata) IsSingleFile() bool {
	return len(m.Files) == 1 && m.Files[0].PathComponents == nil
}

// NumPieces returns the piece count N derived from len(pieces)/20.
func (m *Metadata) NumPieces() int { return len(m.PieceHashes) }

// PieceLen returns the exact byte length of piece i: PieceLength for
// every piece but the last, which may be shorter (spec §3 invariant).
func (m *Metadata) PieceLen(i int) int64 {
	start := int64(i) * m.PieceLength
	end := start + m.PieceLength
	if end > m.TotalLength {
		end = m.TotalLength
	}
	return end - start
}

// Parse decodes a .torrent byte stream into a Metadata, validating the
// grammar and the §3 "exactly one of length/files" invariant, and
// lifting the exact source byte span of the `info` dictionary to
// compute InfoHash without ever re-serializing the decoded tree.
func Parse(r io.Reader) (*Metadata, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IO, err, "reading torrent bytes")
	}
	root, _, err := bencode.DecodeWithSpans(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Malformed, err, "decoding bencode")
	}
	if root.Kind != bencode.KindDict {
		return nil, xerrors.New(xerrors.Malformed, "torrent is not a bencoded dictionary")
	}

	infoVal, ok := root.GetDict("info")
	if !ok {
		return nil, xerrors.New(xerrors.Malformed, "missing info dictionary")
	}
	infoHashBytes := raw[infoVal.Span.Start:infoVal.Span.End]
	sum := sha1.Sum(infoHashBytes)

	m := &Metadata{InfoHash: InfoHash(sum)}

	if announce, ok := root.GetString("announce"); ok {
		m.Announce = string(announce)
	}
	if list, ok := root.GetList("announce-list"); ok {
		for _, tierVal := range list {
			if tierVal.Kind != bencode.KindList {
				continue
			}
			var tier []string
			for _, urlVal := range tierVal.List {
				if urlVal.Kind == bencode.KindString {
					tier = append(tier, string(urlVal.Str))
				}
			}
			if len(tier) > 0 {
				m.AnnounceList = append(m.AnnounceList, tier)
			}
		}
	}
	if cd, ok := root.GetInt("creation date"); ok {
		m.CreationDate = cd
	}
	if c, ok := root.GetString("comment"); ok {
		m.Comment = string(c)
	}
	if cb, ok := root.GetString("created by"); ok {
		m.CreatedBy = string(cb)
	}
	if enc, ok := root.GetString("encoding"); ok {
		m.Encoding = string(enc)
	}

	if err := parseInfo(infoVal, m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseInfo(info bencode.Value, m *Metadata) error {
	name, ok := info.GetString("name")
	if !ok {
		return xerrors.New(xerrors.Malformed, "info.name missing")
	}
	m.Name = string(name)

	pieceLen, ok := info.GetInt("piece length")
	if !ok || pieceLen <= 0 {
		return xerrors.New(xerrors.Malformed, "info.piece length must be positive")
	}
	m.PieceLength = pieceLen

	piecesRaw, ok := info.GetString("pieces")
	if !ok {
		return xerrors.New(xerrors.Malformed, "info.pieces missing")
	}
	if len(piecesRaw)%20 != 0 {
		return xerrors.New(xerrors.Malformed, "info.pieces length is not a multiple of 20")
	}
	numHashes := len(piecesRaw) / 20
	m.PieceHashes = make([][20]byte, numHashes)
	for i := 0; i < numHashes; i++ {
		copy(m.PieceHashes[i][:], piecesRaw[i*20:(i+1)*20])
	}

	length, hasLength := info.GetInt("length")
	filesVal, hasFiles := info.GetList("files")
	switch {
	case hasLength && hasFiles:
		return xerrors.New(xerrors.Malformed, "info has both length and files")
	case hasLength:
		m.Files = []File{{Length: length}}
		m.TotalLength = length
	case hasFiles:
		var total int64
		for _, fv := range filesVal {
			fl, ok := fv.GetInt("length")
			if !ok || fl < 0 {
				return xerrors.New(xerrors.Malformed, "files[].length invalid")
			}
			pathList, ok := fv.GetList("path")
			if !ok || len(pathList) == 0 {
				return xerrors.New(xerrors.Malformed, "files[].path invalid")
			}
			comps := make([]string, 0, len(pathList))
			for _, p := range pathList {
				if p.Kind != bencode.KindString {
					return xerrors.New(xerrors.Malformed, "files[].path component is not a string")
				}
				comps = append(comps, string(p.Str))
			}
			if err := validatePathComponents(comps); err != nil {
				return err
			}
			m.Files = append(m.Files, File{Length: fl, PathComponents: comps})
			total += fl
		}
		m.TotalLength = total
	default:
		return xerrors.New(xerrors.Malformed, "info has neither length nor files")
	}

	if numHashes > 0 {
		expectedLast := m.TotalLength - int64(numHashes-1)*m.PieceLength
		if expectedLast <= 0 || expectedLast > m.PieceLength {
			return xerrors.New(xerrors.Malformed, "piece count/length inconsistent with total length")
		}
	}
	return nil
}

// validatePathComponents enforces spec §4.5 path-safety: no component
// may be empty, ".", "..", or contain a path separator.
func validatePathComponents(comps []string) error {
	for _, c := range comps {
		if c == "" || c == "." || c == ".." {
			return xerrors.New(xerrors.Configuration, "unsafe path component: "+c)
		}
		if strings.ContainsAny(c, "/\\") {
			return xerrors.New(xerrors.Configuration, "path component contains a separator: "+c)
		}
	}
	return nil
}

// ErrEmptyTorrent is returned by Parse callers that want a sentinel
// for "no announce anywhere" (neither announce nor announce-list).
var ErrEmptyTorrent = errors.New("metainfo: no announce or announce-list present")

// Trackers returns every announce URL, primary first, then each tier
// of announce-list in order, de-duplicated.
func (m *Metadata) Trackers() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return out
}
