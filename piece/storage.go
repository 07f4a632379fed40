package piece

import (
	"io"
	"os"
	"path/filepath"

	"github.com/relaylabs/gorent/metainfo"
	"github.com/relaylabs/gorent/xerrors"
)

// Storage writes verified piece data to disk, splitting pieces across
// file boundaries for multi-file torrents (spec §4.5 "Storage"). The
// teacher has no multi-file support at all (torrent.go assumes a
// single output file written sequentially); this is built fresh from
// the metainfo.File layout using the same path-safety validation
// metainfo.Parse already applied to every path component.
type Storage struct {
	root  string
	files []openFile
}

type openFile struct {
	path        string
	startOffset int64 // offset of this file's first byte in the concatenated stream
	length      int64
}

// OpenStorage creates (or reuses) the output layout under root for m,
// creating parent directories for multi-file torrents as needed.
func OpenStorage(root string, m *metainfo.Metadata) (*Storage, error) {
	s := &Storage{root: root}
	var offset int64
	if m.IsSingleFile() {
		path := filepath.Join(root, m.Name)
		if err := ensureSized(path, m.TotalLength); err != nil {
			return nil, err
		}
		s.files = append(s.files, openFile{path: path, startOffset: 0, length: m.TotalLength})
		return s, nil
	}
	base := filepath.Join(root, m.Name)
	for _, f := range m.Files {
		comps := append([]string{base}, f.PathComponents...)
		path := filepath.Join(comps...)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.IO, err, "creating torrent output directory")
		}
		if err := ensureSized(path, f.Length); err != nil {
			return nil, err
		}
		s.files = append(s.files, openFile{path: path, startOffset: offset, length: f.Length})
		offset += f.Length
	}
	return s, nil
}

func ensureSized(path string, length int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.IO, err, "creating torrent output file")
	}
	defer f.Close()
	if length > 0 {
		if err := f.Truncate(length); err != nil {
			return xerrors.Wrap(xerrors.IO, err, "preallocating torrent output file")
		}
	}
	return nil
}

// WritePiece writes a verified piece's bytes at its global stream
// offset, splitting the write across every file it spans.
func (s *Storage) WritePiece(streamOffset int64, data []byte) error {
	dataEnd := streamOffset + int64(len(data))
	for _, of := range s.files {
		fileEnd := of.startOffset + of.length
		overlapStart := maxInt64(streamOffset, of.startOffset)
		overlapEnd := minInt64(dataEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}
		chunk := data[overlapStart-streamOffset : overlapEnd-streamOffset]
		localOffset := overlapStart - of.startOffset
		if err := writeAt(of.path, localOffset, chunk); err != nil {
			return err
		}
	}
	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func writeAt(path string, offset int64, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.IO, err, "opening torrent output file for write")
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil && err != io.EOF {
		return xerrors.Wrap(xerrors.IO, err, "writing piece bytes")
	}
	return nil
}
