// Package resume persists per-torrent verified-piece bitfields across
// restarts, so a session does not re-download pieces already on disk.
// Backed by go.etcd.io/bbolt, using its standard single-bucket
// key/value usage pattern (Update/View around a *bolt.Tx).
package resume

import (
	bolt "go.etcd.io/bbolt"

	"github.com/relaylabs/gorent/xerrors"
)

var bucketName = []byte("bitfields")

// Store is a bbolt-backed key/value store mapping an info-hash hex
// string to its last-known verified-piece bitfield.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the resume database at path, ensuring the
// bitfields bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IO, err, "opening resume database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.IO, err, "creating resume bucket")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes bitfield under infoHashHex, overwriting any prior value.
func (s *Store) Save(infoHashHex string, bitfield []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		cp := make([]byte, len(bitfield))
		copy(cp, bitfield)
		return b.Put([]byte(infoHashHex), cp)
	})
	if err != nil {
		return xerrors.Wrap(xerrors.IO, err, "saving resume state")
	}
	return nil
}

// Load returns the saved bitfield for infoHashHex, if any. The second
// return value is false when no entry exists.
func (s *Store) Load(infoHashHex string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get([]byte(infoHashHex))
		if v == nil {
			return nil
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.IO, err, "loading resume state")
	}
	return out, out != nil, nil
}

// Delete removes infoHashHex's saved state, e.g. once a torrent
// completes and resume tracking is no longer needed.
func (s *Store) Delete(infoHashHex string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(infoHashHex))
	})
	if err != nil {
		return xerrors.Wrap(xerrors.IO, err, "deleting resume state")
	}
	return nil
}
