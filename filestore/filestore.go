// filestore.go - BoltDB backed stored file table and blob storage.
// Copyright (C) 2024  The arkivd authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package filestore persists uploaded files: decrypted blobs on the
// filesystem, and a boltdb table of per-file records (owner, path,
// size, checksum, verified flag).
package filestore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/arkivd/arkivd/clientdb"
	"github.com/arkivd/arkivd/internal/safename"
)

const filesBucket = "files"

var (
	// ErrNoSuchFile is the error returned when no record exists for an
	// (owner, filename) pair.
	ErrNoSuchFile = errors.New("filestore: no such file")

	// ErrInvalidFileName is the error returned when a filename fails
	// the storage safety validation.
	ErrInvalidFileName = errors.New("filestore: invalid filename")
)

// Record is a stored file's table entry.
type Record struct {
	Owner    clientdb.ID
	FileName string
	Path     string
	Size     uint32
	Checksum uint32
	Verified bool
	ModTime  time.Time
}

// boltFile is the on-disk record encoding.
type boltFile struct {
	Path     string
	Size     uint32
	Checksum uint32
	Verified bool
	ModTime  int64
}

// Store is the stored file table.
type Store struct {
	db   *bolt.DB
	root string
}

// Put writes the decrypted blob to storage and persists a not-verified
// record for it, replacing any previous blob and record for the same
// (owner, filename).
func (s *Store) Put(owner clientdb.ID, fileName string, content []byte, checksum uint32) (*Record, error) {
	if !safename.IsValidFilename(fileName) {
		return nil, ErrInvalidFileName
	}

	dir := filepath.Join(s.root, hex.EncodeToString(owner[:]))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, content, 0600); err != nil {
		return nil, err
	}

	rec := &Record{
		Owner:    owner,
		FileName: fileName,
		Path:     path,
		Size:     uint32(len(content)),
		Checksum: checksum,
		Verified: false,
		ModTime:  time.Now(),
	}
	if err := s.putRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the record for (owner, fileName).
func (s *Store) Get(owner clientdb.ID, fileName string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(filesBucket))
		raw := bkt.Get(recordKey(owner, fileName))
		if raw == nil {
			return ErrNoSuchFile
		}
		var err error
		rec, err = decodeRecord(owner, fileName, raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SetVerified marks the record verified.  Marking an already verified
// record is a no-op.
func (s *Store) SetVerified(owner clientdb.ID, fileName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(filesBucket))
		key := recordKey(owner, fileName)
		raw := bkt.Get(key)
		if raw == nil {
			return ErrNoSuchFile
		}
		rec, err := decodeRecord(owner, fileName, raw)
		if err != nil {
			return err
		}
		if rec.Verified {
			return nil
		}
		rec.Verified = true
		rec.ModTime = time.Now()
		enc, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		return bkt.Put(key, enc)
	})
}

// Discard removes the stored blob for (owner, fileName) and leaves the
// record not-verified.  A missing blob is reported via blobRemoved but
// is not an error.
func (s *Store) Discard(owner clientdb.ID, fileName string) (blobRemoved bool, err error) {
	rec, err := s.Get(owner, fileName)
	if err != nil {
		return false, err
	}

	switch err := os.Remove(rec.Path); {
	case err == nil:
		blobRemoved = true
	case os.IsNotExist(err):
		blobRemoved = false
	default:
		return false, err
	}

	rec.Verified = false
	rec.ModTime = time.Now()
	return blobRemoved, s.putRecord(rec)
}

// ForOwner returns every record owned by the given client.
func (s *Store) ForOwner(owner clientdb.ID) ([]*Record, error) {
	var recs []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(filesBucket)).Cursor()
		prefix := owner[:]
		for k, v := c.Seek(prefix); k != nil && len(k) > clientdb.IDLength && string(k[:clientdb.IDLength]) == string(prefix); k, v = c.Next() {
			rec, err := decodeRecord(owner, string(k[clientdb.IDLength:]), v)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Close syncs and closes the table.
func (s *Store) Close() {
	s.db.Sync()
	s.db.Close()
}

func (s *Store) putRecord(rec *Record) error {
	enc, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(filesBucket))
		return bkt.Put(recordKey(rec.Owner, rec.FileName), enc)
	})
}

// recordKey builds the bucket key.  Filenames cannot contain NUL so the
// fixed-length identity prefix keeps keys unambiguous.
func recordKey(owner clientdb.ID, fileName string) []byte {
	return append(append([]byte{}, owner[:]...), fileName...)
}

func encodeRecord(rec *Record) ([]byte, error) {
	return cbor.Marshal(&boltFile{
		Path:     rec.Path,
		Size:     rec.Size,
		Checksum: rec.Checksum,
		Verified: rec.Verified,
		ModTime:  rec.ModTime.Unix(),
	})
}

func decodeRecord(owner clientdb.ID, fileName string, raw []byte) (*Record, error) {
	ent := new(boltFile)
	if err := cbor.Unmarshal(raw, ent); err != nil {
		return nil, fmt.Errorf("filestore: corrupted record for %q: %v", fileName, err)
	}
	return &Record{
		Owner:    owner,
		FileName: fileName,
		Path:     ent.Path,
		Size:     ent.Size,
		Checksum: ent.Checksum,
		Verified: ent.Verified,
		ModTime:  time.Unix(ent.ModTime, 0),
	}, nil
}

// New creates (or loads) a file store with table file f and blob
// directory root.
func New(f, root string) (*Store, error) {
	const (
		metadataBucket = "metadata"
		versionKey     = "version"
	)

	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}

	s := new(Store)
	s.root = root

	var err error
	s.db, err = bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(filesBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("filestore: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		s.db.Close()
		return nil, err
	}

	return s, nil
}
