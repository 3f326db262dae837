// boltclientdb.go - BoltDB backed client directory.
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

// Package boltclientdb implements the client directory with a simple
// boltdb based backend.
package boltclientdb

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/arkivd/arkivd/clientdb"
	"github.com/arkivd/arkivd/crypto/keywrap"
	"github.com/arkivd/arkivd/internal/safename"
)

const (
	clientsBucket = "clients"
	namesBucket   = "names"
)

// boltClient is the on-disk record encoding.
type boltClient struct {
	Name         string
	PublicKeyDER []byte `cbor:",omitempty"`
	SessionKey   []byte `cbor:",omitempty"`
	LastSeen     int64
}

type boltClientDB struct {
	sync.Mutex

	db *bolt.DB

	// nameCache mirrors the names bucket so that the collision check
	// and the insert can be made atomic under the directory lock.
	nameCache map[string]clientdb.ID
}

func (d *boltClientDB) Register(name string) (*clientdb.Client, error) {
	if !safename.IsValidClientName(name) {
		return nil, clientdb.ErrInvalidName
	}

	d.Lock()
	defer d.Unlock()

	if _, taken := d.nameCache[name]; taken {
		return nil, clientdb.ErrNameCollision
	}

	id, err := d.newID()
	if err != nil {
		return nil, err
	}

	c := &clientdb.Client{
		ID:       id,
		Name:     name,
		LastSeen: time.Now(),
	}
	rec, err := encodeClient(c)
	if err != nil {
		return nil, err
	}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		cBkt := tx.Bucket([]byte(clientsBucket))
		if err := cBkt.Put(id[:], rec); err != nil {
			return err
		}
		nBkt := tx.Bucket([]byte(namesBucket))
		return nBkt.Put([]byte(name), id[:])
	}); err != nil {
		return nil, err
	}

	d.nameCache[name] = id
	return c, nil
}

func (d *boltClientDB) Get(id clientdb.ID) (*clientdb.Client, error) {
	var c *clientdb.Client
	err := d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(clientsBucket))
		rec := bkt.Get(id[:])
		if rec == nil {
			return clientdb.ErrNoSuchClient
		}
		var err error
		c, err = decodeClient(id, rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *boltClientDB) Update(id clientdb.ID, fn func(*clientdb.Client) error) error {
	// The read-modify-write happens inside a single write transaction,
	// serialized against every other mutation, so fn always sees the
	// latest persisted state regardless of what the caller has cached.
	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(clientsBucket))
		rec := bkt.Get(id[:])
		if rec == nil {
			return clientdb.ErrNoSuchClient
		}
		c, err := decodeClient(id, rec)
		if err != nil {
			return err
		}
		if err = fn(c); err != nil {
			return err
		}
		enc, err := encodeClient(c)
		if err != nil {
			return err
		}
		return bkt.Put(id[:], enc)
	})
}

func (d *boltClientDB) All() ([]*clientdb.Client, error) {
	var clients []*clientdb.Client
	err := d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(clientsBucket))
		return bkt.ForEach(func(k, v []byte) error {
			var id clientdb.ID
			copy(id[:], k)
			c, err := decodeClient(id, v)
			if err != nil {
				return err
			}
			clients = append(clients, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return clients, nil
}

func (d *boltClientDB) Close() {
	d.db.Sync()
	d.db.Close()
}

// newID generates a fresh identity.  The caller holds the directory
// lock, so checking the cacheless clients bucket is not required for
// uniqueness beyond the birthday bound of 16 random bytes.
func (d *boltClientDB) newID() (clientdb.ID, error) {
	var id clientdb.ID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return id, err
	}
	return id, nil
}

func encodeClient(c *clientdb.Client) ([]byte, error) {
	return cbor.Marshal(&boltClient{
		Name:         c.Name,
		PublicKeyDER: c.PublicKeyDER,
		SessionKey:   c.SessionKey,
		LastSeen:     c.LastSeen.Unix(),
	})
}

func decodeClient(id clientdb.ID, rec []byte) (*clientdb.Client, error) {
	ent := new(boltClient)
	if err := cbor.Unmarshal(rec, ent); err != nil {
		return nil, fmt.Errorf("clientdb: corrupted record %x: %v", id[:], err)
	}
	c := &clientdb.Client{
		ID:         id,
		Name:       ent.Name,
		SessionKey: ent.SessionKey,
		LastSeen:   time.Unix(ent.LastSeen, 0),
	}
	if ent.PublicKeyDER != nil {
		pub, err := keywrap.ParsePublicKey(ent.PublicKeyDER)
		if err != nil {
			return nil, fmt.Errorf("clientdb: corrupted public key for %x: %v", id[:], err)
		}
		c.SetPublicKey(ent.PublicKeyDER, pub)
	}
	return c, nil
}

// New creates (or loads) a client directory with the given file name f.
func New(f string) (clientdb.ClientDB, error) {
	const (
		metadataBucket = "metadata"
		versionKey     = "version"
	)

	var err error

	d := new(boltClientDB)
	d.db, err = bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	d.nameCache = make(map[string]clientdb.ID)

	if err = d.db.Update(func(tx *bolt.Tx) error {
		// Ensure that all the buckets exist, and grab the metadata
		// bucket.
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(clientsBucket)); err != nil {
			return err
		}
		nBkt, err := tx.CreateBucketIfNotExists([]byte(namesBucket))
		if err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			// Well it looks like we loaded as opposed to created.
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("clientdb: incompatible version: %d", uint(b[0]))
			}

			// Populate the name cache.
			return nBkt.ForEach(func(k, v []byte) error {
				var id clientdb.ID
				copy(id[:], v)
				d.nameCache[string(k)] = id
				return nil
			})
		}

		// We created a new database, so populate the new `metadata`
		// bucket.
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		d.db.Close()
		return nil, err
	}

	return d, nil
}
