// clientdb.go - Client directory interface.
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

// Package clientdb defines the client directory interface: the
// persistent table of registered backup clients, indexed by identity
// and by unique display name.
package clientdb

import (
	"crypto/rsa"
	"errors"
	"time"
)

// IDLength is the length of a client identity in bytes.
const IDLength = 16

// ID is a server-issued globally unique client identity.
type ID [IDLength]byte

var (
	// ErrNoSuchClient is the error returned when an identity does not
	// resolve to a registered client.
	ErrNoSuchClient = errors.New("clientdb: no such client")

	// ErrNameCollision is the error returned when registering a name
	// that is already taken.
	ErrNameCollision = errors.New("clientdb: name already registered")

	// ErrInvalidName is the error returned when a name fails
	// validation.
	ErrInvalidName = errors.New("clientdb: invalid client name")
)

// Client is a registered client's directory record.
type Client struct {
	ID   ID
	Name string

	// PublicKeyDER is the client's RSA public key as submitted (PKCS#1
	// DER), nil until the first key submission.
	PublicKeyDER []byte

	// SessionKey is the current symmetric session key, nil until one
	// has been issued.  Regenerated on every key submission and
	// reconnect.
	SessionKey []byte

	LastSeen time.Time

	publicKey *rsa.PublicKey
}

// SetPublicKey records the client's submitted key bytes together with
// the parsed key object.
func (c *Client) SetPublicKey(der []byte, pub *rsa.PublicKey) {
	c.PublicKeyDER = append([]byte{}, der...)
	c.publicKey = pub
}

// PublicKey returns the parsed public key object, or nil if the client
// has not submitted one.
func (c *Client) PublicKey() *rsa.PublicKey {
	return c.publicKey
}

// ClientDB is the interface provided by all client directory backends.
type ClientDB interface {
	// Register creates, persists and indexes a new client record for
	// the given display name.
	Register(name string) (*Client, error)

	// Get resolves an identity to its client record.
	Get(id ID) (*Client, error)

	// Update applies fn to a freshly read copy of the record identified
	// by id and persists the result.  The read, mutation and write are
	// atomic with respect to every other directory mutation, so
	// concurrent connection workers cannot clobber each other's writes
	// with stale copies.  A non-nil error from fn aborts the update and
	// is returned unchanged.
	Update(id ID, fn func(*Client) error) error

	// All returns every registered client record.
	All() ([]*Client, error)

	// Close closes the database.
	Close()
}
