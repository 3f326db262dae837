// keyex.go - Session key issuance.
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

// Package keyex manages the per-client session key lifecycle: public
// key submission and reconnect both mint a fresh symmetric key, wrap it
// under the client's RSA key, and persist the updated record.
package keyex

import (
	"errors"

	"github.com/arkivd/arkivd/clientdb"
	"github.com/arkivd/arkivd/crypto/keywrap"
)

var (
	// ErrNameMismatch is the error returned when the payload-carried
	// name does not match the record resolved from the request header.
	ErrNameMismatch = errors.New("keyex: payload name does not match client record")

	// ErrNoPublicKey is the error returned when a reconnecting client
	// has no public key on file.
	ErrNoPublicKey = errors.New("keyex: no public key on file")
)

// Manager issues session keys against the client directory.
type Manager struct {
	clients clientdb.ClientDB
}

// New creates a Manager.
func New(clients clientdb.ClientDB) *Manager {
	return &Manager{clients: clients}
}

// SubmitPublicKey records the client's public key, mints a fresh
// session key and returns it wrapped under the submitted key.  The
// updated record is persisted before the wrapped key is returned.
func (m *Manager) SubmitPublicKey(c *clientdb.Client, name string, rawKey []byte) ([]byte, error) {
	if name != c.Name {
		return nil, ErrNameMismatch
	}

	pub, err := keywrap.ParsePublicKey(rawKey)
	if err != nil {
		return nil, err
	}

	sessionKey, err := keywrap.NewSessionKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := keywrap.Wrap(pub, sessionKey)
	if err != nil {
		return nil, err
	}

	c.SetPublicKey(rawKey, pub)
	c.SessionKey = sessionKey
	err = m.clients.Update(c.ID, func(rec *clientdb.Client) error {
		rec.SetPublicKey(rawKey, pub)
		rec.SessionKey = sessionKey
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}

// Reconnect mints a fresh session key for a returning client and
// returns it wrapped under the public key already on file.
func (m *Manager) Reconnect(c *clientdb.Client, name string) ([]byte, error) {
	if name != c.Name {
		return nil, ErrNameMismatch
	}
	pub := c.PublicKey()
	if pub == nil {
		return nil, ErrNoPublicKey
	}

	sessionKey, err := keywrap.NewSessionKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := keywrap.Wrap(pub, sessionKey)
	if err != nil {
		return nil, err
	}

	c.SessionKey = sessionKey
	err = m.clients.Update(c.ID, func(rec *clientdb.Client) error {
		rec.SessionKey = sessionKey
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}
