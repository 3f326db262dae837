// keyex_test.go - keyex tests.
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

package keyex

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkivd/arkivd/clientdb"
	"github.com/arkivd/arkivd/clientdb/boltclientdb"
	"github.com/arkivd/arkivd/crypto/keywrap"
)

func newTestManager(t *testing.T) (*Manager, clientdb.ClientDB) {
	d, err := boltclientdb.New(filepath.Join(t.TempDir(), "clients.db"))
	require.NoError(t, err, "boltclientdb.New()")
	t.Cleanup(d.Close)
	return New(d), d
}

func TestSubmitPublicKey(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	m, d := newTestManager(t)
	alice, err := d.Register("alice")
	require.NoError(err, "Register()")

	priv, err := rsa.GenerateKey(rand.Reader, keywrap.MinModulusBits)
	require.NoError(err, "rsa.GenerateKey()")
	der := x509.MarshalPKCS1PublicKey(&priv.PublicKey)

	wrapped, err := m.SubmitPublicKey(alice, "alice", der)
	require.NoError(err, "SubmitPublicKey()")

	sessionKey, err := keywrap.Unwrap(priv, wrapped)
	require.NoError(err, "Unwrap()")
	assert.Equal(alice.SessionKey, sessionKey, "client can recover the session key")

	// The record was persisted.
	reloaded, err := d.Get(alice.ID)
	require.NoError(err, "Get()")
	assert.Equal(sessionKey, reloaded.SessionKey)
	assert.NotNil(reloaded.PublicKey())

	// Name mismatch is rejected.
	_, err = m.SubmitPublicKey(alice, "mallory", der)
	assert.Equal(ErrNameMismatch, err)

	// Garbage keys are rejected.
	_, err = m.SubmitPublicKey(alice, "alice", []byte{1, 2, 3})
	assert.Equal(keywrap.ErrInvalidPublicKey, err)
}

func TestReconnect(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	m, d := newTestManager(t)
	alice, err := d.Register("alice")
	require.NoError(err, "Register()")

	// Reconnect before any key submission fails.
	_, err = m.Reconnect(alice, "alice")
	assert.Equal(ErrNoPublicKey, err)

	priv, err := rsa.GenerateKey(rand.Reader, keywrap.MinModulusBits)
	require.NoError(err)
	der := x509.MarshalPKCS1PublicKey(&priv.PublicKey)
	_, err = m.SubmitPublicKey(alice, "alice", der)
	require.NoError(err, "SubmitPublicKey()")
	firstKey := append([]byte{}, alice.SessionKey...)

	wrapped, err := m.Reconnect(alice, "alice")
	require.NoError(err, "Reconnect()")
	sessionKey, err := keywrap.Unwrap(priv, wrapped)
	require.NoError(err, "Unwrap()")
	assert.Equal(alice.SessionKey, sessionKey)
	assert.NotEqual(firstKey, sessionKey, "reconnect regenerates the session key")

	_, err = m.Reconnect(alice, "bob")
	assert.Equal(ErrNameMismatch, err)
}
