// boltclientdb_test.go - boltclientdb tests.
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

package boltclientdb

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkivd/arkivd/clientdb"
	"github.com/arkivd/arkivd/crypto/keywrap"
)

const testDB = "clients.db"

var (
	testDBPath string

	aliceID clientdb.ID
	testDER []byte
)

func TestBoltClientDB(t *testing.T) {
	testDBPath = filepath.Join(t.TempDir(), testDB)

	priv, err := rsa.GenerateKey(rand.Reader, keywrap.MinModulusBits)
	require.NoError(t, err, "rsa.GenerateKey()")
	testDER = x509.MarshalPKCS1PublicKey(&priv.PublicKey)

	ok := t.Run("create", doTestCreate)
	if !ok {
		t.Errorf("create tests failed, skipping load test")
		return
	}

	t.Run("load", doTestLoad)
}

func doTestCreate(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	d, err := New(testDBPath)
	require.NoError(err, "New()")
	defer d.Close()

	alice, err := d.Register("alice")
	require.NoError(err, "Register(alice)")
	aliceID = alice.ID

	bob, err := d.Register("bob")
	require.NoError(err, "Register(bob)")
	assert.NotEqual(alice.ID, bob.ID, "identities must be unique")

	// Second registration of the same name fails and must not grow the
	// directory.
	_, err = d.Register("alice")
	assert.Equal(clientdb.ErrNameCollision, err, "Register(alice) again")
	all, err := d.All()
	require.NoError(err, "All()")
	assert.Len(all, 2, "directory size after failed registration")

	// Names are validated.
	for _, name := range []string{"", "bad/name", "nul\x00byte"} {
		_, err = d.Register(name)
		assert.Equal(clientdb.ErrInvalidName, err, "Register(%q)", name)
	}

	// Uniqueness is a case-sensitive exact match.
	_, err = d.Register("Alice")
	assert.NoError(err, "Register(Alice)")

	// Mutate and persist alice's record.
	pub, err := keywrap.ParsePublicKey(testDER)
	require.NoError(err, "ParsePublicKey()")
	sessionKey, err := keywrap.NewSessionKey()
	require.NoError(err, "NewSessionKey()")
	require.NoError(d.Update(alice.ID, func(c *clientdb.Client) error {
		c.SetPublicKey(testDER, pub)
		c.SessionKey = sessionKey
		return nil
	}), "Update(alice)")

	_, err = d.Get(clientdb.ID{})
	assert.Equal(clientdb.ErrNoSuchClient, err, "Get(zero identity)")
}

func doTestLoad(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	d, err := New(testDBPath)
	require.NoError(err, "New() load")
	defer d.Close()

	alice, err := d.Get(aliceID)
	require.NoError(err, "Get(alice)")
	assert.Equal("alice", alice.Name)
	assert.Equal(testDER, alice.PublicKeyDER, "public key survives reload")
	assert.NotNil(alice.PublicKey(), "parsed key object is rebuilt on load")
	assert.Len(alice.SessionKey, keywrap.SessionKeyLength, "session key survives reload")

	// The name index must have been rebuilt from the names bucket.
	_, err = d.Register("alice")
	assert.Equal(clientdb.ErrNameCollision, err, "name collision after reload")
}

func TestUpdate(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	d, err := New(filepath.Join(t.TempDir(), testDB))
	require.NoError(err, "New()")
	defer d.Close()

	alice, err := d.Register("alice")
	require.NoError(err, "Register()")

	// Two connections for the same client each hold an independently
	// decoded copy of the record.  One is issued a session key, then the
	// other refreshes last-seen off its stale copy.  Each update applies
	// to a freshly read record, so the key survives the interleave.
	stale, err := d.Get(alice.ID)
	require.NoError(err, "Get()")

	sessionKey, err := keywrap.NewSessionKey()
	require.NoError(err, "NewSessionKey()")
	require.NoError(d.Update(alice.ID, func(c *clientdb.Client) error {
		c.SessionKey = sessionKey
		return nil
	}), "Update(session key)")

	when := time.Unix(1700000000, 0)
	require.NoError(d.Update(stale.ID, func(c *clientdb.Client) error {
		c.LastSeen = when
		return nil
	}), "Update(last-seen)")

	reloaded, err := d.Get(alice.ID)
	require.NoError(err, "Get()")
	assert.Equal(sessionKey, reloaded.SessionKey, "session key survives the interleaved update")
	assert.Equal(when.Unix(), reloaded.LastSeen.Unix(), "last-seen was applied")

	// A failing mutation persists nothing.
	errFailed := errors.New("mutation failed")
	err = d.Update(alice.ID, func(c *clientdb.Client) error {
		c.SessionKey = nil
		return errFailed
	})
	assert.Equal(errFailed, err, "fn error is returned unchanged")
	reloaded, err = d.Get(alice.ID)
	require.NoError(err, "Get()")
	assert.Equal(sessionKey, reloaded.SessionKey, "aborted update must not persist")

	err = d.Update(clientdb.ID{}, func(*clientdb.Client) error { return nil })
	assert.Equal(clientdb.ErrNoSuchClient, err, "Update(zero identity)")
}
