// filestore_test.go - filestore tests.
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

package filestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkivd/arkivd/clientdb"
)

func newTestStore(t *testing.T) *Store {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "files.db"), filepath.Join(dir, "store"))
	require.NoError(t, err, "New()")
	t.Cleanup(s.Close)
	return s
}

func TestPutGetVerify(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	s := newTestStore(t)
	owner := clientdb.ID{1, 2, 3}
	content := []byte("backup payload")

	rec, err := s.Put(owner, "report_2024.pdf", content, 0x1234)
	require.NoError(err, "Put()")
	assert.False(rec.Verified, "fresh records are not verified")
	assert.Equal(uint32(len(content)), rec.Size)

	onDisk, err := os.ReadFile(rec.Path)
	require.NoError(err, "blob must exist")
	assert.Equal(content, onDisk)

	require.NoError(s.SetVerified(owner, "report_2024.pdf"), "SetVerified()")
	rec, err = s.Get(owner, "report_2024.pdf")
	require.NoError(err, "Get()")
	assert.True(rec.Verified)

	// Repeated verification is idempotent.
	require.NoError(s.SetVerified(owner, "report_2024.pdf"), "SetVerified() again")
	rec, err = s.Get(owner, "report_2024.pdf")
	require.NoError(err)
	assert.True(rec.Verified)
}

func TestPutRejectsUnsafeNames(t *testing.T) {
	require := require.New(t)

	s := newTestStore(t)
	owner := clientdb.ID{9}

	for _, name := range []string{"", "../../etc/passwd", "a/b", "CON"} {
		_, err := s.Put(owner, name, []byte("x"), 0)
		require.Equal(ErrInvalidFileName, err, "Put(%q)", name)
	}
}

func TestDiscard(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	s := newTestStore(t)
	owner := clientdb.ID{7}

	rec, err := s.Put(owner, "a.bin", []byte("data"), 1)
	require.NoError(err, "Put()")
	require.NoError(s.SetVerified(owner, "a.bin"))

	removed, err := s.Discard(owner, "a.bin")
	require.NoError(err, "Discard()")
	assert.True(removed, "blob removed")
	_, err = os.Stat(rec.Path)
	assert.True(os.IsNotExist(err), "blob gone from disk")

	got, err := s.Get(owner, "a.bin")
	require.NoError(err, "record survives discard")
	assert.False(got.Verified, "record left not-verified")

	// Discarding again finds no blob, which is not an error.
	removed, err = s.Discard(owner, "a.bin")
	require.NoError(err, "Discard() with no backing file")
	assert.False(removed)

	_, err = s.Discard(owner, "never-stored.bin")
	assert.Equal(ErrNoSuchFile, err, "Discard() with no record")
}

func TestForOwner(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	s := newTestStore(t)
	owner := clientdb.ID{5}
	other := clientdb.ID{6}

	_, err := s.Put(owner, "one.txt", []byte("1"), 1)
	require.NoError(err)
	_, err = s.Put(owner, "two.txt", []byte("22"), 2)
	require.NoError(err)
	_, err = s.Put(other, "three.txt", []byte("333"), 3)
	require.NoError(err)

	recs, err := s.ForOwner(owner)
	require.NoError(err, "ForOwner()")
	assert.Len(recs, 2)
	for _, rec := range recs {
		assert.Equal(owner, rec.Owner)
	}
}
