// log_test.go - log backend tests.
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

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRotateFile(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "test.log")
	b, err := New(f, "DEBUG", false)
	require.NoError(err, "New()")

	l := b.GetLogger("rotate_file_test")
	l.Notice("before rotation")
	require.NoError(b.Rotate(), "Rotate()")
	l.Notice("after rotation")

	fi, err := os.Stat(f)
	require.NoError(err, "Stat()")
	require.NotZero(fi.Size(), "log file has contents")
}

func TestRotateStdout(t *testing.T) {
	require := require.New(t)

	// There is no file to reopen, and os.Stdout must be left alone.
	b, err := New("", "NOTICE", false)
	require.NoError(err, "New()")
	require.NoError(b.Rotate(), "Rotate() with stdout sink")
	require.Same(os.Stdout, b.w, "stdout sink is untouched")

	b, err = New("", "NOTICE", true)
	require.NoError(err, "New() disabled")
	require.NoError(b.Rotate(), "Rotate() with disabled sink")
}
