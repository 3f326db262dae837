// safename_test.go - safename tests.
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

package safename

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidFilename(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	valid := []string{
		"report_2024.pdf",
		"a",
		"backup 01.tar",
		"photo-set.v2.jpg",
		"CONSOLE.txt", // Not a reserved name, merely prefixed by one.
	}
	for _, name := range valid {
		assert.True(IsValidFilename(name), "IsValidFilename(%q)", name)
	}

	invalid := []string{
		"",
		"../../etc/passwd",
		"a/b",
		"a\\b",
		"CON",
		"con.txt",
		"LPT1.log",
		"nul",
		"evil\x00.txt",
		"dotdot..txt",
		"tab\tname",
		"unié.txt",
		strings.Repeat("x", MaxFilenameLength+1),
	}
	for _, name := range invalid {
		assert.False(IsValidFilename(name), "IsValidFilename(%q)", name)
	}

	assert.True(IsValidFilename(strings.Repeat("x", MaxFilenameLength)), "max length name")
}

func TestIsValidClientName(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	valid := []string{
		"alice",
		"backup-host.example.com",
		"Bob Laptop 2",
		strings.Repeat("x", MaxClientNameLength),
	}
	for _, name := range valid {
		assert.True(IsValidClientName(name), "IsValidClientName(%q)", name)
	}

	invalid := []string{
		"",
		"no/slashes",
		"bad\x00name",
		"unié",
		strings.Repeat("x", MaxClientNameLength+1),
	}
	for _, name := range invalid {
		assert.False(IsValidClientName(name), "IsValidClientName(%q)", name)
	}
}
