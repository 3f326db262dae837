// safename.go - Storage filename validation.
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

// Package safename validates client supplied names before they are
// allowed anywhere near the filesystem.
package safename

import "strings"

const (
	// MaxFilenameLength is the maximum accepted length of a stored
	// filename, in bytes.  The wire field is wider; anything longer
	// than this is rejected outright rather than truncated.
	MaxFilenameLength = 200

	// MaxClientNameLength is the maximum accepted length of a client
	// display name, in bytes.
	MaxClientNameLength = 100
)

// Names whose extension-stripped upper-cased base matches one of these
// are device files on Windows and refuse to behave like regular files.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true,
	"COM5": true, "COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true,
	"LPT5": true, "LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// IsValidFilename returns true iff name is safe to use as a storage
// filename: non-empty, within length bounds, free of path separators,
// parent references and NULs, drawn from a conservative character set,
// and not an OS reserved device name.
func IsValidFilename(name string) bool {
	if len(name) == 0 || len(name) > MaxFilenameLength {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		if !isAllowedRune(r) {
			return false
		}
	}

	base := name
	if idx := strings.IndexByte(base, '.'); idx >= 0 {
		base = base[:idx]
	}
	return !reservedNames[strings.ToUpper(base)]
}

// IsValidClientName returns true iff name is acceptable as a client
// display name.  The character set matches the filename allow-list;
// names never touch the filesystem so the path and device checks do
// not apply.
func IsValidClientName(name string) bool {
	if len(name) == 0 || len(name) > MaxClientNameLength {
		return false
	}
	for _, r := range name {
		if !isAllowedRune(r) {
			return false
		}
	}
	return true
}

func isAllowedRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
	case r >= 'A' && r <= 'Z':
	case r >= '0' && r <= '9':
	case r == '.' || r == '_' || r == '-' || r == ' ':
	default:
		return false
	}
	return true
}
