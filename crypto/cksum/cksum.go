// cksum.go - POSIX cksum CRC implementation.
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

// Package cksum implements the POSIX cksum(1) checksum, a non-reflected
// CRC-32 (polynomial 0x04C11DB7) over the data followed by the data
// length in little-endian octets, complemented.  This is NOT the IEEE
// CRC-32 provided by hash/crc32, which is reflected and uses a
// different initial/final convention; the two are not interchangeable.
package cksum

var crcTable [256]uint32

func init() {
	const poly = 0x04C11DB7
	for i := range crcTable {
		c := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if c&0x80000000 != 0 {
				c = c<<1 ^ poly
			} else {
				c <<= 1
			}
		}
		crcTable[i] = c
	}
}

func update(crc uint32, b byte) uint32 {
	return crc<<8 ^ crcTable[byte(crc>>24)^b]
}

// Sum returns the POSIX cksum of b.
func Sum(b []byte) uint32 {
	var crc uint32
	for _, c := range b {
		crc = update(crc, c)
	}

	// The length is mixed in least significant octet first, using only
	// as many octets as are required to represent it.
	for n := uint64(len(b)); n != 0; n >>= 8 {
		crc = update(crc, byte(n))
	}

	return ^crc
}
