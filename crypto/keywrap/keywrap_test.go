// keywrap_test.go - keywrap tests.
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

package keywrap

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapUnwrap(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	priv, err := rsa.GenerateKey(rand.Reader, MinModulusBits)
	require.NoError(err, "rsa.GenerateKey()")

	sessionKey, err := NewSessionKey()
	require.NoError(err, "NewSessionKey()")
	require.Len(sessionKey, SessionKeyLength)

	wrapped, err := Wrap(&priv.PublicKey, sessionKey)
	require.NoError(err, "Wrap()")
	require.Len(wrapped, priv.Size(), "Wrap() ciphertext length")

	unwrapped, err := Unwrap(priv, wrapped)
	require.NoError(err, "Unwrap()")
	require.Equal(sessionKey, unwrapped)
}

func TestParsePublicKey(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	priv, err := rsa.GenerateKey(rand.Reader, MinModulusBits)
	require.NoError(err, "rsa.GenerateKey()")

	der := x509.MarshalPKCS1PublicKey(&priv.PublicKey)

	// The wire field is fixed width and zero padded past the DER.
	padded := make([]byte, len(der)+20)
	copy(padded, der)

	pub, err := ParsePublicKey(padded)
	require.NoError(err, "ParsePublicKey()")
	require.Zero(pub.N.Cmp(priv.PublicKey.N), "round-tripped modulus")

	_, err = ParsePublicKey([]byte{0xde, 0xad, 0xbe, 0xef})
	require.Equal(ErrInvalidPublicKey, err, "garbage key bytes")

	_, err = ParsePublicKey(nil)
	require.Equal(ErrInvalidPublicKey, err, "empty key bytes")
}

func TestCBCRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	sessionKey, err := NewSessionKey()
	require.NoError(err, "NewSessionKey()")

	// Deliberately not a multiple of the block size.
	plaintext := make([]byte, 1000)
	_, err = rand.Read(plaintext)
	require.NoError(err)

	ct, err := EncryptCBC(sessionKey, plaintext)
	require.NoError(err, "EncryptCBC()")
	require.Zero(len(ct)%16, "ciphertext block alignment")

	pt, err := DecryptCBC(sessionKey, ct)
	require.NoError(err, "DecryptCBC()")
	require.Equal(plaintext, pt[:len(plaintext)])
}

func TestCBCErrors(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := DecryptCBC(nil, make([]byte, 16))
	require.Equal(ErrNoSessionKey, err, "decrypt with no session key")

	sessionKey, err := NewSessionKey()
	require.NoError(err)

	_, err = DecryptCBC(sessionKey, make([]byte, 17))
	require.Equal(ErrInvalidCiphertext, err, "ragged ciphertext")
}
