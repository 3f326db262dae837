// keywrap.go - Session key generation, wrapping and payload cipher.
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

// Package keywrap implements the protocol's hybrid key handling: RSA
// public keys submitted by clients as PKCS#1 DER in a fixed zero-padded
// field, ephemeral AES-256 session keys wrapped under the client key
// with RSA-OAEP(SHA-256), and the AES-CBC payload cipher used for file
// content.
package keywrap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"io"
)

const (
	// SessionKeyLength is the length of a symmetric session key in bytes.
	SessionKeyLength = 32

	// MinModulusBits is the smallest accepted RSA modulus.
	MinModulusBits = 1024

	// MaxModulusBits is the largest accepted RSA modulus.
	MaxModulusBits = 4096
)

var (
	// ErrInvalidPublicKey is the error returned when a client submitted
	// public key fails to parse or has an unacceptable modulus.
	ErrInvalidPublicKey = errors.New("keywrap: invalid public key")

	// ErrNoSessionKey is the error returned when a payload decrypt is
	// attempted for a client that has no current session key.
	ErrNoSessionKey = errors.New("keywrap: no session key")

	// ErrInvalidCiphertext is the error returned when a ciphertext is
	// not a whole number of cipher blocks.
	ErrInvalidCiphertext = errors.New("keywrap: ciphertext is not block aligned")
)

// ParsePublicKey parses a PKCS#1 DER encoded RSA public key out of a
// fixed-width field.  Bytes past the end of the DER structure are
// padding and are ignored.
func ParsePublicKey(raw []byte) (*rsa.PublicKey, error) {
	derLen, err := derStructLength(raw)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	pub, err := x509.ParsePKCS1PublicKey(raw[:derLen])
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	if bits := pub.N.BitLen(); bits < MinModulusBits || bits > MaxModulusBits {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}

// derStructLength returns the total encoded length of the DER SEQUENCE
// at the start of b.
func derStructLength(b []byte) (int, error) {
	if len(b) < 2 || b[0] != 0x30 {
		return 0, errors.New("keywrap: not a DER SEQUENCE")
	}
	l := int(b[1])
	hdr := 2
	if l&0x80 != 0 {
		n := l & 0x7f
		if n == 0 || n > 4 || len(b) < 2+n {
			return 0, errors.New("keywrap: malformed DER length")
		}
		l = 0
		for i := 0; i < n; i++ {
			l = l<<8 | int(b[2+i])
		}
		hdr = 2 + n
	}
	if l < 0 || hdr+l > len(b) {
		return 0, errors.New("keywrap: DER length exceeds buffer")
	}
	return hdr + l, nil
}

// NewSessionKey generates a fresh symmetric session key.
func NewSessionKey() ([]byte, error) {
	k := make([]byte, SessionKeyLength)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, err
	}
	return k, nil
}

// Wrap encrypts the session key under the client's public key with
// RSA-OAEP(SHA-256).
func Wrap(pub *rsa.PublicKey, sessionKey []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
}

// Unwrap recovers a wrapped session key.  Only clients do this; it is
// provided for tests and diagnostic tooling.
func Unwrap(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
}

// EncryptCBC encrypts plaintext with AES-CBC under sessionKey, using an
// all zero IV.  The plaintext is zero padded up to a whole number of
// blocks; the protocol carries the true length out of band.
func EncryptCBC(sessionKey, plaintext []byte) ([]byte, error) {
	block, err := newBlockCipher(sessionKey)
	if err != nil {
		return nil, err
	}

	padded := plaintext
	if r := len(plaintext) % aes.BlockSize; r != 0 {
		padded = make([]byte, len(plaintext)+aes.BlockSize-r)
		copy(padded, plaintext)
	}

	iv := make([]byte, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return ct, nil
}

// DecryptCBC decrypts ciphertext with AES-CBC under sessionKey, using
// an all zero IV.  Callers truncate the result to the declared
// plaintext length.
func DecryptCBC(sessionKey, ciphertext []byte) ([]byte, error) {
	block, err := newBlockCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	iv := make([]byte, aes.BlockSize)
	pt := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ciphertext)
	return pt, nil
}

func newBlockCipher(sessionKey []byte) (cipher.Block, error) {
	if len(sessionKey) != SessionKeyLength {
		return nil, ErrNoSessionKey
	}
	return aes.NewCipher(sessionKey)
}
