// SPDX-FileCopyrightText: Copyright (C) 2024  The arkivd authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the backup protocol's binary framing and the
// request/response command serialization.
//
// Requests and responses share a little-endian, length-prefixed
// envelope.  A request frame is:
//
//	client_id[16] | code u16 | payload_len u32 | payload
//
// and a response frame is:
//
//	code u16 | payload_len u32 | payload
//
// Fixed-width string fields are null padded; the logical value runs up
// to the first zero byte, or the full width when no terminator is
// present.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

const (
	// ClientIDLength is the length of a client identity in bytes.
	ClientIDLength = 16

	// NameFieldLength is the wire width of a client name field.
	NameFieldLength = 255

	// FileNameFieldLength is the wire width of a filename field.
	FileNameFieldLength = 255

	// PublicKeyFieldLength is the wire width of the public key field
	// (PKCS#1 DER, zero padded).
	PublicKeyFieldLength = 160

	// MaxNameLength is the maximum accepted logical length of a client
	// name.
	MaxNameLength = 100

	// MaxFileNameLength is the maximum accepted logical length of a
	// filename.
	MaxFileNameLength = 200

	// MaxPayloadLength is the maximum accepted frame payload length.
	MaxPayloadLength = 1 << 20

	requestHeaderLength  = ClientIDLength + 2 + 4
	responseHeaderLength = 2 + 4
)

var (
	// ErrMaxLength is the error returned when a frame declares a payload
	// exceeding MaxPayloadLength.  This is a framing failure; the
	// connection cannot be resynchronized and must be torn down.
	ErrMaxLength = errors.New("wire: declared payload length exceeds maximum")

	// ErrInvalidCommand is the error returned when a frame was consumed
	// intact but its code or payload layout is invalid.  The connection
	// remains usable.
	ErrInvalidCommand = errors.New("wire: invalid protocol command")

	// ErrInvalidString is the error returned when a fixed-width string
	// field holds an over-long or non-UTF-8 value.
	ErrInvalidString = errors.New("wire: invalid string field")
)

// ParseString extracts the logical value from a null-padded fixed-width
// string field.  Bytes after the first zero byte are ignored.
func ParseString(field []byte, maxLen int) (string, error) {
	logical := field
	for i, b := range field {
		if b == 0 {
			logical = field[:i]
			break
		}
	}
	if len(logical) > maxLen || !utf8.Valid(logical) {
		return "", ErrInvalidString
	}
	return string(logical), nil
}

// PutString writes s into the fixed-width field dst, zeroing the
// remainder.
func PutString(dst []byte, s string) error {
	if len(s) > len(dst) {
		return ErrInvalidString
	}
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

// ReadRequest reads one request frame and decodes its payload.  An
// ErrInvalidCommand return means the frame was consumed in full and the
// connection may continue; any other error is fatal to the connection.
func ReadRequest(r io.Reader) (clientID [ClientIDLength]byte, cmd Command, err error) {
	var hdr [requestHeaderLength]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return
	}
	copy(clientID[:], hdr[0:ClientIDLength])
	code := binary.LittleEndian.Uint16(hdr[ClientIDLength : ClientIDLength+2])
	payloadLen := binary.LittleEndian.Uint32(hdr[ClientIDLength+2:])
	if payloadLen > MaxPayloadLength {
		err = ErrMaxLength
		return
	}

	payload := make([]byte, payloadLen)
	if _, err = io.ReadFull(r, payload); err != nil {
		return
	}

	cmd, err = requestFromBytes(code, payload)
	return
}

// WriteRequest writes one request frame.
func WriteRequest(w io.Writer, clientID *[ClientIDLength]byte, cmd Command) error {
	payload, err := cmd.ToBytes()
	if err != nil {
		return err
	}
	hdr := make([]byte, requestHeaderLength, requestHeaderLength+len(payload))
	copy(hdr[0:ClientIDLength], clientID[:])
	binary.LittleEndian.PutUint16(hdr[ClientIDLength:ClientIDLength+2], cmd.Code())
	binary.LittleEndian.PutUint32(hdr[ClientIDLength+2:], uint32(len(payload)))
	_, err = w.Write(append(hdr, payload...))
	return err
}

// ReadResponse reads one response frame and decodes its payload.
func ReadResponse(r io.Reader) (Command, error) {
	var hdr [responseHeaderLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	code := binary.LittleEndian.Uint16(hdr[0:2])
	payloadLen := binary.LittleEndian.Uint32(hdr[2:])
	if payloadLen > MaxPayloadLength {
		return nil, ErrMaxLength
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return responseFromBytes(code, payload)
}

// WriteResponse writes one response frame.
func WriteResponse(w io.Writer, cmd Command) error {
	payload, err := cmd.ToBytes()
	if err != nil {
		return err
	}
	hdr := make([]byte, responseHeaderLength, responseHeaderLength+len(payload))
	binary.LittleEndian.PutUint16(hdr[0:2], cmd.Code())
	binary.LittleEndian.PutUint32(hdr[2:], uint32(len(payload)))
	_, err = w.Write(append(hdr, payload...))
	return err
}
