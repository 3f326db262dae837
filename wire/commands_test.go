// SPDX-FileCopyrightText: Copyright (C) 2024  The arkivd authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Tests for backup protocol commands.
package wire

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var testClientID = [ClientIDLength]byte{0: 0xca, 1: 0xfe, 15: 0x01}

func roundTripRequest(t *testing.T, cmd Command) Command {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteRequest(&buf, &testClientID, cmd), "WriteRequest()")

	clientID, parsed, err := ReadRequest(&buf)
	require.NoError(err, "ReadRequest()")
	require.Equal(testClientID, clientID, "ReadRequest() client identity")
	require.IsType(cmd, parsed, "ReadRequest() command type")
	return parsed
}

func TestRegister(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cmd := &Register{Name: "alice"}
	parsed := roundTripRequest(t, cmd).(*Register)
	require.Equal(cmd.Name, parsed.Name)
}

func TestSubmitPublicKey(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cmd := &SubmitPublicKey{Name: "bob", PublicKey: []byte{0x30, 0x03, 0x02, 0x01, 0x00}}
	parsed := roundTripRequest(t, cmd).(*SubmitPublicKey)
	require.Equal(cmd.Name, parsed.Name)
	require.Len(parsed.PublicKey, PublicKeyFieldLength, "public key field is fixed width")
	require.Equal(cmd.PublicKey, parsed.PublicKey[:len(cmd.PublicKey)])
}

func TestReconnect(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cmd := &Reconnect{Name: "alice"}
	parsed := roundTripRequest(t, cmd).(*Reconnect)
	require.Equal(cmd.Name, parsed.Name)
}

func TestSendFilePacket(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cmd := &SendFilePacket{
		OriginalSize: 12345,
		PacketNumber: 2,
		TotalPackets: 7,
		FileName:     "report_2024.pdf",
		Content:      bytes.Repeat([]byte{0xa5}, 4096),
	}
	parsed := roundTripRequest(t, cmd).(*SendFilePacket)
	require.Equal(cmd.OriginalSize, parsed.OriginalSize)
	require.Equal(cmd.PacketNumber, parsed.PacketNumber)
	require.Equal(cmd.TotalPackets, parsed.TotalPackets)
	require.Equal(cmd.FileName, parsed.FileName)
	require.Equal(cmd.Content, parsed.Content)
}

func TestConfirms(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	okParsed := roundTripRequest(t, &ConfirmOK{FileName: "a.bin"}).(*ConfirmOK)
	require.Equal("a.bin", okParsed.FileName)

	retryParsed := roundTripRequest(t, &ConfirmInvalidRetry{FileName: "b.bin"}).(*ConfirmInvalidRetry)
	require.Equal("b.bin", retryParsed.FileName)

	abortParsed := roundTripRequest(t, &ConfirmAbort{FileName: "c.bin"}).(*ConfirmAbort)
	require.Equal("c.bin", abortParsed.FileName)
}

func TestResponses(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cmds := []Command{
		&RegisterOK{ClientID: testClientID},
		&RegisterFail{},
		&KeyExchangeAck{ClientID: testClientID, WrappedKey: bytes.Repeat([]byte{1}, 128)},
		&FileChecksumReport{ClientID: testClientID, ContentSize: 99, FileName: "x.dat", Checksum: 0xdeadbeef},
		&Ack{ClientID: testClientID},
		&ReconnectAck{ClientID: testClientID, WrappedKey: bytes.Repeat([]byte{2}, 128)},
		&ReconnectFail{ClientID: testClientID},
		&ServerError{},
	}
	for _, cmd := range cmds {
		var buf bytes.Buffer
		require.NoError(WriteResponse(&buf, cmd), "WriteResponse(%T)", cmd)

		parsed, err := ReadResponse(&buf)
		require.NoError(err, "ReadResponse(%T)", cmd)
		require.Equal(cmd, parsed, "ReadResponse(%T) round trip", cmd)
	}
}

func TestParseString(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	field := make([]byte, NameFieldLength)
	require.NoError(PutString(field, "alice"))

	// Bytes past the terminator must be ignored.
	field[200] = 0xff
	s, err := ParseString(field, MaxNameLength)
	require.NoError(err, "ParseString()")
	require.Equal("alice", s)

	// A field with no terminator uses the full width, which exceeds the
	// maximum actual length here.
	full := bytes.Repeat([]byte{'x'}, NameFieldLength)
	_, err = ParseString(full, MaxNameLength)
	require.Equal(ErrInvalidString, err, "over-long value must not be truncated")

	// Not valid UTF-8.
	bad := make([]byte, NameFieldLength)
	bad[0] = 0xff
	bad[1] = 0xfe
	_, err = ParseString(bad, MaxNameLength)
	require.Equal(ErrInvalidString, err, "non-UTF-8 value")

	// Round trip at exactly the maximum actual length.
	require.NoError(PutString(field, strings.Repeat("y", MaxNameLength)))
	s, err = ParseString(field, MaxNameLength)
	require.NoError(err)
	require.Equal(strings.Repeat("y", MaxNameLength), s)
}

func TestFramingErrors(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Declared payload length over the cap is fatal.
	hdr := make([]byte, ClientIDLength+2+4)
	binary.LittleEndian.PutUint16(hdr[ClientIDLength:], CodeRegister)
	binary.LittleEndian.PutUint32(hdr[ClientIDLength+2:], MaxPayloadLength+1)
	_, _, err := ReadRequest(bytes.NewReader(hdr))
	require.Equal(ErrMaxLength, err, "oversize frame")

	// An unknown code is consumed and reported as an invalid command.
	binary.LittleEndian.PutUint16(hdr[ClientIDLength:], 9999)
	binary.LittleEndian.PutUint32(hdr[ClientIDLength+2:], 0)
	_, _, err = ReadRequest(bytes.NewReader(hdr))
	require.Equal(ErrInvalidCommand, err, "unknown code")

	// A known code with the wrong payload size is an invalid command.
	binary.LittleEndian.PutUint16(hdr[ClientIDLength:], CodeRegister)
	binary.LittleEndian.PutUint32(hdr[ClientIDLength+2:], 3)
	frame := append(append([]byte{}, hdr...), 1, 2, 3)
	_, _, err = ReadRequest(bytes.NewReader(frame))
	require.Equal(ErrInvalidCommand, err, "wrong payload size")

	// A truncated frame is fatal.
	binary.LittleEndian.PutUint32(hdr[ClientIDLength+2:], 10)
	_, _, err = ReadRequest(bytes.NewReader(hdr))
	require.Error(err, "truncated frame")
	require.NotEqual(ErrInvalidCommand, err, "truncated frame must be fatal")
}

func TestSendFilePacketSizeMismatch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cmd := &SendFilePacket{FileName: "x", Content: []byte{1, 2, 3, 4}}
	payload, err := cmd.ToBytes()
	require.NoError(err)

	// Corrupt the declared encrypted size.
	binary.LittleEndian.PutUint32(payload[0:4], 5)
	_, err = requestFromBytes(CodeSendFilePacket, payload)
	require.Equal(ErrInvalidCommand, err, "declared size mismatch")
}
