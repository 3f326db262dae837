// SPDX-FileCopyrightText: Copyright (C) 2024  The arkivd authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Backup protocol commands.
package wire

import (
	"encoding/binary"
)

// Request codes (client to server).
const (
	CodeRegister            = 1025
	CodeSubmitPublicKey     = 1026
	CodeReconnect           = 1027
	CodeSendFilePacket      = 1028
	CodeConfirmOK           = 1029
	CodeConfirmInvalidRetry = 1030
	CodeConfirmAbort        = 1031
)

// Response codes (server to client).
const (
	CodeRegisterOK         = 1600
	CodeRegisterFail       = 1601
	CodeKeyExchangeAck     = 1602
	CodeFileChecksumReport = 1603
	CodeAck                = 1604
	CodeReconnectAck       = 1605
	CodeReconnectFail      = 1606
	CodeServerError        = 1607
)

// Command is the common interface exposed by all protocol command
// structures.
type Command interface {
	// Code returns the command's wire code.
	Code() uint16

	// ToBytes serializes the command payload and returns the resulting
	// slice.
	ToBytes() ([]byte, error)
}

//
// Requests.
//

// Register requests creation of a new client identity.
type Register struct {
	Name string
}

func (c *Register) Code() uint16 { return CodeRegister }

func (c *Register) ToBytes() ([]byte, error) {
	out := make([]byte, NameFieldLength)
	if err := PutString(out, c.Name); err != nil {
		return nil, err
	}
	return out, nil
}

func registerFromBytes(b []byte) (Command, error) {
	if len(b) != NameFieldLength {
		return nil, ErrInvalidCommand
	}
	name, err := ParseString(b, MaxNameLength)
	if err != nil {
		return nil, err
	}
	return &Register{Name: name}, nil
}

// SubmitPublicKey submits a client's RSA public key and requests a
// wrapped session key.
type SubmitPublicKey struct {
	Name      string
	PublicKey []byte
}

func (c *SubmitPublicKey) Code() uint16 { return CodeSubmitPublicKey }

func (c *SubmitPublicKey) ToBytes() ([]byte, error) {
	if len(c.PublicKey) > PublicKeyFieldLength {
		return nil, ErrInvalidCommand
	}
	out := make([]byte, NameFieldLength+PublicKeyFieldLength)
	if err := PutString(out[:NameFieldLength], c.Name); err != nil {
		return nil, err
	}
	copy(out[NameFieldLength:], c.PublicKey)
	return out, nil
}

func submitPublicKeyFromBytes(b []byte) (Command, error) {
	if len(b) != NameFieldLength+PublicKeyFieldLength {
		return nil, ErrInvalidCommand
	}
	name, err := ParseString(b[:NameFieldLength], MaxNameLength)
	if err != nil {
		return nil, err
	}
	c := &SubmitPublicKey{Name: name}
	c.PublicKey = make([]byte, PublicKeyFieldLength)
	copy(c.PublicKey, b[NameFieldLength:])
	return c, nil
}

// Reconnect requests a fresh session key for an already registered
// client with a public key on file.
type Reconnect struct {
	Name string
}

func (c *Reconnect) Code() uint16 { return CodeReconnect }

func (c *Reconnect) ToBytes() ([]byte, error) {
	out := make([]byte, NameFieldLength)
	if err := PutString(out, c.Name); err != nil {
		return nil, err
	}
	return out, nil
}

func reconnectFromBytes(b []byte) (Command, error) {
	if len(b) != NameFieldLength {
		return nil, ErrInvalidCommand
	}
	name, err := ParseString(b, MaxNameLength)
	if err != nil {
		return nil, err
	}
	return &Reconnect{Name: name}, nil
}

// SendFilePacket carries one encrypted chunk of a file upload.
type SendFilePacket struct {
	OriginalSize uint32
	PacketNumber uint16
	TotalPackets uint16
	FileName     string
	Content      []byte
}

const sendFilePacketOverhead = 4 + 4 + 2 + 2 + FileNameFieldLength

func (c *SendFilePacket) Code() uint16 { return CodeSendFilePacket }

func (c *SendFilePacket) ToBytes() ([]byte, error) {
	out := make([]byte, sendFilePacketOverhead, sendFilePacketOverhead+len(c.Content))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(c.Content)))
	binary.LittleEndian.PutUint32(out[4:8], c.OriginalSize)
	binary.LittleEndian.PutUint16(out[8:10], c.PacketNumber)
	binary.LittleEndian.PutUint16(out[10:12], c.TotalPackets)
	if err := PutString(out[12:12+FileNameFieldLength], c.FileName); err != nil {
		return nil, err
	}
	return append(out, c.Content...), nil
}

func sendFilePacketFromBytes(b []byte) (Command, error) {
	if len(b) < sendFilePacketOverhead {
		return nil, ErrInvalidCommand
	}
	encryptedSize := binary.LittleEndian.Uint32(b[0:4])
	if uint64(len(b)) != sendFilePacketOverhead+uint64(encryptedSize) {
		return nil, ErrInvalidCommand
	}
	fileName, err := ParseString(b[12:12+FileNameFieldLength], MaxFileNameLength)
	if err != nil {
		return nil, err
	}
	c := &SendFilePacket{
		OriginalSize: binary.LittleEndian.Uint32(b[4:8]),
		PacketNumber: binary.LittleEndian.Uint16(b[8:10]),
		TotalPackets: binary.LittleEndian.Uint16(b[10:12]),
		FileName:     fileName,
	}
	c.Content = make([]byte, encryptedSize)
	copy(c.Content, b[sendFilePacketOverhead:])
	return c, nil
}

// ConfirmOK reports that the client's checksum matched the server's.
type ConfirmOK struct {
	FileName string
}

func (c *ConfirmOK) Code() uint16 { return CodeConfirmOK }

func (c *ConfirmOK) ToBytes() ([]byte, error) { return fileNameToBytes(c.FileName) }

// ConfirmInvalidRetry reports a checksum mismatch that the client will
// retry by re-sending the file.
type ConfirmInvalidRetry struct {
	FileName string
}

func (c *ConfirmInvalidRetry) Code() uint16 { return CodeConfirmInvalidRetry }

func (c *ConfirmInvalidRetry) ToBytes() ([]byte, error) { return fileNameToBytes(c.FileName) }

// ConfirmAbort reports a checksum mismatch that the client is giving
// up on.
type ConfirmAbort struct {
	FileName string
}

func (c *ConfirmAbort) Code() uint16 { return CodeConfirmAbort }

func (c *ConfirmAbort) ToBytes() ([]byte, error) { return fileNameToBytes(c.FileName) }

func fileNameToBytes(name string) ([]byte, error) {
	out := make([]byte, FileNameFieldLength)
	if err := PutString(out, name); err != nil {
		return nil, err
	}
	return out, nil
}

func fileNameFromBytes(b []byte) (string, error) {
	if len(b) != FileNameFieldLength {
		return "", ErrInvalidCommand
	}
	return ParseString(b, MaxFileNameLength)
}

func requestFromBytes(code uint16, b []byte) (Command, error) {
	switch code {
	case CodeRegister:
		return registerFromBytes(b)
	case CodeSubmitPublicKey:
		return submitPublicKeyFromBytes(b)
	case CodeReconnect:
		return reconnectFromBytes(b)
	case CodeSendFilePacket:
		return sendFilePacketFromBytes(b)
	case CodeConfirmOK:
		name, err := fileNameFromBytes(b)
		if err != nil {
			return nil, err
		}
		return &ConfirmOK{FileName: name}, nil
	case CodeConfirmInvalidRetry:
		name, err := fileNameFromBytes(b)
		if err != nil {
			return nil, err
		}
		return &ConfirmInvalidRetry{FileName: name}, nil
	case CodeConfirmAbort:
		name, err := fileNameFromBytes(b)
		if err != nil {
			return nil, err
		}
		return &ConfirmAbort{FileName: name}, nil
	default:
		return nil, ErrInvalidCommand
	}
}

//
// Responses.
//

// RegisterOK acknowledges a successful registration and carries the
// newly issued client identity.
type RegisterOK struct {
	ClientID [ClientIDLength]byte
}

func (c *RegisterOK) Code() uint16 { return CodeRegisterOK }

func (c *RegisterOK) ToBytes() ([]byte, error) { return append([]byte{}, c.ClientID[:]...), nil }

// RegisterFail rejects a registration, typically for a name collision.
type RegisterFail struct{}

func (c *RegisterFail) Code() uint16 { return CodeRegisterFail }

func (c *RegisterFail) ToBytes() ([]byte, error) { return []byte{}, nil }

// KeyExchangeAck carries a freshly wrapped session key in response to a
// public key submission.
type KeyExchangeAck struct {
	ClientID   [ClientIDLength]byte
	WrappedKey []byte
}

func (c *KeyExchangeAck) Code() uint16 { return CodeKeyExchangeAck }

func (c *KeyExchangeAck) ToBytes() ([]byte, error) {
	out := make([]byte, 0, ClientIDLength+len(c.WrappedKey))
	out = append(out, c.ClientID[:]...)
	return append(out, c.WrappedKey...), nil
}

// FileChecksumReport reports the server-computed checksum of a fully
// received file.
type FileChecksumReport struct {
	ClientID    [ClientIDLength]byte
	ContentSize uint32
	FileName    string
	Checksum    uint32
}

func (c *FileChecksumReport) Code() uint16 { return CodeFileChecksumReport }

func (c *FileChecksumReport) ToBytes() ([]byte, error) {
	out := make([]byte, ClientIDLength+4+FileNameFieldLength+4)
	copy(out[0:ClientIDLength], c.ClientID[:])
	binary.LittleEndian.PutUint32(out[ClientIDLength:ClientIDLength+4], c.ContentSize)
	if err := PutString(out[ClientIDLength+4:ClientIDLength+4+FileNameFieldLength], c.FileName); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(out[ClientIDLength+4+FileNameFieldLength:], c.Checksum)
	return out, nil
}

// Ack is the generic acknowledgement, carrying only the client's
// identity.
type Ack struct {
	ClientID [ClientIDLength]byte
}

func (c *Ack) Code() uint16 { return CodeAck }

func (c *Ack) ToBytes() ([]byte, error) { return append([]byte{}, c.ClientID[:]...), nil }

// ReconnectAck carries a freshly wrapped session key in response to a
// reconnect.
type ReconnectAck struct {
	ClientID   [ClientIDLength]byte
	WrappedKey []byte
}

func (c *ReconnectAck) Code() uint16 { return CodeReconnectAck }

func (c *ReconnectAck) ToBytes() ([]byte, error) {
	out := make([]byte, 0, ClientIDLength+len(c.WrappedKey))
	out = append(out, c.ClientID[:]...)
	return append(out, c.WrappedKey...), nil
}

// ReconnectFail rejects a reconnect; the client must register anew.
type ReconnectFail struct {
	ClientID [ClientIDLength]byte
}

func (c *ReconnectFail) Code() uint16 { return CodeReconnectFail }

func (c *ReconnectFail) ToBytes() ([]byte, error) { return append([]byte{}, c.ClientID[:]...), nil }

// ServerError is the catch-all failure response.
type ServerError struct{}

func (c *ServerError) Code() uint16 { return CodeServerError }

func (c *ServerError) ToBytes() ([]byte, error) { return []byte{}, nil }

func responseFromBytes(code uint16, b []byte) (Command, error) {
	switch code {
	case CodeRegisterOK:
		if len(b) != ClientIDLength {
			return nil, ErrInvalidCommand
		}
		c := new(RegisterOK)
		copy(c.ClientID[:], b)
		return c, nil
	case CodeRegisterFail:
		if len(b) != 0 {
			return nil, ErrInvalidCommand
		}
		return &RegisterFail{}, nil
	case CodeKeyExchangeAck:
		if len(b) <= ClientIDLength {
			return nil, ErrInvalidCommand
		}
		c := new(KeyExchangeAck)
		copy(c.ClientID[:], b[:ClientIDLength])
		c.WrappedKey = append([]byte{}, b[ClientIDLength:]...)
		return c, nil
	case CodeFileChecksumReport:
		if len(b) != ClientIDLength+4+FileNameFieldLength+4 {
			return nil, ErrInvalidCommand
		}
		name, err := ParseString(b[ClientIDLength+4:ClientIDLength+4+FileNameFieldLength], MaxFileNameLength)
		if err != nil {
			return nil, err
		}
		c := &FileChecksumReport{
			ContentSize: binary.LittleEndian.Uint32(b[ClientIDLength : ClientIDLength+4]),
			FileName:    name,
			Checksum:    binary.LittleEndian.Uint32(b[ClientIDLength+4+FileNameFieldLength:]),
		}
		copy(c.ClientID[:], b[:ClientIDLength])
		return c, nil
	case CodeAck:
		if len(b) != ClientIDLength {
			return nil, ErrInvalidCommand
		}
		c := new(Ack)
		copy(c.ClientID[:], b)
		return c, nil
	case CodeReconnectAck:
		if len(b) <= ClientIDLength {
			return nil, ErrInvalidCommand
		}
		c := new(ReconnectAck)
		copy(c.ClientID[:], b[:ClientIDLength])
		c.WrappedKey = append([]byte{}, b[ClientIDLength:]...)
		return c, nil
	case CodeReconnectFail:
		if len(b) != ClientIDLength {
			return nil, ErrInvalidCommand
		}
		c := new(ReconnectFail)
		copy(c.ClientID[:], b)
		return c, nil
	case CodeServerError:
		if len(b) != 0 {
			return nil, ErrInvalidCommand
		}
		return &ServerError{}, nil
	default:
		return nil, ErrInvalidCommand
	}
}
