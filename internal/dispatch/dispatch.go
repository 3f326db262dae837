// dispatch.go - Protocol request dispatch.
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

// Package dispatch routes decoded protocol requests to the client
// directory, the key exchange manager and the transfer table, and maps
// each request to exactly one response command.
package dispatch

import (
	"errors"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/arkivd/arkivd/clientdb"
	"github.com/arkivd/arkivd/crypto/keywrap"
	"github.com/arkivd/arkivd/filestore"
	"github.com/arkivd/arkivd/internal/instrument"
	"github.com/arkivd/arkivd/internal/keyex"
	"github.com/arkivd/arkivd/internal/transfer"
	"github.com/arkivd/arkivd/wire"
)

// Failure kinds, used as the instrumentation label for requests that
// were answered with a failure response.
const (
	kindProtocol = "protocol"
	kindIdentity = "identity"
	kindCrypto   = "crypto"
	kindStorage  = "storage"
	kindInternal = "internal"
)

// Dispatcher holds the shared state a request handler needs.  It is
// safe for concurrent use by multiple connection workers.
type Dispatcher struct {
	clients   clientdb.ClientDB
	keys      *keyex.Manager
	transfers *transfer.Table
	log       *logging.Logger
}

// New creates a Dispatcher.
func New(clients clientdb.ClientDB, keys *keyex.Manager, transfers *transfer.Table, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		clients:   clients,
		keys:      keys,
		transfers: transfers,
		log:       log,
	}
}

// Dispatch handles one decoded request and returns the response to
// send.  It never returns nil: every request, including ones that fail,
// is answered with exactly one response command.
func (d *Dispatcher) Dispatch(clientID [wire.ClientIDLength]byte, cmd wire.Command) wire.Command {
	instrument.Request(cmd.Code())

	// Registration is the only request that arrives without an identity.
	if cmd, ok := cmd.(*wire.Register); ok {
		return d.onRegister(cmd)
	}

	c, err := d.clients.Get(clientdb.ID(clientID))
	if err != nil {
		d.log.Debugf("Failed to resolve client %x: %v", clientID[:], err)
		instrument.RequestFailed(errorKind(err))
		if _, ok := cmd.(*wire.Reconnect); ok {
			return &wire.ReconnectFail{ClientID: clientID}
		}
		return &wire.ServerError{}
	}

	resp := d.handle(c, cmd)
	switch resp.(type) {
	case *wire.ServerError, *wire.ReconnectFail:
		// Failed requests do not refresh last-seen.
	default:
		d.touch(c)
	}
	return resp
}

func (d *Dispatcher) handle(c *clientdb.Client, cmd wire.Command) wire.Command {
	switch cmd := cmd.(type) {
	case *wire.SubmitPublicKey:
		return d.onSubmitPublicKey(c, cmd)
	case *wire.Reconnect:
		return d.onReconnect(c, cmd)
	case *wire.SendFilePacket:
		return d.onSendFilePacket(c, cmd)
	case *wire.ConfirmOK:
		return d.confirm(c, cmd.FileName, d.transfers.ConfirmOK)
	case *wire.ConfirmInvalidRetry:
		return d.confirm(c, cmd.FileName, d.transfers.ConfirmRetry)
	case *wire.ConfirmAbort:
		return d.confirm(c, cmd.FileName, d.transfers.ConfirmAbort)
	default:
		// Unreachable as long as the wire package's decode table and
		// this switch agree on the request set.
		d.log.Errorf("Dispatch called with unknown command: %d", cmd.Code())
		instrument.RequestFailed(kindInternal)
		return &wire.ServerError{}
	}
}

func (d *Dispatcher) onRegister(cmd *wire.Register) wire.Command {
	c, err := d.clients.Register(cmd.Name)
	switch {
	case err == nil:
	case errors.Is(err, clientdb.ErrNameCollision) || errors.Is(err, clientdb.ErrInvalidName):
		d.log.Debugf("Rejected registration %q: %v", cmd.Name, err)
		instrument.RequestFailed(kindIdentity)
		return &wire.RegisterFail{}
	default:
		d.log.Errorf("Failed to register %q: %v", cmd.Name, err)
		instrument.RequestFailed(errorKind(err))
		return &wire.ServerError{}
	}

	d.log.Noticef("Registered client %q as %x", c.Name, c.ID[:])
	return &wire.RegisterOK{ClientID: c.ID}
}

func (d *Dispatcher) onSubmitPublicKey(c *clientdb.Client, cmd *wire.SubmitPublicKey) wire.Command {
	wrapped, err := d.keys.SubmitPublicKey(c, cmd.Name, cmd.PublicKey)
	if err != nil {
		d.log.Debugf("Rejected public key from %x: %v", c.ID[:], err)
		instrument.RequestFailed(errorKind(err))
		return &wire.ServerError{}
	}

	d.log.Debugf("Issued session key to %x", c.ID[:])
	return &wire.KeyExchangeAck{ClientID: c.ID, WrappedKey: wrapped}
}

func (d *Dispatcher) onReconnect(c *clientdb.Client, cmd *wire.Reconnect) wire.Command {
	wrapped, err := d.keys.Reconnect(c, cmd.Name)
	if err != nil {
		d.log.Debugf("Rejected reconnect from %x: %v", c.ID[:], err)
		instrument.RequestFailed(errorKind(err))
		return &wire.ReconnectFail{ClientID: c.ID}
	}

	d.log.Debugf("Reissued session key to %x", c.ID[:])
	return &wire.ReconnectAck{ClientID: c.ID, WrappedKey: wrapped}
}

func (d *Dispatcher) onSendFilePacket(c *clientdb.Client, cmd *wire.SendFilePacket) wire.Command {
	done, err := d.transfers.Ingest(c, cmd)
	if err != nil {
		d.log.Debugf("Rejected file packet from %x: %v", c.ID[:], err)
		instrument.RequestFailed(errorKind(err))
		return &wire.ServerError{}
	}
	if done == nil {
		return &wire.Ack{ClientID: c.ID}
	}

	instrument.FileStored()
	return &wire.FileChecksumReport{
		ClientID:    c.ID,
		ContentSize: done.Size,
		FileName:    cmd.FileName,
		Checksum:    done.Checksum,
	}
}

func (d *Dispatcher) confirm(c *clientdb.Client, fileName string, fn func(clientdb.ID, string) error) wire.Command {
	if err := fn(c.ID, fileName); err != nil {
		d.log.Debugf("Rejected confirmation of %q from %x: %v", fileName, c.ID[:], err)
		instrument.RequestFailed(errorKind(err))
		return &wire.ServerError{}
	}
	return &wire.Ack{ClientID: c.ID}
}

// touch refreshes the client's last-seen timestamp after a successfully
// answered request.  Only the timestamp is written; writing the whole
// record back would race other connections mutating the same client.  A
// persistence failure here is logged but does not fail the request.
func (d *Dispatcher) touch(c *clientdb.Client) {
	c.LastSeen = time.Now()
	err := d.clients.Update(c.ID, func(rec *clientdb.Client) error {
		rec.LastSeen = c.LastSeen
		return nil
	})
	if err != nil {
		d.log.Warningf("Failed to persist last-seen for %x: %v", c.ID[:], err)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, transfer.ErrInvalidFileName),
		errors.Is(err, transfer.ErrBadSequence),
		errors.Is(err, transfer.ErrTotalsChanged),
		errors.Is(err, transfer.ErrOversizeContent):
		return kindProtocol
	case errors.Is(err, clientdb.ErrNoSuchClient),
		errors.Is(err, clientdb.ErrNameCollision),
		errors.Is(err, clientdb.ErrInvalidName),
		errors.Is(err, keyex.ErrNameMismatch),
		errors.Is(err, keyex.ErrNoPublicKey):
		return kindIdentity
	case errors.Is(err, keywrap.ErrInvalidPublicKey),
		errors.Is(err, keywrap.ErrNoSessionKey),
		errors.Is(err, keywrap.ErrInvalidCiphertext):
		return kindCrypto
	case errors.Is(err, filestore.ErrNoSuchFile):
		return kindStorage
	default:
		return kindInternal
	}
}
