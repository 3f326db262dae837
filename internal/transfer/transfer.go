// transfer.go - Encrypted file upload reassembly and CRC confirmation.
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

// Package transfer accumulates multi-packet encrypted uploads into
// complete blobs, decrypts and checksums them, hands them to the file
// store, and tracks the subsequent checksum confirmation exchange.
package transfer

import (
	"errors"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/arkivd/arkivd/clientdb"
	"github.com/arkivd/arkivd/core/worker"
	"github.com/arkivd/arkivd/crypto/cksum"
	"github.com/arkivd/arkivd/crypto/keywrap"
	"github.com/arkivd/arkivd/filestore"
	"github.com/arkivd/arkivd/internal/safename"
	"github.com/arkivd/arkivd/wire"
)

const sweepInterval = time.Minute

var (
	// ErrInvalidFileName is the error returned when a filename fails
	// the storage safety validation.
	ErrInvalidFileName = errors.New("transfer: invalid filename")

	// ErrBadSequence is the error returned when a packet arrives out of
	// order, or a transfer does not start at packet 1.
	ErrBadSequence = errors.New("transfer: unexpected packet number")

	// ErrTotalsChanged is the error returned when a packet's declared
	// total packet count or original size differs from packet 1's.
	ErrTotalsChanged = errors.New("transfer: declared totals changed mid-transfer")

	// ErrOversizeContent is the error returned when the declared
	// original size exceeds the decrypted blob.
	ErrOversizeContent = errors.New("transfer: declared size exceeds decrypted content")
)

type transferKey struct {
	owner    clientdb.ID
	fileName string
}

// pending is one in-progress reassembly.  All fields are guarded by the
// Table lock.
type pending struct {
	buf          []byte
	originalSize uint32
	totalPackets uint16
	nextPacket   uint16
	packetSizes  []int
	lastActivity time.Time
}

// Completed describes a fully reassembled, decrypted and stored file.
type Completed struct {
	Record   *filestore.Record
	Checksum uint32
	Size     uint32
}

// Table owns every in-progress transfer, keyed by (owner, filename).
type Table struct {
	worker.Worker

	mu        sync.Mutex
	transfers map[transferKey]*pending

	store       *filestore.Store
	log         *logging.Logger
	idleTimeout time.Duration
}

// NewTable creates a Table and starts its idle-eviction sweeper.
func NewTable(store *filestore.Store, log *logging.Logger, idleTimeout time.Duration) *Table {
	t := &Table{
		transfers:   make(map[transferKey]*pending),
		store:       store,
		log:         log,
		idleTimeout: idleTimeout,
	}
	t.Go(t.sweepWorker)
	return t
}

// Ingest processes one upload packet for the given client.  A non-nil
// Completed return means the packet completed the transfer: the blob
// was decrypted with the client's session key, checksummed, and
// persisted as not-verified.  The in-memory buffer for a completing
// transfer is discarded regardless of the outcome.
func (t *Table) Ingest(c *clientdb.Client, pkt *wire.SendFilePacket) (*Completed, error) {
	if !safename.IsValidFilename(pkt.FileName) {
		return nil, ErrInvalidFileName
	}
	if pkt.TotalPackets == 0 || pkt.PacketNumber == 0 || pkt.PacketNumber > pkt.TotalPackets {
		return nil, ErrBadSequence
	}

	key := transferKey{owner: c.ID, fileName: pkt.FileName}

	ciphertext, err := t.appendPacket(key, pkt)
	if err != nil {
		return nil, err
	}
	if ciphertext == nil {
		// Mid-transfer packet, more to come.
		return nil, nil
	}

	// The transfer is complete and its entry is already gone from the
	// table; decryption and storage happen outside the table lock.
	plaintext, err := keywrap.DecryptCBC(c.SessionKey, ciphertext)
	if err != nil {
		return nil, err
	}
	if uint64(pkt.OriginalSize) > uint64(len(plaintext)) {
		return nil, ErrOversizeContent
	}
	content := plaintext[:pkt.OriginalSize]
	checksum := cksum.Sum(content)

	rec, err := t.store.Put(c.ID, pkt.FileName, content, checksum)
	if err != nil {
		return nil, err
	}
	t.log.Debugf("Stored %q for %x: %d bytes, cksum %d", pkt.FileName, c.ID[:], len(content), checksum)
	return &Completed{Record: rec, Checksum: checksum, Size: pkt.OriginalSize}, nil
}

// appendPacket applies pkt to the pending table.  It returns the full
// ciphertext when pkt completed the transfer, nil when more packets are
// expected.
func (t *Table) appendPacket(key transferKey, pkt *wire.SendFilePacket) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.transfers[key]
	if pkt.PacketNumber == 1 {
		// Packet 1 always starts a fresh transfer, discarding any
		// previous partial state for the same filename.
		if p != nil {
			t.log.Debugf("Restarting transfer %q for %x", key.fileName, key.owner[:])
		}
		p = &pending{
			buf:          make([]byte, 0, len(pkt.Content)),
			originalSize: pkt.OriginalSize,
			totalPackets: pkt.TotalPackets,
			nextPacket:   1,
		}
		t.transfers[key] = p
	} else if p == nil {
		return nil, ErrBadSequence
	}

	if pkt.TotalPackets != p.totalPackets || pkt.OriginalSize != p.originalSize {
		return nil, ErrTotalsChanged
	}
	if pkt.PacketNumber != p.nextPacket {
		return nil, ErrBadSequence
	}

	p.buf = append(p.buf, pkt.Content...)
	p.packetSizes = append(p.packetSizes, len(pkt.Content))
	p.nextPacket++
	p.lastActivity = time.Now()

	if pkt.PacketNumber != p.totalPackets {
		return nil, nil
	}

	delete(t.transfers, key)
	return p.buf, nil
}

// ConfirmOK marks the stored file verified.  Repeated confirmation is
// idempotent.
func (t *Table) ConfirmOK(owner clientdb.ID, fileName string) error {
	if !safename.IsValidFilename(fileName) {
		return ErrInvalidFileName
	}
	return t.store.SetVerified(owner, fileName)
}

// ConfirmRetry acknowledges a checksum mismatch that the client will
// retry.  The stored record and bytes are left alone; the retry's
// packet 1 starts a fresh transfer that overwrites them.  Any stale
// partial state for the filename is dropped.
func (t *Table) ConfirmRetry(owner clientdb.ID, fileName string) error {
	if !safename.IsValidFilename(fileName) {
		return ErrInvalidFileName
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.transfers, transferKey{owner: owner, fileName: fileName})
	return nil
}

// ConfirmAbort deletes the stored bytes, if any, and leaves the record
// not-verified.  Neither a missing blob nor a missing record is fatal.
func (t *Table) ConfirmAbort(owner clientdb.ID, fileName string) error {
	if !safename.IsValidFilename(fileName) {
		return ErrInvalidFileName
	}

	t.mu.Lock()
	delete(t.transfers, transferKey{owner: owner, fileName: fileName})
	t.mu.Unlock()

	blobRemoved, err := t.store.Discard(owner, fileName)
	switch {
	case err == filestore.ErrNoSuchFile:
		t.log.Warningf("Abort for unknown file %q from %x", fileName, owner[:])
		return nil
	case err != nil:
		return err
	case !blobRemoved:
		t.log.Noticef("Abort for %q from %x: no stored bytes to delete", fileName, owner[:])
	}
	return nil
}

// PendingCount returns the number of in-progress transfers.
func (t *Table) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.transfers)
}

// sweepWorker evicts transfers that have gone idle, so clients that
// start uploads and vanish cannot grow the table without bound.
func (t *Table) sweepWorker() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.HaltCh():
			return
		case <-ticker.C:
		}

		deadline := time.Now().Add(-t.idleTimeout)
		t.mu.Lock()
		for key, p := range t.transfers {
			if p.lastActivity.Before(deadline) {
				t.log.Noticef("Evicting idle transfer %q from %x: %d packets (%d bytes) buffered", key.fileName, key.owner[:], len(p.packetSizes), len(p.buf))
				delete(t.transfers, key)
			}
		}
		t.mu.Unlock()
	}
}
