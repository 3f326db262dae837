// stats.go - Per-connection health monitoring.
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

// Package stats tracks per-connection I/O health for diagnostics.  The
// monitor is purely observational: it holds its own lock, never fails,
// and has no influence on protocol processing.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/arkivd/arkivd/clientdb"
)

// Direction labels the half of the socket an error occurred on.
type Direction int

const (
	// DirRead is the receive half.
	DirRead Direction = iota

	// DirWrite is the transmit half.
	DirWrite
)

type connStats struct {
	id   uint64
	peer string

	clientID    clientdb.ID
	hasClientID bool

	openedAt  time.Time
	lastRead  time.Time
	lastWrite time.Time

	bytesIn  uint64
	bytesOut uint64

	readErrs      uint64
	writeErrs     uint64
	partialClears uint64

	lastErr string
}

// Summary is a point-in-time snapshot of one open connection.
type Summary struct {
	ID       uint64
	Peer     string
	ClientID *clientdb.ID
	Age      time.Duration
	BytesIn  uint64
	BytesOut uint64
	Errors   uint64
	LastErr  string
}

// Monitor tracks all currently open connections.
type Monitor struct {
	sync.RWMutex

	conns map[uint64]*connStats
}

// NewMonitor creates a Monitor.
func NewMonitor() *Monitor {
	return &Monitor{conns: make(map[uint64]*connStats)}
}

// Open registers a freshly accepted socket.
func (m *Monitor) Open(id uint64, peer string) {
	m.Lock()
	defer m.Unlock()
	m.conns[id] = &connStats{id: id, peer: peer, openedAt: time.Now()}
}

// AssociateClient attaches a resolved client identity to the socket.
func (m *Monitor) AssociateClient(id uint64, clientID clientdb.ID) {
	m.Lock()
	defer m.Unlock()
	if c := m.conns[id]; c != nil {
		c.clientID = clientID
		c.hasClientID = true
	}
}

// RecordRead accounts n received bytes.
func (m *Monitor) RecordRead(id uint64, n int) {
	m.Lock()
	defer m.Unlock()
	if c := m.conns[id]; c != nil {
		c.bytesIn += uint64(n)
		c.lastRead = time.Now()
	}
}

// RecordWrite accounts n transmitted bytes.
func (m *Monitor) RecordWrite(id uint64, n int) {
	m.Lock()
	defer m.Unlock()
	if c := m.conns[id]; c != nil {
		c.bytesOut += uint64(n)
		c.lastWrite = time.Now()
	}
}

// RecordPartialClears accounts n discarded partial reads.
func (m *Monitor) RecordPartialClears(id uint64, n int) {
	m.Lock()
	defer m.Unlock()
	if c := m.conns[id]; c != nil {
		c.partialClears += uint64(n)
	}
}

// RecordError accounts an I/O error on the given direction.
func (m *Monitor) RecordError(id uint64, dir Direction, err error) {
	m.Lock()
	defer m.Unlock()
	c := m.conns[id]
	if c == nil {
		return
	}
	switch dir {
	case DirRead:
		c.readErrs++
	case DirWrite:
		c.writeErrs++
	}
	if err != nil {
		c.lastErr = err.Error()
	}
}

// Close removes the socket from the live table.  The summary is not
// retained.
func (m *Monitor) Close(id uint64) {
	m.Lock()
	defer m.Unlock()
	delete(m.conns, id)
}

// Summarize snapshots every still-open connection.
func (m *Monitor) Summarize() []Summary {
	m.RLock()
	defer m.RUnlock()

	now := time.Now()
	out := make([]Summary, 0, len(m.conns))
	for _, c := range m.conns {
		s := Summary{
			ID:       c.id,
			Peer:     c.peer,
			Age:      now.Sub(c.openedAt),
			BytesIn:  c.bytesIn,
			BytesOut: c.bytesOut,
			Errors:   c.readErrs + c.writeErrs,
			LastErr:  c.lastErr,
		}
		if c.hasClientID {
			id := c.clientID
			s.ClientID = &id
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
