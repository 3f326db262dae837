// incoming_conn.go - Backup server incoming connection handler.
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

package incoming

import (
	"container/list"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/arkivd/arkivd/clientdb"
	"github.com/arkivd/arkivd/internal/instrument"
	"github.com/arkivd/arkivd/internal/stats"
	"github.com/arkivd/arkivd/wire"
)

var incomingConnID uint64

type incomingConn struct {
	l   *Listener
	log *logging.Logger

	c net.Conn
	e *list.Element

	id uint64
}

// request is one framed read off the socket, delivered to the worker
// loop together with its decode outcome.
type request struct {
	clientID [wire.ClientIDLength]byte
	cmd      wire.Command
	err      error
}

// Read counts received bytes on top of the underlying socket.
func (c *incomingConn) Read(p []byte) (int, error) {
	n, err := c.c.Read(p)
	if n > 0 {
		c.l.glue.Monitor().RecordRead(c.id, n)
		instrument.BytesRead(n)
	}
	return n, err
}

// Write counts transmitted bytes on top of the underlying socket.
func (c *incomingConn) Write(p []byte) (int, error) {
	n, err := c.c.Write(p)
	if n > 0 {
		c.l.glue.Monitor().RecordWrite(c.id, n)
		instrument.BytesWritten(n)
	}
	return n, err
}

func (c *incomingConn) worker() {
	mon := c.l.glue.Monitor()
	defer func() {
		c.log.Debugf("Closing.")
		c.c.Close()
		mon.Close(c.id)
		instrument.ConnectionClosed()
		c.l.onClosedConn(c) // Remove from the connection list.
	}()

	readTimeout := time.Duration(c.l.glue.Config().Debug.ReadTimeout) * time.Millisecond

	// Start reading from the peer.  Each frame gets a fresh deadline, so
	// a client that goes quiet mid-session is eventually disconnected.
	reqCh := make(chan request)
	reqCloseCh := make(chan interface{})
	defer close(reqCloseCh)
	go func() {
		defer close(reqCh)
		for {
			c.c.SetReadDeadline(time.Now().Add(readTimeout))
			var req request
			req.clientID, req.cmd, req.err = wire.ReadRequest(c)
			select {
			case reqCh <- req:
			case <-reqCloseCh:
				// c.worker() is returning for some reason, give up on
				// trying to deliver the request, and just return.
				return
			}
			if req.err != nil && !isRecoverable(req.err) {
				return
			}
		}
	}()

	// Process requests.
	for {
		var req request
		var ok bool

		select {
		case <-c.l.closeAllCh:
			// Server is getting shutdown, all connections are being
			// closed.
			return
		case req, ok = <-reqCh:
			if !ok {
				return
			}
		}

		if req.err != nil {
			mon.RecordError(c.id, stats.DirRead, req.err)
			if !isRecoverable(req.err) {
				c.log.Debugf("Failed to receive request: %v", req.err)
				return
			}

			// The frame was consumed intact but failed to decode.  The
			// peer gets an error response and the connection lives on.
			c.log.Debugf("Rejected undecodable request: %v", req.err)
			mon.RecordPartialClears(c.id, 1)
			if err := wire.WriteResponse(c, &wire.ServerError{}); err != nil {
				mon.RecordError(c.id, stats.DirWrite, err)
				c.log.Debugf("Failed to send error response: %v", err)
				return
			}
			continue
		}

		var noID [wire.ClientIDLength]byte
		if req.clientID != noID {
			mon.AssociateClient(c.id, clientdb.ID(req.clientID))
		}

		resp := c.l.glue.Dispatcher().Dispatch(req.clientID, req.cmd)
		if err := wire.WriteResponse(c, resp); err != nil {
			mon.RecordError(c.id, stats.DirWrite, err)
			c.log.Debugf("Failed to send response: %v", err)
			return
		}
	}

	// NOTREACHED
}

// isRecoverable reports whether a ReadRequest failure left the stream
// positioned at the next frame boundary.
func isRecoverable(err error) bool {
	return errors.Is(err, wire.ErrInvalidCommand) || errors.Is(err, wire.ErrInvalidString)
}

func newIncomingConn(l *Listener, conn net.Conn) *incomingConn {
	c := &incomingConn{
		l:  l,
		c:  conn,
		id: atomic.AddUint64(&incomingConnID, 1), // Diagnostic only, wrapping is fine.
	}
	c.log = l.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d", c.id))

	c.log.Debugf("New incoming connection: %v", conn.RemoteAddr())
	l.glue.Monitor().Open(c.id, conn.RemoteAddr().String())
	instrument.ConnectionOpened()

	// Note: Unlike most other things, this does not spawn the worker
	// here, because the worker needs to be spawned after the struct is
	// added to the connection list.

	return c
}
