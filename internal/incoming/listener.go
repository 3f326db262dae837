// listener.go - Backup server listener.
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

// Package incoming implements the incoming connection support.
package incoming

import (
	"container/list"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/arkivd/arkivd/config"
	"github.com/arkivd/arkivd/core/log"
	"github.com/arkivd/arkivd/core/worker"
	"github.com/arkivd/arkivd/internal/dispatch"
	"github.com/arkivd/arkivd/internal/stats"
)

const keepAliveInterval = 3 * time.Minute

// Glue is the view of the server state the connection handlers need.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend
	Dispatcher() *dispatch.Dispatcher
	Monitor() *stats.Monitor
}

// Listener accepts and services incoming protocol connections.
type Listener struct {
	sync.Mutex
	worker.Worker

	glue Glue
	log  *logging.Logger

	l     net.Listener
	conns *list.List

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

// Halt stops the listener and tears down all of its connections.
func (l *Listener) Halt() {
	// Close the listener, wait for worker() to return.
	l.l.Close()
	l.Worker.Halt()

	// Close all connections belonging to the listener.
	close(l.closeAllCh)
	l.closeAllWg.Wait()
}

func (l *Listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // Usually redundant, but harmless.
	}()
	for {
		select {
		case <-l.closeAllCh:
			return
		default:
		}
		conn, err := l.l.Accept()
		if err != nil {
			if e, ok := err.(net.Error); ok && !e.Temporary() {
				l.log.Errorf("accept failure: %v", err)
				return
			}
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(keepAliveInterval)
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())

		l.onNewConn(conn)
	}

	// NOTREACHED
}

func (l *Listener) onNewConn(conn net.Conn) {
	c := newIncomingConn(l, conn)

	l.closeAllWg.Add(1)
	l.Lock()
	defer func() {
		l.Unlock()
		go c.worker()
	}()
	c.e = l.conns.PushFront(c)
}

func (l *Listener) onClosedConn(c *incomingConn) {
	l.Lock()
	defer func() {
		l.Unlock()
		l.closeAllWg.Done()
	}()
	l.conns.Remove(c.e)
}

// New creates a new Listener bound to the given address URL.
func New(glue Glue, id int, addr string) (*Listener, error) {
	l := &Listener{
		glue:       glue,
		log:        glue.LogBackend().GetLogger(fmt.Sprintf("listener:%d", id)),
		conns:      list.New(),
		closeAllCh: make(chan interface{}),
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		l.l, err = net.Listen(u.Scheme, u.Host)
		if err != nil {
			l.log.Errorf("Failed to start listener '%v': %v", addr, err)
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported listener scheme '%v'", u.Scheme)
	}

	l.Go(l.worker)
	return l, nil
}
