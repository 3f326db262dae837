// server.go - Backup server.
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

// Package arkivd provides the encrypted backup server.
package arkivd

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/arkivd/arkivd/clientdb"
	"github.com/arkivd/arkivd/clientdb/boltclientdb"
	"github.com/arkivd/arkivd/config"
	"github.com/arkivd/arkivd/core/log"
	"github.com/arkivd/arkivd/filestore"
	"github.com/arkivd/arkivd/internal/dispatch"
	"github.com/arkivd/arkivd/internal/incoming"
	"github.com/arkivd/arkivd/internal/instrument"
	"github.com/arkivd/arkivd/internal/keyex"
	"github.com/arkivd/arkivd/internal/stats"
	"github.com/arkivd/arkivd/internal/transfer"
	"github.com/arkivd/arkivd/thwack"
)

const (
	clientDBFile = "clients.db"
	fileDBFile   = "files.db"
	storeDir     = "store"
)

// Server is a backup server instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	clients    clientdb.ClientDB
	store      *filestore.Store
	keys       *keyex.Manager
	transfers  *transfer.Table
	dispatcher *dispatch.Dispatcher
	monitor    *stats.Monitor

	listeners  []*incoming.Listener
	management *thwack.Server

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

// Config returns the server's configuration.
func (s *Server) Config() *config.Config {
	return s.cfg
}

// LogBackend returns the server's logging backend.
func (s *Server) LogBackend() *log.Backend {
	return s.logBackend
}

// Dispatcher returns the server's request dispatcher.
func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Monitor returns the server's connection health monitor.
func (s *Server) Monitor() *stats.Monitor {
	return s.monitor
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	// Initialize the data directory, by ensuring that it exists (or can
	// be created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}

	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

func (s *Server) initManagement() error {
	mgmtCfg := &thwack.Config{
		Path:        s.cfg.Management.Path,
		ServiceName: s.cfg.Server.Identifier + " Management Interface",
		LogModule:   "mgmt",
		NewLoggerFn: s.logBackend.GetLogger,
	}
	var err error
	if s.management, err = thwack.New(mgmtCfg); err != nil {
		return err
	}

	s.management.RegisterCommand("SHUTDOWN", func(c *thwack.Conn, l string) error {
		s.fatalErrCh <- fmt.Errorf("user requested shutdown via mgmt interface")
		return nil
	})
	s.management.RegisterCommand("STATS", s.onStats)
	s.management.RegisterCommand("CLIENTS", s.onClients)
	s.management.RegisterCommand("FILES", s.onFiles)
	return nil
}

func (s *Server) onStats(c *thwack.Conn, l string) error {
	w := c.Writer()
	for _, sum := range s.monitor.Summarize() {
		line := fmt.Sprintf("id=%d peer=%s age=%v rx=%d tx=%d errs=%d",
			sum.ID, sum.Peer, sum.Age.Round(time.Second), sum.BytesIn, sum.BytesOut, sum.Errors)
		if sum.ClientID != nil {
			line += fmt.Sprintf(" client=%x", sum.ClientID[:])
		}
		if sum.LastErr != "" {
			line += fmt.Sprintf(" lasterr=%q", sum.LastErr)
		}
		if err := w.PrintfLine("250-%s", line); err != nil {
			return err
		}
	}
	return c.WriteReply(thwack.StatusOk)
}

func (s *Server) onClients(c *thwack.Conn, l string) error {
	clients, err := s.clients.All()
	if err != nil {
		c.Log().Errorf("CLIENTS failed: %v", err)
		return c.WriteReply(thwack.StatusTransactionFailed)
	}

	w := c.Writer()
	for _, cl := range clients {
		hasKey := cl.PublicKeyDER != nil
		lastSeen := "never"
		if !cl.LastSeen.IsZero() {
			lastSeen = cl.LastSeen.UTC().Format(time.RFC3339)
		}
		if err := w.PrintfLine("250-id=%x name=%q haskey=%v lastseen=%s", cl.ID[:], cl.Name, hasKey, lastSeen); err != nil {
			return err
		}
	}
	return c.WriteReply(thwack.StatusOk)
}

func (s *Server) onFiles(c *thwack.Conn, l string) error {
	sp := strings.Split(l, " ")
	if len(sp) != 2 {
		return c.WriteReply(thwack.StatusSyntaxError)
	}
	raw, err := hex.DecodeString(sp[1])
	if err != nil || len(raw) != clientdb.IDLength {
		return c.WriteReply(thwack.StatusSyntaxError)
	}
	var owner clientdb.ID
	copy(owner[:], raw)

	recs, err := s.store.ForOwner(owner)
	if err != nil {
		c.Log().Errorf("FILES failed: %v", err)
		return c.WriteReply(thwack.StatusTransactionFailed)
	}

	w := c.Writer()
	for _, rec := range recs {
		if err := w.PrintfLine("250-name=%q size=%d cksum=%d verified=%v", rec.FileName, rec.Size, rec.Checksum, rec.Verified); err != nil {
			return err
		}
	}
	return c.WriteReply(thwack.StatusOk)
}

// RotateLog rotates the log file, if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
	}
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	// Stop the management interface.
	if s.management != nil {
		s.management.Halt()
		s.management = nil
	}

	// Stop the listener(s), close all incoming connections.
	for i, l := range s.listeners {
		if l != nil {
			l.Halt() // Closes all connections.
			s.listeners[i] = nil
		}
	}

	// Stop the transfer table's sweeper, dropping all partial uploads.
	if s.transfers != nil {
		s.transfers.Halt()
		s.transfers = nil
	}

	// Close the databases.
	if s.store != nil {
		s.store.Close()
		s.store = nil
	}
	if s.clients != nil {
		s.clients.Close()
		s.clients = nil
	}

	close(s.fatalErrCh)

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}
	s.log.Noticef("Server identifier is: '%v'", s.cfg.Server.Identifier)

	// Initialize the storage backends.
	var err error
	d := s.cfg.Server.DataDir
	if s.clients, err = boltclientdb.New(filepath.Join(d, clientDBFile)); err != nil {
		s.log.Errorf("Failed to initialize client directory: %v", err)
		return nil, err
	}
	if s.store, err = filestore.New(filepath.Join(d, fileDBFile), filepath.Join(d, storeDir)); err != nil {
		s.log.Errorf("Failed to initialize file store: %v", err)
		s.clients.Close()
		return nil, err
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		// Something failed in bringing the server up, past the point
		// where files are open etc, clean up the partially constructed
		// instance.
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			// Graceful termination.
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	// Initialize the protocol state.
	s.monitor = stats.NewMonitor()
	s.keys = keyex.New(s.clients)
	idleTimeout := time.Duration(s.cfg.Debug.TransferIdleTimeout) * time.Millisecond
	s.transfers = transfer.NewTable(s.store, s.logBackend.GetLogger("transfer"), idleTimeout)
	s.dispatcher = dispatch.New(s.clients, s.keys, s.transfers, s.logBackend.GetLogger("dispatch"))

	// Initialize the management interface if enabled.
	//
	// Note: This is done before the listeners so that other subsystems
	// may register commands.
	if s.cfg.Management.Enable {
		if err = s.initManagement(); err != nil {
			s.log.Errorf("Failed to initialize management interface: %v", err)
			return nil, err
		}
	}

	// Bring the metrics endpoint online.
	if s.cfg.Server.MetricsAddress != "" {
		instrument.Init(s.cfg.Server.MetricsAddress)
		s.log.Noticef("Serving metrics on: %v", s.cfg.Server.MetricsAddress)
	}

	// Bring the listener(s) online.
	s.listeners = make([]*incoming.Listener, 0, len(s.cfg.Server.Addresses))
	for i, addr := range s.cfg.Server.Addresses {
		l, err := incoming.New(s, i, addr)
		if err != nil {
			s.log.Errorf("Failed to spawn listener on address: %v (%v).", addr, err)
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}

	// Start listening on the management interface if enabled, now that
	// every subsystem that wants to register commands has had the
	// opportunity to do so.
	if s.management != nil {
		if err = s.management.Start(); err != nil {
			s.log.Errorf("Failed to start management interface: %v", err)
			return nil, err
		}
	}

	isOk = true
	return s, nil
}
