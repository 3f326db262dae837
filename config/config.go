// config.go - Backup server configuration.
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

// Package config implements the backup server configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultAddress             = "tcp://127.0.0.1:3219"
	defaultLogLevel            = "NOTICE"
	defaultReadTimeout         = 120 * 1000     // 120 sec.
	defaultTransferIdleTimeout = 15 * 60 * 1000 // 15 min.
	defaultManagementSocket    = "management_sock"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the server configuration.
type Server struct {
	// Identifier is the human readable identifier for the server
	// (eg: FQDN).
	Identifier string

	// Addresses are the listener addresses to bind to for incoming
	// connections, as URLs (eg: "tcp://0.0.0.0:3219").
	Addresses []string

	// DataDir is the absolute path to the server's state files.
	DataDir string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.  Metrics are disabled when left empty.
	MetricsAddress string
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	if sCfg.Addresses != nil {
		for _, v := range sCfg.Addresses {
			u, err := url.Parse(v)
			if err != nil {
				return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
			}
			switch u.Scheme {
			case "tcp", "tcp4", "tcp6":
			default:
				return fmt.Errorf("config: Server: Address '%v' has invalid scheme: '%v'", v, u.Scheme)
			}
			if u.Port() == "" {
				return fmt.Errorf("config: Server: Address '%v' is invalid: Must contain Port", v)
			}
		}
	} else {
		sCfg.Addresses = []string{defaultAddress}
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(sCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Server: MetricsAddress '%v' is invalid: %v", sCfg.MetricsAddress, err)
		}
	}
	return nil
}

// Debug is the server debug configuration.
type Debug struct {
	// ReadTimeout specifies the maximum time in milliseconds a
	// connection may sit idle between request frames before the server
	// disconnects it.
	ReadTimeout int

	// TransferIdleTimeout specifies the time in milliseconds after
	// which a partially received upload with no new packets is
	// discarded.
	TransferIdleTimeout int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.ReadTimeout <= 0 {
		dCfg.ReadTimeout = defaultReadTimeout
	}
	if dCfg.TransferIdleTimeout <= 0 {
		dCfg.TransferIdleTimeout = defaultTransferIdleTimeout
	}
}

// Logging is the server logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Management is the management interface configuration.
type Management struct {
	// Enable enables the management interface.
	Enable bool

	// Path specifies the path to the management interface socket.  If
	// left empty it will use `management_sock` under the DataDir.
	Path string
}

func (mCfg *Management) applyDefaults(sCfg *Server) {
	if mCfg.Path == "" {
		mCfg.Path = filepath.Join(sCfg.DataDir, defaultManagementSocket)
	}
}

func (mCfg *Management) validate() error {
	if !mCfg.Enable {
		return nil
	}
	if !filepath.IsAbs(mCfg.Path) {
		return fmt.Errorf("config: Management: Path '%v' is not an absolute path", mCfg.Path)
	}
	return nil
}

// Config is the top level server configuration.
type Config struct {
	Server     *Server
	Logging    *Logging
	Management *Management

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load
// variants instead.
func (cfg *Config) FixupAndValidate() error {
	// The Server section is mandatory, everything else is optional.
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Management == nil {
		cfg.Management = &Management{}
	}

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	cfg.Management.applyDefaults(cfg.Server)
	if err := cfg.Management.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Debug.applyDefaults()

	return nil
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: No nil buffer as config file")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
