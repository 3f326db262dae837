// config_test.go - config tests.
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

package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	const basicConfig = `# A basic configuration example.
[Server]
Identifier = "backup.example.com"
Addresses = [ "tcp://127.0.0.1:3219" ]
DataDir = "/var/lib/arkivd"

[Logging]
Level = "debug"
`
	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load()")

	assert.Equal("backup.example.com", cfg.Server.Identifier)
	assert.Equal("DEBUG", cfg.Logging.Level, "level is forced uppercase")

	// Optional sections get defaults.
	assert.Equal(defaultReadTimeout, cfg.Debug.ReadTimeout)
	assert.Equal(defaultTransferIdleTimeout, cfg.Debug.TransferIdleTimeout)
	assert.Equal(filepath.Join("/var/lib/arkivd", defaultManagementSocket), cfg.Management.Path)
	assert.False(cfg.Management.Enable)
}

func TestConfigErrors(t *testing.T) {
	assert := assert.New(t)

	_, err := Load(nil)
	assert.Error(err, "nil buffer")

	_, err = Load([]byte(`[Logging]
Level = "NOTICE"
`))
	assert.Error(err, "missing Server block")

	_, err = Load([]byte(`[Server]
Identifier = "x"
DataDir = "relative/path"
`))
	assert.Error(err, "relative DataDir")

	_, err = Load([]byte(`[Server]
Identifier = "x"
DataDir = "/d"
Addresses = [ "udp://127.0.0.1:3219" ]
`))
	assert.Error(err, "unsupported address scheme")

	_, err = Load([]byte(`[Server]
Identifier = "x"
DataDir = "/d"
Addresses = [ "tcp://127.0.0.1" ]
`))
	assert.Error(err, "address without port")

	_, err = Load([]byte(`[Server]
Identifier = "x"
DataDir = "/d"

[Logging]
Level = "verbose"
`))
	assert.Error(err, "bogus log level")

	_, err = Load([]byte(`[Server]
Identifier = "x"
DataDir = "/d"

[Management]
Enable = true
Path = "not/absolute"
`))
	assert.Error(err, "relative management socket path")
}
