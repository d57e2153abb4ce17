// config_test.go - Configuration tests.
// Copyright (C) 2026  Nachtpost Authors.
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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := Load([]byte(`
[Server]
DataDir = "/var/lib/ratchetd"
`))
	require.NoError(t, err)
	require.Equal(t, defaultAddress, cfg.Server.Address)
	require.Equal(t, defaultMetricsAddress, cfg.Server.MetricsAddress)
	require.Equal(t, defaultLogLevel, cfg.Logging.Level)
	require.Equal(t, defaultNIKEScheme, cfg.Ratchet.Scheme)
}

func TestConfigFull(t *testing.T) {
	cfg, err := Load([]byte(`
[Server]
Address = "0.0.0.0:9000"
MetricsAddress = "127.0.0.1:9100"
DataDir = "/var/lib/ratchetd"
MasterKeyFile = "/var/lib/ratchetd/master.key"
Production = true

[Logging]
Level = "debug"
File = "/var/log/ratchetd.log"

[Ratchet]
Scheme = "x448"
`))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.Server.Address)
	require.True(t, cfg.Server.Production)
	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, "x448", cfg.Ratchet.Scheme)
}

func TestConfigValidation(t *testing.T) {
	// Missing Server block.
	_, err := Load([]byte(`[Logging]`))
	require.Error(t, err)

	// Missing DataDir.
	_, err = Load([]byte(`
[Server]
Address = "127.0.0.1:8080"
`))
	require.Error(t, err)

	// Relative DataDir.
	_, err = Load([]byte(`
[Server]
DataDir = "var/lib/ratchetd"
`))
	require.Error(t, err)

	// Bad log level.
	_, err = Load([]byte(`
[Server]
DataDir = "/var/lib/ratchetd"

[Logging]
Level = "CHATTY"
`))
	require.Error(t, err)

	// Unknown keys are rejected.
	_, err = Load([]byte(`
[Server]
DataDir = "/var/lib/ratchetd"
Bogus = true
`))
	require.Error(t, err)
}

func TestConfigProductionRequiresMasterKey(t *testing.T) {
	_, err := Load([]byte(`
[Server]
DataDir = "/var/lib/ratchetd"
Production = true
`))
	require.Error(t, err)

	cfg, err := Load([]byte(`
[Server]
DataDir = "/var/lib/ratchetd"
Production = true
MasterKeyFile = "/var/lib/ratchetd/master.key"
`))
	require.NoError(t, err)
	// Metrics are not silently enabled in production.
	require.Equal(t, "", cfg.Server.MetricsAddress)
}
