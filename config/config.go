// config.go - Daemon configuration.
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

// Package config provides the ratchetd daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultAddress        = "127.0.0.1:8080"
	defaultMetricsAddress = "127.0.0.1:6543"
	defaultLogLevel       = "NOTICE"
	defaultNIKEScheme     = "x25519"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// MasterKeySize is the required length of the at-rest master key file.
const MasterKeySize = 32

// Server is the server configuration.
type Server struct {
	// Address is the HTTP listen address.
	Address string

	// MetricsAddress is the Prometheus scrape listen address.  An empty
	// string disables the metrics listener.
	MetricsAddress string

	// DataDir is the absolute path to the server's state directory.
	DataDir string

	// MasterKeyFile is the path to the 32 byte at-rest encryption key.
	// Required when Production is set; in non-production mode an absent
	// key falls back to an ephemeral one, losing state across restarts.
	MasterKeyFile string

	// Production enables production hardening: refusing to start without
	// a master key.
	Production bool
}

func (sCfg *Server) validate() error {
	if sCfg.Address == "" {
		sCfg.Address = defaultAddress
	}
	if sCfg.DataDir == "" {
		return errors.New("config: Server: DataDir is not set")
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.Production && sCfg.MasterKeyFile == "" {
		return errors.New("config: Server: MasterKeyFile is required in production mode")
	}
	return nil
}

// Logging is the logging configuration.
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
	case "":
		lCfg.Level = defaultLogLevel
		return nil
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Ratchet is the ratchet engine configuration.
type Ratchet struct {
	// Scheme is the NIKE scheme name used for DH ratchet steps.
	Scheme string
}

func (rCfg *Ratchet) applyDefaults() {
	if rCfg.Scheme == "" {
		rCfg.Scheme = defaultNIKEScheme
	}
}

// Config is the top level ratchetd configuration.
type Config struct {
	Server  *Server
	Logging *Logging
	Ratchet *Ratchet
}

// FixupAndValidate applies defaults and validates the configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Ratchet == nil {
		cfg.Ratchet = &Ratchet{}
	}
	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Ratchet.applyDefaults()
	if cfg.Server.MetricsAddress == "" && !cfg.Server.Production {
		cfg.Server.MetricsAddress = defaultMetricsAddress
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
