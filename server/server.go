// server.go - Ratchetd server.
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

// Package server glues the storage, ratchet engine and coordinators
// together behind the HTTP interface.
//
// Key material never leaves the store over HTTP: GET /ratchet/state
// reports existence and counters only, not the serialized state, and the
// skipped-key sub-resource supports counting and deleting retained keys
// but not uploading them.  Callers needing ciphertext operations use the
// encrypt and decrypt endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/nachtpost/ratchetd/config"
	"github.com/nachtpost/ratchetd/core/log"
	"github.com/nachtpost/ratchetd/core/utils"
	"github.com/nachtpost/ratchetd/internal/instrument"
	"github.com/nachtpost/ratchetd/keyexchange"
	"github.com/nachtpost/ratchetd/multidevice"
	"github.com/nachtpost/ratchetd/negotiation"
	"github.com/nachtpost/ratchetd/ratchet"
	"github.com/nachtpost/ratchetd/storage"
)

const shutdownTimeout = 5 * time.Second

// Server is a ratchetd server instance.
type Server struct {
	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	store     *storage.Store
	engine    *ratchet.Engine
	ledger    *negotiation.Ledger
	exchanges *keyexchange.Coordinator
	registry  multidevice.Registry
	devices   *multidevice.Coordinator

	httpServer    *http.Server
	metricsServer *http.Server

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initLogging() error {
	f := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && f != "" {
		if !filepath.IsAbs(f) {
			f = filepath.Join(s.cfg.Server.DataDir, f)
		}
	}

	var err error
	s.logBackend, err = log.New(f, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// loadMasterKey reads the at-rest master key.  In production an absent or
// malformed key file is fatal; otherwise an ephemeral key is generated,
// with the consequence that persisted state does not survive a restart.
func (s *Server) loadMasterKey() ([]byte, error) {
	if s.cfg.Server.MasterKeyFile != "" {
		key, err := os.ReadFile(s.cfg.Server.MasterKeyFile)
		if err != nil {
			return nil, fmt.Errorf("server: failed to read master key: %v", err)
		}
		if len(key) != config.MasterKeySize {
			return nil, storage.ErrInvalidMasterKey
		}
		return key, nil
	}
	if s.cfg.Server.Production {
		return nil, errors.New("server: no master key in production mode")
	}
	s.log.Warning("No master key configured, generating an ephemeral one.")
	s.log.Warning("Persisted key material will be unreadable after a restart.")
	key := make([]byte, config.MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		fatalErrCh: make(chan error),
		haltedCh:   make(chan interface{}),
	}

	// Do the early initialization and bring up logging.
	if err := os.MkdirAll(s.cfg.Server.DataDir, 0700); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Notice("ratchetd starting up")
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	masterKey, err := s.loadMasterKey()
	if err != nil {
		s.log.Errorf("Failed to load master key: %v", err)
		return nil, err
	}
	s.store, err = storage.New(s.cfg.Server.DataDir, masterKey, s.logBackend)
	utils.ExplicitBzero(masterKey)
	if err != nil {
		s.log.Errorf("Failed to initialize store: %v", err)
		return nil, err
	}

	instrument.Init()
	s.engine = ratchet.NewEngine(s.store, s.logBackend, s.cfg.Ratchet.Scheme)
	s.ledger = negotiation.NewLedger(s.store, s.logBackend)
	s.exchanges = keyexchange.NewCoordinator(s.store, s.ledger, s.logBackend)
	s.registry = multidevice.NewRegistry(s.store)
	s.devices = multidevice.NewCoordinator(s.store, s.registry, s.logBackend)

	// Bring up the listeners.
	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		s.log.Errorf("Failed to listen on %v: %v", s.cfg.Server.Address, err)
		return nil, err
	}
	s.httpServer = &http.Server{Handler: s.newHTTPHandler()}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.fatal(err)
		}
	}()
	s.log.Noticef("listening on %v", ln.Addr())

	if s.cfg.Server.MetricsAddress != "" {
		mln, err := net.Listen("tcp", s.cfg.Server.MetricsAddress)
		if err != nil {
			s.log.Errorf("Failed to listen on metrics address %v: %v", s.cfg.Server.MetricsAddress, err)
			return nil, err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", instrument.Handler())
		s.metricsServer = &http.Server{Handler: mux}
		go func() {
			if err := s.metricsServer.Serve(mln); err != nil && err != http.ErrServerClosed {
				s.fatal(err)
			}
		}()
		s.log.Noticef("metrics on %v", mln.Addr())
	}

	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Errorf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	isOk = true
	return s, nil
}

func (s *Server) fatal(err error) {
	select {
	case s.fatalErrCh <- err:
	default:
	}
}

// Addr returns the address the HTTP listener is bound to.
func (s *Server) Addr() string {
	return s.cfg.Server.Address
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
	s.log.Notice("Starting graceful shutdown.")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
		s.httpServer = nil
	}
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(ctx)
		s.metricsServer = nil
	}
	if s.store != nil {
		s.store.Close()
		s.store = nil
	}

	close(s.fatalErrCh)
	s.log.Notice("Shutdown complete.")
	close(s.haltedCh)
}
