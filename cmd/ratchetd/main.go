// main.go - Ratchetd server binary.
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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/katzenpost/hpqc/rand"
	"github.com/spf13/cobra"

	"github.com/nachtpost/ratchetd/config"
	"github.com/nachtpost/ratchetd/server"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	GenKey     bool
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "ratchetd",
		Short: "End-to-end encryption key management daemon",
		Long: `Ratchetd manages server-side double ratchet state for end-to-end
encrypted conversations.  It persists per-conversation ratchet state
encrypted at rest, coordinates hybrid classical plus post quantum key
exchanges between users, relays encrypted key material between a user's
devices, and records the algorithm suite negotiated per conversation.

All key material is sealed with a master key before it touches disk.
The daemon never sees plaintext beyond the envelope operations the
callers explicitly request.`,
		Example: `  # Start the daemon with a custom configuration file
  ratchetd -f /etc/ratchetd/ratchetd.toml

  # Generate a fresh at-rest master key and exit
  ratchetd -f /etc/ratchetd/ratchetd.toml --generate-key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "ratchetd.toml",
		"path to the daemon configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.GenKey, "generate-key", "g", false,
		"generate the at-rest master key file and exit without starting the daemon")

	return cmd
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

// generateMasterKey writes a fresh master key to the configured key file,
// refusing to clobber an existing one.
func generateMasterKey(cfg *config.Config) error {
	f := cfg.Server.MasterKeyFile
	if f == "" {
		return errors.New("no Server.MasterKeyFile configured")
	}
	if _, err := os.Stat(f); err == nil {
		return fmt.Errorf("master key file '%v' already exists", f)
	}
	key := make([]byte, config.MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return err
	}
	return os.WriteFile(f, key, 0600)
}

func runServer(cfg Config) error {
	serverCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}

	if cfg.GenKey {
		return generateMasterKey(serverCfg)
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	// Start up the server.
	svr, err := server.New(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the server gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Wait for the server to explode or be terminated.
	svr.Wait()
	return nil
}
