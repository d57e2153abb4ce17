// ledger_test.go - Negotiation ledger tests.
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

package negotiation

import (
	"io"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/nachtpost/ratchetd/core/log"
	"github.com/nachtpost/ratchetd/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	logBackend, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(t, err)

	masterKey := make([]byte, 32)
	_, err = io.ReadFull(rand.Reader, masterKey)
	require.NoError(t, err)
	store, err := storage.New(t.TempDir(), masterKey, logBackend)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return NewLedger(store, logBackend)
}

func hybridSuite() SelectedAlgorithms {
	return SelectedAlgorithms{
		KeyExchange: "MLKEM768-X25519",
		Signature:   "Ed25519",
		Encryption:  "CHACHA20-POLY1305",
	}
}

func TestLedgerRecordAndGetActive(t *testing.T) {
	l := newTestLedger(t)

	active, err := l.GetActive("conv-1")
	require.NoError(t, err)
	require.Nil(t, active)

	id, err := l.Record(&Negotiation{
		ConversationID:   "conv-1",
		InitiatorID:      "alice",
		ResponderID:      "bob",
		Selected:         hybridSuite(),
		SecurityLevel:    3,
		QuantumResistant: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	active, err = l.GetActive("conv-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, id, active.ID)
	require.True(t, active.Active)
	require.True(t, active.QuantumResistant)

	// Another conversation is unaffected.
	active, err = l.GetActive("conv-2")
	require.NoError(t, err)
	require.Nil(t, active)
}

func TestLedgerSupersede(t *testing.T) {
	l := newTestLedger(t)

	first, err := l.Record(&Negotiation{
		ConversationID: "conv-1",
		Selected:       SelectedAlgorithms{KeyExchange: "x25519", Encryption: "CHACHA20-POLY1305"},
	})
	require.NoError(t, err)

	second, err := l.Record(&Negotiation{
		ConversationID:   "conv-1",
		Selected:         hybridSuite(),
		QuantumResistant: true,
	})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	active, err := l.GetActive("conv-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, second, active.ID)
	require.Equal(t, "MLKEM768-X25519", active.Selected.KeyExchange)
}

func TestLedgerStats(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Record(&Negotiation{ConversationID: "conv-1", Selected: hybridSuite()})
	require.NoError(t, err)
	_, err = l.Record(&Negotiation{ConversationID: "conv-1", Selected: hybridSuite()})
	require.NoError(t, err)
	_, err = l.Record(&Negotiation{
		ConversationID: "conv-2",
		Selected:       SelectedAlgorithms{KeyExchange: "x25519"},
	})
	require.NoError(t, err)

	stats, err := l.Stats(time.Hour)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.ByAlgorithm["MLKEM768-X25519"])
	require.Equal(t, 1, stats.ByAlgorithm["x25519"])
	require.InDelta(t, 1.0, stats.EncryptionRate, 0.001)

	stats, err = l.Stats(time.Nanosecond)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Total)
}
