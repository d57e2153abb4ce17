// ledger.go - Algorithm negotiation ledger.
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

// Package negotiation records which algorithm suite a pair of parties
// settled on for a conversation.  Exactly one record per conversation is
// active at a time; recording a new suite supersedes the old one.
package negotiation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/nachtpost/ratchetd/core/log"
	"github.com/nachtpost/ratchetd/internal/instrument"
	"github.com/nachtpost/ratchetd/storage"
)

const bucket = "negotiations"

// NegotiationTTL is how long a recorded suite is considered current before
// the parties are expected to renegotiate.
const NegotiationTTL = 30 * 24 * time.Hour

var ErrNotRecorded = errors.New("negotiation: record failed")

// SelectedAlgorithms identifies the suite the parties agreed on.
type SelectedAlgorithms struct {
	KeyExchange string `json:"keyExchange" cbor:"keyExchange"`
	Signature   string `json:"signature" cbor:"signature"`
	Encryption  string `json:"encryption" cbor:"encryption"`
}

// Capabilities is the algorithm support a party advertised during the
// exchange.
type Capabilities struct {
	KEMAlgorithms       []string `json:"kemAlgorithms" cbor:"kemAlgorithms"`
	SignatureAlgorithms []string `json:"signatureAlgorithms" cbor:"signatureAlgorithms"`
	AEADAlgorithms      []string `json:"aeadAlgorithms" cbor:"aeadAlgorithms"`
}

// Negotiation is one recorded agreement.
type Negotiation struct {
	ID                    string             `json:"negotiationId" cbor:"id"`
	ConversationID        string             `json:"conversationId" cbor:"conversationId"`
	InitiatorID           string             `json:"initiatorId" cbor:"initiatorId"`
	ResponderID           string             `json:"responderId" cbor:"responderId"`
	Selected              SelectedAlgorithms `json:"selectedAlgorithms" cbor:"selected"`
	SecurityLevel         int                `json:"achievedSecurityLevel" cbor:"securityLevel"`
	QuantumResistant      bool               `json:"quantumResistant" cbor:"quantumResistant"`
	InitiatorCapabilities Capabilities       `json:"initiatorCapabilities" cbor:"initiatorCapabilities"`
	ResponderCapabilities Capabilities       `json:"responderCapabilities" cbor:"responderCapabilities"`
	CreatedAt             time.Time          `json:"createdAt" cbor:"createdAt"`
	ExpiresAt             time.Time          `json:"expiresAt" cbor:"expiresAt"`
	Active                bool               `json:"isActive" cbor:"active"`
}

// Stats is the aggregate view over a timeframe.
type Stats struct {
	Total          int            `json:"total"`
	ByAlgorithm    map[string]int `json:"byAlgorithm"`
	EncryptionRate float64        `json:"encryptionRate"`
}

// Ledger is the bolt backed negotiation store.
type Ledger struct {
	sync.Mutex

	store *storage.Store
	log   *logging.Logger
}

// NewLedger constructs a Ledger over the store.
func NewLedger(store *storage.Store, logBackend *log.Backend) *Ledger {
	return &Ledger{
		store: store,
		log:   logBackend.GetLogger("negotiation"),
	}
}

func newID() (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Record durably records the agreed suite for a conversation, superseding
// any previously active record.
func (l *Ledger) Record(n *Negotiation) (string, error) {
	l.Lock()
	defer l.Unlock()

	id, err := newID()
	if err != nil {
		return "", err
	}

	// Supersede the previously active record, if any.
	prev, err := l.getActiveLocked(n.ConversationID)
	if err != nil {
		return "", err
	}
	if prev != nil {
		prev.Active = false
		if err = l.put(prev); err != nil {
			return "", err
		}
	}

	rec := *n
	rec.ID = id
	rec.CreatedAt = time.Now().UTC()
	rec.ExpiresAt = rec.CreatedAt.Add(NegotiationTTL)
	rec.Active = true
	if err = l.put(&rec); err != nil {
		return "", err
	}

	l.log.Debugf("recorded negotiation %s for conversation %s (%s)", id, n.ConversationID, rec.Selected.KeyExchange)
	instrument.NegotiationRecorded(rec.Selected.KeyExchange)
	return id, nil
}

func (l *Ledger) put(n *Negotiation) error {
	blob, err := cbor.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotRecorded, err)
	}
	return l.store.PutDocument(bucket, n.ID, blob)
}

// GetActive returns the active negotiation for a conversation, or nil when
// none was ever recorded or the record lapsed.
func (l *Ledger) GetActive(conversationID string) (*Negotiation, error) {
	l.Lock()
	defer l.Unlock()
	return l.getActiveLocked(conversationID)
}

func (l *Ledger) getActiveLocked(conversationID string) (*Negotiation, error) {
	var active *Negotiation
	err := l.store.ForEachDocument(bucket, func(_ string, plaintext []byte) error {
		rec := new(Negotiation)
		if err := cbor.Unmarshal(plaintext, rec); err != nil {
			return err
		}
		if rec.ConversationID != conversationID || !rec.Active {
			return nil
		}
		if time.Now().After(rec.ExpiresAt) {
			return nil
		}
		if active == nil || rec.CreatedAt.After(active.CreatedAt) {
			active = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}

// Stats aggregates the records created within the timeframe.  The
// encryption rate is the share of conversations seen in the window that
// still have an active record.
func (l *Ledger) Stats(timeframe time.Duration) (*Stats, error) {
	l.Lock()
	defer l.Unlock()

	cutoff := time.Now().Add(-timeframe)
	stats := &Stats{ByAlgorithm: make(map[string]int)}
	conversations := make(map[string]bool)
	err := l.store.ForEachDocument(bucket, func(_ string, plaintext []byte) error {
		rec := new(Negotiation)
		if err := cbor.Unmarshal(plaintext, rec); err != nil {
			return err
		}
		if rec.CreatedAt.Before(cutoff) {
			return nil
		}
		stats.Total++
		stats.ByAlgorithm[rec.Selected.KeyExchange]++
		if rec.Active && time.Now().Before(rec.ExpiresAt) {
			conversations[rec.ConversationID] = true
		} else if !conversations[rec.ConversationID] {
			conversations[rec.ConversationID] = false
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(conversations) > 0 {
		activeCount := 0
		for _, active := range conversations {
			if active {
				activeCount++
			}
		}
		stats.EncryptionRate = float64(activeCount) / float64(len(conversations))
	}
	return stats, nil
}
