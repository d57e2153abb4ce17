// coordinator.go - Key exchange relay state machine.
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

package keyexchange

import (
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/nachtpost/ratchetd/core/log"
	"github.com/nachtpost/ratchetd/internal/instrument"
	"github.com/nachtpost/ratchetd/negotiation"
	"github.com/nachtpost/ratchetd/ratchet"
	"github.com/nachtpost/ratchetd/storage"
)

const (
	bucket = "exchanges"

	// ExchangeTTL is how long an exchange may sit unfinished before it
	// expires.
	ExchangeTTL = 24 * time.Hour
)

// Status is the exchange lifecycle state.  Transitions are strictly
// forward moving.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResponded Status = "responded"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Type classifies what the exchange establishes.
type Type string

const (
	TypeInitialSetup   Type = "initial_setup"
	TypeRatchetUpdate  Type = "ratchet_update"
	TypePQCUpgrade     Type = "pqc_upgrade"
	TypeDeviceAddition Type = "device_addition"
)

func validType(t Type) bool {
	switch t {
	case TypeInitialSetup, TypeRatchetUpdate, TypePQCUpgrade, TypeDeviceAddition:
		return true
	}
	return false
}

var (
	ErrNotFound     = errors.New("keyexchange: exchange not found")
	ErrUnauthorized = errors.New("keyexchange: caller is not a party to the exchange")
	ErrInvalidState = errors.New("keyexchange: invalid state transition")
	ErrExpired      = errors.New("keyexchange: exchange expired")
	ErrUnknownType  = errors.New("keyexchange: unknown exchange type")
)

// Exchange is one relayed key exchange.  The encrypted payloads are opaque
// to the coordinator; GetData hands each party only the half it is
// entitled to decrypt.
type Exchange struct {
	ID             string `json:"exchangeId" cbor:"id"`
	InitiatorID    string `json:"initiatorId" cbor:"initiatorId"`
	RecipientID    string `json:"recipientId" cbor:"recipientId"`
	ConversationID string `json:"conversationId" cbor:"conversationId"`
	Type           Type   `json:"exchangeType" cbor:"type"`
	Status         Status `json:"status" cbor:"status"`

	InitiatorBundle *PublicKeyBundle `json:"publicKeyBundle,omitempty" cbor:"initiatorBundle,omitempty"`
	RecipientBundle *PublicKeyBundle `json:"recipientKeyBundle,omitempty" cbor:"recipientBundle,omitempty"`

	EncryptedKeyData      []byte `json:"encryptedKeyData,omitempty" cbor:"encryptedKeyData,omitempty"`
	ResponseData          []byte `json:"responseData,omitempty" cbor:"responseData,omitempty"`
	ConfirmationSignature []byte `json:"confirmationSignature,omitempty" cbor:"confirmationSignature,omitempty"`

	CreatedAt time.Time `json:"createdAt" cbor:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" cbor:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt" cbor:"expiresAt"`
}

func (e *Exchange) isParty(userID string) bool {
	return userID == e.InitiatorID || userID == e.RecipientID
}

// Stats is the aggregate exchange view over a timeframe.
type Stats struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"byStatus"`
	ByType      map[string]int `json:"byType"`
	SuccessRate float64        `json:"successRate"`
}

// Coordinator relays exchanges between parties and drives the lifecycle
// state machine.  All mutations are serialized; expiry is evaluated lazily
// on every load.
type Coordinator struct {
	sync.Mutex

	store  *storage.Store
	ledger *negotiation.Ledger
	log    *logging.Logger
}

// NewCoordinator constructs a Coordinator.  Completed initial_setup
// exchanges are recorded in the ledger.
func NewCoordinator(store *storage.Store, ledger *negotiation.Ledger, logBackend *log.Backend) *Coordinator {
	return &Coordinator{
		store:  store,
		ledger: ledger,
		log:    logBackend.GetLogger("keyexchange"),
	}
}

func newExchangeID() (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Initiate creates a pending exchange.
func (c *Coordinator) Initiate(initiatorID, recipientID, conversationID string, exchangeType Type, bundle *PublicKeyBundle, encryptedKeyData []byte) (*Exchange, error) {
	if !validType(exchangeType) {
		return nil, ErrUnknownType
	}
	if bundle == nil {
		return nil, ErrInvalidBundle
	}
	if err := bundle.Validate(); err != nil {
		return nil, err
	}

	c.Lock()
	defer c.Unlock()

	id, err := newExchangeID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	ex := &Exchange{
		ID:               id,
		InitiatorID:      initiatorID,
		RecipientID:      recipientID,
		ConversationID:   conversationID,
		Type:             exchangeType,
		Status:           StatusPending,
		InitiatorBundle:  bundle,
		EncryptedKeyData: encryptedKeyData,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(ExchangeTTL),
	}
	if err = c.put(ex); err != nil {
		return nil, err
	}
	c.log.Debugf("exchange %s initiated (%s) for conversation %s", id, exchangeType, conversationID)
	instrument.ExchangeInitiated(string(exchangeType))
	return ex, nil
}

// Respond records the recipient's answer, moving the exchange from pending
// to responded.
func (c *Coordinator) Respond(exchangeID, recipientID string, responseData []byte, bundle *PublicKeyBundle) (*Exchange, error) {
	if bundle != nil {
		if err := bundle.Validate(); err != nil {
			return nil, err
		}
	}

	c.Lock()
	defer c.Unlock()

	ex, err := c.load(exchangeID)
	if err != nil {
		return nil, err
	}
	if ex.RecipientID != recipientID {
		return nil, ErrUnauthorized
	}
	switch ex.Status {
	case StatusPending:
	case StatusExpired:
		return nil, ErrExpired
	default:
		return nil, ErrInvalidState
	}

	ex.Status = StatusResponded
	ex.ResponseData = responseData
	ex.RecipientBundle = bundle
	ex.UpdatedAt = time.Now().UTC()
	if err = c.put(ex); err != nil {
		return nil, err
	}
	return ex, nil
}

// Complete finishes a responded exchange.  Completing an initial_setup
// exchange records the negotiated suite in the ledger.
func (c *Coordinator) Complete(exchangeID, userID string, confirmationSignature []byte) (*Exchange, error) {
	c.Lock()
	defer c.Unlock()

	ex, err := c.load(exchangeID)
	if err != nil {
		return nil, err
	}
	if !ex.isParty(userID) {
		return nil, ErrUnauthorized
	}
	switch ex.Status {
	case StatusResponded:
	case StatusExpired:
		return nil, ErrExpired
	default:
		return nil, ErrInvalidState
	}

	ex.Status = StatusCompleted
	ex.ConfirmationSignature = confirmationSignature
	ex.UpdatedAt = time.Now().UTC()
	if err = c.put(ex); err != nil {
		return nil, err
	}
	instrument.ExchangeCompleted()

	if ex.Type == TypeInitialSetup {
		if _, err = c.ledger.Record(negotiationRecord(ex)); err != nil {
			c.log.Warningf("exchange %s completed but negotiation record failed: %v", ex.ID, err)
		}
	}
	return ex, nil
}

func negotiationRecord(ex *Exchange) *negotiation.Negotiation {
	caps := func(b *PublicKeyBundle) negotiation.Capabilities {
		if b == nil {
			return negotiation.Capabilities{}
		}
		return negotiation.Capabilities{
			KEMAlgorithms:       []string{b.KEMAlgorithm},
			SignatureAlgorithms: []string{DefaultSignatureScheme},
			AEADAlgorithms:      []string{ratchet.EnvelopeAlgorithm},
		}
	}
	rec := &negotiation.Negotiation{
		ConversationID: ex.ConversationID,
		InitiatorID:    ex.InitiatorID,
		ResponderID:    ex.RecipientID,
		Selected: negotiation.SelectedAlgorithms{
			KeyExchange: ex.InitiatorBundle.KEMAlgorithm,
			Signature:   DefaultSignatureScheme,
			Encryption:  ratchet.EnvelopeAlgorithm,
		},
		SecurityLevel:         ex.InitiatorBundle.SecurityLevel,
		QuantumResistant:      ex.InitiatorBundle.QuantumResistant,
		InitiatorCapabilities: caps(ex.InitiatorBundle),
		ResponderCapabilities: caps(ex.RecipientBundle),
	}
	return rec
}

// ListPending returns the caller's pending exchanges as recipient, oldest
// first, up to limit (0 means no limit).
func (c *Coordinator) ListPending(userID string, limit int) ([]*Exchange, error) {
	c.Lock()
	defer c.Unlock()

	var pending []*Exchange
	err := c.store.ForEachDocument(bucket, func(_ string, plaintext []byte) error {
		ex := new(Exchange)
		if err := cbor.Unmarshal(plaintext, ex); err != nil {
			return err
		}
		if ex.RecipientID != userID || ex.Status != StatusPending {
			return nil
		}
		if time.Now().After(ex.ExpiresAt) {
			return nil
		}
		pending = append(pending, ex)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// GetData returns the exchange with only the encrypted payload the caller
// is entitled to decrypt: the initiator sees responseData, the recipient
// sees encryptedKeyData.
func (c *Coordinator) GetData(exchangeID, userID string) (*Exchange, error) {
	c.Lock()
	defer c.Unlock()

	ex, err := c.load(exchangeID)
	if err != nil {
		return nil, err
	}
	if !ex.isParty(userID) {
		return nil, ErrUnauthorized
	}
	redacted := *ex
	if userID == ex.InitiatorID {
		redacted.EncryptedKeyData = nil
	} else {
		redacted.ResponseData = nil
	}
	return &redacted, nil
}

// CleanupExpired marks all overdue pending and responded exchanges as
// expired and returns how many transitioned.
func (c *Coordinator) CleanupExpired() (int, error) {
	c.Lock()
	defer c.Unlock()

	var stale []*Exchange
	err := c.store.ForEachDocument(bucket, func(_ string, plaintext []byte) error {
		ex := new(Exchange)
		if err := cbor.Unmarshal(plaintext, ex); err != nil {
			return err
		}
		if (ex.Status == StatusPending || ex.Status == StatusResponded) && time.Now().After(ex.ExpiresAt) {
			stale = append(stale, ex)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, ex := range stale {
		ex.Status = StatusExpired
		ex.UpdatedAt = time.Now().UTC()
		if err = c.put(ex); err != nil {
			return 0, err
		}
		instrument.ExchangeExpired()
	}
	return len(stale), nil
}

// Stats aggregates the exchanges created within the timeframe.
func (c *Coordinator) Stats(timeframe time.Duration) (*Stats, error) {
	c.Lock()
	defer c.Unlock()

	cutoff := time.Now().Add(-timeframe)
	stats := &Stats{
		ByStatus: make(map[string]int),
		ByType:   make(map[string]int),
	}
	err := c.store.ForEachDocument(bucket, func(_ string, plaintext []byte) error {
		ex := new(Exchange)
		if err := cbor.Unmarshal(plaintext, ex); err != nil {
			return err
		}
		if ex.CreatedAt.Before(cutoff) {
			return nil
		}
		status := ex.Status
		if (status == StatusPending || status == StatusResponded) && time.Now().After(ex.ExpiresAt) {
			status = StatusExpired
		}
		stats.Total++
		stats.ByStatus[string(status)]++
		stats.ByType[string(ex.Type)]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.ByStatus[string(StatusCompleted)]) / float64(stats.Total)
	}
	return stats, nil
}

// load fetches an exchange, transitioning it to expired first when its TTL
// has lapsed.
func (c *Coordinator) load(exchangeID string) (*Exchange, error) {
	blob, err := c.store.GetDocument(bucket, exchangeID)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, ErrNotFound
	}
	ex := new(Exchange)
	if err = cbor.Unmarshal(blob, ex); err != nil {
		return nil, err
	}
	if (ex.Status == StatusPending || ex.Status == StatusResponded) && time.Now().After(ex.ExpiresAt) {
		ex.Status = StatusExpired
		ex.UpdatedAt = time.Now().UTC()
		if err = c.put(ex); err != nil {
			return nil, err
		}
		instrument.ExchangeExpired()
	}
	return ex, nil
}

func (c *Coordinator) put(ex *Exchange) error {
	blob, err := cbor.Marshal(ex)
	if err != nil {
		return err
	}
	return c.store.PutDocument(bucket, ex.ID, blob)
}
