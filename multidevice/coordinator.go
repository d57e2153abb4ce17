// coordinator.go - Cross device key package relay.
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

package multidevice

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"
	signschemes "github.com/katzenpost/hpqc/sign/schemes"
	"gopkg.in/op/go-logging.v1"

	"github.com/nachtpost/ratchetd/core/log"
	"github.com/nachtpost/ratchetd/internal/instrument"
	"github.com/nachtpost/ratchetd/storage"
)

const (
	packagesBucket = "syncpackages"

	// PackageTTL is how long an undelivered package is retained.
	PackageTTL = 72 * time.Hour

	signatureScheme = "Ed25519"
)

// Priority orders delivery of pending packages.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

var priorityRank = map[Priority]int{
	PriorityLow:    0,
	PriorityMedium: 1,
	PriorityHigh:   2,
}

// Status is the package lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

var (
	ErrPackageNotFound    = errors.New("multidevice: package not found")
	ErrUnauthorized       = errors.New("multidevice: caller does not own the device")
	ErrOwnershipMismatch  = errors.New("multidevice: devices belong to different users")
	ErrUnknownDevice      = errors.New("multidevice: device not registered")
	ErrInvalidPriority    = errors.New("multidevice: invalid sync priority")
	ErrInvalidSignature   = errors.New("multidevice: package signature verification failed")
	ErrAlreadyProcessed   = errors.New("multidevice: package is not pending")
	ErrIntegrityViolation = errors.New("multidevice: integrity hash mismatch")
)

// SyncPackage is one encrypted key transfer between two devices of the
// same user.
type SyncPackage struct {
	ID               string   `json:"packageId" cbor:"id"`
	UserID           string   `json:"userId" cbor:"userId"`
	FromDeviceID     string   `json:"fromDeviceId" cbor:"fromDeviceId"`
	ToDeviceID       string   `json:"toDeviceId" cbor:"toDeviceId"`
	KeyType          string   `json:"keyType" cbor:"keyType"`
	ConversationID   string   `json:"conversationId,omitempty" cbor:"conversationId,omitempty"`
	EncryptedKeyData []byte   `json:"encryptedKeyData" cbor:"encryptedKeyData"`
	IntegrityHash    []byte   `json:"integrityHash" cbor:"integrityHash"`
	Signature        []byte   `json:"signature,omitempty" cbor:"signature,omitempty"`
	Priority         Priority `json:"syncPriority" cbor:"priority"`
	Status           Status   `json:"status" cbor:"status"`
	ErrorMessage     string   `json:"errorMessage,omitempty" cbor:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt" cbor:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" cbor:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt" cbor:"expiresAt"`
}

// Coordinator relays packages between a user's devices.
type Coordinator struct {
	sync.Mutex

	store    *storage.Store
	registry Registry
	log      *logging.Logger
}

// NewCoordinator constructs a Coordinator over the store and device
// registry.
func NewCoordinator(store *storage.Store, registry Registry, logBackend *log.Backend) *Coordinator {
	return &Coordinator{
		store:    store,
		registry: registry,
		log:      logBackend.GetLogger("multidevice"),
	}
}

func newPackageID() (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreatePackage enqueues an encrypted key package from one of userID's
// devices to another.  Both devices must be registered to userID.  When
// the sending device has a signing key, signature must verify over the
// encrypted payload.
func (c *Coordinator) CreatePackage(userID, fromDeviceID, toDeviceID, keyType, conversationID string, encryptedKeyData, signature []byte, priority Priority) (*SyncPackage, error) {
	if priority == "" {
		priority = PriorityMedium
	}
	if _, ok := priorityRank[priority]; !ok {
		return nil, ErrInvalidPriority
	}

	from, err := c.registry.Get(fromDeviceID)
	if err != nil {
		return nil, err
	}
	to, err := c.registry.Get(toDeviceID)
	if err != nil {
		return nil, err
	}
	if from == nil || to == nil {
		return nil, ErrUnknownDevice
	}
	if from.UserID != userID || to.UserID != userID {
		return nil, ErrOwnershipMismatch
	}
	if len(from.SigningPublicKey) != 0 {
		if err = verifySignature(from.SigningPublicKey, encryptedKeyData, signature); err != nil {
			return nil, err
		}
	}

	c.Lock()
	defer c.Unlock()

	id, err := newPackageID()
	if err != nil {
		return nil, err
	}
	digest := hash.Sum256(encryptedKeyData)
	now := time.Now().UTC()
	pkg := &SyncPackage{
		ID:               id,
		UserID:           userID,
		FromDeviceID:     fromDeviceID,
		ToDeviceID:       toDeviceID,
		KeyType:          keyType,
		ConversationID:   conversationID,
		EncryptedKeyData: encryptedKeyData,
		IntegrityHash:    digest[:],
		Signature:        signature,
		Priority:         priority,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(PackageTTL),
	}
	if err = c.put(pkg); err != nil {
		return nil, err
	}
	c.log.Debugf("package %s queued %s -> %s (%s)", id, fromDeviceID, toDeviceID, priority)
	instrument.SyncPackageCreated()
	return pkg, nil
}

func verifySignature(signingPublicKey, message, signature []byte) error {
	if len(signature) == 0 {
		return ErrInvalidSignature
	}
	scheme := signschemes.ByName(signatureScheme)
	pk, err := scheme.UnmarshalBinaryPublicKey(signingPublicKey)
	if err != nil {
		return ErrInvalidSignature
	}
	if !scheme.Verify(pk, message, signature, nil) {
		return ErrInvalidSignature
	}
	return nil
}

// ListPending returns the unexpired pending packages addressed to
// deviceID, highest priority first, then oldest first.  The device must
// belong to userID.
func (c *Coordinator) ListPending(deviceID, userID string) ([]*SyncPackage, error) {
	device, err := c.registry.Get(deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil || device.UserID != userID {
		return nil, ErrUnauthorized
	}

	c.Lock()
	defer c.Unlock()

	var pending []*SyncPackage
	err = c.store.ForEachDocument(packagesBucket, func(_ string, plaintext []byte) error {
		pkg := new(SyncPackage)
		if err := cbor.Unmarshal(plaintext, pkg); err != nil {
			return err
		}
		if pkg.ToDeviceID != deviceID || pkg.Status != StatusPending {
			return nil
		}
		if time.Now().After(pkg.ExpiresAt) {
			return nil
		}
		// Refuse to deliver a payload that no longer matches its recorded
		// digest.
		digest := hash.Sum256(pkg.EncryptedKeyData)
		if !bytes.Equal(digest[:], pkg.IntegrityHash) {
			return ErrIntegrityViolation
		}
		pending = append(pending, pkg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(pending, func(i, j int) bool {
		if priorityRank[pending[i].Priority] != priorityRank[pending[j].Priority] {
			return priorityRank[pending[i].Priority] > priorityRank[pending[j].Priority]
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// MarkProcessed records the target device's delivery outcome.  Only the
// owner of the destination device may report it.
func (c *Coordinator) MarkProcessed(packageID, userID string, success bool, errorMessage string) (*SyncPackage, error) {
	c.Lock()
	defer c.Unlock()

	pkg, err := c.load(packageID)
	if err != nil {
		return nil, err
	}
	device, err := c.registry.Get(pkg.ToDeviceID)
	if err != nil {
		return nil, err
	}
	if device == nil || device.UserID != userID {
		return nil, ErrUnauthorized
	}
	if pkg.Status != StatusPending {
		return nil, ErrAlreadyProcessed
	}

	if success {
		pkg.Status = StatusProcessed
		// The payload served its purpose; don't retain it.
		pkg.EncryptedKeyData = nil
	} else {
		pkg.Status = StatusFailed
		pkg.ErrorMessage = errorMessage
	}
	pkg.UpdatedAt = time.Now().UTC()
	if err = c.put(pkg); err != nil {
		return nil, err
	}
	instrument.SyncPackageProcessed()
	return pkg, nil
}

// CleanupExpired marks all overdue pending packages as expired and drops
// their payloads.  It returns how many transitioned.
func (c *Coordinator) CleanupExpired() (int, error) {
	c.Lock()
	defer c.Unlock()

	var stale []*SyncPackage
	err := c.store.ForEachDocument(packagesBucket, func(_ string, plaintext []byte) error {
		pkg := new(SyncPackage)
		if err := cbor.Unmarshal(plaintext, pkg); err != nil {
			return err
		}
		if pkg.Status == StatusPending && time.Now().After(pkg.ExpiresAt) {
			stale = append(stale, pkg)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, pkg := range stale {
		pkg.Status = StatusExpired
		pkg.EncryptedKeyData = nil
		pkg.UpdatedAt = time.Now().UTC()
		if err = c.put(pkg); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (c *Coordinator) load(packageID string) (*SyncPackage, error) {
	blob, err := c.store.GetDocument(packagesBucket, packageID)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, ErrPackageNotFound
	}
	pkg := new(SyncPackage)
	if err = cbor.Unmarshal(blob, pkg); err != nil {
		return nil, err
	}
	return pkg, nil
}

func (c *Coordinator) put(pkg *SyncPackage) error {
	blob, err := cbor.Marshal(pkg)
	if err != nil {
		return err
	}
	return c.store.PutDocument(packagesBucket, pkg.ID, blob)
}
