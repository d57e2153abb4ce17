// engine.go - Storage backed ratchet engine.
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

package ratchet

import (
	"sync"

	"github.com/katzenpost/hpqc/hash"
	"gopkg.in/op/go-logging.v1"

	"github.com/nachtpost/ratchetd/core/log"
	"github.com/nachtpost/ratchetd/internal/instrument"
)

// KeyMaterialStore is the persistence interface the engine reads and writes
// its state through.  Implementations encrypt blobs at rest and return a
// monotone version with every state read; a PutState with a stale expected
// version must be rejected.
//
// A missing state or skipped key is reported as a nil blob, not an error.
type KeyMaterialStore interface {
	GetState(conversationID, userID string) (blob []byte, version uint64, err error)
	PutState(conversationID, userID string, blob []byte, expectedVersion uint64) (uint64, error)
	DeleteState(conversationID, userID string) (bool, error)

	PutSkippedKey(conversationID, userID string, chainLength, messageNumber uint32, key []byte) error
	GetSkippedKey(conversationID, userID string, chainLength, messageNumber uint32) ([]byte, error)
	DeleteSkippedKey(conversationID, userID string, chainLength, messageNumber uint32) error
	CountSkippedKeys(conversationID, userID string) (int, error)
}

// Statistics is the per-state counter snapshot reported for observability.
type Statistics struct {
	SendingMessageNumber   uint32 `json:"sendingMessageNumber"`
	ReceivingMessageNumber uint32 `json:"receivingMessageNumber"`
	SendingChainLength     uint32 `json:"sendingChainLength"`
	ReceivingChainLength   uint32 `json:"receivingChainLength"`
	SkippedKeysCount       int    `json:"skippedKeysCount"`
}

const lockStripes = 256

// Engine drives ratchet sessions against a KeyMaterialStore.  All mutation
// of a given (conversationID, userID) state is serialized behind a striped
// mutex; concurrent sends against the same chain would otherwise derive the
// same message key.  Striping keeps the lock table bounded regardless of
// how many pairs the daemon serves; unrelated pairs sharing a stripe merely
// contend.
type Engine struct {
	store  KeyMaterialStore
	scheme string
	log    *logging.Logger

	locks [lockStripes]sync.Mutex
}

// NewEngine constructs an Engine using the given NIKE scheme name for DH
// ratchet steps of newly initialized sessions.
func NewEngine(store KeyMaterialStore, logBackend *log.Backend, schemeName string) *Engine {
	if schemeName == "" {
		schemeName = DefaultScheme
	}
	return &Engine{
		store:  store,
		scheme: schemeName,
		log:    logBackend.GetLogger("ratchet/engine"),
	}
}

func (e *Engine) lock(conversationID, userID string) *sync.Mutex {
	d := hash.Sum256([]byte(conversationID + "\x00" + userID))
	return &e.locks[d[0]]
}

// Initialize derives a fresh session from sharedSecret and persists it.
// It fails with ErrAlreadyInitialized when a state already exists, unless
// reset is set.
func (e *Engine) Initialize(conversationID, userID string, sharedSecret []byte, initiator, reset bool) error {
	mu := e.lock(conversationID, userID)
	mu.Lock()
	defer mu.Unlock()

	existing, version, err := e.store.GetState(conversationID, userID)
	if err != nil {
		return err
	}
	if existing != nil && !reset {
		return ErrAlreadyInitialized
	}

	sess, err := NewSession(e.scheme, sharedSecret, initiator)
	if err != nil {
		return err
	}
	defer sess.Destroy()
	blob, err := sess.Marshal()
	if err != nil {
		return err
	}
	if _, err = e.store.PutState(conversationID, userID, blob, version); err != nil {
		return err
	}
	e.log.Debugf("initialized ratchet state for conversation %s", conversationID)
	return nil
}

// HasState reports whether a ratchet state exists for the pair.
func (e *Engine) HasState(conversationID, userID string) (bool, error) {
	blob, _, err := e.store.GetState(conversationID, userID)
	return blob != nil, err
}

// Delete removes the state and all retained skipped keys.
func (e *Engine) Delete(conversationID, userID string) (bool, error) {
	mu := e.lock(conversationID, userID)
	mu.Lock()
	defer mu.Unlock()
	return e.store.DeleteState(conversationID, userID)
}

// Encrypt seals plaintext for the pair's current sending chain and persists
// the advanced state.
func (e *Engine) Encrypt(conversationID, userID string, plaintext, ad []byte) (*Envelope, error) {
	mu := e.lock(conversationID, userID)
	mu.Lock()
	defer mu.Unlock()

	sess, version, err := e.loadSession(conversationID, userID)
	if err != nil {
		return nil, err
	}
	defer sess.Destroy()

	env, err := sess.Encrypt(plaintext, ad)
	if err != nil {
		return nil, err
	}
	if err = e.saveSession(conversationID, userID, sess, version); err != nil {
		return nil, err
	}
	instrument.MessageEncrypted()
	return env, nil
}

// Decrypt opens an envelope for the pair.  Messages from already stepped
// past chain positions are decrypted with retained skipped keys, which are
// single use.  Authentication failures are terminal and are never retried.
func (e *Engine) Decrypt(conversationID, userID string, env *Envelope, ad []byte) ([]byte, error) {
	mu := e.lock(conversationID, userID)
	mu.Lock()
	defer mu.Unlock()

	sess, version, err := e.loadSession(conversationID, userID)
	if err != nil {
		return nil, err
	}
	defer sess.Destroy()

	past := env.ChainLength < sess.recvChainLen ||
		(env.ChainLength == sess.recvChainLen && env.MessageNumber < sess.recvCount)
	if past {
		key, err := e.store.GetSkippedKey(conversationID, userID, env.ChainLength, env.MessageNumber)
		if err != nil {
			return nil, err
		}
		if key == nil {
			instrument.MessageDecryptFailed()
			return nil, ErrKeyNotRetained
		}
		plaintext, err := OpenWithKey(key, env, ad)
		if err != nil {
			instrument.MessageDecryptFailed()
			return nil, err
		}
		if err = e.store.DeleteSkippedKey(conversationID, userID, env.ChainLength, env.MessageNumber); err != nil {
			return nil, err
		}
		instrument.MessageDecrypted()
		return plaintext, nil
	}

	plaintext, skipped, err := sess.Decrypt(env, ad)
	if err != nil {
		instrument.MessageDecryptFailed()
		return nil, err
	}
	for _, sk := range skipped {
		if err = e.store.PutSkippedKey(conversationID, userID, sk.ChainLength, sk.MessageNumber, sk.Key); err != nil {
			return nil, err
		}
		sk.Wipe()
	}
	if err = e.saveSession(conversationID, userID, sess, version); err != nil {
		return nil, err
	}
	instrument.MessageDecrypted()
	return plaintext, nil
}

// Stats returns the counter snapshot for the pair.
func (e *Engine) Stats(conversationID, userID string) (*Statistics, error) {
	sess, _, err := e.loadSession(conversationID, userID)
	if err != nil {
		return nil, err
	}
	defer sess.Destroy()
	count, err := e.store.CountSkippedKeys(conversationID, userID)
	if err != nil {
		return nil, err
	}
	return &Statistics{
		SendingMessageNumber:   sess.SendingMessageNumber(),
		ReceivingMessageNumber: sess.ReceivingMessageNumber(),
		SendingChainLength:     sess.SendingChainLength(),
		ReceivingChainLength:   sess.ReceivingChainLength(),
		SkippedKeysCount:       count,
	}, nil
}

func (e *Engine) loadSession(conversationID, userID string) (*Session, uint64, error) {
	blob, version, err := e.store.GetState(conversationID, userID)
	if err != nil {
		return nil, 0, err
	}
	if blob == nil {
		return nil, 0, ErrNotInitialized
	}
	sess, err := NewSessionFromBytes(blob)
	if err != nil {
		return nil, 0, err
	}
	return sess, version, nil
}

func (e *Engine) saveSession(conversationID, userID string, sess *Session, version uint64) error {
	blob, err := sess.Marshal()
	if err != nil {
		return err
	}
	_, err = e.store.PutState(conversationID, userID, blob, version)
	return err
}
