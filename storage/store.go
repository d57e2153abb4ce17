// store.go - BoltDB backed encrypted key material store.
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

// Package storage persists ratchet states, retained message keys and
// coordinator records in a boltdb database.  Every value is sealed with an
// AEAD under the store's master key before it touches disk; the database
// never contains plaintext key material.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/chacha20poly1305"
	"gopkg.in/op/go-logging.v1"

	bolt "go.etcd.io/bbolt"

	"github.com/nachtpost/ratchetd/core/log"
	"github.com/nachtpost/ratchetd/core/worker"
	"github.com/nachtpost/ratchetd/internal/instrument"
)

const (
	dbFile = "ratchetd.db"

	metadataBucket = "metadata"
	statesBucket   = "states"
	skippedBucket  = "skipped"

	versionKey = "version"
	blobKey    = "blob"
	verKey     = "ver"

	// SweepInterval is how often the background sweep removes expired
	// retained message keys.
	SweepInterval = 1 * time.Hour

	// SkippedKeyTTL is the retention period for message keys saved for out
	// of order messages.
	SkippedKeyTTL = 7 * 24 * time.Hour

	masterKeySize = 32
	expiryPrefix  = 8
)

var (
	// ErrInvalidMasterKey is returned when the at-rest master key is not
	// exactly 32 bytes.  There is no fallback key; a store cannot be opened
	// without one.
	ErrInvalidMasterKey = errors.New("storage: master key must be 32 bytes")

	// ErrStaleState is returned by PutState when the state was modified
	// since the caller read it.
	ErrStaleState = errors.New("storage: state version mismatch")

	// ErrCorruptedState is returned when a stored record fails to
	// authenticate or decode.
	ErrCorruptedState = errors.New("storage: record failed to authenticate")
)

// sealedRecord is the on-disk form of every encrypted value.
type sealedRecord struct {
	Nonce      []byte `cbor:"nonce"`
	Ciphertext []byte `cbor:"ciphertext"`
	AuthTag    []byte `cbor:"authTag"`
}

// skippedRecord is the plaintext form of a retained message key.
type skippedRecord struct {
	Key       []byte `cbor:"key"`
	ExpiresAt int64  `cbor:"expiresAt"`
}

// Store is a boltdb backed encrypted store.  It implements the ratchet
// engine's KeyMaterialStore and provides sealed document buckets for the
// coordinators.
type Store struct {
	worker.Worker

	db        *bolt.DB
	masterKey *memguard.LockedBuffer
	log       *logging.Logger

	skippedTTL time.Duration
}

// New creates (or loads) the store in dataDir.  masterKey is the 32 byte
// at-rest encryption key; the caller retains ownership of the slice.
func New(dataDir string, masterKey []byte, logBackend *log.Backend) (*Store, error) {
	if len(masterKey) != masterKeySize {
		return nil, ErrInvalidMasterKey
	}

	s := &Store{
		masterKey:  memguard.NewBufferFromBytes(append([]byte{}, masterKey...)),
		log:        logBackend.GetLogger("storage"),
		skippedTTL: SkippedKeyTTL,
	}

	var err error
	s.db, err = bolt.Open(filepath.Join(dataDir, dbFile), 0600, nil)
	if err != nil {
		s.masterKey.Destroy()
		return nil, err
	}

	if err = s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(statesBucket)); err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(skippedBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("storage: incompatible database version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		s.db.Close()
		s.masterKey.Destroy()
		return nil, err
	}

	s.Go(s.sweepWorker)
	return s, nil
}

// Close halts the sweep worker and closes the database.
func (s *Store) Close() {
	s.Halt()
	s.db.Sync()
	s.db.Close()
	s.masterKey.Destroy()
}

// seal encrypts plaintext under the master key, binding ad into the tag.
func (s *Store) seal(plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.masterKey.Bytes())
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, ad)
	rec := &sealedRecord{
		Nonce:      nonce,
		Ciphertext: sealed[:len(sealed)-aead.Overhead()],
		AuthTag:    sealed[len(sealed)-aead.Overhead():],
	}
	return cbor.Marshal(rec)
}

// open decrypts a sealed record.  Any parse or authentication failure is
// reported as ErrCorruptedState.
func (s *Store) open(blob, ad []byte) ([]byte, error) {
	rec := new(sealedRecord)
	if err := cbor.Unmarshal(blob, rec); err != nil {
		return nil, ErrCorruptedState
	}
	aead, err := chacha20poly1305.New(s.masterKey.Bytes())
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(rec.Ciphertext)+len(rec.AuthTag))
	sealed = append(sealed, rec.Ciphertext...)
	sealed = append(sealed, rec.AuthTag...)
	plaintext, err := aead.Open(nil, rec.Nonce, sealed, ad)
	if err != nil {
		return nil, ErrCorruptedState
	}
	return plaintext, nil
}

func pairKey(conversationID, userID string) []byte {
	return []byte(conversationID + "\x00" + userID)
}

func skippedSlot(chainLength, messageNumber uint32) []byte {
	var k [8]byte
	binary.BigEndian.PutUint32(k[0:4], chainLength)
	binary.BigEndian.PutUint32(k[4:8], messageNumber)
	return k[:]
}

// GetState returns the sealed ratchet state blob and its version, or a nil
// blob when no state exists.
func (s *Store) GetState(conversationID, userID string) ([]byte, uint64, error) {
	var blob []byte
	var version uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(statesBucket)).Bucket(pairKey(conversationID, userID))
		if bkt == nil {
			return nil
		}
		sealed := bkt.Get([]byte(blobKey))
		if sealed == nil {
			return nil
		}
		plaintext, err := s.open(sealed, pairKey(conversationID, userID))
		if err != nil {
			return err
		}
		blob = plaintext
		if v := bkt.Get([]byte(verKey)); len(v) == 8 {
			version = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return blob, version, nil
}

// PutState seals and writes the ratchet state blob.  expectedVersion must
// match the version returned by the GetState the blob was derived from, or
// ErrStaleState is returned and nothing is written.
func (s *Store) PutState(conversationID, userID string, blob []byte, expectedVersion uint64) (uint64, error) {
	sealed, err := s.seal(blob, pairKey(conversationID, userID))
	if err != nil {
		return 0, err
	}
	var newVersion uint64
	err = s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket([]byte(statesBucket)).CreateBucketIfNotExists(pairKey(conversationID, userID))
		if err != nil {
			return err
		}
		var current uint64
		if v := bkt.Get([]byte(verKey)); len(v) == 8 {
			current = binary.BigEndian.Uint64(v)
		}
		if current != expectedVersion {
			return ErrStaleState
		}
		newVersion = current + 1
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], newVersion)
		if err = bkt.Put([]byte(verKey), v[:]); err != nil {
			return err
		}
		return bkt.Put([]byte(blobKey), sealed)
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// DeleteState removes the ratchet state and all retained message keys for
// the pair.  It reports whether a state existed.
func (s *Store) DeleteState(conversationID, userID string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		pk := pairKey(conversationID, userID)
		sBkt := tx.Bucket([]byte(statesBucket))
		if sBkt.Bucket(pk) != nil {
			existed = true
			if err := sBkt.DeleteBucket(pk); err != nil {
				return err
			}
		}
		kBkt := tx.Bucket([]byte(skippedBucket))
		if kBkt.Bucket(pk) != nil {
			return kBkt.DeleteBucket(pk)
		}
		return nil
	})
	return existed, err
}

// PutSkippedKey retains a message key for an out of order message.  The
// record expires after SkippedKeyTTL.
func (s *Store) PutSkippedKey(conversationID, userID string, chainLength, messageNumber uint32, key []byte) error {
	rec := &skippedRecord{
		Key:       key,
		ExpiresAt: time.Now().Add(s.skippedTTL).Unix(),
	}
	plaintext, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	sealed, err := s.seal(plaintext, pairKey(conversationID, userID))
	if err != nil {
		return err
	}

	// The expiry rides in front of the sealed record so the sweep can skip
	// decryption.
	value := make([]byte, expiryPrefix, expiryPrefix+len(sealed))
	binary.BigEndian.PutUint64(value, uint64(rec.ExpiresAt))
	value = append(value, sealed...)

	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket([]byte(skippedBucket)).CreateBucketIfNotExists(pairKey(conversationID, userID))
		if err != nil {
			return err
		}
		return bkt.Put(skippedSlot(chainLength, messageNumber), value)
	})
}

// GetSkippedKey returns a retained message key, or nil when the slot is
// empty or the record has expired.
func (s *Store) GetSkippedKey(conversationID, userID string, chainLength, messageNumber uint32) ([]byte, error) {
	var key []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(skippedBucket)).Bucket(pairKey(conversationID, userID))
		if bkt == nil {
			return nil
		}
		value := bkt.Get(skippedSlot(chainLength, messageNumber))
		if len(value) < expiryPrefix {
			return nil
		}
		if time.Now().Unix() >= int64(binary.BigEndian.Uint64(value[:expiryPrefix])) {
			return nil
		}
		plaintext, err := s.open(value[expiryPrefix:], pairKey(conversationID, userID))
		if err != nil {
			return err
		}
		rec := new(skippedRecord)
		if err = cbor.Unmarshal(plaintext, rec); err != nil {
			return ErrCorruptedState
		}
		key = rec.Key
		return nil
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// DeleteSkippedKey removes a retained message key.
func (s *Store) DeleteSkippedKey(conversationID, userID string, chainLength, messageNumber uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(skippedBucket)).Bucket(pairKey(conversationID, userID))
		if bkt == nil {
			return nil
		}
		return bkt.Delete(skippedSlot(chainLength, messageNumber))
	})
}

// CountSkippedKeys returns the number of unexpired retained keys for the
// pair.
func (s *Store) CountSkippedKeys(conversationID, userID string) (int, error) {
	var n int
	now := time.Now().Unix()
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(skippedBucket)).Bucket(pairKey(conversationID, userID))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(_, value []byte) error {
			if len(value) >= expiryPrefix && now < int64(binary.BigEndian.Uint64(value[:expiryPrefix])) {
				n++
			}
			return nil
		})
	})
	return n, err
}

// SweepSkippedKeys removes all expired retained keys and returns how many
// were removed.
func (s *Store) SweepSkippedKeys() (int, error) {
	var swept int
	now := time.Now().Unix()
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(skippedBucket))
		cur := root.Cursor()
		for pk, _ := cur.First(); pk != nil; pk, _ = cur.Next() {
			bkt := root.Bucket(pk)
			if bkt == nil {
				continue
			}
			var stale [][]byte
			if err := bkt.ForEach(func(slot, value []byte) error {
				if len(value) < expiryPrefix || now >= int64(binary.BigEndian.Uint64(value[:expiryPrefix])) {
					stale = append(stale, append([]byte{}, slot...))
				}
				return nil
			}); err != nil {
				return err
			}
			for _, slot := range stale {
				if err := bkt.Delete(slot); err != nil {
					return err
				}
				swept++
			}
		}
		return nil
	})
	return swept, err
}

func (s *Store) sweepWorker() {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.HaltCh():
			return
		case <-ticker.C:
		}
		swept, err := s.SweepSkippedKeys()
		if err != nil {
			s.log.Warningf("sweep failed: %v", err)
			continue
		}
		if swept > 0 {
			s.log.Debugf("swept %d expired skipped keys", swept)
			instrument.SkippedKeysSwept(swept)
		}
	}
}
