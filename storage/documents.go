// documents.go - Sealed document buckets.
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

package storage

import (
	bolt "go.etcd.io/bbolt"
)

const documentsBucket = "documents"

func documentAD(bucket, key string) []byte {
	return []byte(bucket + "\x00" + key)
}

// PutDocument seals plaintext and stores it under (bucket, key).  The
// bucket is created on first use.
func (s *Store) PutDocument(bucket, key string, plaintext []byte) error {
	sealed, err := s.seal(plaintext, documentAD(bucket, key))
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(documentsBucket))
		if err != nil {
			return err
		}
		bkt, err := root.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), sealed)
	})
}

// GetDocument returns the plaintext stored under (bucket, key), or nil when
// absent.
func (s *Store) GetDocument(bucket, key string) ([]byte, error) {
	var plaintext []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(documentsBucket))
		if root == nil {
			return nil
		}
		bkt := root.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		sealed := bkt.Get([]byte(key))
		if sealed == nil {
			return nil
		}
		var err error
		plaintext, err = s.open(sealed, documentAD(bucket, key))
		return err
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// DeleteDocument removes the document under (bucket, key) and reports
// whether it existed.
func (s *Store) DeleteDocument(bucket, key string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(documentsBucket))
		if root == nil {
			return nil
		}
		bkt := root.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		if bkt.Get([]byte(key)) == nil {
			return nil
		}
		existed = true
		return bkt.Delete([]byte(key))
	})
	return existed, err
}

// ForEachDocument opens every document in bucket and invokes fn with the
// key and plaintext.  Iteration stops on the first error.
func (s *Store) ForEachDocument(bucket string, fn func(key string, plaintext []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(documentsBucket))
		if root == nil {
			return nil
		}
		bkt := root.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(key, sealed []byte) error {
			plaintext, err := s.open(sealed, documentAD(bucket, string(key)))
			if err != nil {
				return err
			}
			return fn(string(key), plaintext)
		})
	})
}
