// registry.go - Device ownership registry.
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

// Package multidevice relays encrypted key packages between a single
// user's devices.  The coordinator never sees key plaintext; it enforces
// ownership, integrity and delivery ordering.
package multidevice

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/nachtpost/ratchetd/storage"
)

const devicesBucket = "devices"

var ErrDeviceExists = errors.New("multidevice: device already registered")

// Device is one registered device.  The signing key is optional; when
// present, packages from this device must carry a valid signature.
type Device struct {
	ID               string    `json:"deviceId" cbor:"id"`
	UserID           string    `json:"userId" cbor:"userId"`
	Name             string    `json:"name,omitempty" cbor:"name,omitempty"`
	SigningPublicKey []byte    `json:"signingPublicKey,omitempty" cbor:"signingPublicKey,omitempty"`
	RegisteredAt     time.Time `json:"registeredAt" cbor:"registeredAt"`
}

// Registry resolves devices to their owning user.
type Registry interface {
	// Register adds a device.  Registering an existing device id fails
	// with ErrDeviceExists.
	Register(d *Device) error

	// Get returns a device, or nil when unknown.
	Get(deviceID string) (*Device, error)

	// ListForUser returns all of a user's devices.
	ListForUser(userID string) ([]*Device, error)

	// Remove deletes a device and reports whether it existed.
	Remove(deviceID string) (bool, error)
}

type boltRegistry struct {
	store *storage.Store
}

// NewRegistry returns a Registry persisted in the store.
func NewRegistry(store *storage.Store) Registry {
	return &boltRegistry{store: store}
}

func (r *boltRegistry) Register(d *Device) error {
	existing, err := r.store.GetDocument(devicesBucket, d.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrDeviceExists
	}
	rec := *d
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = time.Now().UTC()
	}
	blob, err := cbor.Marshal(&rec)
	if err != nil {
		return err
	}
	return r.store.PutDocument(devicesBucket, rec.ID, blob)
}

func (r *boltRegistry) Get(deviceID string) (*Device, error) {
	blob, err := r.store.GetDocument(devicesBucket, deviceID)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}
	d := new(Device)
	if err = cbor.Unmarshal(blob, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *boltRegistry) ListForUser(userID string) ([]*Device, error) {
	var devices []*Device
	err := r.store.ForEachDocument(devicesBucket, func(_ string, plaintext []byte) error {
		d := new(Device)
		if err := cbor.Unmarshal(plaintext, d); err != nil {
			return err
		}
		if d.UserID == userID {
			devices = append(devices, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (r *boltRegistry) Remove(deviceID string) (bool, error) {
	return r.store.DeleteDocument(devicesBucket, deviceID)
}
