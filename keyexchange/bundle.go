// bundle.go - Hybrid public key bundle.
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

// Package keyexchange relays hybrid key exchange material between two
// parties.  The coordinator only ever sees public keys and opaque
// ciphertext; private keys and plaintext key material stay on the clients.
package keyexchange

import (
	"errors"

	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	nikeschemes "github.com/katzenpost/hpqc/nike/schemes"
	signschemes "github.com/katzenpost/hpqc/sign/schemes"
)

const (
	// DefaultClassicalScheme is the NIKE used for the ratchet's DH steps.
	DefaultClassicalScheme = "x25519"

	// DefaultKEMScheme is the hybrid KEM used to establish the initial
	// shared secret.
	DefaultKEMScheme = "MLKEM768-X25519"

	// DefaultSignatureScheme signs bundles and confirmation payloads.
	DefaultSignatureScheme = "Ed25519"
)

var (
	ErrInvalidBundle    = errors.New("keyexchange: invalid public key bundle")
	ErrInvalidSignature = errors.New("keyexchange: bundle signature verification failed")
)

// PublicKeyBundle carries one party's public key material for a hybrid
// exchange.  Algorithm names resolve against the hpqc scheme registries;
// an unknown name fails validation rather than being carried as an opaque
// blob.
type PublicKeyBundle struct {
	ClassicalAlgorithm string `json:"classicalAlgorithm" cbor:"classicalAlgorithm"`
	ClassicalPublicKey []byte `json:"classicalPublicKey" cbor:"classicalPublicKey"`
	KEMAlgorithm       string `json:"kemAlgorithm" cbor:"kemAlgorithm"`
	KEMPublicKey       []byte `json:"kemPublicKey" cbor:"kemPublicKey"`
	SigningPublicKey   []byte `json:"signingPublicKey,omitempty" cbor:"signingPublicKey,omitempty"`
	Signature          []byte `json:"signature,omitempty" cbor:"signature,omitempty"`
	SecurityLevel      int    `json:"securityLevel" cbor:"securityLevel"`
	QuantumResistant   bool   `json:"quantumResistant" cbor:"quantumResistant"`
}

// signedMessage is the byte string the bundle signature covers.
func (b *PublicKeyBundle) signedMessage() []byte {
	msg := make([]byte, 0, len(b.ClassicalAlgorithm)+len(b.ClassicalPublicKey)+len(b.KEMAlgorithm)+len(b.KEMPublicKey)+2)
	msg = append(msg, b.ClassicalAlgorithm...)
	msg = append(msg, 0x00)
	msg = append(msg, b.ClassicalPublicKey...)
	msg = append(msg, b.KEMAlgorithm...)
	msg = append(msg, 0x00)
	msg = append(msg, b.KEMPublicKey...)
	return msg
}

// Validate checks that the algorithms are known, the keys parse under
// them, and the signature (when present) verifies.
func (b *PublicKeyBundle) Validate() error {
	nikeScheme := nikeschemes.ByName(b.ClassicalAlgorithm)
	if nikeScheme == nil {
		return ErrInvalidBundle
	}
	if len(b.ClassicalPublicKey) != nikeScheme.PublicKeySize() {
		return ErrInvalidBundle
	}
	kemScheme := kemschemes.ByName(b.KEMAlgorithm)
	if kemScheme == nil {
		return ErrInvalidBundle
	}
	if _, err := kemScheme.UnmarshalBinaryPublicKey(b.KEMPublicKey); err != nil {
		return ErrInvalidBundle
	}
	if len(b.Signature) != 0 {
		sigScheme := signschemes.ByName(DefaultSignatureScheme)
		pk, err := sigScheme.UnmarshalBinaryPublicKey(b.SigningPublicKey)
		if err != nil {
			return ErrInvalidBundle
		}
		if !sigScheme.Verify(pk, b.signedMessage(), b.Signature, nil) {
			return ErrInvalidSignature
		}
	}
	return nil
}
