// hybrid.go - Client side hybrid exchange helpers.
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
	"github.com/katzenpost/hpqc/kem"
	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/nike"
	nikeschemes "github.com/katzenpost/hpqc/nike/schemes"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	signschemes "github.com/katzenpost/hpqc/sign/schemes"
)

// mlkem768SecurityLevel is the NIST security category of ML-KEM-768.
const mlkem768SecurityLevel = 3

// Identity holds one party's private exchange material.  It never leaves
// the client; the coordinator only sees the Bundle.
type Identity struct {
	classicalPrivate nike.PrivateKey
	kemPrivate       kem.PrivateKey
	signingPrivate   sign.PrivateKey
	bundle           *PublicKeyBundle
}

// NewIdentity generates a fresh hybrid identity: an X25519 keypair for the
// ratchet, an ML-KEM-768+X25519 keypair for encapsulation and an Ed25519
// keypair signing the bundle.
func NewIdentity() (*Identity, error) {
	nikeScheme := nikeschemes.ByName(DefaultClassicalScheme)
	classicalPub, classicalPriv, err := nikeScheme.GenerateKeyPairFromEntropy(rand.Reader)
	if err != nil {
		return nil, err
	}

	kemScheme := kemschemes.ByName(DefaultKEMScheme)
	kemPub, kemPriv, err := kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	kemPubBytes, err := kemPub.MarshalBinary()
	if err != nil {
		return nil, err
	}

	sigScheme := signschemes.ByName(DefaultSignatureScheme)
	signPub, signPriv, err := sigScheme.GenerateKey()
	if err != nil {
		return nil, err
	}
	signPubBytes, err := signPub.MarshalBinary()
	if err != nil {
		return nil, err
	}

	bundle := &PublicKeyBundle{
		ClassicalAlgorithm: DefaultClassicalScheme,
		ClassicalPublicKey: classicalPub.Bytes(),
		KEMAlgorithm:       DefaultKEMScheme,
		KEMPublicKey:       kemPubBytes,
		SigningPublicKey:   signPubBytes,
		SecurityLevel:      mlkem768SecurityLevel,
		QuantumResistant:   true,
	}
	bundle.Signature = sigScheme.Sign(signPriv, bundle.signedMessage(), nil)

	return &Identity{
		classicalPrivate: classicalPriv,
		kemPrivate:       kemPriv,
		signingPrivate:   signPriv,
		bundle:           bundle,
	}, nil
}

// Bundle returns the public half of the identity.
func (i *Identity) Bundle() *PublicKeyBundle {
	return i.bundle
}

// Sign signs an arbitrary payload with the identity's signing key, used
// for exchange confirmation signatures.
func (i *Identity) Sign(message []byte) []byte {
	return i.signingPrivate.Scheme().Sign(i.signingPrivate, message, nil)
}

// Encapsulate establishes a shared secret to the peer's bundle.  The
// returned ciphertext is the opaque encryptedKeyData relayed through the
// coordinator; only the peer can decapsulate it.
func Encapsulate(peer *PublicKeyBundle) (ciphertext, sharedSecret []byte, err error) {
	if err = peer.Validate(); err != nil {
		return nil, nil, err
	}
	kemScheme := kemschemes.ByName(peer.KEMAlgorithm)
	pk, err := kemScheme.UnmarshalBinaryPublicKey(peer.KEMPublicKey)
	if err != nil {
		return nil, nil, ErrInvalidBundle
	}
	return kemScheme.Encapsulate(pk)
}

// Decapsulate recovers the shared secret from a relayed ciphertext.
func (i *Identity) Decapsulate(ciphertext []byte) ([]byte, error) {
	return i.kemPrivate.Scheme().Decapsulate(i.kemPrivate, ciphertext)
}

// Destroy wipes the private key material.
func (i *Identity) Destroy() {
	if i.classicalPrivate != nil {
		i.classicalPrivate.Reset()
	}
	i.kemPrivate = nil
	i.signingPrivate = nil
}
