// hybrid_test.go - Hybrid exchange helper tests.
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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHybridRoundTrip(t *testing.T) {
	alice, err := NewIdentity()
	require.NoError(t, err)
	defer alice.Destroy()
	bob, err := NewIdentity()
	require.NoError(t, err)
	defer bob.Destroy()

	ct, aliceSecret, err := Encapsulate(bob.Bundle())
	require.NoError(t, err)
	require.NotEmpty(t, ct)

	bobSecret, err := bob.Decapsulate(ct)
	require.NoError(t, err)
	require.Equal(t, aliceSecret, bobSecret)

	// Distinct encapsulations establish distinct secrets.
	_, otherSecret, err := Encapsulate(bob.Bundle())
	require.NoError(t, err)
	require.NotEqual(t, aliceSecret, otherSecret)
}

func TestBundleValidate(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)
	defer id.Destroy()
	bundle := id.Bundle()

	require.NoError(t, bundle.Validate())
	require.Equal(t, DefaultClassicalScheme, bundle.ClassicalAlgorithm)
	require.Equal(t, DefaultKEMScheme, bundle.KEMAlgorithm)
	require.True(t, bundle.QuantumResistant)

	bad := *bundle
	bad.KEMAlgorithm = "no-such-kem"
	require.ErrorIs(t, bad.Validate(), ErrInvalidBundle)

	bad = *bundle
	bad.ClassicalPublicKey = bad.ClassicalPublicKey[:16]
	require.ErrorIs(t, bad.Validate(), ErrInvalidBundle)

	bad = *bundle
	bad.Signature = append([]byte{}, bundle.Signature...)
	bad.Signature[0] ^= 0x01
	require.ErrorIs(t, bad.Validate(), ErrInvalidSignature)

	// Swapping the key the signature covers must fail verification.
	other, err := NewIdentity()
	require.NoError(t, err)
	defer other.Destroy()
	bad = *bundle
	bad.ClassicalPublicKey = other.Bundle().ClassicalPublicKey
	require.ErrorIs(t, bad.Validate(), ErrInvalidSignature)
}

func TestIdentitySign(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)
	defer id.Destroy()

	sig := id.Sign([]byte("confirmation"))
	require.NotEmpty(t, sig)
}
