// session_test.go - Double ratchet session tests.
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
	"io"
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
)

func newSessionPair(t *testing.T) (*Session, *Session) {
	secret := make([]byte, keySize)
	_, err := io.ReadFull(rand.Reader, secret)
	require.NoError(t, err)

	alice, err := NewSession(DefaultScheme, append([]byte{}, secret...), true)
	require.NoError(t, err)
	bob, err := NewSession(DefaultScheme, secret, false)
	require.NoError(t, err)
	return alice, bob
}

func TestSessionRoundTrip(t *testing.T) {
	alice, bob := newSessionPair(t)
	defer alice.Destroy()
	defer bob.Destroy()

	env, err := alice.Encrypt([]byte("hello"), nil)
	require.NoError(t, err)
	require.Equal(t, uint32(0), env.MessageNumber)
	require.Equal(t, uint32(1), env.ChainLength)
	require.Equal(t, EnvelopeAlgorithm, env.Algorithm)
	require.Equal(t, EnvelopeSecurityLevel, env.SecurityLevel)
	require.NotEmpty(t, env.KeyID)
	require.Len(t, env.Nonce, nonceSize)
	require.Len(t, env.AuthTag, tagSize)

	plaintext, skipped, err := bob.Decrypt(env, nil)
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Equal(t, []byte("hello"), plaintext)

	env2, err := alice.Encrypt([]byte("again"), nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), env2.MessageNumber)
	require.Equal(t, uint32(1), env2.ChainLength)
	require.NotEqual(t, env.KeyID, env2.KeyID)

	plaintext, skipped, err = bob.Decrypt(env2, nil)
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Equal(t, []byte("again"), plaintext)
}

func TestSessionPingPong(t *testing.T) {
	alice, bob := newSessionPair(t)
	defer alice.Destroy()
	defer bob.Destroy()

	for i := 0; i < 5; i++ {
		env, err := alice.Encrypt([]byte("ping"), nil)
		require.NoError(t, err)
		plaintext, _, err := bob.Decrypt(env, nil)
		require.NoError(t, err)
		require.Equal(t, []byte("ping"), plaintext)

		env, err = bob.Encrypt([]byte("pong"), nil)
		require.NoError(t, err)
		plaintext, _, err = alice.Decrypt(env, nil)
		require.NoError(t, err)
		require.Equal(t, []byte("pong"), plaintext)
	}

	// Every direction change performed a DH step.
	require.True(t, alice.SendingChainLength() >= 5)
	require.True(t, bob.SendingChainLength() >= 5)
}

func TestSessionTamperedCiphertext(t *testing.T) {
	alice, bob := newSessionPair(t)
	defer alice.Destroy()
	defer bob.Destroy()

	env, err := alice.Encrypt([]byte("integrity matters"), nil)
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0x01

	_, _, err = bob.Decrypt(env, nil)
	require.ErrorIs(t, err, ErrAuthenticationFailure)

	// The failed attempt must not have advanced the receiving chain.
	env.Ciphertext[0] ^= 0x01
	plaintext, _, err := bob.Decrypt(env, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("integrity matters"), plaintext)
}

func TestSessionTamperedHeader(t *testing.T) {
	alice, bob := newSessionPair(t)
	defer alice.Destroy()
	defer bob.Destroy()

	env, err := alice.Encrypt([]byte("zero"), nil)
	require.NoError(t, err)
	_, _, err = bob.Decrypt(env, nil)
	require.NoError(t, err)

	env, err = alice.Encrypt([]byte("one"), nil)
	require.NoError(t, err)
	env.MessageNumber++

	_, _, err = bob.Decrypt(env, nil)
	require.ErrorIs(t, err, ErrAuthenticationFailure)
}

func TestSessionAssociatedData(t *testing.T) {
	alice, bob := newSessionPair(t)
	defer alice.Destroy()
	defer bob.Destroy()

	env, err := alice.Encrypt([]byte("bound"), []byte("conversation-1"))
	require.NoError(t, err)

	_, _, err = bob.Decrypt(env, []byte("conversation-2"))
	require.ErrorIs(t, err, ErrAuthenticationFailure)

	plaintext, _, err := bob.Decrypt(env, []byte("conversation-1"))
	require.NoError(t, err)
	require.Equal(t, []byte("bound"), plaintext)
}

func TestSessionOutOfOrder(t *testing.T) {
	alice, bob := newSessionPair(t)
	defer alice.Destroy()
	defer bob.Destroy()

	env0, err := alice.Encrypt([]byte("zero"), nil)
	require.NoError(t, err)
	env1, err := alice.Encrypt([]byte("one"), nil)
	require.NoError(t, err)
	env2, err := alice.Encrypt([]byte("two"), nil)
	require.NoError(t, err)

	plaintext, skipped, err := bob.Decrypt(env0, nil)
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Equal(t, []byte("zero"), plaintext)

	// Arriving ahead of env1 yields a retained key for it.
	plaintext, skipped, err = bob.Decrypt(env2, nil)
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	require.Equal(t, uint32(1), skipped[0].MessageNumber)
	require.Equal(t, env1.ChainLength, skipped[0].ChainLength)
	require.Equal(t, []byte("two"), plaintext)

	// The chain has stepped past env1; only the retained key opens it.
	_, _, err = bob.Decrypt(env1, nil)
	require.ErrorIs(t, err, ErrKeyNotRetained)

	plaintext, err = OpenWithKey(skipped[0].Key, env1, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), plaintext)
}

func TestSessionSkipAcrossRatchetStep(t *testing.T) {
	alice, bob := newSessionPair(t)
	defer alice.Destroy()
	defer bob.Destroy()

	env0, err := alice.Encrypt([]byte("zero"), nil)
	require.NoError(t, err)
	env1, err := alice.Encrypt([]byte("one"), nil)
	require.NoError(t, err)

	_, _, err = bob.Decrypt(env0, nil)
	require.NoError(t, err)

	// Bob replies, Alice ratchets and sends on the new chain while env1 is
	// still in flight.
	reply, err := bob.Encrypt([]byte("ack"), nil)
	require.NoError(t, err)
	_, _, err = alice.Decrypt(reply, nil)
	require.NoError(t, err)
	env2, err := alice.Encrypt([]byte("two"), nil)
	require.NoError(t, err)
	require.Equal(t, env1.ChainLength+1, env2.ChainLength)

	plaintext, skipped, err := bob.Decrypt(env2, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), plaintext)
	require.Len(t, skipped, 1)
	require.Equal(t, env1.ChainLength, skipped[0].ChainLength)
	require.Equal(t, env1.MessageNumber, skipped[0].MessageNumber)

	plaintext, err = OpenWithKey(skipped[0].Key, env1, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), plaintext)
}

func TestSessionSkipWindow(t *testing.T) {
	alice, bob := newSessionPair(t)
	defer alice.Destroy()
	defer bob.Destroy()

	env, err := alice.Encrypt([]byte("far future"), nil)
	require.NoError(t, err)
	env.MessageNumber = MaxSkippedMessages + 1

	_, _, err = bob.Decrypt(env, nil)
	require.ErrorIs(t, err, ErrSkipWindowExceeded)
}

func TestSessionDuplicate(t *testing.T) {
	alice, bob := newSessionPair(t)
	defer alice.Destroy()
	defer bob.Destroy()

	env, err := alice.Encrypt([]byte("once"), nil)
	require.NoError(t, err)

	_, _, err = bob.Decrypt(env, nil)
	require.NoError(t, err)
	_, _, err = bob.Decrypt(env, nil)
	require.ErrorIs(t, err, ErrKeyNotRetained)
}

func TestSessionMarshal(t *testing.T) {
	alice, bob := newSessionPair(t)
	defer bob.Destroy()

	env, err := alice.Encrypt([]byte("before"), nil)
	require.NoError(t, err)
	_, _, err = bob.Decrypt(env, nil)
	require.NoError(t, err)

	blob, err := alice.Marshal()
	require.NoError(t, err)
	alice.Destroy()

	restored, err := NewSessionFromBytes(blob)
	require.NoError(t, err)
	defer restored.Destroy()
	require.Equal(t, uint32(1), restored.SendingMessageNumber())

	env, err = restored.Encrypt([]byte("after"), nil)
	require.NoError(t, err)
	plaintext, _, err := bob.Decrypt(env, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("after"), plaintext)

	// Bob now has a pending DH step; a restored copy must perform it,
	// advancing the stored root key in place.
	blob, err = bob.Marshal()
	require.NoError(t, err)
	bobRestored, err := NewSessionFromBytes(blob)
	require.NoError(t, err)
	defer bobRestored.Destroy()

	env, err = bobRestored.Encrypt([]byte("reply"), nil)
	require.NoError(t, err)
	plaintext, _, err = restored.Decrypt(env, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("reply"), plaintext)
}

func TestSessionForwardSecrecy(t *testing.T) {
	alice, bob := newSessionPair(t)
	defer alice.Destroy()
	defer bob.Destroy()

	env0, err := alice.Encrypt([]byte("old"), nil)
	require.NoError(t, err)
	_, _, err = bob.Decrypt(env0, nil)
	require.NoError(t, err)

	// Compromising the advanced state must not reveal the old message.
	blob, err := bob.Marshal()
	require.NoError(t, err)
	stolen, err := NewSessionFromBytes(blob)
	require.NoError(t, err)
	defer stolen.Destroy()

	_, _, err = stolen.Decrypt(env0, nil)
	require.ErrorIs(t, err, ErrKeyNotRetained)
}

func TestNewSessionErrors(t *testing.T) {
	_, err := NewSession("no-such-scheme", make([]byte, keySize), true)
	require.ErrorIs(t, err, ErrUnknownScheme)

	_, err = NewSession(DefaultScheme, make([]byte, keySize-1), true)
	require.ErrorIs(t, err, ErrInvalidSharedSecret)
}
