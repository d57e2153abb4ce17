// session.go - Double ratchet session state machine.
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

// Package ratchet implements a per-conversation forward-secret message
// ratchet in the style of the Signal double ratchet: a Diffie-Hellman
// ratchet over a NIKE scheme combined with HMAC-SHA3 symmetric key chains.
// Every sent message uses a distinct message key, and old chain keys are
// discarded as the chains step forward.
package ratchet

import (
	"bytes"
	"crypto/hmac"
	"errors"
	"hash"
	"io"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/nike"
	nikeschemes "github.com/katzenpost/hpqc/nike/schemes"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/nachtpost/ratchetd/core/utils"
)

var (
	ErrNotInitialized        = errors.New("ratchet: no state for conversation and user")
	ErrAlreadyInitialized    = errors.New("ratchet: state already exists")
	ErrAuthenticationFailure = errors.New("ratchet: message authentication failure")
	ErrSkipWindowExceeded    = errors.New("ratchet: message exceeds skip window")
	ErrKeyNotRetained        = errors.New("ratchet: message key no longer retained")
	ErrInvalidSharedSecret   = errors.New("ratchet: shared secret must be 32 bytes")
	ErrUnknownScheme         = errors.New("ratchet: unknown NIKE scheme")
	ErrInconsistentState     = errors.New("ratchet: the state is inconsistent")
)

// DefaultScheme is the NIKE scheme used for the Diffie-Hellman ratchet
// unless the caller selects another one by name.
const DefaultScheme = "x25519"

// SkippedKey is a message key derived for a message that has not arrived
// yet.  The caller is responsible for retaining it (encrypted at rest) and
// for deleting it once consumed.
type SkippedKey struct {
	ChainLength   uint32
	MessageNumber uint32
	Key           []byte
}

// Wipe clears the key material.
func (k *SkippedKey) Wipe() {
	utils.ExplicitBzero(k.Key)
}

// Session contains the per-(conversation, user) ratchet state.  A Session
// is not safe for concurrent use; callers serialize access per state.
type Session struct {
	scheme nike.Scheme
	rand   io.Reader

	rootKey      *memguard.LockedBuffer
	sendChainKey *memguard.LockedBuffer
	recvChainKey *memguard.LockedBuffer

	sendCount     uint32
	recvCount     uint32
	prevSendCount uint32
	sendChainLen  uint32
	recvChainLen  uint32

	sendRatchetPrivate nike.PrivateKey
	sendRatchetPublic  nike.PublicKey
	recvRatchetPublic  nike.PublicKey

	// pendingRatchet is true if the next Encrypt will perform a DH ratchet
	// step before deriving the message key.
	pendingRatchet bool
}

// state is the serialized form of a Session.
type state struct {
	Scheme             string
	RootKey            []byte
	SendChainKey       []byte
	RecvChainKey       []byte
	SendCount          uint32
	RecvCount          uint32
	PrevSendCount      uint32
	SendChainLen       uint32
	RecvChainLen       uint32
	SendRatchetPrivate []byte
	RecvRatchetPublic  []byte
	PendingRatchet     bool
}

// NewSession derives a fresh session from a 32 byte shared secret agreed on
// through a completed key exchange.  Exactly one of the two parties must
// pass initiator=true.  The initiator performs the first DH ratchet step on
// its first Encrypt; the responder starts with a sending chain derived from
// the shared secret.
func NewSession(schemeName string, sharedSecret []byte, initiator bool) (*Session, error) {
	scheme := nikeschemes.ByName(schemeName)
	if scheme == nil {
		return nil, ErrUnknownScheme
	}
	if len(sharedSecret) != keySize {
		return nil, ErrInvalidSharedSecret
	}

	kdf := hkdf.New(sha3.New256, sharedSecret, nil, hkdfInfoLabel)
	rootKey := memguard.NewBuffer(rootKeySize)
	handshakeChain := memguard.NewBuffer(chainKeySize)
	for _, buf := range [][]byte{rootKey.Bytes(), handshakeChain.Bytes()} {
		if _, err := io.ReadFull(kdf, buf); err != nil {
			return nil, err
		}
	}

	// Both sides derive the responder's handshake ratchet keypair from the
	// shared secret, so the initiator's first DH step has a known remote
	// public key to ratchet against.
	handshakePriv := scheme.GeneratePrivateKey(kdf)
	handshakePub := scheme.DerivePublicKey(handshakePriv)

	s := &Session{
		scheme:  scheme,
		rand:    rand.Reader,
		rootKey: rootKey,
	}
	if initiator {
		// The handshake chain is the responder's sending chain; the
		// initiator has no usable sending chain until the first DH step.
		s.sendChainKey = memguard.NewBuffer(chainKeySize)
		s.recvChainKey = handshakeChain
		s.recvChainLen = 1
		s.recvRatchetPublic = handshakePub
		s.pendingRatchet = true
		handshakePriv.Reset()
	} else {
		s.sendChainKey = handshakeChain
		s.recvChainKey = memguard.NewBuffer(chainKeySize)
		s.sendChainLen = 1
		s.sendRatchetPrivate = handshakePriv
		s.sendRatchetPublic = handshakePub
	}
	return s, nil
}

// NewSessionFromBytes unmarshals a serialized session.  The input buffer is
// wiped afterwards.
func NewSessionFromBytes(data []byte) (*Session, error) {
	defer utils.ExplicitBzero(data)
	st := new(state)
	if err := cbor.Unmarshal(data, st); err != nil {
		return nil, err
	}
	return newSessionFromState(st)
}

func newSessionFromState(st *state) (*Session, error) {
	scheme := nikeschemes.ByName(st.Scheme)
	if scheme == nil {
		return nil, ErrUnknownScheme
	}
	if len(st.RootKey) != rootKeySize || len(st.SendChainKey) != chainKeySize ||
		len(st.RecvChainKey) != chainKeySize {
		return nil, ErrInconsistentState
	}
	s := &Session{
		scheme:        scheme,
		rand:          rand.Reader,
		rootKey:       memguard.NewBufferFromBytes(st.RootKey),
		sendChainKey:  memguard.NewBufferFromBytes(st.SendChainKey),
		recvChainKey:  memguard.NewBufferFromBytes(st.RecvChainKey),
		sendCount:     st.SendCount,
		recvCount:     st.RecvCount,
		prevSendCount: st.PrevSendCount,
		sendChainLen:  st.SendChainLen,
		recvChainLen:  st.RecvChainLen,

		pendingRatchet: st.PendingRatchet,
	}
	if len(st.SendRatchetPrivate) != 0 {
		priv, err := scheme.UnmarshalBinaryPrivateKey(st.SendRatchetPrivate)
		if err != nil {
			return nil, ErrInconsistentState
		}
		utils.ExplicitBzero(st.SendRatchetPrivate)
		s.sendRatchetPrivate = priv
		s.sendRatchetPublic = scheme.DerivePublicKey(priv)
	}
	if len(st.RecvRatchetPublic) != 0 {
		pub, err := scheme.UnmarshalBinaryPublicKey(st.RecvRatchetPublic)
		if err != nil {
			return nil, ErrInconsistentState
		}
		s.recvRatchetPublic = pub
	}
	return s, nil
}

// Marshal serializes the session for storage.  The caller encrypts the
// result at rest.
func (s *Session) Marshal() ([]byte, error) {
	st := &state{
		Scheme:         s.scheme.Name(),
		RootKey:        s.rootKey.Bytes(),
		SendChainKey:   s.sendChainKey.Bytes(),
		RecvChainKey:   s.recvChainKey.Bytes(),
		SendCount:      s.sendCount,
		RecvCount:      s.recvCount,
		PrevSendCount:  s.prevSendCount,
		SendChainLen:   s.sendChainLen,
		RecvChainLen:   s.recvChainLen,
		PendingRatchet: s.pendingRatchet,
	}
	if s.sendRatchetPrivate != nil {
		st.SendRatchetPrivate = s.sendRatchetPrivate.Bytes()
	}
	if s.recvRatchetPublic != nil {
		st.RecvRatchetPublic = s.recvRatchetPublic.Bytes()
	}
	return cbor.Marshal(st)
}

// deriveKey calculates key = HMAC(k, label) for an HMAC keyed elsewhere.
// Buffers restored from storage arrive frozen and must be melted before the
// in place write.
func deriveKey(key *memguard.LockedBuffer, label []byte, h hash.Hash) {
	h.Reset()
	h.Write(label)
	if !key.IsMutable() {
		key.Melt()
		defer key.Freeze()
	}
	h.Sum(key.Bytes()[:0])
	if key.Size() != keySize {
		panic("ratchet: hash function wrong size")
	}
}

// advanceRoot feeds a freshly computed DH shared secret into the root KDF
// chain and derives the next chain key into chainKey.  The shared secret is
// wiped.
func (s *Session) advanceRoot(shared []byte, chainKey *memguard.LockedBuffer) {
	sha := sha3.New256()
	sha.Write(rootKeyUpdateLabel)
	sha.Write(s.rootKey.Bytes())
	sha.Write(shared)
	keyMaterial := sha.Sum(nil)
	utils.ExplicitBzero(shared)

	h := hmac.New(sha3.New256, keyMaterial)
	deriveKey(s.rootKey, rootKeyLabel, h)
	deriveKey(chainKey, chainKeyLabel, h)
	utils.ExplicitBzero(keyMaterial)
}

// Encrypt derives a fresh message key from the sending chain, steps the
// chain forward and seals plaintext into an Envelope.  The envelope header
// and ad are bound into the authentication tag.  Neither the plaintext nor
// any key material is retained in the envelope.
func (s *Session) Encrypt(plaintext, ad []byte) (*Envelope, error) {
	if s.pendingRatchet {
		if s.recvRatchetPublic == nil {
			return nil, ErrInconsistentState
		}
		pub, priv, err := s.scheme.GenerateKeyPairFromEntropy(s.rand)
		if err != nil {
			return nil, err
		}
		shared := s.scheme.DeriveSecret(priv, s.recvRatchetPublic)
		s.advanceRoot(shared, s.sendChainKey)
		if s.sendRatchetPrivate != nil {
			s.sendRatchetPrivate.Reset()
		}
		s.sendRatchetPrivate = priv
		s.sendRatchetPublic = pub
		s.prevSendCount = s.sendCount
		s.sendCount = 0
		s.sendChainLen++
		s.pendingRatchet = false
	}
	if s.sendRatchetPublic == nil {
		return nil, ErrInconsistentState
	}

	h := hmac.New(sha3.New256, s.sendChainKey.Bytes())
	messageKey := memguard.NewBuffer(messageKeySize)
	deriveKey(messageKey, messageKeyLabel, h)
	deriveKey(s.sendChainKey, chainKeyStepLabel, h)
	defer messageKey.Destroy()

	env := &Envelope{
		EphemeralPublicKey:  s.sendRatchetPublic.Bytes(),
		MessageNumber:       s.sendCount,
		ChainLength:         s.sendChainLen,
		PreviousChainLength: s.prevSendCount,
		Algorithm:           EnvelopeAlgorithm,
		SecurityLevel:       EnvelopeSecurityLevel,
	}
	env.KeyID = keyID(env.EphemeralPublicKey, env.ChainLength, env.MessageNumber)

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(messageKey.Bytes())
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, append(env.header(), ad...))
	env.Nonce = nonce
	env.Ciphertext = sealed[:len(sealed)-tagSize]
	env.AuthTag = sealed[len(sealed)-tagSize:]

	s.sendCount++
	return env, nil
}

// Decrypt opens an envelope against the current receiving chain, performing
// a DH ratchet step first if the envelope announces a new remote ephemeral
// key.  Message keys derived for not-yet-arrived messages are returned to
// the caller for retention; state is only mutated once the authentication
// tag has verified.
//
// Messages from chains that have already been stepped past cannot be
// decrypted here; the caller consults its retained skipped keys instead
// (see OpenWithKey) and receives ErrKeyNotRetained otherwise.
func (s *Session) Decrypt(env *Envelope, ad []byte) ([]byte, []*SkippedKey, error) {
	if err := env.validate(); err != nil {
		return nil, nil, err
	}

	isCurrent := s.recvRatchetPublic != nil &&
		bytes.Equal(s.recvRatchetPublic.Bytes(), env.EphemeralPublicKey)
	switch {
	case isCurrent:
		if env.ChainLength != s.recvChainLen {
			return nil, nil, ErrInvalidEnvelope
		}
		return s.decryptCurrent(env, ad)
	case env.ChainLength == s.recvChainLen+1:
		return s.decryptRatchetStep(env, ad)
	default:
		return nil, nil, ErrKeyNotRetained
	}
}

func (s *Session) decryptCurrent(env *Envelope, ad []byte) ([]byte, []*SkippedKey, error) {
	if env.MessageNumber < s.recvCount {
		// A message from the past without a retained key: either a
		// duplicate or the key was already consumed.
		return nil, nil, ErrKeyNotRetained
	}
	skipped, messageKey, provisional, err := deriveChainKeys(s.recvChainKey, s.recvCount, env.MessageNumber, env.ChainLength)
	if err != nil {
		return nil, nil, err
	}
	defer messageKey.Destroy()

	plaintext, err := openEnvelope(messageKey.Bytes(), env, ad)
	if err != nil {
		provisional.Destroy()
		wipeSkipped(skipped)
		return nil, nil, err
	}

	s.recvChainKey.Destroy()
	s.recvChainKey = provisional
	s.recvCount = env.MessageNumber + 1
	return plaintext, skipped, nil
}

func (s *Session) decryptRatchetStep(env *Envelope, ad []byte) ([]byte, []*SkippedKey, error) {
	if s.sendRatchetPrivate == nil {
		return nil, nil, ErrInconsistentState
	}
	theirPub, err := s.scheme.UnmarshalBinaryPublicKey(env.EphemeralPublicKey)
	if err != nil {
		return nil, nil, ErrInvalidEnvelope
	}

	// Close out the previous receiving chain first, retaining keys for any
	// of its messages still in flight.
	var oldSkipped []*SkippedKey
	if s.recvChainLen > 0 && env.PreviousChainLength > s.recvCount {
		var tail *memguard.LockedBuffer
		var spare *memguard.LockedBuffer
		oldSkipped, spare, tail, err = deriveChainKeys(s.recvChainKey, s.recvCount, env.PreviousChainLength, s.recvChainLen)
		if err != nil {
			return nil, nil, err
		}
		spare.Destroy()
		tail.Destroy()
	}

	// Derive the next root and receiving chain provisionally; nothing is
	// committed until the tag verifies.
	shared := s.scheme.DeriveSecret(s.sendRatchetPrivate, theirPub)
	sha := sha3.New256()
	sha.Write(rootKeyUpdateLabel)
	sha.Write(s.rootKey.Bytes())
	sha.Write(shared)
	keyMaterial := sha.Sum(nil)
	utils.ExplicitBzero(shared)

	h := hmac.New(sha3.New256, keyMaterial)
	newRoot := memguard.NewBuffer(rootKeySize)
	newChain := memguard.NewBuffer(chainKeySize)
	deriveKey(newRoot, rootKeyLabel, h)
	deriveKey(newChain, chainKeyLabel, h)
	utils.ExplicitBzero(keyMaterial)

	skipped, messageKey, provisional, err := deriveChainKeys(newChain, 0, env.MessageNumber, env.ChainLength)
	newChain.Destroy()
	if err != nil {
		newRoot.Destroy()
		wipeSkipped(oldSkipped)
		return nil, nil, err
	}
	defer messageKey.Destroy()

	plaintext, err := openEnvelope(messageKey.Bytes(), env, ad)
	if err != nil {
		newRoot.Destroy()
		provisional.Destroy()
		wipeSkipped(oldSkipped)
		wipeSkipped(skipped)
		return nil, nil, err
	}

	s.rootKey.Destroy()
	s.rootKey = newRoot
	s.recvChainKey.Destroy()
	s.recvChainKey = provisional
	s.recvChainLen = env.ChainLength
	s.recvCount = env.MessageNumber + 1
	s.recvRatchetPublic = theirPub
	s.pendingRatchet = true
	return plaintext, append(oldSkipped, skipped...), nil
}

// deriveChainKeys advances a copy of chainKey from message number `from` up
// to and including `to`.  It returns the retained keys for the intervening
// messages, the message key for `to` and the advanced chain key.  The input
// chain key is not modified.
func deriveChainKeys(chainKey *memguard.LockedBuffer, from, to, chainLength uint32) ([]*SkippedKey, *memguard.LockedBuffer, *memguard.LockedBuffer, error) {
	if to-from > MaxSkippedMessages {
		return nil, nil, nil, ErrSkipWindowExceeded
	}

	provisional := memguard.NewBuffer(chainKeySize)
	copy(provisional.Bytes(), chainKey.Bytes())

	var skipped []*SkippedKey
	var messageKey *memguard.LockedBuffer
	for n := from; n <= to; n++ {
		h := hmac.New(sha3.New256, provisional.Bytes())
		mk := memguard.NewBuffer(messageKeySize)
		deriveKey(mk, messageKeyLabel, h)
		deriveKey(provisional, chainKeyStepLabel, h)
		if n < to {
			skipped = append(skipped, &SkippedKey{
				ChainLength:   chainLength,
				MessageNumber: n,
				Key:           append([]byte{}, mk.Bytes()...),
			})
			mk.Destroy()
		} else {
			messageKey = mk
		}
	}
	return skipped, messageKey, provisional, nil
}

// OpenWithKey decrypts an envelope with a previously retained message key,
// without touching any chain state.  The key is wiped.
func OpenWithKey(key []byte, env *Envelope, ad []byte) ([]byte, error) {
	defer utils.ExplicitBzero(key)
	if err := env.validate(); err != nil {
		return nil, err
	}
	return openEnvelope(key, env, ad)
}

func openEnvelope(key []byte, env *Envelope, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.AuthTag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)
	plaintext, err := aead.Open(nil, env.Nonce, sealed, append(env.header(), ad...))
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}

func wipeSkipped(keys []*SkippedKey) {
	for _, k := range keys {
		k.Wipe()
	}
}

// SendingMessageNumber returns the counter for the next message in the
// current sending chain.
func (s *Session) SendingMessageNumber() uint32 { return s.sendCount }

// ReceivingMessageNumber returns the next expected counter in the current
// receiving chain.
func (s *Session) ReceivingMessageNumber() uint32 { return s.recvCount }

// SendingChainLength returns the number of completed DH ratchet steps on
// the sending side.
func (s *Session) SendingChainLength() uint32 { return s.sendChainLen }

// ReceivingChainLength returns the number of completed DH ratchet steps on
// the receiving side.
func (s *Session) ReceivingChainLength() uint32 { return s.recvChainLen }

// Destroy wipes all key material held by the session.
func (s *Session) Destroy() {
	s.rootKey.Destroy()
	s.sendChainKey.Destroy()
	s.recvChainKey.Destroy()
	if s.sendRatchetPrivate != nil {
		s.sendRatchetPrivate.Reset()
	}
	s.sendCount, s.recvCount = 0, 0
	s.prevSendCount = 0
	s.sendChainLen, s.recvChainLen = 0, 0
}
