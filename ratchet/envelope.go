package ratchet

import (
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/katzenpost/hpqc/hash"
)

var (
	ErrInvalidEnvelope = errors.New("ratchet: invalid envelope")
)

// Envelope is the wire and storage form of an encrypted message.  All byte
// fields are base64 strings at the JSON boundary and must round trip
// exactly.
type Envelope struct {
	Ciphertext          []byte `json:"ciphertext" cbor:"ciphertext"`
	Nonce               []byte `json:"nonce" cbor:"nonce"`
	AuthTag             []byte `json:"authTag" cbor:"authTag"`
	EphemeralPublicKey  []byte `json:"ephemeralPublicKey" cbor:"ephemeralPublicKey"`
	MessageNumber       uint32 `json:"messageNumber" cbor:"messageNumber"`
	ChainLength         uint32 `json:"chainLength" cbor:"chainLength"`
	PreviousChainLength uint32 `json:"previousChainLength" cbor:"previousChainLength"`
	KeyID               string `json:"keyId" cbor:"keyId"`
	Algorithm           string `json:"algorithm" cbor:"algorithm"`
	SecurityLevel       int    `json:"securityLevel" cbor:"securityLevel"`
	PQCCiphertext       []byte `json:"pqcCiphertext,omitempty" cbor:"pqcCiphertext,omitempty"`
	Signature           []byte `json:"signature,omitempty" cbor:"signature,omitempty"`
}

func (e *Envelope) validate() error {
	if len(e.Nonce) != nonceSize {
		return ErrInvalidEnvelope
	}
	if len(e.AuthTag) != tagSize {
		return ErrInvalidEnvelope
	}
	if len(e.EphemeralPublicKey) == 0 {
		return ErrInvalidEnvelope
	}
	return nil
}

// header serializes the authenticated envelope metadata.  It is bound into
// the AEAD tag as associated data together with whatever the caller
// supplies, so any tampering with the counters or the ephemeral key fails
// authentication.
func (e *Envelope) header() []byte {
	h := make([]byte, 12, 12+len(e.EphemeralPublicKey))
	binary.BigEndian.PutUint32(h[0:4], e.MessageNumber)
	binary.BigEndian.PutUint32(h[4:8], e.ChainLength)
	binary.BigEndian.PutUint32(h[8:12], e.PreviousChainLength)
	return append(h, e.EphemeralPublicKey...)
}

// keyID derives a stable non-secret identifier for the message key slot.
func keyID(ephemeralPublicKey []byte, chainLength, messageNumber uint32) string {
	var idx [8]byte
	binary.BigEndian.PutUint32(idx[0:4], chainLength)
	binary.BigEndian.PutUint32(idx[4:8], messageNumber)
	sum := hash.Sum256(append(append([]byte{}, ephemeralPublicKey...), idx[:]...))
	return hex.EncodeToString(sum[:8])
}
