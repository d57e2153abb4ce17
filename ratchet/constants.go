package ratchet

import (
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keySize        = 32
	rootKeySize    = 32
	chainKeySize   = 32
	messageKeySize = 32
	nonceSize      = chacha20poly1305.NonceSize
	tagSize        = 16

	// MaxSkippedMessages is the maximum number of message keys that will be
	// derived and retained for messages that have not arrived yet.  A gap
	// larger than this makes the skipped messages undecryptable, which is
	// the resource exhaustion tradeoff, not a defect.
	MaxSkippedMessages = 1000

	// SkippedKeyLifetime is the retention period for message keys saved for
	// out of order messages.
	SkippedKeyLifetime = 7 * 24 * time.Hour

	// EnvelopeAlgorithm identifies the AEAD used for message envelopes.
	EnvelopeAlgorithm = "CHACHA20-POLY1305"

	// EnvelopeSecurityLevel is the classical security level, in bits, of the
	// envelope AEAD.
	EnvelopeSecurityLevel = 256
)

// These constants are used as the label argument to deriveKey to derive
// independent keys from a master key.
var (
	rootKeyLabel       = []byte("root key")
	rootKeyUpdateLabel = []byte("root key update")
	chainKeyLabel      = []byte("chain key")
	chainKeyStepLabel  = []byte("chain key step")
	messageKeyLabel    = []byte("message key")

	hkdfInfoLabel = []byte("ratchetd session v1")
)
