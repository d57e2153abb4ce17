// http_test.go - HTTP interface tests.
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

package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/nachtpost/ratchetd/core/log"
	"github.com/nachtpost/ratchetd/keyexchange"
	"github.com/nachtpost/ratchetd/multidevice"
	"github.com/nachtpost/ratchetd/negotiation"
	"github.com/nachtpost/ratchetd/ratchet"
	"github.com/nachtpost/ratchetd/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	logBackend, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(t, err)

	masterKey := make([]byte, 32)
	_, err = io.ReadFull(rand.Reader, masterKey)
	require.NoError(t, err)
	store, err := storage.New(t.TempDir(), masterKey, logBackend)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	s := &Server{
		logBackend: logBackend,
		log:        logBackend.GetLogger("server"),
		store:      store,
	}
	s.engine = ratchet.NewEngine(store, logBackend, "")
	s.ledger = negotiation.NewLedger(store, logBackend)
	s.exchanges = keyexchange.NewCoordinator(store, s.ledger, logBackend)
	s.registry = multidevice.NewRegistry(store)
	s.devices = multidevice.NewCoordinator(store, s.registry, logBackend)

	ts := httptest.NewServer(s.newHTTPHandler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, user string, body interface{}, out interface{}) int {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHTTPAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	var errResp errorResponse
	status := doJSON(t, ts, http.MethodGet, "/ratchet/stats/conv-1/alice", "", nil, &errResp)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "Unauthorized", errResp.ErrorCode)
}

func TestHTTPRatchetLifecycle(t *testing.T) {
	ts := newTestServer(t)

	secret := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, secret)
	require.NoError(t, err)

	// Encrypt before initialization fails.
	var errResp errorResponse
	status := doJSON(t, ts, http.MethodPost, "/ratchet/encrypt", "alice", map[string]interface{}{
		"conversationId": "conv-1",
		"plaintext":      []byte("hello"),
	}, &errResp)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "RatchetNotInitialized", errResp.ErrorCode)

	// Initialize both parties.
	status = doJSON(t, ts, http.MethodPut, "/ratchet/state", "alice", map[string]interface{}{
		"conversationId": "conv-1",
		"sharedSecret":   secret,
		"isInitiator":    true,
	}, nil)
	require.Equal(t, http.StatusCreated, status)
	status = doJSON(t, ts, http.MethodPut, "/ratchet/state", "bob", map[string]interface{}{
		"conversationId": "conv-1",
		"sharedSecret":   secret,
		"isInitiator":    false,
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	// Re-initialization without reset conflicts.
	status = doJSON(t, ts, http.MethodPut, "/ratchet/state", "alice", map[string]interface{}{
		"conversationId": "conv-1",
		"sharedSecret":   secret,
		"isInitiator":    true,
	}, &errResp)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "AlreadyInitialized", errResp.ErrorCode)

	// Alice encrypts, Bob decrypts.
	var encResp struct {
		Envelope *ratchet.Envelope `json:"envelope"`
	}
	status = doJSON(t, ts, http.MethodPost, "/ratchet/encrypt", "alice", map[string]interface{}{
		"conversationId": "conv-1",
		"plaintext":      []byte("hello bob"),
	}, &encResp)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, encResp.Envelope)
	require.Equal(t, uint32(0), encResp.Envelope.MessageNumber)
	require.Equal(t, uint32(1), encResp.Envelope.ChainLength)

	var decResp struct {
		Plaintext []byte `json:"plaintext"`
	}
	status = doJSON(t, ts, http.MethodPost, "/ratchet/decrypt", "bob", map[string]interface{}{
		"conversationId": "conv-1",
		"envelope":       encResp.Envelope,
	}, &decResp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []byte("hello bob"), decResp.Plaintext)

	// Stats for the wrong user are rejected.
	status = doJSON(t, ts, http.MethodGet, "/ratchet/stats/conv-1/alice", "bob", nil, nil)
	require.Equal(t, http.StatusForbidden, status)

	var stats ratchet.Statistics
	status = doJSON(t, ts, http.MethodGet, "/ratchet/stats/conv-1/bob", "bob", nil, &stats)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, uint32(1), stats.ReceivingMessageNumber)

	// Delete, then the state is gone.
	status = doJSON(t, ts, http.MethodDelete, "/ratchet/state/conv-1/alice", "alice", nil, nil)
	require.Equal(t, http.StatusOK, status)
	status = doJSON(t, ts, http.MethodGet, "/ratchet/state/conv-1/alice", "alice", nil, &errResp)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "RatchetNotInitialized", errResp.ErrorCode)
}

func TestHTTPTamperedEnvelope(t *testing.T) {
	ts := newTestServer(t)

	secret := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, secret)
	require.NoError(t, err)

	for user, initiator := range map[string]bool{"alice": true, "bob": false} {
		status := doJSON(t, ts, http.MethodPut, "/ratchet/state", user, map[string]interface{}{
			"conversationId": "conv-1",
			"sharedSecret":   secret,
			"isInitiator":    initiator,
		}, nil)
		require.Equal(t, http.StatusCreated, status)
	}

	var encResp struct {
		Envelope *ratchet.Envelope `json:"envelope"`
	}
	status := doJSON(t, ts, http.MethodPost, "/ratchet/encrypt", "alice", map[string]interface{}{
		"conversationId": "conv-1",
		"plaintext":      []byte("hi"),
	}, &encResp)
	require.Equal(t, http.StatusOK, status)

	encResp.Envelope.Ciphertext[0] ^= 0x01
	var errResp errorResponse
	status = doJSON(t, ts, http.MethodPost, "/ratchet/decrypt", "bob", map[string]interface{}{
		"conversationId": "conv-1",
		"envelope":       encResp.Envelope,
	}, &errResp)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "AuthenticationFailure", errResp.ErrorCode)
}

func TestHTTPKeyExchange(t *testing.T) {
	ts := newTestServer(t)

	alice, err := keyexchange.NewIdentity()
	require.NoError(t, err)
	defer alice.Destroy()
	bob, err := keyexchange.NewIdentity()
	require.NoError(t, err)
	defer bob.Destroy()

	var initResp struct {
		ExchangeID string `json:"exchangeId"`
		Status     string `json:"status"`
	}
	status := doJSON(t, ts, http.MethodPost, "/key-exchange/initiate", "alice", map[string]interface{}{
		"recipientId":     "bob",
		"conversationId":  "conv-1",
		"exchangeType":    "initial_setup",
		"publicKeyBundle": alice.Bundle(),
	}, &initResp)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "pending", initResp.Status)

	// Bob sees it pending, Alice does not.
	var pendResp struct {
		Exchanges []*keyexchange.Exchange `json:"exchanges"`
	}
	status = doJSON(t, ts, http.MethodGet, "/key-exchange/pending", "bob", nil, &pendResp)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, pendResp.Exchanges, 1)
	status = doJSON(t, ts, http.MethodGet, "/key-exchange/pending", "alice", nil, &pendResp)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, pendResp.Exchanges, 0)

	// A third party cannot read it.
	var errResp errorResponse
	status = doJSON(t, ts, http.MethodGet, "/key-exchange/"+initResp.ExchangeID, "mallory", nil, &errResp)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "ExchangeUnauthorized", errResp.ErrorCode)

	var respResp struct {
		Status string `json:"status"`
	}
	status = doJSON(t, ts, http.MethodPost, "/key-exchange/respond", "bob", map[string]interface{}{
		"exchangeId":      initResp.ExchangeID,
		"responseData":    []byte("response"),
		"publicKeyBundle": bob.Bundle(),
	}, &respResp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "responded", respResp.Status)

	sig := alice.Sign([]byte(initResp.ExchangeID))
	status = doJSON(t, ts, http.MethodPost, "/key-exchange/complete", "alice", map[string]interface{}{
		"exchangeId":            initResp.ExchangeID,
		"confirmationSignature": sig,
	}, &respResp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "completed", respResp.Status)

	// Completing an initial_setup exchange records a negotiation.
	var encStatus struct {
		Encrypted   bool                     `json:"encrypted"`
		Negotiation *negotiation.Negotiation `json:"negotiation"`
	}
	status = doJSON(t, ts, http.MethodGet, "/conversation/conv-1/encryption-status", "alice", nil, &encStatus)
	require.Equal(t, http.StatusOK, status)
	require.True(t, encStatus.Encrypted)
	require.NotNil(t, encStatus.Negotiation)
	require.True(t, encStatus.Negotiation.QuantumResistant)
}

func TestHTTPMultiDevice(t *testing.T) {
	ts := newTestServer(t)

	for _, id := range []string{"phone", "laptop"} {
		status := doJSON(t, ts, http.MethodPost, "/multi-device/devices", "alice", map[string]interface{}{
			"deviceId": id,
		}, nil)
		require.Equal(t, http.StatusCreated, status)
	}

	var createResp struct {
		PackageID string `json:"packageId"`
		Status    string `json:"status"`
	}
	status := doJSON(t, ts, http.MethodPost, "/multi-device/sync", "alice", map[string]interface{}{
		"fromDeviceId":     "phone",
		"toDeviceId":       "laptop",
		"keyType":          "ratchet_state",
		"conversationId":   "conv-1",
		"encryptedKeyData": []byte("sealed"),
	}, &createResp)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "pending", createResp.Status)

	// Another user cannot drain alice's device queue.
	var errResp errorResponse
	status = doJSON(t, ts, http.MethodGet, "/multi-device/pending/laptop", "mallory", nil, &errResp)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "Unauthorized", errResp.ErrorCode)

	var pendResp struct {
		Packages []*multidevice.SyncPackage `json:"packages"`
	}
	status = doJSON(t, ts, http.MethodGet, "/multi-device/pending/laptop", "alice", nil, &pendResp)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, pendResp.Packages, 1)

	var procResp struct {
		Status string `json:"status"`
	}
	status = doJSON(t, ts, http.MethodPost, "/multi-device/processed/"+createResp.PackageID, "alice", map[string]interface{}{
		"success": true,
	}, &procResp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "processed", procResp.Status)

	status = doJSON(t, ts, http.MethodPost, "/multi-device/processed/"+createResp.PackageID, "alice", map[string]interface{}{
		"success": true,
	}, &errResp)
	require.Equal(t, http.StatusConflict, status)
}

func TestHTTPNegotiationRecord(t *testing.T) {
	ts := newTestServer(t)

	var recResp struct {
		NegotiationID string `json:"negotiationId"`
	}
	status := doJSON(t, ts, http.MethodPost, "/algorithm-negotiation", "alice", map[string]interface{}{
		"conversationId": "conv-1",
		"responderId":    "bob",
		"selectedAlgorithms": map[string]string{
			"keyExchange": "MLKEM768-X25519",
			"signature":   "Ed25519",
			"encryption":  "CHACHA20-POLY1305",
		},
		"achievedSecurityLevel": 3,
		"quantumResistant":      true,
	}, &recResp)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, recResp.NegotiationID)

	var encStatus struct {
		Encrypted bool `json:"encrypted"`
	}
	status = doJSON(t, ts, http.MethodGet, "/conversation/conv-1/encryption-status", "alice", nil, &encStatus)
	require.Equal(t, http.StatusOK, status)
	require.True(t, encStatus.Encrypted)

	status = doJSON(t, ts, http.MethodGet, "/conversation/conv-2/encryption-status", "alice", nil, &encStatus)
	require.Equal(t, http.StatusOK, status)
	require.False(t, encStatus.Encrypted)
}

func TestHTTPCleanupAndHealth(t *testing.T) {
	ts := newTestServer(t)

	var cleanResp struct {
		SweptSkippedKeys int `json:"sweptSkippedKeys"`
		ExpiredExchanges int `json:"expiredExchanges"`
		ExpiredPackages  int `json:"expiredPackages"`
	}
	status := doJSON(t, ts, http.MethodPost, "/ratchet/cleanup", "admin", nil, &cleanResp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 0, cleanResp.SweptSkippedKeys)

	var health struct {
		Status string `json:"status"`
	}
	status = doJSON(t, ts, http.MethodGet, "/ratchet/health", "", nil, &health)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", health.Status)
}
