// http.go - HTTP+JSON interface.
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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nachtpost/ratchetd/keyexchange"
	"github.com/nachtpost/ratchetd/multidevice"
	"github.com/nachtpost/ratchetd/negotiation"
	"github.com/nachtpost/ratchetd/ratchet"
	"github.com/nachtpost/ratchetd/storage"
)

// userHeader carries the caller identity established by the upstream
// authentication collaborator.  The daemon trusts it as-is.
const userHeader = "X-Ratchetd-User"

type errorResponse struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// errorCode maps a sentinel error to its stable wire code and HTTP
// status.  Unknown errors surface as StorageUnavailable without detail;
// error payloads never carry key material.
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, ratchet.ErrNotInitialized):
		return "RatchetNotInitialized", http.StatusNotFound
	case errors.Is(err, ratchet.ErrAlreadyInitialized):
		return "AlreadyInitialized", http.StatusConflict
	case errors.Is(err, ratchet.ErrAuthenticationFailure):
		return "AuthenticationFailure", http.StatusBadRequest
	case errors.Is(err, ratchet.ErrSkipWindowExceeded):
		return "SkipWindowExceeded", http.StatusBadRequest
	case errors.Is(err, ratchet.ErrKeyNotRetained):
		return "KeyNotRetained", http.StatusGone
	case errors.Is(err, ratchet.ErrInvalidSharedSecret),
		errors.Is(err, ratchet.ErrUnknownScheme),
		errors.Is(err, ratchet.ErrInvalidEnvelope):
		return "ValidationError", http.StatusBadRequest
	case errors.Is(err, storage.ErrCorruptedState):
		return "CorruptedState", http.StatusInternalServerError
	case errors.Is(err, storage.ErrStaleState):
		return "ConcurrentModification", http.StatusConflict
	case errors.Is(err, keyexchange.ErrNotFound):
		return "ExchangeNotFound", http.StatusNotFound
	case errors.Is(err, keyexchange.ErrUnauthorized):
		return "ExchangeUnauthorized", http.StatusForbidden
	case errors.Is(err, keyexchange.ErrInvalidState):
		return "ExchangeInvalidState", http.StatusConflict
	case errors.Is(err, keyexchange.ErrExpired):
		return "ExchangeExpired", http.StatusGone
	case errors.Is(err, keyexchange.ErrUnknownType),
		errors.Is(err, keyexchange.ErrInvalidBundle),
		errors.Is(err, keyexchange.ErrInvalidSignature):
		return "ValidationError", http.StatusBadRequest
	case errors.Is(err, multidevice.ErrOwnershipMismatch):
		return "DeviceOwnershipMismatch", http.StatusForbidden
	case errors.Is(err, multidevice.ErrUnauthorized):
		return "Unauthorized", http.StatusForbidden
	case errors.Is(err, multidevice.ErrPackageNotFound):
		return "PackageNotFound", http.StatusNotFound
	case errors.Is(err, multidevice.ErrAlreadyProcessed):
		return "PackageInvalidState", http.StatusConflict
	case errors.Is(err, multidevice.ErrUnknownDevice),
		errors.Is(err, multidevice.ErrInvalidPriority),
		errors.Is(err, multidevice.ErrInvalidSignature),
		errors.Is(err, multidevice.ErrDeviceExists):
		return "ValidationError", http.StatusBadRequest
	default:
		return "StorageUnavailable", http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code, status := errorCode(err)
	writeJSON(w, status, &errorResponse{ErrorCode: code, Message: code})
}

func writeValidationError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, &errorResponse{ErrorCode: "ValidationError", Message: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeValidationError(w, "malformed request body")
		return false
	}
	return true
}

// caller returns the authenticated user id, or fails the request.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, &errorResponse{ErrorCode: "Unauthorized", Message: "missing " + userHeader + " header"})
		return "", false
	}
	return userID, true
}

func (s *Server) newHTTPHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /ratchet/state", s.onRatchetInitialize)
	mux.HandleFunc("GET /ratchet/state/{conversationId}/{userId}", s.onRatchetGetState)
	mux.HandleFunc("DELETE /ratchet/state/{conversationId}/{userId}", s.onRatchetDeleteState)
	mux.HandleFunc("POST /ratchet/encrypt", s.onRatchetEncrypt)
	mux.HandleFunc("POST /ratchet/decrypt", s.onRatchetDecrypt)
	mux.HandleFunc("GET /ratchet/skipped/{conversationId}/{userId}", s.onRatchetSkippedCount)
	mux.HandleFunc("DELETE /ratchet/skipped/{conversationId}/{userId}", s.onRatchetDeleteSkipped)
	mux.HandleFunc("GET /ratchet/stats/{conversationId}/{userId}", s.onRatchetStats)
	mux.HandleFunc("POST /ratchet/cleanup", s.onCleanup)
	mux.HandleFunc("GET /ratchet/health", s.onHealth)

	mux.HandleFunc("POST /key-exchange/initiate", s.onExchangeInitiate)
	mux.HandleFunc("POST /key-exchange/respond", s.onExchangeRespond)
	mux.HandleFunc("POST /key-exchange/complete", s.onExchangeComplete)
	mux.HandleFunc("GET /key-exchange/pending", s.onExchangeListPending)
	mux.HandleFunc("GET /key-exchange/{id}", s.onExchangeGet)

	mux.HandleFunc("POST /multi-device/devices", s.onDeviceRegister)
	mux.HandleFunc("POST /multi-device/sync", s.onSyncCreate)
	mux.HandleFunc("GET /multi-device/pending/{deviceId}", s.onSyncListPending)
	mux.HandleFunc("POST /multi-device/processed/{packageId}", s.onSyncMarkProcessed)

	mux.HandleFunc("POST /algorithm-negotiation", s.onNegotiationRecord)
	mux.HandleFunc("GET /conversation/{id}/encryption-status", s.onEncryptionStatus)

	return mux
}

func (s *Server) onRatchetInitialize(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		ConversationID string `json:"conversationId"`
		SharedSecret   []byte `json:"sharedSecret"`
		IsInitiator    bool   `json:"isInitiator"`
		Reset          bool   `json:"reset"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		writeValidationError(w, "conversationId is required")
		return
	}
	if err := s.engine.Initialize(req.ConversationID, userID, req.SharedSecret, req.IsInitiator, req.Reset); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"ratchetStateId": req.ConversationID + "/" + userID,
	})
}

// onRatchetGetState reports state existence and counters.  The state's
// key material is never returned over the wire.
func (s *Server) onRatchetGetState(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	conversationID := r.PathValue("conversationId")
	if r.PathValue("userId") != userID {
		writeJSON(w, http.StatusForbidden, &errorResponse{ErrorCode: "Unauthorized", Message: "state belongs to another user"})
		return
	}
	stats, err := s.engine.Stats(conversationID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversationId": conversationID,
		"userId":         userID,
		"stats":          stats,
	})
}

func (s *Server) onRatchetDeleteState(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	if r.PathValue("userId") != userID {
		writeJSON(w, http.StatusForbidden, &errorResponse{ErrorCode: "Unauthorized", Message: "state belongs to another user"})
		return
	}
	existed, err := s.engine.Delete(r.PathValue("conversationId"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !existed {
		writeError(w, ratchet.ErrNotInitialized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) onRatchetEncrypt(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		ConversationID string `json:"conversationId"`
		Plaintext      []byte `json:"plaintext"`
		AssociatedData []byte `json:"associatedData"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	env, err := s.engine.Encrypt(req.ConversationID, userID, req.Plaintext, req.AssociatedData)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"envelope": env})
}

func (s *Server) onRatchetDecrypt(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		ConversationID string            `json:"conversationId"`
		Envelope       *ratchet.Envelope `json:"envelope"`
		AssociatedData []byte            `json:"associatedData"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Envelope == nil {
		writeValidationError(w, "envelope is required")
		return
	}
	plaintext, err := s.engine.Decrypt(req.ConversationID, userID, req.Envelope, req.AssociatedData)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]byte{"plaintext": plaintext})
}

func (s *Server) onRatchetSkippedCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	if r.PathValue("userId") != userID {
		writeJSON(w, http.StatusForbidden, &errorResponse{ErrorCode: "Unauthorized", Message: "state belongs to another user"})
		return
	}
	count, err := s.store.CountSkippedKeys(r.PathValue("conversationId"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) onRatchetDeleteSkipped(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	if r.PathValue("userId") != userID {
		writeJSON(w, http.StatusForbidden, &errorResponse{ErrorCode: "Unauthorized", Message: "state belongs to another user"})
		return
	}
	chainLength, err1 := strconv.ParseUint(r.URL.Query().Get("chainLength"), 10, 32)
	messageNumber, err2 := strconv.ParseUint(r.URL.Query().Get("messageNumber"), 10, 32)
	if err1 != nil || err2 != nil {
		writeValidationError(w, "chainLength and messageNumber query parameters are required")
		return
	}
	err := s.store.DeleteSkippedKey(r.PathValue("conversationId"), userID, uint32(chainLength), uint32(messageNumber))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) onRatchetStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	if r.PathValue("userId") != userID {
		writeJSON(w, http.StatusForbidden, &errorResponse{ErrorCode: "Unauthorized", Message: "state belongs to another user"})
		return
	}
	stats, err := s.engine.Stats(r.PathValue("conversationId"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) onCleanup(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	swept, err := s.store.SweepSkippedKeys()
	if err != nil {
		writeError(w, err)
		return
	}
	expiredExchanges, err := s.exchanges.CleanupExpired()
	if err != nil {
		writeError(w, err)
		return
	}
	expiredPackages, err := s.devices.CleanupExpired()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"sweptSkippedKeys": swept,
		"expiredExchanges": expiredExchanges,
		"expiredPackages":  expiredPackages,
	})
}

func (s *Server) onHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) onExchangeInitiate(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		RecipientID      string                       `json:"recipientId"`
		ConversationID   string                       `json:"conversationId"`
		ExchangeType     keyexchange.Type             `json:"exchangeType"`
		PublicKeyBundle  *keyexchange.PublicKeyBundle `json:"publicKeyBundle"`
		EncryptedKeyData []byte                       `json:"encryptedKeyData"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ex, err := s.exchanges.Initiate(userID, req.RecipientID, req.ConversationID, req.ExchangeType, req.PublicKeyBundle, req.EncryptedKeyData)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"exchangeId": ex.ID,
		"status":     ex.Status,
		"expiresAt":  ex.ExpiresAt,
	})
}

func (s *Server) onExchangeRespond(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		ExchangeID      string                       `json:"exchangeId"`
		ResponseData    []byte                       `json:"responseData"`
		PublicKeyBundle *keyexchange.PublicKeyBundle `json:"publicKeyBundle"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ex, err := s.exchanges.Respond(req.ExchangeID, userID, req.ResponseData, req.PublicKeyBundle)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"exchangeId": ex.ID,
		"status":     ex.Status,
	})
}

func (s *Server) onExchangeComplete(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		ExchangeID            string `json:"exchangeId"`
		ConfirmationSignature []byte `json:"confirmationSignature"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ex, err := s.exchanges.Complete(req.ExchangeID, userID, req.ConfirmationSignature)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"exchangeId": ex.ID,
		"status":     ex.Status,
	})
}

func (s *Server) onExchangeListPending(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeValidationError(w, "invalid limit")
			return
		}
		limit = n
	}
	pending, err := s.exchanges.ListPending(userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"exchanges": pending})
}

func (s *Server) onExchangeGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	ex, err := s.exchanges.GetData(r.PathValue("id"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) onDeviceRegister(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		DeviceID         string `json:"deviceId"`
		Name             string `json:"name"`
		SigningPublicKey []byte `json:"signingPublicKey"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeValidationError(w, "deviceId is required")
		return
	}
	err := s.registry.Register(&multidevice.Device{
		ID:               req.DeviceID,
		UserID:           userID,
		Name:             req.Name,
		SigningPublicKey: req.SigningPublicKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"deviceId": req.DeviceID})
}

func (s *Server) onSyncCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		FromDeviceID     string               `json:"fromDeviceId"`
		ToDeviceID       string               `json:"toDeviceId"`
		KeyType          string               `json:"keyType"`
		ConversationID   string               `json:"conversationId"`
		EncryptedKeyData []byte               `json:"encryptedKeyData"`
		Signature        []byte               `json:"signature"`
		SyncPriority     multidevice.Priority `json:"syncPriority"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	pkg, err := s.devices.CreatePackage(userID, req.FromDeviceID, req.ToDeviceID, req.KeyType, req.ConversationID, req.EncryptedKeyData, req.Signature, req.SyncPriority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"packageId": pkg.ID,
		"status":    pkg.Status,
	})
}

func (s *Server) onSyncListPending(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	pending, err := s.devices.ListPending(r.PathValue("deviceId"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"packages": pending})
}

func (s *Server) onSyncMarkProcessed(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Success      bool   `json:"success"`
		ErrorMessage string `json:"errorMessage"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	pkg, err := s.devices.MarkProcessed(r.PathValue("packageId"), userID, req.Success, req.ErrorMessage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"packageId": pkg.ID,
		"status":    pkg.Status,
	})
}

func (s *Server) onNegotiationRecord(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		ConversationID        string                         `json:"conversationId"`
		ResponderID           string                         `json:"responderId"`
		SelectedAlgorithms    negotiation.SelectedAlgorithms `json:"selectedAlgorithms"`
		SecurityLevel         int                            `json:"achievedSecurityLevel"`
		QuantumResistant      bool                           `json:"quantumResistant"`
		InitiatorCapabilities negotiation.Capabilities       `json:"initiatorCapabilities"`
		ResponderCapabilities negotiation.Capabilities       `json:"responderCapabilities"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		writeValidationError(w, "conversationId is required")
		return
	}
	id, err := s.ledger.Record(&negotiation.Negotiation{
		ConversationID:        req.ConversationID,
		InitiatorID:           userID,
		ResponderID:           req.ResponderID,
		Selected:              req.SelectedAlgorithms,
		SecurityLevel:         req.SecurityLevel,
		QuantumResistant:      req.QuantumResistant,
		InitiatorCapabilities: req.InitiatorCapabilities,
		ResponderCapabilities: req.ResponderCapabilities,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"negotiationId": id})
}

func (s *Server) onEncryptionStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	conversationID := r.PathValue("id")
	active, err := s.ledger.GetActive(conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if active == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"conversationId": conversationID,
			"encrypted":      false,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversationId": conversationID,
		"encrypted":      true,
		"negotiation":    active,
	})
}
