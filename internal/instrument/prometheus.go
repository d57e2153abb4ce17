// prometheus.go - Prometheus instrumentation.
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

// Package instrument exposes the process metrics.
package instrument

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesEncrypted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ratchetd_messages_encrypted_total",
			Help: "Number of envelopes sealed",
		},
	)
	messagesDecrypted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ratchetd_messages_decrypted_total",
			Help: "Number of envelopes opened",
		},
	)
	decryptFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ratchetd_decrypt_failures_total",
			Help: "Number of envelope open failures",
		},
	)
	exchangesInitiated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratchetd_exchanges_initiated_total",
			Help: "Number of key exchanges initiated",
		},
		[]string{"type"},
	)
	exchangesCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ratchetd_exchanges_completed_total",
			Help: "Number of key exchanges completed",
		},
	)
	exchangesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ratchetd_exchanges_expired_total",
			Help: "Number of key exchanges expired before completion",
		},
	)
	syncPackagesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ratchetd_sync_packages_created_total",
			Help: "Number of device sync packages created",
		},
	)
	syncPackagesProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ratchetd_sync_packages_processed_total",
			Help: "Number of device sync packages marked processed",
		},
	)
	negotiationsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratchetd_negotiations_recorded_total",
			Help: "Number of algorithm negotiations recorded",
		},
		[]string{"algorithm"},
	)
	skippedKeysSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ratchetd_skipped_keys_swept_total",
			Help: "Number of expired skipped message keys removed",
		},
	)

	initOnce sync.Once
)

// Init registers the metrics with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(messagesEncrypted)
		prometheus.MustRegister(messagesDecrypted)
		prometheus.MustRegister(decryptFailures)
		prometheus.MustRegister(exchangesInitiated)
		prometheus.MustRegister(exchangesCompleted)
		prometheus.MustRegister(exchangesExpired)
		prometheus.MustRegister(syncPackagesCreated)
		prometheus.MustRegister(syncPackagesProcessed)
		prometheus.MustRegister(negotiationsRecorded)
		prometheus.MustRegister(skippedKeysSwept)
	})
}

// Handler returns the metrics scrape handler for the server to mount.
func Handler() http.Handler {
	return promhttp.Handler()
}

// MessageEncrypted increments the counter for sealed envelopes.
func MessageEncrypted() {
	messagesEncrypted.Inc()
}

// MessageDecrypted increments the counter for opened envelopes.
func MessageDecrypted() {
	messagesDecrypted.Inc()
}

// MessageDecryptFailed increments the counter for envelope open failures.
func MessageDecryptFailed() {
	decryptFailures.Inc()
}

// ExchangeInitiated increments the counter for initiated key exchanges.
func ExchangeInitiated(exchangeType string) {
	exchangesInitiated.With(prometheus.Labels{"type": exchangeType}).Inc()
}

// ExchangeCompleted increments the counter for completed key exchanges.
func ExchangeCompleted() {
	exchangesCompleted.Inc()
}

// ExchangeExpired increments the counter for expired key exchanges.
func ExchangeExpired() {
	exchangesExpired.Inc()
}

// SyncPackageCreated increments the counter for created sync packages.
func SyncPackageCreated() {
	syncPackagesCreated.Inc()
}

// SyncPackageProcessed increments the counter for processed sync packages.
func SyncPackageProcessed() {
	syncPackagesProcessed.Inc()
}

// NegotiationRecorded increments the counter for recorded negotiations.
func NegotiationRecorded(algorithm string) {
	negotiationsRecorded.With(prometheus.Labels{"algorithm": algorithm}).Inc()
}

// SkippedKeysSwept adds to the counter for swept skipped message keys.
func SkippedKeysSwept(n int) {
	skippedKeysSwept.Add(float64(n))
}
