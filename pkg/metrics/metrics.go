// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-josekit.
//
// go-josekit is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for JOSE operations.
// It exposes operation counters, latency histograms, and JWKS fetch metrics
// to enable monitoring of token processing throughput and remote key set
// health.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all josekit metrics
	Namespace = "josekit"

	// Label names
	LabelOperation = "operation"
	LabelAlgorithm = "algorithm"
	LabelStatus    = "status"
	LabelErrorCode = "error_code"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Operation names
	OpEncrypt   = "encrypt"
	OpDecrypt   = "decrypt"
	OpSign      = "sign"
	OpVerify    = "verify"
	OpJWKSFetch = "jwks_fetch"
)

var (
	// OperationsTotal tracks the total number of JOSE operations by type,
	// algorithm, and status. Use RecordOperation to increment this counter
	// with the appropriate labels.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of JOSE operations by type, algorithm, and status",
		},
		[]string{LabelOperation, LabelAlgorithm, LabelStatus},
	)

	// OperationDuration tracks the duration of JOSE operations in seconds.
	// Buckets are optimized for typical cryptographic operation latencies.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of JOSE operations in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{LabelOperation, LabelAlgorithm},
	)

	// ErrorsTotal tracks the total number of errors by operation and stable
	// error code (e.g. "ERR_JWE_DECRYPTION_FAILED").
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation and error code",
		},
		[]string{LabelOperation, LabelErrorCode},
	)

	// JWKSFetchesTotal tracks remote JWKS document fetches by status.
	JWKSFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "jwks",
			Name:      "fetches_total",
			Help:      "Total number of remote JWKS fetches by status",
		},
		[]string{LabelStatus},
	)

	// JWKSFetchDuration tracks the duration of remote JWKS fetches in seconds.
	JWKSFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "jwks",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of remote JWKS fetches in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// JWKSCachedKeys tracks the number of keys in the most recently cached
	// JWKS document per resolver URL.
	JWKSCachedKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "jwks",
			Name:      "cached_keys",
			Help:      "Number of keys in the cached JWKS document",
		},
		[]string{"url"},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordOperation records a JOSE operation with its duration and status.
// This is the primary function for tracking operational metrics.
//
// Parameters:
//   - operation: The operation name (use Op* constants)
//   - algorithm: The JWA identifier (e.g., "RSA-OAEP-256", "ES256")
//   - status: The operation status (use Status* constants)
//   - duration: The operation duration in seconds
//
// Example:
//
//	start := time.Now()
//	token, err := jwe.Encrypt(payload, alg, enc, key, opts)
//	duration := time.Since(start).Seconds()
//	if err != nil {
//	    RecordOperation(OpEncrypt, alg, StatusError, duration)
//	} else {
//	    RecordOperation(OpEncrypt, alg, StatusSuccess, duration)
//	}
func RecordOperation(operation, algorithm, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, algorithm, status).Inc()
	OperationDuration.WithLabelValues(operation, algorithm).Observe(duration)
}

// RecordError records an error event with its stable error code.
func RecordError(operation, errorCode string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(operation, errorCode).Inc()
}

// RecordJWKSFetch records a remote JWKS fetch with its duration and status.
func RecordJWKSFetch(status string, duration float64) {
	if !enabled.Load() {
		return
	}
	JWKSFetchesTotal.WithLabelValues(status).Inc()
	JWKSFetchDuration.Observe(duration)
}

// SetJWKSCachedKeys sets the cached key count gauge for a resolver URL.
func SetJWKSCachedKeys(url string, count float64) {
	if !enabled.Load() {
		return
	}
	JWKSCachedKeys.WithLabelValues(url).Set(count)
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
