// Package metrics exposes Prometheus collectors for credential rotation
// activity and a retriever decorator that feeds them.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

var (
	rotationsTotal    *prometheus.CounterVec
	rotationDuration  *prometheus.HistogramVec
	credentialsExpiry *prometheus.GaugeVec

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered bool
)

// Init registers all collectors on the default registry. Call once at
// startup when metrics are enabled; recording is a no-op before that.
func Init() {
	metricsOnce.Do(func() {
		rotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "awscreds_rotations_total",
				Help: "Total number of credential retrieval attempts",
			},
			[]string{"source", "result"},
		)

		rotationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "awscreds_rotation_duration_seconds",
				Help:    "Duration of credential retrieval attempts in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"source"},
		)

		credentialsExpiry = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "awscreds_credentials_expiry_seconds",
				Help: "Unix time at which the current credentials expire (0 when they never expire)",
			},
			[]string{"source"},
		)

		metricsRegistered = true
	})
}

// RecordRotation records one retrieval attempt and its duration.
func RecordRotation(source, result string, durationSeconds float64) {
	if !metricsRegistered {
		return
	}
	if rotationsTotal != nil {
		rotationsTotal.WithLabelValues(source, result).Inc()
	}
	if rotationDuration != nil {
		rotationDuration.WithLabelValues(source).Observe(durationSeconds)
	}
}

// RecordExpiry records the expiration of the credentials currently served.
func RecordExpiry(source string, expiration time.Time) {
	if !metricsRegistered || credentialsExpiry == nil {
		return
	}
	var v float64
	if !expiration.IsZero() {
		v = float64(expiration.Unix())
	}
	credentialsExpiry.WithLabelValues(source).Set(v)
}

// Instrument decorates a retriever so every fetch updates the collectors.
// Close passes through to the wrapped retriever.
func Instrument(source string, r credentials.Retriever) credentials.Retriever {
	return &instrumentedRetriever{inner: r, source: source}
}

type instrumentedRetriever struct {
	inner  credentials.Retriever
	source string
}

func (r *instrumentedRetriever) Retrieve(ctx context.Context) (credentials.ExpiringCredentials, error) {
	start := time.Now()
	creds, err := r.inner.Retrieve(ctx)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		RecordRotation(r.source, resultFailure, elapsed)
		return credentials.ExpiringCredentials{}, err
	}
	RecordRotation(r.source, resultSuccess, elapsed)
	RecordExpiry(r.source, creds.Expiration)
	return creds, nil
}

func (r *instrumentedRetriever) Close() error {
	return r.inner.Close()
}
