// Package metrics exposes refresh and backend counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/tagindex/pkg/types"
)

// Metrics holds all Prometheus metrics for the application. It implements
// backend.Observer and indexer.RunObserver.
type Metrics struct {
	registry *prometheus.Registry

	// Refresh metrics
	RefreshRunsTotal *prometheus.CounterVec
	RefreshDuration  prometheus.Histogram

	// Backend metrics
	BucketItemsTotal      *prometheus.CounterVec
	ItemFailuresTotal     *prometheus.CounterVec
	ArtifactsDeletedTotal *prometheus.CounterVec

	// Remote compute metrics
	ComputeRetriesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		RefreshRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refresh_runs_total",
				Help: "Total number of finished refreshes by final status",
			},
			[]string{"status"},
		),
		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "refresh_duration_seconds",
				Help:    "Duration of refreshes in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),

		BucketItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bucket_items_total",
				Help: "Total number of items checkpointed per backend and bucket",
			},
			[]string{"backend", "bucket"},
		),
		ItemFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "item_failures_total",
				Help: "Total number of items that failed, by kind (transient or permanent)",
			},
			[]string{"backend", "kind"},
		),
		ArtifactsDeletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "artifacts_deleted_total",
				Help: "Total number of payloads deleted once no scope referenced them",
			},
			[]string{"backend"},
		),

		ComputeRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compute_retries_total",
				Help: "Total number of retried remote compute calls",
			},
			[]string{"provider"},
		),
	}

	m.registry.MustRegister(
		m.RefreshRunsTotal,
		m.RefreshDuration,
		m.BucketItemsTotal,
		m.ItemFailuresTotal,
		m.ArtifactsDeletedTotal,
		m.ComputeRetriesTotal,
	)
	return m
}

// RunFinished records a finished refresh
func (m *Metrics) RunFinished(status types.Status, d time.Duration) {
	m.RefreshRunsTotal.WithLabelValues(string(status)).Inc()
	m.RefreshDuration.Observe(d.Seconds())
}

// BucketItems records n items checkpointed in a bucket
func (m *Metrics) BucketItems(backend string, kind types.BucketKind, n int) {
	m.BucketItemsTotal.WithLabelValues(backend, string(kind)).Add(float64(n))
}

// ItemFailed records a failed item
func (m *Metrics) ItemFailed(backend string, transient bool) {
	kind := "permanent"
	if transient {
		kind = "transient"
	}
	m.ItemFailuresTotal.WithLabelValues(backend, kind).Inc()
}

// ArtifactsDeleted records deleted payloads
func (m *Metrics) ArtifactsDeleted(backend string, n int) {
	m.ArtifactsDeletedTotal.WithLabelValues(backend).Add(float64(n))
}

// ComputeRetried records one retry of a remote compute call. It matches
// the embedder's retry hook.
func (m *Metrics) ComputeRetried(provider string) {
	m.ComputeRetriesTotal.WithLabelValues(provider).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Serve exposes /metrics on addr until ctx is done
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
