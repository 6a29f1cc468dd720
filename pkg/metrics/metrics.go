// Package metrics provides Prometheus instrumentation for marketsync.
//
// # Overview
//
// The package exposes pre-registered collectors for the three subsystems that
// do real work:
//   - the batch transfer engine (batches, rows, transfer duration)
//   - the job queue (state transitions, queue depth)
//   - the streaming connector manager (cluster API calls)
//
// plus a collector for outbound collaborator HTTP calls.
//
// # Basic Usage
//
//	metrics.RowsCommitted.WithLabelValues("table").Add(float64(len(rows)))
//
//	timer := metrics.NewTimer("transfer")
//	runTransfer()
//	metrics.TransferDuration.WithLabelValues("success").Observe(timer.Stop().Seconds())
//
// Serve starts the /metrics endpoint for a worker process.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BatchesFetched counts batch requests sent to remote providers.
	// Labels: result (rows, empty, failure, error)
	BatchesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_batches_fetched_total",
			Help: "Total number of batch requests sent to remote providers",
		},
		[]string{"result"},
	)

	// RowsCommitted counts rows acknowledged by local storage.
	// Labels: shape (table, file)
	RowsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_rows_committed_total",
			Help: "Total number of rows committed to local storage",
		},
		[]string{"shape"},
	)

	// TransferDuration tracks end-to-end duration of one transfer attempt in seconds.
	// Labels: result (success, failure)
	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketsync_transfer_duration_seconds",
			Help:    "Duration of a single transfer attempt",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"result"},
	)

	// JobTransitions counts job state transitions.
	// Labels: kind, state (active, completed, failed, retrying, removed)
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_job_transitions_total",
			Help: "Total number of job state transitions",
		},
		[]string{"kind", "state"},
	)

	// QueueDepth reports the number of jobs per state.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketsync_queue_depth",
			Help: "Current number of jobs per state",
		},
		[]string{"state"},
	)

	// ClusterOperations counts cluster API calls made for streaming resources.
	// Labels: resource (topic, user, secret, connector), op (create, delete, patch), result
	ClusterOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_cluster_operations_total",
			Help: "Total number of cluster API operations",
		},
		[]string{"resource", "op", "result"},
	)

	// HTTPRequests counts collaborator HTTP calls.
	// Labels: service, status (HTTP status code or "error")
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_http_requests_total",
			Help: "Total number of outbound collaborator HTTP requests",
		},
		[]string{"service", "status"},
	)
)

// Timer measures elapsed time for an operation.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed duration since creation.
// The timer can be stopped multiple times.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// Name returns the timer's name.
func (t *Timer) Name() string {
	return t.name
}

// Serve exposes the default registry on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
