package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "agents"
	metricsSubsystem = "worker"

	readHeaderTimeout = 10 * time.Second
)

// workerMetrics collects the worker's operational counters. Each worker
// owns its registry so tests can run several side by side.
type workerMetrics struct {
	registry *prometheus.Registry

	activeJobs        prometheus.Gauge
	jobsTotal         *prometheus.CounterVec
	jobDuration       prometheus.Histogram
	availabilityTotal *prometheus.CounterVec
	inferenceDuration *prometheus.HistogramVec
	reconnectsTotal   prometheus.Counter
}

func newWorkerMetrics() *workerMetrics {
	m := &workerMetrics{
		registry: prometheus.NewRegistry(),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active_jobs",
			Help:      "Jobs currently running on this worker.",
		}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "jobs_total",
			Help:      "Completed jobs by result.",
		}, []string{"result"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "job_duration_seconds",
			Help:      "Wall time of completed jobs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		availabilityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "availability_requests_total",
			Help:      "Availability requests by answer.",
		}, []string{"answer"}),
		inferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "inference_duration_seconds",
			Help:      "Latency of inference requests served for job processes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"method"}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "reconnects_total",
			Help:      "Times the registration connection was re-established.",
		}),
	}

	m.registry.MustRegister(
		m.activeJobs,
		m.jobsTotal,
		m.jobDuration,
		m.availabilityTotal,
		m.inferenceDuration,
		m.reconnectsTotal,
	)
	return m
}

// healthStatus is the JSON body served on the health endpoint.
type healthStatus struct {
	Status     string `json:"status"`
	Connected  bool   `json:"connected"`
	ActiveJobs int    `json:"activeJobs"`
	Draining   bool   `json:"draining"`
}

// newStatusServer builds the worker's HTTP listener: health on / and
// /health, Prometheus metrics on /metrics.
func newStatusServer(addr string, m *workerMetrics, status func() healthStatus) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	health := func(w http.ResponseWriter, _ *http.Request) {
		s := status()
		code := http.StatusOK
		if !s.Connected {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(s)
	}
	mux.HandleFunc("/", health)
	mux.HandleFunc("/health", health)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// serveStatus runs the listener until ctx ends, then shuts it down.
func serveStatus(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	}
}
