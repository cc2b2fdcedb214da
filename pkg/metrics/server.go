package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beacontrack/beacontrack/pkg"
	"github.com/beacontrack/beacontrack/pkg/logx"
)

// Server provides Prometheus metrics for beacontrackd. It implements the
// aggregator's Recorder.
type Server struct {
	logger   *logx.Logger
	server   *http.Server
	registry *prometheus.Registry
	started  time.Time

	samplesIngested *prometheus.CounterVec
	samplesDropped  *prometheus.CounterVec
	numericalErrors *prometheus.CounterVec
	filteredRSSI    *prometheus.GaugeVec

	// anchorsMu guards the filteredRSSI series against late samples of a
	// replaced configuration
	anchorsMu sync.Mutex
	anchors   map[string]struct{}

	queries          *prometheus.CounterVec
	solverIterations prometheus.Histogram

	configurations    prometheus.Counter
	configuredAnchors prometheus.Gauge

	daemonUptime  prometheus.GaugeFunc
	daemonVersion *prometheus.GaugeVec
}

// NewServer creates a new metrics server with its own registry
func NewServer(version string, logger *logx.Logger) *Server {
	s := &Server{
		logger:   logger.With("component", "metrics"),
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}

	s.registerMetrics()
	s.daemonVersion.With(prometheus.Labels{
		"version":    version,
		"go_version": runtime.Version(),
	}).Set(1)
	return s
}

// registerMetrics registers all Prometheus metrics
func (s *Server) registerMetrics() {
	// Ingest metrics
	s.samplesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacontrack_samples_ingested_total",
			Help: "Total number of RSSI samples applied to an anchor filter",
		},
		[]string{"anchor"},
	)

	s.samplesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacontrack_samples_dropped_total",
			Help: "Total number of RSSI samples dropped before reaching a filter",
		},
		[]string{"reason"},
	)

	s.numericalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacontrack_filter_numerical_errors_total",
			Help: "Total number of filter updates that kept the predicted state",
		},
		[]string{"anchor"},
	)

	s.filteredRSSI = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacontrack_anchor_filtered_rssi_dbm",
			Help: "Latest filtered RSSI for each anchor in dBm",
		},
		[]string{"anchor"},
	)

	// Query metrics
	s.queries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacontrack_queries_total",
			Help: "Total number of position queries",
		},
		[]string{"result"},
	)

	s.solverIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacontrack_solver_iterations",
			Help:    "Iterations used by the multilateration solver",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
		},
	)

	// Configuration metrics
	s.configurations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacontrack_configurations_total",
			Help: "Total number of published anchor configurations",
		},
	)

	s.configuredAnchors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacontrack_configured_anchors",
			Help: "Number of anchors in the active configuration",
		},
	)

	// Daemon metrics
	s.daemonUptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "beacontrack_daemon_uptime_seconds",
			Help: "Daemon uptime in seconds",
		},
		func() float64 { return time.Since(s.started).Seconds() },
	)

	s.daemonVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacontrack_daemon_version_info",
			Help: "Daemon version information",
		},
		[]string{"version", "go_version"},
	)

	s.registry.MustRegister(
		s.samplesIngested,
		s.samplesDropped,
		s.numericalErrors,
		s.filteredRSSI,
		s.queries,
		s.solverIterations,
		s.configurations,
		s.configuredAnchors,
		s.daemonUptime,
		s.daemonVersion,
		collectors.NewGoCollector(),
	)
}

// Handler serves the registry in the Prometheus exposition format
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Start starts the metrics server
func (s *Server) Start(port int) error {
	s.logger.Info("Starting metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info("Stopping metrics server")

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// SampleIngested records a filtered reading
func (s *Server) SampleIngested(anchorID string, filtered float64) {
	s.samplesIngested.With(prometheus.Labels{"anchor": anchorID}).Inc()

	s.anchorsMu.Lock()
	defer s.anchorsMu.Unlock()
	if _, ok := s.anchors[anchorID]; !ok {
		return
	}
	s.filteredRSSI.With(prometheus.Labels{"anchor": anchorID}).Set(filtered)
}

// SampleDropped records a discarded sample. Unknown anchor IDs are not used
// as labels so that a misbehaving publisher cannot grow the series set.
func (s *Server) SampleDropped(_ string, reason string) {
	s.samplesDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

// NumericalError records a recovered filter failure
func (s *Server) NumericalError(anchorID string) {
	s.numericalErrors.With(prometheus.Labels{"anchor": anchorID}).Inc()
}

// QueryCompleted records a position query
func (s *Server) QueryCompleted(result string, iterations int) {
	s.queries.With(prometheus.Labels{"result": result}).Inc()
	if iterations > 0 {
		s.solverIterations.Observe(float64(iterations))
	}
}

// Configured records a newly published configuration. Per-anchor series of
// the previous configuration are reset and only anchors of session are
// reported from now on. A sample still in flight for an anchor ID kept by
// the new layout may set one stale value until that anchor's next sample.
func (s *Server) Configured(session pkg.Session) {
	s.configurations.Inc()
	s.configuredAnchors.Set(float64(len(session.Anchors)))

	anchors := make(map[string]struct{}, len(session.Anchors))
	for _, a := range session.Anchors {
		anchors[a.ID] = struct{}{}
	}

	s.anchorsMu.Lock()
	defer s.anchorsMu.Unlock()
	s.anchors = anchors
	s.filteredRSSI.Reset()
}
