package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/logx"
)

var availabilityStates = []pkg.Availability{
	pkg.AvailabilitySearching,
	pkg.AvailabilityAvailable,
	pkg.AvailabilityPermissionDenied,
	pkg.AvailabilityDeviceError,
}

// Collector holds the Prometheus metrics for empatid. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	fixes         *prometheus.CounterVec
	watchErrors   *prometheus.CounterVec
	fusedAccuracy prometheus.Gauge
	availability  *prometheus.GaugeVec

	markersLive    prometheus.Gauge
	nearbyMarkers  *prometheus.GaugeVec
	storeSnapshots *prometheus.CounterVec
	storeErrors    *prometheus.CounterVec
	creations      *prometheus.CounterVec

	daemonStart prometheus.Gauge
}

// NewCollector creates a collector on its own registry
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}
	c.registerMetrics()
	return c
}

// registerMetrics registers all Prometheus metrics
func (c *Collector) registerMetrics() {
	// Location metrics
	c.fixes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "empati_location_fixes_total",
			Help: "Raw location fixes by filter outcome",
		},
		[]string{"outcome"},
	)

	c.watchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "empati_location_watch_errors_total",
			Help: "Location watcher errors by kind",
		},
		[]string{"kind"},
	)

	c.fusedAccuracy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "empati_location_accuracy_meters",
			Help: "Accuracy radius of the current fused position",
		},
	)

	c.availability = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "empati_location_availability",
			Help: "Current location availability (1 for the active state)",
		},
		[]string{"state"},
	)

	// Marker metrics
	c.markersLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "empati_markers_live",
			Help: "Markers in the live set after retention filtering",
		},
	)

	c.nearbyMarkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "empati_markers_nearby",
			Help: "Nearby markers by freshness",
		},
		[]string{"freshness"},
	)

	c.storeSnapshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "empati_store_snapshots_total",
			Help: "Snapshots delivered by the marker store",
		},
		[]string{"store"},
	)

	c.storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "empati_store_errors_total",
			Help: "Marker store connectivity errors",
		},
		[]string{"store"},
	)

	c.creations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "empati_marker_creations_total",
			Help: "Marker creation attempts by result",
		},
		[]string{"result"},
	)

	c.daemonStart = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "empati_daemon_start_time_seconds",
			Help: "Unix time the daemon started",
		},
	)
	c.daemonStart.SetToCurrentTime()

	c.registry.MustRegister(
		c.fixes,
		c.watchErrors,
		c.fusedAccuracy,
		c.availability,
		c.markersLive,
		c.nearbyMarkers,
		c.storeSnapshots,
		c.storeErrors,
		c.creations,
		c.daemonStart,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordFix counts a fix outcome
func (c *Collector) RecordFix(outcome string) {
	if c == nil {
		return
	}
	c.fixes.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RecordWatchError counts a watcher error
func (c *Collector) RecordWatchError(kind string) {
	if c == nil {
		return
	}
	c.watchErrors.With(prometheus.Labels{"kind": kind}).Inc()
}

// SetLocation publishes the fused accuracy and availability
func (c *Collector) SetLocation(position *pkg.FusedPosition, availability pkg.Availability) {
	if c == nil {
		return
	}
	if position != nil {
		c.fusedAccuracy.Set(position.AccuracyM)
	}
	for _, state := range availabilityStates {
		v := 0.0
		if state == availability {
			v = 1.0
		}
		c.availability.With(prometheus.Labels{"state": string(state)}).Set(v)
	}
}

// SetMarkerCount publishes the size of the live marker set
func (c *Collector) SetMarkerCount(n int) {
	if c == nil {
		return
	}
	c.markersLive.Set(float64(n))
}

// SetProximity publishes nearby fresh/stale counts
func (c *Collector) SetProximity(stats pkg.ProximityStats) {
	if c == nil {
		return
	}
	c.nearbyMarkers.With(prometheus.Labels{"freshness": "fresh"}).Set(float64(stats.FreshCount))
	c.nearbyMarkers.With(prometheus.Labels{"freshness": "stale"}).Set(float64(stats.StaleCount))
}

// RecordSnapshot counts a store snapshot
func (c *Collector) RecordSnapshot(store string) {
	if c == nil {
		return
	}
	c.storeSnapshots.With(prometheus.Labels{"store": store}).Inc()
}

// RecordStoreError counts a store error
func (c *Collector) RecordStoreError(store string) {
	if c == nil {
		return
	}
	c.storeErrors.With(prometheus.Labels{"store": store}).Inc()
}

// RecordCreation counts a marker creation attempt
func (c *Collector) RecordCreation(result string) {
	if c == nil {
		return
	}
	c.creations.With(prometheus.Labels{"result": result}).Inc()
}

// Server exposes a Collector over HTTP
type Server struct {
	collector *Collector
	logger    *logx.Logger
	server    *http.Server
	updaters  []func()
	stop      chan struct{}
}

// NewServer creates a new metrics server
func NewServer(collector *Collector, logger *logx.Logger) *Server {
	return &Server{
		collector: collector,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// AddUpdater registers a function run before each periodic refresh. Used for
// values that drift with the clock, such as marker freshness.
func (s *Server) AddUpdater(fn func()) {
	s.updaters = append(s.updaters, fn)
}

// Handler returns the HTTP handler serving /metrics and /health
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.collector.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Start starts the metrics server
func (s *Server) Start(port int, refresh time.Duration) error {
	s.logger.Info("Starting metrics server", "port", port)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()

	if refresh > 0 {
		go s.refreshLoop(refresh)
	}

	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info("Stopping metrics server")
	close(s.stop)

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// UpdateMetrics runs all registered updaters
func (s *Server) UpdateMetrics() {
	for _, fn := range s.updaters {
		fn()
	}
}

func (s *Server) refreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.UpdateMetrics()
		}
	}
}

// healthHandler provides a simple health check endpoint
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}
