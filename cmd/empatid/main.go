package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/api"
	"github.com/empati/empati/pkg/audit"
	"github.com/empati/empati/pkg/gps"
	"github.com/empati/empati/pkg/health"
	"github.com/empati/empati/pkg/logx"
	"github.com/empati/empati/pkg/markers"
	"github.com/empati/empati/pkg/metrics"
	"github.com/empati/empati/pkg/mqtt"
	"github.com/empati/empati/pkg/proximity"
	"github.com/empati/empati/pkg/retry"
	"github.com/empati/empati/pkg/session"
	"github.com/empati/empati/pkg/storage"
	"github.com/empati/empati/pkg/uci"
	"github.com/empati/empati/pkg/viewport"
)

const (
	version = "1.0.0-dev"
	appName = "empatid"
)

func main() {
	var (
		configFile  = flag.String("config", "/etc/config/empati", "UCI config file path")
		logLevel    = flag.String("log-level", "", "Log level (debug|info|warn|error), overrides config")
		listenAddr  = flag.String("listen", "", "HTTP listen address, overrides config")
		useSyslog   = flag.Bool("syslog", false, "Mirror logs to syslog")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	config, err := uci.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config %s: %v\n", *configFile, err)
		os.Exit(1)
	}
	if *logLevel != "" {
		config.LogLevel = *logLevel
	}
	if *listenAddr != "" {
		config.ListenAddr = *listenAddr
	}

	logger := logx.New(config.LogLevel)
	if *useSyslog {
		logger.EnableSyslog(appName)
	}

	logger.Info("starting empati daemon",
		"version", version,
		"config", *configFile,
		"log_level", config.LogLevel,
		"store", config.Store,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cancel, config, logger); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, config *uci.Config, logger *logx.Logger) error {
	collector := metrics.NewCollector()
	runner := retry.NewRunner(retry.DefaultConfig())
	healthServer := health.NewServer(version, logger)

	var (
		store    markers.Store
		settings session.SettingsStore = session.NewMemoryStore()
	)

	if config.Store == uci.StoreSQLite {
		db, err := retry.Value(ctx, runner, func(ctx context.Context) (*storage.Store, error) {
			return storage.Open(config.DBPath, config.StorageOptions(), logger)
		})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()

		store, settings = db, db
		healthServer.AddCheck("database", true, health.PingCheck("sqlite", db.Ping))
		logger.Info("database opened", "path", db.Path())
	}

	source := gps.NewPushSource()

	if config.MQTT.Enabled {
		client := mqtt.NewClient(config.MQTT, logger)
		err := runner.Do(ctx, func(ctx context.Context, attempt int) error {
			connectCtx, done := context.WithTimeout(ctx, 10*time.Second)
			defer done()
			err := client.Connect(connectCtx)
			if err != nil {
				logger.Warn("MQTT connect failed", "attempt", attempt, "error", err)
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("connecting to MQTT broker: %w", err)
		}
		defer client.Disconnect()

		if err := client.ForwardFixes(ctx, source); err != nil {
			return err
		}
		if config.Store == uci.StoreMQTT {
			store = client
		}
		healthServer.AddCheck("mqtt", config.Store == uci.StoreMQTT, health.PingCheck("mqtt broker", func(context.Context) error {
			if !client.IsConnected() {
				return mqtt.ErrNotConnected
			}
			return nil
		}))
	}

	tracker := gps.NewTracker(source, config.TrackerConfig(), logger, collector)
	adapter := markers.NewAdapter(store, config.Retention(), logger, collector)

	sessions := session.NewManager(settings, logger)
	if err := sessions.Load(ctx); err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	var journal *audit.Journal
	if config.AuditDir != "" {
		j, err := audit.Open(config.AuditDir, audit.DefaultOptions())
		if err != nil {
			return fmt.Errorf("opening activity journal: %w", err)
		}
		defer j.Close()
		journal = j
	}

	classifier := proximity.NewClassifier(config.ProximityConfig(), adapter, tracker)
	view := viewport.NewController(viewport.DefaultConfig())
	var (
		availabilityMu   sync.Mutex
		lastAvailability = tracker.Snapshot().Availability
	)
	tracker.OnChange(func(s gps.Snapshot) {
		view.OnPosition(s.Position)
		collector.SetProximity(classifier.Stats())

		availabilityMu.Lock()
		defer availabilityMu.Unlock()
		if s.Availability == lastAvailability {
			return
		}
		if err := journal.Record(audit.Event{
			Type:    audit.EventLocationStatus,
			Details: map[string]string{"from": string(lastAvailability), "to": string(s.Availability)},
		}); err != nil {
			logger.Warn("failed to record location status", "error", err)
		}
		lastAvailability = s.Availability
	})
	adapter.OnChange(func([]pkg.Marker) {
		collector.SetProximity(classifier.Stats())
	})

	healthServer.AddCheck("location", false, health.LocationCheck(tracker))
	healthServer.AddCheck("markers", true, health.MarkerCheck(adapter))
	healthServer.SetDetails(classifier, adapter)

	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("starting marker subscription: %w", err)
	}
	defer adapter.Stop()

	go func() {
		if err := tracker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("location watch ended", "error", err)
		}
	}()

	if config.MetricsListener {
		metricsServer := metrics.NewServer(collector, logger)
		metricsServer.AddUpdater(func() {
			collector.SetMarkerCount(len(adapter.Markers()))
			collector.SetProximity(classifier.Stats())
		})
		if err := metricsServer.Start(config.MetricsPort, 30*time.Second); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
		defer metricsServer.Stop()
	}

	handler := api.NewHandler(api.Deps{
		Tracker:    tracker,
		Source:     source,
		Creator:    markers.NewCreator(adapter, sessions, logger, collector),
		Classifier: classifier,
		Session:    sessions,
		Viewport:   view,
		Health:     healthServer,
		Audit:      journal,
		Logger:     logger,
	})
	server := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("empati daemon started", "listen", config.ListenAddr)

	var result error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-serveErr:
		result = fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return result
}
