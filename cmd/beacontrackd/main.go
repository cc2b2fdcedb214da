package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/beacontrack/beacontrack/pkg"
	"github.com/beacontrack/beacontrack/pkg/aggregator"
	"github.com/beacontrack/beacontrack/pkg/api"
	"github.com/beacontrack/beacontrack/pkg/config"
	"github.com/beacontrack/beacontrack/pkg/health"
	"github.com/beacontrack/beacontrack/pkg/logx"
	"github.com/beacontrack/beacontrack/pkg/metrics"
	"github.com/beacontrack/beacontrack/pkg/mqtt"
	"github.com/beacontrack/beacontrack/pkg/retry"
	"github.com/beacontrack/beacontrack/pkg/rpc"
	"github.com/beacontrack/beacontrack/pkg/store"
	"github.com/beacontrack/beacontrack/pkg/telem"
)

const (
	version = "1.0.0-dev"
	appName = "beacontrackd"
)

func main() {
	// Command line flags
	var (
		configFile  = flag.String("config", "/etc/beacontrack/beacontrack.yaml", "YAML config file path")
		logLevel    = flag.String("log-level", "", "Log level override (debug|info|warn|error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logx.New("info").Error("Failed to load config", "error", err, "config_file", *configFile)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logx.New(cfg.LogLevel)
	if cfg.Syslog {
		logger.EnableSyslog(appName)
	}
	logger.Info("starting beacontrack daemon",
		"version", version,
		"config", *configFile,
		"log_level", logger.Level(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Daemon exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Beacontrack daemon stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *logx.Logger) error {
	runner := retry.NewRunner(cfg.Retry)

	journal := telem.NewJournal(cfg.Events)

	var metricsRec aggregator.Recorder
	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(version, logger)
		if err := metricsServer.Start(cfg.Metrics.Port); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer metricsServer.Stop()
		metricsRec = metricsServer
	}
	rec := aggregator.Recorders(metricsRec, journal)

	agg, err := aggregator.New(cfg.Engine.AggregatorOptions(), logger, rec)
	if err != nil {
		return fmt.Errorf("create aggregator: %w", err)
	}

	healthServer := health.NewServer(agg, version, logger)
	if cfg.Health.Enabled {
		if err := healthServer.Start(cfg.Health.Port); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		defer healthServer.Stop()
	}

	var loader sessionLoader
	if cfg.Store.Enabled {
		var st *store.Store
		err := runner.Do(ctx, func(ctx context.Context) error {
			var err error
			st, err = store.Open(ctx, cfg.Store.Path)
			return err
		})
		if err != nil {
			healthServer.UpdateComponentHealth("store", health.StatusUnhealthy, err.Error())
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		healthServer.UpdateComponentHealth("store", health.StatusHealthy, "open "+st.Path())
		agg.WithSaver(st)
		loader = st
	}

	if err := restore(ctx, cfg, agg, loader, healthServer, journal, logger); err != nil {
		return err
	}

	samples := make(chan pkg.Sample, cfg.Engine.IngestBuffer)

	mqttClient := mqtt.NewClient(cfg.MQTT.ClientConfig(), logger, runner, samples, rec)

	gin.SetMode(gin.ReleaseMode)
	apiServer := api.NewServer(api.Config{
		Port:             cfg.HTTP.Port,
		PushInterval:     cfg.HTTP.PushInterval,
		PathLossExponent: cfg.PathLossExponent,
	}, agg, mqttClient, logger).WithEvents(journal)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return agg.Run(ctx, samples)
	})

	g.Go(func() error {
		return apiServer.Run(ctx)
	})

	g.Go(func() error {
		return journal.Run(ctx, time.Minute)
	})

	if cfg.MQTT.Enabled {
		g.Go(func() error {
			return mqttClient.Run(ctx)
		})
		watch := &brokerWatch{client: mqttClient, health: healthServer, journal: journal}
		g.Go(func() error {
			watch.run(ctx, brokerCheckInterval)
			return nil
		})
	}

	if cfg.GRPC.Enabled {
		svc := rpc.NewService(agg, cfg.PathLossExponent, logger)
		g.Go(func() error {
			return svc.Run(ctx, cfg.GRPC.Port)
		})
	}

	logger.Info("Beacontrack daemon started successfully")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// sessionLoader reads the last persisted anchor configuration
type sessionLoader interface {
	Load(ctx context.Context) (pkg.Session, bool, error)
}

// restore applies the persisted configuration, falling back to the anchors
// from the config file. A nil loader skips the store.
func restore(ctx context.Context, cfg *config.Config, agg *aggregator.Aggregator, loader sessionLoader, hs *health.Server, journal *telem.Journal, logger *logx.Logger) error {
	if loader != nil {
		session, found, err := loader.Load(ctx)
		if err != nil {
			logger.Warn("Failed to load stored configuration", "error", err)
			hs.RecordError("load", "store", err.Error())
		} else if found {
			if _, err := agg.Configure(session.Anchors, session.PathLossExponent); err != nil {
				logger.Warn("Stored configuration rejected", "session", session.ID, "error", err)
				hs.RecordError("rejected", "store", err.Error())
			} else {
				logger.Info("Restored anchor configuration", "previous_session", session.ID, "anchors", len(session.Anchors))
				journal.Add(telem.Event{
					Type:    telem.EventRestored,
					Message: "anchor configuration restored from store",
					Data:    map[string]string{"previous_session": session.ID},
				})
				return nil
			}
		}
	}

	anchors := cfg.InitialAnchors()
	if len(anchors) == 0 {
		logger.Info("No anchor configuration yet, waiting for POST /anchors")
		return nil
	}
	if _, err := agg.Configure(anchors, cfg.PathLossExponent); err != nil {
		return fmt.Errorf("configure anchors from config file: %w", err)
	}
	return nil
}

const brokerCheckInterval = 10 * time.Second

// brokerStatus is the part of the MQTT client the broker watch reads
type brokerStatus interface {
	IsConnected() bool
	Stats() (received, dropped uint64)
	GetLastPublish() time.Time
}

// brokerWatch mirrors the broker connection into the health component list
// and journals connection changes
type brokerWatch struct {
	client  brokerStatus
	health  *health.Server
	journal *telem.Journal

	wasConnected *bool
}

func (w *brokerWatch) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.check()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *brokerWatch) check() {
	received, dropped := w.client.Stats()
	msg := fmt.Sprintf("received=%d dropped=%d", received, dropped)
	if last := w.client.GetLastPublish(); !last.IsZero() {
		msg += " last_publish=" + last.UTC().Format(time.RFC3339)
	}

	connected := w.client.IsConnected()
	if connected {
		w.health.UpdateComponentHealth("mqtt", health.StatusHealthy, msg)
	} else {
		w.health.UpdateComponentHealth("mqtt", health.StatusDegraded, "disconnected "+msg)
	}

	if w.wasConnected != nil && *w.wasConnected == connected {
		return
	}
	event := telem.Event{Type: telem.EventBroker, Message: "broker connected"}
	if !connected {
		event.Level = telem.LevelWarn
		event.Message = "broker disconnected"
		// Startup before the first connect is not a loss.
		if w.wasConnected != nil {
			w.health.RecordError("connection", "mqtt", "broker connection lost")
		}
	}
	w.journal.Add(event)
	w.wasConnected = &connected
}
