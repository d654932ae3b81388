package main

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"drivebackup/internal/config"
	"drivebackup/internal/dispatch"
	"drivebackup/internal/events"
	"drivebackup/internal/metrics"
	"drivebackup/internal/scheduler"
	"drivebackup/internal/snapshot"
	"drivebackup/internal/status"
	"drivebackup/internal/storage"
	"drivebackup/internal/storage/gdrive"
	"drivebackup/internal/storage/local"
	"drivebackup/internal/storage/onedrive"
	"drivebackup/internal/storage/s3"
	"drivebackup/internal/storage/transfer"
	"drivebackup/internal/updates"
)

// app holds the wired components shared by the subcommands.
type app struct {
	store    *config.Store
	engine   *dispatch.Engine
	checker  *updates.Checker
	hub      *status.Hub
	registry *prometheus.Registry
	logger   zerolog.Logger

	// backupOpts are extra options for the daemon's backup scheduler.
	backupOpts []scheduler.Option
}

// buildDestinations returns every destination compiled into this build, in
// display order.
func buildDestinations() []storage.Destination {
	return []storage.Destination{
		s3.New(),
		gdrive.New(),
		onedrive.New(),
		transfer.New(),
		local.New(),
	}
}

// newApp loads the config at path and wires the engine, the update checker
// and the event sinks. Metrics are registered when enabled in the config at
// startup.
func newApp(path string, producer snapshot.Producer, dests []storage.Destination, logger zerolog.Logger) (*app, error) {
	store, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg := store.Current()
	logger.Info().Str("config", path).Msg("config loaded")
	warnInvalid(cfg, logger)

	a := &app{
		store:  store,
		hub:    status.NewHub(logger),
		logger: logger,
	}

	// The sinks are assembled after the engine exists, because the metrics
	// collector polls it; the engine only emits once a cycle runs.
	var sinks events.Multi
	sink := events.SinkFunc(func(e events.Event) error { return sinks.Emit(e) })

	a.engine = dispatch.New(store, producer, dests, sink, logger)
	a.checker = updates.NewChecker(Version, store, sink, logger)

	sinks = events.Multi{events.NewLogSink(logger), a.hub}
	if cfg.Metrics {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m, err := metrics.NewPrometheusMetrics(a.registry, a.engine)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, m)
	}
	return a, nil
}

// gatherer returns the metrics registry, or nil when metrics are off.
func (a *app) gatherer() prometheus.Gatherer {
	if a.registry == nil {
		return nil
	}
	return a.registry
}

// warnInvalid logs each configuration problem. None of them stop startup.
func warnInvalid(cfg *config.Config, logger zerolog.Logger) {
	err := cfg.Validate()
	if err == nil {
		return
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			logger.Warn().Err(e).Msg("config problem")
		}
		return
	}
	logger.Warn().Err(err).Msg("config problem")
}
