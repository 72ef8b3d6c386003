// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/tripsync/internal/buffer"
	"github.com/ManuGH/tripsync/internal/config"
	"github.com/ManuGH/tripsync/internal/control"
	controlhttp "github.com/ManuGH/tripsync/internal/control/http"
	"github.com/ManuGH/tripsync/internal/health"
	xglog "github.com/ManuGH/tripsync/internal/log"
	"github.com/ManuGH/tripsync/internal/sensor"
	"github.com/ManuGH/tripsync/internal/syncer"
	"github.com/ManuGH/tripsync/internal/telemetry"
	"github.com/ManuGH/tripsync/internal/tracker"
	"github.com/ManuGH/tripsync/internal/trip"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	// channelFeedSize bounds in-process samples queued ahead of the tracker.
	channelFeedSize = 256
	// faultReportTimeout bounds how long a feed callback waits on the tracker.
	faultReportTimeout = 5 * time.Second
)

// Options configures Bootstrap.
type Options struct {
	Holder *config.Holder
	// ConfigManager persists configurations applied through the control
	// API. Nil keeps them in memory only.
	ConfigManager *config.Manager
	Version       string
}

// Bootstrap builds every component from the holder's configuration. The
// returned App owns them; Run starts them and releases them on exit.
func Bootstrap(ctx context.Context, opts Options) (_ *App, err error) {
	if opts.Holder == nil {
		return nil, errors.New("config holder is required")
	}
	logger := xglog.WithComponent("bootstrap")
	app := &App{holder: opts.Holder, logger: xglog.WithComponent("daemon")}
	defer func() {
		if err != nil {
			app.runShutdownHooks(context.WithoutCancel(ctx))
		}
	}()

	cfg := opts.Holder.Get()
	if cfg.DeviceID == "" {
		id, idErr := ensureDeviceID(cfg.DataDir)
		if idErr != nil {
			return nil, idErr
		}
		cfg.DeviceID = id
		if cfg, err = opts.Holder.Apply(cfg); err != nil {
			return nil, err
		}
	}

	tp, err := telemetry.NewProvider(ctx, cfg.Telemetry, opts.Version, cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	app.addShutdownHook("telemetry", tp.Shutdown)

	if cfg.Buffer.Backend != config.BackendMemory {
		if err := health.CheckDataDir(cfg.DataDir); err != nil {
			return nil, fmt.Errorf("data directory check failed: %w", err)
		}
	}

	store, err := buffer.Open(ctx, cfg.Buffer.Backend, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open buffer: %w", err)
	}
	app.store = store
	app.addShutdownHook("buffer", func(context.Context) error { return store.Close() })

	var (
		feed     sensor.Feed
		sensors  sensor.Controller
		ingest   func(ctx context.Context, s trip.Sample) error
		mqttFeed *sensor.MQTTFeed
	)
	if cfg.Sensor.Feed == "" {
		ch := sensor.NewChannelFeed(channelFeedSize)
		feed, sensors, ingest = ch, &sensor.Switch{}, ch.Publish
		app.addShutdownHook("feed", func(context.Context) error { ch.Close(); return nil })
	} else {
		mqttFeed, err = sensor.NewMQTTFeed(cfg.Sensor.Feed, "tripsync-"+cfg.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("sensor feed: %w", err)
		}
		feed, sensors = mqttFeed, mqttFeed
	}
	app.feed = feed

	trk, err := tracker.New(tracker.Options{Config: opts.Holder, Store: store, Sensors: sensors})
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}
	app.tracker = trk
	if mqttFeed != nil {
		ingest = trk.Submit
	}
	if n, ok := feed.(sensor.FaultNotifier); ok {
		n.OnFault(feedFaultHandler(trk, app.logger))
	}

	snc, err := syncer.New(syncer.Options{Config: opts.Holder, Store: store, DeviceID: cfg.DeviceID})
	if err != nil {
		return nil, fmt.Errorf("syncer: %w", err)
	}
	app.syncer = snc

	surface, err := control.New(control.Options{
		Holder:  opts.Holder,
		Manager: opts.ConfigManager,
		Tracker: trk,
		Syncer:  snc,
		Store:   store,
		Ingest:  ingest,
	})
	if err != nil {
		return nil, fmt.Errorf("control surface: %w", err)
	}
	app.surface = surface

	api := controlhttp.NewHandler(surface, controlhttp.Options{
		RateLimit:      cfg.Control.RateLimit,
		TracingService: telemetry.ServiceName,
		EnableMetrics:  true,
		EnableLogging:  true,
		Probes:         newProbes(opts.Version, store, surface),
	})
	mgr, err := NewManager(
		DefaultServerConfig(cfg.Control.ListenAddr, cfg.Control.MetricsAddr),
		Deps{APIHandler: api, MetricsHandler: promhttp.Handler()},
	)
	if err != nil {
		return nil, err
	}
	app.manager = mgr

	logger.Info().
		Str(xglog.FieldEvent, "bootstrap.complete").
		Str(xglog.FieldDeviceID, cfg.DeviceID).
		Str("buffer", cfg.Buffer.Backend).
		Uint64(xglog.FieldConfigVersion, cfg.Version).
		Msg("components ready")
	return app, nil
}

// feedFaultHandler closes the open trip when the sensor source drops.
func feedFaultHandler(trk *tracker.Tracker, logger zerolog.Logger) func(error) {
	return func(cause error) {
		ctx, cancel := context.WithTimeout(context.Background(), faultReportTimeout)
		defer cancel()
		if err := trk.ReportTrackingError(ctx, cause); err != nil && !errors.Is(err, tracker.ErrStopped) {
			logger.Warn().Err(err).Str(xglog.FieldEvent, "sensor.fault_unreported").Msg("sensor fault not applied")
		}
	}
}
