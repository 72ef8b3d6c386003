// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon wires tripsync's components together and runs them.
package daemon

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ManuGH/tripsync/internal/buffer"
	"github.com/ManuGH/tripsync/internal/config"
	"github.com/ManuGH/tripsync/internal/control"
	xglog "github.com/ManuGH/tripsync/internal/log"
	"github.com/ManuGH/tripsync/internal/sensor"
	"github.com/ManuGH/tripsync/internal/syncer"
	"github.com/ManuGH/tripsync/internal/tracker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type shutdownHook struct {
	name string
	fn   func(context.Context) error
}

// App owns the running components.
type App struct {
	holder  *config.Holder
	store   buffer.Store
	feed    sensor.Feed
	tracker *tracker.Tracker
	syncer  *syncer.Syncer
	surface *control.Surface
	manager Manager
	logger  zerolog.Logger

	hooksMu       sync.Mutex
	shutdownHooks []shutdownHook
	hooksRan      bool
}

// Surface exposes the control surface, mainly for embedding hosts.
func (a *App) Surface() *control.Surface { return a.surface }

// APIAddr blocks until the control API is bound and returns its address.
func (a *App) APIAddr() string { return a.manager.APIAddr() }

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. Resources are released before it returns.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}
	defer a.runShutdownHooks(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.tracker.Run(gctx) })
	g.Go(func() error { return a.syncer.Run(gctx) })
	g.Go(func() error {
		if err := a.feed.Run(gctx, a.tracker.Sink(gctx)); err != nil {
			a.logger.Error().Err(err).Str(xglog.FieldEvent, "sensor.feed_failed").Msg("sensor feed stopped")
			_ = a.tracker.ReportTrackingError(gctx, err)
		}
		return nil
	})
	g.Go(func() error { return a.manager.Start(gctx) })
	g.Go(func() error { return a.watchConfig(gctx) })

	a.logger.Info().Str(xglog.FieldEvent, "daemon.started").Msg("tripsync daemon running")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.logger.Info().Err(err).Str(xglog.FieldEvent, "daemon.stopped").Msg("tripsync daemon stopped")
	return err
}

// watchConfig propagates configuration changes from file edits and SIGHUP.
func (a *App) watchConfig(ctx context.Context) error {
	updates := make(chan config.Config, 1)
	a.holder.RegisterListener(updates)

	if err := a.holder.StartWatcher(ctx); err != nil {
		a.logger.Warn().Err(err).Str(xglog.FieldEvent, "config.watcher_failed").Msg("config file watcher unavailable")
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := a.holder.Reload(ctx); err != nil {
				a.logger.Error().Err(err).Str(xglog.FieldEvent, "config.reload_failed").Msg("SIGHUP reload failed")
			}
		case cfg := <-updates:
			if err := xglog.SetLevel(cfg.LogLevel); err != nil {
				a.logger.Warn().Err(err).Str("level", cfg.LogLevel).Msg("invalid log level ignored")
			}
			if err := a.surface.Propagate(ctx); err != nil {
				a.logger.Error().Err(err).Str(xglog.FieldEvent, "config.propagate_failed").Msg("configuration change not propagated")
			}
		}
	}
}

func (a *App) addShutdownHook(name string, fn func(context.Context) error) {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()
	a.shutdownHooks = append(a.shutdownHooks, shutdownHook{name: name, fn: fn})
}

// runShutdownHooks runs hooks once, last registered first.
func (a *App) runShutdownHooks(ctx context.Context) {
	a.hooksMu.Lock()
	if a.hooksRan {
		a.hooksMu.Unlock()
		return
	}
	a.hooksRan = true
	hooks := a.shutdownHooks
	a.hooksMu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.fn(ctx); err != nil {
			a.logger.Error().Err(err).Str("hook", h.name).Msg("shutdown hook failed")
		}
	}
}
