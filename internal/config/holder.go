// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	xglog "github.com/ManuGH/tripsync/internal/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 500 * time.Millisecond

// Source is the read side of the Holder. Components take a Source so they
// always see the latest applied configuration.
type Source interface {
	Get() Config
}

// Holder holds the effective configuration and swaps it atomically.
// Every successful Apply or Reload stamps a strictly increasing Version.
type Holder struct {
	mu      sync.RWMutex
	current Config
	version uint64

	loader  *Loader
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	listenMu  sync.RWMutex
	listeners []chan<- Config
}

// NewHolder creates a holder seeded with initial, which is stamped as
// version 1. loader may be nil when no file backs the configuration.
func NewHolder(initial Config, loader *Loader) *Holder {
	initial.Version = 1
	return &Holder{
		current: initial,
		version: 1,
		loader:  loader,
		logger:  xglog.WithComponent("config"),
	}
}

// Get returns the current configuration (thread-safe read).
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Version returns the version of the current configuration.
func (h *Holder) Version() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.version
}

// Apply validates cfg and makes it current. On error the previous
// configuration stays in effect.
func (h *Holder) Apply(cfg Config) (Config, error) {
	if err := Validate(cfg); err != nil {
		h.logger.Warn().Err(err).Str(xglog.FieldEvent, "config.apply_rejected").Msg("configuration rejected")
		return Config{}, err
	}

	h.mu.Lock()
	old := h.current
	h.version++
	cfg.Version = h.version
	h.current = cfg
	h.mu.Unlock()

	h.logChanges(old, cfg)
	h.notifyListeners(cfg)

	h.logger.Info().
		Str(xglog.FieldEvent, "config.applied").
		Uint64(xglog.FieldConfigVersion, cfg.Version).
		Msg("configuration applied")
	return cfg, nil
}

// Reload re-reads the backing file and applies it.
func (h *Holder) Reload(_ context.Context) error {
	if h.loader == nil || h.loader.Path() == "" {
		return nil
	}
	h.logger.Info().Str(xglog.FieldEvent, "config.reload_start").Msg("reloading configuration")

	cfg, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str(xglog.FieldEvent, "config.reload_failed").Msg("failed to load new configuration")
		return fmt.Errorf("load config: %w", err)
	}
	// Saving an applied config rewrites the file; don't bump the version for it.
	cur := h.Get()
	cfg.Version = cur.Version
	if cfg == cur {
		h.logger.Debug().Str(xglog.FieldEvent, "config.reload_unchanged").Msg("configuration unchanged")
		return nil
	}
	if _, err := h.Apply(cfg); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}

	h.logger.Info().Str(xglog.FieldEvent, "config.reload_success").Msg("configuration reloaded successfully")
	return nil
}

// StartWatcher watches the config file and reloads on change.
// Without a file this is a no-op.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.loader == nil || h.loader.Path() == "" {
		h.logger.Info().Str(xglog.FieldEvent, "config.watcher_disabled").Msg("config file watcher disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.loader.Path()); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}
	h.watcher = watcher

	h.logger.Info().
		Str(xglog.FieldEvent, "config.watcher_started").
		Str(xglog.FieldPath, h.loader.Path()).
		Msg("watching config file for changes")

	go h.watchLoop(ctx, watcher)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			h.logger.Info().Str(xglog.FieldEvent, "config.watcher_stopped").Msg("config watcher stopped")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			// Write and Create cover in-place edits and rename-over saves.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := h.Reload(ctx); err != nil {
					h.logger.Error().Err(err).Str(xglog.FieldEvent, "config.auto_reload_failed").Msg("automatic config reload failed")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str(xglog.FieldEvent, "config.watcher_error").Msg("config watcher error")
		}
	}
}

// Stop stops the config watcher (if running).
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}

// RegisterListener registers a channel that receives every applied config.
// Sends never block; a full channel misses the update.
func (h *Holder) RegisterListener(ch chan<- Config) {
	h.listenMu.Lock()
	defer h.listenMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notifyListeners(cfg Config) {
	h.listenMu.RLock()
	defer h.listenMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Str(xglog.FieldEvent, "config.listener_skip").Msg("skipped notifying listener (channel full)")
		}
	}
}

func (h *Holder) logChanges(old, cfg Config) {
	if old.Tracker != cfg.Tracker {
		h.logger.Info().
			Dur("idle_timeout", cfg.Tracker.IdleTimeout).
			Dur("debounce", cfg.Tracker.DebounceWindow).
			Dur("grace", cfg.Tracker.GraceWindow).
			Msg("config changed: Tracker")
	}
	if old.Sync.Endpoint != cfg.Sync.Endpoint {
		h.logger.Info().
			Str("old", maskURL(old.Sync.Endpoint)).
			Str("new", maskURL(cfg.Sync.Endpoint)).
			Msg("config changed: Sync.Endpoint")
	}
	if old.Sync.BatchSize != cfg.Sync.BatchSize || old.Sync.MaxRetries != cfg.Sync.MaxRetries {
		h.logger.Info().
			Int("batch_size", cfg.Sync.BatchSize).
			Int("max_retries", cfg.Sync.MaxRetries).
			Msg("config changed: Sync")
	}
	if old.LogLevel != cfg.LogLevel {
		h.logger.Info().Str("old", old.LogLevel).Str("new", cfg.LogLevel).Msg("config changed: LogLevel")
	}
}

// maskURL keeps only scheme and host so credentials never reach the log.
func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***redacted***"
	}
	return u.Scheme + "://" + u.Host
}
