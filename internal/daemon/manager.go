// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	xglog "github.com/ManuGH/tripsync/internal/log"
	"github.com/rs/zerolog"
)

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	ListenAddr      string
	MetricsAddr     string // empty disables the metrics server
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns the timeouts used by tripsyncd.
func DefaultServerConfig(listen, metrics string) ServerConfig {
	return ServerConfig{
		ListenAddr:      listen,
		MetricsAddr:     metrics,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Deps are the handlers served by the Manager.
type Deps struct {
	APIHandler     http.Handler
	MetricsHandler http.Handler
}

// Manager runs the control API and metrics servers.
type Manager interface {
	// Start binds the listeners and blocks until ctx is cancelled or a
	// server fails, then shuts down.
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	// APIAddr is the bound API address once Start has bound it.
	APIAddr() string
	// MetricsAddr is the bound metrics address, if enabled.
	MetricsAddr() string
}

type manager struct {
	serverCfg ServerConfig
	deps      Deps

	apiServer     *http.Server
	metricsServer *http.Server
	apiAddr       string
	metricsAddr   string

	started  bool
	stopping bool
	bound    chan struct{}
	mu       sync.Mutex

	logger zerolog.Logger
}

// NewManager validates deps and returns a Manager.
func NewManager(serverCfg ServerConfig, deps Deps) (Manager, error) {
	if deps.APIHandler == nil {
		return nil, ErrMissingAPIHandler
	}
	if serverCfg.ShutdownTimeout <= 0 {
		serverCfg.ShutdownTimeout = 10 * time.Second
	}
	return &manager{
		serverCfg: serverCfg,
		deps:      deps,
		bound:     make(chan struct{}),
		logger:    xglog.WithComponent("manager"),
	}, nil
}

func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	errChan := make(chan error, 2)

	if m.deps.MetricsHandler != nil && m.serverCfg.MetricsAddr != "" {
		srv, addr, err := m.serve("metrics", m.serverCfg.MetricsAddr, m.deps.MetricsHandler, errChan)
		if err != nil {
			close(m.bound)
			return err
		}
		m.mu.Lock()
		m.metricsServer, m.metricsAddr = srv, addr
		m.mu.Unlock()
	}

	srv, addr, err := m.serve("api", m.serverCfg.ListenAddr, m.deps.APIHandler, errChan)
	if err != nil {
		close(m.bound)
		_ = m.Shutdown(context.WithoutCancel(ctx))
		return err
	}
	m.mu.Lock()
	m.apiServer, m.apiAddr = srv, addr
	m.mu.Unlock()
	close(m.bound)

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Str(xglog.FieldEvent, "server.failed").Msg("server error, initiating shutdown")
		if shutdownErr := m.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
			return errors.Join(err, shutdownErr)
		}
		return err
	case <-ctx.Done():
		return m.Shutdown(context.WithoutCancel(ctx))
	}
}

// serve binds addr synchronously so bind errors surface from Start.
func (m *manager) serve(name, addr string, h http.Handler, errChan chan<- error) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("%s server listen %s: %w", name, addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadTimeout:       m.serverCfg.ReadTimeout,
		ReadHeaderTimeout: m.serverCfg.ReadTimeout / 2,
		WriteTimeout:      m.serverCfg.WriteTimeout,
		IdleTimeout:       m.serverCfg.IdleTimeout,
	}
	bound := ln.Addr().String()
	m.logger.Info().
		Str(xglog.FieldEvent, "server.listening").
		Str("server", name).
		Str("addr", bound).
		Msg("server listening")

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	return srv, bound, nil
}

func (m *manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	api, metricsSrv := m.apiServer, m.metricsServer
	m.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, m.serverCfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("API server shutdown: %w", err))
		}
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	m.logger.Info().Str(xglog.FieldEvent, "server.stopped").Msg("servers stopped")
	return nil
}

func (m *manager) APIAddr() string {
	<-m.bound
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apiAddr
}

func (m *manager) MetricsAddr() string {
	<-m.bound
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metricsAddr
}
