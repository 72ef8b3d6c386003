// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package syncer drains the event buffer to the collection endpoint.
// A single worker owns every transmission; periodic ticks and forced
// pushes only signal it.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ManuGH/tripsync/internal/buffer"
	"github.com/ManuGH/tripsync/internal/config"
	xglog "github.com/ManuGH/tripsync/internal/log"
	"github.com/ManuGH/tripsync/internal/metrics"
	"github.com/ManuGH/tripsync/internal/resilience"
	"github.com/ManuGH/tripsync/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerPeriodic Trigger = "periodic"
	TriggerForced   Trigger = "forced"
)

// SenderFactory builds the transport for an endpoint.
type SenderFactory func(endpoint string, opts transport.Options) (transport.Sender, error)

// Options wires a Syncer.
type Options struct {
	Config   config.Source
	Store    buffer.Store
	DeviceID string
	// NewSender defaults to transport.New.
	NewSender SenderFactory
	// Now defaults to time.Now.
	Now func() time.Time
	// NewID defaults to uuid.NewString.
	NewID func() string
	// Breaker guards periodic cycles; nil builds a default breaker.
	Breaker *resilience.CircuitBreaker
}

// Status is the syncer's part of the state snapshot.
type Status struct {
	LastSyncAt    *time.Time
	LastSyncError string
}

// Syncer is the single sync worker.
type Syncer struct {
	cfg       config.Source
	store     buffer.Store
	deviceID  string
	newSender SenderFactory
	now       func() time.Time
	newID     func() string
	breaker   *resilience.CircuitBreaker
	logger    zerolog.Logger

	force  chan struct{}
	reload chan struct{}
	cycled chan struct{}

	// Owned by the worker.
	sender    transport.Sender
	senderKey string

	mu     sync.RWMutex
	status Status
}

// New creates a Syncer. Call Run to start the worker.
func New(opts Options) (*Syncer, error) {
	if opts.Config == nil || opts.Store == nil {
		return nil, errors.New("syncer: config and store are required")
	}
	s := &Syncer{
		cfg:       opts.Config,
		store:     opts.Store,
		deviceID:  opts.DeviceID,
		newSender: opts.NewSender,
		now:       opts.Now,
		newID:     opts.NewID,
		breaker:   opts.Breaker,
		logger:    xglog.WithComponent("syncer"),
		force:     make(chan struct{}, 1),
		reload:    make(chan struct{}, 1),
		cycled:    make(chan struct{}, 1),
	}
	if s.newSender == nil {
		s.newSender = transport.New
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.breaker == nil {
		s.breaker = resilience.NewCircuitBreaker("sync_endpoint", 3, time.Minute,
			resilience.WithFailureFilter(countsAgainstEndpoint))
	}
	return s, nil
}

// ForcePush requests an immediate cycle. Requests made while one is
// already queued coalesce into it.
func (s *Syncer) ForcePush() {
	select {
	case s.force <- struct{}{}:
	default:
	}
}

// Reconfigure tells the worker the config changed: the sender is rebuilt
// on the next cycle and the interval ticker is reset.
func (s *Syncer) Reconfigure() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// Status returns the last sync outcome.
func (s *Syncer) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if st.LastSyncAt != nil {
		at := *st.LastSyncAt
		st.LastSyncAt = &at
	}
	return st
}

// Run processes triggers until ctx is cancelled. Pending retries are
// cancelled with ctx; batches left IN_FLIGHT are recovered on next open.
func (s *Syncer) Run(ctx context.Context) error {
	defer s.closeSender()

	interval := tickInterval(s.cfg.Get())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().
		Str(xglog.FieldEvent, "sync.started").
		Dur("interval", interval).
		Msg("sync worker started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Str(xglog.FieldEvent, "sync.stopped").Msg("sync worker stopped")
			return nil
		case <-s.reload:
			if iv := tickInterval(s.cfg.Get()); iv != interval {
				interval = iv
				ticker.Reset(interval)
			}
			s.closeSender()
			s.breaker.Reset()
		case <-ticker.C:
			s.runCycle(ctx, TriggerPeriodic)
		case <-s.force:
			s.runCycle(ctx, TriggerForced)
		}
	}
}

func tickInterval(cfg config.Config) time.Duration {
	if cfg.Sync.Interval <= 0 {
		return config.Defaults().Sync.Interval
	}
	return cfg.Sync.Interval
}

func (s *Syncer) runCycle(ctx context.Context, trigger Trigger) {
	var err error
	if trigger == TriggerPeriodic {
		err = s.breaker.Execute(ctx, func(ctx context.Context) error {
			return s.cycle(ctx, trigger)
		})
	} else {
		// Forced pushes bypass an open breaker; a success closes it.
		if err = s.cycle(ctx, trigger); err == nil {
			s.breaker.Reset()
		}
	}

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, resilience.ErrCircuitOpen):
		outcome = "circuit_open"
		s.logger.Debug().Str(xglog.FieldEvent, "sync.skipped").Msg("endpoint circuit open, skipping periodic cycle")
	case ctx.Err() != nil:
		outcome = "cancelled"
	default:
		outcome = "failed"
	}
	metrics.RecordCycle(string(trigger), outcome)
	s.refreshBufferGauge(ctx)

	select {
	case s.cycled <- struct{}{}:
	default:
	}
}

// countsAgainstEndpoint keeps local failures (bad config, buffer errors)
// and permanent rejections from opening the breaker.
func countsAgainstEndpoint(err error) bool {
	return errors.Is(err, errEndpointUnavailable)
}

func (s *Syncer) setSuccess(at time.Time) {
	s.mu.Lock()
	s.status.LastSyncAt = &at
	s.status.LastSyncError = ""
	s.mu.Unlock()
	metrics.SetLastSuccess(at)
}

func (s *Syncer) setError(err error) {
	s.mu.Lock()
	s.status.LastSyncError = err.Error()
	s.mu.Unlock()
}

func (s *Syncer) refreshBufferGauge(ctx context.Context) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return
	}
	metrics.SetBufferItems(st.PendingItems, st.InFlightItems, st.QuarantinedItems)
}

func (s *Syncer) closeSender() {
	if s.sender == nil {
		return
	}
	if err := s.sender.Close(); err != nil {
		s.logger.Warn().Err(err).Str(xglog.FieldEvent, "sync.sender_close_failed").Msg("closing sender failed")
	}
	s.sender = nil
	s.senderKey = ""
}
