// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package control is the bridge surface the host application calls:
// configuration, state queries, forced trip boundaries and forced pushes.
// It owns no state of its own.
package control

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/tripsync/internal/buffer"
	"github.com/ManuGH/tripsync/internal/config"
	xglog "github.com/ManuGH/tripsync/internal/log"
	"github.com/ManuGH/tripsync/internal/syncer"
	"github.com/ManuGH/tripsync/internal/tracker"
	"github.com/ManuGH/tripsync/internal/trip"
	"github.com/rs/zerolog"
)

// Tracker is the part of tracker.Tracker the surface drives.
type Tracker interface {
	ForceTripStart(ctx context.Context) error
	ForceTripEnd(ctx context.Context) error
	StopTracking(ctx context.Context) error
	StartTracking(ctx context.Context) error
	Reconfigure(ctx context.Context) error
	State() tracker.View
}

// Syncer is the part of syncer.Syncer the surface drives.
type Syncer interface {
	ForcePush()
	Reconfigure()
	Status() syncer.Status
}

// PushAck acknowledges a forced push request. Delivery happens later.
type PushAck struct {
	Enqueued    bool      `json:"enqueued"`
	RequestedAt time.Time `json:"requested_at"`
}

// Options wires a Surface.
type Options struct {
	Holder  *config.Holder
	Manager *config.Manager
	Tracker Tracker
	Syncer  Syncer
	Store   buffer.Store
	// Ingest forwards host-pushed samples to the sensor feed. Nil disables
	// SubmitSamples.
	Ingest func(ctx context.Context, s trip.Sample) error
	Now    func() time.Time
}

// ErrIngestDisabled is returned by SubmitSamples when no ingest path is wired.
var ErrIngestDisabled = errors.New("sample ingest not available")

// Surface implements the bridge operations.
type Surface struct {
	holder  *config.Holder
	manager *config.Manager
	tracker Tracker
	syncer  Syncer
	store   buffer.Store
	ingest  func(ctx context.Context, s trip.Sample) error
	now     func() time.Time
	logger  zerolog.Logger
}

func New(opts Options) (*Surface, error) {
	if opts.Holder == nil || opts.Tracker == nil || opts.Syncer == nil || opts.Store == nil {
		return nil, errors.New("control: holder, tracker, syncer and store are required")
	}
	s := &Surface{
		holder:  opts.Holder,
		manager: opts.Manager,
		tracker: opts.Tracker,
		syncer:  opts.Syncer,
		store:   opts.Store,
		ingest:  opts.Ingest,
		now:     opts.Now,
		logger:  xglog.WithComponent("control"),
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// LaunchInit validates cfg and makes it current. Calling it again
// replaces the configuration; the last call wins. Settings bound at
// startup (data dir, buffer backend, listen addresses) keep their running
// values, and an empty DeviceID keeps the current one. Invalid input
// returns an error wrapping config.ErrConfigInvalid and the previous
// configuration stays in effect.
func (s *Surface) LaunchInit(ctx context.Context, cfg config.Config) error {
	cur := s.holder.Get()
	if cfg.DeviceID == "" {
		cfg.DeviceID = cur.DeviceID
	}
	cfg.DataDir = cur.DataDir
	cfg.Buffer = cur.Buffer
	cfg.Control.ListenAddr = cur.Control.ListenAddr
	cfg.Control.MetricsAddr = cur.Control.MetricsAddr

	applied, err := s.holder.Apply(cfg)
	if err != nil {
		return err
	}

	if s.manager != nil {
		if err := s.manager.Save(applied); err != nil {
			s.logger.Warn().Err(err).
				Str(xglog.FieldEvent, "control.config_persist_failed").
				Msg("configuration applied but not persisted")
		}
	}
	return s.Propagate(ctx)
}

// Propagate tells the tracker and sync engine that the configuration
// changed. The daemon also calls it after a file reload.
func (s *Surface) Propagate(ctx context.Context) error {
	s.syncer.Reconfigure()
	if err := s.tracker.Reconfigure(ctx); err != nil && !errors.Is(err, tracker.ErrStopped) {
		return err
	}
	return nil
}

// GetConfig returns the current configuration.
func (s *Surface) GetConfig() config.Config {
	return s.holder.Get()
}

// GetState assembles a snapshot. It never fails: buffer errors leave the
// buffer counters at zero and are logged.
func (s *Surface) GetState(ctx context.Context) trip.Snapshot {
	cfg := s.holder.Get()
	view := s.tracker.State()
	status := s.syncer.Status()

	snap := trip.Snapshot{
		State:            view.State,
		OpenTripID:       view.OpenTripID,
		SensorHealthy:    view.SensorHealthy,
		CaptureHalted:    view.CaptureHalted,
		TrackingStopped:  view.TrackingStopped,
		DiscardedSamples: view.DiscardedSamples,
		LastSyncAt:       status.LastSyncAt,
		LastSyncError:    status.LastSyncError,
		ConfigVersion:    cfg.Version,
	}

	st, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str(xglog.FieldEvent, "control.stats_failed").Msg("buffer stats unavailable")
		return snap
	}
	snap.PendingItems = st.PendingItems
	snap.InFlightItems = st.InFlightItems
	snap.QuarantinedItems = st.QuarantinedItems
	snap.QuarantinedBatches = st.QuarantinedBatches
	snap.PendingBatchCount = pendingBatches(st.PendingItems+st.InFlightItems, cfg.Sync.BatchSize)
	return snap
}

func pendingBatches(items, batchSize int) int {
	if items <= 0 {
		return 0
	}
	batchSize = max(batchSize, 1)
	return (items + batchSize - 1) / batchSize
}

// ForceTripStart opens a FORCED trip; see tracker.Tracker.ForceTripStart.
func (s *Surface) ForceTripStart(ctx context.Context) error {
	return s.tracker.ForceTripStart(ctx)
}

// ForceTripEnd closes the open trip; a no-op while idle.
func (s *Surface) ForceTripEnd(ctx context.Context) error {
	return s.tracker.ForceTripEnd(ctx)
}

// StopTracking closes any open trip and switches capture off until
// StartTracking is called.
func (s *Surface) StopTracking(ctx context.Context) error {
	return s.tracker.StopTracking(ctx)
}

// StartTracking switches capture back on.
func (s *Surface) StartTracking(ctx context.Context) error {
	return s.tracker.StartTracking(ctx)
}

// ForceRemotePush schedules a sync cycle and returns at once.
func (s *Surface) ForceRemotePush() PushAck {
	s.syncer.ForcePush()
	return PushAck{Enqueued: true, RequestedAt: s.now().UTC()}
}

// DeadLetters lists quarantined batches.
func (s *Surface) DeadLetters(ctx context.Context) ([]buffer.DeadLetter, error) {
	return s.store.DeadLetters(ctx)
}

// SubmitSamples hands host-pushed readings to the feed in order. Samples
// that are not valid are skipped. It returns how many were accepted before
// the first error.
func (s *Surface) SubmitSamples(ctx context.Context, samples []trip.Sample) (int, error) {
	if s.ingest == nil {
		return 0, ErrIngestDisabled
	}
	accepted := 0
	for _, smp := range samples {
		if !smp.Valid() {
			continue
		}
		if err := s.ingest(ctx, smp); err != nil {
			return accepted, err
		}
		accepted++
	}
	return accepted, nil
}
