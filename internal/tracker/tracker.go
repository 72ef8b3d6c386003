// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package tracker segments the sensor stream into trips. A single writer
// goroutine owns every transition; samples, forced commands and timer
// events reach it through one bounded mutation queue.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/tripsync/internal/buffer"
	"github.com/ManuGH/tripsync/internal/config"
	"github.com/ManuGH/tripsync/internal/fsm"
	xglog "github.com/ManuGH/tripsync/internal/log"
	"github.com/ManuGH/tripsync/internal/metrics"
	"github.com/ManuGH/tripsync/internal/sensor"
	"github.com/ManuGH/tripsync/internal/trip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidTransition is returned when the sensor subsystem cannot be
	// armed or disarmed. The state is unchanged.
	ErrInvalidTransition = fsm.ErrInvalidTransition

	// ErrStopped is returned for commands submitted after Run has exited.
	ErrStopped = errors.New("tracker stopped")

	// ErrCaptureHalted is returned by forced commands once the buffer has
	// reported corruption.
	ErrCaptureHalted = errors.New("capture halted: buffer unavailable")

	// ErrTrackingStopped is returned by ForceTripStart while tracking is
	// switched off with StopTracking.
	ErrTrackingStopped = errors.New("tracking stopped")

	errDuplicateStart = errors.New("duplicate forced start")
)

// Event is a tracker FSM input.
type Event string

const (
	EventMotionSustained  Event = "motion_sustained"
	EventForceStart       Event = "force_start"
	EventForceEnd         Event = "force_end"
	EventStillnessTimeout Event = "stillness_timeout"
	EventTrackingError    Event = "tracking_error"
	EventStopTracking     Event = "stop_tracking"
	EventStartTracking    Event = "start_tracking"
)

// graceCap bounds the grace ring independently of GraceWindow.
const graceCap = 4096

// Options wires a Tracker to its collaborators.
type Options struct {
	Config  config.Source
	Store   buffer.Store
	Sensors sensor.Controller
	// Now defaults to time.Now.
	Now func() time.Time
	// NewID defaults to uuid.NewString.
	NewID func() string
}

// View is the tracker's part of the state snapshot.
type View struct {
	State            trip.State
	OpenTripID       string
	SensorHealthy    bool
	CaptureHalted    bool
	TrackingStopped  bool
	DiscardedSamples uint64
}

type openTrip struct {
	id           string
	startedAt    time.Time
	cause        trip.Cause
	samples      int
	lastSampleAt time.Time
}

type commandKind int

const (
	cmdSample commandKind = iota
	cmdForceStart
	cmdForceEnd
	cmdIdleTimer
	cmdTrackingError
	cmdReconfigure
	cmdStopTracking
	cmdStartTracking
)

type command struct {
	kind   commandKind
	sample trip.Sample
	gen    uint64
	cause  error
	reply  chan error
}

// Tracker is the trip state machine.
type Tracker struct {
	cfg     config.Source
	store   buffer.Store
	sensors sensor.Controller
	now     func() time.Time
	newID   func() string
	logger  zerolog.Logger

	machine *fsm.Machine[trip.State, Event]

	cmds    chan command
	stopped chan struct{}
	running atomic.Bool

	// Owned by the writer goroutine.
	open          *openTrip
	eventAt       time.Time
	lastEndAt     time.Time
	debounceStart time.Time
	lastMotionAt  time.Time
	grace         []trip.Sample
	idleTimer     *time.Timer
	idleGen       uint64
	halted        bool
	trackingOff   bool
	battery       []float64

	viewMu     sync.RWMutex
	view       View
	discarded  atomic.Uint64
	discardLog rate.Sometimes
}

// New creates a tracker in IDLE. Call Run to start the writer.
func New(opts Options) (*Tracker, error) {
	if opts.Config == nil || opts.Store == nil || opts.Sensors == nil {
		return nil, errors.New("tracker: config, store and sensors are required")
	}
	t := &Tracker{
		cfg:        opts.Config,
		store:      opts.Store,
		sensors:    opts.Sensors,
		now:        opts.Now,
		newID:      opts.NewID,
		logger:     xglog.WithComponent("tracker"),
		cmds:       make(chan command, max(opts.Config.Get().Tracker.QueueSize, 1)),
		stopped:    make(chan struct{}),
		discardLog: rate.Sometimes{Interval: 10 * time.Second},
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.newID == nil {
		t.newID = uuid.NewString
	}

	m, err := fsm.New(trip.StateIdle, t.transitions())
	if err != nil {
		return nil, err
	}
	t.machine = m
	t.view = View{State: trip.StateIdle, SensorHealthy: true}
	return t, nil
}

func (t *Tracker) transitions() []fsm.Transition[trip.State, Event] {
	idle, tracking := trip.StateIdle, trip.StateTracking
	return []fsm.Transition[trip.State, Event]{
		{From: idle, Event: EventMotionSustained, To: tracking, Action: t.startTrip(trip.CauseAutomatic)},
		{From: idle, Event: EventForceStart, To: tracking, Action: t.startTrip(trip.CauseForced)},
		{From: idle, Event: EventForceEnd, To: idle},
		{From: tracking, Event: EventStillnessTimeout, To: idle, Action: t.endTrip(trip.CauseAutomatic, false)},
		{From: tracking, Event: EventForceEnd, To: idle, Action: t.endTrip(trip.CauseForced, true)},
		{From: tracking, Event: EventForceStart, To: tracking, Guard: t.rejectDuplicateStart, Action: t.rotateTrip},
		{From: tracking, Event: EventTrackingError, To: idle, Action: t.endTrip(trip.CauseAutomatic, false)},
		{From: tracking, Event: EventStopTracking, To: idle, Action: t.endTrip(trip.CauseForced, true)},
		{From: idle, Event: EventStopTracking, To: idle, Action: t.switchTracking(false)},
		{From: idle, Event: EventStartTracking, To: idle, Action: t.switchTracking(true)},
	}
}

// Run restores the persisted checkpoint and processes the mutation queue
// until ctx is cancelled. It returns nil on cancellation.
func (t *Tracker) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return errors.New("tracker: already running")
	}
	defer close(t.stopped)
	defer t.stopIdleTimer()

	if err := t.restore(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Str(xglog.FieldEvent, "tracker.stopped").Msg("tracker stopped")
			return nil
		case cmd := <-t.cmds:
			err := t.handle(ctx, cmd)
			if cmd.reply != nil {
				cmd.reply <- err
			}
		}
	}
}

// restore rehydrates from the buffer's checkpoint. A trip open at shutdown
// resumes with the same id and the sensors are re-armed.
func (t *Tracker) restore(ctx context.Context) error {
	cp, ok, err := t.store.Checkpoint(ctx)
	if err != nil {
		if errors.Is(err, buffer.ErrBufferCorruption) {
			t.haltCapture(err)
			return nil
		}
		return fmt.Errorf("tracker: load checkpoint: %w", err)
	}
	if !ok {
		t.publish()
		return nil
	}
	t.lastEndAt = cp.LastEndAt
	t.trackingOff = cp.TrackingStopped

	if cp.State == trip.StateTracking && cp.OpenTripID != "" {
		t.machine.Restore(trip.StateTracking)
		t.open = &openTrip{id: cp.OpenTripID, startedAt: cp.TripStartedAt, cause: cp.StartCause}
		t.lastMotionAt = t.now()
		t.logger.Info().
			Str(xglog.FieldEvent, "tracker.restored").
			Str(xglog.FieldTripID, cp.OpenTripID).
			Msg("resuming open trip")

		if err := t.sensors.Arm(ctx); err != nil {
			t.setSensorHealthy(false)
			t.logger.Error().Err(err).Str(xglog.FieldEvent, "tracker.rearm_failed").Msg("sensor re-arm failed, closing trip")
			t.eventAt = t.now()
			if _, ferr := t.machine.Fire(ctx, EventTrackingError); ferr != nil {
				t.logger.Error().Err(ferr).Str(xglog.FieldEvent, "tracker.close_failed").Msg("could not close restored trip")
			}
		} else {
			t.resetIdleTimer()
		}
	}
	t.publish()
	return nil
}

func (t *Tracker) handle(ctx context.Context, cmd command) error {
	defer t.publish()

	switch cmd.kind {
	case cmdSample:
		t.onSample(ctx, cmd.sample)
		return nil
	case cmdForceStart:
		if t.halted {
			return ErrCaptureHalted
		}
		if t.trackingOff {
			return ErrTrackingStopped
		}
		return t.fire(ctx, EventForceStart, t.now())
	case cmdForceEnd:
		if t.halted && t.machine.State() == trip.StateTracking {
			return ErrCaptureHalted
		}
		return t.fire(ctx, EventForceEnd, t.endTimestamp(t.now()))
	case cmdIdleTimer:
		if cmd.gen != t.idleGen || t.open == nil {
			return nil
		}
		return t.fire(ctx, EventStillnessTimeout, t.endTimestamp(t.now()))
	case cmdTrackingError:
		defer t.setSensorHealthy(false)
		if !t.machine.Can(EventTrackingError) {
			return nil
		}
		t.logger.Warn().Err(cmd.cause).Str(xglog.FieldEvent, "tracker.tracking_error").Msg("tracking error, closing trip")
		return t.fire(ctx, EventTrackingError, t.endTimestamp(t.now()))
	case cmdReconfigure:
		if t.open != nil {
			t.resetIdleTimer()
		}
		return nil
	case cmdStopTracking:
		if t.trackingOff {
			return nil
		}
		if t.halted && t.machine.State() == trip.StateTracking {
			return ErrCaptureHalted
		}
		return t.fire(ctx, EventStopTracking, t.endTimestamp(t.now()))
	case cmdStartTracking:
		if !t.trackingOff {
			return nil
		}
		return t.fire(ctx, EventStartTracking, t.now())
	}
	return fmt.Errorf("tracker: unknown command %d", cmd.kind)
}

// fire applies event at the given timestamp. A guard-rejected duplicate
// start is reported as success.
func (t *Tracker) fire(ctx context.Context, event Event, at time.Time) error {
	from := t.machine.State()
	t.eventAt = at
	to, err := t.machine.Fire(ctx, event)
	if errors.Is(err, errDuplicateStart) {
		t.logger.Debug().Str(xglog.FieldEvent, "tracker.duplicate_start").Str(xglog.FieldTripID, t.openID()).Msg("forced start ignored")
		return nil
	}
	if err != nil {
		t.logger.Warn().Err(err).
			Str(xglog.FieldEvent, "tracker.transition_failed").
			Str(xglog.FieldOldState, string(from)).
			Str("trigger", string(event)).
			Msg("transition not applied")
		return err
	}
	if from == to && event == EventForceEnd {
		return nil
	}
	if from == to && (event == EventStopTracking || event == EventStartTracking) {
		metrics.RecordTransition(string(event))
		t.logger.Info().
			Str(xglog.FieldEvent, "tracker."+string(event)).
			Str(xglog.FieldOldState, string(from)).
			Msg("tracking switched")
		return nil
	}

	metrics.RecordTransition(string(event))
	metrics.SetTracking(to == trip.StateTracking)
	t.logger.Info().
		Str(xglog.FieldEvent, "tracker.transition").
		Str(xglog.FieldOldState, string(from)).
		Str(xglog.FieldNewState, string(to)).
		Str("trigger", string(event)).
		Str(xglog.FieldTripID, t.openID()).
		Msg("state changed")
	return nil
}

func (t *Tracker) startTrip(cause trip.Cause) func(context.Context, trip.State, trip.State, Event) error {
	return func(ctx context.Context, from, to trip.State, ev Event) error {
		at := t.eventAt
		if err := t.sensors.Arm(ctx); err != nil {
			t.setSensorHealthy(false)
			return fmt.Errorf("%w: arm sensors: %w", ErrInvalidTransition, err)
		}
		t.setSensorHealthy(true)

		id := t.newID()
		start := trip.Boundary{Timestamp: at, Kind: trip.BoundaryStart, Cause: cause, TripID: id}
		items := []trip.Item{
			trip.BoundaryItem(start),
			trip.TransitionItem(id, t.transition(at, from, to, ev)),
		}
		attached := t.graceFor(at)
		for _, s := range attached {
			items = append(items, trip.SampleItem(id, s))
		}

		cp := trip.Checkpoint{State: to, OpenTripID: id, TripStartedAt: at, StartCause: cause, LastEndAt: t.lastEndAt}
		if err := t.store.AppendTransition(ctx, cp, items...); err != nil {
			if derr := t.sensors.Disarm(ctx); derr != nil {
				t.setSensorHealthy(false)
			}
			t.bufferFailed(err)
			return fmt.Errorf("record trip start: %w", err)
		}

		t.dropGrace(len(attached))
		o := &openTrip{id: id, startedAt: at, cause: cause, samples: len(attached)}
		if n := len(attached); n > 0 {
			o.lastSampleAt = attached[n-1].Timestamp
		}
		t.open = o
		t.debounceStart = time.Time{}
		t.lastMotionAt = at
		t.resetIdleTimer()

		metrics.RecordBoundary(string(trip.BoundaryStart), string(cause))
		if len(attached) > 0 {
			t.logger.Debug().Str(xglog.FieldTripID, id).Int("samples", len(attached)).Msg("attached grace samples")
		}
		return nil
	}
}

// endTrip closes the open trip. strict transitions surface a disarm
// failure and keep the trip open; automatic ones degrade to IDLE anyway.
// The trip is only closed once its END is in the buffer.
func (t *Tracker) endTrip(cause trip.Cause, strict bool) func(context.Context, trip.State, trip.State, Event) error {
	return func(ctx context.Context, from, to trip.State, ev Event) error {
		at := t.eventAt
		if err := t.sensors.Disarm(ctx); err != nil {
			t.setSensorHealthy(false)
			if strict {
				return fmt.Errorf("%w: disarm sensors: %w", ErrInvalidTransition, err)
			}
			t.logger.Warn().Err(err).Str(xglog.FieldEvent, "tracker.disarm_failed").Msg("sensor disarm failed, closing trip anyway")
		} else {
			t.setSensorHealthy(true)
		}

		id := t.open.id
		end := trip.Boundary{Timestamp: at, Kind: trip.BoundaryEnd, Cause: cause, TripID: id}
		cp := trip.Checkpoint{State: to, LastEndAt: at, TrackingStopped: ev == EventStopTracking}
		err := t.store.AppendTransition(ctx, cp,
			trip.BoundaryItem(end),
			trip.TransitionItem(id, t.transition(at, from, to, ev)),
		)
		if err != nil {
			t.bufferFailed(err)
			switch {
			case strict:
				if aerr := t.sensors.Arm(ctx); aerr != nil {
					t.setSensorHealthy(false)
				}
			case !t.halted:
				// The trip stays open until its END is durable; the idle
				// timer retries the write.
				t.resetIdleTimer()
			}
			return fmt.Errorf("record trip end: %w", err)
		}

		t.open = nil
		if ev == EventStopTracking {
			t.trackingOff = true
			t.debounceStart = time.Time{}
		}
		t.lastEndAt = at
		t.grace = t.grace[:0]
		t.stopIdleTimer()
		metrics.RecordBoundary(string(trip.BoundaryEnd), string(cause))
		return nil
	}
}

// switchTracking persists the tracking switch while IDLE. Turning it off
// drops held grace samples and any pending debounce.
func (t *Tracker) switchTracking(on bool) func(context.Context, trip.State, trip.State, Event) error {
	return func(ctx context.Context, from, to trip.State, ev Event) error {
		at := t.eventAt
		cp := trip.Checkpoint{State: to, LastEndAt: t.lastEndAt, TrackingStopped: !on}
		if err := t.store.AppendTransition(ctx, cp, trip.TransitionItem("", t.transition(at, from, to, ev))); err != nil {
			t.bufferFailed(err)
			return fmt.Errorf("record %s: %w", ev, err)
		}
		t.trackingOff = !on
		if !on {
			t.debounceStart = time.Time{}
			t.dropGrace(0)
		}
		return nil
	}
}

// transition builds the audit record, carrying the last battery reading.
func (t *Tracker) transition(at time.Time, from, to trip.State, ev Event) trip.Transition {
	return trip.Transition{Timestamp: at, From: from, To: to, Event: string(ev), Battery: slices.Clone(t.battery)}
}

// rejectDuplicateStart makes a back-to-back forced start a no-op: the open
// trip was itself force-started within ForceDedupWindow and has no samples.
func (t *Tracker) rejectDuplicateStart(_ context.Context, _ trip.State, _ Event) error {
	o := t.open
	window := t.cfg.Get().Tracker.ForceDedupWindow
	if o != nil && o.cause == trip.CauseForced && o.samples == 0 && window > 0 &&
		t.eventAt.Sub(o.startedAt) < window {
		return errDuplicateStart
	}
	return nil
}

// rotateTrip closes the open trip with AUTOMATIC_OVERRIDE and opens a new
// forced one in a single buffer transaction. Sensors stay armed.
func (t *Tracker) rotateTrip(ctx context.Context, from, to trip.State, ev Event) error {
	at := t.endTimestamp(t.eventAt)
	old := t.open.id
	id := t.newID()

	end := trip.Boundary{Timestamp: at, Kind: trip.BoundaryEnd, Cause: trip.CauseAutomaticOverride, TripID: old}
	start := trip.Boundary{Timestamp: at, Kind: trip.BoundaryStart, Cause: trip.CauseForced, TripID: id}
	cp := trip.Checkpoint{State: to, OpenTripID: id, TripStartedAt: at, StartCause: trip.CauseForced, LastEndAt: at}
	err := t.store.AppendTransition(ctx, cp,
		trip.BoundaryItem(end),
		trip.BoundaryItem(start),
		trip.TransitionItem(id, t.transition(at, from, to, ev)),
	)
	if err != nil {
		t.bufferFailed(err)
		return fmt.Errorf("record trip rotation: %w", err)
	}

	t.logger.Info().
		Str(xglog.FieldEvent, "tracker.trip_rotated").
		Str("closed_trip_id", old).
		Str(xglog.FieldTripID, id).
		Msg("forced start closed the open trip")

	t.open = &openTrip{id: id, startedAt: at, cause: trip.CauseForced}
	t.lastEndAt = at
	t.lastMotionAt = at
	t.resetIdleTimer()
	metrics.RecordBoundary(string(trip.BoundaryEnd), string(trip.CauseAutomaticOverride))
	metrics.RecordBoundary(string(trip.BoundaryStart), string(trip.CauseForced))
	return nil
}

// endTimestamp keeps END boundaries at or after the trip's last sample.
func (t *Tracker) endTimestamp(at time.Time) time.Time {
	if t.open != nil && at.Before(t.open.lastSampleAt) {
		return t.open.lastSampleAt
	}
	return at
}

func (t *Tracker) openID() string {
	if t.open == nil {
		return ""
	}
	return t.open.id
}

func (t *Tracker) bufferFailed(err error) {
	if errors.Is(err, buffer.ErrBufferCorruption) {
		t.haltCapture(err)
		return
	}
	t.logger.Error().Err(err).Str(xglog.FieldEvent, "tracker.buffer_write_failed").Msg("buffer write failed")
}

func (t *Tracker) haltCapture(err error) {
	if !t.halted {
		t.logger.Error().Err(err).Str(xglog.FieldEvent, "tracker.capture_halted").Msg("buffer unreadable, capture halted")
	}
	t.halted = true
}

func (t *Tracker) setSensorHealthy(ok bool) {
	t.viewMu.Lock()
	t.view.SensorHealthy = ok
	t.viewMu.Unlock()
	metrics.SetSensorHealthy(ok)
}

// publish copies writer-owned state into the view read by State.
func (t *Tracker) publish() {
	t.viewMu.Lock()
	t.view.State = t.machine.State()
	t.view.OpenTripID = t.openID()
	t.view.CaptureHalted = t.halted
	t.view.TrackingStopped = t.trackingOff
	t.viewMu.Unlock()
}

// State returns the tracker's view. It never blocks on the writer.
func (t *Tracker) State() View {
	t.viewMu.RLock()
	v := t.view
	t.viewMu.RUnlock()
	v.DiscardedSamples = t.discarded.Load()
	return v
}

func (t *Tracker) resetIdleTimer() {
	t.stopIdleTimer()
	t.idleGen++
	gen := t.idleGen
	timeout := t.cfg.Get().Tracker.IdleTimeout
	if timeout <= 0 {
		return
	}
	t.idleTimer = time.AfterFunc(timeout, func() {
		select {
		case t.cmds <- command{kind: cmdIdleTimer, gen: gen}:
		case <-t.stopped:
		}
	})
}

func (t *Tracker) stopIdleTimer() {
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
}

// submit enqueues cmd and, for commands with a reply, waits for the result.
func (t *Tracker) submit(ctx context.Context, cmd command) error {
	select {
	case <-t.stopped:
		return ErrStopped
	default:
	}
	select {
	case t.cmds <- cmd:
	case <-t.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	if cmd.reply == nil {
		return nil
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-t.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceTripStart opens a trip (or rotates the open one). The new state is
// visible through State before it returns.
func (t *Tracker) ForceTripStart(ctx context.Context) error {
	return t.submit(ctx, command{kind: cmdForceStart, reply: make(chan error, 1)})
}

// ForceTripEnd closes the open trip. A no-op while IDLE.
func (t *Tracker) ForceTripEnd(ctx context.Context) error {
	return t.submit(ctx, command{kind: cmdForceEnd, reply: make(chan error, 1)})
}

// Submit queues a sensor sample, blocking while the queue is full.
func (t *Tracker) Submit(ctx context.Context, s trip.Sample) error {
	return t.submit(ctx, command{kind: cmdSample, sample: s})
}

// Sink adapts Submit for sensor feeds.
func (t *Tracker) Sink(ctx context.Context) sensor.Sink {
	return func(s trip.Sample) {
		if err := t.Submit(ctx, s); err != nil {
			t.discard("queue_closed")
		}
	}
}

// ReportTrackingError closes the open trip because the sensor source failed.
func (t *Tracker) ReportTrackingError(ctx context.Context, cause error) error {
	return t.submit(ctx, command{kind: cmdTrackingError, cause: cause, reply: make(chan error, 1)})
}

// StopTracking switches capture off until StartTracking. An open trip is
// closed with a FORCED END first; the switch survives restarts.
func (t *Tracker) StopTracking(ctx context.Context) error {
	return t.submit(ctx, command{kind: cmdStopTracking, reply: make(chan error, 1)})
}

// StartTracking switches capture back on. A no-op unless stopped.
func (t *Tracker) StartTracking(ctx context.Context) error {
	return t.submit(ctx, command{kind: cmdStartTracking, reply: make(chan error, 1)})
}

// Reconfigure makes the writer pick up timing changes from the config source.
func (t *Tracker) Reconfigure(ctx context.Context) error {
	return t.submit(ctx, command{kind: cmdReconfigure, reply: make(chan error, 1)})
}
