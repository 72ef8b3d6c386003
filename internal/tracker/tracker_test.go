// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/tripsync/internal/buffer"
	"github.com/ManuGH/tripsync/internal/config"
	"github.com/ManuGH/tripsync/internal/sensor"
	"github.com/ManuGH/tripsync/internal/trip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type staticConfig struct{ cfg config.Config }

func (s staticConfig) Get() config.Config { return s.cfg }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t       *testing.T
	tr      *Tracker
	store   buffer.Store
	sensors *sensor.Switch
	clock   *fakeClock
	cancel  context.CancelFunc
	done    chan error
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Tracker.DebounceWindow = 3 * time.Second
	cfg.Tracker.IdleTimeout = 10 * time.Second
	return cfg
}

func newHarness(t *testing.T, cfg config.Config, store buffer.Store, sw *sensor.Switch) *harness {
	t.Helper()
	if store == nil {
		store = buffer.NewMemory()
	}
	if sw == nil {
		sw = &sensor.Switch{}
	}
	clock := &fakeClock{now: t0}
	var n int
	var idMu sync.Mutex
	tr, err := New(Options{
		Config:  staticConfig{cfg},
		Store:   store,
		Sensors: sw,
		Now:     clock.Now,
		NewID: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return fmt.Sprintf("trip-%d", n)
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, tr: tr, store: store, sensors: sw, clock: clock, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- tr.Run(ctx) }()
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(h.t, err)
	case <-time.After(2 * time.Second):
		h.t.Fatal("tracker did not stop")
	}
}

// barrier waits until every previously submitted command was applied.
func (h *harness) barrier() {
	require.NoError(h.t, h.tr.Reconfigure(context.Background()))
}

func (h *harness) submit(s trip.Sample) {
	require.NoError(h.t, h.tr.Submit(context.Background(), s))
}

func (h *harness) items() []trip.Item {
	h.barrier()
	items, err := h.store.Drain(context.Background(), fmt.Sprintf("peek-%d", time.Now().UnixNano()), 10000)
	require.NoError(h.t, err)
	return items
}

func accel(at time.Duration, mag float64) trip.Sample {
	return trip.Sample{Timestamp: t0.Add(at), Kind: trip.SensorAccelerometer, Payload: []float64{mag, 0, 0}}
}

func boundaries(items []trip.Item) []trip.Boundary {
	var out []trip.Boundary
	for _, it := range items {
		if it.Kind == trip.ItemBoundary {
			out = append(out, *it.Boundary)
		}
	}
	return out
}

func countKind(items []trip.Item, kind trip.ItemKind) int {
	n := 0
	for _, it := range items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}

func TestForceStartFromIdle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, testConfig(), nil, nil)
	defer h.stop()

	require.NoError(t, h.tr.ForceTripStart(context.Background()))

	// Visible before the call returned.
	v := h.tr.State()
	assert.Equal(t, trip.StateTracking, v.State)
	assert.Equal(t, "trip-1", v.OpenTripID)
	assert.True(t, h.sensors.Armed())

	items := h.items()
	b := boundaries(items)
	require.Len(t, b, 1)
	assert.Equal(t, trip.Boundary{Timestamp: t0, Kind: trip.BoundaryStart, Cause: trip.CauseForced, TripID: "trip-1"}, b[0])
	assert.Equal(t, 1, countKind(items, trip.ItemTransition))

	cp, ok, err := h.store.Checkpoint(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, trip.StateTracking, cp.State)
	assert.Equal(t, "trip-1", cp.OpenTripID)
}

func TestForceStartTwiceEmitsOneStart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, testConfig(), nil, nil)
	defer h.stop()

	require.NoError(t, h.tr.ForceTripStart(context.Background()))
	require.NoError(t, h.tr.ForceTripStart(context.Background()))

	b := boundaries(h.items())
	require.Len(t, b, 1)
	assert.Equal(t, trip.BoundaryStart, b[0].Kind)
	assert.Equal(t, "trip-1", h.tr.State().OpenTripID)
}

func TestForceStartWhileTrackingRotatesTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, testConfig(), nil, nil)
	defer h.stop()

	require.NoError(t, h.tr.ForceTripStart(context.Background()))
	h.clock.Advance(time.Second)
	h.submit(accel(time.Second, 5))
	h.clock.Advance(time.Second)
	require.NoError(t, h.tr.ForceTripStart(context.Background()))

	assert.Equal(t, "trip-2", h.tr.State().OpenTripID)

	items := h.items()
	b := boundaries(items)
	require.Len(t, b, 3)
	assert.Equal(t, trip.BoundaryStart, b[0].Kind)
	assert.Equal(t, trip.Boundary{Timestamp: t0.Add(2 * time.Second), Kind: trip.BoundaryEnd, Cause: trip.CauseAutomaticOverride, TripID: "trip-1"}, b[1])
	assert.Equal(t, trip.Boundary{Timestamp: t0.Add(2 * time.Second), Kind: trip.BoundaryStart, Cause: trip.CauseForced, TripID: "trip-2"}, b[2])

	trips, err := trip.Partition(items)
	require.NoError(t, err)
	require.Len(t, trips, 2)
	assert.Len(t, trips[0].Samples, 1)
	assert.False(t, trips[0].Open())
	assert.True(t, trips[1].Open())
}

func TestForceStartAfterDedupWindowRotates(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, testConfig(), nil, nil)
	defer h.stop()

	require.NoError(t, h.tr.ForceTripStart(context.Background()))
	h.clock.Advance(5 * time.Second)
	require.NoError(t, h.tr.ForceTripStart(context.Background()))

	b := boundaries(h.items())
	require.Len(t, b, 3)
	assert.Equal(t, trip.CauseAutomaticOverride, b[1].Cause)
}

func TestForceEndWhileIdleIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, testConfig(), nil, nil)
	defer h.stop()

	require.NoError(t, h.tr.ForceTripEnd(context.Background()))
	require.NoError(t, h.tr.ForceTripEnd(context.Background()))
	assert.Equal(t, trip.StateIdle, h.tr.State().State)
	assert.Empty(t, h.items())
}

func TestForceEndClosesTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, testConfig(), nil, nil)
	defer h.stop()

	require.NoError(t, h.tr.ForceTripStart(context.Background()))
	h.clock.Advance(4 * time.Second)
	require.NoError(t, h.tr.ForceTripEnd(context.Background()))

	v := h.tr.State()
	assert.Equal(t, trip.StateIdle, v.State)
	assert.Empty(t, v.OpenTripID)
	assert.False(t, h.sensors.Armed())

	b := boundaries(h.items())
	require.Len(t, b, 2)
	assert.Equal(t, trip.Boundary{Timestamp: t0.Add(4 * time.Second), Kind: trip.BoundaryEnd, Cause: trip.CauseForced, TripID: "trip-1"}, b[1])

	cp, _, err := h.store.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, trip.StateIdle, cp.State)
	assert.Equal(t, t0.Add(4*time.Second), cp.LastEndAt)
}

func TestArmFailureKeepsIdle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	sw := &sensor.Switch{OnArm: func(context.Context) error { return errors.New("location permission revoked") }}
	h := newHarness(t, testConfig(), nil, sw)
	defer h.stop()

	err := h.tr.ForceTripStart(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)

	v := h.tr.State()
	assert.Equal(t, trip.StateIdle, v.State)
	assert.False(t, v.SensorHealthy)
	assert.Empty(t, h.items())
}

func TestDisarmFailureKeepsTrackingOnForcedEnd(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	sw := &sensor.Switch{OnDisarm: func(context.Context) error { return errors.New("stuck") }}
	h := newHarness(t, testConfig(), nil, sw)
	defer h.stop()

	require.NoError(t, h.tr.ForceTripStart(context.Background()))
	err := h.tr.ForceTripEnd(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, trip.StateTracking, h.tr.State().State)
	assert.False(t, h.tr.State().SensorHealthy)
}

func TestAutomaticStartNeedsSustainedMotion(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, testConfig(), nil, nil)
	defer h.stop()

	// Interrupted burst: below-threshold sample resets the debounce window.
	h.submit(accel(0, 3))
	h.submit(accel(2*time.Second, 3))
	h.submit(accel(2500*time.Millisecond, 0.2))
	h.submit(accel(4*time.Second, 3))
	h.barrier()
	assert.Equal(t, trip.StateIdle, h.tr.State().State)

	h.submit(accel(6*time.Second, 3))
	h.submit(accel(7*time.Second, 3))
	h.barrier()
	assert.Equal(t, trip.StateTracking, h.tr.State().State)

	items := h.items()
	b := boundaries(items)
	require.Len(t, b, 1)
	assert.Equal(t, trip.Boundary{Timestamp: t0.Add(4 * time.Second), Kind: trip.BoundaryStart, Cause: trip.CauseAutomatic, TripID: "trip-1"}, b[0])

	trips, err := trip.Partition(items)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	require.Len(t, trips[0].Samples, 1, "the triggering sample opens the trip")
	assert.Equal(t, t0.Add(7*time.Second), trips[0].Samples[0].Timestamp)
	assert.Equal(t, uint64(5), h.tr.State().DiscardedSamples, "idle samples are dropped without a grace window")
}

func TestAutomaticEndAfterStillness(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	cfg := testConfig()
	cfg.Tracker.DebounceWindow = 0
	h := newHarness(t, cfg, nil, nil)
	defer h.stop()

	h.submit(accel(0, 4))
	h.submit(accel(5*time.Second, 4))
	h.submit(trip.Sample{Timestamp: t0.Add(8 * time.Second), Kind: trip.SensorBattery, Payload: []float64{80, 0}})
	h.submit(accel(10*time.Second, 0.1))
	h.barrier()
	assert.Equal(t, trip.StateTracking, h.tr.State().State, "still inside idle timeout")

	h.submit(accel(15*time.Second, 0.1))
	h.barrier()
	assert.Equal(t, trip.StateIdle, h.tr.State().State)

	items := h.items()
	b := boundaries(items)
	require.Len(t, b, 2)
	assert.Equal(t, trip.BoundaryEnd, b[1].Kind)
	assert.Equal(t, trip.CauseAutomatic, b[1].Cause)
	assert.Equal(t, t0.Add(15*time.Second), b[1].Timestamp)

	trips, err := trip.Partition(items)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Len(t, trips[0].Samples, 5)
}

func TestIdleTimerClosesTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	cfg := testConfig()
	cfg.Tracker.IdleTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, nil, nil)
	defer h.stop()

	require.NoError(t, h.tr.ForceTripStart(context.Background()))
	assert.Eventually(t, func() bool {
		return h.tr.State().State == trip.StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	b := boundaries(h.items())
	require.Len(t, b, 2)
	assert.Equal(t, trip.CauseAutomatic, b[1].Cause)
}

func TestSamplesStayOrderedWithinTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, testConfig(), nil, nil)
	defer h.stop()

	require.NoError(t, h.tr.ForceTripStart(context.Background()))
	h.submit(accel(3*time.Second, 4))
	h.submit(accel(1*time.Second, 4)) // late delivery
	h.submit(accel(3*time.Second, 4))
	h.submit(accel(4*time.Second, 4))

	trips, err := trip.Partition(h.items())
	require.NoError(t, err)
	require.Len(t, trips, 1)
	s := trips[0].Samples
	require.Len(t, s, 3)
	for i := 1; i < len(s); i++ {
		assert.False(t, s[i].Timestamp.Before(s[i-1].Timestamp))
	}
	assert.Equal(t, uint64(1), h.tr.State().DiscardedSamples)
}

func TestGraceWindowAttachesRecentIdleSamples(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	cfg := testConfig()
	cfg.Tracker.GraceWindow = 30 * time.Second
	h := newHarness(t, cfg, nil, nil)
	defer h.stop()

	loc := func(at time.Duration) trip.Sample {
		return trip.Sample{Timestamp: t0.Add(at), Kind: trip.SensorLocation, Payload: []float64{52.37, 4.89, 0.5, 8}}
	}
	h.submit(loc(0))
	h.submit(loc(5 * time.Second))
	h.submit(loc(20 * time.Second))
	h.submit(loc(35 * time.Second))
	h.barrier()

	h.clock.Advance(40 * time.Second)
	require.NoError(t, h.tr.ForceTripStart(context.Background()))

	items := h.items()
	require.Equal(t, trip.ItemBoundary, items[0].Kind, "START comes first")
	trips, err := trip.Partition(items)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	require.Len(t, trips[0].Samples, 2)
	assert.Equal(t, t0.Add(20*time.Second), trips[0].Samples[0].Timestamp)
	assert.Equal(t, t0.Add(35*time.Second), trips[0].Samples[1].Timestamp)
	assert.Equal(t, uint64(2), h.tr.State().DiscardedSamples)
}

func TestGraceWindowNeverCrossesLastEnd(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	cfg := testConfig()
	cfg.Tracker.GraceWindow = time.Minute
	h := newHarness(t, cfg, nil, nil)
	defer h.stop()

	require.NoError(t, h.tr.ForceTripStart(context.Background()))
	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.tr.ForceTripEnd(context.Background()))

	// Stamped before the END: must not join the next trip.
	h.submit(trip.Sample{Timestamp: t0.Add(9 * time.Second), Kind: trip.SensorActivity, Payload: []float64{0.1}})
	h.submit(trip.Sample{Timestamp: t0.Add(12 * time.Second), Kind: trip.SensorActivity, Payload: []float64{0.1}})
	h.barrier()
	h.clock.Advance(5 * time.Second)
	require.NoError(t, h.tr.ForceTripStart(context.Background()))

	trips, err := trip.Partition(h.items())
	require.NoError(t, err)
	require.Len(t, trips, 2)
	require.Len(t, trips[1].Samples, 1)
	assert.Equal(t, t0.Add(12*time.Second), trips[1].Samples[0].Timestamp)
}

func TestTrackingErrorDegradesToIdle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, testConfig(), nil, nil)
	defer h.stop()

	require.NoError(t, h.tr.ForceTripStart(context.Background()))
	require.NoError(t, h.tr.ReportTrackingError(context.Background(), errors.New("feed disconnected")))

	v := h.tr.State()
	assert.Equal(t, trip.StateIdle, v.State)
	assert.False(t, v.SensorHealthy)
	b := boundaries(h.items())
	require.Len(t, b, 2)
	assert.Equal(t, trip.CauseAutomatic, b[1].Cause)
}

func TestRestartResumesOpenTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := buffer.NewMemory()

	h := newHarness(t, testConfig(), store, nil)
	require.NoError(t, h.tr.ForceTripStart(context.Background()))
	h.stop()

	sw := &sensor.Switch{}
	h2 := newHarness(t, testConfig(), store, sw)
	defer h2.stop()
	h2.barrier()

	v := h2.tr.State()
	assert.Equal(t, trip.StateTracking, v.State)
	assert.Equal(t, "trip-1", v.OpenTripID)
	assert.True(t, sw.Armed())

	h2.submit(accel(time.Second, 4))
	require.NoError(t, h2.tr.ForceTripEnd(context.Background()))

	trips, err := trip.Partition(h2.items())
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, "trip-1", trips[0].ID)
	assert.Len(t, trips[0].Samples, 1)
	assert.False(t, trips[0].Open())
}

func TestAtMostOneOpenTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	cfg := testConfig()
	cfg.Tracker.DebounceWindow = time.Second
	h := newHarness(t, cfg, nil, nil)
	defer h.stop()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch i % 3 {
			case 0:
				_ = h.tr.ForceTripStart(ctx)
			case 1:
				_ = h.tr.ForceTripEnd(ctx)
			default:
				_ = h.tr.Submit(ctx, accel(time.Duration(i)*time.Second, float64(i%5)))
			}
		}()
	}
	wg.Wait()

	_, err := trip.Partition(h.items())
	require.NoError(t, err)
}

type corruptStore struct {
	*buffer.Memory
}

func (c corruptStore) AppendTransition(context.Context, trip.Checkpoint, ...trip.Item) error {
	return fmt.Errorf("%w: page checksum mismatch", buffer.ErrBufferCorruption)
}

func TestBufferCorruptionHaltsCapture(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, testConfig(), corruptStore{buffer.NewMemory()}, nil)
	defer h.stop()

	err := h.tr.ForceTripStart(context.Background())
	require.ErrorIs(t, err, buffer.ErrBufferCorruption)
	assert.True(t, h.tr.State().CaptureHalted)
	assert.Equal(t, trip.StateIdle, h.tr.State().State)

	assert.ErrorIs(t, h.tr.ForceTripStart(context.Background()), ErrCaptureHalted)
}

func TestNonFiniteSampleIsDiscarded(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store, err := buffer.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "buffer.sqlite"))
	require.NoError(t, err)
	defer store.Close()

	cfg := testConfig()
	cfg.Tracker.GraceWindow = 30 * time.Second
	h := newHarness(t, cfg, store, nil)
	defer h.stop()

	h.submit(trip.Sample{Timestamp: t0, Kind: trip.SensorBattery, Payload: []float64{math.NaN(), 0}})
	h.submit(trip.Sample{Timestamp: t0.Add(time.Second), Kind: trip.SensorLocation, Payload: []float64{52.37, 4.89, math.Inf(1), 8}})
	h.submit(trip.Sample{Timestamp: t0.Add(2 * time.Second), Kind: trip.SensorBattery, Payload: []float64{80, 0}})
	h.barrier()
	assert.Equal(t, uint64(2), h.tr.State().DiscardedSamples)

	h.clock.Advance(5 * time.Second)
	require.NoError(t, h.tr.ForceTripStart(context.Background()))
	assert.Equal(t, trip.StateTracking, h.tr.State().State)

	trips, err := trip.Partition(h.items())
	require.NoError(t, err)
	require.Len(t, trips, 1)
	require.Len(t, trips[0].Samples, 1)
	assert.Equal(t, []float64{80, 0}, trips[0].Samples[0].Payload)
}

// failingEndStore rejects the next failEnds END writes.
type failingEndStore struct {
	*buffer.Memory
	failEnds atomic.Int32
}

func (s *failingEndStore) AppendTransition(ctx context.Context, cp trip.Checkpoint, items ...trip.Item) error {
	if cp.State == trip.StateIdle && s.failEnds.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return s.Memory.AppendTransition(ctx, cp, items...)
}

func TestFailedEndWriteKeepsTripOpen(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := &failingEndStore{Memory: buffer.NewMemory()}
	h := newHarness(t, testConfig(), store, nil)
	defer h.stop()

	ctx := context.Background()
	require.NoError(t, h.tr.ForceTripStart(ctx))
	store.failEnds.Store(1)

	require.Error(t, h.tr.ForceTripEnd(ctx))
	v := h.tr.State()
	assert.Equal(t, trip.StateTracking, v.State)
	assert.Equal(t, "trip-1", v.OpenTripID)
	assert.True(t, h.sensors.Armed(), "sensors re-armed for the still open trip")

	cp, ok, err := store.Checkpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "trip-1", cp.OpenTripID, "checkpoint still names the open trip")

	require.NoError(t, h.tr.ForceTripEnd(ctx))
	require.NoError(t, h.tr.ForceTripStart(ctx))

	trips, err := trip.Partition(h.items())
	require.NoError(t, err)
	require.Len(t, trips, 2)
	require.NotNil(t, trips[0].End)
	assert.Equal(t, "trip-1", trips[0].ID)
}

func TestFailedAutomaticEndIsRetried(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := &failingEndStore{Memory: buffer.NewMemory()}
	cfg := testConfig()
	cfg.Tracker.IdleTimeout = 30 * time.Millisecond
	store.failEnds.Store(1)
	h := newHarness(t, cfg, store, nil)
	defer h.stop()

	require.NoError(t, h.tr.ForceTripStart(context.Background()))
	require.Eventually(t, func() bool {
		return h.tr.State().State == trip.StateIdle
	}, 5*time.Second, 5*time.Millisecond)
	assert.Less(t, store.failEnds.Load(), int32(0), "first END write failed")

	b := boundaries(h.items())
	require.Len(t, b, 2)
	assert.Equal(t, trip.BoundaryEnd, b[1].Kind)
	assert.Equal(t, trip.CauseAutomatic, b[1].Cause)
}

func TestStopTrackingClosesTripAndPersists(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := buffer.NewMemory()
	sw := &sensor.Switch{}
	h := newHarness(t, testConfig(), store, sw)
	ctx := context.Background()

	require.NoError(t, h.tr.ForceTripStart(ctx))
	require.NoError(t, h.tr.StopTracking(ctx))
	v := h.tr.State()
	assert.Equal(t, trip.StateIdle, v.State)
	assert.True(t, v.TrackingStopped)
	assert.False(t, sw.Armed())

	assert.ErrorIs(t, h.tr.ForceTripStart(ctx), ErrTrackingStopped)
	require.NoError(t, h.tr.ForceTripEnd(ctx), "nothing to end")
	require.NoError(t, h.tr.StopTracking(ctx), "already stopped")

	// Sustained motion does not open a trip while stopped.
	h.submit(accel(0, 4))
	h.submit(accel(5*time.Second, 4))
	h.barrier()
	assert.Equal(t, trip.StateIdle, h.tr.State().State)
	assert.Equal(t, uint64(2), h.tr.State().DiscardedSamples)
	h.stop()

	h2 := newHarness(t, testConfig(), store, nil)
	defer h2.stop()
	h2.barrier()
	require.True(t, h2.tr.State().TrackingStopped, "switch survives restart")

	require.NoError(t, h2.tr.StartTracking(ctx))
	assert.False(t, h2.tr.State().TrackingStopped)
	require.NoError(t, h2.tr.ForceTripStart(ctx))

	items := h2.items()
	b := boundaries(items)
	require.Len(t, b, 3)
	assert.Equal(t, trip.BoundaryEnd, b[1].Kind)
	assert.Equal(t, trip.CauseForced, b[1].Cause)

	var events []string
	for _, it := range items {
		if it.Kind == trip.ItemTransition {
			events = append(events, it.Transition.Event)
		}
	}
	assert.Equal(t, []string{"force_start", "stop_tracking", "start_tracking", "force_start"}, events)
}

func TestTransitionsCarryBatteryReading(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, testConfig(), nil, nil)
	defer h.stop()

	h.submit(trip.Sample{Timestamp: t0, Kind: trip.SensorBattery, Payload: []float64{64, 1}})
	h.barrier()
	require.NoError(t, h.tr.ForceTripStart(context.Background()))

	var got []float64
	for _, it := range h.items() {
		if it.Kind == trip.ItemTransition {
			got = it.Transition.Battery
		}
	}
	assert.Equal(t, []float64{64, 1}, got)
}

func TestCommandsAfterStopFail(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, testConfig(), nil, nil)
	h.stop()
	assert.ErrorIs(t, h.tr.ForceTripStart(context.Background()), ErrStopped)
}
