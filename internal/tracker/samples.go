// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tracker

import (
	"context"
	"slices"
	"time"

	"github.com/ManuGH/tripsync/internal/config"
	xglog "github.com/ManuGH/tripsync/internal/log"
	"github.com/ManuGH/tripsync/internal/metrics"
	"github.com/ManuGH/tripsync/internal/trip"
)

// aboveThreshold compares the sample's motion signal with the threshold for
// its kind. ok is false for samples that carry no motion information.
func aboveThreshold(s trip.Sample, cfg config.TrackerConfig) (above, ok bool) {
	m, ok := s.MotionSignal()
	if !ok {
		return false, false
	}
	switch m.Kind {
	case trip.SensorAccelerometer:
		return m.Value >= cfg.MotionThreshold, true
	case trip.SensorLocation:
		return m.Value >= cfg.SpeedThreshold, true
	case trip.SensorActivity:
		return m.Value >= cfg.ActivityThreshold, true
	}
	return false, false
}

func (t *Tracker) onSample(ctx context.Context, s trip.Sample) {
	if !s.Valid() {
		t.discard("invalid")
		return
	}
	if s.Kind == trip.SensorBattery {
		t.battery = slices.Clone(s.Payload)
	}
	if t.halted {
		t.discard("capture_halted")
		return
	}
	if t.trackingOff {
		t.discard("tracking_stopped")
		return
	}

	cfg := t.cfg.Get().Tracker
	above, signal := aboveThreshold(s, cfg)

	if t.open == nil {
		t.onIdleSample(ctx, s, cfg, above, signal)
		return
	}

	o := t.open
	if s.Timestamp.Before(o.lastSampleAt) {
		t.discard("out_of_order")
		return
	}
	if err := t.store.Append(ctx, trip.SampleItem(o.id, s)); err != nil {
		t.bufferFailed(err)
		t.discard("buffer_error")
		return
	}
	o.samples++
	o.lastSampleAt = s.Timestamp
	metrics.RecordSample("buffered", "")

	if !signal {
		return
	}
	if above {
		t.lastMotionAt = s.Timestamp
		t.resetIdleTimer()
		return
	}
	// Sample time catches stillness even when wall-clock timers lag (replayed
	// or batched feeds).
	if cfg.IdleTimeout > 0 && s.Timestamp.Sub(t.lastMotionAt) >= cfg.IdleTimeout {
		_ = t.fire(ctx, EventStillnessTimeout, t.endTimestamp(s.Timestamp))
	}
}

func (t *Tracker) onIdleSample(ctx context.Context, s trip.Sample, cfg config.TrackerConfig, above, signal bool) {
	if signal && !above {
		t.debounceStart = time.Time{}
	}
	if signal && above && t.debounceStart.IsZero() {
		t.debounceStart = s.Timestamp
	}

	if !signal || !above || s.Timestamp.Sub(t.debounceStart) < cfg.DebounceWindow {
		t.holdGrace(s, cfg.GraceWindow)
		return
	}

	if err := t.fire(ctx, EventMotionSustained, t.debounceStart); err != nil {
		// Arm failure: stay IDLE and require a fresh debounce window.
		t.debounceStart = time.Time{}
		t.holdGrace(s, cfg.GraceWindow)
		return
	}
	// The triggering sample is the first one of the new trip.
	t.onSample(ctx, s)
}

// holdGrace keeps s in the pre-trip ring, or discards it when no grace
// window is configured.
func (t *Tracker) holdGrace(s trip.Sample, window time.Duration) {
	if window <= 0 {
		t.discard("idle")
		return
	}
	if window > config.MaxGraceWindow {
		window = config.MaxGraceWindow
	}
	t.grace = append(t.grace, s)

	cutoff := s.Timestamp.Add(-window)
	drop := 0
	for drop < len(t.grace) {
		g := t.grace[drop]
		if g.Timestamp.Before(cutoff) || !g.Timestamp.After(t.lastEndAt) || len(t.grace)-drop > graceCap {
			drop++
			continue
		}
		break
	}
	for range drop {
		t.discard("grace_expired")
	}
	t.grace = t.grace[drop:]
	metrics.RecordSample("grace", "")
}

// graceFor returns the held samples that fall inside the grace window
// before at and after the last END, in capture order.
func (t *Tracker) graceFor(at time.Time) []trip.Sample {
	window := t.cfg.Get().Tracker.GraceWindow
	if window <= 0 || len(t.grace) == 0 {
		return nil
	}
	if window > config.MaxGraceWindow {
		window = config.MaxGraceWindow
	}
	cutoff := at.Add(-window)
	var out []trip.Sample
	for _, g := range t.grace {
		if g.Timestamp.Before(cutoff) || !g.Timestamp.After(t.lastEndAt) {
			continue
		}
		if n := len(out); n > 0 && g.Timestamp.Before(out[n-1].Timestamp) {
			continue
		}
		out = append(out, g)
	}
	return out
}

// dropGrace empties the ring after a START; samples not attached are
// counted as discarded.
func (t *Tracker) dropGrace(attached int) {
	for range len(t.grace) - attached {
		t.discard("grace_expired")
	}
	t.grace = t.grace[:0]
}

func (t *Tracker) discard(reason string) {
	n := t.discarded.Add(1)
	metrics.RecordSample("discarded", reason)
	t.discardLog.Do(func() {
		t.logger.Debug().
			Str(xglog.FieldEvent, "tracker.sample_discarded").
			Str("reason", reason).
			Uint64("total", n).
			Msg("sample discarded")
	})
}
