// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package trip holds the data model shared by the tracker, the event buffer
// and the sync engine.
package trip

import (
	"math"
	"time"
)

// State is the tracker state.
type State string

const (
	StateIdle     State = "IDLE"
	StateTracking State = "TRACKING"
)

// SensorKind identifies the source of a Sample.
type SensorKind string

const (
	SensorAccelerometer SensorKind = "accelerometer"
	SensorLocation      SensorKind = "location"
	SensorActivity      SensorKind = "activity"
	SensorBattery       SensorKind = "battery"
)

// Valid reports whether k is a known sensor kind.
func (k SensorKind) Valid() bool {
	switch k {
	case SensorAccelerometer, SensorLocation, SensorActivity, SensorBattery:
		return true
	default:
		return false
	}
}

// Sample is one timestamped sensor reading. Payload layout per kind:
//   - accelerometer: [x, y, z] in m/s², gravity removed
//   - location:      [lat, lon, speed m/s, accuracy m]
//   - activity:      [moving confidence 0..1]
//   - battery:       [level 0..100, charging 0|1]
type Sample struct {
	Timestamp time.Time  `json:"ts" cbor:"ts"`
	Kind      SensorKind `json:"sensor" cbor:"sensor"`
	Payload   []float64  `json:"payload" cbor:"payload"`
}

// Valid reports whether s can be recorded: a known kind, a timestamp and
// only finite payload values.
func (s Sample) Valid() bool {
	if !s.Kind.Valid() || s.Timestamp.IsZero() {
		return false
	}
	for _, v := range s.Payload {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Motion thresholds are kind specific; the tracker compares each reading
// against the threshold for its kind.
type Motion struct {
	Value float64
	Kind  SensorKind
}

// MotionSignal extracts the motion value carried by the sample.
// ok is false for kinds that carry no motion information.
func (s Sample) MotionSignal() (Motion, bool) {
	switch s.Kind {
	case SensorAccelerometer:
		if len(s.Payload) == 0 {
			return Motion{}, false
		}
		var sum float64
		for _, v := range s.Payload {
			sum += v * v
		}
		return Motion{Value: math.Sqrt(sum), Kind: s.Kind}, true
	case SensorLocation:
		if len(s.Payload) < 3 {
			return Motion{}, false
		}
		return Motion{Value: s.Payload[2], Kind: s.Kind}, true
	case SensorActivity:
		if len(s.Payload) < 1 {
			return Motion{}, false
		}
		return Motion{Value: s.Payload[0], Kind: s.Kind}, true
	default:
		return Motion{}, false
	}
}

// BoundaryKind marks the start or the end of a trip.
type BoundaryKind string

const (
	BoundaryStart BoundaryKind = "START"
	BoundaryEnd   BoundaryKind = "END"
)

// Cause records why a boundary was emitted.
type Cause string

const (
	CauseAutomatic         Cause = "AUTOMATIC"
	CauseForced            Cause = "FORCED"
	CauseAutomaticOverride Cause = "AUTOMATIC_OVERRIDE"
)

// Boundary is a START or END marker. Only the tracker creates them.
type Boundary struct {
	Timestamp time.Time    `json:"ts" cbor:"ts"`
	Kind      BoundaryKind `json:"kind" cbor:"kind"`
	Cause     Cause        `json:"cause" cbor:"cause"`
	TripID    string       `json:"trip_id" cbor:"trip_id"`
}

// Transition is the audit record written for every applied state change.
// Battery holds the latest battery payload seen before the change.
type Transition struct {
	Timestamp time.Time `json:"ts" cbor:"ts"`
	From      State     `json:"from" cbor:"from"`
	To        State     `json:"to" cbor:"to"`
	Event     string    `json:"event" cbor:"event"`
	Battery   []float64 `json:"battery,omitempty" cbor:"battery,omitempty"`
}

// Trip is a contiguous interval of motion bounded by START/END.
type Trip struct {
	ID      string
	Start   Boundary
	End     *Boundary
	Samples []Sample
}

// Open reports whether the trip has not been closed yet.
func (t *Trip) Open() bool { return t.End == nil }

// Checkpoint is the persisted tracker state. It is written in the same
// buffer transaction as the boundary that produced it.
type Checkpoint struct {
	State         State     `json:"state"`
	OpenTripID    string    `json:"open_trip_id,omitempty"`
	TripStartedAt time.Time `json:"trip_started_at,omitzero"`
	StartCause    Cause     `json:"start_cause,omitempty"`
	LastEndAt     time.Time `json:"last_end_at,omitzero"`
	// TrackingStopped is set while capture is switched off by the user.
	TrackingStopped bool `json:"tracking_stopped,omitempty"`
}

// Snapshot is the derived, read-only view returned by GetState.
type Snapshot struct {
	State              State      `json:"state"`
	OpenTripID         string     `json:"open_trip_id,omitempty"`
	PendingBatchCount  int        `json:"pending_batch_count"`
	PendingItems       int        `json:"pending_items"`
	InFlightItems      int        `json:"in_flight_items"`
	QuarantinedItems   int        `json:"quarantined_items"`
	LastSyncAt         *time.Time `json:"last_sync_at,omitempty"`
	LastSyncError      string     `json:"last_sync_error,omitempty"`
	SensorHealthy      bool       `json:"sensor_healthy"`
	CaptureHalted      bool       `json:"capture_halted"`
	TrackingStopped    bool       `json:"tracking_stopped"`
	ConfigVersion      uint64     `json:"config_version"`
	DiscardedSamples   uint64     `json:"discarded_samples"`
	QuarantinedBatches int        `json:"quarantined_batches"`
}
