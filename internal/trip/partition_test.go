// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package trip

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func accel(at time.Duration, x, y, z float64) Sample {
	return Sample{Timestamp: t0.Add(at), Kind: SensorAccelerometer, Payload: []float64{x, y, z}}
}

func TestPartition_BracketsSamples(t *testing.T) {
	items := []Item{
		BoundaryItem(Boundary{Timestamp: t0, Kind: BoundaryStart, Cause: CauseForced, TripID: "t1"}),
		SampleItem("t1", accel(time.Second, 1, 0, 0)),
		TransitionItem("t1", Transition{Timestamp: t0, From: StateIdle, To: StateTracking, Event: "force_start"}),
		SampleItem("t1", accel(2*time.Second, 0, 1, 0)),
		BoundaryItem(Boundary{Timestamp: t0.Add(3 * time.Second), Kind: BoundaryEnd, Cause: CauseForced, TripID: "t1"}),
		BoundaryItem(Boundary{Timestamp: t0.Add(4 * time.Second), Kind: BoundaryStart, Cause: CauseAutomatic, TripID: "t2"}),
	}

	trips, err := Partition(items)
	require.NoError(t, err)
	require.Len(t, trips, 2)
	assert.Equal(t, "t1", trips[0].ID)
	assert.Len(t, trips[0].Samples, 2)
	assert.False(t, trips[0].Open())
	assert.True(t, trips[1].Open())
}

func TestPartition_RejectsOverlap(t *testing.T) {
	items := []Item{
		BoundaryItem(Boundary{Timestamp: t0, Kind: BoundaryStart, TripID: "t1"}),
		BoundaryItem(Boundary{Timestamp: t0, Kind: BoundaryStart, TripID: "t2"}),
	}
	_, err := Partition(items)
	assert.ErrorIs(t, err, ErrOverlappingTrips)
}

func TestPartition_RejectsOrphans(t *testing.T) {
	_, err := Partition([]Item{SampleItem("t1", accel(0, 1, 1, 1))})
	assert.ErrorIs(t, err, ErrOrphanSample)

	_, err = Partition([]Item{BoundaryItem(Boundary{Kind: BoundaryEnd, TripID: "t1"})})
	assert.ErrorIs(t, err, ErrOrphanBoundary)
}

func TestSample_MotionSignal(t *testing.T) {
	m, ok := accel(0, 3, 4, 0).MotionSignal()
	require.True(t, ok)
	assert.InDelta(t, 5.0, m.Value, 1e-9)

	m, ok = Sample{Kind: SensorLocation, Payload: []float64{48.1, 11.5, 7.5, 10}}.MotionSignal()
	require.True(t, ok)
	assert.Equal(t, 7.5, m.Value)

	_, ok = Sample{Kind: SensorBattery, Payload: []float64{80, 0}}.MotionSignal()
	assert.False(t, ok)

	_, ok = Sample{Kind: SensorLocation, Payload: []float64{48.1}}.MotionSignal()
	assert.False(t, ok)
}

func TestSample_Valid(t *testing.T) {
	ts := t0
	tests := []struct {
		name string
		s    Sample
		want bool
	}{
		{"ok", Sample{Timestamp: ts, Kind: SensorBattery, Payload: []float64{80, 0}}, true},
		{"no payload", Sample{Timestamp: ts, Kind: SensorBattery}, true},
		{"unknown kind", Sample{Timestamp: ts, Kind: "thermometer"}, false},
		{"zero time", Sample{Kind: SensorBattery, Payload: []float64{80, 0}}, false},
		{"nan", Sample{Timestamp: ts, Kind: SensorBattery, Payload: []float64{math.NaN(), 0}}, false},
		{"inf", Sample{Timestamp: ts, Kind: SensorLocation, Payload: []float64{1, 2, math.Inf(1), 4}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.s.Valid())
		})
	}
}

func TestItem_Valid(t *testing.T) {
	assert.True(t, SampleItem("t", accel(0, 0, 0, 1)).Valid())
	assert.False(t, Item{Kind: ItemSample}.Valid())
	assert.False(t, Item{Kind: "bogus"}.Valid())
}
