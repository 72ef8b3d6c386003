// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TrackerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_tracker_transitions_total",
		Help: "Applied tracker transitions by event",
	}, []string{"event"})

	TripBoundariesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_trip_boundaries_total",
		Help: "Emitted trip boundaries by kind and cause",
	}, []string{"kind", "cause"})

	SamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_samples_total",
		Help: "Sensor samples by outcome (buffered, grace, discarded)",
	}, []string{"outcome", "reason"})

	TrackerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tripsync_tracker_tracking",
		Help: "1 while a trip is open, 0 while idle",
	})

	SensorHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tripsync_sensor_healthy",
		Help: "0 after a failed sensor arm/disarm until the next success",
	})
)

// RecordTransition counts an applied state change.
func RecordTransition(event string) {
	TrackerTransitionsTotal.WithLabelValues(event).Inc()
}

// RecordBoundary counts an emitted START/END boundary.
func RecordBoundary(kind, cause string) {
	TripBoundariesTotal.WithLabelValues(kind, cause).Inc()
}

// RecordSample counts a sample outcome. reason is only set for discards.
func RecordSample(outcome, reason string) {
	SamplesTotal.WithLabelValues(outcome, reason).Inc()
}

// SetTracking reflects the tracker state.
func SetTracking(tracking bool) {
	if tracking {
		TrackerState.Set(1)
		return
	}
	TrackerState.Set(0)
}

// SetSensorHealthy reflects sensor subsystem health.
func SetSensorHealthy(ok bool) {
	if ok {
		SensorHealthy.Set(1)
		return
	}
	SensorHealthy.Set(0)
}
