// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_sync_batches_total",
		Help: "Sync batches by final status (acked, requeued, quarantined)",
	}, []string{"status"})

	SyncItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_sync_items_total",
		Help: "Buffered items by final batch status",
	}, []string{"status"})

	SyncRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripsync_sync_retries_total",
		Help: "Transmission retries after a transient failure",
	})

	SyncCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_sync_cycles_total",
		Help: "Sync cycles by trigger and outcome",
	}, []string{"trigger", "outcome"})

	SyncSendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tripsync_sync_send_duration_seconds",
		Help:    "Duration of a single transmission attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"scheme", "result"})

	SyncLastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tripsync_sync_last_success_timestamp_seconds",
		Help: "Unix time of the last acknowledged batch",
	})

	BufferItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tripsync_buffer_items",
		Help: "Buffered items by status (pending, in_flight, quarantined)",
	}, []string{"status"})
)

// RecordBatch counts a batch outcome and its item count.
func RecordBatch(status string, items int) {
	SyncBatchesTotal.WithLabelValues(status).Inc()
	SyncItemsTotal.WithLabelValues(status).Add(float64(items))
}

// RecordRetry counts one retry.
func RecordRetry() { SyncRetriesTotal.Inc() }

// RecordCycle counts a finished sync cycle.
func RecordCycle(trigger, outcome string) {
	SyncCyclesTotal.WithLabelValues(trigger, outcome).Inc()
}

// ObserveSend records one transmission attempt.
func ObserveSend(scheme, result string, d time.Duration) {
	SyncSendDuration.WithLabelValues(scheme, result).Observe(d.Seconds())
}

// SetLastSuccess records the time of the last ACK.
func SetLastSuccess(t time.Time) {
	SyncLastSuccess.Set(float64(t.Unix()))
}

// SetBufferItems publishes buffer occupancy.
func SetBufferItems(pending, inFlight, quarantined int) {
	BufferItems.WithLabelValues("pending").Set(float64(pending))
	BufferItems.WithLabelValues("in_flight").Set(float64(inFlight))
	BufferItems.WithLabelValues("quarantined").Set(float64(quarantined))
}
