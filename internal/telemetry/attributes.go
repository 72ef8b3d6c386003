// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by sync and control spans.
const (
	SyncBatchIDKey   = "sync.batch_id"
	SyncItemsKey     = "sync.items"
	SyncAttemptKey   = "sync.attempt"
	SyncTriggerKey   = "sync.trigger"
	SyncSchemeKey    = "sync.scheme"
	SyncCodecKey     = "sync.codec"
	SyncBytesKey     = "sync.bytes"
	SyncOutcomeKey   = "sync.outcome"
	ConfigVersionKey = "config.version"

	TripIDKey = "trip.id"
	TripCause = "trip.cause"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// BatchAttributes describes one outbound batch.
func BatchAttributes(batchID string, items int, scheme, codec string, configVersion uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SyncBatchIDKey, batchID),
		attribute.Int(SyncItemsKey, items),
		attribute.String(SyncSchemeKey, scheme),
		attribute.String(SyncCodecKey, codec),
		attribute.Int64(ConfigVersionKey, int64(configVersion)),
	}
}

// TripAttributes describes a forced trip boundary.
func TripAttributes(tripID, cause string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(TripIDKey, tripID),
		attribute.String(TripCause, cause),
	}
}

// ErrorAttributes tags a failed span.
func ErrorAttributes(err error, errorType string) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
