// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldTripID    = "trip_id"
	FieldBatchID   = "batch_id"
	FieldDeviceID  = "device_id"
	FieldRequestID = "request_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldCause     = "cause"
	FieldAttempt   = "attempt"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Config fields
	FieldConfigVersion = "config_version"
	FieldEndpoint      = "endpoint"
	FieldPath          = "path"
)
