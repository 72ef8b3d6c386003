// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"time"

	"github.com/ManuGH/tripsync/internal/validate"
)

// EndpointSchemes lists the transports the sync engine can dial.
var EndpointSchemes = []string{"http", "https", "mqtt", "kafka", "redis"}

// Validate checks cfg and returns an error wrapping ErrConfigInvalid.
func Validate(cfg Config) error {
	v := validate.New()

	if cfg.Buffer.Backend != BackendMemory {
		v.NotEmpty("DataDir", cfg.DataDir)
	}
	v.LogLevel("LogLevel", cfg.LogLevel)

	t := cfg.Tracker
	v.DurationRange("Tracker.SamplingInterval", t.SamplingInterval, 10*time.Millisecond, 10*time.Minute)
	v.DurationRange("Tracker.IdleTimeout", t.IdleTimeout, time.Second, 24*time.Hour)
	v.DurationRange("Tracker.DebounceWindow", t.DebounceWindow, 0, t.IdleTimeout)
	v.DurationRange("Tracker.GraceWindow", t.GraceWindow, 0, MaxGraceWindow)
	v.DurationRange("Tracker.ForceDedupWindow", t.ForceDedupWindow, 0, time.Minute)
	if t.MotionThreshold <= 0 {
		v.AddError("Tracker.MotionThreshold", "must be positive", t.MotionThreshold)
	}
	if t.SpeedThreshold <= 0 {
		v.AddError("Tracker.SpeedThreshold", "must be positive", t.SpeedThreshold)
	}
	v.FloatRange("Tracker.ActivityThreshold", t.ActivityThreshold, 0.01, 1)
	v.Range("Tracker.QueueSize", t.QueueSize, 1, 1<<20)

	s := cfg.Sync
	if s.Endpoint != "" {
		v.URL("Sync.Endpoint", s.Endpoint, EndpointSchemes)
	}
	v.Range("Sync.BatchSize", s.BatchSize, 1, 10000)
	v.Range("Sync.MaxRetries", s.MaxRetries, 0, 20)
	v.DurationRange("Sync.Interval", s.Interval, time.Second, 24*time.Hour)
	v.PositiveDuration("Sync.RetryBaseDelay", s.RetryBaseDelay)
	if s.RetryMaxDelay < s.RetryBaseDelay {
		v.AddError("Sync.RetryMaxDelay", fmt.Sprintf("must be >= RetryBaseDelay (%s)", s.RetryBaseDelay), s.RetryMaxDelay)
	}
	v.PositiveDuration("Sync.AttemptTimeout", s.AttemptTimeout)
	v.NonNegative("Sync.MaxFailedCycles", s.MaxFailedCycles)
	v.OneOf("Sync.Codec", s.Codec, []string{CodecJSON, CodecCBOR})
	v.OneOf("Sync.Compression", s.Compression, []string{CompressionNone, CompressionZstd})

	v.OneOf("Buffer.Backend", cfg.Buffer.Backend, []string{BackendSQLite, BackendBadger, BackendMemory})

	if cfg.Sensor.Feed != "" {
		v.URL("Sensor.Feed", cfg.Sensor.Feed, []string{"mqtt", "tcp", "ssl", "ws"})
	}

	v.NonNegative("Control.RateLimit", cfg.Control.RateLimit)

	if cfg.Telemetry.Enabled {
		v.OneOf("Telemetry.Exporter", cfg.Telemetry.Exporter, []string{"grpc", "http", "noop"})
		v.FloatRange("Telemetry.SamplingRate", cfg.Telemetry.SamplingRate, 0, 1)
	}

	if err := v.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	return nil
}
