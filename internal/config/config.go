// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config provides configuration management for tripsync.
package config

import "time"

// MaxGraceWindow bounds how far back IDLE samples may be attached to a new trip.
const MaxGraceWindow = 5 * time.Minute

// Buffer backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Wire codecs and compressions.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"

	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Config is the effective runtime configuration. Values are read-only to
// every component; replacing them goes through Holder.Apply, which stamps
// a new Version.
type Config struct {
	// Version is assigned by the Holder; batches record the version active
	// when they were formed.
	Version uint64

	DeviceID string
	DataDir  string
	LogLevel string

	Tracker   TrackerConfig
	Sync      SyncConfig
	Buffer    BufferConfig
	Sensor    SensorConfig
	Control   ControlConfig
	Telemetry TelemetryConfig
}

// TrackerConfig tunes trip segmentation.
type TrackerConfig struct {
	SamplingInterval  time.Duration
	IdleTimeout       time.Duration
	DebounceWindow    time.Duration
	GraceWindow       time.Duration
	ForceDedupWindow  time.Duration
	MotionThreshold   float64 // accelerometer magnitude, m/s²
	SpeedThreshold    float64 // location speed, m/s
	ActivityThreshold float64 // activity confidence, 0..1
	QueueSize         int
}

// SyncConfig tunes delivery to the remote collection service.
type SyncConfig struct {
	Endpoint  string
	AuthToken string
	BatchSize int
	// MaxRetries is the send budget of a batch per cycle.
	MaxRetries     int
	Interval       time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	AttemptTimeout time.Duration
	// MaxFailedCycles quarantines a batch after that many exhausted cycles.
	// Zero keeps requeueing it forever.
	MaxFailedCycles int
	Codec           string
	Compression     string
}

// BufferConfig selects the durable event buffer backend.
type BufferConfig struct {
	Backend string
}

// SensorConfig selects the sensor feed. Empty Feed means samples are only
// delivered in-process.
type SensorConfig struct {
	Feed string
}

// ControlConfig configures the local control API and the metrics listener.
type ControlConfig struct {
	ListenAddr  string
	MetricsAddr string
	RateLimit   int
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool
	Exporter     string
	Endpoint     string
	SamplingRate float64
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DataDir:  "/var/lib/tripsync",
		LogLevel: "info",
		Tracker: TrackerConfig{
			SamplingInterval:  time.Second,
			IdleTimeout:       5 * time.Minute,
			DebounceWindow:    30 * time.Second,
			GraceWindow:       0,
			ForceDedupWindow:  2 * time.Second,
			MotionThreshold:   1.5,
			SpeedThreshold:    2.5,
			ActivityThreshold: 0.6,
			QueueSize:         1024,
		},
		Sync: SyncConfig{
			BatchSize:       100,
			MaxRetries:      5,
			Interval:        5 * time.Minute,
			RetryBaseDelay:  time.Second,
			RetryMaxDelay:   time.Minute,
			AttemptTimeout:  30 * time.Second,
			MaxFailedCycles: 3,
			Codec:           CodecJSON,
			Compression:     CompressionNone,
		},
		Buffer: BufferConfig{Backend: BackendSQLite},
		Control: ControlConfig{
			ListenAddr: "127.0.0.1:8087",
			RateLimit:  60,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "noop",
			SamplingRate: 1.0,
		},
	}
}
