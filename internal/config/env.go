// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	xglog "github.com/ManuGH/tripsync/internal/log"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "TRIPSYNC_"

// ParseString reads an environment variable or returns the default value.
func ParseString(key, defaultValue string) string {
	logger := xglog.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		logger.Debug().Str("key", key).Str("source", "environment").Msg("using environment variable")
		return v
	}
	return defaultValue
}

// ParseInt reads an integer from an environment variable or returns the default value.
// Malformed values are logged and ignored.
func ParseInt(key string, defaultValue int) int {
	logger := xglog.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		logger.Warn().Err(err).Str("key", key).Str("value", v).Int("default", defaultValue).
			Msg("invalid integer in environment variable, using default")
		return defaultValue
	}
	logger.Debug().Str("key", key).Int("value", i).Str("source", "environment").Msg("using environment variable")
	return i
}

// ParseDuration reads a Go duration from an environment variable or returns the default value.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := xglog.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		logger.Warn().Err(err).Str("key", key).Str("value", v).Dur("default", defaultValue).
			Msg("invalid duration in environment variable, using default")
		return defaultValue
	}
	logger.Debug().Str("key", key).Dur("value", d).Str("source", "environment").Msg("using environment variable")
	return d
}

// ParseFloat reads a float from an environment variable or returns the default value.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := xglog.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		logger.Warn().Err(err).Str("key", key).Str("value", v).Float64("default", defaultValue).
			Msg("invalid float in environment variable, using default")
		return defaultValue
	}
	logger.Debug().Str("key", key).Float64("value", f).Str("source", "environment").Msg("using environment variable")
	return f
}

// ParseBool reads a boolean from an environment variable or returns the default value.
func ParseBool(key string, defaultValue bool) bool {
	logger := xglog.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		logger.Warn().Err(err).Str("key", key).Str("value", v).Bool("default", defaultValue).
			Msg("invalid boolean in environment variable, using default")
		return defaultValue
	}
	return b
}

// mergeEnv applies TRIPSYNC_* overrides on top of cfg.
func mergeEnv(cfg *Config) {
	p := EnvPrefix
	cfg.DeviceID = ParseString(p+"DEVICE_ID", cfg.DeviceID)
	cfg.DataDir = ParseString(p+"DATA_DIR", cfg.DataDir)
	cfg.LogLevel = ParseString(p+"LOG_LEVEL", cfg.LogLevel)

	t := &cfg.Tracker
	t.SamplingInterval = ParseDuration(p+"SAMPLING_INTERVAL", t.SamplingInterval)
	t.IdleTimeout = ParseDuration(p+"IDLE_TIMEOUT", t.IdleTimeout)
	t.DebounceWindow = ParseDuration(p+"DEBOUNCE_WINDOW", t.DebounceWindow)
	t.GraceWindow = ParseDuration(p+"GRACE_WINDOW", t.GraceWindow)
	t.ForceDedupWindow = ParseDuration(p+"FORCE_DEDUP_WINDOW", t.ForceDedupWindow)
	t.MotionThreshold = ParseFloat(p+"MOTION_THRESHOLD", t.MotionThreshold)
	t.SpeedThreshold = ParseFloat(p+"SPEED_THRESHOLD", t.SpeedThreshold)
	t.ActivityThreshold = ParseFloat(p+"ACTIVITY_THRESHOLD", t.ActivityThreshold)

	s := &cfg.Sync
	s.Endpoint = ParseString(p+"SYNC_ENDPOINT", s.Endpoint)
	s.AuthToken = ParseString(p+"SYNC_AUTH_TOKEN", s.AuthToken)
	s.BatchSize = ParseInt(p+"SYNC_BATCH_SIZE", s.BatchSize)
	s.MaxRetries = ParseInt(p+"SYNC_MAX_RETRIES", s.MaxRetries)
	s.Interval = ParseDuration(p+"SYNC_INTERVAL", s.Interval)
	s.MaxFailedCycles = ParseInt(p+"SYNC_MAX_FAILED_CYCLES", s.MaxFailedCycles)
	s.Codec = ParseString(p+"SYNC_CODEC", s.Codec)
	s.Compression = ParseString(p+"SYNC_COMPRESSION", s.Compression)

	cfg.Buffer.Backend = ParseString(p+"BUFFER_BACKEND", cfg.Buffer.Backend)
	cfg.Sensor.Feed = ParseString(p+"SENSOR_FEED", cfg.Sensor.Feed)
	cfg.Control.ListenAddr = ParseString(p+"LISTEN_ADDR", cfg.Control.ListenAddr)
	cfg.Control.MetricsAddr = ParseString(p+"METRICS_ADDR", cfg.Control.MetricsAddr)

	cfg.Telemetry.Enabled = ParseBool(p+"TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = ParseString(p+"TELEMETRY_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = ParseString(p+"TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
}
