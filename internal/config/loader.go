// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader builds a Config with precedence ENV > file > defaults.
type Loader struct {
	configPath string
}

// NewLoader creates a loader. An empty path skips the file layer.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Path returns the configured file path.
func (l *Loader) Path() string { return l.configPath }

// Load assembles and validates the configuration.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
		if err := mergeFile(&cfg, fileCfg); err != nil {
			return Config{}, fmt.Errorf("merge config file: %w", err)
		}
	}

	mergeEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l *Loader) loadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return ParseFile(data)
}

// ParseFile decodes YAML strictly. Unknown keys are reported as
// ErrUnknownConfigField.
func ParseFile(data []byte) (*FileConfig, error) {
	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // Reject unknown fields

	if err := dec.Decode(&fileCfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &FileConfig{}, nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return nil, fmt.Errorf("%w: %w", ErrUnknownConfigField, err)
		}
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	return &fileCfg, nil
}

// FromFile overlays fc on the defaults. The result is not validated.
func FromFile(fc *FileConfig) (Config, error) {
	cfg := Defaults()
	if fc == nil {
		return cfg, nil
	}
	if err := mergeFile(&cfg, fc); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	return cfg, nil
}

func mergeFile(cfg *Config, src *FileConfig) error {
	var errs []error
	dur := func(field, raw string, dst *time.Duration) {
		if raw == "" {
			return
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = d
	}
	str := func(raw string, dst *string) {
		if raw != "" {
			*dst = raw
		}
	}

	str(src.DeviceID, &cfg.DeviceID)
	str(src.DataDir, &cfg.DataDir)
	str(src.LogLevel, &cfg.LogLevel)

	if t := src.Tracker; t != nil {
		dst := &cfg.Tracker
		dur("tracker.samplingInterval", t.SamplingInterval, &dst.SamplingInterval)
		dur("tracker.idleTimeout", t.IdleTimeout, &dst.IdleTimeout)
		dur("tracker.debounceWindow", t.DebounceWindow, &dst.DebounceWindow)
		dur("tracker.graceWindow", t.GraceWindow, &dst.GraceWindow)
		dur("tracker.forceDedupWindow", t.ForceDedupWindow, &dst.ForceDedupWindow)
		if t.MotionThreshold != nil {
			dst.MotionThreshold = *t.MotionThreshold
		}
		if t.SpeedThreshold != nil {
			dst.SpeedThreshold = *t.SpeedThreshold
		}
		if t.ActivityThreshold != nil {
			dst.ActivityThreshold = *t.ActivityThreshold
		}
		if t.QueueSize != nil {
			dst.QueueSize = *t.QueueSize
		}
	}

	if s := src.Sync; s != nil {
		dst := &cfg.Sync
		str(s.Endpoint, &dst.Endpoint)
		str(s.AuthToken, &dst.AuthToken)
		if s.BatchSize != nil {
			dst.BatchSize = *s.BatchSize
		}
		if s.MaxRetries != nil {
			dst.MaxRetries = *s.MaxRetries
		}
		if s.MaxFailedCycles != nil {
			dst.MaxFailedCycles = *s.MaxFailedCycles
		}
		dur("sync.interval", s.Interval, &dst.Interval)
		dur("sync.retryBaseDelay", s.RetryBaseDelay, &dst.RetryBaseDelay)
		dur("sync.retryMaxDelay", s.RetryMaxDelay, &dst.RetryMaxDelay)
		dur("sync.attemptTimeout", s.AttemptTimeout, &dst.AttemptTimeout)
		str(s.Codec, &dst.Codec)
		str(s.Compression, &dst.Compression)
	}

	if b := src.Buffer; b != nil {
		str(b.Backend, &cfg.Buffer.Backend)
	}
	if s := src.Sensor; s != nil {
		str(s.Feed, &cfg.Sensor.Feed)
	}
	if c := src.Control; c != nil {
		str(c.ListenAddr, &cfg.Control.ListenAddr)
		str(c.MetricsAddr, &cfg.Control.MetricsAddr)
		if c.RateLimit != nil {
			cfg.Control.RateLimit = *c.RateLimit
		}
	}
	if t := src.Telemetry; t != nil {
		if t.Enabled != nil {
			cfg.Telemetry.Enabled = *t.Enabled
		}
		str(t.Exporter, &cfg.Telemetry.Exporter)
		str(t.Endpoint, &cfg.Telemetry.Endpoint)
		if t.SamplingRate != nil {
			cfg.Telemetry.SamplingRate = *t.SamplingRate
		}
	}

	return errors.Join(errs...)
}
