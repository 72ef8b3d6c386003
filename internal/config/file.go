// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

// FileConfig is the on-disk YAML shape. Pointer and string fields keep
// "absent" distinct from "zero" so only keys present in the file override
// the defaults. Durations are Go duration strings ("30s", "5m").
type FileConfig struct {
	DeviceID string `yaml:"deviceId,omitempty" json:"deviceId,omitempty"`
	DataDir  string `yaml:"dataDir,omitempty" json:"dataDir,omitempty"`
	LogLevel string `yaml:"logLevel,omitempty" json:"logLevel,omitempty"`

	Tracker   *TrackerFile   `yaml:"tracker,omitempty" json:"tracker,omitempty"`
	Sync      *SyncFile      `yaml:"sync,omitempty" json:"sync,omitempty"`
	Buffer    *BufferFile    `yaml:"buffer,omitempty" json:"buffer,omitempty"`
	Sensor    *SensorFile    `yaml:"sensor,omitempty" json:"sensor,omitempty"`
	Control   *ControlFile   `yaml:"control,omitempty" json:"control,omitempty"`
	Telemetry *TelemetryFile `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`
}

type TrackerFile struct {
	SamplingInterval  string   `yaml:"samplingInterval,omitempty" json:"samplingInterval,omitempty"`
	IdleTimeout       string   `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`
	DebounceWindow    string   `yaml:"debounceWindow,omitempty" json:"debounceWindow,omitempty"`
	GraceWindow       string   `yaml:"graceWindow,omitempty" json:"graceWindow,omitempty"`
	ForceDedupWindow  string   `yaml:"forceDedupWindow,omitempty" json:"forceDedupWindow,omitempty"`
	MotionThreshold   *float64 `yaml:"motionThreshold,omitempty" json:"motionThreshold,omitempty"`
	SpeedThreshold    *float64 `yaml:"speedThreshold,omitempty" json:"speedThreshold,omitempty"`
	ActivityThreshold *float64 `yaml:"activityThreshold,omitempty" json:"activityThreshold,omitempty"`
	QueueSize         *int     `yaml:"queueSize,omitempty" json:"queueSize,omitempty"`
}

type SyncFile struct {
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AuthToken       string `yaml:"authToken,omitempty" json:"authToken,omitempty"`
	BatchSize       *int   `yaml:"batchSize,omitempty" json:"batchSize,omitempty"`
	MaxRetries      *int   `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	Interval        string `yaml:"interval,omitempty" json:"interval,omitempty"`
	RetryBaseDelay  string `yaml:"retryBaseDelay,omitempty" json:"retryBaseDelay,omitempty"`
	RetryMaxDelay   string `yaml:"retryMaxDelay,omitempty" json:"retryMaxDelay,omitempty"`
	AttemptTimeout  string `yaml:"attemptTimeout,omitempty" json:"attemptTimeout,omitempty"`
	MaxFailedCycles *int   `yaml:"maxFailedCycles,omitempty" json:"maxFailedCycles,omitempty"`
	Codec           string `yaml:"codec,omitempty" json:"codec,omitempty"`
	Compression     string `yaml:"compression,omitempty" json:"compression,omitempty"`
}

type BufferFile struct {
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`
}

type SensorFile struct {
	Feed string `yaml:"feed,omitempty" json:"feed,omitempty"`
}

type ControlFile struct {
	ListenAddr  string `yaml:"listenAddr,omitempty" json:"listenAddr,omitempty"`
	MetricsAddr string `yaml:"metricsAddr,omitempty" json:"metricsAddr,omitempty"`
	RateLimit   *int   `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
}

type TelemetryFile struct {
	Enabled      *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Exporter     string   `yaml:"exporter,omitempty" json:"exporter,omitempty"`
	Endpoint     string   `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	SamplingRate *float64 `yaml:"samplingRate,omitempty" json:"samplingRate,omitempty"`
}

// ToFile converts cfg back into its YAML shape. Every field is emitted.
func ToFile(cfg Config) FileConfig {
	t, s, c, tel := cfg.Tracker, cfg.Sync, cfg.Control, cfg.Telemetry
	return FileConfig{
		DeviceID: cfg.DeviceID,
		DataDir:  cfg.DataDir,
		LogLevel: cfg.LogLevel,
		Tracker: &TrackerFile{
			SamplingInterval:  t.SamplingInterval.String(),
			IdleTimeout:       t.IdleTimeout.String(),
			DebounceWindow:    t.DebounceWindow.String(),
			GraceWindow:       t.GraceWindow.String(),
			ForceDedupWindow:  t.ForceDedupWindow.String(),
			MotionThreshold:   &t.MotionThreshold,
			SpeedThreshold:    &t.SpeedThreshold,
			ActivityThreshold: &t.ActivityThreshold,
			QueueSize:         &t.QueueSize,
		},
		Sync: &SyncFile{
			Endpoint:        s.Endpoint,
			AuthToken:       s.AuthToken,
			BatchSize:       &s.BatchSize,
			MaxRetries:      &s.MaxRetries,
			Interval:        s.Interval.String(),
			RetryBaseDelay:  s.RetryBaseDelay.String(),
			RetryMaxDelay:   s.RetryMaxDelay.String(),
			AttemptTimeout:  s.AttemptTimeout.String(),
			MaxFailedCycles: &s.MaxFailedCycles,
			Codec:           s.Codec,
			Compression:     s.Compression,
		},
		Buffer: &BufferFile{Backend: cfg.Buffer.Backend},
		Sensor: &SensorFile{Feed: cfg.Sensor.Feed},
		Control: &ControlFile{
			ListenAddr:  c.ListenAddr,
			MetricsAddr: c.MetricsAddr,
			RateLimit:   &c.RateLimit,
		},
		Telemetry: &TelemetryFile{
			Enabled:      &tel.Enabled,
			Exporter:     tel.Exporter,
			Endpoint:     tel.Endpoint,
			SamplingRate: &tel.SamplingRate,
		},
	}
}
