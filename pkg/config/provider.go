// Package config defines configuration data sources for the seismic
// pipeline. Policy constants that tune association and scheduling are
// deliberately configuration, not code.
package config

import "time"

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	// Load complete configuration
	LoadConfig() (*ConfigData, error)

	// Get specific configuration sections
	GetStations() ([]StationData, error)
	GetStorageConfig() (*StorageData, error)
	GetPipelineConfig() (*PipelineData, error)

	IsReadOnly() bool
	Close() error
}

// ConfigData represents the complete configuration structure
type ConfigData struct {
	Stations []StationData `json:"stations,omitempty"`
	Storage  StorageData   `json:"storage"`
	Pipeline PipelineData  `json:"pipeline"`
	Stream   StreamData    `json:"stream,omitempty"`
	USGS     USGSData      `json:"usgs,omitempty"`
	Health   HealthData    `json:"health,omitempty"`
}

// StationData holds metadata for a seismic station known at startup.
// Stations first seen on the live stream are registered with minimal
// metadata instead.
type StationData struct {
	Code       string  `json:"code"`
	Name       string  `json:"name,omitempty"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	ElevationM float64 `json:"elevation_m,omitempty"`
}

// StorageData holds the configuration for catalog and waveform storage.
type StorageData struct {
	// ConnectionString is the Postgres/TimescaleDB DSN for the catalog.
	ConnectionString string `json:"connection_string"`
	// WaveformDir is the directory for durable raw waveform files.
	WaveformDir string `json:"waveform_dir"`
}

// PipelineData holds the scheduling and association policy constants.
type PipelineData struct {
	QueueSize            int     `json:"queue_size,omitempty"`
	Workers              int     `json:"workers,omitempty"`
	RetryAttempts        int     `json:"retry_attempts,omitempty"`
	RetryBackoff         string  `json:"retry_backoff,omitempty"`
	StageTimeout         string  `json:"stage_timeout,omitempty"`
	AccumulationWindow   string  `json:"accumulation_window,omitempty"`
	BucketWidth          string  `json:"bucket_width,omitempty"`
	CoincidenceTolerance string  `json:"coincidence_tolerance,omitempty"`
	AllowedLateness      string  `json:"allowed_lateness,omitempty"`
	LateGrace            string  `json:"late_grace,omitempty"`
	ResidencyCap         string  `json:"residency_cap,omitempty"`
	MinStations          int     `json:"min_stations,omitempty"`
	ModelArtifact        string  `json:"model_artifact,omitempty"`
	DefaultMagnitude     float64 `json:"default_magnitude,omitempty"`
}

// StreamData holds the upstream live-stream feed configuration.
type StreamData struct {
	Hostname string `json:"hostname,omitempty"`
	Port     string `json:"port,omitempty"`
	Network  string `json:"network,omitempty"`
	Station  string `json:"station,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

// USGSData holds the USGS catalog sync configuration.
type USGSData struct {
	Enabled      bool   `json:"enabled,omitempty"`
	FeedURL      string `json:"feed_url,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
}

// HealthData holds the health/metrics HTTP listener configuration.
type HealthData struct {
	ListenAddr string `json:"listen_addr,omitempty"`
}

// Pipeline policy defaults. Association tolerances are domain-tuning
// decisions; these values are starting points, not physics.
const (
	DefaultQueueSize            = 256
	DefaultWorkers              = 4
	DefaultRetryAttempts        = 3
	DefaultRetryBackoff         = 500 * time.Millisecond
	DefaultStageTimeout         = 10 * time.Second
	DefaultAccumulationWindow   = 10 * time.Second
	DefaultBucketWidth          = 10 * time.Second
	DefaultCoincidenceTolerance = 15 * time.Second
	DefaultAllowedLateness      = 5 * time.Second
	DefaultLateGrace            = 10 * time.Second
	DefaultResidencyCap         = 30 * time.Second
	DefaultMinStations          = 3
	DefaultMagnitude            = 1.5
)

// PipelinePolicy is PipelineData with durations parsed and defaults
// applied, ready for the scheduler and associator.
type PipelinePolicy struct {
	QueueSize            int
	Workers              int
	RetryAttempts        int
	RetryBackoff         time.Duration
	StageTimeout         time.Duration
	AccumulationWindow   time.Duration
	BucketWidth          time.Duration
	CoincidenceTolerance time.Duration
	AllowedLateness      time.Duration
	LateGrace            time.Duration
	ResidencyCap         time.Duration
	MinStations          int
	ModelArtifact        string
	DefaultMagnitude     float64
}

// Policy resolves p into a PipelinePolicy, applying defaults for unset
// or unparseable fields.
func (p *PipelineData) Policy() PipelinePolicy {
	pol := PipelinePolicy{
		QueueSize:            intOr(p.QueueSize, DefaultQueueSize),
		Workers:              intOr(p.Workers, DefaultWorkers),
		RetryAttempts:        intOr(p.RetryAttempts, DefaultRetryAttempts),
		RetryBackoff:         durationOr(p.RetryBackoff, DefaultRetryBackoff),
		StageTimeout:         durationOr(p.StageTimeout, DefaultStageTimeout),
		AccumulationWindow:   durationOr(p.AccumulationWindow, DefaultAccumulationWindow),
		BucketWidth:          durationOr(p.BucketWidth, DefaultBucketWidth),
		CoincidenceTolerance: durationOr(p.CoincidenceTolerance, DefaultCoincidenceTolerance),
		AllowedLateness:      durationOr(p.AllowedLateness, DefaultAllowedLateness),
		LateGrace:            durationOr(p.LateGrace, DefaultLateGrace),
		ResidencyCap:         durationOr(p.ResidencyCap, DefaultResidencyCap),
		MinStations:          intOr(p.MinStations, DefaultMinStations),
		ModelArtifact:        p.ModelArtifact,
		DefaultMagnitude:     p.DefaultMagnitude,
	}
	if pol.DefaultMagnitude == 0 {
		pol.DefaultMagnitude = DefaultMagnitude
	}
	return pol
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
