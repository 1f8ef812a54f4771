package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

// YAMLProvider implements ConfigProvider for YAML configuration files
type YAMLProvider struct {
	filename string
	config   *ConfigData
}

// NewYAMLProvider creates a new YAML configuration provider
func NewYAMLProvider(filename string) *YAMLProvider {
	return &YAMLProvider{
		filename: filename,
	}
}

// yamlConfig mirrors ConfigData with YAML tags.
type yamlConfig struct {
	Stations []struct {
		Code       string  `yaml:"code"`
		Name       string  `yaml:"name"`
		Latitude   float64 `yaml:"latitude"`
		Longitude  float64 `yaml:"longitude"`
		ElevationM float64 `yaml:"elevation_m"`
	} `yaml:"stations"`
	Storage struct {
		ConnectionString string `yaml:"connection_string"`
		WaveformDir      string `yaml:"waveform_dir"`
	} `yaml:"storage"`
	Pipeline struct {
		QueueSize            int     `yaml:"queue_size"`
		Workers              int     `yaml:"workers"`
		RetryAttempts        int     `yaml:"retry_attempts"`
		RetryBackoff         string  `yaml:"retry_backoff"`
		StageTimeout         string  `yaml:"stage_timeout"`
		AccumulationWindow   string  `yaml:"accumulation_window"`
		BucketWidth          string  `yaml:"bucket_width"`
		CoincidenceTolerance string  `yaml:"coincidence_tolerance"`
		AllowedLateness      string  `yaml:"allowed_lateness"`
		LateGrace            string  `yaml:"late_grace"`
		ResidencyCap         string  `yaml:"residency_cap"`
		MinStations          int     `yaml:"min_stations"`
		ModelArtifact        string  `yaml:"model_artifact"`
		DefaultMagnitude     float64 `yaml:"default_magnitude"`
	} `yaml:"pipeline"`
	Stream struct {
		Hostname string `yaml:"hostname"`
		Port     string `yaml:"port"`
		Network  string `yaml:"network"`
		Station  string `yaml:"station"`
		Channel  string `yaml:"channel"`
	} `yaml:"stream"`
	USGS struct {
		Enabled      bool   `yaml:"enabled"`
		FeedURL      string `yaml:"feed_url"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"usgs"`
	Health struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"health"`
}

// LoadConfig loads the complete configuration from YAML file
func (y *YAMLProvider) LoadConfig() (*ConfigData, error) {
	cfgFile, err := os.ReadFile(y.filename)
	if err != nil {
		return nil, err
	}

	var raw yamlConfig
	err = yaml.Unmarshal(cfgFile, &raw)
	if err != nil {
		return nil, err
	}

	config := &ConfigData{
		Stations: make([]StationData, len(raw.Stations)),
		Storage: StorageData{
			ConnectionString: raw.Storage.ConnectionString,
			WaveformDir:      raw.Storage.WaveformDir,
		},
		Pipeline: PipelineData{
			QueueSize:            raw.Pipeline.QueueSize,
			Workers:              raw.Pipeline.Workers,
			RetryAttempts:        raw.Pipeline.RetryAttempts,
			RetryBackoff:         raw.Pipeline.RetryBackoff,
			StageTimeout:         raw.Pipeline.StageTimeout,
			AccumulationWindow:   raw.Pipeline.AccumulationWindow,
			BucketWidth:          raw.Pipeline.BucketWidth,
			CoincidenceTolerance: raw.Pipeline.CoincidenceTolerance,
			AllowedLateness:      raw.Pipeline.AllowedLateness,
			LateGrace:            raw.Pipeline.LateGrace,
			ResidencyCap:         raw.Pipeline.ResidencyCap,
			MinStations:          raw.Pipeline.MinStations,
			ModelArtifact:        raw.Pipeline.ModelArtifact,
			DefaultMagnitude:     raw.Pipeline.DefaultMagnitude,
		},
		Stream: StreamData{
			Hostname: raw.Stream.Hostname,
			Port:     raw.Stream.Port,
			Network:  raw.Stream.Network,
			Station:  raw.Stream.Station,
			Channel:  raw.Stream.Channel,
		},
		USGS: USGSData{
			Enabled:      raw.USGS.Enabled,
			FeedURL:      raw.USGS.FeedURL,
			PollInterval: raw.USGS.PollInterval,
		},
		Health: HealthData{
			ListenAddr: raw.Health.ListenAddr,
		},
	}

	for i, st := range raw.Stations {
		config.Stations[i] = StationData{
			Code:       st.Code,
			Name:       st.Name,
			Latitude:   st.Latitude,
			Longitude:  st.Longitude,
			ElevationM: st.ElevationM,
		}
	}

	y.config = config
	return config, nil
}

// GetStations returns station configurations
func (y *YAMLProvider) GetStations() ([]StationData, error) {
	if y.config == nil {
		if _, err := y.LoadConfig(); err != nil {
			return nil, err
		}
	}
	return y.config.Stations, nil
}

// GetStorageConfig returns storage configuration
func (y *YAMLProvider) GetStorageConfig() (*StorageData, error) {
	if y.config == nil {
		if _, err := y.LoadConfig(); err != nil {
			return nil, err
		}
	}
	return &y.config.Storage, nil
}

// GetPipelineConfig returns pipeline policy configuration
func (y *YAMLProvider) GetPipelineConfig() (*PipelineData, error) {
	if y.config == nil {
		if _, err := y.LoadConfig(); err != nil {
			return nil, err
		}
	}
	return &y.config.Pipeline, nil
}

// IsReadOnly returns true since YAML files are read-only configuration sources
func (y *YAMLProvider) IsReadOnly() bool {
	return true
}

// Close is a no-op for YAML providers
func (y *YAMLProvider) Close() error {
	return nil
}
