package config

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteProvider implements ConfigProvider for SQLite database configuration
type SQLiteProvider struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteProvider creates a new SQLite configuration provider
func NewSQLiteProvider(dbPath string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	return &SQLiteProvider{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// LoadConfig loads the complete configuration from SQLite database
func (s *SQLiteProvider) LoadConfig() (*ConfigData, error) {
	config := &ConfigData{}

	stations, err := s.GetStations()
	if err != nil {
		return nil, fmt.Errorf("failed to load stations: %w", err)
	}
	config.Stations = stations

	storage, err := s.GetStorageConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load storage config: %w", err)
	}
	config.Storage = *storage

	pipeline, err := s.GetPipelineConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline config: %w", err)
	}
	config.Pipeline = *pipeline

	if err := s.loadStream(config); err != nil {
		return nil, fmt.Errorf("failed to load stream config: %w", err)
	}
	if err := s.loadUSGS(config); err != nil {
		return nil, fmt.Errorf("failed to load usgs config: %w", err)
	}
	if err := s.loadHealth(config); err != nil {
		return nil, fmt.Errorf("failed to load health config: %w", err)
	}

	return config, nil
}

// GetStations returns station configurations from the database
func (s *SQLiteProvider) GetStations() ([]StationData, error) {
	query := `
		SELECT code, name, latitude, longitude, elevation_m
		FROM stations
		ORDER BY code`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query stations: %w", err)
	}
	defer rows.Close()

	var stations []StationData
	for rows.Next() {
		var st StationData
		var name sql.NullString
		if err := rows.Scan(&st.Code, &name, &st.Latitude, &st.Longitude, &st.ElevationM); err != nil {
			return nil, fmt.Errorf("failed to scan station row: %w", err)
		}
		st.Name = name.String
		stations = append(stations, st)
	}

	return stations, rows.Err()
}

// GetStorageConfig returns storage configuration from the database
func (s *SQLiteProvider) GetStorageConfig() (*StorageData, error) {
	storage := &StorageData{}
	row := s.db.QueryRow(`SELECT connection_string, waveform_dir FROM storage LIMIT 1`)
	var connStr, waveformDir sql.NullString
	if err := row.Scan(&connStr, &waveformDir); err != nil {
		if err == sql.ErrNoRows {
			return storage, nil
		}
		return nil, fmt.Errorf("failed to query storage config: %w", err)
	}
	storage.ConnectionString = connStr.String
	storage.WaveformDir = waveformDir.String
	return storage, nil
}

// GetPipelineConfig returns pipeline policy configuration from the database
func (s *SQLiteProvider) GetPipelineConfig() (*PipelineData, error) {
	pipeline := &PipelineData{}
	query := `
		SELECT queue_size, workers, retry_attempts, retry_backoff, stage_timeout,
		       accumulation_window, bucket_width, coincidence_tolerance,
		       allowed_lateness, late_grace, residency_cap, min_stations,
		       model_artifact, default_magnitude
		FROM pipeline LIMIT 1`

	row := s.db.QueryRow(query)
	var backoff, timeout, accum, bucket, coincidence, lateness, grace, residency, artifact sql.NullString
	err := row.Scan(&pipeline.QueueSize, &pipeline.Workers, &pipeline.RetryAttempts,
		&backoff, &timeout, &accum, &bucket, &coincidence, &lateness, &grace,
		&residency, &pipeline.MinStations, &artifact, &pipeline.DefaultMagnitude)
	if err != nil {
		if err == sql.ErrNoRows {
			return pipeline, nil
		}
		return nil, fmt.Errorf("failed to query pipeline config: %w", err)
	}
	pipeline.RetryBackoff = backoff.String
	pipeline.StageTimeout = timeout.String
	pipeline.AccumulationWindow = accum.String
	pipeline.BucketWidth = bucket.String
	pipeline.CoincidenceTolerance = coincidence.String
	pipeline.AllowedLateness = lateness.String
	pipeline.LateGrace = grace.String
	pipeline.ResidencyCap = residency.String
	pipeline.ModelArtifact = artifact.String
	return pipeline, nil
}

func (s *SQLiteProvider) loadStream(config *ConfigData) error {
	row := s.db.QueryRow(`SELECT hostname, port, network, station, channel FROM stream LIMIT 1`)
	var hostname, port, network, station, channel sql.NullString
	if err := row.Scan(&hostname, &port, &network, &station, &channel); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	config.Stream = StreamData{
		Hostname: hostname.String,
		Port:     port.String,
		Network:  network.String,
		Station:  station.String,
		Channel:  channel.String,
	}
	return nil
}

func (s *SQLiteProvider) loadUSGS(config *ConfigData) error {
	row := s.db.QueryRow(`SELECT enabled, feed_url, poll_interval FROM usgs LIMIT 1`)
	var feedURL, interval sql.NullString
	if err := row.Scan(&config.USGS.Enabled, &feedURL, &interval); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	config.USGS.FeedURL = feedURL.String
	config.USGS.PollInterval = interval.String
	return nil
}

func (s *SQLiteProvider) loadHealth(config *ConfigData) error {
	row := s.db.QueryRow(`SELECT listen_addr FROM health LIMIT 1`)
	var addr sql.NullString
	if err := row.Scan(&addr); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	config.Health.ListenAddr = addr.String
	return nil
}

// IsReadOnly returns false since SQLite configuration can be updated at runtime
func (s *SQLiteProvider) IsReadOnly() bool {
	return false
}

// Close closes the database connection
func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}
