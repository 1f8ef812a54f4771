package catalog

import (
	"time"
)

// Station represents a seismic station in the catalog database.
type Station struct {
	Code         string    `gorm:"primaryKey;column:code"`
	Name         string    `gorm:"column:name"`
	Latitude     float64   `gorm:"column:latitude"`
	Longitude    float64   `gorm:"column:longitude"`
	ElevationM   float64   `gorm:"column:elevation_m"`
	IsActive     bool      `gorm:"column:is_active;default:true"`
	Status       string    `gorm:"column:status;default:healthy"`
	RegisteredAt time.Time `gorm:"column:registered_at"`
	LastSeen     time.Time `gorm:"column:last_seen"`
}

// TableName specifies the table name for Station
func (Station) TableName() string {
	return "stations"
}

// Waveform records a persisted raw waveform segment. The samples live
// in the waveform store; FileRef points at them.
type Waveform struct {
	SegmentID   string    `gorm:"primaryKey;column:segment_id"`
	StationCode string    `gorm:"column:station_code;index"`
	Channel     string    `gorm:"column:channel"`
	FileRef     string    `gorm:"column:file_ref"`
	StartTime   time.Time `gorm:"column:start_time"`
	EndTime     time.Time `gorm:"column:end_time"`
	SampleRate  float64   `gorm:"column:sample_rate"`
	ReceivedAt  time.Time `gorm:"column:received_at;index"`
	State       string    `gorm:"column:state"`
}

// TableName specifies the table name for Waveform
func (Waveform) TableName() string {
	return "waveforms"
}

// PhasePick is a persisted phase pick. The primary key is derived
// deterministically from the pick's identifying fields, so redelivery
// cannot duplicate rows.
type PhasePick struct {
	ID            string    `gorm:"primaryKey;column:id"`
	SegmentID     string    `gorm:"column:segment_id;index"`
	StationCode   string    `gorm:"column:station_code;index"`
	Channel       string    `gorm:"column:channel"`
	Phase         string    `gorm:"column:phase"`
	ArrivalTime   time.Time `gorm:"column:arrival_time;index"`
	Confidence    float64   `gorm:"column:confidence"`
	Polarity      string    `gorm:"column:polarity"`
	EventType     string    `gorm:"column:event_type"`
	Quality       string    `gorm:"column:quality"`
	PickerVariant string    `gorm:"column:picker_variant"`
	EventID       *string   `gorm:"column:event_id;index"`
}

// TableName specifies the table name for PhasePick
func (PhasePick) TableName() string {
	return "phase_picks"
}

// Event is a persisted located event. Immutable once written.
type Event struct {
	EventID        string    `gorm:"primaryKey;column:event_id"`
	OriginTime     time.Time `gorm:"column:origin_time;index"`
	Latitude       float64   `gorm:"column:latitude"`
	Longitude      float64   `gorm:"column:longitude"`
	DepthKm        float64   `gorm:"column:depth_km"`
	Magnitude      float64   `gorm:"column:magnitude"`
	MagnitudeScale string    `gorm:"column:magnitude_scale"`
	UncertaintyH   float64   `gorm:"column:uncertainty_h_km"`
	UncertaintyV   float64   `gorm:"column:uncertainty_v_km"`
	EventType      string    `gorm:"column:event_type;index"`
	Quality        string    `gorm:"column:quality"`
	StationCount   int       `gorm:"column:station_count"`
	WaveformRefs   string    `gorm:"column:waveform_refs"` // JSON-encoded []string
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName specifies the table name for Event
func (Event) TableName() string {
	return "events"
}
