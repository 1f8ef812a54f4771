// Package types contains the domain records shared by the seismic
// processing pipeline: waveform segments, phase picks, candidate events
// and located events.
package types

import (
	"time"
)

// Phase is a seismic phase label from the fixed pick vocabulary.
type Phase string

const (
	PhasePg Phase = "Pg"
	PhaseSg Phase = "Sg"
	PhasePn Phase = "Pn"
	PhaseSn Phase = "Sn"
)

// Phases lists the pick vocabulary in model output order. The model-backed
// picker maps raw phase indices onto this slice.
var Phases = []Phase{PhasePg, PhaseSg, PhasePn, PhaseSn}

// PhaseByIndex maps a model output index to a phase label. Returns false
// for indices outside the vocabulary.
func PhaseByIndex(idx int) (Phase, bool) {
	if idx < 0 || idx >= len(Phases) {
		return "", false
	}
	return Phases[idx], true
}

// Polarity is the first-motion direction of a detected arrival.
type Polarity string

const (
	PolarityUp      Polarity = "up"
	PolarityDown    Polarity = "down"
	PolarityUnknown Polarity = "unknown"
)

// SegmentState is the processing state of a waveform segment. Transitions
// are monotonic; Persisted and Failed are terminal.
type SegmentState string

const (
	SegmentReceived    SegmentState = "received"
	SegmentQueued      SegmentState = "queued"
	SegmentPicking     SegmentState = "picking"
	SegmentAssociating SegmentState = "associating"
	SegmentLocating    SegmentState = "locating"
	SegmentPersisted   SegmentState = "persisted"
	SegmentFailed      SegmentState = "failed"
)

var segmentStateRank = map[SegmentState]int{
	SegmentReceived:    0,
	SegmentQueued:      1,
	SegmentPicking:     2,
	SegmentAssociating: 3,
	SegmentLocating:    4,
	SegmentPersisted:   5,
	SegmentFailed:      5,
}

// Terminal reports whether s is a terminal segment state.
func (s SegmentState) Terminal() bool {
	return s == SegmentPersisted || s == SegmentFailed
}

// CanTransitionTo reports whether moving from s to next keeps the state
// machine monotonic. Terminal states are never exited.
func (s SegmentState) CanTransitionTo(next SegmentState) bool {
	if s.Terminal() {
		return false
	}
	return segmentStateRank[next] > segmentStateRank[s]
}

// WaveformSegment is the canonical record for an arriving chunk of
// waveform data. The source adapter creates it; the scheduler owns it
// until it reaches a terminal state.
type WaveformSegment struct {
	ID          string
	StationCode string
	Channel     string
	StartTime   time.Time
	EndTime     time.Time
	SampleRate  float64
	Samples     []float64
	WaveformRef string
	ReceivedAt  time.Time
}

// Duration returns the time span covered by the segment.
func (w *WaveformSegment) Duration() time.Duration {
	return w.EndTime.Sub(w.StartTime)
}

// Pick is a detected phase arrival. Immutable once created.
type Pick struct {
	ID          string
	StationCode string
	Channel     string
	Phase       Phase
	ArrivalTime time.Time
	Confidence  float64
	Polarity    Polarity
	EventType   string
	Quality     string

	// EventID names the event this pick belongs to when the attribution
	// happened after the event closed. Empty for picks attributed at
	// event write time.
	EventID string

	// PeakAmplitude is the absolute peak sample value in the picked
	// window, carried for magnitude estimation. Zero when unavailable.
	PeakAmplitude float64

	// Provenance
	SegmentID     string
	PickerVariant string
}

// Candidate event quality flags.
const (
	QualityNominal    = "nominal"
	QualityLowQuality = "low_quality"
	QualityLateDrop   = "late_dropped"
)

// CandidateEvent accumulates picks believed to share an origin. Owned
// exclusively by the associator until closed.
type CandidateEvent struct {
	ID         string
	CreatedAt  time.Time
	OriginTime time.Time
	WindowEnd  time.Time
	Picks      []Pick
	Quality    string
	Closed     bool
}

// StationCount returns the number of distinct stations contributing picks.
func (c *CandidateEvent) StationCount() int {
	seen := make(map[string]struct{}, len(c.Picks))
	for _, p := range c.Picks {
		seen[p.StationCode] = struct{}{}
	}
	return len(seen)
}

// EarliestArrival returns the earliest pick arrival time, or the zero
// time when the candidate holds no picks.
func (c *CandidateEvent) EarliestArrival() time.Time {
	var earliest time.Time
	for _, p := range c.Picks {
		if earliest.IsZero() || p.ArrivalTime.Before(earliest) {
			earliest = p.ArrivalTime
		}
	}
	return earliest
}

// Hypocenter is a 3-D event origin.
type Hypocenter struct {
	Latitude  float64
	Longitude float64
	DepthKm   float64
}

// Uncertainty bounds a hypocenter estimate.
type Uncertainty struct {
	HorizontalKm float64
	VerticalKm   float64
}

// LocatedEvent is a candidate event with a hypocenter and magnitude
// attached. Immutable once written to the catalog.
type LocatedEvent struct {
	EventID      string
	OriginTime   time.Time
	Hypocenter   Hypocenter
	Uncertainty  Uncertainty
	Magnitudes   map[string]float64
	EventType    string
	Quality      string
	Picks        []Pick
	WaveformRefs []string
}

// StationLocation is the minimal station metadata the locator needs.
type StationLocation struct {
	Code       string
	Latitude   float64
	Longitude  float64
	ElevationM float64
}
