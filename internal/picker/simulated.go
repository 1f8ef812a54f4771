package picker

import (
	"context"
	"math"
	"time"

	"github.com/seismox/seismox/internal/types"
)

// Simulated is the deterministic fallback picker. It derives a plausible
// Pg arrival from where the window's peak amplitude sits and scores
// confidence from signal energy. Identical windows always produce
// identical picks.
type Simulated struct {
	// defaultOffset is the arrival offset used for flat or featureless
	// windows (no discernible peak).
	defaultOffset time.Duration
}

// NewSimulated returns the simulated picker variant.
func NewSimulated() *Simulated {
	return &Simulated{defaultOffset: 2 * time.Second}
}

// Variant implements Picker.
func (s *Simulated) Variant() string { return VariantSimulated }

// Pick implements Picker. It never fails and always returns at least one
// well-formed pick for a non-empty window.
func (s *Simulated) Pick(_ context.Context, w *Window) ([]types.Pick, error) {
	if len(w.Samples) == 0 {
		return nil, nil
	}

	peakIdx, peakVal := peak(w.Samples)
	rms := rms(w.Samples)

	arrival := w.StartTime.Add(s.defaultOffset)
	if peakIdx > 0 && math.Abs(peakVal) > 2*rms {
		arrival = w.timeAtSample(peakIdx)
	}
	if arrival.After(w.StartTime.Add(w.Duration())) {
		arrival = w.StartTime.Add(s.defaultOffset)
	}

	confidence := energyConfidence(rms)
	polarity := types.PolarityUnknown
	if peakVal > 0 {
		polarity = types.PolarityUp
	} else if peakVal < 0 {
		polarity = types.PolarityDown
	}

	picks := []types.Pick{{
		ID:            deterministicPickID(w.SegmentID, w.StationCode, w.Channel, types.PhasePg, arrival),
		StationCode:   w.StationCode,
		Channel:       w.Channel,
		Phase:         types.PhasePg,
		ArrivalTime:   arrival,
		Confidence:    confidence,
		Polarity:      polarity,
		EventType:     "earthquake",
		Quality:       types.QualityNominal,
		PeakAmplitude: math.Abs(peakVal),
		SegmentID:     w.SegmentID,
		PickerVariant: VariantSimulated,
	}}

	// Energetic windows plausibly carry a secondary S arrival at
	// roughly 1.7x the P travel time from window start.
	if confidence > 0.6 {
		pOffset := arrival.Sub(w.StartTime)
		sArrival := w.StartTime.Add(time.Duration(float64(pOffset) * 1.7))
		if sArrival.Before(w.StartTime.Add(w.Duration())) {
			picks = append(picks, types.Pick{
				ID:            deterministicPickID(w.SegmentID, w.StationCode, w.Channel, types.PhaseSg, sArrival),
				StationCode:   w.StationCode,
				Channel:       w.Channel,
				Phase:         types.PhaseSg,
				ArrivalTime:   sArrival,
				Confidence:    confidence * 0.8,
				Polarity:      types.PolarityUnknown,
				EventType:     "earthquake",
				Quality:       types.QualityNominal,
				PeakAmplitude: math.Abs(peakVal),
				SegmentID:     w.SegmentID,
				PickerVariant: VariantSimulated,
			})
		}
	}

	return picks, nil
}

func peak(samples []float64) (int, float64) {
	idx, val := 0, 0.0
	for i, s := range samples {
		if math.Abs(s) > math.Abs(val) {
			idx, val = i, s
		}
	}
	return idx, val
}

func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// energyConfidence maps RMS energy onto [0,1] with a saturating curve.
func energyConfidence(rms float64) float64 {
	c := 1 - math.Exp(-rms)
	if c < 0.05 {
		c = 0.05
	}
	if c > 0.99 {
		c = 0.99
	}
	return c
}
