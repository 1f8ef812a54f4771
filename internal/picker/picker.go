// Package picker turns buffered waveform windows into phase-pick
// candidates. Two variants exist: a model-backed scorer loaded from a
// serialized artifact, and a deterministic simulated fallback used when
// no artifact is available or the model fails.
package picker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/seismox/seismox/internal/log"
	"github.com/seismox/seismox/internal/types"
)

// Variant names carried in pick provenance.
const (
	VariantModel     = "model"
	VariantSimulated = "simulated"
)

// pickNamespace seeds deterministic pick ids so re-picking the same
// window after a retry yields the same identifiers.
var pickNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Window is a buffered run of samples for one station/channel pair,
// ready for picking.
type Window struct {
	SegmentID   string
	StationCode string
	Channel     string
	StartTime   time.Time
	SampleRate  float64
	Samples     []float64
	Partial     bool
}

// Duration returns the time covered by the window's samples.
func (w *Window) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	secs := float64(len(w.Samples)) / w.SampleRate
	return time.Duration(secs * float64(time.Second))
}

// timeAtSample converts a sample offset into an absolute arrival time.
func (w *Window) timeAtSample(idx int) time.Time {
	if w.SampleRate <= 0 {
		return w.StartTime
	}
	offset := float64(idx) / w.SampleRate
	return w.StartTime.Add(time.Duration(offset * float64(time.Second)))
}

// Picker produces zero or more phase picks from a sample window.
type Picker interface {
	Pick(ctx context.Context, w *Window) ([]types.Pick, error)
	Variant() string
}

// FallbackOutcome reports which variant served a call, for metrics.
type FallbackOutcome func()

// WithFallback wraps primary so that any failure, including a missing
// inference artifact or a cancelled context deadline, is recovered by
// the simulated variant. The pipeline never sees a picker error as
// fatal; downstream logic stays variant-agnostic.
type WithFallback struct {
	primary  Picker
	fallback Picker
	onFall   FallbackOutcome
}

// NewWithFallback builds the fallback chain. onFallback may be nil.
func NewWithFallback(primary Picker, onFallback FallbackOutcome) *WithFallback {
	return &WithFallback{
		primary:  primary,
		fallback: NewSimulated(),
		onFall:   onFallback,
	}
}

// Pick tries the primary variant and falls back on any error. Exactly
// one variant produces the returned picks.
func (f *WithFallback) Pick(ctx context.Context, w *Window) ([]types.Pick, error) {
	picks, err := f.primary.Pick(ctx, w)
	if err == nil {
		return picks, nil
	}

	log.Warnf("picker variant %q failed for %s/%s, using simulated fallback: %v",
		f.primary.Variant(), w.StationCode, w.Channel, err)
	if f.onFall != nil {
		f.onFall()
	}
	return f.fallback.Pick(ctx, w)
}

// Variant reports the primary variant name.
func (f *WithFallback) Variant() string {
	return f.primary.Variant()
}

// deterministicPickID derives a stable pick id from its identifying
// fields so redelivered windows do not mint duplicate picks.
func deterministicPickID(segmentID, station, channel string, phase types.Phase, arrival time.Time) string {
	seed := segmentID + "|" + station + "|" + channel + "|" + string(phase) + "|" + arrival.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(pickNamespace, []byte(seed)).String()
}
