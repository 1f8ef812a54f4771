package picker

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/seismox/seismox/internal/log"
	"github.com/seismox/seismox/internal/types"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"
)

// strideFeatures is the number of features computed per stride window:
// mean absolute amplitude, RMS energy, and peak amplitude.
const strideFeatures = 3

// artifact is the serialized model: per-phase linear weights over stride
// features plus a decision threshold. Encoded with msgpack.
type artifact struct {
	Version       int         `msgpack:"version"`
	Phases        []string    `msgpack:"phases"`
	StrideSamples int         `msgpack:"stride_samples"`
	Weights       [][]float64 `msgpack:"weights"` // [phase][strideFeatures]
	Bias          []float64   `msgpack:"bias"`
	Threshold     float64     `msgpack:"threshold"`
}

func (a *artifact) validate() error {
	if len(a.Phases) == 0 || len(a.Weights) != len(a.Phases) || len(a.Bias) != len(a.Phases) {
		return fmt.Errorf("inconsistent phase/weight/bias lengths")
	}
	for i, w := range a.Weights {
		if len(w) != strideFeatures {
			return fmt.Errorf("phase %d: expected %d weights, got %d", i, strideFeatures, len(w))
		}
	}
	if a.StrideSamples <= 0 {
		return fmt.Errorf("non-positive stride")
	}
	return nil
}

// Model is the model-backed picker variant. The artifact loads lazily on
// first use; load failures surface as ErrInferenceUnavailable, which the
// fallback wrapper recovers from.
type Model struct {
	artifactPath string

	mu      sync.Mutex
	loaded  *artifact
	loadErr error
}

// NewModel returns the model-backed variant for the given artifact path.
// No I/O happens until the first Pick call.
func NewModel(artifactPath string) *Model {
	return &Model{artifactPath: artifactPath}
}

// Variant implements Picker.
func (m *Model) Variant() string { return VariantModel }

func (m *Model) load() (*artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded != nil {
		return m.loaded, nil
	}
	if m.loadErr != nil {
		return nil, m.loadErr
	}

	data, err := os.ReadFile(m.artifactPath)
	if err != nil {
		m.loadErr = fmt.Errorf("%w: reading %s: %v", types.ErrInferenceUnavailable, m.artifactPath, err)
		return nil, m.loadErr
	}

	var a artifact
	if err := msgpack.Unmarshal(data, &a); err != nil {
		m.loadErr = fmt.Errorf("%w: decoding %s: %v", types.ErrInferenceUnavailable, m.artifactPath, err)
		return nil, m.loadErr
	}
	if err := a.validate(); err != nil {
		m.loadErr = fmt.Errorf("%w: artifact %s: %v", types.ErrInferenceUnavailable, m.artifactPath, err)
		return nil, m.loadErr
	}

	log.Infof("loaded picker model artifact from %s (%d phases)", m.artifactPath, len(a.Phases))
	m.loaded = &a
	return m.loaded, nil
}

// Pick implements Picker. The window is scored stride by stride; each
// raw (phase index, sample index, confidence) triple above threshold
// decodes into a Pick using the fixed phase vocabulary.
func (m *Model) Pick(ctx context.Context, w *Window) ([]types.Pick, error) {
	a, err := m.load()
	if err != nil {
		return nil, err
	}
	if len(w.Samples) == 0 {
		return nil, nil
	}

	weights := mat.NewDense(len(a.Phases), strideFeatures, flatten(a.Weights))
	features := mat.NewVecDense(strideFeatures, nil)
	scores := mat.NewVecDense(len(a.Phases), nil)

	var picks []types.Pick
	for start := 0; start < len(w.Samples); start += a.StrideSamples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := start + a.StrideSamples
		if end > len(w.Samples) {
			end = len(w.Samples)
		}
		stride := w.Samples[start:end]

		peakIdx, peakVal := peak(stride)
		features.SetVec(0, meanAbs(stride))
		features.SetVec(1, rms(stride))
		features.SetVec(2, math.Abs(peakVal))

		scores.MulVec(weights, features)
		for phaseIdx := 0; phaseIdx < len(a.Phases); phaseIdx++ {
			confidence := logistic(scores.AtVec(phaseIdx) + a.Bias[phaseIdx])
			if confidence < a.Threshold {
				continue
			}
			pick, ok := m.decodeTriple(a, w, phaseIdx, start+peakIdx, confidence, peakVal)
			if !ok {
				continue
			}
			picks = append(picks, pick)
		}
	}

	return picks, nil
}

// decodeTriple maps a raw model output triple onto a Pick record.
// Unknown phase indices are dropped with a log line rather than failing
// the whole window.
func (m *Model) decodeTriple(a *artifact, w *Window, phaseIdx, sampleIdx int, confidence, peakVal float64) (types.Pick, bool) {
	phase, ok := types.PhaseByIndex(phaseIdx)
	if !ok || string(phase) != a.Phases[phaseIdx] {
		log.Warnf("model emitted unknown phase index %d for %s/%s, dropping", phaseIdx, w.StationCode, w.Channel)
		return types.Pick{}, false
	}

	arrival := w.timeAtSample(sampleIdx)
	polarity := types.PolarityUnknown
	if peakVal > 0 {
		polarity = types.PolarityUp
	} else if peakVal < 0 {
		polarity = types.PolarityDown
	}

	return types.Pick{
		ID:            deterministicPickID(w.SegmentID, w.StationCode, w.Channel, phase, arrival),
		StationCode:   w.StationCode,
		Channel:       w.Channel,
		Phase:         phase,
		ArrivalTime:   arrival,
		Confidence:    clamp01(confidence),
		Polarity:      polarity,
		EventType:     "earthquake",
		Quality:       types.QualityNominal,
		PeakAmplitude: math.Abs(peakVal),
		SegmentID:     w.SegmentID,
		PickerVariant: VariantModel,
	}, true
}

func flatten(rows [][]float64) []float64 {
	out := make([]float64, 0, len(rows)*strideFeatures)
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

func meanAbs(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(s)
	}
	return sum / float64(len(samples))
}

func logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
