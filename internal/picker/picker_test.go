package picker

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/seismox/seismox/internal/types"
)

func burstWindow() *Window {
	// Low noise floor with a clear burst around sample 300.
	samples := make([]float64, 1000)
	for i := range samples {
		samples[i] = 0.01 * math.Sin(float64(i))
	}
	for i := 300; i < 340; i++ {
		t := float64(i-300) / 100.0
		samples[i] += 4.0 * math.Exp(-t*2)
	}
	return &Window{
		SegmentID:   "seg-1",
		StationCode: "STA01",
		Channel:     "BHZ",
		StartTime:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SampleRate:  100,
		Samples:     samples,
	}
}

func TestSimulatedPickIsDeterministic(t *testing.T) {
	s := NewSimulated()
	w := burstWindow()

	first, err := s.Pick(context.Background(), w)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	second, err := s.Pick(context.Background(), w)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}

	if len(first) == 0 {
		t.Fatal("expected at least one pick for a non-empty window")
	}
	if len(first) != len(second) {
		t.Fatalf("pick count differs between runs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("pick %d id differs between runs: %s vs %s", i, first[i].ID, second[i].ID)
		}
		if !first[i].ArrivalTime.Equal(second[i].ArrivalTime) {
			t.Errorf("pick %d arrival differs between runs", i)
		}
	}
}

func TestSimulatedPickFindsBurstOnset(t *testing.T) {
	s := NewSimulated()
	w := burstWindow()

	picks, err := s.Pick(context.Background(), w)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}

	p := picks[0]
	if p.Phase != types.PhasePg {
		t.Errorf("first pick phase = %s, want Pg", p.Phase)
	}
	// Peak sits at sample 300 of a 100 Hz window: 3s after start.
	want := w.StartTime.Add(3 * time.Second)
	if p.ArrivalTime.Before(want.Add(-500*time.Millisecond)) || p.ArrivalTime.After(want.Add(500*time.Millisecond)) {
		t.Errorf("arrival = %v, want near %v", p.ArrivalTime, want)
	}
	if p.Polarity != types.PolarityUp {
		t.Errorf("polarity = %s, want up for a positive burst", p.Polarity)
	}
	if p.Confidence <= 0 || p.Confidence > 0.99 {
		t.Errorf("confidence = %f, want within (0, 0.99]", p.Confidence)
	}
	if p.PeakAmplitude <= 0 {
		t.Errorf("peak amplitude = %f, want positive", p.PeakAmplitude)
	}
	if p.PickerVariant != VariantSimulated {
		t.Errorf("variant = %s, want %s", p.PickerVariant, VariantSimulated)
	}
}

func TestSimulatedPickEmptyWindow(t *testing.T) {
	s := NewSimulated()
	picks, err := s.Pick(context.Background(), &Window{SegmentID: "empty"})
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if len(picks) != 0 {
		t.Errorf("expected no picks for an empty window, got %d", len(picks))
	}
}

func TestFallbackRecoversMissingArtifact(t *testing.T) {
	fellBack := false
	p := NewWithFallback(NewModel("/nonexistent/model.msgpack"), func() {
		fellBack = true
	})

	picks, err := p.Pick(context.Background(), burstWindow())
	if err != nil {
		t.Fatalf("fallback chain returned error: %v", err)
	}
	if !fellBack {
		t.Error("fallback callback was not invoked")
	}
	if len(picks) == 0 {
		t.Fatal("expected picks from the simulated fallback")
	}
	for _, pk := range picks {
		if pk.PickerVariant != VariantSimulated {
			t.Errorf("pick variant = %s, want %s", pk.PickerVariant, VariantSimulated)
		}
	}
}

func TestBufferAccumulatesUntilWindow(t *testing.T) {
	b := NewBuffer(10 * time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seg := func(id string, start time.Time, n int) *types.WaveformSegment {
		return &types.WaveformSegment{
			ID:          id,
			StationCode: "STA01",
			Channel:     "BHZ",
			StartTime:   start,
			SampleRate:  100,
			Samples:     make([]float64, n),
		}
	}

	// Four seconds at a time: three adds stay partial.
	for i := 0; i < 2; i++ {
		if w := b.Add(seg("a", base.Add(time.Duration(i)*4*time.Second), 400)); w != nil {
			t.Fatalf("window released after %ds of samples", (i+1)*4)
		}
	}
	if got := b.Pending(); got != 1 {
		t.Fatalf("Pending = %d, want 1", got)
	}

	w := b.Add(seg("c", base.Add(8*time.Second), 400))
	if w == nil {
		t.Fatal("window not released at 12s of accumulated samples")
	}
	if len(w.Samples) != 1200 {
		t.Errorf("window samples = %d, want 1200", len(w.Samples))
	}
	if w.SegmentID != "c" {
		t.Errorf("window provenance = %s, want newest segment c", w.SegmentID)
	}
	if w.Partial {
		t.Error("completed window flagged partial")
	}
	if got := b.Pending(); got != 0 {
		t.Errorf("Pending after release = %d, want 0", got)
	}
}

func TestBufferFlushReleasesPartial(t *testing.T) {
	b := NewBuffer(10 * time.Second)
	b.Add(&types.WaveformSegment{
		ID:          "a",
		StationCode: "STA01",
		Channel:     "BHZ",
		StartTime:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SampleRate:  100,
		Samples:     make([]float64, 200),
	})

	w := b.Flush("STA01", "BHZ")
	if w == nil {
		t.Fatal("Flush returned nil with samples pending")
	}
	if !w.Partial {
		t.Error("flushed window not flagged partial")
	}
	if again := b.Flush("STA01", "BHZ"); again != nil {
		t.Error("second Flush returned a window")
	}
}

func TestDeterministicPickIDStability(t *testing.T) {
	arrival := time.Date(2026, 3, 1, 12, 0, 3, 0, time.UTC)
	a := deterministicPickID("seg", "STA01", "BHZ", types.PhasePg, arrival)
	b := deterministicPickID("seg", "STA01", "BHZ", types.PhasePg, arrival)
	c := deterministicPickID("seg", "STA01", "BHZ", types.PhaseSg, arrival)
	if a != b {
		t.Error("same inputs produced different pick ids")
	}
	if a == c {
		t.Error("different phases produced the same pick id")
	}
}
