package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/seismox/seismox/internal/associate"
	"github.com/seismox/seismox/internal/metrics"
	"github.com/seismox/seismox/internal/picker"
	"github.com/seismox/seismox/internal/types"
	"github.com/seismox/seismox/pkg/config"
)

type stubWriter struct {
	mu        sync.Mutex
	picks     []types.Pick
	events    []types.LocatedEvent
	waveforms map[string]types.SegmentState
	pickErr   error
}

func newStubWriter() *stubWriter {
	return &stubWriter{waveforms: make(map[string]types.SegmentState)}
}

func (w *stubWriter) WriteWaveform(_ context.Context, seg *types.WaveformSegment, state types.SegmentState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waveforms[seg.ID] = state
	return nil
}

func (w *stubWriter) WritePick(_ context.Context, p types.Pick) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pickErr != nil {
		return w.pickErr
	}
	w.picks = append(w.picks, p)
	return nil
}

func (w *stubWriter) WriteEvent(_ context.Context, ev types.LocatedEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
	return nil
}

func (w *stubWriter) waveformState(id string) (types.SegmentState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.waveforms[id]
	return st, ok
}

func (w *stubWriter) pickCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.picks)
}

func (w *stubWriter) picksSnapshot() []types.Pick {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]types.Pick(nil), w.picks...)
}

type stubLocator struct{}

func (stubLocator) Locate(cand *types.CandidateEvent) types.LocatedEvent {
	return types.LocatedEvent{
		EventID:    cand.ID,
		Quality:    types.QualityNominal,
		Picks:      cand.Picks,
		Magnitudes: map[string]float64{"ml": 1.5},
	}
}

func testPolicy() config.PipelinePolicy {
	return config.PipelinePolicy{
		QueueSize:            8,
		Workers:              2,
		RetryAttempts:        2,
		RetryBackoff:         5 * time.Millisecond,
		StageTimeout:         time.Second,
		AccumulationWindow:   time.Second,
		BucketWidth:          10 * time.Second,
		CoincidenceTolerance: 15 * time.Second,
		AllowedLateness:      5 * time.Second,
		LateGrace:            10 * time.Second,
		ResidencyCap:         30 * time.Second,
		MinStations:          3,
	}
}

func newTestScheduler(t *testing.T, policy config.PipelinePolicy, writer CatalogWriter) *Scheduler {
	t.Helper()
	return newTestSchedulerWith(t, policy, picker.NewSimulated(), writer)
}

func newTestSchedulerWith(t *testing.T, policy config.PipelinePolicy, pk picker.Picker, writer CatalogWriter) *Scheduler {
	t.Helper()
	s, err := New(policy, pk, associate.New(associate.Config{
		BucketWidth:          policy.BucketWidth,
		CoincidenceTolerance: policy.CoincidenceTolerance,
		AllowedLateness:      policy.AllowedLateness,
		LateGrace:            policy.LateGrace,
		ResidencyCap:         policy.ResidencyCap,
		MinStations:          policy.MinStations,
	}), stubLocator{}, writer, metrics.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func segment(id, station string, start time.Time, seconds int) *types.WaveformSegment {
	n := seconds * 100
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 0.5
	}
	return &types.WaveformSegment{
		ID:          id,
		StationCode: station,
		Channel:     "BHZ",
		StartTime:   start,
		EndTime:     start.Add(time.Duration(seconds) * time.Second),
		SampleRate:  100,
		Samples:     samples,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSegmentReachesPersisted(t *testing.T) {
	writer := newStubWriter()
	s := newTestScheduler(t, testPolicy(), writer)
	defer s.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	s.Start(ctx, &wg)

	seg := segment("seg-1", "STA01", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), 2)
	if err := s.Enqueue(seg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		st, ok := s.Status("seg-1")
		return ok && st == types.SegmentPersisted
	}, "segment never reached persisted state")

	if got := s.ProcessedCount(); got != 1 {
		t.Errorf("ProcessedCount = %d, want 1", got)
	}
	if st, ok := writer.waveformState("seg-1"); !ok || st != types.SegmentPersisted {
		t.Errorf("catalog waveform state = %v, want persisted", st)
	}
	if writer.pickCount() == 0 {
		t.Error("no picks persisted for a full window")
	}

	cancel()
	wg.Wait()
}

func TestEnqueueRejectsWhenSaturated(t *testing.T) {
	policy := testPolicy()
	policy.QueueSize = 2
	s := newTestScheduler(t, policy, newStubWriter())
	defer s.Release()
	// Not started: nothing consumes the queue.

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if err := s.Enqueue(segment(fmt.Sprintf("seg-%d", i), "STA01", base, 1)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	err := s.Enqueue(segment("seg-overflow", "STA01", base, 1))
	if !errors.Is(err, types.ErrQueueSaturated) {
		t.Fatalf("Enqueue on full queue = %v, want ErrQueueSaturated", err)
	}
	if _, ok := s.Status("seg-overflow"); ok {
		t.Error("rejected segment left state behind")
	}
	if got := s.QueueDepth(); got != 2 {
		t.Errorf("QueueDepth = %d, want 2", got)
	}
}

func TestNonTransientPersistFailureIsTerminal(t *testing.T) {
	writer := newStubWriter()
	writer.pickErr = errors.New("schema violation")
	s := newTestScheduler(t, testPolicy(), writer)
	defer s.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	s.Start(ctx, &wg)

	seg := segment("seg-bad", "STA01", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), 2)
	if err := s.Enqueue(seg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		st, ok := s.Status("seg-bad")
		return ok && st == types.SegmentFailed
	}, "segment never reached failed state")

	if got := s.FailedCount(); got != 1 {
		t.Errorf("FailedCount = %d, want 1", got)
	}
	if st, ok := writer.waveformState("seg-bad"); !ok || st != types.SegmentFailed {
		t.Errorf("catalog waveform state = %v, want failed", st)
	}

	cancel()
	wg.Wait()
}

func TestTransientPersistFailureRetriesThenFails(t *testing.T) {
	writer := newStubWriter()
	writer.pickErr = types.Transientf("connection reset")
	s := newTestScheduler(t, testPolicy(), writer)
	defer s.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	s.Start(ctx, &wg)

	seg := segment("seg-retry", "STA01", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), 2)
	if err := s.Enqueue(seg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		st, ok := s.Status("seg-retry")
		return ok && st == types.SegmentFailed
	}, "segment never reached failed state after exhausting retries")

	cancel()
	wg.Wait()
}

func TestPartialWindowSegmentStillPersists(t *testing.T) {
	policy := testPolicy()
	policy.AccumulationWindow = time.Hour // nothing completes a window
	writer := newStubWriter()
	s := newTestScheduler(t, policy, writer)
	defer s.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	s.Start(ctx, &wg)

	seg := segment("seg-partial", "STA01", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), 1)
	if err := s.Enqueue(seg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		st, ok := s.Status("seg-partial")
		return ok && st == types.SegmentPersisted
	}, "partial-window segment never persisted")

	if writer.pickCount() != 0 {
		t.Errorf("partial accumulation emitted %d picks, want 0", writer.pickCount())
	}

	cancel()
	wg.Wait()
}

func TestDrainWaitsForQueue(t *testing.T) {
	writer := newStubWriter()
	s := newTestScheduler(t, testPolicy(), writer)
	defer s.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	s.Start(ctx, &wg)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		if err := s.Enqueue(segment(fmt.Sprintf("seg-%d", i), "STA01", base.Add(time.Duration(i)*2*time.Second), 2)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer drainCancel()
	if err := s.Drain(drainCtx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := s.QueueDepth(); got != 0 {
		t.Errorf("QueueDepth after drain = %d, want 0", got)
	}

	cancel()
	wg.Wait()
}

// slowFirstPicker stalls the first window it sees and records the
// order in which windows finish picking.
type slowFirstPicker struct {
	mu    sync.Mutex
	seen  bool
	order []string
}

func (p *slowFirstPicker) Pick(_ context.Context, w *picker.Window) ([]types.Pick, error) {
	p.mu.Lock()
	stall := !p.seen
	p.seen = true
	p.mu.Unlock()
	if stall {
		time.Sleep(150 * time.Millisecond)
	}
	p.mu.Lock()
	p.order = append(p.order, w.SegmentID)
	p.mu.Unlock()
	return nil, nil
}

func (p *slowFirstPicker) Variant() string { return "stall" }

func TestSameStationSegmentsProcessInArrivalOrder(t *testing.T) {
	pk := &slowFirstPicker{}
	s := newTestSchedulerWith(t, testPolicy(), pk, newStubWriter())
	defer s.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	s.Start(ctx, &wg)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := segment("seg-a", "STA01", base, 2)
	second := segment("seg-b", "STA01", base.Add(2*time.Second), 2)
	if err := s.Enqueue(first); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	if err := s.Enqueue(second); err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return s.ProcessedCount() == 2 },
		"segments never finished")

	pk.mu.Lock()
	defer pk.mu.Unlock()
	if len(pk.order) != 2 || pk.order[0] != "seg-a" || pk.order[1] != "seg-b" {
		t.Fatalf("windows picked in order %v, want [seg-a seg-b]", pk.order)
	}

	cancel()
	wg.Wait()
}

func TestLateStragglerStampedWithClosedEventID(t *testing.T) {
	policy := testPolicy()
	policy.LateGrace = 2 * time.Minute
	writer := newStubWriter()
	s := newTestScheduler(t, policy, writer)
	defer s.Release()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(id, station string, at time.Time) types.Pick {
		return types.Pick{
			ID:          id,
			StationCode: station,
			Channel:     "BHZ",
			Phase:       types.PhasePg,
			ArrivalTime: at,
			Confidence:  0.9,
		}
	}

	s.associatePicks([]types.Pick{mk("p1", "STA01", base), mk("p2", "STA02", base.Add(time.Second))})
	closed := s.associatePicks([]types.Pick{
		mk("p3", "STA01", base.Add(2*time.Minute)),
		mk("p4", "STA02", base.Add(2*time.Minute)),
	})
	if len(closed) != 1 {
		t.Fatalf("setup: expected 1 closed candidate, got %d", len(closed))
	}
	eventID := closed[0].ID

	straggler := []types.Pick{mk("p5", "STA03", base.Add(3*time.Second))}
	if extra := s.associatePicks(straggler); len(extra) != 0 {
		t.Fatalf("straggler closed %d candidates, want 0", len(extra))
	}
	if straggler[0].EventID != eventID {
		t.Fatalf("straggler EventID = %q, want closed event %q", straggler[0].EventID, eventID)
	}
	if len(closed[0].Picks) != 2 {
		t.Errorf("closed candidate grew to %d picks, want the 2 it closed with", len(closed[0].Picks))
	}

	seg := segment("seg-late", "STA03", base.Add(3*time.Second), 2)
	if err := s.runPersistStage(context.Background(), seg, straggler); err != nil {
		t.Fatalf("runPersistStage: %v", err)
	}
	for _, p := range writer.picksSnapshot() {
		if p.ID == "p5" {
			if p.EventID != eventID {
				t.Fatalf("persisted straggler EventID = %q, want %q", p.EventID, eventID)
			}
			return
		}
	}
	t.Fatal("straggler never reached the writer")
}
