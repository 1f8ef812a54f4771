package types

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSegmentStateTransitions(t *testing.T) {
	tests := []struct {
		from, to SegmentState
		allowed  bool
	}{
		{SegmentReceived, SegmentQueued, true},
		{SegmentQueued, SegmentPicking, true},
		{SegmentPicking, SegmentAssociating, true},
		{SegmentAssociating, SegmentLocating, true},
		{SegmentLocating, SegmentPersisted, true},
		{SegmentQueued, SegmentPersisted, true}, // stage skipping is legal
		{SegmentPicking, SegmentFailed, true},
		{SegmentQueued, SegmentReceived, false}, // no regression
		{SegmentLocating, SegmentPicking, false},
		{SegmentPersisted, SegmentFailed, false}, // terminal is final
		{SegmentFailed, SegmentQueued, false},
		{SegmentPersisted, SegmentPersisted, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
				t.Errorf("CanTransitionTo = %v, want %v", got, tt.allowed)
			}
		})
	}
}

func TestTerminalStates(t *testing.T) {
	for _, st := range []SegmentState{SegmentReceived, SegmentQueued, SegmentPicking, SegmentAssociating, SegmentLocating} {
		if st.Terminal() {
			t.Errorf("%s reported terminal", st)
		}
	}
	for _, st := range []SegmentState{SegmentPersisted, SegmentFailed} {
		if !st.Terminal() {
			t.Errorf("%s not reported terminal", st)
		}
	}
}

func TestCandidateEventStationCount(t *testing.T) {
	cand := CandidateEvent{
		Picks: []Pick{
			{StationCode: "STA01"},
			{StationCode: "STA01"},
			{StationCode: "STA02"},
		},
	}
	if got := cand.StationCount(); got != 2 {
		t.Errorf("StationCount = %d, want 2", got)
	}
}

func TestCandidateEventEarliestArrival(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cand := CandidateEvent{
		Picks: []Pick{
			{ArrivalTime: base.Add(3 * time.Second)},
			{ArrivalTime: base},
			{ArrivalTime: base.Add(time.Second)},
		},
	}
	if got := cand.EarliestArrival(); !got.Equal(base) {
		t.Errorf("EarliestArrival = %v, want %v", got, base)
	}
}

func TestTransientClassification(t *testing.T) {
	plain := errors.New("boom")
	if IsTransient(plain) {
		t.Error("plain error classified transient")
	}
	if !IsTransient(Transient(plain)) {
		t.Error("wrapped error not classified transient")
	}
	if !IsTransient(fmt.Errorf("outer: %w", Transientf("inner %d", 1))) {
		t.Error("nested transient not detected through wrapping")
	}
	if Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}

	wrapped := fmt.Errorf("segment rejected: %w", ErrQueueSaturated)
	if !errors.Is(wrapped, ErrQueueSaturated) {
		t.Error("sentinel lost through wrapping")
	}
}

func TestPhaseByIndex(t *testing.T) {
	if p, ok := PhaseByIndex(0); !ok || p != PhasePg {
		t.Errorf("PhaseByIndex(0) = %v,%v, want Pg", p, ok)
	}
	if _, ok := PhaseByIndex(len(Phases)); ok {
		t.Error("PhaseByIndex out of range reported ok")
	}
	if _, ok := PhaseByIndex(-1); ok {
		t.Error("PhaseByIndex(-1) reported ok")
	}
}
