package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/seismox/seismox/internal/log"
	"github.com/seismox/seismox/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

// StationRegistry is the station lookup/upsert surface the adapter
// needs. Backed by the catalog in production.
type StationRegistry interface {
	Known(code string) bool
	Upsert(st types.StationLocation, name, status string) error
}

// WaveformStore persists raw payloads durably before a segment is
// acknowledged.
type WaveformStore interface {
	Put(stationCode string, receivedAt time.Time, data []byte) (string, error)
}

// Enqueuer admits canonical segments to the scheduler.
type Enqueuer interface {
	Enqueue(seg *types.WaveformSegment) error
}

// SegmentInput is the pre-validation form of an arriving segment, from
// either a live-stream frame or a decoded upload payload.
type SegmentInput struct {
	StationCode string
	Channel     string
	StartTime   time.Time
	EndTime     time.Time
	SampleRate  float64
	Samples     []float64

	// StationName and Location carry optional metadata for first-sight
	// station registration.
	StationName string
	Location    *types.StationLocation
}

// Adapter is the waveform source adapter. It validates input, persists
// raw samples durably, registers unknown stations, and enqueues the
// canonical segment.
type Adapter struct {
	registry StationRegistry
	store    WaveformStore
	sched    Enqueuer
}

// NewAdapter wires the adapter to its collaborators.
func NewAdapter(registry StationRegistry, store WaveformStore, sched Enqueuer) *Adapter {
	return &Adapter{registry: registry, store: store, sched: sched}
}

// Submit validates and admits one segment, returning its id. Validation
// failures return ErrMalformedInput without enqueuing anything. Raw
// samples are durably stored before the segment is acknowledged: losing
// raw data is not acceptable even if downstream processing fails.
func (a *Adapter) Submit(ctx context.Context, in SegmentInput) (string, error) {
	if err := a.validate(&in); err != nil {
		return "", err
	}

	if !a.registry.Known(in.StationCode) {
		if err := a.registerStation(in); err != nil {
			return "", err
		}
	}

	receivedAt := time.Now().UTC()
	raw, err := msgpack.Marshal(&Frame{
		Station:    in.StationCode,
		Channel:    in.Channel,
		StartTime:  in.StartTime,
		SampleRate: in.SampleRate,
		Samples:    in.Samples,
	})
	if err != nil {
		return "", fmt.Errorf("serializing raw samples: %w", err)
	}

	ref, err := a.store.Put(in.StationCode, receivedAt, raw)
	if err != nil {
		return "", err
	}

	seg := &types.WaveformSegment{
		ID:          uuid.New().String(),
		StationCode: in.StationCode,
		Channel:     in.Channel,
		StartTime:   in.StartTime,
		EndTime:     in.EndTime,
		SampleRate:  in.SampleRate,
		Samples:     in.Samples,
		WaveformRef: ref,
		ReceivedAt:  receivedAt,
	}

	if err := a.sched.Enqueue(seg); err != nil {
		// The raw write already happened; redelivery after backpressure
		// clears is the caller's responsibility.
		return "", err
	}

	log.Debugf("segment %s admitted for %s/%s (%d samples)", seg.ID, seg.StationCode, seg.Channel, len(seg.Samples))
	return seg.ID, nil
}

// SubmitFrame adapts a live-stream frame into a Submit call. This is
// the per-packet callback the stream session invokes.
func (a *Adapter) SubmitFrame(ctx context.Context, f *Frame) (string, error) {
	name := f.Station
	if f.Network != "" {
		name = f.Network + "-" + f.Station
	}
	return a.Submit(ctx, SegmentInput{
		StationCode: f.Station,
		Channel:     f.Channel,
		StartTime:   f.StartTime,
		EndTime:     f.EndTime(),
		SampleRate:  f.SampleRate,
		Samples:     f.Samples,
		StationName: name,
	})
}

func (a *Adapter) validate(in *SegmentInput) error {
	if in.StationCode == "" {
		return fmt.Errorf("%w: missing station code", types.ErrMalformedInput)
	}
	if len(in.Samples) == 0 {
		return fmt.Errorf("%w: empty sample buffer", types.ErrMalformedInput)
	}
	if in.SampleRate <= 0 {
		return fmt.Errorf("%w: non-positive sample rate %f", types.ErrMalformedInput, in.SampleRate)
	}
	if in.StartTime.IsZero() {
		return fmt.Errorf("%w: missing start timestamp", types.ErrMalformedInput)
	}
	if in.EndTime.IsZero() {
		secs := float64(len(in.Samples)) / in.SampleRate
		in.EndTime = in.StartTime.Add(time.Duration(secs * float64(time.Second)))
	}
	if !in.EndTime.After(in.StartTime) {
		return fmt.Errorf("%w: end time %v not after start time %v", types.ErrMalformedInput, in.EndTime, in.StartTime)
	}
	if in.Channel == "" {
		in.Channel = "BHZ"
	}
	return nil
}

// registerStation upserts a first-sight station with whatever metadata
// the input carries. The upsert is idempotent by station code.
func (a *Adapter) registerStation(in SegmentInput) error {
	loc := types.StationLocation{Code: in.StationCode}
	if in.Location != nil {
		loc = *in.Location
		loc.Code = in.StationCode
	}
	name := in.StationName
	if name == "" {
		name = in.StationCode
	}
	log.Infof("registering station %s on first sight", in.StationCode)
	return a.registry.Upsert(loc, name, "streaming")
}
