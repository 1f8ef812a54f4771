package catalog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/seismox/seismox/internal/log"
	"github.com/seismox/seismox/internal/types"
)

// lockStripes bounds the per-event lock table. Two event ids hashing to
// the same stripe serialize against each other, which is safe, just
// occasionally slower.
const lockStripes = 64

// Writer provides idempotent persistence of picks, events, and waveform
// pointers. Writes are keyed by stable identifiers so redelivery after
// a retry cannot duplicate rows. Concurrent writes for the same event
// id are serialized.
type Writer struct {
	client *Client
	locks  [lockStripes]sync.Mutex
}

// NewWriter returns a Writer over the catalog client.
func NewWriter(client *Client) *Writer {
	return &Writer{client: client}
}

func (w *Writer) lockFor(eventID string) *sync.Mutex {
	var h uint32 = 2166136261
	for i := 0; i < len(eventID); i++ {
		h ^= uint32(eventID[i])
		h *= 16777619
	}
	return &w.locks[h%lockStripes]
}

// WriteWaveform records the durable pointer for a segment's raw data.
// Idempotent by segment id.
func (w *Writer) WriteWaveform(ctx context.Context, seg *types.WaveformSegment, state types.SegmentState) error {
	row := Waveform{
		SegmentID:   seg.ID,
		StationCode: seg.StationCode,
		Channel:     seg.Channel,
		FileRef:     seg.WaveformRef,
		StartTime:   seg.StartTime,
		EndTime:     seg.EndTime,
		SampleRate:  seg.SampleRate,
		ReceivedAt:  seg.ReceivedAt,
		State:       string(state),
	}
	err := w.client.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "segment_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state"}),
	}).Create(&row).Error
	if err != nil {
		return types.Transientf("catalog: writing waveform %s: %v", seg.ID, err)
	}
	return nil
}

// WritePick persists a single pick. Idempotent by the pick's
// deterministic id. A pick carrying an event id, such as a grace-period
// straggler resolved after its event closed, is attributed to that
// event here; the event row itself is left alone.
func (w *Writer) WritePick(ctx context.Context, p types.Pick) error {
	row := PhasePick{
		ID:            p.ID,
		SegmentID:     p.SegmentID,
		StationCode:   p.StationCode,
		Channel:       p.Channel,
		Phase:         string(p.Phase),
		ArrivalTime:   p.ArrivalTime,
		Confidence:    p.Confidence,
		Polarity:      string(p.Polarity),
		EventType:     p.EventType,
		Quality:       p.Quality,
		PickerVariant: p.PickerVariant,
	}
	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}
	if p.EventID != "" {
		eventID := p.EventID
		row.EventID = &eventID
		onConflict.DoNothing = false
		onConflict.DoUpdates = clause.AssignmentColumns([]string{"event_id"})
		mu := w.lockFor(p.EventID)
		mu.Lock()
		defer mu.Unlock()
	}
	err := w.client.DB.WithContext(ctx).Clauses(onConflict).Create(&row).Error
	if err != nil {
		return types.Transientf("catalog: writing pick %s: %v", p.ID, err)
	}
	return nil
}

// WriteEvent persists a located event together with pick attribution
// inside one transaction. Once it returns success, the event and its
// constituent picks are durably queryable. Idempotent by event id.
func (w *Writer) WriteEvent(ctx context.Context, ev types.LocatedEvent) error {
	mu := w.lockFor(ev.EventID)
	mu.Lock()
	defer mu.Unlock()

	refs := w.resolveWaveformRefs(ctx, ev)
	refsJSON, _ := json.Marshal(refs)

	scale, magnitude := primaryMagnitude(ev.Magnitudes)
	cand := types.CandidateEvent{Picks: ev.Picks}

	row := Event{
		EventID:        ev.EventID,
		OriginTime:     ev.OriginTime,
		Latitude:       ev.Hypocenter.Latitude,
		Longitude:      ev.Hypocenter.Longitude,
		DepthKm:        ev.Hypocenter.DepthKm,
		Magnitude:      magnitude,
		MagnitudeScale: scale,
		UncertaintyH:   ev.Uncertainty.HorizontalKm,
		UncertaintyV:   ev.Uncertainty.VerticalKm,
		EventType:      ev.EventType,
		Quality:        ev.Quality,
		StationCount:   cand.StationCount(),
		WaveformRefs:   string(refsJSON),
		CreatedAt:      time.Now().UTC(),
	}

	err := w.client.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).Create(&row).Error; err != nil {
			return err
		}

		for _, p := range ev.Picks {
			pick := PhasePick{
				ID:            p.ID,
				SegmentID:     p.SegmentID,
				StationCode:   p.StationCode,
				Channel:       p.Channel,
				Phase:         string(p.Phase),
				ArrivalTime:   p.ArrivalTime,
				Confidence:    p.Confidence,
				Polarity:      string(p.Polarity),
				EventType:     p.EventType,
				Quality:       p.Quality,
				PickerVariant: p.PickerVariant,
				EventID:       &ev.EventID,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"event_id"}),
			}).Create(&pick).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.Transientf("catalog: writing event %s: %v", ev.EventID, err)
	}

	log.Infof("event %s persisted: M%.1f %s at (%.3f, %.3f) depth %.1fkm, %d stations, quality %s",
		ev.EventID, magnitude, scale, row.Latitude, row.Longitude, row.DepthKm, row.StationCount, ev.Quality)
	return nil
}

// EventExists reports whether an event id is already cataloged. Used by
// the USGS sync to dedup across restarts.
func (w *Writer) EventExists(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := w.client.DB.WithContext(ctx).Model(&Event{}).Where("event_id = ?", eventID).Count(&count).Error
	if err != nil {
		return false, types.Transientf("catalog: checking event %s: %v", eventID, err)
	}
	return count > 0, nil
}

// resolveWaveformRefs maps the event's segment ids to stored file refs.
// Segments not yet cataloged keep their segment id as the ref.
func (w *Writer) resolveWaveformRefs(ctx context.Context, ev types.LocatedEvent) []string {
	refs := make([]string, 0, len(ev.WaveformRefs))
	for _, segID := range ev.WaveformRefs {
		var wf Waveform
		err := w.client.DB.WithContext(ctx).Where("segment_id = ?", segID).First(&wf).Error
		if err == nil && wf.FileRef != "" {
			refs = append(refs, wf.FileRef)
		} else {
			refs = append(refs, segID)
		}
	}
	return refs
}

func primaryMagnitude(mags map[string]float64) (string, float64) {
	if v, ok := mags["ml"]; ok {
		return "ml", v
	}
	for scale, v := range mags {
		return scale, v
	}
	return "ml", 0
}
