package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/seismox/seismox/internal/types"
)

// newTestClient opens a file-backed SQLite catalog so the ON CONFLICT
// clauses run against a real database.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test catalog: %v", err)
	}
	if err := db.AutoMigrate(&Station{}, &Waveform{}, &PhasePick{}, &Event{}); err != nil {
		t.Fatalf("migrating test catalog: %v", err)
	}
	return &Client{DB: db}
}

func testEvent(id string) types.LocatedEvent {
	origin := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return types.LocatedEvent{
		EventID:    id,
		OriginTime: origin,
		Hypocenter: types.Hypocenter{Latitude: 35.0, Longitude: -118.0, DepthKm: 10},
		Magnitudes: map[string]float64{"ml": 2.4},
		EventType:  "earthquake",
		Quality:    types.QualityNominal,
		Picks: []types.Pick{
			{
				ID:          "pick-1",
				StationCode: "STA01",
				Channel:     "BHZ",
				Phase:       types.PhasePg,
				ArrivalTime: origin.Add(2 * time.Second),
				Confidence:  0.9,
				SegmentID:   "seg-1",
			},
			{
				ID:          "pick-2",
				StationCode: "STA02",
				Channel:     "BHZ",
				Phase:       types.PhasePg,
				ArrivalTime: origin.Add(3 * time.Second),
				Confidence:  0.8,
				SegmentID:   "seg-2",
			},
		},
		WaveformRefs: []string{"seg-1", "seg-2"},
	}
}

func TestWriteEventTwiceStoresOneEvent(t *testing.T) {
	client := newTestClient(t)
	w := NewWriter(client)
	ctx := context.Background()

	ev := testEvent("ev-idem")
	if err := w.WriteEvent(ctx, ev); err != nil {
		t.Fatalf("first WriteEvent: %v", err)
	}

	// Redelivery after a retry carries the same event id; the stored
	// row must survive untouched.
	ev.Magnitudes = map[string]float64{"ml": 9.9}
	if err := w.WriteEvent(ctx, ev); err != nil {
		t.Fatalf("second WriteEvent: %v", err)
	}

	var count int64
	if err := client.DB.Model(&Event{}).Where("event_id = ?", "ev-idem").Count(&count).Error; err != nil {
		t.Fatalf("counting events: %v", err)
	}
	if count != 1 {
		t.Fatalf("stored %d events for one id, want 1", count)
	}

	var row Event
	if err := client.DB.Where("event_id = ?", "ev-idem").First(&row).Error; err != nil {
		t.Fatalf("loading event: %v", err)
	}
	if row.Magnitude != 2.4 {
		t.Errorf("magnitude = %v, want the first write's 2.4", row.Magnitude)
	}
	if row.StationCount != 2 {
		t.Errorf("station count = %d, want 2", row.StationCount)
	}
}

func TestWriteEventAttributesPicks(t *testing.T) {
	client := newTestClient(t)
	w := NewWriter(client)
	ctx := context.Background()

	ev := testEvent("ev-attr")

	// The persist stage may have written the bare picks already.
	for _, p := range ev.Picks {
		if err := w.WritePick(ctx, p); err != nil {
			t.Fatalf("WritePick: %v", err)
		}
	}
	if err := w.WriteEvent(ctx, ev); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	var picks []PhasePick
	if err := client.DB.Where("event_id = ?", "ev-attr").Find(&picks).Error; err != nil {
		t.Fatalf("loading picks: %v", err)
	}
	if len(picks) != 2 {
		t.Fatalf("attributed %d picks, want 2", len(picks))
	}
}

func TestWritePickIdempotentByID(t *testing.T) {
	client := newTestClient(t)
	w := NewWriter(client)
	ctx := context.Background()

	p := testEvent("unused").Picks[0]
	if err := w.WritePick(ctx, p); err != nil {
		t.Fatalf("first WritePick: %v", err)
	}
	if err := w.WritePick(ctx, p); err != nil {
		t.Fatalf("second WritePick: %v", err)
	}

	var count int64
	if err := client.DB.Model(&PhasePick{}).Where("id = ?", p.ID).Count(&count).Error; err != nil {
		t.Fatalf("counting picks: %v", err)
	}
	if count != 1 {
		t.Fatalf("stored %d picks for one id, want 1", count)
	}
}

func TestWritePickStragglerJoinsClosedEvent(t *testing.T) {
	client := newTestClient(t)
	w := NewWriter(client)
	ctx := context.Background()

	ev := testEvent("ev-late")
	if err := w.WriteEvent(ctx, ev); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	straggler := types.Pick{
		ID:          "pick-late",
		StationCode: "STA03",
		Channel:     "BHZ",
		Phase:       types.PhasePg,
		ArrivalTime: ev.OriginTime.Add(4 * time.Second),
		Confidence:  0.7,
		SegmentID:   "seg-3",
		EventID:     "ev-late",
	}
	if err := w.WritePick(ctx, straggler); err != nil {
		t.Fatalf("WritePick: %v", err)
	}

	var row PhasePick
	if err := client.DB.Where("id = ?", "pick-late").First(&row).Error; err != nil {
		t.Fatalf("loading straggler: %v", err)
	}
	if row.EventID == nil || *row.EventID != "ev-late" {
		t.Fatalf("straggler event_id = %v, want ev-late", row.EventID)
	}

	// The event row itself stays untouched.
	var count int64
	if err := client.DB.Model(&Event{}).Where("event_id = ?", "ev-late").Count(&count).Error; err != nil {
		t.Fatalf("counting events: %v", err)
	}
	if count != 1 {
		t.Fatalf("stored %d events, want 1", count)
	}
}
