package catalog

import (
	"sync"
	"time"

	"gorm.io/gorm/clause"

	"github.com/seismox/seismox/internal/log"
	"github.com/seismox/seismox/internal/types"
)

// Registry is the station registry: lookup by code plus idempotent
// upsert-on-first-sight. A read cache backs the locator's per-pick
// lookups so location never touches the database.
type Registry struct {
	client *Client

	mu    sync.RWMutex
	cache map[string]types.StationLocation
}

// NewRegistry loads known stations into the cache.
func NewRegistry(client *Client) (*Registry, error) {
	r := &Registry{
		client: client,
		cache:  make(map[string]types.StationLocation),
	}

	var stations []Station
	if err := client.DB.Find(&stations).Error; err != nil {
		return nil, types.Transientf("catalog: loading stations: %v", err)
	}
	for _, st := range stations {
		r.cache[st.Code] = types.StationLocation{
			Code:       st.Code,
			Latitude:   st.Latitude,
			Longitude:  st.Longitude,
			ElevationM: st.ElevationM,
		}
	}
	log.Infof("station registry loaded %d stations", len(stations))
	return r, nil
}

// Lookup returns the station's coordinates when known.
func (r *Registry) Lookup(code string) (types.StationLocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.cache[code]
	return loc, ok
}

// Known reports whether the station code is registered.
func (r *Registry) Known(code string) bool {
	_, ok := r.Lookup(code)
	return ok
}

// Upsert registers a station keyed by code. Existing rows only refresh
// last_seen; coordinates from config are never clobbered by the minimal
// metadata a live stream carries.
func (r *Registry) Upsert(st types.StationLocation, name, status string) error {
	now := time.Now().UTC()
	row := Station{
		Code:         st.Code,
		Name:         name,
		Latitude:     st.Latitude,
		Longitude:    st.Longitude,
		ElevationM:   st.ElevationM,
		IsActive:     true,
		Status:       status,
		RegisteredAt: now,
		LastSeen:     now,
	}

	err := r.client.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_seen": now}),
	}).Create(&row).Error
	if err != nil {
		return types.Transientf("catalog: upserting station %s: %v", st.Code, err)
	}

	r.mu.Lock()
	if _, ok := r.cache[st.Code]; !ok {
		r.cache[st.Code] = st
	}
	r.mu.Unlock()
	return nil
}

// Seed registers a configured station authoritatively. Unlike Upsert,
// an existing row's coordinates, name, and status are overwritten, and
// the cache entry is refreshed, so configured coordinates win over
// whatever a live-stream first sight recorded.
func (r *Registry) Seed(st types.StationLocation, name, status string) error {
	now := time.Now().UTC()
	row := Station{
		Code:         st.Code,
		Name:         name,
		Latitude:     st.Latitude,
		Longitude:    st.Longitude,
		ElevationM:   st.ElevationM,
		IsActive:     true,
		Status:       status,
		RegisteredAt: now,
		LastSeen:     now,
	}

	err := r.client.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "code"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"name":        name,
			"latitude":    st.Latitude,
			"longitude":   st.Longitude,
			"elevation_m": st.ElevationM,
			"is_active":   true,
			"status":      status,
			"last_seen":   now,
		}),
	}).Create(&row).Error
	if err != nil {
		return types.Transientf("catalog: seeding station %s: %v", st.Code, err)
	}

	r.mu.Lock()
	r.cache[st.Code] = st
	r.mu.Unlock()
	return nil
}
