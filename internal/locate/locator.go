// Package locate estimates a coarse hypocenter, origin time, and
// magnitude for a closed candidate event. Location never fails the
// pipeline: non-convergence yields a low-quality flagged result with
// widened uncertainty instead of an error.
package locate

import (
	"math"
	"time"

	"github.com/seismox/seismox/internal/log"
	"github.com/seismox/seismox/internal/types"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	// nominalPgVelocityKmS is the assumed crustal P-wave speed used to
	// convert arrival residuals into distance.
	nominalPgVelocityKmS = 6.0
	// travelTimeOffset approximates origin time from the first arrival.
	travelTimeOffset = 2 * time.Second
	// defaultDepthKm is used when depth cannot be resolved.
	defaultDepthKm = 10.0
	// kmPerDegree approximates great-circle distance at mid latitudes.
	kmPerDegree = 111.2

	maxIterations = 25
	convergenceKm = 0.5
	baseUncertHKm = 5.0
	baseUncertVKm = 5.0
	wideUncertHKm = 50.0
	wideUncertVKm = 25.0
)

// StationLookup resolves a station code to its coordinates. Missing
// stations are skipped during location.
type StationLookup func(code string) (types.StationLocation, bool)

// Locator computes located events from candidates.
type Locator struct {
	lookup      StationLookup
	minStations int
	defaultMag  float64
}

// New returns a Locator using the given station lookup and policy.
func New(lookup StationLookup, minStations int, defaultMagnitude float64) *Locator {
	return &Locator{
		lookup:      lookup,
		minStations: minStations,
		defaultMag:  defaultMagnitude,
	}
}

// Locate is a pure function over the candidate's picks. The returned
// event is always well formed; quality reflects how much the estimate
// can be trusted.
func (l *Locator) Locate(cand *types.CandidateEvent) types.LocatedEvent {
	stations := l.resolveStations(cand)

	ev := types.LocatedEvent{
		EventID:    cand.ID,
		EventType:  "earthquake",
		Quality:    types.QualityNominal,
		Picks:      cand.Picks,
		Magnitudes: map[string]float64{"ml": l.magnitude(cand)},
	}

	earliest := cand.EarliestArrival()
	if earliest.IsZero() {
		earliest = cand.OriginTime
	}
	ev.OriginTime = earliest.Add(-travelTimeOffset)

	refs := make(map[string]struct{})
	for _, p := range cand.Picks {
		if p.SegmentID != "" {
			if _, ok := refs[p.SegmentID]; !ok {
				refs[p.SegmentID] = struct{}{}
				ev.WaveformRefs = append(ev.WaveformRefs, p.SegmentID)
			}
		}
	}

	if len(stations) == 0 {
		// Nothing to anchor the hypocenter to; flag and widen.
		ev.Quality = types.QualityLowQuality
		ev.Hypocenter = types.Hypocenter{DepthKm: defaultDepthKm}
		ev.Uncertainty = types.Uncertainty{HorizontalKm: wideUncertHKm, VerticalKm: wideUncertVKm}
		return ev
	}

	if len(stations) < l.minStations {
		// Too few stations for a residual fit: station centroid
		// heuristic, flagged low quality.
		lat, lon := centroid(stations)
		ev.Quality = types.QualityLowQuality
		ev.Hypocenter = types.Hypocenter{Latitude: lat, Longitude: lon, DepthKm: defaultDepthKm}
		ev.Uncertainty = types.Uncertainty{HorizontalKm: wideUncertHKm, VerticalKm: wideUncertVKm}
		return ev
	}

	lat, lon, converged := l.refine(cand, stations)
	ev.Hypocenter = types.Hypocenter{Latitude: lat, Longitude: lon, DepthKm: defaultDepthKm}
	if converged {
		ev.Uncertainty = types.Uncertainty{HorizontalKm: baseUncertHKm, VerticalKm: baseUncertVKm}
	} else {
		log.Warnf("location did not converge for candidate %s, widening uncertainty", cand.ID)
		ev.Quality = types.QualityLowQuality
		ev.Uncertainty = types.Uncertainty{HorizontalKm: wideUncertHKm, VerticalKm: wideUncertVKm}
	}
	return ev
}

func (l *Locator) resolveStations(cand *types.CandidateEvent) []types.StationLocation {
	seen := make(map[string]struct{})
	var out []types.StationLocation
	for _, p := range cand.Picks {
		if _, ok := seen[p.StationCode]; ok {
			continue
		}
		seen[p.StationCode] = struct{}{}
		if loc, ok := l.lookup(p.StationCode); ok {
			out = append(out, loc)
		}
	}
	return out
}

// refine runs a Gauss-Newton style iteration over the epicenter,
// minimizing arrival-time residuals under a uniform velocity model.
// Returns the best estimate and whether the step size converged.
func (l *Locator) refine(cand *types.CandidateEvent, stations []types.StationLocation) (float64, float64, bool) {
	lat, lon := centroid(stations)

	firstArrival := make(map[string]time.Time)
	for _, p := range cand.Picks {
		if cur, ok := firstArrival[p.StationCode]; !ok || p.ArrivalTime.Before(cur) {
			firstArrival[p.StationCode] = p.ArrivalTime
		}
	}

	origin := cand.EarliestArrival().Add(-travelTimeOffset)

	for iter := 0; iter < maxIterations; iter++ {
		rows := 0
		jac := mat.NewDense(len(stations), 2, nil)
		res := mat.NewVecDense(len(stations), nil)

		for _, st := range stations {
			arr, ok := firstArrival[st.Code]
			if !ok {
				continue
			}
			dKm := distanceKm(lat, lon, st.Latitude, st.Longitude)
			predicted := dKm / nominalPgVelocityKmS
			observed := arr.Sub(origin).Seconds()

			// Partial derivatives of travel time w.r.t. epicenter
			// position, in seconds per degree.
			cosLat := math.Cos(lat * math.Pi / 180)
			dLat := (st.Latitude - lat) * kmPerDegree
			dLon := (st.Longitude - lon) * kmPerDegree * cosLat
			if dKm < 1e-6 {
				dKm = 1e-6
			}
			jac.Set(rows, 0, -dLat*kmPerDegree/dKm/nominalPgVelocityKmS)
			jac.Set(rows, 1, -dLon*kmPerDegree*cosLat/dKm/nominalPgVelocityKmS)
			res.SetVec(rows, observed-predicted)
			rows++
		}
		if rows < 2 {
			return lat, lon, false
		}

		jacR := jac.Slice(0, rows, 0, 2).(*mat.Dense)
		resR := res.SliceVec(0, rows).(*mat.VecDense)

		var step mat.VecDense
		if err := step.SolveVec(jacR, resR); err != nil {
			return lat, lon, false
		}

		dLatDeg := step.AtVec(0)
		dLonDeg := step.AtVec(1)
		lat += clampStep(dLatDeg)
		lon += clampStep(dLonDeg)

		stepKm := math.Hypot(dLatDeg*kmPerDegree, dLonDeg*kmPerDegree)
		if stepKm < convergenceKm {
			return lat, lon, true
		}
	}
	return lat, lon, false
}

// magnitude is a monotonic function of peak amplitude across picks, or
// the configured default when no amplitude data is available.
func (l *Locator) magnitude(cand *types.CandidateEvent) float64 {
	amps := make([]float64, 0, len(cand.Picks))
	for _, p := range cand.Picks {
		if p.PeakAmplitude > 0 {
			amps = append(amps, p.PeakAmplitude)
		}
	}
	if len(amps) == 0 {
		return l.defaultMag
	}
	peak := stat.Quantile(1.0, stat.Empirical, sorted(amps), nil)
	return round2(l.defaultMag + math.Log10(1+peak))
}

func centroid(stations []types.StationLocation) (float64, float64) {
	var lat, lon float64
	for _, st := range stations {
		lat += st.Latitude
		lon += st.Longitude
	}
	n := float64(len(stations))
	return lat / n, lon / n
}

func distanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * kmPerDegree
	dLon := (lon2 - lon1) * kmPerDegree * math.Cos(lat1*math.Pi/180)
	return math.Hypot(dLat, dLon)
}

// clampStep bounds a single iteration step to one degree to keep a bad
// residual from throwing the estimate across the globe.
func clampStep(deg float64) float64 {
	if deg > 1 {
		return 1
	}
	if deg < -1 {
		return -1
	}
	return deg
}

func sorted(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
