// Package associate correlates phase picks from multiple stations into
// candidate events. Open candidates are keyed by approximate origin-time
// bucket; a per-station watermark reconciles out-of-order arrival.
package associate

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/seismox/seismox/internal/log"
	"github.com/seismox/seismox/internal/types"
)

// Config holds the association policy constants. All of them are
// domain-tuning decisions surfaced through the config provider.
type Config struct {
	// BucketWidth is the origin-time bucket granularity for indexing
	// open candidates.
	BucketWidth time.Duration
	// CoincidenceTolerance bounds how far a pick's arrival may sit from
	// a candidate's origin estimate and still attach.
	CoincidenceTolerance time.Duration
	// AllowedLateness is subtracted from the per-station minimum when
	// advancing the watermark.
	AllowedLateness time.Duration
	// LateGrace is how long a closed candidate still accepts stragglers.
	LateGrace time.Duration
	// ResidencyCap bounds how long a candidate stays open on the wall
	// clock regardless of watermark progress.
	ResidencyCap time.Duration
	// MinStations is the station count below which a located event is
	// flagged low quality.
	MinStations int
}

// Result reports the outcome of one Ingest call.
type Result struct {
	// Closed lists candidates closed by this ingest, ready for location.
	Closed []*types.CandidateEvent
	// AttachedTo is the id of the candidate the pick joined, including
	// a closed candidate reached within the grace period. Empty when
	// the pick was dropped.
	AttachedTo string
	// LateAttached is set when AttachedTo names an already closed
	// candidate. The closed event itself is never modified; the caller
	// persists the pick against that event id.
	LateAttached bool
	// LateDropped is set when the pick arrived past the grace period
	// and was recorded as late-and-dropped rather than attached.
	LateDropped bool
}

type openCandidate struct {
	cand      *types.CandidateEvent
	createdAt time.Time // wall clock, for residency accounting
	seq       uint64    // strictly ordered creation sequence, for tie-breaks
}

type closedCandidate struct {
	cand     *types.CandidateEvent
	closedAt time.Time // watermark position at close
}

// Associator maintains the open candidate set. All mutation happens
// under its mutex: callers share Ingest/SweepExpired but never touch
// internal state (single-writer discipline).
type Associator struct {
	cfg Config

	mu          sync.Mutex
	open        map[int64][]*openCandidate
	recent      map[string]*closedCandidate
	stationMax  map[string]time.Time
	watermark   time.Time
	seq         uint64
	lateDropped uint64
}

// New returns an Associator with the given policy.
func New(cfg Config) *Associator {
	return &Associator{
		cfg:        cfg,
		open:       make(map[int64][]*openCandidate),
		recent:     make(map[string]*closedCandidate),
		stationMax: make(map[string]time.Time),
	}
}

// Ingest attaches the pick to an open candidate, opens a new one, or
// classifies it late. Candidates whose windows have fallen behind the
// advanced watermark are closed and returned.
func (a *Associator) Ingest(p types.Pick) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	var res Result

	a.advanceWatermark(p)

	if !a.watermark.IsZero() && p.ArrivalTime.Before(a.watermark) {
		// Out-of-order pick behind the watermark: only a recently
		// closed candidate within the grace period may still take it.
		if id := a.attachLate(p); id != "" {
			res.AttachedTo = id
			res.LateAttached = true
		} else {
			a.lateDropped++
			res.LateDropped = true
			log.Warnf("pick %s from %s arrived %.1fs behind watermark, dropped as late",
				p.ID, p.StationCode, a.watermark.Sub(p.ArrivalTime).Seconds())
		}
		res.Closed = a.closeBehindWatermark()
		return res
	}

	target := a.bestCandidate(p)
	if target == nil {
		target = a.openNew(p)
	}
	a.attach(target, p)
	res.AttachedTo = target.cand.ID

	res.Closed = a.closeBehindWatermark()
	return res
}

// SweepExpired closes candidates that have exhausted their wall-clock
// residency cap and evicts closed candidates past the grace period. It
// drives closure for candidates the watermark alone would never reach,
// such as a lone reporting station.
func (a *Associator) SweepExpired(now time.Time) []*types.CandidateEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	var closed []*types.CandidateEvent
	for bucket, cands := range a.open {
		kept := cands[:0]
		for _, oc := range cands {
			if now.Sub(oc.createdAt) >= a.cfg.ResidencyCap {
				closed = append(closed, a.close(oc))
			} else {
				kept = append(kept, oc)
			}
		}
		if len(kept) == 0 {
			delete(a.open, bucket)
		} else {
			a.open[bucket] = kept
		}
	}

	for id, cc := range a.recent {
		if now.Sub(cc.closedAt) > a.cfg.LateGrace+a.cfg.ResidencyCap {
			delete(a.recent, id)
		}
	}

	return closed
}

// Watermark returns the current global watermark. It never regresses.
func (a *Associator) Watermark() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watermark
}

// OpenCount returns the number of open candidates.
func (a *Associator) OpenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, cands := range a.open {
		n += len(cands)
	}
	return n
}

// LateDropped returns the count of picks dropped past the grace period.
func (a *Associator) LateDropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lateDropped
}

// advanceWatermark records the station's newest arrival and moves the
// global watermark to the minimum of per-station maxima minus the
// allowed lateness. The watermark is monotonic by construction.
func (a *Associator) advanceWatermark(p types.Pick) {
	if cur, ok := a.stationMax[p.StationCode]; !ok || p.ArrivalTime.After(cur) {
		a.stationMax[p.StationCode] = p.ArrivalTime
	}

	var minMax time.Time
	for _, t := range a.stationMax {
		if minMax.IsZero() || t.Before(minMax) {
			minMax = t
		}
	}
	if minMax.IsZero() {
		return
	}
	wm := minMax.Add(-a.cfg.AllowedLateness)
	if wm.After(a.watermark) {
		a.watermark = wm
	}
}

func (a *Associator) bucketOf(t time.Time) int64 {
	return t.UnixNano() / int64(a.cfg.BucketWidth)
}

// bestCandidate finds the open candidate whose origin estimate is
// closest to the pick's arrival, within the coincidence tolerance.
// Exact ties go to the earlier-created candidate.
func (a *Associator) bestCandidate(p types.Pick) *openCandidate {
	lo := a.bucketOf(p.ArrivalTime.Add(-a.cfg.CoincidenceTolerance))
	hi := a.bucketOf(p.ArrivalTime.Add(a.cfg.CoincidenceTolerance))

	var best *openCandidate
	var bestDist time.Duration
	for b := lo; b <= hi; b++ {
		for _, oc := range a.open[b] {
			dist := absDuration(p.ArrivalTime.Sub(oc.cand.OriginTime))
			if dist > a.cfg.CoincidenceTolerance {
				continue
			}
			switch {
			case best == nil, dist < bestDist:
				best, bestDist = oc, dist
			case dist == bestDist && oc.seq < best.seq:
				best = oc
			}
		}
	}
	return best
}

func (a *Associator) openNew(p types.Pick) *openCandidate {
	a.seq++
	now := time.Now()
	oc := &openCandidate{
		cand: &types.CandidateEvent{
			ID:         uuid.New().String(),
			CreatedAt:  now,
			OriginTime: p.ArrivalTime,
			WindowEnd:  p.ArrivalTime.Add(a.cfg.CoincidenceTolerance),
			Quality:    types.QualityNominal,
		},
		createdAt: now,
		seq:       a.seq,
	}
	bucket := a.bucketOf(p.ArrivalTime)
	a.open[bucket] = append(a.open[bucket], oc)
	return oc
}

func (a *Associator) attach(oc *openCandidate, p types.Pick) {
	oc.cand.Picks = append(oc.cand.Picks, p)
	if p.ArrivalTime.Before(oc.cand.OriginTime) {
		oc.cand.OriginTime = p.ArrivalTime
		oc.cand.WindowEnd = p.ArrivalTime.Add(a.cfg.CoincidenceTolerance)
	}
}

// attachLate resolves a behind-watermark pick to a recently closed
// candidate and returns its id. The candidate is not touched: once
// closed it may be under concurrent location, so attribution happens
// in the catalog, keyed by the returned event id.
func (a *Associator) attachLate(p types.Pick) string {
	if a.watermark.Sub(p.ArrivalTime) > a.cfg.LateGrace {
		return ""
	}
	var best *closedCandidate
	var bestDist time.Duration
	for _, cc := range a.recent {
		dist := absDuration(p.ArrivalTime.Sub(cc.cand.OriginTime))
		if dist > a.cfg.CoincidenceTolerance {
			continue
		}
		if best == nil || dist < bestDist {
			best, bestDist = cc, dist
		}
	}
	if best == nil {
		return ""
	}
	return best.cand.ID
}

// closeBehindWatermark closes every open candidate whose window end has
// fallen behind the watermark. Caller holds the mutex.
func (a *Associator) closeBehindWatermark() []*types.CandidateEvent {
	if a.watermark.IsZero() {
		return nil
	}
	var closed []*types.CandidateEvent
	for bucket, cands := range a.open {
		kept := cands[:0]
		for _, oc := range cands {
			if oc.cand.WindowEnd.Before(a.watermark) {
				closed = append(closed, a.close(oc))
			} else {
				kept = append(kept, oc)
			}
		}
		if len(kept) == 0 {
			delete(a.open, bucket)
		} else {
			a.open[bucket] = kept
		}
	}
	return closed
}

func (a *Associator) close(oc *openCandidate) *types.CandidateEvent {
	oc.cand.Closed = true
	a.recent[oc.cand.ID] = &closedCandidate{cand: oc.cand, closedAt: time.Now()}
	log.Debugf("candidate %s closed with %d picks from %d stations",
		oc.cand.ID, len(oc.cand.Picks), oc.cand.StationCount())
	return oc.cand
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
