// Package scheduler drives waveform segments through the processing
// pipeline: picking, association, location, and persistence. It owns a
// bounded queue and a fixed-size worker pool; per-segment state is
// tracked until a terminal state is reached.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/seismox/seismox/internal/associate"
	"github.com/seismox/seismox/internal/log"
	"github.com/seismox/seismox/internal/metrics"
	"github.com/seismox/seismox/internal/picker"
	"github.com/seismox/seismox/internal/types"
	"github.com/seismox/seismox/pkg/config"
)

// Stage names used in failure metrics and logs.
const (
	StagePick      = "pick"
	StageAssociate = "associate"
	StageLocate    = "locate"
	StagePersist   = "persist"
)

// CatalogWriter is the persistence surface the scheduler drives.
type CatalogWriter interface {
	WriteWaveform(ctx context.Context, seg *types.WaveformSegment, state types.SegmentState) error
	WritePick(ctx context.Context, p types.Pick) error
	WriteEvent(ctx context.Context, ev types.LocatedEvent) error
}

// Locator finalizes closed candidates.
type Locator interface {
	Locate(cand *types.CandidateEvent) types.LocatedEvent
}

// Scheduler owns segment processing from enqueue to terminal state.
type Scheduler struct {
	policy config.PipelinePolicy

	queue      chan *types.WaveformSegment
	pool       *ants.Pool
	buffer     *picker.Buffer
	pick       picker.Picker
	associator *associate.Associator
	locator    Locator
	writer     CatalogWriter
	met        *metrics.Metrics

	mu     sync.RWMutex
	states map[string]types.SegmentState

	runnersMu sync.Mutex
	runners   map[string]*keyRunner

	inFlight  atomic.Int64
	processed atomic.Uint64
	failed    atomic.Uint64
}

// New builds a Scheduler. Start must be called before Enqueue.
func New(policy config.PipelinePolicy, pick picker.Picker, assoc *associate.Associator,
	loc Locator, writer CatalogWriter, met *metrics.Metrics) (*Scheduler, error) {

	pool, err := ants.NewPool(policy.Workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}

	return &Scheduler{
		policy:     policy,
		queue:      make(chan *types.WaveformSegment, policy.QueueSize),
		pool:       pool,
		buffer:     picker.NewBuffer(policy.AccumulationWindow),
		pick:       pick,
		associator: assoc,
		locator:    loc,
		writer:     writer,
		met:        met,
		states:     make(map[string]types.SegmentState),
		runners:    make(map[string]*keyRunner),
	}, nil
}

// Start launches the dispatcher and the watermark sweeper.
func (s *Scheduler) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(2)
	go s.dispatch(ctx, wg)
	go s.sweep(ctx, wg)
	log.Infof("scheduler started with %d workers, queue capacity %d", s.policy.Workers, s.policy.QueueSize)
}

// Enqueue admits a segment to the bounded queue. A full queue rejects
// with ErrQueueSaturated; the caller must retry later. Segments are
// never dropped silently.
func (s *Scheduler) Enqueue(seg *types.WaveformSegment) error {
	s.setState(seg.ID, types.SegmentReceived)
	select {
	case s.queue <- seg:
		s.setState(seg.ID, types.SegmentQueued)
		return nil
	default:
		s.clearState(seg.ID)
		return fmt.Errorf("segment %s rejected: %w", seg.ID, types.ErrQueueSaturated)
	}
}

// Status returns a segment's processing state. Terminal states remain
// queryable for diagnostics.
func (s *Scheduler) Status(segmentID string) (types.SegmentState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[segmentID]
	return state, ok
}

// QueueDepth reports the number of segments waiting for a worker.
func (s *Scheduler) QueueDepth() int {
	return len(s.queue)
}

// ProcessedCount returns segments that reached the persisted state.
func (s *Scheduler) ProcessedCount() uint64 { return s.processed.Load() }

// FailedCount returns segments that exhausted their retries.
func (s *Scheduler) FailedCount() uint64 { return s.failed.Load() }

// Drain blocks until the queue is empty and no segment is in flight, or
// the context expires. Used by the live-stream stop protocol.
func (s *Scheduler) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(s.queue) == 0 && s.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain interrupted with %d queued, %d in flight: %w",
				len(s.queue), s.inFlight.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// dispatch feeds queued segments to the worker pool. The accumulation
// buffer is charged here, on the dispatcher goroutine, and each segment
// is handed to its station/channel runner, so picks for a pair enter
// association in arrival order regardless of how workers interleave.
func (s *Scheduler) dispatch(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case seg := <-s.queue:
			s.met.SetQueueDepth(len(s.queue))
			s.setState(seg.ID, types.SegmentPicking)
			window := s.buffer.Add(seg)

			s.inFlight.Add(1)
			segRef, windowRef := seg, window
			key := seg.StationCode + "/" + seg.Channel
			err := s.submitOrdered(key, func() {
				defer s.inFlight.Add(-1)
				s.process(ctx, segRef, windowRef)
			})
			if err != nil {
				s.inFlight.Add(-1)
				log.Errorf("submitting segment %s to worker pool: %v", seg.ID, err)
				s.fail(ctx, seg, StagePick)
			}
		case <-ctx.Done():
			log.Info("scheduler dispatcher shutting down")
			return
		}
	}
}

// keyRunner chains the tasks of one station/channel pair so they run
// one at a time, in submission order, on whichever pool worker picks
// the chain up. Pairs still process concurrently with each other.
type keyRunner struct {
	mu    sync.Mutex
	tasks []func()
	busy  bool
}

func (r *keyRunner) drain() {
	for {
		r.mu.Lock()
		if len(r.tasks) == 0 {
			r.busy = false
			r.mu.Unlock()
			return
		}
		task := r.tasks[0]
		r.tasks = r.tasks[1:]
		r.mu.Unlock()
		task()
	}
}

// submitOrdered appends the task to the key's chain and starts a pool
// worker on the chain unless one is already running it. Only the
// dispatcher calls this, so tasks for a key are appended in arrival
// order.
func (s *Scheduler) submitOrdered(key string, task func()) error {
	s.runnersMu.Lock()
	r, ok := s.runners[key]
	if !ok {
		r = &keyRunner{}
		s.runners[key] = r
	}
	s.runnersMu.Unlock()

	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	if r.busy {
		r.mu.Unlock()
		return nil
	}
	r.busy = true
	r.mu.Unlock()

	if err := s.pool.Submit(r.drain); err != nil {
		r.mu.Lock()
		r.tasks = r.tasks[:len(r.tasks)-1]
		r.busy = false
		r.mu.Unlock()
		return err
	}
	return nil
}

// sweep periodically closes residency-expired candidates and finalizes
// them; the watermark alone cannot close a window no new picks push
// past, such as a lone reporting station's.
func (s *Scheduler) sweep(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	interval := s.policy.ResidencyCap / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			for _, cand := range s.associator.SweepExpired(now) {
				cand := cand
				if err := s.pool.Submit(func() { s.finalize(ctx, cand) }); err != nil {
					log.Errorf("submitting swept candidate %s: %v", cand.ID, err)
				}
			}
		case <-ctx.Done():
			log.Info("scheduler sweeper shutting down")
			return
		}
	}
}

// process drives one segment through the pipeline stages sequentially.
// A nil window means the segment only extended a partial accumulation;
// it still completes with zero picks.
func (s *Scheduler) process(ctx context.Context, seg *types.WaveformSegment, window *picker.Window) {
	var picks []types.Pick

	if window != nil {
		var err error
		picks, err = s.runPickStage(ctx, window)
		if err != nil {
			s.fail(ctx, seg, StagePick)
			return
		}
		s.met.AddPicksEmitted(len(picks))
	}

	s.setState(seg.ID, types.SegmentAssociating)
	closed := s.associatePicks(picks)

	s.setState(seg.ID, types.SegmentLocating)
	for _, cand := range closed {
		if err := s.locateAndPersist(ctx, cand); err != nil {
			s.fail(ctx, seg, StageLocate)
			return
		}
	}

	if err := s.runPersistStage(ctx, seg, picks); err != nil {
		s.fail(ctx, seg, StagePersist)
		return
	}

	s.setState(seg.ID, types.SegmentPersisted)
	s.processed.Add(1)
	s.met.IncSegmentsProcessed()
}

// finalize handles a candidate closed by the sweeper, outside any
// segment's own lifecycle.
func (s *Scheduler) finalize(ctx context.Context, cand *types.CandidateEvent) {
	if err := s.locateAndPersist(ctx, cand); err != nil {
		log.Errorf("finalizing candidate %s failed: %v", cand.ID, err)
		s.met.IncStageFailure(StageLocate)
	}
}

// associatePicks feeds picks to the associator in order. Late picks
// within the grace period are stamped with their closed event's id so
// the persist stage attributes them in the catalog; the closed event
// itself is never touched.
func (s *Scheduler) associatePicks(picks []types.Pick) []*types.CandidateEvent {
	var closed []*types.CandidateEvent
	for i := range picks {
		res := s.associator.Ingest(picks[i])
		if res.LateDropped {
			picks[i].Quality = types.QualityLateDrop
			s.met.IncLateDropped()
		}
		if res.LateAttached {
			picks[i].EventID = res.AttachedTo
		}
		closed = append(closed, res.Closed...)
	}
	return closed
}

func (s *Scheduler) runPickStage(ctx context.Context, window *picker.Window) ([]types.Pick, error) {
	var picks []types.Pick
	err := s.withRetry(ctx, StagePick, func() error {
		pickCtx, cancel := context.WithTimeout(ctx, s.policy.StageTimeout)
		defer cancel()
		var err error
		picks, err = s.pick.Pick(pickCtx, window)
		return err
	})
	return picks, err
}

func (s *Scheduler) locateAndPersist(ctx context.Context, cand *types.CandidateEvent) error {
	ev := s.locator.Locate(cand)
	err := s.withRetry(ctx, StageLocate, func() error {
		return s.writer.WriteEvent(ctx, ev)
	})
	if err != nil {
		return err
	}
	s.met.IncEventsLocated()
	return nil
}

func (s *Scheduler) runPersistStage(ctx context.Context, seg *types.WaveformSegment, picks []types.Pick) error {
	return s.withRetry(ctx, StagePersist, func() error {
		for _, p := range picks {
			if err := s.writer.WritePick(ctx, p); err != nil {
				return err
			}
		}
		return s.writer.WriteWaveform(ctx, seg, types.SegmentPersisted)
	})
}

// withRetry runs fn with exponential backoff. Only transient failures
// are retried; anything else fails the stage immediately.
func (s *Scheduler) withRetry(ctx context.Context, stage string, fn func() error) error {
	backoff := s.policy.RetryBackoff
	var err error
	for attempt := 1; attempt <= s.policy.RetryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		s.met.IncStageFailure(stage)
		if !types.IsTransient(err) {
			return err
		}
		if attempt == s.policy.RetryAttempts {
			break
		}
		log.Warnf("stage %s attempt %d/%d failed, retrying in %v: %v",
			stage, attempt, s.policy.RetryAttempts, backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}

// fail moves a segment to the terminal failed state. Failed segments
// remain queryable and never block the rest of the queue.
func (s *Scheduler) fail(ctx context.Context, seg *types.WaveformSegment, stage string) {
	s.setState(seg.ID, types.SegmentFailed)
	s.failed.Add(1)
	s.met.IncSegmentsFailed()
	log.Errorf("segment %s failed at stage %s after %d attempts", seg.ID, stage, s.policy.RetryAttempts)

	// Best effort: record the terminal state so the segment does not
	// silently disappear from the catalog.
	if err := s.writer.WriteWaveform(ctx, seg, types.SegmentFailed); err != nil {
		log.Errorf("recording failed state for segment %s: %v", seg.ID, err)
	}
}

func (s *Scheduler) setState(segmentID string, next types.SegmentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.states[segmentID]
	if ok && !cur.CanTransitionTo(next) {
		return
	}
	s.states[segmentID] = next
}

func (s *Scheduler) clearState(segmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, segmentID)
}

// Release tears down the worker pool. Call after the context driving
// Start has been cancelled and drained.
func (s *Scheduler) Release() {
	s.pool.Release()
}
