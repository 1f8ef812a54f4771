package picker

import (
	"sync"
	"time"

	"github.com/seismox/seismox/internal/types"
)

// Buffer accumulates samples per station/channel pair until enough have
// arrived for one picking window. Partial windows are held, never
// discarded; Flush forces evaluation of whatever has accumulated.
type Buffer struct {
	window time.Duration

	mu      sync.Mutex
	pending map[string]*accumulation
}

type accumulation struct {
	segmentID   string
	stationCode string
	channel     string
	startTime   time.Time
	sampleRate  float64
	samples     []float64
}

func (a *accumulation) duration() time.Duration {
	if a.sampleRate <= 0 {
		return 0
	}
	secs := float64(len(a.samples)) / a.sampleRate
	return time.Duration(secs * float64(time.Second))
}

// NewBuffer returns a Buffer that releases windows once window worth of
// samples has accumulated for a station/channel.
func NewBuffer(window time.Duration) *Buffer {
	return &Buffer{
		window:  window,
		pending: make(map[string]*accumulation),
	}
}

// Add appends a segment's samples to its station/channel accumulation.
// When the accumulation reaches the configured window it is released and
// returned; otherwise Add returns nil and holds the partial window.
func (b *Buffer) Add(seg *types.WaveformSegment) *Window {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := seg.StationCode + "/" + seg.Channel
	acc, ok := b.pending[key]
	if !ok {
		acc = &accumulation{
			segmentID:   seg.ID,
			stationCode: seg.StationCode,
			channel:     seg.Channel,
			startTime:   seg.StartTime,
			sampleRate:  seg.SampleRate,
		}
		b.pending[key] = acc
	}
	acc.samples = append(acc.samples, seg.Samples...)
	// The newest segment carries provenance for the eventual window:
	// its picks trace back to the segment that completed the window.
	acc.segmentID = seg.ID
	if seg.SampleRate > 0 {
		acc.sampleRate = seg.SampleRate
	}

	if acc.duration() < b.window {
		return nil
	}

	delete(b.pending, key)
	return acc.toWindow(false)
}

// Flush releases the partial accumulation for a station/channel pair, or
// nil when nothing is pending.
func (b *Buffer) Flush(stationCode, channel string) *Window {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := stationCode + "/" + channel
	acc, ok := b.pending[key]
	if !ok {
		return nil
	}
	delete(b.pending, key)
	return acc.toWindow(true)
}

// Pending reports the number of station/channel pairs holding partial
// windows.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (a *accumulation) toWindow(partial bool) *Window {
	return &Window{
		SegmentID:   a.segmentID,
		StationCode: a.stationCode,
		Channel:     a.channel,
		StartTime:   a.startTime,
		SampleRate:  a.sampleRate,
		Samples:     a.samples,
		Partial:     partial,
	}
}
