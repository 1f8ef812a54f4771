// Package metrics exposes Prometheus instrumentation for the pipeline
// health surface: queue depth, per-stage failures, and stream session
// state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the seismic pipeline.
type Metrics struct {
	registry          *prometheus.Registry
	queueDepth        prometheus.Gauge
	segmentsProcessed prometheus.Counter
	segmentsFailed    prometheus.Counter
	stageFailures     *prometheus.CounterVec
	picksEmitted      prometheus.Counter
	pickerFallbacks   prometheus.Counter
	lateDropped       prometheus.Counter
	eventsLocated     prometheus.Counter
	streamActive      prometheus.Gauge
	streamFrames      prometheus.Counter
}

// New creates and registers Prometheus metrics for the pipeline.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seismo_queue_depth",
		Help: "Current number of waveform segments waiting in the processing queue",
	})
	segmentsProcessed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seismo_segments_processed_total",
		Help: "Total number of waveform segments that reached the persisted state",
	})
	segmentsFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seismo_segments_failed_total",
		Help: "Total number of waveform segments that exhausted retries",
	})
	stageFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seismo_stage_failures_total",
		Help: "Total number of stage failures by pipeline stage",
	}, []string{"stage"})
	picksEmitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seismo_picks_emitted_total",
		Help: "Total number of phase picks produced by the pickers",
	})
	pickerFallbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seismo_picker_fallbacks_total",
		Help: "Total number of picker calls served by the simulated fallback",
	})
	lateDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seismo_late_picks_dropped_total",
		Help: "Total number of picks dropped for arriving past the association grace period",
	})
	eventsLocated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seismo_events_located_total",
		Help: "Total number of candidate events located and persisted",
	})
	streamActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seismo_stream_session_active",
		Help: "Whether a live-stream ingest session is currently running (1 or 0)",
	})
	streamFrames := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seismo_stream_frames_total",
		Help: "Total number of waveform frames received on the live stream",
	})

	registry.MustRegister(
		queueDepth,
		segmentsProcessed,
		segmentsFailed,
		stageFailures,
		picksEmitted,
		pickerFallbacks,
		lateDropped,
		eventsLocated,
		streamActive,
		streamFrames,
	)

	return &Metrics{
		registry:          registry,
		queueDepth:        queueDepth,
		segmentsProcessed: segmentsProcessed,
		segmentsFailed:    segmentsFailed,
		stageFailures:     stageFailures,
		picksEmitted:      picksEmitted,
		pickerFallbacks:   pickerFallbacks,
		lateDropped:       lateDropped,
		eventsLocated:     eventsLocated,
		streamActive:      streamActive,
		streamFrames:      streamFrames,
	}
}

// SetQueueDepth sets the queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// IncSegmentsProcessed increments the processed segment counter.
func (m *Metrics) IncSegmentsProcessed() {
	m.segmentsProcessed.Inc()
}

// IncSegmentsFailed increments the failed segment counter.
func (m *Metrics) IncSegmentsFailed() {
	m.segmentsFailed.Inc()
}

// IncStageFailure increments the failure counter for the named stage.
func (m *Metrics) IncStageFailure(stage string) {
	m.stageFailures.WithLabelValues(stage).Inc()
}

// AddPicksEmitted adds n to the emitted pick counter.
func (m *Metrics) AddPicksEmitted(n int) {
	m.picksEmitted.Add(float64(n))
}

// IncPickerFallback increments the simulated fallback counter.
func (m *Metrics) IncPickerFallback() {
	m.pickerFallbacks.Inc()
}

// IncLateDropped increments the late-and-dropped pick counter.
func (m *Metrics) IncLateDropped() {
	m.lateDropped.Inc()
}

// IncEventsLocated increments the located event counter.
func (m *Metrics) IncEventsLocated() {
	m.eventsLocated.Inc()
}

// SetStreamActive sets the live-stream session gauge.
func (m *Metrics) SetStreamActive(active bool) {
	if active {
		m.streamActive.Set(1)
	} else {
		m.streamActive.Set(0)
	}
}

// IncStreamFrames increments the received frame counter.
func (m *Metrics) IncStreamFrames() {
	m.streamFrames.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (e.g. queue depth).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
