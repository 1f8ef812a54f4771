// Package health exposes the pipeline's operational HTTP surface: a
// JSON health endpoint and the Prometheus metrics endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/seismox/seismox/internal/ingest"
	"github.com/seismox/seismox/internal/log"
	"github.com/seismox/seismox/internal/metrics"
	"github.com/seismox/seismox/internal/usgs"
	"github.com/seismox/seismox/pkg/config"
)

// PipelineStatus is what the server needs from the scheduler.
type PipelineStatus interface {
	QueueDepth() int
	ProcessedCount() uint64
	FailedCount() uint64
}

// StreamStatus reports the live-stream session state.
type StreamStatus interface {
	Status() ingest.StreamStatus
}

// USGSStatus reports the catalog sync state.
type USGSStatus interface {
	Status() usgs.Status
}

// Response is the /health payload.
type Response struct {
	Status              string              `json:"status"`
	Message             string              `json:"message"`
	ProcessingQueueSize int                 `json:"processing_queue_size"`
	SegmentsProcessed   uint64              `json:"segments_processed"`
	SegmentsFailed      uint64              `json:"segments_failed"`
	Stream              ingest.StreamStatus `json:"stream"`
	USGS                *usgs.Status        `json:"usgs,omitempty"`
}

// Server hosts /health and /metrics.
type Server struct {
	ctx    context.Context
	wg     *sync.WaitGroup
	server http.Server

	pipeline PipelineStatus
	stream   StreamStatus
	sync     USGSStatus
	met      *metrics.Metrics
}

// NewServer builds the HTTP server. The usgsStatus argument may be nil
// when catalog sync is disabled.
func NewServer(ctx context.Context, wg *sync.WaitGroup, cfg config.HealthData, pipeline PipelineStatus, stream StreamStatus, usgsStatus USGSStatus, met *metrics.Metrics) *Server {
	s := &Server{
		ctx:      ctx,
		wg:       wg,
		pipeline: pipeline,
		stream:   stream,
		sync:     usgsStatus,
		met:      met,
	}

	addr := cfg.ListenAddr
	if addr == "" {
		log.Info("health listen-addr not provided; defaulting to 127.0.0.1:8080")
		addr = "127.0.0.1:8080"
	}

	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", met.Handler(func() {
		met.SetQueueDepth(pipeline.QueueDepth())
	})).Methods("GET")

	s.server.Addr = addr
	s.server.Handler = router
	return s
}

// Start launches the listener and a goroutine that shuts it down when
// the app context is cancelled.
func (s *Server) Start() error {
	log.Infof("health server starting on %s", s.server.Addr)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			log.Errorf("health server error: %v", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		log.Info("shutting down the health server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := Response{
		Status:              "ok",
		Message:             "seismox pipeline online",
		ProcessingQueueSize: s.pipeline.QueueDepth(),
		SegmentsProcessed:   s.pipeline.ProcessedCount(),
		SegmentsFailed:      s.pipeline.FailedCount(),
		Stream:              s.stream.Status(),
	}
	if s.sync != nil {
		st := s.sync.Status()
		resp.USGS = &st
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, fmt.Sprintf("encoding health response: %v", err), http.StatusInternalServerError)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debugf("%s %s %v", r.Method, r.URL.Path, time.Since(start))
	})
}
