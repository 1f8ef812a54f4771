package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/seismox/seismox/internal/ingest"
	"github.com/seismox/seismox/internal/metrics"
	"github.com/seismox/seismox/internal/usgs"
	"github.com/seismox/seismox/pkg/config"
)

type stubPipeline struct {
	depth     int
	processed uint64
	failed    uint64
}

func (s stubPipeline) QueueDepth() int        { return s.depth }
func (s stubPipeline) ProcessedCount() uint64 { return s.processed }
func (s stubPipeline) FailedCount() uint64    { return s.failed }

type stubStream struct {
	status ingest.StreamStatus
}

func (s stubStream) Status() ingest.StreamStatus { return s.status }

type stubUSGS struct {
	status usgs.Status
}

func (s stubUSGS) Status() usgs.Status { return s.status }

func newTestServer(t *testing.T, withUSGS bool) *Server {
	t.Helper()
	var wg sync.WaitGroup
	var usgsStatus USGSStatus
	if withUSGS {
		usgsStatus = stubUSGS{status: usgs.Status{Running: true, EventsSeen: 7}}
	}
	return NewServer(context.Background(), &wg, config.HealthData{ListenAddr: "127.0.0.1:0"},
		stubPipeline{depth: 3, processed: 42, failed: 1},
		stubStream{status: ingest.StreamStatus{Running: true, Frames: 100, Station: "STA01", LastFrame: time.Now()}},
		usgsStatus, metrics.New())
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q, want application/json", ct)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status field = %q, want ok", resp.Status)
	}
	if resp.ProcessingQueueSize != 3 {
		t.Errorf("processing_queue_size = %d, want 3", resp.ProcessingQueueSize)
	}
	if resp.SegmentsProcessed != 42 || resp.SegmentsFailed != 1 {
		t.Errorf("counts = %d/%d, want 42/1", resp.SegmentsProcessed, resp.SegmentsFailed)
	}
	if !resp.Stream.Running || resp.Stream.Station != "STA01" {
		t.Errorf("stream status = %+v", resp.Stream)
	}
	if resp.USGS == nil || !resp.USGS.Running || resp.USGS.EventsSeen != 7 {
		t.Errorf("usgs status = %+v", resp.USGS)
	}
}

func TestHealthEndpointWithoutUSGS(t *testing.T) {
	srv := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.USGS != nil {
		t.Errorf("usgs status = %+v, want omitted when sync disabled", resp.USGS)
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	srv := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("metrics body empty")
	}
}
