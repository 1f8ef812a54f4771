package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/seismox/seismox/internal/log"
	"github.com/seismox/seismox/internal/metrics"
	"github.com/seismox/seismox/internal/types"
	"github.com/seismox/seismox/pkg/config"
)

// Drainer lets the session wait for already-admitted segments to reach
// a terminal state before the transport is released.
type Drainer interface {
	Drain(ctx context.Context) error
}

// StreamStatus is the live session state exposed on the health surface.
type StreamStatus struct {
	Running   bool      `json:"running"`
	Stopping  bool      `json:"stopping"`
	Frames    uint64    `json:"frames"`
	Network   string    `json:"network,omitempty"`
	Station   string    `json:"station,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	LastFrame time.Time `json:"last_frame,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// StreamSession ingests waveform frames from an upstream feed server.
// The session owns the TCP connection; every received packet becomes a
// SubmitFrame call on the adapter. Stop follows a drain-then-stop
// protocol: no new frames are admitted, queued segments finish, then
// the connection is released.
type StreamSession struct {
	cfg     config.StreamData
	adapter *Adapter
	drainer Drainer
	met     *metrics.Metrics

	mu       sync.Mutex
	running  bool
	stopping bool
	conn     net.Conn
	done     chan struct{}
	status   StreamStatus
}

// NewStreamSession builds a session; Start actually connects.
func NewStreamSession(cfg config.StreamData, adapter *Adapter, drainer Drainer, met *metrics.Metrics) *StreamSession {
	return &StreamSession{
		cfg:     cfg,
		adapter: adapter,
		drainer: drainer,
		met:     met,
	}
}

// Start launches the streaming goroutine. Returns false when a session
// is already running.
func (s *StreamSession) Start(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false, nil
	}
	if s.cfg.Hostname == "" || s.cfg.Port == "" {
		return false, fmt.Errorf("stream session requires a hostname and port")
	}

	s.running = true
	s.stopping = false
	s.done = make(chan struct{})
	s.status = StreamStatus{
		Running: true,
		Network: s.cfg.Network,
		Station: s.cfg.Station,
		Channel: s.cfg.Channel,
	}
	s.met.SetStreamActive(true)

	go s.run(ctx)
	return true, nil
}

// Stop marks the session stopping, stops admitting frames, waits for
// queued segments to drain, then releases the transport. A segment that
// has entered association or later always reaches a terminal state
// before the session reports stopped.
func (s *StreamSession) Stop(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false, nil
	}
	s.stopping = true
	s.status.Stopping = true
	conn := s.conn
	done := s.done
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	select {
	case <-done:
	case <-ctx.Done():
		return false, fmt.Errorf("waiting for stream goroutine: %w", ctx.Err())
	}

	drainErr := s.drainer.Drain(ctx)

	s.mu.Lock()
	s.running = false
	s.stopping = false
	s.conn = nil
	s.status.Running = false
	s.status.Stopping = false
	s.mu.Unlock()
	s.met.SetStreamActive(false)

	if drainErr != nil {
		return true, drainErr
	}
	log.Info("live-stream session stopped and drained")
	return true, nil
}

// Status returns a snapshot of the session state.
func (s *StreamSession) Status() StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *StreamSession) run(ctx context.Context) {
	defer close(s.done)

	baseDelay := time.Second
	attempt := 0

	for {
		if s.isStopping() || ctx.Err() != nil {
			return
		}

		// Exponential backoff between connection attempts, capped at
		// 30 seconds.
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
			log.Warnf("stream reconnect attempt %d in %v", attempt, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		attempt++

		conn, err := net.Dial("tcp", net.JoinHostPort(s.cfg.Hostname, s.cfg.Port))
		if err != nil {
			s.setError(fmt.Sprintf("dialing feed server: %v", err))
			continue
		}

		if err := s.subscribe(conn); err != nil {
			s.setError(fmt.Sprintf("subscribing: %v", err))
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.status.Error = ""
		s.mu.Unlock()
		attempt = 0
		log.Infof("live stream connected to %s:%s", s.cfg.Hostname, s.cfg.Port)

		s.readLoop(ctx, conn)
		conn.Close()
	}
}

// subscribe tells the feed server which stream to deliver. The request
// is an empty frame carrying only the selection fields.
func (s *StreamSession) subscribe(conn net.Conn) error {
	req, err := EncodeFrame(&Frame{
		Network: s.cfg.Network,
		Station: s.cfg.Station,
		Channel: s.cfg.Channel,
	})
	if err != nil {
		return err
	}
	_, err = conn.Write(req)
	return err
}

func (s *StreamSession) readLoop(ctx context.Context, conn net.Conn) {
	for {
		if s.isStopping() || ctx.Err() != nil {
			return
		}

		frame, err := ReadFrame(conn)
		if err != nil {
			if !s.isStopping() {
				s.setError(fmt.Sprintf("reading frame: %v", err))
			}
			return
		}

		s.deliver(ctx, frame)
	}
}

// deliver submits one frame, waiting out queue saturation rather than
// dropping the frame.
func (s *StreamSession) deliver(ctx context.Context, frame *Frame) {
	for {
		if s.isStopping() || ctx.Err() != nil {
			return
		}
		_, err := s.adapter.SubmitFrame(ctx, frame)
		if err == nil {
			s.met.IncStreamFrames()
			s.mu.Lock()
			s.status.Frames++
			s.status.LastFrame = time.Now().UTC()
			s.mu.Unlock()
			return
		}
		if errors.Is(err, types.ErrQueueSaturated) {
			select {
			case <-time.After(250 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}
		log.Errorf("dropping malformed stream frame from %s: %v", frame.Station, err)
		return
	}
}

func (s *StreamSession) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *StreamSession) setError(msg string) {
	s.mu.Lock()
	s.status.Error = msg
	s.mu.Unlock()
	log.Warn(msg)
}
