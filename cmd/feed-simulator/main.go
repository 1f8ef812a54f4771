// feed-simulator is a TCP feed server that emits synthetic waveform
// frames for a set of station codes. Point seismoxd's stream section at
// it to exercise the full pipeline without real instruments.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"

	"github.com/seismox/seismox/internal/ingest"
)

const (
	frameInterval = time.Second
	sampleRate    = 100.0
	network       = "SX"
)

type subscriber struct {
	conn    gnet.Conn
	station string // empty means all stations
	quit    chan struct{}
}

type feedServer struct {
	gnet.BuiltinEventEngine

	stations      []string
	eventInterval time.Duration

	mu   sync.Mutex
	subs map[string]*subscriber
}

func (s *feedServer) OnBoot(eng gnet.Engine) gnet.Action {
	log.Printf("feed simulator serving %d stations", len(s.stations))
	return gnet.None
}

func (s *feedServer) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	sub := &subscriber{conn: c, quit: make(chan struct{})}
	s.mu.Lock()
	s.subs[c.RemoteAddr().String()] = sub
	s.mu.Unlock()
	go s.stream(sub)
	log.Printf("client connected: %s", c.RemoteAddr())
	return nil, gnet.None
}

func (s *feedServer) OnClose(c gnet.Conn, err error) gnet.Action {
	s.mu.Lock()
	if sub, ok := s.subs[c.RemoteAddr().String()]; ok {
		close(sub.quit)
		delete(s.subs, c.RemoteAddr().String())
	}
	s.mu.Unlock()
	log.Printf("client disconnected: %s", c.RemoteAddr())
	return gnet.None
}

// OnTraffic reads the client's subscribe request: a frame whose station
// field selects one station, or empty for all.
func (s *feedServer) OnTraffic(c gnet.Conn) gnet.Action {
	buf, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}
	frame, err := ingest.ReadFrame(bytes.NewReader(buf))
	if err != nil {
		log.Printf("bad subscribe request from %s: %v", c.RemoteAddr(), err)
		return gnet.Close
	}
	s.mu.Lock()
	if sub, ok := s.subs[c.RemoteAddr().String()]; ok {
		sub.station = frame.Station
	}
	s.mu.Unlock()
	if frame.Station != "" {
		log.Printf("%s subscribed to station %s", c.RemoteAddr(), frame.Station)
	}
	return gnet.None
}

// stream pushes one frame per station per interval until the client
// disconnects. An event burst is injected across all stations on the
// event interval so downstream association has something to find.
func (s *feedServer) stream(sub *subscriber) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	lastEvent := time.Now()
	for {
		select {
		case <-sub.quit:
			return
		case now := <-ticker.C:
			burst := false
			if now.Sub(lastEvent) >= s.eventInterval {
				burst = true
				lastEvent = now
			}
			for i, station := range s.stations {
				if sub.station != "" && sub.station != station {
					continue
				}
				// Stagger the burst onset per station to mimic
				// travel-time moveout.
				frame := synthesize(station, now, burst, time.Duration(i)*300*time.Millisecond)
				payload, err := ingest.EncodeFrame(frame)
				if err != nil {
					log.Printf("encoding frame: %v", err)
					continue
				}
				if err := sub.conn.AsyncWrite(payload, nil); err != nil {
					return
				}
			}
		}
	}
}

// synthesize builds one second of Gaussian noise, with a decaying sine
// burst overlaid when an event is active.
func synthesize(station string, now time.Time, burst bool, moveout time.Duration) *ingest.Frame {
	n := int(sampleRate * frameInterval.Seconds())
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = rand.NormFloat64() * 0.1
	}
	if burst {
		onset := int(moveout.Seconds() * sampleRate)
		for i := onset; i < n; i++ {
			t := float64(i-onset) / sampleRate
			samples[i] += 5.0 * math.Exp(-t*2) * math.Sin(2*math.Pi*8*t)
		}
	}
	return &ingest.Frame{
		Network:    network,
		Station:    station,
		Channel:    "BHZ",
		StartTime:  now.UTC().Add(-frameInterval),
		SampleRate: sampleRate,
		Samples:    samples,
	}
}

func main() {
	listen := flag.String("listen", "tcp://:18000", "Listen address for the feed server")
	stations := flag.String("stations", "STA01,STA02,STA03", "Comma-separated station codes to emit")
	eventEvery := flag.Duration("event-interval", 45*time.Second, "How often to inject a synthetic event burst")
	multicore := flag.Bool("multicore", false, "Run gnet with one event loop per core")
	flag.Parse()

	codes := strings.Split(*stations, ",")
	for i := range codes {
		codes[i] = strings.TrimSpace(codes[i])
	}
	if len(codes) == 0 {
		fmt.Fprintln(os.Stderr, "at least one station code is required")
		os.Exit(1)
	}

	srv := &feedServer{
		stations:      codes,
		eventInterval: *eventEvery,
		subs:          make(map[string]*subscriber),
	}
	if err := gnet.Run(srv, *listen, gnet.WithMulticore(*multicore)); err != nil {
		log.Fatalf("feed server: %v", err)
	}
}
