package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/seismox/seismox/internal/associate"
	"github.com/seismox/seismox/internal/catalog"
	"github.com/seismox/seismox/internal/health"
	"github.com/seismox/seismox/internal/ingest"
	"github.com/seismox/seismox/internal/locate"
	"github.com/seismox/seismox/internal/log"
	"github.com/seismox/seismox/internal/metrics"
	"github.com/seismox/seismox/internal/picker"
	"github.com/seismox/seismox/internal/scheduler"
	"github.com/seismox/seismox/internal/types"
	"github.com/seismox/seismox/internal/usgs"
	"github.com/seismox/seismox/internal/wavestore"
	"github.com/seismox/seismox/pkg/config"
)

// App represents the main application
type App struct {
	configProvider config.ConfigProvider
	logger         *zap.SugaredLogger
}

// New creates a new application instance
func New(configProvider config.ConfigProvider, logger *zap.SugaredLogger) *App {
	return &App{
		configProvider: configProvider,
		logger:         logger,
	}
}

// Run starts the application and blocks until shutdown
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := a.configProvider.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	policy := cfg.Pipeline.Policy()

	// Catalog storage
	client, err := catalog.NewClient(cfg.Storage.ConnectionString)
	if err != nil {
		return fmt.Errorf("connecting to catalog: %w", err)
	}
	registry, err := catalog.NewRegistry(client)
	if err != nil {
		return fmt.Errorf("loading station registry: %w", err)
	}
	if err := seedStations(registry, cfg.Stations); err != nil {
		return err
	}
	writer := catalog.NewWriter(client)

	store, err := wavestore.New(cfg.Storage.WaveformDir)
	if err != nil {
		return fmt.Errorf("opening waveform store: %w", err)
	}

	met := metrics.New()

	// Phase picker: model-backed with simulated fallback when an
	// artifact is configured, simulated-only otherwise.
	var pick picker.Picker
	if policy.ModelArtifact != "" {
		pick = picker.NewWithFallback(picker.NewModel(policy.ModelArtifact), func() {
			met.IncPickerFallback()
		})
	} else {
		log.Info("no model artifact configured; using simulated picker")
		pick = picker.NewSimulated()
	}

	assoc := associate.New(associate.Config{
		BucketWidth:          policy.BucketWidth,
		CoincidenceTolerance: policy.CoincidenceTolerance,
		AllowedLateness:      policy.AllowedLateness,
		LateGrace:            policy.LateGrace,
		ResidencyCap:         policy.ResidencyCap,
		MinStations:          policy.MinStations,
	})

	locator := locate.New(func(code string) (types.StationLocation, bool) {
		return registry.Lookup(code)
	}, policy.MinStations, policy.DefaultMagnitude)

	sched, err := scheduler.New(policy, pick, assoc, locator, writer, met)
	if err != nil {
		return err
	}
	sched.Start(ctx, &wg)
	defer sched.Release()

	adapter := ingest.NewAdapter(registry, store, sched)

	// Live-stream session
	stream := ingest.NewStreamSession(cfg.Stream, adapter, sched, met)
	if cfg.Stream.Hostname != "" {
		if _, err := stream.Start(ctx); err != nil {
			return fmt.Errorf("starting live-stream session: %w", err)
		}
	} else {
		log.Info("no stream feed configured; live ingestion idle")
	}

	// USGS catalog sync
	var poller *usgs.Poller
	if cfg.USGS.Enabled {
		poller = usgs.NewPoller(cfg.USGS, writer, registry)
		poller.Start(ctx)
	}

	// Health and metrics surface
	var pollerStatus health.USGSStatus
	if poller != nil {
		pollerStatus = poller
	}
	srv := health.NewServer(ctx, &wg, cfg.Health, sched, stream, pollerStatus, met)
	if err := srv.Start(); err != nil {
		return err
	}

	log.Info("application started successfully")

	// Set up signal handling
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	select {
	case <-sigs:
		log.Info("shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
		log.Info("context cancelled, shutting down...")
	}

	// Stop admitting frames and let in-flight segments reach a
	// terminal state before tearing the pipeline down.
	if stopped, err := stream.Stop(context.Background()); err != nil {
		log.Warnf("stream drain: %v", err)
	} else if stopped {
		log.Info("live-stream session drained")
	}
	if poller != nil {
		poller.Stop()
	}

	cancel()

	log.Info("waiting for all workers to terminate...")
	wg.Wait()
	log.Info("shutdown complete")

	return nil
}

// seedStations registers configured stations so the locator has
// coordinates before the first waveform arrives.
func seedStations(registry *catalog.Registry, stations []config.StationData) error {
	for _, st := range stations {
		err := registry.Seed(types.StationLocation{
			Code:       st.Code,
			Latitude:   st.Latitude,
			Longitude:  st.Longitude,
			ElevationM: st.ElevationM,
		}, st.Name, "configured")
		if err != nil {
			return fmt.Errorf("seeding station %s: %w", st.Code, err)
		}
	}
	return nil
}
