package internal

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/koochoy97/leaf-microservice/internal/api"
	"github.com/koochoy97/leaf-microservice/internal/event"
	"github.com/koochoy97/leaf-microservice/internal/fetch"
	"github.com/koochoy97/leaf-microservice/internal/ffmpeg"
	"github.com/koochoy97/leaf-microservice/internal/frames"
	"github.com/koochoy97/leaf-microservice/internal/ingest"
	"github.com/koochoy97/leaf-microservice/internal/metrics"
	"github.com/koochoy97/leaf-microservice/internal/render"
	"github.com/koochoy97/leaf-microservice/internal/retention"
	"github.com/koochoy97/leaf-microservice/internal/storage"
	"github.com/koochoy97/leaf-microservice/internal/stream"
	"github.com/koochoy97/leaf-microservice/internal/upload"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	// Renderers are the optional document rendering collaborators. Routes
	// for a nil renderer report it as unavailable.
	Renderers struct {
		Templates render.TemplateRenderer
		Repeater  render.BlockRepeater
		HTML      render.HTMLRenderer
	}

	// leafImpl represents the top-level object for the server, and is
	// responsible for initialising the pipeline stages, services, event
	// handling, et cetera...
	leafImpl struct {
		config   LeafConfig
		eventBus event.EventCoordinator
		metrics  *metrics.Metrics

		assembler     *upload.Assembler
		ingestService *ingest.Service
		restGateway   *api.RestGateway
		activity      *activityService
	}
)

// New constructs every stage of the pipeline using the config given. The
// storage directories are created if they do not exist.
func New(config LeafConfig, renderers Renderers) (*leafImpl, error) {
	log.Emit(logger.DEBUG, "Bootstrapping Leaf services using config: %#v\n", config)
	if err := config.Storage.Prepare(); err != nil {
		return nil, fmt.Errorf("failed to prepare storage: %w", err)
	}

	leaf := &leafImpl{config: config, eventBus: event.New(), metrics: metrics.New()}

	chunks, err := storage.NewChunkStore(config.Storage.ChunkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to construct chunk store: %w", err)
	}

	leaf.assembler, err = upload.NewAssembler(config.Upload, chunks, config.Storage.AssetDir, leaf.eventBus)
	if err != nil {
		return nil, fmt.Errorf("failed to construct upload assembler: %w", err)
	}

	sampler, err := frames.NewSampler(config.Frames, ffmpeg.NewProber(config.FFmpeg), ffmpeg.NewDecoder(config.FFmpeg), config.Storage.FrameDir)
	if err != nil {
		return nil, fmt.Errorf("failed to construct frame sampler: %w", err)
	}

	fetcher := fetch.New(config.Fetch, config.Storage.AssetDir, &http.Client{})
	purger := retention.New(config.Storage.FrameDir, config.Storage.AssetDir)

	leaf.ingestService, err = ingest.New(config.Ingest, leaf.assembler, sampler, fetcher, purger, leaf.eventBus)
	if err != nil {
		return nil, fmt.Errorf("failed to construct ingest service: %w", err)
	}

	leaf.restGateway = api.NewRestGateway(&config.RestConfig, api.Dependencies{
		Ingest:    leaf.ingestService,
		Streamer:  stream.NewServer(config.Storage.AssetDir),
		Metrics:   leaf.metrics.Handler(),
		FrameDir:  config.Storage.FrameDir,
		Templates: renderers.Templates,
		Repeater:  renderers.Repeater,
		HTML:      renderers.HTML,
	})
	leaf.restGateway.WithActivityState(leaf.activityState)
	leaf.activity = newActivityService(leaf.restGateway, leaf.eventBus)

	leaf.registerMetrics()
	return leaf, nil
}

func (leaf *leafImpl) registerMetrics() {
	leaf.metrics.Subscribe(leaf.eventBus)
	leaf.metrics.Gauge("upload_sessions_active", "Number of upload sessions being tracked", func() float64 {
		return float64(leaf.assembler.ActiveSessions())
	})
	leaf.metrics.Gauge("activity_clients", "Number of connected activity socket clients", func() float64 {
		return float64(leaf.restGateway.ActivityClients())
	})
	leaf.metrics.Gauge("assembly_workers_busy", "Number of assembly workers executing a task", func() float64 {
		busy, _ := leaf.ingestService.BusyWorkers()
		return float64(busy)
	})
	leaf.metrics.Gauge("extraction_workers_busy", "Number of extraction workers executing a task", func() float64 {
		_, busy := leaf.ingestService.BusyWorkers()
		return float64(busy)
	})
	leaf.metrics.Gauge("cached_extractions", "Number of completed extractions held for late chunks", func() float64 {
		return float64(leaf.ingestService.CachedExtractions())
	})
}

// activityState is the snapshot sent to activity socket clients on
// connection.
func (leaf *leafImpl) activityState() map[string]any {
	assembly, extraction := leaf.ingestService.BusyWorkers()
	return map[string]any{
		"active_sessions":    leaf.assembler.ActiveSessions(),
		"cached_extractions": leaf.ingestService.CachedExtractions(),
		"busy_workers":       map[string]int{"assembly": assembly, "extraction": extraction},
	}
}

// Run will start all of Leaf by bringing up the pipeline services and the
// REST gateway. This function will not return until Leaf is stopped.
// To stop Leaf, the provided context must be cancelled. Errors from which
// a service cannot recover will also cause Leaf to stop.
func (leaf *leafImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %v\n", label, err)
		cancel(fmt.Errorf("%s: %w", label, err))
	}

	wg := &sync.WaitGroup{}
	leaf.spawnAsyncService(ctx, wg, leaf.activity, "activity-service", crashHandler)
	leaf.spawnAsyncService(ctx, wg, leaf.ingestService, "ingest-service", crashHandler)
	leaf.spawnAsyncService(ctx, wg, leaf.restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "Leaf services spawned!\n")

	wg.Wait()
	if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
		return cause
	}

	return nil
}

// spawnAsyncService will run the provided service as it's own
// go-routine, ensuring that the service waitgroup is updated correctly
func (leaf *leafImpl) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(label string, crash func(string, error)) {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(serviceLabel, crashHandler)
}
