package ingest

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/koochoy97/leaf-microservice/internal/event"
	"github.com/koochoy97/leaf-microservice/internal/fault"
	"github.com/koochoy97/leaf-microservice/internal/frames"
	"github.com/koochoy97/leaf-microservice/internal/retention"
	"github.com/koochoy97/leaf-microservice/internal/storage"
	"github.com/koochoy97/leaf-microservice/internal/upload"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
	ksync "github.com/koochoy97/leaf-microservice/pkg/sync"
	"github.com/koochoy97/leaf-microservice/pkg/worker"
)

var log = logger.Get("IngestServ")

type (
	assembler interface {
		AcceptChunk(ctx context.Context, req upload.ChunkRequest, payload io.Reader) (*upload.Outcome, error)
		Discard(sessionID string) (int, error)
		Run(ctx context.Context) error
	}

	sampler interface {
		ExtractFrames(ctx context.Context, assetPath string, sessionID string, interval float64) (*frames.Extraction, error)
	}

	fetcher interface {
		Fetch(ctx context.Context, rawURL string) (*upload.Asset, error)
	}

	purger interface {
		Purge(ctx context.Context, sessionID string) (*retention.Report, error)
	}

	// Result describes the state of an ingest after a request. Extraction
	// is only populated once the asset exists and frames were sampled from
	// it; Outcome is nil for remote ingests.
	Result struct {
		SessionID  string
		Outcome    *upload.Outcome
		Asset      *upload.Asset
		Extraction *frames.Extraction
	}

	CleanupReport struct {
		SessionID     string
		ChunksDeleted int
		FramesDeleted int
		AssetsDeleted int
		Failures      []retention.Failure
	}

	// Service chains the pipeline stages together: chunks are assembled in
	// to an asset, and completed assets have frames sampled from them.
	// Assembly and extraction each run on their own bounded worker pool so
	// a long extraction cannot hold up chunk uploads for other sessions.
	Service struct {
		config    Config
		assembler assembler
		sampler   sampler
		fetcher   fetcher
		purger    purger
		eventBus  event.EventDispatcher

		assemblyPool   *worker.WorkerPool
		extractionPool *worker.WorkerPool
		extractions    ksync.TypedSyncMap[string, *frames.Extraction]
		extractLocks   *ksync.KeyedMutex[string]
	}
)

func New(config Config, assembler assembler, sampler sampler, fetcher fetcher, purger purger, eventBus event.EventDispatcher) (*Service, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("ingest config is not valid: %w", err)
	}

	return &Service{
		config:         config,
		assembler:      assembler,
		sampler:        sampler,
		fetcher:        fetcher,
		purger:         purger,
		eventBus:       eventBus,
		assemblyPool:   worker.NewWorkerPool("assembly", config.AssemblyWorkers),
		extractionPool: worker.NewWorkerPool("extraction", config.ExtractionWorkers),
		extractLocks:   ksync.NewKeyedMutex[string](),
	}, nil
}

// Run starts the worker pools and the upload sweeper, blocking until the
// context is cancelled. In-flight tasks are allowed to finish before Run
// returns.
func (service *Service) Run(ctx context.Context) error {
	if err := service.assemblyPool.Start(); err != nil {
		return fmt.Errorf("failed to start assembly pool: %w", err)
	}
	defer service.assemblyPool.Close()

	if err := service.extractionPool.Start(); err != nil {
		return fmt.Errorf("failed to start extraction pool: %w", err)
	}
	defer service.extractionPool.Close()

	log.Emit(logger.NEW, "Ingest service started with %d assembly and %d extraction workers\n", service.assemblyPool.Size(), service.extractionPool.Size())
	err := service.assembler.Run(ctx)

	log.Emit(logger.STOP, "Ingest service stopping, waiting for workers...\n")
	return err
}

// UploadChunk accepts a chunk of an upload. If the chunk completes the
// upload then frames are sampled from the assembled asset before
// returning, using the interval provided (or the default if <= 0). A chunk
// for an already assembled upload returns the extraction of that upload,
// sampling it again if no earlier extraction succeeded.
func (service *Service) UploadChunk(ctx context.Context, req upload.ChunkRequest, payload io.Reader, interval float64) (*Result, error) {
	result, err := service.accept(ctx, req, payload)
	if err != nil || result.Asset == nil {
		return result, err
	}

	extraction, err := service.extractOnce(ctx, result.Asset, interval)
	if err != nil {
		return nil, err
	}

	result.Extraction = extraction
	return result, nil
}

// extractOnce returns the cached extraction for the asset's session, or
// samples the asset if none is cached. Callers for the same session are
// serialised, so a late or racing chunk waits for an in-flight extraction
// and a retry after a failed extraction samples the asset again.
func (service *Service) extractOnce(ctx context.Context, asset *upload.Asset, interval float64) (*frames.Extraction, error) {
	unlock := service.extractLocks.Lock(asset.SessionID)
	defer unlock()

	if extraction, ok := service.extractions.Load(asset.SessionID); ok {
		return extraction, nil
	}

	return service.extract(ctx, asset, interval)
}

// UploadChunkOnly accepts a chunk of an upload, assembling the asset once
// complete but without sampling any frames from it.
func (service *Service) UploadChunkOnly(ctx context.Context, req upload.ChunkRequest, payload io.Reader) (*Result, error) {
	return service.accept(ctx, req, payload)
}

// IngestURL downloads the media at the URL to a new asset and samples
// frames from it. The asset is given a freshly generated session ID.
func (service *Service) IngestURL(ctx context.Context, rawURL string, interval float64) (*Result, error) {
	started := time.Now()

	var asset *upload.Asset
	err := service.assemblyPool.Do(ctx, func(ctx context.Context) error {
		var err error
		asset, err = service.fetcher.Fetch(ctx, rawURL)
		return err
	})
	if err != nil {
		service.fail("", "fetch", started, err)
		return nil, err
	}
	service.dispatch(event.ASSET_FETCHED, asset.SessionID, "fetch", started, asset.ID)

	extraction, err := service.extract(ctx, asset, interval)
	if err != nil {
		return nil, err
	}

	return &Result{SessionID: asset.SessionID, Asset: asset, Extraction: extraction}, nil
}

// Cleanup forgets the upload session (deleting any pending chunks) and
// removes every frame and asset produced for it.
func (service *Service) Cleanup(ctx context.Context, sessionID string) (*CleanupReport, error) {
	if err := storage.ValidateName(sessionID); err != nil {
		return nil, fault.Wrap(fault.InvalidRequestPayload, err, "session id is not valid")
	}

	// Any in-flight extraction finishes before its frames are purged.
	unlock := service.extractLocks.Lock(sessionID)
	defer unlock()

	started := time.Now()
	chunks, err := service.assembler.Discard(sessionID)
	if err != nil {
		service.fail(sessionID, "purge", started, err)
		return nil, err
	}
	service.extractions.Delete(sessionID)

	report, err := service.purger.Purge(ctx, sessionID)
	if err != nil {
		service.fail(sessionID, "purge", started, err)
		return nil, err
	}

	out := &CleanupReport{
		SessionID:     sessionID,
		ChunksDeleted: chunks,
		FramesDeleted: report.FramesDeleted,
		AssetsDeleted: report.AssetsDeleted,
		Failures:      report.Failures,
	}

	service.dispatch(event.SESSION_PURGED, sessionID, "purge", started, fmt.Sprintf("%d frames, %d assets", out.FramesDeleted, out.AssetsDeleted))
	return out, nil
}

// CachedExtractions returns the number of extraction results held for
// completed sessions.
func (service *Service) CachedExtractions() int {
	return service.extractions.Len()
}

// BusyWorkers returns the number of busy assembly and extraction workers.
func (service *Service) BusyWorkers() (assembly int, extraction int) {
	return service.assemblyPool.Busy(), service.extractionPool.Busy()
}

func (service *Service) accept(ctx context.Context, req upload.ChunkRequest, payload io.Reader) (*Result, error) {
	started := time.Now()

	var outcome *upload.Outcome
	err := service.assemblyPool.Do(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = service.assembler.AcceptChunk(ctx, req, payload)
		return err
	})
	if err != nil {
		service.fail(req.SessionID, "assemble", started, err)
		return nil, err
	}

	result := &Result{SessionID: req.SessionID, Outcome: outcome, Asset: outcome.Asset}
	switch {
	case outcome.Status == upload.ChunkAccepted:
		service.dispatch(event.CHUNK_RECEIVED, req.SessionID, "chunk", started, fmt.Sprintf("%d/%d", outcome.Received, outcome.Expected))
	case outcome.AlreadyComplete:
		log.Emit(logger.DEBUG, "Chunk %d for completed session %s ignored\n", req.Index, req.SessionID)
	default:
		service.dispatch(event.UPLOAD_ASSEMBLED, req.SessionID, "assemble", started, outcome.Asset.ID)
	}

	return result, nil
}

func (service *Service) extract(ctx context.Context, asset *upload.Asset, interval float64) (*frames.Extraction, error) {
	if interval <= 0 {
		interval = service.config.FrameInterval
	}

	started := time.Now()
	var extraction *frames.Extraction
	err := service.extractionPool.Do(ctx, func(ctx context.Context) error {
		var err error
		extraction, err = service.sampler.ExtractFrames(ctx, asset.Path, asset.SessionID, interval)
		return err
	})
	if err != nil {
		service.fail(asset.SessionID, "extract", started, err)
		return nil, err
	}

	asset.DurationSeconds = extraction.DurationSeconds
	service.extractions.Store(asset.SessionID, extraction)
	service.dispatch(event.FRAMES_EXTRACTED, asset.SessionID, "extract", started, fmt.Sprintf("%d frames", len(extraction.Frames)))
	return extraction, nil
}

func (service *Service) dispatch(ev event.Event, sessionID string, stage string, started time.Time, detail string) {
	if service.eventBus == nil {
		return
	}

	service.eventBus.Dispatch(ev, event.Stage{SessionID: sessionID, Stage: stage, Duration: time.Since(started), Detail: detail})
}

func (service *Service) fail(sessionID string, stage string, started time.Time, err error) {
	log.Emit(logger.WARNING, "Ingest stage %s failed for session %q: %v\n", stage, sessionID, err)
	if service.eventBus == nil {
		return
	}

	service.eventBus.Dispatch(event.INGEST_FAILED, event.Stage{SessionID: sessionID, Stage: stage, Duration: time.Since(started), Detail: err.Error(), Err: err})
}
