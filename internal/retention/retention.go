package retention

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/koochoy97/leaf-microservice/internal/fault"
	"github.com/koochoy97/leaf-microservice/internal/storage"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
)

var log = logger.Get("Retention")

type (
	// Report summarises a purge. Failures lists the files which could not
	// be removed; these do not abort the purge.
	Report struct {
		SessionID     string
		FramesDeleted int
		AssetsDeleted int
		Failures      []Failure
	}

	Failure struct {
		Path string
		Err  error
	}

	// Manager removes the frames and assets belonging to a session. Files
	// are matched by session ID prefix, following the naming used by the
	// assembler and sampler ('{session}_...').
	Manager struct {
		frameDir string
		assetDir string
	}
)

func New(frameDir string, assetDir string) *Manager {
	return &Manager{frameDir: frameDir, assetDir: assetDir}
}

// Purge deletes every frame and asset whose file name begins with the
// session ID. The purge is best-effort: individual deletion failures are
// logged and recorded in the report, and the counts only include files
// which were actually removed.
func (manager *Manager) Purge(ctx context.Context, sessionID string) (*Report, error) {
	if err := storage.ValidateName(sessionID); err != nil {
		return nil, fault.Wrap(fault.InvalidRequestPayload, err, "session id is not valid")
	}

	report := &Report{SessionID: sessionID, Failures: make([]Failure, 0)}
	var err error
	report.FramesDeleted, err = manager.purgeDir(ctx, manager.frameDir, sessionID, report)
	if err != nil {
		return report, err
	}

	report.AssetsDeleted, err = manager.purgeDir(ctx, manager.assetDir, sessionID, report)
	if err != nil {
		return report, err
	}

	log.Emit(logger.REMOVE, "Purged session %s: %d frames, %d assets (%d failures)\n", sessionID, report.FramesDeleted, report.AssetsDeleted, len(report.Failures))
	return report, nil
}

func (manager *Manager) purgeDir(ctx context.Context, dir string, prefix string, report *Report) (int, error) {
	names, err := storage.ListPrefix(dir, prefix)
	if err != nil {
		return 0, fault.Wrap(fault.Storage, err, "failed to scan %s", dir)
	}

	deleted := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		path := filepath.Join(dir, name)
		if err := storage.RemoveIfExists(path); err != nil {
			log.Emit(logger.WARNING, "Failed to delete %s: %v\n", path, err)
			report.Failures = append(report.Failures, Failure{Path: path, Err: err})
			continue
		}

		deleted++
	}

	return deleted, nil
}

// Err joins every failure in the report in to a single error, or nil
// if the purge removed everything it found.
func (report *Report) Err() error {
	if len(report.Failures) == 0 {
		return nil
	}

	errs := make([]error, 0, len(report.Failures))
	for _, f := range report.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Path, f.Err))
	}

	return errors.Join(errs...)
}
