package frames

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/koochoy97/leaf-microservice/internal/fault"
	"github.com/koochoy97/leaf-microservice/internal/storage"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
)

var log = logger.Get("Frames")

const DefaultInterval = 5.0

type (
	Config struct {
		DefaultInterval float64 `yaml:"default_interval" env:"FRAMES_DEFAULT_INTERVAL" env-default:"5"`
	}

	DurationProbe interface {
		Probe(ctx context.Context, path string) (float64, error)
	}

	FrameDecoder interface {
		DecodeFrameAt(ctx context.Context, path string, timestamp float64) ([]byte, error)
	}

	// Frame is a single still extracted from an asset. Sequence numbers are
	// dense from 1 across the frames actually produced, and Name is the file
	// name of the JPEG inside the frame directory.
	Frame struct {
		Sequence         int
		TimestampSeconds float64
		Name             string
		Path             string
	}

	// Extraction summarises a run of the sampler over one asset.
	Extraction struct {
		SessionID       string
		DurationSeconds float64
		Interval        float64
		Scheduled       []float64
		Frames          []Frame
		Failed          int
	}

	// Sampler extracts one still frame every 'interval' seconds of an asset,
	// storing each as a JPEG in the frame directory.
	Sampler struct {
		config   Config
		probe    DurationProbe
		decoder  FrameDecoder
		frameDir string
	}
)

func NewSampler(config Config, probe DurationProbe, decoder FrameDecoder, frameDir string) (*Sampler, error) {
	if config.DefaultInterval <= 0 || math.IsNaN(config.DefaultInterval) || math.IsInf(config.DefaultInterval, 0) {
		config.DefaultInterval = DefaultInterval
	}
	if info, err := os.Stat(frameDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("frame directory %q is not usable: %v", frameDir, err)
	}

	return &Sampler{config: config, probe: probe, decoder: decoder, frameDir: frameDir}, nil
}

// FrameName returns the file name used for the frame with the given
// sequence number of the session.
func FrameName(sessionID string, sequence int) string {
	return fmt.Sprintf("%s_frame_%04d.jpg", sessionID, sequence)
}

// Schedule returns the timestamps interval, 2*interval, ... up to and
// including floor(duration). No frame is taken at t=0. A non-positive
// interval yields an empty schedule.
func Schedule(duration float64, interval float64) []float64 {
	if interval <= 0 || math.IsNaN(interval) || math.IsInf(interval, 0) || duration <= 0 {
		return []float64{}
	}

	limit := math.Floor(duration)
	out := make([]float64, 0, int(math.Min(limit/interval, 1024)))
	for k := 1; ; k++ {
		ts := float64(k) * interval
		// Tolerate float error for intervals which are not exactly representable
		if ts > limit+1e-9 {
			break
		}

		out = append(out, ts)
	}

	return out
}

// ExtractFrames probes the asset for its duration, then decodes a frame at
// every scheduled timestamp. Timestamps which fail to decode are logged and
// skipped. An interval <= 0 selects the configured default.
//
// A probe failure is returned unchanged, and NoFramesExtracted is returned if
// every scheduled timestamp fails (or the schedule is empty).
func (sampler *Sampler) ExtractFrames(ctx context.Context, assetPath string, sessionID string, interval float64) (*Extraction, error) {
	if err := storage.ValidateName(sessionID); err != nil {
		return nil, fault.Wrap(fault.InvalidRequestPayload, err, "session id is not valid")
	}
	if interval <= 0 || math.IsNaN(interval) || math.IsInf(interval, 0) {
		interval = sampler.config.DefaultInterval
	}

	duration, err := sampler.probe.Probe(ctx, assetPath)
	if err != nil {
		return nil, err
	}

	schedule := Schedule(duration, interval)
	result := &Extraction{SessionID: sessionID, DurationSeconds: duration, Interval: interval, Scheduled: schedule, Frames: make([]Frame, 0, len(schedule))}
	log.Emit(logger.INFO, "Extracting %d frames from %s (duration %.2fs, interval %.2fs)\n", len(schedule), filepath.Base(assetPath), duration, interval)

	for _, ts := range schedule {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, err := sampler.decoder.DecodeFrameAt(ctx, assetPath, ts)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}

			result.Failed++
			log.Emit(logger.WARNING, "Skipping frame at %.2fs of %s: %v\n", ts, filepath.Base(assetPath), err)
			continue
		}

		frame, err := sampler.store(sessionID, len(result.Frames)+1, ts, img)
		if err != nil {
			return nil, err
		}
		result.Frames = append(result.Frames, frame)
	}

	if len(result.Frames) == 0 {
		return nil, &fault.Error{
			Kind:    fault.NoFramesExtracted,
			Message: fmt.Sprintf("no frames extracted from %s (%d scheduled, %d failed)", filepath.Base(assetPath), len(schedule), result.Failed),
		}
	}

	log.Emit(logger.SUCCESS, "Extracted %d/%d frames for session %s\n", len(result.Frames), len(schedule), sessionID)
	return result, nil
}

func (sampler *Sampler) store(sessionID string, sequence int, ts float64, img []byte) (Frame, error) {
	name := FrameName(sessionID, sequence)
	if _, err := storage.WriteFileAtomic(sampler.frameDir, name, bytes.NewReader(img)); err != nil {
		if errors.Is(err, storage.ErrInvalidName) {
			return Frame{}, fault.Wrap(fault.InvalidRequestPayload, err, "frame name %q is not valid", name)
		}

		return Frame{}, fault.Wrap(fault.Storage, err, "failed to store frame %d of session %s", sequence, sessionID)
	}

	return Frame{Sequence: sequence, TimestampSeconds: ts, Name: name, Path: filepath.Join(sampler.frameDir, name)}, nil
}
