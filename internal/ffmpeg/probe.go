package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	transcoder "github.com/floostack/transcoder/ffmpeg"
	"github.com/koochoy97/leaf-microservice/internal/fault"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
)

var log = logger.Get("FFmpeg")

// durationReader returns the raw container duration reported for the file.
type durationReader func(ctx context.Context, path string) (string, error)

// Prober reports the duration of media files using ffprobe.
type Prober struct {
	config Config
	read   durationReader
}

func NewProber(config Config) *Prober {
	prober := &Prober{config: config}
	prober.read = prober.readWithFfprobe
	return prober
}

// ProbeArgs are the ffprobe arguments used by the transcoder's own
// metadata reader, so its Metadata type can decode the output.
func ProbeArgs(path string) []string {
	return []string{"-i", path, "-print_format", "json", "-show_format", "-show_streams", "-show_error"}
}

// readWithFfprobe runs ffprobe bound to the context, so that the process
// is killed once the probe timeout elapses.
func (prober *Prober) readWithFfprobe(ctx context.Context, path string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, prober.config.FfprobeBinPath, ProbeArgs(path)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	log.Emit(logger.VERBOSE, "Running %s %s\n", prober.config.FfprobeBinPath, strings.Join(cmd.Args[1:], " "))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		return "", parseFfmpegError(fmt.Errorf("error executing %s: %w | message: %s %s", prober.config.FfprobeBinPath, err, stdout.String(), stderr.String()))
	}

	var metadata transcoder.Metadata
	if err := json.Unmarshal(stdout.Bytes(), &metadata); err != nil {
		return "", fmt.Errorf("ffprobe output is not valid JSON: %w", err)
	}
	return metadata.GetFormat().GetDuration(), nil
}

// Probe returns the duration of the media file in seconds. Any failure,
// including the configured timeout elapsing, is reported as a fault.Probe
// error.
func (prober *Prober) Probe(ctx context.Context, path string) (float64, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, fault.Wrap(fault.Probe, err, "cannot probe %s", path)
	}

	ctx, cancel := context.WithTimeout(ctx, prober.config.ProbeTimeout)
	defer cancel()

	raw, err := prober.read(ctx, path)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return 0, fault.Wrap(fault.Probe, ctx.Err(), "ffprobe did not respond for %s within %s", path, prober.config.ProbeTimeout)
	}
	if err != nil {
		return 0, fault.Wrap(fault.Probe, err, "ffprobe failed for %s", path)
	}

	duration, err := ParseDuration(raw)
	if err != nil {
		return 0, fault.Wrap(fault.Probe, err, "ffprobe output for %s is not usable", path)
	}

	log.Emit(logger.DEBUG, "Probed %s: %.3fs\n", path, duration)
	return duration, nil
}

// ParseDuration converts the textual duration printed by ffprobe in to
// seconds. The value must be finite and strictly positive.
func ParseDuration(raw string) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "N/A" {
		return 0, fmt.Errorf("duration %q is not available", raw)
	}

	seconds, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("duration %q is not a number: %w", raw, err)
	}
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		return 0, fmt.Errorf("duration %q must be a finite positive number", raw)
	}

	return seconds, nil
}

func parseFfmpegError(err error) error {
	// The transcoder error embeds the ffprobe JSON error object amongst
	// a large amount of build information. Pick out just the message.
	messageMatcher := regexp.MustCompile(`(?s)message: ({.*})`)
	groups := messageMatcher.FindStringSubmatch(err.Error())
	if len(groups) == 0 {
		return err
	}

	var out map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(groups[1]), &out); jsonErr != nil {
		return errors.New(groups[1])
	}

	if ffmpegException, ok := out["error"].(map[string]interface{}); ok {
		if msg, ok := ffmpegException["string"].(string); ok {
			return errors.New(msg)
		}
	}

	return errors.New(groups[1])
}
