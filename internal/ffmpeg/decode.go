package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/koochoy97/leaf-microservice/internal/fault"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
)

// waitDelay bounds how long a killed ffmpeg may take to release its
// output pipes before Wait gives up on it.
const waitDelay = 2 * time.Second

// Decoder extracts single still frames from media files by running
// ffmpeg with the output piped back as JPEG bytes.
type Decoder struct {
	config Config
}

func NewDecoder(config Config) *Decoder {
	return &Decoder{config: config}
}

// DecodeArgs builds the ffmpeg arguments used to grab the frame at the
// given timestamp (seconds) from the input path, writing a single JPEG
// to stdout.
func DecodeArgs(path string, timestamp float64, quality int) []string {
	return []string{
		"-v", "error",
		"-ss", strconv.FormatFloat(timestamp, 'f', 3, 64),
		"-i", path,
		"-frames:v", "1",
		"-q:v", strconv.Itoa(quality),
		"-f", "image2",
		"-c:v", "mjpeg",
		"pipe:1",
	}
}

// DecodeFrameAt returns the JPEG encoded frame shown at the timestamp
// given. Failures are reported as fault.FrameDecode errors; callers are
// expected to treat them as non-fatal for a single timestamp.
func (decoder *Decoder) DecodeFrameAt(ctx context.Context, path string, timestamp float64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, decoder.config.DecodeTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, decoder.config.FfmpegBinPath, DecodeArgs(path, timestamp, decoder.config.JpegQuality)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	log.Emit(logger.VERBOSE, "Running %s %s\n", decoder.config.FfmpegBinPath, strings.Join(cmd.Args[1:], " "))
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.FrameDecode, ctx.Err(), "ffmpeg timed out decoding %.3fs of %s", timestamp, path)
		}

		return nil, fault.Wrap(fault.FrameDecode, err, "ffmpeg failed decoding %.3fs of %s: %s", timestamp, path, strings.TrimSpace(stderr.String()))
	}

	if stdout.Len() == 0 {
		return nil, fault.New(fault.FrameDecode, "ffmpeg produced no frame at %.3fs of %s", timestamp, path)
	}

	return stdout.Bytes(), nil
}
