package ffmpeg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/koochoy97/leaf-microservice/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{FfmpegBinPath: "ffmpeg", FfprobeBinPath: "ffprobe", ProbeTimeout: time.Second, DecodeTimeout: time.Second, JpegQuality: 2}
}

func mediaFile(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.Nil(t, os.WriteFile(path, []byte("not really a video"), 0o644))
	return path
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	valid := map[string]float64{"12.5": 12.5, " 3\n": 3, "0.001": 0.001}
	for raw, expected := range valid {
		got, err := ParseDuration(raw)
		assert.Nil(t, err, raw)
		assert.InDelta(t, expected, got, 1e-9, raw)
	}

	for _, raw := range []string{"", "N/A", "abc", "-1", "0", "NaN", "+Inf"} {
		_, err := ParseDuration(raw)
		assert.NotNil(t, err, "%q must be rejected", raw)
	}
}

func TestProbe_ReturnsDuration(t *testing.T) {
	t.Parallel()
	prober := NewProber(testConfig())
	prober.read = func(context.Context, string) (string, error) { return "42.25", nil }

	d, err := prober.Probe(context.Background(), mediaFile(t))
	assert.Nil(t, err)
	assert.Equal(t, 42.25, d)
}

func TestProbe_FailuresAreProbeErrors(t *testing.T) {
	t.Parallel()
	path := mediaFile(t)

	readers := map[string]durationReader{
		"tool failure": func(context.Context, string) (string, error) { return "", errors.New("exec: ffprobe not found") },
		"bad output":   func(context.Context, string) (string, error) { return "garbage", nil },
		"zero":         func(context.Context, string) (string, error) { return "0.0", nil },
	}
	for label, reader := range readers {
		prober := NewProber(testConfig())
		prober.read = reader

		_, err := prober.Probe(context.Background(), path)
		assert.Equal(t, fault.Probe, fault.KindOf(err), label)
	}

	_, err := NewProber(testConfig()).Probe(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	assert.Equal(t, fault.Probe, fault.KindOf(err), "unreadable asset")
}

func TestProbe_Timeout(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.ProbeTimeout = 20 * time.Millisecond

	prober := NewProber(cfg)
	prober.read = func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	start := time.Now()
	_, err := prober.Probe(context.Background(), mediaFile(t))
	assert.Equal(t, fault.Probe, fault.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

// fakeFfprobe writes an executable shell script standing in for ffprobe.
func fakeFfprobe(t *testing.T, body string) Config {
	if runtime.GOOS == "windows" {
		t.Skip("fake ffprobe script requires a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "ffprobe")
	require.Nil(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))

	cfg := testConfig()
	cfg.FfprobeBinPath = path
	return cfg
}

func TestProbe_ReadsFfprobeJSON(t *testing.T) {
	t.Parallel()
	cfg := fakeFfprobe(t, `echo '{"format": {"duration": "12.500000"}, "streams": []}'`)

	d, err := NewProber(cfg).Probe(context.Background(), mediaFile(t))
	assert.Nil(t, err)
	assert.Equal(t, 12.5, d)
}

func TestProbe_ReportsFfprobeErrorMessage(t *testing.T) {
	t.Parallel()
	cfg := fakeFfprobe(t, `echo '{"error": {"code": -1094995529, "string": "Invalid data found when processing input"}}'; exit 1`)

	_, err := NewProber(cfg).Probe(context.Background(), mediaFile(t))
	assert.Equal(t, fault.Probe, fault.KindOf(err))
	assert.ErrorContains(t, err, "Invalid data found when processing input")
}

func TestProbe_TimeoutKillsFfprobe(t *testing.T) {
	t.Parallel()
	marker := filepath.Join(t.TempDir(), "finished")
	cfg := fakeFfprobe(t, "sleep 1 >/dev/null 2>&1\ntouch "+marker+"\necho '{\"format\": {\"duration\": \"5\"}}'")
	cfg.ProbeTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := NewProber(cfg).Probe(context.Background(), mediaFile(t))
	assert.Equal(t, fault.Probe, fault.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	time.Sleep(1500 * time.Millisecond)
	_, statErr := os.Stat(marker)
	assert.ErrorIs(t, statErr, os.ErrNotExist, "ffprobe must not run to completion once the timeout fires")
}

func TestParseFfmpegError(t *testing.T) {
	t.Parallel()

	wrapped := errors.New(`ffprobe failed, message: {"error": {"code": -2, "string": "No such file or directory"}}`)
	assert.EqualError(t, parseFfmpegError(wrapped), "No such file or directory")

	plain := errors.New("exit status 1")
	assert.Equal(t, plain, parseFfmpegError(plain))
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	assert.Nil(t, testConfig().Validate())

	bad := testConfig()
	bad.JpegQuality = 0
	assert.NotNil(t, bad.Validate())

	bad = testConfig()
	bad.DecodeTimeout = 0
	assert.NotNil(t, bad.Validate())
}
