package ffmpeg

import (
	"errors"
	"time"
)

// Config controls how the external ffmpeg tooling is invoked. Binary
// paths are resolved through $PATH when not absolute.
type Config struct {
	FfmpegBinPath  string        `yaml:"ffmpeg_binary" env:"FFMPEG_BINARY" env-default:"ffmpeg"`
	FfprobeBinPath string        `yaml:"ffprobe_binary" env:"FFPROBE_BINARY" env-default:"ffprobe"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" env:"FFMPEG_PROBE_TIMEOUT" env-default:"30s"`
	DecodeTimeout  time.Duration `yaml:"decode_timeout" env:"FFMPEG_DECODE_TIMEOUT" env-default:"60s"`
	JpegQuality    int           `yaml:"jpeg_quality" env:"FFMPEG_JPEG_QUALITY" env-default:"2"`
}

func (config Config) Validate() error {
	if config.FfmpegBinPath == "" || config.FfprobeBinPath == "" {
		return errors.New("ffmpeg and ffprobe binary paths must be set")
	}
	if config.ProbeTimeout <= 0 || config.DecodeTimeout <= 0 {
		return errors.New("probe and decode timeouts must be positive")
	}
	if config.JpegQuality < 1 || config.JpegQuality > 31 {
		return errors.New("jpeg quality must be between 1 and 31")
	}

	return nil
}
