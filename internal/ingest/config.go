package ingest

import "errors"

// Config controls how much blocking work the ingest service performs
// at once.
type Config struct {
	// The number of workers which may be storing chunks or concatenating
	// completed uploads simultaneously.
	AssemblyWorkers int `yaml:"assembly_workers" env:"CONCURRENCY_ASSEMBLY_WORKERS" env-default:"4"`

	// The number of frame extractions which may run at once. Each
	// extraction spawns one decoder process at a time, so this is also
	// the upper bound on concurrent ffmpeg processes.
	ExtractionWorkers int `yaml:"extraction_workers" env:"CONCURRENCY_EXTRACTION_WORKERS" env-default:"2"`

	// Interval, in seconds, between sampled frames when a request does
	// not specify one. Zero defers to the sampler's own default.
	FrameInterval float64 `yaml:"frame_interval" env:"INGEST_FRAME_INTERVAL" env-default:"0"`
}

func (config Config) validate() error {
	if config.AssemblyWorkers < 1 {
		return errors.New("assembly workers must be at least 1")
	}
	if config.ExtractionWorkers < 1 {
		return errors.New("extraction workers must be at least 1")
	}
	if config.FrameInterval < 0 {
		return errors.New("frame interval cannot be negative")
	}

	return nil
}
