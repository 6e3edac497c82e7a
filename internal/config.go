package internal

import (
	"errors"
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/koochoy97/leaf-microservice/internal/api"
	"github.com/koochoy97/leaf-microservice/internal/fetch"
	"github.com/koochoy97/leaf-microservice/internal/ffmpeg"
	"github.com/koochoy97/leaf-microservice/internal/frames"
	"github.com/koochoy97/leaf-microservice/internal/ingest"
	"github.com/koochoy97/leaf-microservice/internal/storage"
	"github.com/koochoy97/leaf-microservice/internal/upload"
)

// LeafConfig is the struct used to contain the
// various user config supplied by file, environment,
// or manually inside the code.
type LeafConfig struct {
	LogLevel   string         `yaml:"log_level" env:"LOG_LEVEL" env-default:"INFO"`
	Storage    storage.Config `yaml:"storage"`
	Ingest     ingest.Config  `yaml:"ingest"`
	FFmpeg     ffmpeg.Config  `yaml:"ffmpeg"`
	Upload     upload.Config  `yaml:"upload"`
	Frames     frames.Config  `yaml:"frames"`
	Fetch      fetch.Config   `yaml:"fetch"`
	RestConfig api.RestConfig `yaml:"api"`
}

// Loads a configuration file formatted in YAML in to a
// LeafConfig. Environment variables take precedence over
// values in the file.
func (config *LeafConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}

	return config.validate()
}

// LoadFromEnv populates the config using only environment
// variables and the defaults.
func (config *LeafConfig) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	return config.validate()
}

func (config *LeafConfig) validate() error {
	if err := config.FFmpeg.Validate(); err != nil {
		return fmt.Errorf("ffmpeg config is not valid: %w", err)
	}
	if config.RestConfig.HostAddr == "" {
		return errors.New("api host address must be set")
	}

	return nil
}
