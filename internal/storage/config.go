package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// Config holds the three flat directories used by the service. Chunk
// payloads, finished assets, and extracted frames must not share a
// directory as retention deletes by filename prefix.
type Config struct {
	ChunkDir string `yaml:"chunk_dir" env:"STORAGE_CHUNK_DIR" env-default:"./uploads"`
	AssetDir string `yaml:"asset_dir" env:"STORAGE_ASSET_DIR" env-default:"./videos"`
	FrameDir string `yaml:"frame_dir" env:"STORAGE_FRAME_DIR" env-default:"./frames"`
}

// Prepare expands any '~' prefix in the configured paths, makes them
// absolute, and creates each directory if it does not already exist.
func (config *Config) Prepare() error {
	dirs := map[string]*string{
		"chunk": &config.ChunkDir,
		"asset": &config.AssetDir,
		"frame": &config.FrameDir,
	}

	for label, dir := range dirs {
		if *dir == "" {
			return fmt.Errorf("%s directory must not be empty", label)
		}

		expanded, err := homedir.Expand(*dir)
		if err != nil {
			return fmt.Errorf("failed to expand %s directory %q: %w", label, *dir, err)
		}

		abs, err := filepath.Abs(expanded)
		if err != nil {
			return fmt.Errorf("failed to resolve %s directory %q: %w", label, expanded, err)
		}

		if err := os.MkdirAll(abs, os.ModeDir|os.ModePerm); err != nil {
			return fmt.Errorf("failed to create %s directory %q: %w", label, abs, err)
		}

		*dir = abs
	}

	if config.ChunkDir == config.AssetDir || config.AssetDir == config.FrameDir || config.ChunkDir == config.FrameDir {
		return fmt.Errorf("chunk, asset and frame directories must be distinct (got %q, %q, %q)", config.ChunkDir, config.AssetDir, config.FrameDir)
	}

	return nil
}
