package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ChunkStore persists chunk payloads as flat files named
// '{sessionID}_part{index}' inside a single directory.
type ChunkStore struct {
	dir string
}

func NewChunkStore(dir string) (*ChunkStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("chunk directory %q is not usable: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("chunk directory %q is not a directory", dir)
	}

	return &ChunkStore{dir: dir}, nil
}

func PartName(sessionID string, index int) string {
	return fmt.Sprintf("%s_part%d", sessionID, index)
}

func (store *ChunkStore) partPath(sessionID string, index int) string {
	return filepath.Join(store.dir, PartName(sessionID, index))
}

// Put writes the payload for the chunk, replacing any previous payload
// stored for the same session and index.
func (store *ChunkStore) Put(sessionID string, index int, payload io.Reader) (int64, error) {
	if err := ValidateName(sessionID); err != nil {
		return 0, err
	}

	return WriteFileAtomic(store.dir, PartName(sessionID, index), payload)
}

// Open returns a reader for the stored chunk. The error satisfies
// errors.Is(err, os.ErrNotExist) when the chunk has not been stored.
func (store *ChunkStore) Open(sessionID string, index int) (*os.File, error) {
	return os.Open(store.partPath(sessionID, index))
}

func (store *ChunkStore) Exists(sessionID string, index int) bool {
	_, err := os.Stat(store.partPath(sessionID, index))
	return err == nil
}

func (store *ChunkStore) Remove(sessionID string, index int) error {
	return RemoveIfExists(store.partPath(sessionID, index))
}

// Indexes returns the chunk indexes currently stored for the session.
func (store *ChunkStore) Indexes(sessionID string) ([]int, error) {
	prefix := sessionID + "_part"
	names, err := ListPrefix(store.dir, prefix)
	if err != nil {
		return nil, err
	}

	indexes := make([]int, 0, len(names))
	for _, name := range names {
		idx, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil || idx < 0 {
			continue
		}

		indexes = append(indexes, idx)
	}

	return indexes, nil
}

// RemoveSession deletes every chunk stored for the session, returning
// the number removed. Failures do not stop the sweep; they are joined
// in to the returned error.
func (store *ChunkStore) RemoveSession(sessionID string) (int, error) {
	indexes, err := store.Indexes(sessionID)
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, idx := range indexes {
		if err := store.Remove(sessionID, idx); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	return removed, errors.Join(errs...)
}
