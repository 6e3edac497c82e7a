package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrInvalidName = errors.New("invalid file name")
	ErrExists      = errors.New("file already exists")
)

// ValidateName ensures the name given can be used as a single
// path element inside one of the flat storage directories.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}

	return nil
}

// WriteFileAtomic streams r in to a temporary file inside dir, then
// renames it to name. Readers of dir/name never observe a partially
// written file, and concurrent writers of the same name result in
// exactly one complete survivor.
func WriteFileAtomic(dir string, name string, r io.Reader) (int64, error) {
	tmpPath, written, err := writeTemp(dir, name, r)
	if err != nil {
		return written, err
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return written, fmt.Errorf("failed to move %s in to place: %w", name, err)
	}

	return written, nil
}

// WriteFileExclusive behaves like WriteFileAtomic, except that an
// existing dir/name is never replaced: ErrExists is returned and the
// existing file is left untouched.
func WriteFileExclusive(dir string, name string, r io.Reader) (int64, error) {
	tmpPath, written, err := writeTemp(dir, name, r)
	if err != nil {
		return written, err
	}
	defer os.Remove(tmpPath)

	if err := os.Link(tmpPath, filepath.Join(dir, name)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return written, fmt.Errorf("%w: %s", ErrExists, name)
		}

		return written, fmt.Errorf("failed to move %s in to place: %w", name, err)
	}

	return written, nil
}

func writeTemp(dir string, name string, r io.Reader) (string, int64, error) {
	if err := ValidateName(name); err != nil {
		return "", 0, err
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temporary file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", written, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", written, fmt.Errorf("failed to close %s: %w", name, err)
	}

	return tmpPath, written, nil
}

// ListPrefix returns the names of the regular files in dir whose name
// begins with prefix, sorted lexically. Temporary files written by
// WriteFileAtomic are hidden and never returned.
func ListPrefix(dir string, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || isTempName(name) {
			continue
		}

		names = append(names, name)
	}

	sort.Strings(names)
	return names, nil
}

// RemoveIfExists deletes the file at path, treating an already
// missing file as success.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp")
}
