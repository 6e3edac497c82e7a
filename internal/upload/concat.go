package upload

import (
	"errors"
	"io"
	"os"

	"github.com/koochoy97/leaf-microservice/internal/fault"
)

type partOpener interface {
	Open(sessionID string, index int) (*os.File, error)
}

// orderedReader reads the chunks of a session back to back in index order,
// opening each only when the previous is exhausted so that at most one
// chunk file is held open at a time.
type orderedReader struct {
	store     partOpener
	sessionID string
	count     int
	next      int
	current   *os.File
}

func newOrderedReader(store partOpener, sessionID string, count int) *orderedReader {
	return &orderedReader{store: store, sessionID: sessionID, count: count}
}

func (reader *orderedReader) Read(p []byte) (int, error) {
	for {
		if reader.current == nil {
			if reader.next >= reader.count {
				return 0, io.EOF
			}

			f, err := reader.store.Open(reader.sessionID, reader.next)
			if errors.Is(err, os.ErrNotExist) {
				return 0, fault.Missing(reader.next)
			} else if err != nil {
				return 0, fault.Wrap(fault.Storage, err, "failed to open chunk %d", reader.next)
			}

			reader.current = f
			reader.next++
		}

		n, err := reader.current.Read(p)
		if err == io.EOF {
			reader.current.Close()
			reader.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}

		return n, err
	}
}

func (reader *orderedReader) Close() error {
	if reader.current == nil {
		return nil
	}

	err := reader.current.Close()
	reader.current = nil
	return err
}
