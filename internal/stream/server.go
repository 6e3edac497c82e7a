package stream

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/koochoy97/leaf-microservice/internal/fault"
	"github.com/koochoy97/leaf-microservice/internal/storage"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
)

var log = logger.Get("Stream")

// BlockSize is the size of each write made while streaming a window.
const BlockSize = 1 << 20

type (
	// Window is an opened asset, ready to be streamed. The caller owns the
	// file and must Close the window once done with it.
	Window struct {
		AssetID     string
		Size        int64
		Range       *ByteRange
		ContentType string
		file        *os.File
	}

	// Server serves assets from the asset directory with single byte-range
	// support. It never modifies the assets it serves.
	Server struct {
		assetDir string
	}
)

func NewServer(assetDir string) *Server {
	return &Server{assetDir: assetDir}
}

// Status returns the HTTP status the window should be served with.
func (window *Window) Status() int {
	if window.Range == nil {
		return http.StatusOK
	}

	return http.StatusPartialContent
}

// Length returns the number of bytes the window covers.
func (window *Window) Length() int64 {
	if window.Range == nil {
		return window.Size
	}

	return window.Range.Length()
}

func (window *Window) Close() error { return window.file.Close() }

// Open resolves the asset and the requested range, returning an open
// window. AssetNotFound, MalformedRangeHeader and RangeNotSatisfiable
// faults are returned before anything is written to a client.
func (server *Server) Open(assetID string, rangeHeader string) (*Window, error) {
	if err := storage.ValidateName(assetID); err != nil {
		return nil, fault.NotFound(assetID)
	}

	path := filepath.Join(server.assetDir, assetID)
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fault.NotFound(assetID)
	} else if err != nil {
		return nil, fault.Wrap(fault.Storage, err, "failed to open asset %s", assetID)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fault.Wrap(fault.Storage, err, "failed to stat asset %s", assetID)
	}
	if !info.Mode().IsRegular() {
		file.Close()
		return nil, fault.NotFound(assetID)
	}

	byteRange, err := ParseRange(rangeHeader, info.Size())
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Window{
		AssetID:     assetID,
		Size:        info.Size(),
		Range:       byteRange,
		ContentType: detectContentType(file),
		file:        file,
	}, nil
}

func detectContentType(file *os.File) string {
	mime, err := mimetype.DetectReader(io.NewSectionReader(file, 0, 3072))
	if err != nil || mime == nil {
		return "application/octet-stream"
	}

	return mime.String()
}

// Serve writes the asset to the response, honouring the Range header of
// the request. Errors that occur before the response is started are
// returned as faults for the caller to render. A client that disconnects
// mid-stream simply ends the copy; this is not reported as an error.
func (server *Server) Serve(w http.ResponseWriter, r *http.Request, assetID string) error {
	window, err := server.Open(assetID, r.Header.Get("Range"))
	if err != nil {
		return err
	}
	defer window.Close()

	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Type", window.ContentType)
	header.Set("Content-Length", strconv.FormatInt(window.Length(), 10))
	if window.Range != nil {
		header.Set("Content-Range", window.Range.ContentRange(window.Size))
	}
	w.WriteHeader(window.Status())

	if r.Method == http.MethodHead {
		return nil
	}

	written, err := window.WriteTo(w)
	if err != nil {
		log.Emit(logger.VERBOSE, "Stream of %s ended after %d/%d bytes: %v\n", assetID, written, window.Length(), err)
	}

	return nil
}

// WriteTo copies exactly the window's bytes to dst in BlockSize writes.
func (window *Window) WriteTo(dst io.Writer) (int64, error) {
	var offset int64
	if window.Range != nil {
		offset = window.Range.Start
	}

	section := io.NewSectionReader(window.file, offset, window.Length())
	buf := make([]byte, BlockSize)
	var written int64
	for {
		n, readErr := section.Read(buf)
		if n > 0 {
			w, err := dst.Write(buf[:n])
			written += int64(w)
			if err != nil {
				return written, err
			}
			if w != n {
				return written, io.ErrShortWrite
			}
			if f, ok := dst.(http.Flusher); ok {
				f.Flush()
			}
		}

		if readErr == io.EOF {
			return written, nil
		} else if readErr != nil {
			return written, readErr
		}
	}
}
