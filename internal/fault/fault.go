// Package fault defines the error kinds shared by every stage of the
// ingest pipeline. Components return *fault.Error values so that the
// REST gateway can map a failure to a status code without knowing
// which component produced it.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Unknown Kind = iota
	InvalidChunkIndex
	MissingChunk
	Probe
	FrameDecode
	NoFramesExtracted
	AssetNotFound
	RangeNotSatisfiable
	MalformedRangeHeader
	RemoteFetch
	RemoteFetchTimeout
	InvalidRequestPayload
	Storage
	RendererUnavailable
)

func (k Kind) String() string {
	switch k {
	case InvalidChunkIndex:
		return "INVALID_CHUNK_INDEX"
	case MissingChunk:
		return "MISSING_CHUNK"
	case Probe:
		return "PROBE_FAILED"
	case FrameDecode:
		return "FRAME_DECODE_FAILED"
	case NoFramesExtracted:
		return "NO_FRAMES_EXTRACTED"
	case AssetNotFound:
		return "ASSET_NOT_FOUND"
	case RangeNotSatisfiable:
		return "RANGE_NOT_SATISFIABLE"
	case MalformedRangeHeader:
		return "MALFORMED_RANGE_HEADER"
	case RemoteFetch:
		return "REMOTE_FETCH_FAILED"
	case RemoteFetchTimeout:
		return "REMOTE_FETCH_TIMEOUT"
	case InvalidRequestPayload:
		return "INVALID_REQUEST_PAYLOAD"
	case Storage:
		return "STORAGE_FAILURE"
	case RendererUnavailable:
		return "RENDERER_UNAVAILABLE"
	}

	return "UNKNOWN"
}

// Error is a failure tagged with a Kind. Index is only meaningful for
// the chunk kinds, and Size for RangeNotSatisfiable (the asset size
// to advertise in the Content-Range header).
type Error struct {
	Kind    Kind
	Message string
	Index   int
	Size    int64
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match against another *Error of the same Kind, allowing
// errors.Is(err, &fault.Error{Kind: fault.Probe}) style checks.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// Unknown if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return Unknown
}

// Of returns a sentinel which matches any error of the given kind
// when used with errors.Is.
func Of(kind Kind) error { return &Error{Kind: kind} }
