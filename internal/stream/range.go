package stream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/koochoy97/leaf-microservice/internal/fault"
)

// ByteRange is an inclusive window [Start, End] of an asset.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ContentRange formats the range for the Content-Range response header.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange interprets a Range header against an asset of the given size.
// Only the first range of a multi-range header is honoured. The start
// offset is required; an omitted end runs to the end of the asset, and an
// end beyond the asset is clamped.
//
// The returned range is nil when the header is empty.
func ParseRange(header string, size int64) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	const unit = "bytes="
	if len(header) < len(unit) || !strings.EqualFold(header[:len(unit)], unit) {
		return nil, fault.New(fault.MalformedRangeHeader, "range header %q does not use the bytes unit", header)
	}

	window := header[len(unit):]
	if idx := strings.IndexByte(window, ','); idx >= 0 {
		window = window[:idx]
	}
	window = strings.TrimSpace(window)

	startStr, endStr, ok := strings.Cut(window, "-")
	if !ok {
		return nil, fault.New(fault.MalformedRangeHeader, "range %q is missing '-'", window)
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, fault.New(fault.MalformedRangeHeader, "range start %q is not a non-negative integer", startStr)
	}
	if start >= size {
		return nil, fault.NotSatisfiable(start, size)
	}

	end := size - 1
	if endStr != "" {
		parsed, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || parsed < 0 {
			return nil, fault.New(fault.MalformedRangeHeader, "range end %q is not a non-negative integer", endStr)
		}
		if parsed < start {
			return nil, fault.New(fault.MalformedRangeHeader, "range end %d precedes start %d", parsed, start)
		}

		end = parsed
	}

	if end > size-1 {
		end = size - 1
	}

	return &ByteRange{Start: start, End: end}, nil
}
