package fault

import "fmt"

func InvalidIndex(index, expected int) *Error {
	return &Error{Kind: InvalidChunkIndex, Index: index, Message: fmt.Sprintf("chunk index %d outside of [0, %d)", index, expected)}
}

func Missing(index int) *Error {
	return &Error{Kind: MissingChunk, Index: index, Message: fmt.Sprintf("chunk %d is missing from storage", index)}
}

func NotSatisfiable(start, size int64) *Error {
	return &Error{Kind: RangeNotSatisfiable, Size: size, Message: fmt.Sprintf("range start %d beyond asset size %d", start, size)}
}

func NotFound(assetID string) *Error {
	return &Error{Kind: AssetNotFound, Message: fmt.Sprintf("asset %q not found", assetID)}
}

func BadPayload(format string, args ...any) *Error {
	return New(InvalidRequestPayload, format, args...)
}
