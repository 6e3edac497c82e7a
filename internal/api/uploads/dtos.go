package uploads

import (
	"github.com/koochoy97/leaf-microservice/internal/frames"
	"github.com/koochoy97/leaf-microservice/internal/ingest"
	"github.com/koochoy97/leaf-microservice/internal/upload"
)

const (
	StatusChunkReceived = "chunk_received"
	StatusComplete      = "complete"

	FramesURLPrefix = "/frames/"
	VideosURLPrefix = "/videos/"
)

type (
	// ChunkForm is the multipart form sent with every chunk. The chunk
	// payload itself is the 'chunk' file part.
	ChunkForm struct {
		UploadID     string  `form:"uploadId" validate:"required"`
		ChunkIndex   int     `form:"chunkIndex"`
		TotalChunks  int     `form:"totalChunks" validate:"required"`
		OriginalName string  `form:"originalName" validate:"required"`
		MimeType     string  `form:"mimeType"`
		ChunkSize    int64   `form:"chunkSize" validate:"gte=0"`
		TotalSize    int64   `form:"totalSize" validate:"gte=0"`
		Title        string  `form:"title"`
		Notes        string  `form:"notes"`
		Interval     float64 `form:"interval" validate:"gte=0"`
	}

	FromURLRequest struct {
		VideoURL string  `json:"video_url" form:"video_url" validate:"required,url"`
		Interval float64 `json:"interval" form:"interval" validate:"gte=0"`
	}

	ChunkReceivedDto struct {
		Status     string `json:"status"`
		ChunkIndex int    `json:"chunkIndex"`
	}

	FrameDto struct {
		Frame   int     `json:"frame"`
		TimeSec float64 `json:"time_sec"`
		Path    string  `json:"path"`
	}

	VideoDto struct {
		Filename string `json:"filename"`
		Path     string `json:"path"`
	}

	ExtractionDto struct {
		Status          string     `json:"status"`
		SessionID       string     `json:"sessionId"`
		FramesExtracted int        `json:"frames_extracted"`
		Frames          []FrameDto `json:"frames"`
		Video           VideoDto   `json:"video"`
	}

	UploadChunkReceivedDto struct {
		Status      string `json:"status"`
		UploadID    string `json:"uploadId"`
		ChunkIndex  int    `json:"chunkIndex"`
		TotalChunks int    `json:"totalChunks"`
	}

	UploadCompleteDto struct {
		Status   string `json:"status"`
		UploadID string `json:"uploadId"`
		Path     string `json:"path"`
		Filename string `json:"filename"`
		MimeType string `json:"mimeType"`
		Title    string `json:"title"`
		Notes    string `json:"notes"`
		Size     int64  `json:"size"`
	}
)

func (form *ChunkForm) request() upload.ChunkRequest {
	return upload.ChunkRequest{
		SessionID:     form.UploadID,
		Index:         form.ChunkIndex,
		ExpectedCount: form.TotalChunks,
		OriginalName:  form.OriginalName,
		MimeType:      form.MimeType,
		TotalSize:     form.TotalSize,
		Title:         form.Title,
		Notes:         form.Notes,
	}
}

// NewExtractionDto builds the response for an ingest which produced an
// asset and sampled frames from it.
func NewExtractionDto(result *ingest.Result) *ExtractionDto {
	dto := &ExtractionDto{
		Status:    StatusComplete,
		SessionID: result.SessionID,
		Frames:    make([]FrameDto, 0),
		Video:     VideoDto{Filename: result.Asset.ID, Path: VideosURLPrefix + result.Asset.ID},
	}

	if result.Extraction != nil {
		for _, f := range result.Extraction.Frames {
			dto.Frames = append(dto.Frames, NewFrameDto(f))
		}
	}
	dto.FramesExtracted = len(dto.Frames)

	return dto
}

func NewFrameDto(frame frames.Frame) FrameDto {
	return FrameDto{Frame: frame.Sequence, TimeSec: frame.TimestampSeconds, Path: FramesURLPrefix + frame.Name}
}

func NewUploadCompleteDto(asset *upload.Asset) *UploadCompleteDto {
	return &UploadCompleteDto{
		Status:   StatusComplete,
		UploadID: asset.SessionID,
		Path:     VideosURLPrefix + asset.ID,
		Filename: asset.ID,
		MimeType: asset.MimeType,
		Title:    asset.Title,
		Notes:    asset.Notes,
		Size:     asset.Size,
	}
}
