package uploads

import (
	"context"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/koochoy97/leaf-microservice/internal/api/gen"
	"github.com/koochoy97/leaf-microservice/internal/ingest"
	"github.com/koochoy97/leaf-microservice/internal/upload"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
	"github.com/labstack/echo/v4"
)

var controllerLogger = logger.Get("UploadsController")

type (
	Service interface {
		UploadChunk(ctx context.Context, req upload.ChunkRequest, payload io.Reader, interval float64) (*ingest.Result, error)
		UploadChunkOnly(ctx context.Context, req upload.ChunkRequest, payload io.Reader) (*ingest.Result, error)
		IngestURL(ctx context.Context, rawURL string, interval float64) (*ingest.Result, error)
	}

	// Controller defines the chunked upload routes, both the variant which
	// samples frames from the finished upload and the one which only
	// stores it, as well as ingesting from a remote URL.
	Controller struct {
		validate       *validator.Validate
		service        Service
		fromURLLimiter []echo.MiddlewareFunc
	}
)

func New(validate *validator.Validate, service Service, fromURLLimiter ...echo.MiddlewareFunc) *Controller {
	return &Controller{validate: validate, service: service, fromURLLimiter: fromURLLimiter}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/extract_frames", controller.extractFrames)
	eg.POST("/extract_frames/from_url", controller.extractFramesFromURL, controller.fromURLLimiter...)
	eg.POST("/upload_videos", controller.uploadVideo)
}

// extractFrames accepts a chunk of an upload. Once the final chunk arrives
// the upload is assembled and frames are sampled from it, and the response
// describes the frames produced.
func (controller *Controller) extractFrames(ec echo.Context) error {
	form, payload, err := controller.bindChunk(ec)
	if err != nil {
		return err
	}
	defer payload.Close()

	result, err := controller.service.UploadChunk(ec.Request().Context(), form.request(), payload, form.Interval)
	if err != nil {
		return err
	}

	if result.Asset == nil {
		return ec.JSON(http.StatusOK, &ChunkReceivedDto{Status: StatusChunkReceived, ChunkIndex: form.ChunkIndex})
	}

	return ec.JSON(http.StatusOK, NewExtractionDto(result))
}

func (controller *Controller) extractFramesFromURL(ec echo.Context) error {
	var request FromURLRequest
	if err := ec.Bind(&request); err != nil {
		return gen.BadRequest("request body illegal: %v", err)
	}
	if err := controller.validate.Struct(request); err != nil {
		return gen.BadRequest("request body failed validation: %v", err)
	}

	result, err := controller.service.IngestURL(ec.Request().Context(), request.VideoURL, request.Interval)
	if err != nil {
		return err
	}

	return ec.JSON(http.StatusOK, NewExtractionDto(result))
}

// uploadVideo accepts a chunk of an upload, assembling the finished upload
// without sampling any frames from it.
func (controller *Controller) uploadVideo(ec echo.Context) error {
	form, payload, err := controller.bindChunk(ec)
	if err != nil {
		return err
	}
	defer payload.Close()

	result, err := controller.service.UploadChunkOnly(ec.Request().Context(), form.request(), payload)
	if err != nil {
		return err
	}

	if result.Asset == nil {
		return ec.JSON(http.StatusOK, &UploadChunkReceivedDto{
			Status:      StatusChunkReceived,
			UploadID:    form.UploadID,
			ChunkIndex:  form.ChunkIndex,
			TotalChunks: form.TotalChunks,
		})
	}

	return ec.JSON(http.StatusOK, NewUploadCompleteDto(result.Asset))
}

// bindChunk binds and validates the chunk form, returning it alongside the
// opened chunk payload. The caller must close the payload.
func (controller *Controller) bindChunk(ec echo.Context) (*ChunkForm, io.ReadCloser, error) {
	var form ChunkForm
	if err := ec.Bind(&form); err != nil {
		return nil, nil, gen.BadRequest("form body illegal: %v", err)
	}
	if ec.FormValue("chunkIndex") == "" {
		return nil, nil, gen.BadRequest("form field 'chunkIndex' is required")
	}
	if err := controller.validate.Struct(form); err != nil {
		return nil, nil, gen.BadRequest("form body failed validation: %v", err)
	}

	header, err := ec.FormFile("chunk")
	if err != nil {
		return nil, nil, gen.BadRequest("form file 'chunk' is required")
	}
	if form.ChunkSize > 0 && header.Size != form.ChunkSize {
		controllerLogger.Emit(logger.WARNING, "Chunk %d of upload %s declared %d bytes but carried %d\n", form.ChunkIndex, form.UploadID, form.ChunkSize, header.Size)
	}

	payload, err := header.Open()
	if err != nil {
		return nil, nil, gen.APIError{Status: http.StatusBadRequest, Code: "INVALID_REQUEST_PAYLOAD", Message: "chunk payload could not be read", InternalMessage: err.Error()}
	}

	return &form, payload, nil
}
