package cleanup

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/koochoy97/leaf-microservice/internal/api/gen"
	"github.com/koochoy97/leaf-microservice/internal/ingest"
	"github.com/labstack/echo/v4"
)

type (
	Service interface {
		Cleanup(ctx context.Context, sessionID string) (*ingest.CleanupReport, error)
	}

	CleanupRequest struct {
		SessionID string `json:"sessionId" form:"sessionId" validate:"required"`
	}

	DeletedDto struct {
		Frames int `json:"frames"`
		Videos int `json:"videos"`
		Chunks int `json:"chunks"`
	}

	CleanupDto struct {
		Status   string     `json:"status"`
		Deleted  DeletedDto `json:"deleted"`
		Failures []string   `json:"failures,omitempty"`
	}

	Controller struct {
		validate *validator.Validate
		service  Service
	}
)

func New(validate *validator.Validate, service Service) *Controller {
	return &Controller{validate: validate, service: service}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("", controller.cleanup)
}

// cleanup removes every frame, asset and pending chunk belonging to the
// session. Files which could not be removed are reported by path but do
// not fail the request.
func (controller *Controller) cleanup(ec echo.Context) error {
	var request CleanupRequest
	if err := ec.Bind(&request); err != nil {
		return gen.BadRequest("request body illegal: %v", err)
	}
	if err := controller.validate.Struct(request); err != nil {
		return gen.BadRequest("request body failed validation: %v", err)
	}

	report, err := controller.service.Cleanup(ec.Request().Context(), request.SessionID)
	if err != nil {
		return err
	}

	dto := &CleanupDto{
		Status:  "ok",
		Deleted: DeletedDto{Frames: report.FramesDeleted, Videos: report.AssetsDeleted, Chunks: report.ChunksDeleted},
	}
	for _, f := range report.Failures {
		dto.Failures = append(dto.Failures, f.Path)
	}

	return ec.JSON(http.StatusOK, dto)
}
