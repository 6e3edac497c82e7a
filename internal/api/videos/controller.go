package videos

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type (
	Server interface {
		Serve(w http.ResponseWriter, r *http.Request, assetID string) error
	}

	// Controller serves stored assets with support for byte-range requests,
	// so players can seek without downloading the whole file.
	Controller struct {
		server Server
	}
)

func New(server Server) *Controller {
	return &Controller{server: server}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/:assetId", controller.stream)
	eg.HEAD("/:assetId", controller.stream)
}

func (controller *Controller) stream(ec echo.Context) error {
	return controller.server.Serve(ec.Response(), ec.Request(), ec.Param("assetId"))
}
