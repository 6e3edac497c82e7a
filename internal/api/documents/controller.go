package documents

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/koochoy97/leaf-microservice/internal/api/gen"
	"github.com/koochoy97/leaf-microservice/internal/fault"
	"github.com/koochoy97/leaf-microservice/internal/render"
	"github.com/labstack/echo/v4"
)

const (
	docxMimeType     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	maxTemplateBytes = 32 << 20
)

type (
	HTMLRequest struct {
		HTML string `json:"html" validate:"required"`
	}

	// Controller exposes the document rendering collaborators. Either may
	// be nil, in which case its route reports the renderer as unavailable.
	Controller struct {
		validate  *validator.Validate
		templates render.TemplateRenderer
		repeater  render.BlockRepeater
		html      render.HTMLRenderer
	}
)

var errUnavailable = gen.APIError{
	Status:  http.StatusNotImplemented,
	Code:    fault.RendererUnavailable.String(),
	Message: "no renderer is configured for this route",
}

func New(validate *validator.Validate, templates render.TemplateRenderer, repeater render.BlockRepeater, html render.HTMLRenderer) *Controller {
	return &Controller{validate: validate, templates: templates, repeater: repeater, html: html}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/replace-word", controller.replaceWord)
	eg.POST("/repeat-block", controller.repeatBlock)
	eg.POST("/repeat-fase", controller.repeatBlock)
	eg.POST("/html-to-png", controller.htmlToPng)
}

// replaceWord renders the uploaded .docx template using the JSON object
// of replacements, returning the result as an attachment.
func (controller *Controller) replaceWord(ec echo.Context) error {
	if controller.templates == nil {
		return errUnavailable
	}

	header, err := docxFormFile(ec)
	if err != nil {
		return err
	}

	raw := map[string]any{}
	if err := json.Unmarshal([]byte(ec.FormValue("replacements")), &raw); err != nil {
		return gen.BadRequest("'replacements' must be a JSON object: %v", err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			values[k] = s
		} else {
			values[k] = fmt.Sprint(v)
		}
	}

	template, err := readTemplate(header)
	if err != nil {
		return err
	}

	out, err := controller.templates.RenderTemplate(ec.Request().Context(), template, render.TemplateContext(values))
	if err != nil {
		return gen.APIError{Status: http.StatusInternalServerError, Code: "RENDER_FAILED", Message: "failed to render template", InternalMessage: err.Error()}
	}

	name := "modified_" + render.SafeFilename(filepath.Base(header.Filename))
	ec.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return ec.Blob(http.StatusOK, docxMimeType, out)
}

// repeatBlock duplicates the marked blocks of the uploaded .docx template
// 'cantidad' times, returning the result as an attachment.
func (controller *Controller) repeatBlock(ec echo.Context) error {
	if controller.repeater == nil {
		return errUnavailable
	}

	header, err := docxFormFile(ec)
	if err != nil {
		return err
	}

	count, err := strconv.Atoi(strings.TrimSpace(ec.FormValue("cantidad")))
	if err != nil || count < 1 {
		return gen.BadRequest("form field 'cantidad' must be a positive integer")
	}

	template, err := readTemplate(header)
	if err != nil {
		return err
	}

	out, err := controller.repeater.RepeatBlocks(ec.Request().Context(), template, count)
	if err != nil {
		if fault.KindOf(err) != fault.Unknown {
			return err
		}
		return gen.APIError{Status: http.StatusInternalServerError, Code: "RENDER_FAILED", Message: "failed to repeat template blocks", InternalMessage: err.Error()}
	}

	ec.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="repeated.docx"`)
	return ec.Blob(http.StatusOK, docxMimeType, out)
}

func (controller *Controller) htmlToPng(ec echo.Context) error {
	if controller.html == nil {
		return errUnavailable
	}

	var request HTMLRequest
	if err := ec.Bind(&request); err != nil {
		return gen.BadRequest("request body illegal: %v", err)
	}
	if err := controller.validate.Struct(request); err != nil {
		return gen.BadRequest("request body failed validation: %v", err)
	}

	out, err := controller.html.RenderHTMLToImage(ec.Request().Context(), request.HTML)
	if err != nil {
		return gen.APIError{Status: http.StatusInternalServerError, Code: "RENDER_FAILED", Message: "failed to render HTML", InternalMessage: err.Error()}
	}

	return ec.Blob(http.StatusOK, "image/png", out)
}

func docxFormFile(ec echo.Context) (*multipart.FileHeader, error) {
	header, err := ec.FormFile("file")
	if err != nil {
		return nil, gen.BadRequest("form file 'file' is required")
	}
	if !strings.EqualFold(filepath.Ext(header.Filename), ".docx") {
		return nil, gen.BadRequest("only .docx files are supported")
	}

	return header, nil
}

func readTemplate(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, gen.APIError{Status: http.StatusBadRequest, Code: fault.InvalidRequestPayload.String(), Message: "template could not be read", InternalMessage: err.Error()}
	}
	defer file.Close()

	template, err := io.ReadAll(io.LimitReader(file, maxTemplateBytes))
	if err != nil {
		return nil, gen.APIError{Status: http.StatusBadRequest, Code: fault.InvalidRequestPayload.String(), Message: "template could not be read", InternalMessage: err.Error()}
	}

	return template, nil
}
