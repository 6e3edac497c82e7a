package gen_test

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koochoy97/leaf-microservice/internal/api/gen"
	"github.com/koochoy97/leaf-microservice/internal/fault"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func init() {
	logger.SetMinLoggingLevel(logger.FATAL.Level())
}

func TestStatusForKind(t *testing.T) {
	t.Parallel()

	tests := map[fault.Kind]int{
		fault.InvalidChunkIndex:     400,
		fault.MalformedRangeHeader:  400,
		fault.InvalidRequestPayload: 400,
		fault.AssetNotFound:         404,
		fault.RangeNotSatisfiable:   416,
		fault.MissingChunk:          500,
		fault.Probe:                 500,
		fault.FrameDecode:           500,
		fault.NoFramesExtracted:     500,
		fault.Storage:               500,
		fault.RemoteFetch:           502,
		fault.RemoteFetchTimeout:    504,
		fault.RendererUnavailable:   501,
		fault.Unknown:               500,
	}

	for kind, status := range tests {
		assert.Equal(t, status, gen.StatusForKind(kind), "kind %s", kind)
	}
}

func TestFromFault(t *testing.T) {
	t.Parallel()

	apiErr := gen.FromFault(fmt.Errorf("wrapped: %w", fault.NotSatisfiable(100, 10)))
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, apiErr.Status)
	assert.Equal(t, "RANGE_NOT_SATISFIABLE", apiErr.Code)
	assert.Equal(t, "bytes */10", apiErr.Headers["Content-Range"])

	apiErr = gen.FromFault(fault.New(fault.NoFramesExtracted, "no frames could be decoded"))
	assert.Equal(t, "NO_FRAMES_EXTRACTED", apiErr.Code)
	assert.NotEmpty(t, apiErr.InternalMessage)

	apiErr = gen.FromFault(errors.New("plain"))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "INTERNAL_ERROR", apiErr.Code)
}

func TestErrorHandler_RendersFaults(t *testing.T) {
	t.Parallel()

	ec := echo.New()
	fallbackCalled := false
	ec.HTTPErrorHandler = gen.GetHTTPErrorHandler(func(err error, c echo.Context) {
		fallbackCalled = true
		ec.DefaultHTTPErrorHandler(err, c)
	})
	ec.GET("/fault", func(c echo.Context) error { return fault.InvalidIndex(5, 3) })
	ec.GET("/api", func(c echo.Context) error { return gen.BadRequest("field %q is required", "uploadId") })
	ec.GET("/other", func(c echo.Context) error { return echo.NewHTTPError(http.StatusTeapot) })

	rec := httptest.NewRecorder()
	ec.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fault", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"INVALID_CHUNK_INDEX"`)

	rec = httptest.NewRecorder()
	ec.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"INVALID_REQUEST_PAYLOAD"`)
	assert.Contains(t, rec.Body.String(), `uploadId`)
	assert.False(t, fallbackCalled)

	rec = httptest.NewRecorder()
	ec.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.True(t, fallbackCalled)
}
