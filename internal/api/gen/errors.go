package gen

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/koochoy97/leaf-microservice/internal/fault"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
	"github.com/labstack/echo/v4"
)

type APIError struct {
	// Human readable error display message
	Message string `json:"message"`

	// A machine readable and stable identifier for the error case being represented
	Code string `json:"code"`

	// Used to alter the HTTP response status in accordance with the error
	Status int `json:"-"`

	// Additional message for internal logging only. Will not be included in the message
	// sent to the user.
	InternalMessage string `json:"-"`

	// Extra response headers, such as the Content-Range of an unsatisfiable
	// range request.
	Headers map[string]string `json:"-"`
}

// Error satisifies the Go error interface and simply exposes the
// message contained by this APIError.
func (err APIError) Error() string {
	return fmt.Sprintf("api error: %s", err.Message)
}

// StatusForKind returns the HTTP status used when a failure of the
// given kind reaches a client.
func StatusForKind(kind fault.Kind) int {
	switch kind {
	case fault.InvalidChunkIndex, fault.MalformedRangeHeader, fault.InvalidRequestPayload:
		return http.StatusBadRequest
	case fault.AssetNotFound:
		return http.StatusNotFound
	case fault.RangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case fault.RemoteFetch:
		return http.StatusBadGateway
	case fault.RemoteFetchTimeout:
		return http.StatusGatewayTimeout
	case fault.RendererUnavailable:
		return http.StatusNotImplemented
	}

	return http.StatusInternalServerError
}

// FromFault converts an error produced by the pipeline in to an APIError.
// Errors which carry no fault kind become a generic 500.
func FromFault(err error) APIError {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return APIError{Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", InternalMessage: err.Error()}
	}

	apiErr := APIError{Code: fe.Kind.String(), Status: StatusForKind(fe.Kind), Message: fe.Message}
	if apiErr.Status == http.StatusInternalServerError {
		apiErr.InternalMessage = fe.Error()
	}
	if fe.Kind == fault.RangeNotSatisfiable {
		apiErr.Headers = map[string]string{"Content-Range": "bytes */" + strconv.FormatInt(fe.Size, 10)}
	}

	return apiErr
}

// BadRequest is shorthand for an INVALID_REQUEST_PAYLOAD APIError.
func BadRequest(format string, args ...any) APIError {
	return APIError{
		Status:  http.StatusBadRequest,
		Code:    fault.InvalidRequestPayload.String(),
		Message: fmt.Sprintf(format, args...),
	}
}

// GetHTTPErrorHandler returns an echo HTTP error handler which understands
// how to interpret APIError and pipeline faults. If an error is provided
// which is not recognized, it will be passed off to the fallback HTTP
// handler provided.
func GetHTTPErrorHandler(fallbackHandler echo.HTTPErrorHandler) echo.HTTPErrorHandler {
	logger := logger.Get("API")
	return func(err error, ctx echo.Context) {
		if ctx.Response().Committed {
			logger.Debugf("%s %s failed after the response was committed: %v\n", ctx.Request().Method, ctx.Request().RequestURI, err)
			return
		}

		var apiErr APIError
		if !errors.As(err, &apiErr) {
			if fault.KindOf(err) == fault.Unknown {
				logger.Warnf(
					"%s request to %s caused error response, however the response does not satisfy the APIError interface. Falling back to default HTTP error handling\n",
					ctx.Request().Method, ctx.Request().RequestURI,
				)
				fallbackHandler(err, ctx)
				return
			}

			apiErr = FromFault(err)
		}

		if apiErr.Status == 0 {
			apiErr.Status = http.StatusInternalServerError
		}
		if len(apiErr.Message) == 0 {
			apiErr.Message = http.StatusText(apiErr.Status)
		}
		if len(apiErr.Code) == 0 {
			apiErr.Code = http.StatusText(apiErr.Status)
		}
		if len(apiErr.InternalMessage) > 0 {
			logger.Errorf("Request failure, internal error: %s\n", apiErr.InternalMessage)
		}
		for k, v := range apiErr.Headers {
			ctx.Response().Header().Set(k, v)
		}

		if ctx.Request().Method == http.MethodHead {
			ctx.NoContent(apiErr.Status)
			return
		}
		if err := ctx.JSON(apiErr.Status, apiErr); err != nil {
			logger.Errorf("Failed to write error response: %v\n", err)
		}
	}
}
