package middleware

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// httpErrorer is implemented by domain errors that know their own status, such as a rejected interrupt
type httpErrorer interface {
	ToHTTPError() *httperror.HTTPError
}

func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		if c.Response().Committed {
			return
		}

		code, message, meta := resolve(err)

		log := logger.WithContext(ctx).WithError(err).WithFields(appctx.LogFields(ctx))
		if code >= http.StatusInternalServerError {
			log.Error("api is returning an error")
		} else {
			log.Warn("api is rejecting a request")
		}

		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			RequestID: appctx.GetRequestID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}

func resolve(err error) (int, string, map[string]any) {
	var domain httpErrorer
	if errors.As(err, &domain) {
		httpErr := domain.ToHTTPError()
		return httperror.GetStatusCode(httpErr), httpErr.Error(), httpErr.Meta
	}

	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		message := http.StatusText(echoErr.Code)
		if msg, ok := echoErr.Message.(string); ok {
			message = msg
		}
		return echoErr.Code, message, nil
	}

	if httperror.IsHTTPError(err) {
		httpErr := httperror.ToHTTPError(err)
		return httperror.GetStatusCode(err), httpErr.Error(), httpErr.Meta
	}

	return http.StatusInternalServerError, "Internal Server Error", nil
}
