package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
)

const (
	HeaderPlanExecutionID = "X-Plan-Execution-ID"
	HeaderNodeExecutionID = "X-Node-Execution-ID"
)

// Context seeds the request context with the ids later log lines and errors carry.
// Operators may pass the execution ids they are acting on as headers.
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := req.Context()
			ctx = appctx.SetRequestID(ctx, requestID)
			ctx = appctx.SetMethod(ctx, req.Method)
			ctx = appctx.SetRoute(ctx, c.Path())
			ctx = appctx.SetRemoteIP(ctx, c.RealIP())
			if id := req.Header.Get(HeaderPlanExecutionID); id != "" {
				ctx = appctx.SetPlanExecutionID(ctx, id)
			}
			if id := req.Header.Get(HeaderNodeExecutionID); id != "" {
				ctx = appctx.SetNodeExecutionID(ctx, id)
			}

			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
