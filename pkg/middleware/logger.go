package middleware

import (
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
)

// Logger writes one line per request. Probe and scrape routes log at debug so they do not drown the engine's logs.
func Logger(logger ectologger.Logger, quietRoutes ...string) echo.MiddlewareFunc {
	quiet := make(map[string]bool, len(quietRoutes))
	for _, route := range quietRoutes {
		quiet[route] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			res := c.Response()
			start := time.Now()
			if err = next(c); err != nil {
				c.Error(err)
			}
			elapsed := time.Since(start)

			ctx := req.Context()
			log := logger.WithContext(ctx).WithFields(map[string]any{
				"request_id":    appctx.GetRequestID(ctx),
				"method":        req.Method,
				"uri":           req.RequestURI,
				"route":         c.Path(),
				"status":        res.Status,
				"remote_ip":     c.RealIP(),
				"user_agent":    req.UserAgent(),
				"response_time": elapsed.String(),
				"response_size": res.Size,
			})
			if quiet[c.Path()] {
				log.Debug("Request")
			} else {
				log.Info("Request")
			}
			return nil
		}
	}
}
