package app

import (
	"context"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/middleware"
)

// newRouter builds the ops surface: health probes, prometheus metrics and DLQ admin
func (s *Server) newRouter() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(s.logger)

	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(s.cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(s.logger, "/metrics", "/api/v1/health/live", "/api/v1/health/ready"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: s.cfg.AllowOrigins,
		AllowMethods: s.cfg.AllowMethods,
	}))

	s.health.RegisterRoutes(e)
	handlers.RegisterMetrics(e)

	api := e.Group("/api/v1")
	handlers.NewDLQHandler(s.DLQ, s.requeueDeadLetter, s.logger).RegisterRoutes(api)

	return e
}

func (s *Server) requeueDeadLetter(ctx context.Context, messageID string) error {
	return s.DLQ.Retry(ctx, messageID, s.Streams, s.cfg.RedisStreamsJobQueue)
}
