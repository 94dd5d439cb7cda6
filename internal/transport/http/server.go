// Package http provides the HTTP server for the local view bridge.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/xiaot623/notechat/internal/metrics"
	"github.com/xiaot623/notechat/internal/orchestrator"
	v1 "github.com/xiaot623/notechat/internal/transport/http/v1"
)

// NewServer creates and configures the HTTP server that exposes the
// orchestrator to a local view.
func NewServer(orch *orchestrator.Orchestrator, m *metrics.Metrics, log zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Error != nil || v.Status >= 500 {
				ev = log.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	// Handlers
	v1Handler := v1.NewHandler(orch, log)
	v1Handler.RegisterRoutes(e)

	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	return e
}
