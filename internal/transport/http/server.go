// Package http assembles the REST server.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ch0002ic/balanced-corridor-planner/internal/logging"
	"github.com/ch0002ic/balanced-corridor-planner/internal/transport/http/api"
)

// NewServer creates the REST server for uploads, run control and archives.
func NewServer(h *api.Handler, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(logging.RequestLogger(logger.With().Str("component", "http").Logger()))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST, echo.OPTIONS},
		AllowHeaders: []string{echo.HeaderContentType},
	}))

	h.RegisterRoutes(e)
	return e
}
