// Package api provides the REST handlers of the simulation service.
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ch0002ic/balanced-corridor-planner/internal/archive"
	"github.com/ch0002ic/balanced-corridor-planner/internal/dataset"
	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
	"github.com/ch0002ic/balanced-corridor-planner/internal/hub"
	"github.com/ch0002ic/balanced-corridor-planner/internal/supervisor"
)

// Error codes returned next to the error message.
const (
	CodeAlreadyRunning = "already_running"
	CodeNotRunning     = "not_running"
	CodeNoInput        = "no_input"
	CodePolicyDenied   = "policy_denied"
	CodeNotFound       = "not_found"
	CodeTooLarge       = "too_large"
	CodeInvalidCSV     = "invalid_csv"
	CodeBadRequest     = "bad_request"
	CodeSpawnFailed    = "spawn_failed"
	CodeInternal       = "internal_error"
)

// Handler handles HTTP requests.
type Handler struct {
	supervisor     *supervisor.Supervisor
	stager         *dataset.Stager
	catalog        *archive.Catalog
	hub            *hub.Hub
	maxUploadBytes int64
}

// NewHandler creates a new handler.
func NewHandler(sup *supervisor.Supervisor, stager *dataset.Stager, catalog *archive.Catalog, h *hub.Hub, maxUploadBytes int64) *Handler {
	return &Handler{
		supervisor:     sup,
		stager:         stager,
		catalog:        catalog,
		hub:            h,
		maxUploadBytes: maxUploadBytes,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/api/health", h.Health)

	e.POST("/api/upload", h.Upload)

	// Run control
	e.POST("/api/simulation/start", h.StartSimulation)
	e.POST("/api/simulation/stop", h.StopSimulation)
	e.POST("/api/simulation/reset", h.ResetSimulation)
	e.GET("/api/simulation/status", h.GetStatus)
	e.GET("/api/simulation/runs/:run_id", h.GetRun)
	e.GET("/api/simulation/logs", h.GetLogs)

	// Archive
	e.GET("/api/archives", h.ListArchives)
	e.GET("/api/archive/:run_id/output", h.DownloadOutput)
	e.GET("/api/archive/:run_id/logs", h.DownloadLogs)
}

// Health returns health status.
// GET /api/health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": h.hub.Count(),
		"run_state":   h.supervisor.Current().State,
	})
}

// respondError maps domain errors onto status codes.
func respondError(c echo.Context, err error) error {
	var verr *dataset.ValidationError
	if errors.As(err, &verr) {
		body := map[string]interface{}{"error": verr.Error(), "code": verr.Code}
		if verr.Code == dataset.CodeRowArityMismatch {
			body["row"] = verr.Row
			body["expected"] = verr.Expected
			body["actual"] = verr.Actual
		}
		return c.JSON(http.StatusBadRequest, body)
	}

	status, code := http.StatusInternalServerError, CodeInternal
	switch {
	case errors.Is(err, domain.ErrAlreadyRunning):
		status, code = http.StatusConflict, CodeAlreadyRunning
	case errors.Is(err, domain.ErrNotRunning):
		status, code = http.StatusConflict, CodeNotRunning
	case errors.Is(err, domain.ErrNoInput):
		status, code = http.StatusBadRequest, CodeNoInput
	case errors.Is(err, domain.ErrPolicyDenied):
		status, code = http.StatusForbidden, CodePolicyDenied
	case errors.Is(err, domain.ErrRunNotFound):
		status, code = http.StatusNotFound, CodeNotFound
	case errors.Is(err, dataset.ErrTooLarge):
		status, code = http.StatusRequestEntityTooLarge, CodeTooLarge
	}
	return c.JSON(status, map[string]string{"error": err.Error(), "code": code})
}
